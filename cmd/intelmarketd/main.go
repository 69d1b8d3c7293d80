package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"IntelMarket-Chain/internal/api"
	"IntelMarket-Chain/internal/auth"
	"IntelMarket-Chain/internal/cache"
	"IntelMarket-Chain/internal/config"
	"IntelMarket-Chain/internal/intel"
	"IntelMarket-Chain/internal/market"
	"IntelMarket-Chain/internal/observability/alerting"
	"IntelMarket-Chain/internal/observability/metrics"
	"IntelMarket-Chain/internal/payment"
	"IntelMarket-Chain/internal/pricing"
	"IntelMarket-Chain/internal/reputation"
	"IntelMarket-Chain/internal/sensor"
	"IntelMarket-Chain/internal/web3/provider"
	"IntelMarket-Chain/pkg/logger"
)

// main 是情报市场守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("intelmarketd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	// .env 不存在时忽略。
	_ = godotenv.Load()

	configPath := os.Getenv("INTELMARKET_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "intelmarket.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "intelmarketd",
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()
	appLog := logger.Named("intelmarketd")

	catalog, err := pricing.LoadCatalog(cfg.Catalog.Path)
	if err != nil {
		return err
	}

	res := &resources{}
	defer res.close()

	alerts := alerting.NewFanout(alerting.LogNotifier{})
	if cfg.Alerting.WebhookURL != "" {
		alerts = alerting.NewFanout(alerting.LogNotifier{},
			alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, alerting.Format(cfg.Alerting.Format), cfg.Alerting.Timeout()))
	}

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chains.Close()

	replay, err := res.replayWindow(ctx, cfg)
	if err != nil {
		return err
	}
	verifier := payment.NewVerifier(catalog, replay,
		payment.WithEnvironment(cfg.Runtime.Environment),
		payment.WithConfirmer(chains),
		payment.WithReplayWindowDuration(cfg.Payment.ReplayWindow()),
		payment.WithClockSkew(cfg.Payment.ClockSkew()),
		payment.WithConfirmTimeout(cfg.Payment.ConfirmTimeout()),
	)

	sensors := []sensor.Source{sensor.NewChainSource(chains.Snapshots)}
	if cfg.Sensor.Source != "" {
		static, err := sensor.LoadStaticSource(cfg.Sensor.Source)
		if err != nil {
			return err
		}
		sensors = append([]sensor.Source{static}, sensors...)
	}
	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}
	producer := intel.NewProducer(sensor.Combine(sensors...), llmClient)

	responses := cache.New(cache.WithComputeTimeout(cfg.Cache.ComputeTimeout()))

	allocator, err := res.allocator(ctx, cfg)
	if err != nil {
		return err
	}
	statsStore, err := res.statsStore(ctx, cfg)
	if err != nil {
		return err
	}
	aggregator := reputation.NewAggregator(statsStore)

	svc := market.NewService(catalog, verifier, responses, producer, allocator, aggregator,
		market.WithAlerts(alerts))

	authSvc, err := newAuthService(cfg.Auth)
	if err != nil {
		return err
	}
	opts := []api.Option{
		api.WithReputation(aggregator),
		api.WithRevenue(allocator),
		api.WithAuth(authSvc),
	}

	workers, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	if cfg.Mandate.CounterpartURL != "" {
		purchases, err := res.startPurchasing(workers, cfg, chains.Chains(), alerts)
		if err != nil {
			return err
		}
		opts = append(opts, api.WithPurchases(purchases))
	} else {
		appLog.Info("未配置 mandate.counterpart_url，出站采购已关闭")
	}

	if cfg.Reputation.Publisher != "none" {
		publisher, err := res.publisher(cfg)
		if err != nil {
			return err
		}
		reporter := reputation.NewReporter(aggregator, publisher, cfg.Reputation.PublishInterval())
		go func() {
			if err := reporter.Run(workers); err != nil && !errors.Is(err, context.Canceled) {
				appLog.Error("信誉发布任务退出", slog.Any("error", err))
			}
		}()
	}

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(workers, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				appLog.Error("指标服务退出", slog.Any("error", err))
			}
		}()
	}

	appLog.Info("情报市场启动",
		slog.String("address", cfg.Server.Address),
		slog.String("catalog_version", catalog.Version()),
		slog.Int("tiers", len(catalog.Tiers())),
		slog.Any("strategies", verifier.Strategies()),
	)
	server := api.NewServer(cfg.Server.Address, svc, opts...)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newAuthService(cfg config.AuthConfig) (*auth.Service, error) {
	operators := make([]auth.Operator, 0, len(cfg.Operators))
	for _, op := range cfg.Operators {
		token := op.ResolveToken()
		if auth.Mode(cfg.Mode) == auth.ModeToken && token == "" {
			return nil, fmt.Errorf("运营方 %s 的令牌环境变量 %s 为空", op.Name, op.TokenEnv)
		}
		operators = append(operators, auth.Operator{Name: op.Name, Token: token, Permissions: op.Permissions})
	}
	return auth.NewService(auth.Config{Mode: auth.Mode(cfg.Mode), Operators: operators})
}
