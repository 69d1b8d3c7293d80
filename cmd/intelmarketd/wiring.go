package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"IntelMarket-Chain/internal/config"
	"IntelMarket-Chain/internal/llm"
	"IntelMarket-Chain/internal/llm/openai"
	"IntelMarket-Chain/internal/mandate"
	"IntelMarket-Chain/internal/observability/alerting"
	"IntelMarket-Chain/internal/payment"
	"IntelMarket-Chain/internal/purchase"
	"IntelMarket-Chain/internal/reputation"
	"IntelMarket-Chain/internal/revenue"
	"IntelMarket-Chain/internal/storage/boltdb"
	"IntelMarket-Chain/internal/storage/mysql"
	"IntelMarket-Chain/internal/storage/postgres"
	redisstore "IntelMarket-Chain/internal/storage/redis"
	"IntelMarket-Chain/pkg/logger"
	"IntelMarket-Chain/sdk/go/intelclient"
)

// resources 按需创建共享连接，并在退出时统一关闭。
type resources struct {
	mysqlDB *sql.DB
	pgPool  *pgxpool.Pool
	redis   *goredis.Client
	closers []func() error
}

func (r *resources) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			logger.L().Warn("释放资源失败", slog.Any("error", err))
		}
	}
}

func (r *resources) mysql(ctx context.Context, cfg config.SQLConfig) (*sql.DB, error) {
	if r.mysqlDB != nil {
		return r.mysqlDB, nil
	}
	db, err := mysql.Open(ctx, mysql.Config{
		DSN:             cfg.ResolveDSN(),
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime(),
	})
	if err != nil {
		return nil, err
	}
	r.mysqlDB = db
	r.closers = append(r.closers, db.Close)
	return db, nil
}

func (r *resources) postgres(ctx context.Context, cfg config.SQLConfig) (*pgxpool.Pool, error) {
	if r.pgPool != nil {
		return r.pgPool, nil
	}
	pool, err := postgres.Connect(ctx, cfg.ResolveDSN())
	if err != nil {
		return nil, err
	}
	r.pgPool = pool
	r.closers = append(r.closers, func() error { pool.Close(); return nil })
	return pool, nil
}

func (r *resources) redisClient(ctx context.Context, cfg config.RedisConfig) (*goredis.Client, error) {
	if r.redis != nil {
		return r.redis, nil
	}
	client, err := redisstore.Connect(ctx, redisstore.Config{
		Address:   cfg.Address,
		Password:  cfg.Password,
		DB:        cfg.DB,
		KeyPrefix: cfg.KeyPrefix,
	})
	if err != nil {
		return nil, err
	}
	r.redis = client
	r.closers = append(r.closers, client.Close)
	return client, nil
}

func (r *resources) replayWindow(ctx context.Context, cfg *config.Config) (payment.ReplayWindow, error) {
	switch cfg.Payment.ReplayStore {
	case "redis":
		client, err := r.redisClient(ctx, cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		return redisstore.NewReplayWindow(client, cfg.Storage.Redis.KeyPrefix), nil
	default:
		return payment.NewMemoryReplayWindow(), nil
	}
}

func (r *resources) allocator(ctx context.Context, cfg *config.Config) (*revenue.Allocator, error) {
	var ledger revenue.Ledger
	switch cfg.Revenue.Ledger {
	case "mysql":
		db, err := r.mysql(ctx, cfg.Storage.MySQL)
		if err != nil {
			return nil, err
		}
		ledger = mysql.NewAllocationLedger(db)
	case "postgres":
		pool, err := r.postgres(ctx, cfg.Storage.Postgres)
		if err != nil {
			return nil, err
		}
		pgLedger, err := postgres.NewAllocationLedger(ctx, pool)
		if err != nil {
			return nil, err
		}
		ledger = pgLedger
	default:
		ledger = revenue.NewMemoryLedger()
	}

	buckets := make([]revenue.Bucket, 0, len(cfg.Revenue.Buckets))
	for _, b := range cfg.Revenue.Buckets {
		buckets = append(buckets, revenue.Bucket{Name: b.Name, BasisPoints: b.BasisPoints})
	}
	return revenue.NewAllocator(buckets, cfg.Revenue.Remainder, ledger)
}

func (r *resources) statsStore(ctx context.Context, cfg *config.Config) (reputation.Store, error) {
	switch cfg.Reputation.Store {
	case "mysql":
		db, err := r.mysql(ctx, cfg.Storage.MySQL)
		if err != nil {
			return nil, err
		}
		return mysql.NewStatsStore(db), nil
	case "redis":
		client, err := r.redisClient(ctx, cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		return redisstore.NewStatsStore(client, cfg.Storage.Redis.KeyPrefix), nil
	default:
		return reputation.NewMemoryStore(), nil
	}
}

func (r *resources) publisher(cfg *config.Config) (reputation.Publisher, error) {
	var (
		pub reputation.Publisher
		err error
	)
	switch cfg.Reputation.Publisher {
	case "nats":
		pub, err = reputation.NewNATSPublisher(cfg.Reputation.NATS.URL, cfg.Reputation.NATS.Subject)
	case "rabbitmq":
		pub, err = reputation.NewRabbitMQPublisher(cfg.Reputation.RabbitMQ.URL, cfg.Reputation.RabbitMQ.Exchange)
	default:
		pub = reputation.LogPublisher{}
	}
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, pub.Close)
	return pub, nil
}

func (r *resources) mandateStore(ctx context.Context, cfg *config.Config) (mandate.Store, error) {
	var (
		store mandate.Store
		err   error
	)
	switch cfg.Mandate.Store {
	case "memory":
		store = mandate.NewMemoryStore()
	case "mysql":
		db, dbErr := r.mysql(ctx, cfg.Storage.MySQL)
		if dbErr != nil {
			return nil, dbErr
		}
		store = mysql.NewMandateStore(db)
	default:
		store, err = boltdb.OpenMandateStore(cfg.Storage.Bolt.Path)
	}
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, store.Close)
	return store, nil
}

func (r *resources) purchaseQueue(ctx context.Context, cfg *config.Config) (purchase.Queue, error) {
	var (
		queue purchase.Queue
		err   error
	)
	switch cfg.Queue.Driver {
	case "redis":
		client, clientErr := r.redisClient(ctx, cfg.Storage.Redis)
		if clientErr != nil {
			return nil, clientErr
		}
		queue = purchase.NewRedisQueue(client, cfg.Queue.Redis.Queue, time.Duration(cfg.Queue.Redis.BlockWaitSeconds)*time.Second)
	case "rabbitmq":
		queue, err = purchase.NewRabbitMQQueue(purchase.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		queue = purchase.NewMemoryQueue(1024)
	}
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, queue.Close)
	return queue, nil
}

// startPurchasing 组装出站采购链路，并启动队列消费与会话清理。
func (r *resources) startPurchasing(ctx context.Context, cfg *config.Config, chains []string, alerts alerting.Dispatcher) (*purchase.Service, error) {
	keys, err := payment.LoadKeyStoreFromEnv(cfg.Signer.KeyEnv)
	if err != nil {
		return nil, err
	}
	signer := payment.NewSigner(keys, chains, payment.WithProofLifetime(cfg.Signer.ProofLifetime()))

	client, err := intelclient.NewClient(cfg.Mandate.CounterpartURL, &http.Client{Timeout: cfg.Mandate.CallTimeout()})
	if err != nil {
		return nil, err
	}
	store, err := r.mandateStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	executor := mandate.NewExecutor(store, intelclient.NewRemoteCatalog(client, cfg.Mandate.CartTTL()), signer, client,
		mandate.WithCartTTL(cfg.Mandate.CartTTL()),
		mandate.WithCallTimeout(cfg.Mandate.CallTimeout()),
		mandate.WithMaxAttempts(cfg.Mandate.MaxAttempts),
	)

	queue, err := r.purchaseQueue(ctx, cfg)
	if err != nil {
		return nil, err
	}
	processor := purchase.NewProcessor(executor, queue,
		purchase.WithWorkerCount(cfg.Queue.Worker),
		purchase.WithAlertDispatcher(alerts),
	)
	sweeper := mandate.NewSweeper(store)

	log := logger.Named("purchase")
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("采购处理器异常退出", slog.Any("error", err))
		}
	}()
	go func() {
		if err := sweeper.Run(ctx, cfg.Mandate.SweepInterval(), cfg.Mandate.AbandonAfter()); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("会话清理任务退出", slog.Any("error", err))
		}
	}()
	log.Info("出站采购已启用",
		slog.String("counterpart", cfg.Mandate.CounterpartURL),
		slog.String("payer", signer.Address().Hex()),
		slog.String("queue", cfg.Queue.Driver),
	)
	return purchase.NewService(executor, queue), nil
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "":
		return nil, nil
	case "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" && cfg.LLM.OpenAI.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.LLM.OpenAI.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:    apiKey,
			BaseURL:   cfg.LLM.OpenAI.BaseURL,
			Model:     cfg.LLM.OpenAI.Model,
			MaxTokens: cfg.LLM.OpenAI.MaxTokens,
			Timeout:   cfg.LLM.OpenAI.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}
