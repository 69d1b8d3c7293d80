package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"IntelMarket-Chain/internal/auth"
	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/mandate"
	"IntelMarket-Chain/internal/market"
	"IntelMarket-Chain/internal/money"
	"IntelMarket-Chain/internal/observability/metrics"
	"IntelMarket-Chain/internal/payment"
	"IntelMarket-Chain/internal/purchase"
	"IntelMarket-Chain/internal/reputation"
	"IntelMarket-Chain/internal/revenue"
	"IntelMarket-Chain/pkg/logger"
)

const maxRequestBody = 64 << 10

// Server 负责暴露 REST 接口。
type Server struct {
	addr       string
	market     *market.Service
	purchases  *purchase.Service
	reputation *reputation.Aggregator
	revenue    *revenue.Allocator
	auth       *auth.Service
	logger     *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithPurchases 启用出站采购接口。
func WithPurchases(svc *purchase.Service) Option {
	return func(s *Server) { s.purchases = svc }
}

// WithReputation 启用信誉信号接口。
func WithReputation(agg *reputation.Aggregator) Option {
	return func(s *Server) { s.reputation = agg }
}

// WithRevenue 启用收入分配汇总接口。
func WithRevenue(alloc *revenue.Allocator) Option {
	return func(s *Server) { s.revenue = alloc }
}

// WithAuth 为运营接口启用鉴权。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc *market.Service, opts ...Option) *Server {
	s := &Server{addr: addr, market: svc, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", s.instrument("healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /api/v1/pricing", s.instrument("pricing", http.HandlerFunc(s.handlePricing)))
	mux.Handle("GET /api/v1/intel/{tier}", s.instrument("intel", http.HandlerFunc(s.handleIntel)))
	mux.Handle("POST /api/v1/purchases", s.instrument("purchases",
		s.auth.Middleware("purchase.create", auth.PermissionPurchaseWrite)(http.HandlerFunc(s.handleCreatePurchase))))
	mux.Handle("GET /api/v1/mandates/{session}", s.instrument("mandates",
		s.auth.Middleware("mandate.get", auth.PermissionMandateRead)(http.HandlerFunc(s.handleMandate))))
	mux.Handle("GET /api/v1/reputation", s.instrument("reputation", http.HandlerFunc(s.handleReputation)))
	mux.Handle("GET /api/v1/revenue", s.instrument("revenue",
		s.auth.Middleware("revenue.get", auth.PermissionRevenueRead)(http.HandlerFunc(s.handleRevenue))))
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePricing(w http.ResponseWriter, _ *http.Request) {
	if s.market == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "市场服务未初始化"))
		return
	}
	writeJSON(w, http.StatusOK, s.market.Catalog().Snapshot())
}

func (s *Server) handleIntel(w http.ResponseWriter, r *http.Request) {
	if s.market == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "市场服务未初始化"))
		return
	}
	tierID := r.PathValue("tier")
	delivery, err := s.market.Serve(r.Context(), tierID, r.Header.Get(payment.HeaderName))
	if err != nil {
		var rejection *market.Rejection
		if errors.As(err, &rejection) {
			writeJSON(w, http.StatusPaymentRequired, rejection.Challenge())
			return
		}
		s.logger.Warn("付费请求失败", slog.String("tier", tierID), slog.Any("error", err))
		writeError(w, err)
		return
	}

	cache := "MISS"
	if delivery.Cached {
		cache = "HIT"
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", cache)
	w.Header().Set("X-Payment-Nonce", delivery.Nonce)
	w.Header().Set("Last-Modified", delivery.GeneratedAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(delivery.Payload)
}

type purchaseRequest struct {
	Seeker string `json:"seeker"`
	Goal   string `json:"goal"`
	TierID string `json:"tier_id"`
	Budget string `json:"budget"`
}

type purchaseResponse struct {
	SessionID string         `json:"session_id"`
	IntentID  string         `json:"intent_id"`
	Status    mandate.Status `json:"status"`
}

func (s *Server) handleCreatePurchase(w http.ResponseWriter, r *http.Request) {
	if s.purchases == nil || s.market == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "采购服务未启用"))
		return
	}
	var body purchaseRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	budget, err := money.Parse(body.Budget, s.market.Catalog().Decimals())
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "budget 不合法"))
		return
	}

	intent, err := s.purchases.Submit(r.Context(), mandate.PurchaseRequest{
		Seeker: body.Seeker,
		Goal:   body.Goal,
		TierID: body.TierID,
		Budget: budget,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("采购已提交",
		slog.String("operator", auth.OperatorName(r.Context())),
		slog.String("session_id", intent.SessionID),
		slog.String("tier", body.TierID),
	)
	w.Header().Set("Location", "/api/v1/mandates/"+intent.SessionID)
	writeJSON(w, http.StatusAccepted, purchaseResponse{
		SessionID: intent.SessionID,
		IntentID:  intent.ID,
		Status:    mandate.StatusInProgress,
	})
}

func (s *Server) handleMandate(w http.ResponseWriter, r *http.Request) {
	if s.purchases == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "采购服务未启用"))
		return
	}
	sessionID := strings.TrimSpace(r.PathValue("session"))
	if sessionID == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少会话 ID"))
		return
	}
	chain, err := s.purchases.Get(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	if s.reputation == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "信誉统计未启用"))
		return
	}
	signals, err := s.reputation.ExportSignals(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, signals)
}

func (s *Server) handleRevenue(w http.ResponseWriter, r *http.Request) {
	if s.revenue == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "收入分配未启用"))
		return
	}
	totals, err := s.revenue.Totals(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"buckets": totals})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
