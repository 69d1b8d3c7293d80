package market

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"IntelMarket-Chain/internal/cache"
	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/money"
	"IntelMarket-Chain/internal/observability/alerting"
	"IntelMarket-Chain/internal/observability/metrics"
	"IntelMarket-Chain/internal/payment"
	"IntelMarket-Chain/internal/pricing"
	"IntelMarket-Chain/internal/revenue"
	"IntelMarket-Chain/internal/reputation"
	"IntelMarket-Chain/pkg/logger"
)

// Producer 生成档位载荷。
type Producer interface {
	Compute(ctx context.Context, tier pricing.Tier) ([]byte, error)
}

// Rejection 表示付款凭证被拒绝，携带重新付款所需的报价。
type Rejection struct {
	Reason       payment.Reason
	Requirements pricing.Requirements
	Err          error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("payment rejected: %s: %v", r.Reason, r.Err)
	}
	return "payment rejected: " + string(r.Reason)
}

func (r *Rejection) Unwrap() error {
	return xerrors.Wrap(payment.CodePaymentRejected, r.Err, string(r.Reason))
}

// Challenge 将拒绝转换为 402 响应体。
func (r *Rejection) Challenge() payment.Challenge {
	return payment.Challenge{Reason: r.Reason, Requirements: r.Requirements}
}

// Delivery 是一次成功交付。
type Delivery struct {
	Tier        string
	Payload     []byte
	Cached      bool
	GeneratedAt time.Time
	Payer       string
	Nonce       string
	Amount      money.Amount
}

// Service 处理入站付费请求。
type Service struct {
	catalog    *pricing.Catalog
	verifier   *payment.Verifier
	cache      *cache.ResponseCache
	producer   Producer
	allocator  *revenue.Allocator
	reputation *reputation.Aggregator
	alerts     alerting.Dispatcher
	settle     settleConfig
	logger     *slog.Logger
}

type settleConfig struct {
	attempts int
	backoff  time.Duration
}

// Option 定义可选配置。
type Option func(*Service)

// WithAlerts 在入账失败等需要人工介入的情况下发送告警。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(s *Service) {
		s.alerts = d
	}
}

// WithSettleRetry 设置入账遇到暂时性错误时的重试次数与间隔。
func WithSettleRetry(attempts int, backoff time.Duration) Option {
	return func(s *Service) {
		if attempts > 0 {
			s.settle.attempts = attempts
		}
		if backoff >= 0 {
			s.settle.backoff = backoff
		}
	}
}

// NewService 构造服务。
func NewService(catalog *pricing.Catalog, verifier *payment.Verifier, responses *cache.ResponseCache, producer Producer, allocator *revenue.Allocator, agg *reputation.Aggregator, opts ...Option) *Service {
	s := &Service{
		catalog:    catalog,
		verifier:   verifier,
		cache:      responses,
		producer:   producer,
		allocator:  allocator,
		reputation: agg,
		settle:     settleConfig{attempts: 3, backoff: 200 * time.Millisecond},
		logger:     logger.Named("market"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Catalog 返回服务使用的价目表。
func (s *Service) Catalog() *pricing.Catalog {
	return s.catalog
}

// Serve 校验凭证并交付档位载荷。
// 凭证被拒绝时返回 *Rejection；载荷生成失败时归还 nonce 且不计收入。
func (s *Service) Serve(ctx context.Context, tierID, header string) (Delivery, error) {
	tier, err := s.catalog.GetTier(tierID)
	if err != nil {
		return Delivery{}, err
	}

	result := s.verifier.Verify(ctx, tier.ID, header)
	metrics.ObservePayment(tier.ID, result.Valid, string(result.Reason))
	if !result.Valid {
		return Delivery{}, &Rejection{Reason: result.Reason, Requirements: result.Requirements, Err: result.Err}
	}

	entry, hit, err := s.cache.GetOrCompute(ctx, tier.ID, tier.TTL, func(ctx context.Context) ([]byte, error) {
		metrics.ObserveCompute(tier.ID)
		return s.producer.Compute(ctx, tier)
	})
	if err != nil {
		if releaseErr := s.verifier.Release(context.WithoutCancel(ctx), result.Proof); releaseErr != nil {
			s.logger.Warn("归还 nonce 失败", slog.Any("error", releaseErr), slog.String("nonce", result.Proof.Nonce))
		}
		s.logger.Error("载荷生成失败",
			slog.String("tier", tier.ID),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
		alerting.NotifyError(ctx, s.alerts, err, "market", tier.ID)
		return Delivery{}, err
	}
	metrics.ObserveCache(tier.ID, hit)

	amount := money.Amount(result.Proof.Amount)
	s.recordRevenue(context.WithoutCancel(ctx), tier, amount, result.Proof)

	return Delivery{
		Tier:        tier.ID,
		Payload:     entry.Payload,
		Cached:      hit,
		GeneratedAt: entry.CreatedAt,
		Payer:       result.Proof.Payer,
		Nonce:       result.Proof.Nonce,
		Amount:      amount,
	}, nil
}

// paymentID 由档位、付款方与 nonce 派生，同一笔付款的所有重试得到相同的 ID。
func paymentID(tierID string, proof *payment.Proof) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(tierID+"|"+proof.ReplayKey())).String()
}

// recordRevenue 在交付后入账。凭证已被消费，入账失败不影响交付，只告警。
// 分账批次与信誉计数都以 paymentID 去重，暂时性失败重试时不会重复入账。
func (s *Service) recordRevenue(ctx context.Context, tier pricing.Tier, amount money.Amount, proof *payment.Proof) {
	source := tier.ID + ":" + proof.Nonce
	id := paymentID(tier.ID, proof)

	if s.allocator != nil {
		allocation, err := retryTransient(ctx, s.settle, func() (revenue.Allocation, error) {
			return s.allocator.AllocateBatch(ctx, id, amount, source)
		})
		if err != nil {
			s.logger.Error("收入分配失败",
				slog.String("tier", tier.ID),
				slog.String("nonce", proof.Nonce),
				slog.Int64("amount", int64(amount)),
				slog.Any("error", err),
			)
			alerting.NotifyError(ctx, s.alerts, err, "revenue", source)
		} else {
			shares := make(map[string]int64, len(allocation.Shares))
			for _, share := range allocation.Shares {
				shares[share.Bucket] = int64(share.Amount)
			}
			metrics.ObserveAllocation(shares)
		}
	}

	if s.reputation != nil {
		_, err := retryTransient(ctx, s.settle, func() (struct{}, error) {
			return struct{}{}, s.reputation.RecordPayment(ctx, id, tier.ID, amount)
		})
		if err != nil {
			s.logger.Error("信誉计数失败", slog.String("tier", tier.ID), slog.Any("error", err))
			alerting.NotifyError(ctx, s.alerts, err, "reputation", tier.ID)
		}
	}
}

func retryTransient[T any](ctx context.Context, cfg settleConfig, fn func() (T, error)) (T, error) {
	var (
		value T
		err   error
	)
	for attempt := 1; attempt <= cfg.attempts; attempt++ {
		value, err = fn()
		if err == nil || !xerrors.RetryableError(err) || attempt == cfg.attempts {
			return value, err
		}
		select {
		case <-ctx.Done():
			return value, err
		case <-time.After(cfg.backoff * time.Duration(attempt)):
		}
	}
	return value, err
}
