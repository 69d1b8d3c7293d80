package payment

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"IntelMarket-Chain/internal/pricing"
	"IntelMarket-Chain/pkg/logger"
)

// Requirements 是凭证必须匹配的档位报价。
type Requirements = pricing.Requirements

// EnvironmentProduction 表示生产环境，生产环境不会注册 honor 策略。
const EnvironmentProduction = "production"

const (
	defaultReplayWindow   = 10 * time.Minute
	defaultClockSkew      = 30 * time.Second
	defaultConfirmTimeout = 15 * time.Second
)

// Verifier 按顺序执行校验策略。
type Verifier struct {
	source         pricing.Source
	replay         ReplayWindow
	confirmer      SettlementConfirmer
	environment    string
	window         time.Duration
	skew           time.Duration
	confirmTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger
	observer       func(Result)
	strategies     []Strategy
}

// VerifierOption 定义可选配置。
type VerifierOption func(*Verifier)

// WithEnvironment 设置运行环境；非生产环境启用 honor 兜底策略。
func WithEnvironment(env string) VerifierOption {
	return func(v *Verifier) {
		v.environment = strings.ToLower(strings.TrimSpace(env))
	}
}

// WithConfirmer 配置链上确认器。
func WithConfirmer(confirmer SettlementConfirmer) VerifierOption {
	return func(v *Verifier) {
		v.confirmer = confirmer
	}
}

// WithReplayWindowDuration 设置重放窗口时长，同时也是凭证最长有效期。
func WithReplayWindowDuration(window time.Duration) VerifierOption {
	return func(v *Verifier) {
		if window > 0 {
			v.window = window
		}
	}
}

// WithClockSkew 设置允许的签发时间偏差。
func WithClockSkew(skew time.Duration) VerifierOption {
	return func(v *Verifier) {
		if skew >= 0 {
			v.skew = skew
		}
	}
}

// WithConfirmTimeout 设置链上确认的超时时间。
func WithConfirmTimeout(timeout time.Duration) VerifierOption {
	return func(v *Verifier) {
		if timeout > 0 {
			v.confirmTimeout = timeout
		}
	}
}

// WithVerifierClock 替换时间来源。
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithVerifierLogger 指定日志输出。
func WithVerifierLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) {
		v.logger = l
	}
}

// WithObserver 在每次校验结束后回调，用于指标统计。
func WithObserver(observer func(Result)) VerifierOption {
	return func(v *Verifier) {
		v.observer = observer
	}
}

// NewVerifier 构造校验器。
func NewVerifier(source pricing.Source, replay ReplayWindow, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		source:         source,
		replay:         replay,
		environment:    EnvironmentProduction,
		window:         defaultReplayWindow,
		skew:           defaultClockSkew,
		confirmTimeout: defaultConfirmTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	if v.replay == nil {
		v.replay = NewMemoryReplayWindow()
	}
	if v.logger == nil {
		v.logger = logger.Named("payment")
	}
	v.strategies = []Strategy{
		signatureStrategy{skew: v.skew, window: v.window},
		tierMatchStrategy{},
		replayStrategy{window: v.replay, ttl: v.window, skew: v.skew},
		settlementStrategy{confirmer: v.confirmer, timeout: v.confirmTimeout},
	}
	if v.environment != EnvironmentProduction {
		v.strategies = append(v.strategies, honorStrategy{})
	}
	return v
}

// Strategies 返回当前生效的策略名称。
func (v *Verifier) Strategies() []string {
	names := make([]string, 0, len(v.strategies))
	for _, s := range v.strategies {
		names = append(names, s.Name())
	}
	return names
}

// Verify 查找档位报价后校验凭证。未知档位按价格不符处理。
func (v *Verifier) Verify(ctx context.Context, tierID, header string) Result {
	req, err := v.source.Quote(ctx, tierID)
	if err != nil {
		result := Result{Reason: ReasonPriceMismatch, Strategy: "tier_match", Err: err}
		v.finish(result)
		return result
	}
	return v.VerifyRequirements(ctx, req, header)
}

// VerifyRequirements 针对给定报价校验凭证。
func (v *Verifier) VerifyRequirements(ctx context.Context, req Requirements, header string) Result {
	attempt := &Attempt{Header: header, Requirements: req, Now: v.now()}
	result := Result{Requirements: req}

	for _, strategy := range v.strategies {
		outcome := v.evaluate(ctx, strategy, attempt)
		switch outcome.Verdict {
		case Accept:
			result.Valid = true
			result.Strategy = strategy.Name()
			result.Proof = attempt.Proof
			v.finish(result)
			return result
		case Reject:
			v.releaseReservation(ctx, attempt)
			result.Reason = outcome.Reason
			result.Strategy = strategy.Name()
			result.Proof = attempt.Proof
			result.Err = outcome.Err
			v.finish(result)
			return result
		}
	}

	v.releaseReservation(ctx, attempt)
	result.Reason = ReasonChainUnconfirmed
	result.Strategy = "exhausted"
	result.Proof = attempt.Proof
	v.finish(result)
	return result
}

func (v *Verifier) evaluate(ctx context.Context, strategy Strategy, attempt *Attempt) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("校验策略异常", slog.String("strategy", strategy.Name()), slog.Any("panic", r))
			outcome = rejected(ReasonMalformedProof, nil)
		}
	}()
	return strategy.Evaluate(ctx, attempt)
}

// Release 归还已接受凭证的 nonce，用于付费载荷无法交付的情况。
func (v *Verifier) Release(ctx context.Context, proof *Proof) error {
	if proof == nil {
		return nil
	}
	return v.replay.Release(ctx, proof.ReplayKey())
}

func (v *Verifier) releaseReservation(ctx context.Context, attempt *Attempt) {
	if !attempt.reserved || attempt.Proof == nil {
		return
	}
	if err := v.replay.Release(context.WithoutCancel(ctx), attempt.Proof.ReplayKey()); err != nil {
		v.logger.Warn("归还 nonce 失败", slog.Any("error", err), slog.String("nonce", attempt.Proof.Nonce))
	}
	attempt.reserved = false
}

func (v *Verifier) finish(result Result) {
	if result.Valid {
		logger.Audit().Info("付款凭证通过校验",
			slog.String("tier", result.Requirements.Tier),
			slog.String("strategy", result.Strategy),
			slog.String("payer", result.Proof.Payer),
			slog.String("nonce", result.Proof.Nonce),
			slog.Int64("amount", result.Proof.Amount),
		)
	} else {
		attrs := []any{
			slog.String("tier", result.Requirements.Tier),
			slog.String("strategy", result.Strategy),
			slog.String("reason", string(result.Reason)),
		}
		if result.Err != nil {
			attrs = append(attrs, slog.String("detail", result.Err.Error()))
		}
		v.logger.Info("付款凭证被拒绝", attrs...)
	}
	if v.observer != nil {
		v.observer(result)
	}
}
