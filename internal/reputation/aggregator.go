package reputation

import (
	"context"
	"fmt"
	"strings"
	"time"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/money"
)

// Stats 是持久化的累计计数。
type Stats struct {
	TotalRevenue  money.Amount     `json:"total_revenue"`
	Consultations map[string]int64 `json:"consultations"`
	LastPaymentAt time.Time        `json:"last_payment_at"`
}

// Signals 是对外发布的固定信号集合。
type Signals struct {
	TotalRevenue      money.Amount `json:"total_revenue"`
	ConsultationCount int64        `json:"consultation_count"`
	ActiveTierCount   int          `json:"active_tier_count"`
	LastPaymentAt     *time.Time   `json:"last_payment_at,omitempty"`
	GeneratedAt       time.Time    `json:"generated_at"`
}

// Store 持久化计数器。Increment 必须是原子的，并发调用不能丢失更新；
// 最近付款时间只取较大值。paymentID 非空时同一笔付款只计一次，重复调用返回 nil。
type Store interface {
	Increment(ctx context.Context, paymentID, tierID string, amount money.Amount, at time.Time) error
	Load(ctx context.Context) (Stats, error)
}

// Aggregator 记录付款并导出信号。
type Aggregator struct {
	store Store
	now   func() time.Time
}

// NewAggregator 构造聚合器。
func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store, now: time.Now}
}

// RecordPayment 累加总收入、档位咨询次数并更新最近付款时间。
// paymentID 标识一笔付款，重试同一笔付款不会重复计数。
func (a *Aggregator) RecordPayment(ctx context.Context, paymentID, tierID string, amount money.Amount) error {
	tierID = strings.TrimSpace(tierID)
	if tierID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "tier_id 不能为空")
	}
	if amount < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("付款金额不能为负: %d", amount))
	}
	if err := a.store.Increment(ctx, strings.TrimSpace(paymentID), tierID, amount, a.now().UTC()); err != nil {
		if _, ok := xerrors.From(err); ok {
			return err
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新信誉计数失败")
	}
	return nil
}

// Stats 返回原始计数。
func (a *Aggregator) Stats(ctx context.Context) (Stats, error) {
	return a.store.Load(ctx)
}

// ExportSignals 将计数投影为信号。
func (a *Aggregator) ExportSignals(ctx context.Context) (Signals, error) {
	stats, err := a.store.Load(ctx)
	if err != nil {
		return Signals{}, err
	}
	return Project(stats, a.now().UTC()), nil
}

// Project 是从计数到信号的纯函数投影。
func Project(stats Stats, at time.Time) Signals {
	signals := Signals{TotalRevenue: stats.TotalRevenue, GeneratedAt: at}
	for _, count := range stats.Consultations {
		if count > 0 {
			signals.ConsultationCount += count
			signals.ActiveTierCount++
		}
	}
	if !stats.LastPaymentAt.IsZero() {
		last := stats.LastPaymentAt
		signals.LastPaymentAt = &last
	}
	return signals
}
