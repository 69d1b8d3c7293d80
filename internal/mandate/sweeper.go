package mandate

import (
	"context"
	"log/slog"
	"time"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/pkg/logger"
)

// Sweeper 将长时间停留在进行中的会话标记为失败，使审计记录总能到达终态。
type Sweeper struct {
	store Store
	now   func() time.Time
	batch int
}

// NewSweeper 构造清理器。
func NewSweeper(store Store) *Sweeper {
	return &Sweeper{store: store, now: time.Now, batch: 100}
}

// Sweep 处理最近更新早于 maxAge 的会话，返回被标记的数量。
func (s *Sweeper) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := s.store.ListStale(ctx, s.now().Add(-maxAge), s.batch)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询滞留会话失败")
	}
	swept := 0
	for _, id := range ids {
		chain, err := s.store.Get(ctx, id)
		if err != nil {
			return swept, err
		}
		err = s.store.Finish(ctx, id, StatusFailed, chain.TotalSpent, ReasonAbandonedTimeout)
		if xerrors.CodeOf(err) == CodeChainTerminal {
			continue
		}
		if err != nil {
			return swept, err
		}
		swept++
		logger.Audit().Warn("mandate chain failed",
			slog.String("session_id", id),
			slog.String("reason", ReasonAbandonedTimeout),
			slog.Time("last_update", chain.UpdatedAt),
		)
	}
	return swept, nil
}

// Run 按固定周期执行 Sweep，直到 ctx 取消。
func (s *Sweeper) Run(ctx context.Context, interval, maxAge time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.Sweep(ctx, maxAge); err != nil {
				logger.Named("mandate").Error("清理滞留会话失败", slog.Any("error", err))
			} else if n > 0 {
				logger.Named("mandate").Info("已清理滞留会话", slog.Int("count", n))
			}
		}
	}
}
