package mandate

import (
	"context"
	"time"

	"IntelMarket-Chain/internal/money"
)

// Store 是追加写入的审计存储。实现必须保证记录写入后不再修改，
// 且阶段顺序校验与写入在同一临界区内完成。
type Store interface {
	Create(ctx context.Context, intent Intent) error
	Append(ctx context.Context, rec Record) error
	Finish(ctx context.Context, sessionID string, status Status, spent money.Amount, reason string) error
	Get(ctx context.Context, sessionID string) (*Chain, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]string, error)
	Close() error
}
