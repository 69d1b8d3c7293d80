package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "IntelMarket-Chain/internal/errors"
)

// ReplayWindow 使用 SET NX PX 在多个实例之间共享 nonce 占用，
// 过期由 Redis 负责。
type ReplayWindow struct {
	client goredis.Cmdable
	prefix string
}

// NewReplayWindow 创建重放窗口。
func NewReplayWindow(client goredis.Cmdable, prefix string) *ReplayWindow {
	return &ReplayWindow{client: client, prefix: prefix}
}

// Reserve 实现 payment.ReplayWindow。
func (w *ReplayWindow) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := w.client.SetNX(ctx, w.key(key), "1", ttl).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "占用 nonce 失败")
	}
	return ok, nil
}

// Release 实现 payment.ReplayWindow。
func (w *ReplayWindow) Release(ctx context.Context, key string) error {
	if err := w.client.Del(ctx, w.key(key)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放 nonce 失败")
	}
	return nil
}

func (w *ReplayWindow) key(k string) string {
	return prefixed(w.prefix, "nonce:"+k)
}
