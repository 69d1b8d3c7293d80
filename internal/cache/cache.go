package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	xerrors "IntelMarket-Chain/internal/errors"
)

// ComputeFunc 生成档位的新载荷。
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Entry 是一条缓存记录，过期后不会再被返回。
type Entry struct {
	TierID    string
	Payload   []byte
	CreatedAt time.Time
	TTL       time.Duration
}

// Fresh 判断条目在给定时刻是否仍然有效。
func (e Entry) Fresh(now time.Time) bool {
	return now.Sub(e.CreatedAt) < e.TTL
}

// ResponseCache 是带单飞计算协调的档位缓存。
type ResponseCache struct {
	mu             sync.Mutex
	entries        map[string]Entry
	group          singleflight.Group
	now            func() time.Time
	computeTimeout time.Duration
}

// Option 定义可选配置。
type Option func(*ResponseCache)

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(c *ResponseCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithComputeTimeout 限定单次计算的最长时间。
func WithComputeTimeout(timeout time.Duration) Option {
	return func(c *ResponseCache) {
		if timeout > 0 {
			c.computeTimeout = timeout
		}
	}
}

// New 创建缓存实例。
func New(opts ...Option) *ResponseCache {
	c := &ResponseCache{
		entries:        make(map[string]Entry),
		now:            time.Now,
		computeTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// GetOrCompute 在条目有效时直接返回缓存，否则触发（或加入正在进行的）计算。
// 计算失败不会写入缓存，也不会退回已过期的旧条目。
func (c *ResponseCache) GetOrCompute(ctx context.Context, tierID string, ttl time.Duration, compute ComputeFunc) (Entry, bool, error) {
	if ttl <= 0 {
		return Entry{}, false, xerrors.New(xerrors.CodeInvalidArgument, "缓存 TTL 必须大于 0")
	}
	if compute == nil {
		return Entry{}, false, xerrors.New(xerrors.CodeInvalidArgument, "未提供计算函数")
	}
	if entry, ok := c.lookup(tierID); ok {
		return entry, true, nil
	}

	ch := c.group.DoChan(tierID, func() (any, error) {
		// 可能在上一次计算刚好落盘后才进入。
		if entry, ok := c.lookup(tierID); ok {
			return entry, nil
		}
		computeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.computeTimeout)
		defer cancel()
		payload, err := compute(computeCtx)
		if err != nil {
			return nil, err
		}
		entry := Entry{TierID: tierID, Payload: payload, CreatedAt: c.now(), TTL: ttl}
		c.mu.Lock()
		c.entries[tierID] = entry
		c.mu.Unlock()
		return entry, nil
	})

	select {
	case <-ctx.Done():
		return Entry{}, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Entry{}, false, res.Err
		}
		return res.Val.(Entry), false, nil
	}
}

func (c *ResponseCache) lookup(tierID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[tierID]
	if !ok {
		return Entry{}, false
	}
	if !entry.Fresh(c.now()) {
		delete(c.entries, tierID)
		return Entry{}, false
	}
	return entry, true
}

// Len 返回当前持有的条目数量（包括尚未被访问清理的过期条目）。
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge 清空缓存。
func (c *ResponseCache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.mu.Unlock()
}
