package payment

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

// ReplayWindow 记录有限时间窗口内出现过的 nonce。
type ReplayWindow interface {
	// Reserve 原子地检查并占用 key；key 已存在时返回 false。
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release 归还占用，使同一凭证可以再次提交。
	Release(ctx context.Context, key string) error
}

const replayShards = 32

// MemoryReplayWindow 按付款方分片的进程内重放窗口，过期条目惰性清理。
type MemoryReplayWindow struct {
	shards [replayShards]replayShard
	now    func() time.Time
}

type replayShard struct {
	mu      sync.Mutex
	entries map[string]time.Time
	inserts int
}

// NewMemoryReplayWindow 创建内存重放窗口。
func NewMemoryReplayWindow() *MemoryReplayWindow {
	return newMemoryReplayWindow(time.Now)
}

func newMemoryReplayWindow(now func() time.Time) *MemoryReplayWindow {
	w := &MemoryReplayWindow{now: now}
	for i := range w.shards {
		w.shards[i].entries = make(map[string]time.Time)
	}
	return w
}

func (w *MemoryReplayWindow) shard(key string) *replayShard {
	payer := key
	if idx := strings.IndexByte(key, '|'); idx >= 0 {
		payer = key[:idx]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(payer))
	return &w.shards[h.Sum32()%replayShards]
}

// Reserve 实现 ReplayWindow。
func (w *MemoryReplayWindow) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := w.now()
	s := w.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if expiry, ok := s.entries[key]; ok && now.Before(expiry) {
		return false, nil
	}
	s.entries[key] = now.Add(ttl)
	s.inserts++
	if s.inserts%256 == 0 {
		for k, expiry := range s.entries {
			if !now.Before(expiry) {
				delete(s.entries, k)
			}
		}
	}
	return true, nil
}

// Release 实现 ReplayWindow。
func (w *MemoryReplayWindow) Release(_ context.Context, key string) error {
	s := w.shard(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Len 返回仍在窗口内的 nonce 数量。
func (w *MemoryReplayWindow) Len() int {
	now := w.now()
	total := 0
	for i := range w.shards {
		s := &w.shards[i]
		s.mu.Lock()
		for _, expiry := range s.entries {
			if now.Before(expiry) {
				total++
			}
		}
		s.mu.Unlock()
	}
	return total
}
