package mandate

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/money"
)

// MemoryStore 将会话保存在内存中，适合测试与单机演示。
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string]*Chain
	now    func() time.Time
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string]*Chain), now: time.Now}
}

// Create 实现 Store。
func (s *MemoryStore) Create(ctx context.Context, intent Intent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chain, err := NewChain(intent)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.chains[intent.SessionID]; exists {
		return xerrors.New(xerrors.CodeConflict, "会话已存在: "+intent.SessionID)
	}
	s.chains[intent.SessionID] = chain
	return nil
}

// Append 实现 Store。
func (s *MemoryStore) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	chain, ok := s.chains[rec.SessionID()]
	if !ok {
		return ErrChainNotFound
	}
	return chain.Apply(rec)
}

// Finish 实现 Store。
func (s *MemoryStore) Finish(ctx context.Context, sessionID string, status Status, spent money.Amount, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	chain, ok := s.chains[sessionID]
	if !ok {
		return ErrChainNotFound
	}
	return chain.Finish(status, spent, reason, s.now())
}

// Get 实现 Store。
func (s *MemoryStore) Get(ctx context.Context, sessionID string) (*Chain, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain, ok := s.chains[sessionID]
	if !ok {
		return nil, ErrChainNotFound
	}
	return chain.Clone(), nil
}

// ListStale 实现 Store。
func (s *MemoryStore) ListStale(ctx context.Context, before time.Time, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type staleChain struct {
		id      string
		updated time.Time
	}
	s.mu.RLock()
	stale := make([]staleChain, 0)
	for _, chain := range s.chains {
		if chain.Status == StatusInProgress && chain.UpdatedAt.Before(before) {
			stale = append(stale, staleChain{id: chain.SessionID, updated: chain.UpdatedAt})
		}
	}
	s.mu.RUnlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i].updated.Before(stale[j].updated) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	ids := make([]string, 0, len(stale))
	for _, c := range stale {
		ids = append(ids, c.id)
	}
	return ids, nil
}

// Close 实现 Store。
func (s *MemoryStore) Close() error { return nil }
