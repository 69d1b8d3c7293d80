package reputation

import (
	"context"
	"sync"
	"time"

	"IntelMarket-Chain/internal/money"
)

// MemoryStore 在内存中保存计数。
type MemoryStore struct {
	mu       sync.Mutex
	stats    Stats
	payments map[string]struct{}
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stats:    Stats{Consultations: make(map[string]int64)},
		payments: make(map[string]struct{}),
	}
}

// Increment 实现 Store。
func (s *MemoryStore) Increment(ctx context.Context, paymentID, tierID string, amount money.Amount, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if paymentID != "" {
		if _, seen := s.payments[paymentID]; seen {
			return nil
		}
		s.payments[paymentID] = struct{}{}
	}
	s.stats.TotalRevenue += amount
	s.stats.Consultations[tierID]++
	if at.After(s.stats.LastPaymentAt) {
		s.stats.LastPaymentAt = at
	}
	return nil
}

// Load 实现 Store。
func (s *MemoryStore) Load(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Stats{
		TotalRevenue:  s.stats.TotalRevenue,
		LastPaymentAt: s.stats.LastPaymentAt,
		Consultations: make(map[string]int64, len(s.stats.Consultations)),
	}
	for k, v := range s.stats.Consultations {
		out.Consultations[k] = v
	}
	return out, nil
}
