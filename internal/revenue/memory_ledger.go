package revenue

import (
	"context"
	"sync"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/money"
)

// MemoryLedger 在内存中记录分账，适合测试与单机演示。
type MemoryLedger struct {
	mu          sync.Mutex
	allocations []Allocation
	batches     map[string]struct{}
	totals      map[string]money.Amount
}

// NewMemoryLedger 创建内存账本。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		batches: make(map[string]struct{}),
		totals:  make(map[string]money.Amount),
	}
}

// Commit 实现 Ledger。
func (l *MemoryLedger) Commit(ctx context.Context, allocation Allocation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.batches[allocation.BatchID]; dup {
		return xerrors.New(xerrors.CodeConflict, "分账批次已存在: "+allocation.BatchID)
	}
	l.batches[allocation.BatchID] = struct{}{}
	for _, s := range allocation.Shares {
		l.totals[s.Bucket] += s.Amount
	}
	clone := allocation
	clone.Shares = append([]Share(nil), allocation.Shares...)
	l.allocations = append(l.allocations, clone)
	return nil
}

// Totals 实现 Ledger。
func (l *MemoryLedger) Totals(ctx context.Context) (map[string]money.Amount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]money.Amount, len(l.totals))
	for k, v := range l.totals {
		out[k] = v
	}
	return out, nil
}

// Allocations 返回已提交的分账记录。
func (l *MemoryLedger) Allocations() []Allocation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Allocation, len(l.allocations))
	copy(out, l.allocations)
	return out
}
