package revenue

import (
	"context"
	"errors"
	"math"
	"testing"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/money"
)

func newAllocator(t *testing.T, ledger Ledger) *Allocator {
	t.Helper()
	a, err := NewAllocator(DefaultBuckets(), "operations", ledger)
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	return a
}

func sharesByName(shares []Share) map[string]money.Amount {
	out := make(map[string]money.Amount, len(shares))
	for _, s := range shares {
		out[s.Bucket] = s.Amount
	}
	return out
}

func TestAllocateHundred(t *testing.T) {
	ledger := NewMemoryLedger()
	a := newAllocator(t, ledger)

	alloc, err := a.Allocate(context.Background(), 100, "oracle-premium")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	got := sharesByName(alloc.Shares)
	want := map[string]money.Amount{"operations": 60, "reserve": 25, "development": 10, "community": 5}
	for name, amount := range want {
		if got[name] != amount {
			t.Fatalf("bucket %s: want %d got %d", name, amount, got[name])
		}
	}
	if alloc.BatchID == "" || alloc.Source != "oracle-premium" {
		t.Fatalf("unexpected allocation metadata %+v", alloc)
	}
	if len(ledger.Allocations()) != 1 {
		t.Fatalf("allocation should be committed")
	}
}

func TestAllocateOneAssignsRemainder(t *testing.T) {
	a := newAllocator(t, NewMemoryLedger())
	alloc, err := a.Allocate(context.Background(), 1, "sensor-snapshot")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	got := sharesByName(alloc.Shares)
	if got["operations"] != 1 || got["reserve"] != 0 || got["development"] != 0 || got["community"] != 0 {
		t.Fatalf("remainder should land in operations: %+v", got)
	}
	if alloc.Sum() != 1 {
		t.Fatalf("sum mismatch: %d", alloc.Sum())
	}
}

func TestSplitSumsExactly(t *testing.T) {
	a := newAllocator(t, NewMemoryLedger())
	amounts := []money.Amount{0, 1, 3, 7, 9999, 10001, 5000, 150000, 123456789, math.MaxInt64}
	for _, amount := range amounts {
		shares, err := a.Split(amount)
		if err != nil {
			t.Fatalf("split %d: %v", amount, err)
		}
		alloc := Allocation{Amount: amount, Shares: shares}
		if alloc.Sum() != amount {
			t.Fatalf("split %d sums to %d", amount, alloc.Sum())
		}
		for _, s := range shares {
			if s.Amount < 0 {
				t.Fatalf("negative share for %d: %+v", amount, s)
			}
		}
	}
}

func TestAllocationIsLinear(t *testing.T) {
	ctx := context.Background()
	split := NewMemoryLedger()
	whole := NewMemoryLedger()
	a := newAllocator(t, split)
	b := newAllocator(t, whole)

	for _, amount := range []money.Amount{10, 20} {
		if _, err := a.Allocate(ctx, amount, "tier"); err != nil {
			t.Fatalf("allocate: %v", err)
		}
	}
	if _, err := b.Allocate(ctx, 30, "tier"); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	left, _ := split.Totals(ctx)
	right, _ := whole.Totals(ctx)
	for name, amount := range right {
		if left[name] != amount {
			t.Fatalf("bucket %s: split totals %d, single allocation %d", name, left[name], amount)
		}
	}
}

func TestInvalidBucketsRejected(t *testing.T) {
	cases := []struct {
		name      string
		buckets   []Bucket
		remainder string
	}{
		{"sum below 100%", []Bucket{{"a", 5000}, {"b", 4000}}, "a"},
		{"sum above 100%", []Bucket{{"a", 6000}, {"b", 5000}}, "a"},
		{"unknown remainder", []Bucket{{"a", 5000}, {"b", 5000}}, "c"},
		{"duplicate", []Bucket{{"a", 5000}, {"a", 5000}}, "a"},
		{"negative", []Bucket{{"a", 11000}, {"b", -1000}}, "a"},
		{"empty", nil, "a"},
	}
	for _, tc := range cases {
		_, err := NewAllocator(tc.buckets, tc.remainder, NewMemoryLedger())
		if xerrors.CodeOf(err) != CodeAllocationInvalid {
			t.Fatalf("%s: expected ALLOCATION_INVALID, got %v", tc.name, err)
		}
		if xerrors.ClassOf(err) != xerrors.ClassFatal {
			t.Fatalf("%s: invalid buckets must be fatal", tc.name)
		}
	}
}

type failingLedger struct{}

func (failingLedger) Commit(context.Context, Allocation) error { return errors.New("disk full") }
func (failingLedger) Totals(context.Context) (map[string]money.Amount, error) {
	return nil, nil
}

func TestCommitFailureReturnsNoAllocation(t *testing.T) {
	a := newAllocator(t, failingLedger{})
	alloc, err := a.Allocate(context.Background(), 100, "oracle")
	if xerrors.CodeOf(err) != CodeLedgerCommit {
		t.Fatalf("expected LEDGER_COMMIT_FAILED, got %v", err)
	}
	if alloc.BatchID != "" || len(alloc.Shares) != 0 {
		t.Fatalf("no allocation should be reported on failure: %+v", alloc)
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("commit failure should be retryable")
	}
}

func TestAllocateBatchCommitsOnce(t *testing.T) {
	ledger := NewMemoryLedger()
	a := newAllocator(t, ledger)
	ctx := context.Background()

	first, err := a.AllocateBatch(ctx, "batch-1", 150000, "oracle:n-1")
	if err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	again, err := a.AllocateBatch(ctx, "batch-1", 150000, "oracle:n-1")
	if err != nil {
		t.Fatalf("repeated batch should be treated as committed: %v", err)
	}
	if again.BatchID != first.BatchID || again.Sum() != 150000 {
		t.Fatalf("unexpected repeated allocation %+v", again)
	}
	if len(ledger.Allocations()) != 1 {
		t.Fatalf("batch must be committed once, got %d", len(ledger.Allocations()))
	}
	totals, _ := ledger.Totals(ctx)
	if totals["operations"] != 90000 {
		t.Fatalf("unexpected totals %v", totals)
	}
	if _, err := a.AllocateBatch(ctx, " ", 1, "x"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("empty batch id should be rejected, got %v", err)
	}
}
