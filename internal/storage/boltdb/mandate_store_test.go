package boltdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/mandate"
)

func TestMandateStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mandates.db")
	store, err := OpenMandateStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	created := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	intent := mandate.Intent{ID: "i-1", SessionID: "s-1", Seeker: "agent-a", TierID: "oracle", Budget: 1_000_000, CreatedAt: created}
	if err := store.Create(ctx, intent); err != nil {
		t.Fatalf("create: %v", err)
	}
	// 另一个会话的记录不能混入。
	other := mandate.Intent{ID: "i-2", SessionID: "s-10", Seeker: "agent-b", TierID: "oracle", Budget: 1, CreatedAt: created}
	if err := store.Create(ctx, other); err != nil {
		t.Fatalf("create other: %v", err)
	}
	steps := []mandate.Record{
		{Stage: mandate.StageCart, Cart: &mandate.Cart{ID: "c-1", SessionID: "s-1", IntentID: "i-1", Price: 150000, CreatedAt: created.Add(time.Second)}},
		{Stage: mandate.StagePayment, Payment: &mandate.Payment{ID: "p-1", SessionID: "s-1", CartID: "c-1", Amount: 150000, CreatedAt: created.Add(2 * time.Second)}},
		{Stage: mandate.StageReceipt, Receipt: &mandate.Receipt{ID: "r-1", SessionID: "s-1", PaymentID: "p-1", Success: true, CreatedAt: created.Add(3 * time.Second)}},
	}
	for _, rec := range steps {
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("append %s: %v", rec.Stage, err)
		}
	}
	if err := store.Finish(ctx, "s-1", mandate.StatusCompleted, 150000, ""); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenMandateStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	chain, err := reopened.Get(ctx, "s-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if chain.Status != mandate.StatusCompleted || chain.TotalSpent != 150000 || len(chain.Records) != 4 {
		t.Fatalf("unexpected chain after reopen: %+v", chain)
	}
	if chain.Receipt == nil || chain.Receipt.ID != "r-1" {
		t.Fatalf("receipt should be restored")
	}
	if err := reopened.Append(ctx, steps[0]); xerrors.CodeOf(err) != mandate.CodeChainTerminal {
		t.Fatalf("terminal chain must reject appends, got %v", err)
	}
	if err := reopened.Create(ctx, intent); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("duplicate create should conflict, got %v", err)
	}
}

func TestMandateStoreRejectsOutOfOrderAndListsStale(t *testing.T) {
	store, err := OpenMandateStore(filepath.Join(t.TempDir(), "nested", "mandates.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	if err := store.Create(ctx, mandate.Intent{ID: "i-1", SessionID: "s-1", Seeker: "a", TierID: "oracle", Budget: 1, CreatedAt: old}); err != nil {
		t.Fatalf("create: %v", err)
	}
	payment := mandate.Record{Stage: mandate.StagePayment, Payment: &mandate.Payment{ID: "p-1", SessionID: "s-1", CartID: "c-1"}}
	if err := store.Append(ctx, payment); xerrors.CodeOf(err) != mandate.CodeStageOrder {
		t.Fatalf("payment before cart must fail, got %v", err)
	}
	chain, err := store.Get(ctx, "s-1")
	if err != nil || len(chain.Records) != 1 {
		t.Fatalf("rejected record must not be persisted: %+v %v", chain, err)
	}

	ids, err := store.ListStale(ctx, time.Now().Add(-15*time.Minute), 10)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(ids) != 1 || ids[0] != "s-1" {
		t.Fatalf("unexpected stale ids %v", ids)
	}

	sweeper := mandate.NewSweeper(store)
	if n, err := sweeper.Sweep(ctx, 15*time.Minute); err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	chain, _ = store.Get(ctx, "s-1")
	if chain.Status != mandate.StatusFailed || chain.FailureReason != mandate.ReasonAbandonedTimeout {
		t.Fatalf("chain should be swept: %+v", chain)
	}
	if _, err := store.Get(ctx, "missing"); xerrors.CodeOf(err) != mandate.CodeChainNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}
