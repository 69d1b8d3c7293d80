package mandate

import (
	"context"
	"testing"
	"time"
)

func TestSweeperFailsAbandonedChains(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	old := Intent{ID: "i-old", SessionID: "old", Seeker: "a", TierID: "oracle", Budget: 1, CreatedAt: now.Add(-time.Hour)}
	fresh := Intent{ID: "i-new", SessionID: "new", Seeker: "a", TierID: "oracle", Budget: 1, CreatedAt: now.Add(-time.Minute)}
	for _, intent := range []Intent{old, fresh} {
		if err := store.Create(ctx, intent); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	sweeper := NewSweeper(store)
	sweeper.now = func() time.Time { return now }
	swept, err := sweeper.Sweep(ctx, 15*time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected one swept chain, got %d", swept)
	}

	chain, _ := store.Get(ctx, "old")
	if chain.Status != StatusFailed || chain.FailureReason != ReasonAbandonedTimeout {
		t.Fatalf("abandoned chain should fail, got %s/%s", chain.Status, chain.FailureReason)
	}
	if len(chain.Records) != 1 || chain.Intent == nil {
		t.Fatalf("abandoned chain must stay inspectable")
	}
	if chain, _ := store.Get(ctx, "new"); chain.Status != StatusInProgress {
		t.Fatalf("recent chain must not be swept")
	}
	if again, _ := sweeper.Sweep(ctx, 15*time.Minute); again != 0 {
		t.Fatalf("second sweep should be a no-op, got %d", again)
	}
}
