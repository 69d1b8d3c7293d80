package purchase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/mandate"
	"IntelMarket-Chain/internal/money"
	"IntelMarket-Chain/internal/observability/alerting"
)

// fakeMandates 模拟会话执行：预算低于阈值的会话失败，其余完成。
type fakeMandates struct {
	mu       sync.Mutex
	chains   map[string]*mandate.Chain
	resumed  atomic.Int32
	aborted  []string
	nextID   atomic.Int32
	minSpend money.Amount
}

func newFakeMandates() *fakeMandates {
	return &fakeMandates{chains: make(map[string]*mandate.Chain), minSpend: 100}
}

func (f *fakeMandates) CreateIntent(_ context.Context, req mandate.PurchaseRequest) (*mandate.Intent, error) {
	if req.TierID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "tier_id 不能为空")
	}
	id := fmt.Sprintf("s-%d", f.nextID.Add(1))
	intent := &mandate.Intent{ID: "i-" + id, SessionID: id, Seeker: req.Seeker, TierID: req.TierID, Budget: req.Budget}
	f.mu.Lock()
	f.chains[id] = &mandate.Chain{SessionID: id, Intent: intent, Status: mandate.StatusInProgress}
	f.mu.Unlock()
	return intent, nil
}

func (f *fakeMandates) Resume(_ context.Context, sessionID string) (*mandate.Chain, error) {
	f.resumed.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	chain, ok := f.chains[sessionID]
	if !ok {
		return nil, mandate.ErrChainNotFound
	}
	if chain.Status.Terminal() {
		return chain, nil
	}
	if chain.Intent.Budget < f.minSpend {
		chain.Status = mandate.StatusFailed
		chain.FailureReason = "budget_exceeded"
		return chain, xerrors.New(xerrors.CodeConflict, "budget exceeded")
	}
	chain.Status = mandate.StatusCompleted
	chain.TotalSpent = f.minSpend
	return chain, nil
}

func (f *fakeMandates) Abort(_ context.Context, sessionID string, _ error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, sessionID)
	if chain, ok := f.chains[sessionID]; ok {
		chain.Status = mandate.StatusFailed
	}
}

func (f *fakeMandates) Get(_ context.Context, sessionID string) (*mandate.Chain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chain, ok := f.chains[sessionID]
	if !ok {
		return nil, mandate.ErrChainNotFound
	}
	return chain, nil
}

func (f *fakeMandates) status(id string) mandate.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chains[id].Status
}

type capturingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (c *capturingAlerts) Notify(_ context.Context, e alerting.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *capturingAlerts) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

type brokenProducer struct{}

func (brokenProducer) Publish(context.Context, string) error { return errors.New("broker down") }
func (brokenProducer) Close() error                          { return nil }

func TestProcessorDrivesSubmittedPurchases(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mandates := newFakeMandates()
	queue := NewMemoryQueue(256)
	alerts := &capturingAlerts{}
	service := NewService(mandates, queue)
	processor := NewProcessor(mandates, queue, WithWorkerCount(8), WithAlertDispatcher(alerts))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	const total = 100
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		budget := money.Amount(1000)
		if i%10 == 0 {
			budget = 10
		}
		intent, err := service.Submit(ctx, mandate.PurchaseRequest{Seeker: "agent-a", TierID: "oracle", Budget: budget})
		if err != nil {
			t.Fatalf("提交采购失败: %v", err)
		}
		ids = append(ids, intent.SessionID)
	}

	deadline := time.After(5 * time.Second)
	for int(mandates.resumed.Load()) < total || alerts.count() < total/10 {
		select {
		case <-deadline:
			t.Fatalf("采购未能及时处理，已处理 %d", mandates.resumed.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()

	failed := 0
	for _, id := range ids {
		switch mandates.status(id) {
		case mandate.StatusFailed:
			failed++
		case mandate.StatusCompleted:
		default:
			t.Fatalf("session %s not terminal", id)
		}
	}
	if failed != 10 || alerts.count() != 10 {
		t.Fatalf("expected 10 failures with alerts, got %d failures %d alerts", failed, alerts.count())
	}
	if alerts.events[0].Metadata["reason"] != "budget_exceeded" || alerts.events[0].Metadata["tier"] != "oracle" {
		t.Fatalf("unexpected alert metadata: %+v", alerts.events[0].Metadata)
	}
}

func TestSubmitValidationAndPublishFailure(t *testing.T) {
	mandates := newFakeMandates()
	if _, err := NewService(mandates, NewMemoryQueue(1)).Submit(context.Background(), mandate.PurchaseRequest{Seeker: "a"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected validation error, got %v", err)
	}

	_, err := NewService(mandates, brokenProducer{}).Submit(context.Background(), mandate.PurchaseRequest{Seeker: "a", TierID: "oracle", Budget: 1000})
	if xerrors.CodeOf(err) != CodePurchasePublish {
		t.Fatalf("expected publish failure, got %v", err)
	}
	if len(mandates.aborted) != 1 || mandates.status(mandates.aborted[0]) != mandate.StatusFailed {
		t.Fatalf("unqueued session should be aborted")
	}

	if _, err := NewService(nil, nil).Submit(context.Background(), mandate.PurchaseRequest{}); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}

func TestProcessorSkipsUnknownAndRepeatedSessions(t *testing.T) {
	mandates := newFakeMandates()
	alerts := &capturingAlerts{}
	p := NewProcessor(mandates, NewMemoryQueue(1), WithAlertDispatcher(alerts))

	if err := p.handle(context.Background(), "missing"); err != nil {
		t.Fatalf("unknown session should be skipped: %v", err)
	}
	intent, _ := mandates.CreateIntent(context.Background(), mandate.PurchaseRequest{Seeker: "a", TierID: "oracle", Budget: 10})
	if err := p.handle(context.Background(), intent.SessionID); err == nil {
		t.Fatalf("failed chain should surface its error")
	}
	if err := p.handle(context.Background(), intent.SessionID); err != nil {
		t.Fatalf("redelivered terminal session should be a no-op: %v", err)
	}
	if alerts.count() != 1 {
		t.Fatalf("expected a single alert, got %d", alerts.count())
	}
}

func TestMemoryQueueClosed(t *testing.T) {
	q := NewMemoryQueue(1)
	_ = q.Close()
	if err := q.Publish(context.Background(), "s-1"); xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected queue failure after close, got %v", err)
	}
}
