package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"IntelMarket-Chain/internal/auth"
	"IntelMarket-Chain/internal/cache"
	"IntelMarket-Chain/internal/mandate"
	"IntelMarket-Chain/internal/market"
	"IntelMarket-Chain/internal/money"
	"IntelMarket-Chain/internal/payment"
	"IntelMarket-Chain/internal/pricing"
	"IntelMarket-Chain/internal/purchase"
	"IntelMarket-Chain/internal/reputation"
	"IntelMarket-Chain/internal/revenue"
	"IntelMarket-Chain/sdk/go/intelclient"
)

const apiCatalog = `
version: "2026-10-01"
currency: USDC
decimals: 6
chain: base-sepolia
pay_to: "0x1111111111111111111111111111111111111111"
tiers:
  sensor-snapshot:
    kind: sensor
    price: "0.005"
    ttl: 30s
    description: 环境传感器快照
  oracle:
    kind: oracle
    price: "0.15"
    ttl: 5m
    description: 综合研判
`

const (
	operatorToken = "ops-secret"
	viewerToken   = "viewer-secret"
)

type echoProducer struct{}

func (echoProducer) Compute(_ context.Context, tier pricing.Tier) ([]byte, error) {
	return []byte(`{"tier":"` + tier.ID + `","analysis":"calm"}`), nil
}

type stack struct {
	ts       *httptest.Server
	catalog  *pricing.Catalog
	signer   *payment.Signer
	ledger   *revenue.MemoryLedger
	executor *mandate.Executor
}

// newStack 启动一个既出售情报、又通过 SDK 向自己采购的完整服务。
func newStack(t *testing.T) *stack {
	t.Helper()
	catalog, err := pricing.ParseCatalog([]byte(apiCatalog))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	st := &stack{
		catalog: catalog,
		signer:  payment.NewSigner(payment.NewECDSAKeyStore(key), []string{"base-sepolia"}),
		ledger:  revenue.NewMemoryLedger(),
	}

	// 先启动监听以便 SDK 指向自身，路由在组装完成后挂载。
	root := http.NewServeMux()
	st.ts = httptest.NewServer(root)
	t.Cleanup(st.ts.Close)

	allocator, err := revenue.NewAllocator(revenue.DefaultBuckets(), "operations", st.ledger)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	agg := reputation.NewAggregator(reputation.NewMemoryStore())
	verifier := payment.NewVerifier(catalog, payment.NewMemoryReplayWindow())
	svc := market.NewService(catalog, verifier, cache.New(), echoProducer{}, allocator, agg)

	client, err := intelclient.NewClient(st.ts.URL, st.ts.Client())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	st.executor = mandate.NewExecutor(mandate.NewMemoryStore(), intelclient.NewRemoteCatalog(client, time.Minute), st.signer, client,
		mandate.WithBackoff(time.Millisecond))
	queue := purchase.NewMemoryQueue(16)
	purchases := purchase.NewService(st.executor, queue)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = purchase.NewProcessor(st.executor, queue).Start(ctx) }()

	authSvc, err := auth.NewService(auth.Config{Mode: auth.ModeToken, Operators: []auth.Operator{
		{Name: "ops", Token: operatorToken, Permissions: []string{"*"}},
		{Name: "viewer", Token: viewerToken, Permissions: []string{auth.PermissionMandateRead}},
	}})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	root.Handle("/", NewServer(":0", svc,
		WithPurchases(purchases),
		WithReputation(agg),
		WithRevenue(allocator),
		WithAuth(authSvc),
	).Handler())
	return st
}

func (st *stack) header(t *testing.T, tierID string) string {
	t.Helper()
	req, _ := st.catalog.Quote(context.Background(), tierID)
	proof, err := st.signer.BuildProof(context.Background(), req, payment.BudgetState{Ceiling: 1_000_000})
	if err != nil {
		t.Fatalf("build proof: %v", err)
	}
	header, _ := proof.Encode()
	return header
}

func (st *stack) do(t *testing.T, method, path, header string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, st.ts.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if header != "" {
		req.Header.Set(payment.HeaderName, header)
	}
	req.Header.Set("Authorization", "Bearer "+operatorToken)
	resp, err := st.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestPricingIsFree(t *testing.T) {
	st := newStack(t)
	resp := st.do(t, http.MethodGet, "/api/v1/pricing", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var announcement pricing.Announcement
	decodeBody(t, resp, &announcement)
	if len(announcement.Tiers) != 2 || announcement.Tiers[0].ID != "oracle" || announcement.Tiers[0].Endpoint != "/api/v1/intel/oracle" {
		t.Fatalf("unexpected announcement: %+v", announcement)
	}
}

func TestPaidIntelFlow(t *testing.T) {
	st := newStack(t)

	resp := st.do(t, http.MethodGet, "/api/v1/intel/oracle", "", nil)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	var challenge payment.Challenge
	decodeBody(t, resp, &challenge)
	if challenge.Reason != payment.ReasonMissingProof || challenge.Requirements.Amount != 150000 {
		t.Fatalf("unexpected challenge: %+v", challenge)
	}

	header := st.header(t, "oracle")
	resp = st.do(t, http.MethodGet, "/api/v1/intel/oracle", header, nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Cache") != "MISS" {
		t.Fatalf("expected fresh delivery, got %d %s", resp.StatusCode, resp.Header.Get("X-Cache"))
	}
	resp = st.do(t, http.MethodGet, "/api/v1/intel/oracle", st.header(t, "oracle"), nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Cache") != "HIT" {
		t.Fatalf("expected cached delivery, got %d %s", resp.StatusCode, resp.Header.Get("X-Cache"))
	}

	resp = st.do(t, http.MethodGet, "/api/v1/intel/oracle", header, nil)
	decodeBody(t, resp, &challenge)
	if resp.StatusCode != http.StatusPaymentRequired || challenge.Reason != payment.ReasonReplayDetected {
		t.Fatalf("expected replay rejection, got %d %+v", resp.StatusCode, challenge)
	}

	resp = st.do(t, http.MethodGet, "/api/v1/intel/weather", header, nil)
	var apiErr errorBody
	decodeBody(t, resp, &apiErr)
	if resp.StatusCode != http.StatusNotFound || apiErr.Error.Code != pricing.CodeTierNotFound {
		t.Fatalf("expected tier not found, got %d %+v", resp.StatusCode, apiErr)
	}

	var signals reputation.Signals
	decodeBody(t, st.do(t, http.MethodGet, "/api/v1/reputation", "", nil), &signals)
	if signals.TotalRevenue != 300000 || signals.ConsultationCount != 2 || signals.ActiveTierCount != 1 {
		t.Fatalf("unexpected signals: %+v", signals)
	}
}

func TestPurchaseRunsAgainstPaidEndpoint(t *testing.T) {
	st := newStack(t)
	body, _ := json.Marshal(purchaseRequest{Seeker: "agent-a", Goal: "weather risk", TierID: "oracle", Budget: "1.00"})
	resp := st.do(t, http.MethodPost, "/api/v1/purchases", "", body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var created purchaseResponse
	decodeBody(t, resp, &created)
	if created.SessionID == "" || created.Status != mandate.StatusInProgress {
		t.Fatalf("unexpected response: %+v", created)
	}

	var chain mandate.Chain
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp := st.do(t, http.MethodGet, "/api/v1/mandates/"+created.SessionID, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status %d", resp.StatusCode)
		}
		decodeBody(t, resp, &chain)
		if chain.Status.Terminal() || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if chain.Status != mandate.StatusCompleted || chain.TotalSpent != money.Amount(150000) || len(chain.Records) != 4 {
		t.Fatalf("unexpected chain: status=%s spent=%d records=%d reason=%s", chain.Status, chain.TotalSpent, len(chain.Records), chain.FailureReason)
	}
	if len(st.ledger.Allocations()) != 1 {
		t.Fatalf("the paid call should have been allocated once")
	}

	var totals map[string]map[string]int64
	decodeBody(t, st.do(t, http.MethodGet, "/api/v1/revenue", "", nil), &totals)
	if totals["buckets"]["operations"] != 90000 {
		t.Fatalf("unexpected revenue totals: %v", totals)
	}
}

func TestOperatorEndpointsRequireToken(t *testing.T) {
	st := newStack(t)
	req, _ := http.NewRequest(http.MethodGet, st.ts.URL+"/api/v1/mandates/any", nil)
	resp, err := st.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	resp = st.do(t, http.MethodGet, "/api/v1/mandates/missing", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", resp.StatusCode)
	}

	// 只读会话的运营方不能查看收入分配。
	req, _ = http.NewRequest(http.MethodGet, st.ts.URL+"/api/v1/revenue", nil)
	req.Header.Set("Authorization", "Bearer "+viewerToken)
	resp, err = st.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("revenue requires revenue:read, got %d", resp.StatusCode)
	}
}

func TestPurchaseValidation(t *testing.T) {
	st := newStack(t)
	cases := map[string][]byte{
		"malformed":     []byte(`{`),
		"unknown field": []byte(`{"seeker":"a","tier_id":"oracle","budget":"1","extra":1}`),
		"bad budget":    []byte(`{"seeker":"a","tier_id":"oracle","budget":"abc"}`),
		"zero budget":   []byte(`{"seeker":"a","tier_id":"oracle","budget":"0"}`),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := st.do(t, http.MethodPost, "/api/v1/purchases", "", body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{mandate.ErrChainNotFound, http.StatusNotFound},
		{mandate.ErrChainTerminal, http.StatusConflict},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, got)
		}
	}
}
