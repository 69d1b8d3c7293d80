package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestHandlerRendersHTTPAndDomainMetrics(t *testing.T) {
	Reset()
	ObserveHTTPRequest("intel", "GET", 402, 30*time.Millisecond)
	ObserveHTTPRequest("intel", "GET", 500, 20*time.Second)
	ObservePayment("oracle", false, "missing_proof")
	ObservePayment("oracle", true, "")
	ObserveCache("oracle", false)
	ObserveCache("oracle", true)
	ObserveCompute("oracle")
	ObserveAllocation(map[string]int64{"operations": 60, "reserve": 25})
	ObserveAllocation(map[string]int64{"operations": 60})
	ObserveMandate("completed")

	body := scrape(t)
	expected := []string{
		`intelmarket_http_requests_total{handler="intel",method="GET",code="402"} 1`,
		`intelmarket_http_request_errors_total{handler="intel",method="GET"} 1`,
		`intelmarket_http_payment_challenges_total{handler="intel",method="GET"} 1`,
		`intelmarket_http_request_duration_seconds_bucket{handler="intel",method="GET",le="15"} 1`,
		`intelmarket_http_request_duration_seconds_bucket{handler="intel",method="GET",le="0.05"} 1`,
		`intelmarket_http_request_duration_seconds_bucket{handler="intel",method="GET",le="+Inf"} 2`,
		`intelmarket_payment_verifications_total{tier="oracle",result="rejected",reason="missing_proof"} 1`,
		`intelmarket_payment_verifications_total{tier="oracle",result="accepted",reason=""} 1`,
		`intelmarket_cache_lookups_total{tier="oracle",result="hit"} 1`,
		`intelmarket_payload_computations_total{tier="oracle"} 1`,
		`intelmarket_revenue_allocations_total 2`,
		`intelmarket_revenue_allocated_minor_units_total{bucket="operations"} 120`,
		`intelmarket_mandate_chains_total{status="completed"} 1`,
	}
	for _, line := range expected {
		if !strings.Contains(body, line) {
			t.Fatalf("missing %q in:\n%s", line, body)
		}
	}
}

func TestEscapeLabelValues(t *testing.T) {
	if got := escape("a\"b\\c\n"); got != `a\"b\\c` {
		t.Fatalf("unexpected escape result %q", got)
	}
}
