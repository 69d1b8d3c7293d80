package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// 付费载荷首次计算可能涉及 LLM 调用，桶上限放宽到一分钟。
var latencyBounds = []float64{0.01, 0.05, 0.25, 1, 5, 15, 60}

type route struct {
	handler string
	method  string
}

type routeStats struct {
	codes      map[int]uint64
	failures   uint64
	challenges uint64
	bucketHits []uint64
	seconds    float64
	total      uint64
}

func newRouteStats() *routeStats {
	return &routeStats{
		codes:      make(map[int]uint64),
		bucketHits: make([]uint64, len(latencyBounds)),
	}
}

func (s *routeStats) record(status int, elapsed float64) {
	s.codes[status]++
	switch {
	case status >= http.StatusInternalServerError:
		s.failures++
	case status == http.StatusPaymentRequired:
		s.challenges++
	}
	s.total++
	s.seconds += elapsed
	for i, bound := range latencyBounds {
		if elapsed <= bound {
			s.bucketHits[i]++
		}
	}
}

type httpRoutes struct {
	mu     sync.Mutex
	routes map[route]*routeStats
}

var httpCollector = &httpRoutes{routes: make(map[route]*routeStats)}

// ObserveHTTPRequest records one served request against its route.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpCollector.mu.Lock()
	defer httpCollector.mu.Unlock()
	key := route{handler: handler, method: method}
	stats, ok := httpCollector.routes[key]
	if !ok {
		stats = newRouteStats()
		httpCollector.routes[key] = stats
	}
	stats.record(status, duration.Seconds())
}

func (c *httpRoutes) reset() {
	c.mu.Lock()
	c.routes = make(map[route]*routeStats)
	c.mu.Unlock()
}

func (c *httpRoutes) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]route, 0, len(c.routes))
	for key := range c.routes {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].handler != keys[j].handler {
			return keys[i].handler < keys[j].handler
		}
		return keys[i].method < keys[j].method
	})

	var b strings.Builder
	b.Grow(2048)

	header(&b, "intelmarket_http_requests_total", "counter", "HTTP requests by route and status code.")
	for _, key := range keys {
		stats := c.routes[key]
		codes := make([]int, 0, len(stats.codes))
		for code := range stats.codes {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		for _, code := range codes {
			fmt.Fprintf(&b, "intelmarket_http_requests_total{%s,code=\"%d\"} %d\n", key.labels(), code, stats.codes[code])
		}
	}

	header(&b, "intelmarket_http_payment_challenges_total", "counter", "Requests answered with 402 Payment Required.")
	for _, key := range keys {
		if n := c.routes[key].challenges; n > 0 {
			fmt.Fprintf(&b, "intelmarket_http_payment_challenges_total{%s} %d\n", key.labels(), n)
		}
	}

	header(&b, "intelmarket_http_request_errors_total", "counter", "Requests that ended with a 5xx status.")
	for _, key := range keys {
		if n := c.routes[key].failures; n > 0 {
			fmt.Fprintf(&b, "intelmarket_http_request_errors_total{%s} %d\n", key.labels(), n)
		}
	}

	header(&b, "intelmarket_http_request_duration_seconds", "histogram", "Request latency in seconds.")
	for _, key := range keys {
		stats := c.routes[key]
		labels := key.labels()
		for i, bound := range latencyBounds {
			fmt.Fprintf(&b, "intelmarket_http_request_duration_seconds_bucket{%s,le=\"%s\"} %d\n", labels, formatFloat(bound), stats.bucketHits[i])
		}
		fmt.Fprintf(&b, "intelmarket_http_request_duration_seconds_bucket{%s,le=\"+Inf\"} %d\n", labels, stats.total)
		fmt.Fprintf(&b, "intelmarket_http_request_duration_seconds_sum{%s} %s\n", labels, formatFloat(stats.seconds))
		fmt.Fprintf(&b, "intelmarket_http_request_duration_seconds_count{%s} %d\n", labels, stats.total)
	}
	return b.String()
}

func (r route) labels() string {
	return fmt.Sprintf("handler=\"%s\",method=\"%s\"", escape(r.handler), escape(r.method))
}

func header(b *strings.Builder, name, kind, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	return strings.ReplaceAll(value, "\n", "")
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// Handler exposes HTTP and market metrics in Prometheus text format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, httpCollector.render(), domain.render())
	})
}

// StartServer serves /metrics and /healthz on a dedicated listener until ctx ends.
func StartServer(ctx context.Context, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(stopCtx)
		return ctx.Err()
	case err := <-done:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
