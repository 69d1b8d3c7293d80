package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type paymentKey struct {
	tier   string
	result string
	reason string
}

type cacheKey struct {
	tier   string
	result string
}

type domainCollector struct {
	mu          sync.Mutex
	payments    map[paymentKey]uint64
	cache       map[cacheKey]uint64
	computes    map[string]uint64
	allocations uint64
	allocated   map[string]int64
	mandates    map[string]uint64
}

var domain = newDomainCollector()

func newDomainCollector() *domainCollector {
	return &domainCollector{
		payments:  make(map[paymentKey]uint64),
		cache:     make(map[cacheKey]uint64),
		computes:  make(map[string]uint64),
		allocated: make(map[string]int64),
		mandates:  make(map[string]uint64),
	}
}

// ObservePayment records one verification verdict. reason is empty for accepted proofs.
func ObservePayment(tier string, valid bool, reason string) {
	result := "rejected"
	if valid {
		result = "accepted"
	}
	domain.mu.Lock()
	domain.payments[paymentKey{tier: tier, result: result, reason: reason}]++
	domain.mu.Unlock()
}

// ObserveCache records whether a delivery was served from cache.
func ObserveCache(tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	domain.mu.Lock()
	domain.cache[cacheKey{tier: tier, result: result}]++
	domain.mu.Unlock()
}

// ObserveCompute counts payload computations actually executed for a tier.
func ObserveCompute(tier string) {
	domain.mu.Lock()
	domain.computes[tier]++
	domain.mu.Unlock()
}

// ObserveAllocation adds one committed allocation, shares keyed by bucket.
func ObserveAllocation(shares map[string]int64) {
	domain.mu.Lock()
	defer domain.mu.Unlock()
	domain.allocations++
	for bucket, amount := range shares {
		domain.allocated[bucket] += amount
	}
}

// ObserveMandate counts a mandate chain reaching a status.
func ObserveMandate(status string) {
	domain.mu.Lock()
	domain.mandates[status]++
	domain.mu.Unlock()
}

// Reset clears all collected values. Tests only.
func Reset() {
	httpCollector.reset()
	domain.mu.Lock()
	fresh := newDomainCollector()
	domain.payments = fresh.payments
	domain.cache = fresh.cache
	domain.computes = fresh.computes
	domain.allocations = 0
	domain.allocated = fresh.allocated
	domain.mandates = fresh.mandates
	domain.mu.Unlock()
}

func (c *domainCollector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.Grow(1024)

	header(&b, "intelmarket_payment_verifications_total", "counter", "Payment proof verifications by verdict.")
	payments := make([]paymentKey, 0, len(c.payments))
	for key := range c.payments {
		payments = append(payments, key)
	}
	sort.Slice(payments, func(i, j int) bool {
		a, z := payments[i], payments[j]
		if a.tier != z.tier {
			return a.tier < z.tier
		}
		if a.result != z.result {
			return a.result < z.result
		}
		return a.reason < z.reason
	})
	for _, key := range payments {
		fmt.Fprintf(&b, "intelmarket_payment_verifications_total{tier=\"%s\",result=\"%s\",reason=\"%s\"} %d\n",
			escape(key.tier), key.result, escape(key.reason), c.payments[key])
	}

	header(&b, "intelmarket_cache_lookups_total", "counter", "Paid payload deliveries by cache result.")
	lookups := make([]cacheKey, 0, len(c.cache))
	for key := range c.cache {
		lookups = append(lookups, key)
	}
	sort.Slice(lookups, func(i, j int) bool {
		if lookups[i].tier != lookups[j].tier {
			return lookups[i].tier < lookups[j].tier
		}
		return lookups[i].result < lookups[j].result
	})
	for _, key := range lookups {
		fmt.Fprintf(&b, "intelmarket_cache_lookups_total{tier=\"%s\",result=\"%s\"} %d\n",
			escape(key.tier), key.result, c.cache[key])
	}

	header(&b, "intelmarket_payload_computations_total", "counter", "Payload computations executed.")
	for _, tier := range sortedKeys(c.computes) {
		fmt.Fprintf(&b, "intelmarket_payload_computations_total{tier=\"%s\"} %d\n", escape(tier), c.computes[tier])
	}

	header(&b, "intelmarket_revenue_allocations_total", "counter", "Committed revenue allocations.")
	fmt.Fprintf(&b, "intelmarket_revenue_allocations_total %d\n", c.allocations)

	header(&b, "intelmarket_revenue_allocated_minor_units_total", "counter", "Allocated amount per bucket in minimal currency units.")
	for _, bucket := range sortedKeys(c.allocated) {
		fmt.Fprintf(&b, "intelmarket_revenue_allocated_minor_units_total{bucket=\"%s\"} %d\n", escape(bucket), c.allocated[bucket])
	}

	header(&b, "intelmarket_mandate_chains_total", "counter", "Mandate chains by final status.")
	for _, status := range sortedKeys(c.mandates) {
		fmt.Fprintf(&b, "intelmarket_mandate_chains_total{status=\"%s\"} %d\n", escape(status), c.mandates[status])
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
