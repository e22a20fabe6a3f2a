// Package metrics tracks call latencies for external dependencies such as
// the LLM provider.
package metrics

import (
	"slices"
	"sync"
	"time"
)

// LatencyTracker keeps a sliding window of recent samples and reports
// percentiles over it.
type LatencyTracker struct {
	mu         sync.Mutex
	samples    []int64 // microseconds, insertion order
	maxSamples int
	errors     int64
}

// NewLatencyTracker creates a tracker keeping at most windowSize samples.
func NewLatencyTracker(windowSize int) *LatencyTracker {
	if windowSize <= 0 {
		windowSize = 1000
	}
	return &LatencyTracker{
		samples:    make([]int64, 0, windowSize),
		maxSamples: windowSize,
	}
}

// Record adds a successful call.
func (lt *LatencyTracker) Record(d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if len(lt.samples) >= lt.maxSamples {
		// drop the oldest 10% at once to avoid shifting on every call
		removeCount := max(lt.maxSamples/10, 1)
		lt.samples = append(lt.samples[:0], lt.samples[removeCount:]...)
	}
	lt.samples = append(lt.samples, d.Microseconds())
}

// RecordError counts a failed call. Failed calls do not contribute samples.
func (lt *LatencyTracker) RecordError() {
	lt.mu.Lock()
	lt.errors++
	lt.mu.Unlock()
}

// Stats returns statistics over the current window.
func (lt *LatencyTracker) Stats() LatencyStats {
	lt.mu.Lock()
	sorted := slices.Clone(lt.samples)
	errs := lt.errors
	lt.mu.Unlock()

	if len(sorted) == 0 {
		return LatencyStats{Errors: errs}
	}
	slices.Sort(sorted)

	n := len(sorted)
	var sum int64
	for _, v := range sorted {
		sum += v
	}

	return LatencyStats{
		Count:  int64(n),
		Errors: errs,
		Min:    micros(sorted[0]),
		Max:    micros(sorted[n-1]),
		Avg:    micros(sum / int64(n)),
		P50:    micros(percentile(sorted, 0.50)),
		P95:    micros(percentile(sorted, 0.95)),
		P99:    micros(percentile(sorted, 0.99)),
	}
}

// Reset clears all samples and the error count.
func (lt *LatencyTracker) Reset() {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.samples = lt.samples[:0]
	lt.errors = 0
}

func percentile(sorted []int64, p float64) int64 {
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func micros(v int64) time.Duration {
	return time.Duration(v) * time.Microsecond
}

// LatencyStats holds latency statistics.
type LatencyStats struct {
	Count  int64         `json:"count"`
	Errors int64         `json:"errors"`
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Avg    time.Duration `json:"avg"`
	P50    time.Duration `json:"p50"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
}

// ToMap renders the stats in milliseconds for JSON responses.
func (s LatencyStats) ToMap() map[string]any {
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
	return map[string]any{
		"count":  s.Count,
		"errors": s.Errors,
		"min_ms": ms(s.Min),
		"max_ms": ms(s.Max),
		"avg_ms": ms(s.Avg),
		"p50_ms": ms(s.P50),
		"p95_ms": ms(s.P95),
		"p99_ms": ms(s.P99),
	}
}
