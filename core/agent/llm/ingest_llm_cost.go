package llm

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Pricing per 1M tokens.
var modelPricing = map[string]struct {
	InputPer1M  float64
	OutputPer1M float64
}{
	"gpt-4o-mini":       {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4o":            {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4.1-mini":      {InputPer1M: 0.40, OutputPer1M: 1.60},
	"gpt-4.1-nano":      {InputPer1M: 0.10, OutputPer1M: 0.40},
	"claude-3-5-haiku":  {InputPer1M: 0.80, OutputPer1M: 4.00},
	"claude-haiku-4-5":  {InputPer1M: 1.00, OutputPer1M: 5.00},
	"claude-sonnet-4":   {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-sonnet-4-5": {InputPer1M: 3.00, OutputPer1M: 15.00},
}

// CalculateCost returns the USD cost of one call. Dated model ids such as
// "gpt-4o-mini-2024-07-18" are priced by their longest known prefix. Unknown
// models cost 0.
func CalculateCost(model string, promptTokens, completionTokens int) float64 {
	pricing, ok := modelPricing[model]
	if !ok {
		best := ""
		for name := range modelPricing {
			if strings.HasPrefix(model, name) && len(name) > len(best) {
				best = name
			}
		}
		if best == "" {
			return 0
		}
		pricing = modelPricing[best]
	}

	inputCost := float64(promptTokens) / 1_000_000 * pricing.InputPer1M
	outputCost := float64(completionTokens) / 1_000_000 * pricing.OutputPer1M

	return inputCost + outputCost
}

// CostTracker aggregates LLM spend for the process lifetime.
type CostTracker struct {
	mu           sync.RWMutex
	totalCost    float64
	totalTokens  int64
	requestCount int64
	cacheHits    int64
	dailyCost    map[string]float64
	modelUsage   map[string]int64
}

func NewCostTracker() *CostTracker {
	return &CostTracker{
		dailyCost:  make(map[string]float64),
		modelUsage: make(map[string]int64),
	}
}

// Track records one call and returns its cost.
func (t *CostTracker) Track(model string, inputTokens, outputTokens int) float64 {
	cost := CalculateCost(model, inputTokens, outputTokens)

	t.mu.Lock()
	t.totalCost += cost
	t.totalTokens += int64(inputTokens + outputTokens)
	t.requestCount++

	today := time.Now().UTC().Format("2006-01-02")
	t.dailyCost[today] += cost
	t.modelUsage[model] += int64(inputTokens + outputTokens)
	t.mu.Unlock()

	return cost
}

// TrackCacheHit counts an answer served without a model call.
func (t *CostTracker) TrackCacheHit() {
	t.mu.Lock()
	t.cacheHits++
	t.mu.Unlock()
}

func (t *CostTracker) GetStats() CostStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := CostStats{
		TotalCost:    t.totalCost,
		TotalTokens:  t.totalTokens,
		RequestCount: t.requestCount,
		CacheHits:    t.cacheHits,
		TodayCost:    t.dailyCost[time.Now().UTC().Format("2006-01-02")],
		ModelTokens:  make(map[string]int64, len(t.modelUsage)),
	}
	if t.requestCount > 0 {
		stats.AvgCostPerRequest = t.totalCost / float64(t.requestCount)
	}
	for k, v := range t.modelUsage {
		stats.ModelTokens[k] = v
	}
	return stats
}

type CostStats struct {
	TotalCost         float64          `json:"total_cost_usd"`
	TodayCost         float64          `json:"today_cost_usd"`
	TotalTokens       int64            `json:"total_tokens"`
	RequestCount      int64            `json:"request_count"`
	CacheHits         int64            `json:"cache_hits"`
	AvgCostPerRequest float64          `json:"avg_cost_per_request"`
	ModelTokens       map[string]int64 `json:"model_tokens"`
}

// RateLimiter is a token bucket refilled continuously at requestsPerMinute.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	perSecond  float64
	lastRefill time.Time
}

func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	return &RateLimiter{
		tokens:     float64(requestsPerMinute),
		maxTokens:  float64(requestsPerMinute),
		perSecond:  float64(requestsPerMinute) / 60,
		lastRefill: time.Now(),
	}
}

// Allow takes a token if one is available.
func (r *RateLimiter) Allow() bool {
	_, ok := r.reserve()
	return ok
}

// reserve takes a token, or reports how long until one is available.
func (r *RateLimiter) reserve() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	r.tokens = min(r.maxTokens, r.tokens+elapsed*r.perSecond)
	r.lastRefill = now

	if r.tokens >= 1 {
		r.tokens--
		return 0, true
	}
	wait := time.Duration((1 - r.tokens) / r.perSecond * float64(time.Second))
	return wait, false
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		wait, ok := r.reserve()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
