package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"ingest_server/core/port/out"
	"ingest_server/pkg/apperr"
	"ingest_server/pkg/logger"
)

// RateLimitedClassifier admits at most the limiter's rate of model calls,
// shared by every caller holding it.
type RateLimitedClassifier struct {
	next    out.URLClassifier
	limiter *RateLimiter
}

func NewRateLimitedClassifier(next out.URLClassifier, limiter *RateLimiter) *RateLimitedClassifier {
	return &RateLimitedClassifier{next: next, limiter: limiter}
}

func (c *RateLimitedClassifier) ClassifyURL(ctx context.Context, url string, uctx out.URLContext) (*out.LLMURLClassification, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, apperr.RateLimited("llm").WithDetail("url", url)
	}
	return c.next.ClassifyURL(ctx, url, uctx)
}

// JSONCache is the subset of pkg/cache used for answers.
type JSONCache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// CachedClassifier reuses answers for identical (url, context) requests.
// A hit reports zero cost since no model was called. Unreadable answers are
// not cached so the next request asks the model again.
type CachedClassifier struct {
	next  out.URLClassifier
	cache JSONCache
	ttl   time.Duration
	costs *CostTracker
}

func NewCachedClassifier(next out.URLClassifier, cache JSONCache, ttl time.Duration, costs *CostTracker) *CachedClassifier {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedClassifier{next: next, cache: cache, ttl: ttl, costs: costs}
}

func (c *CachedClassifier) ClassifyURL(ctx context.Context, url string, uctx out.URLContext) (*out.LLMURLClassification, error) {
	key := cacheKey(url, uctx)

	var cached out.LLMURLClassification
	found, err := c.cache.GetJSON(ctx, key, &cached)
	if err != nil {
		logger.WithError(err).WithField("url", url).Warn("LLM cache read failed")
	}
	if found {
		cached.URL = url
		cached.Cached = true
		cached.CostUSD = 0
		if c.costs != nil {
			c.costs.TrackCacheHit()
		}
		return &cached, nil
	}

	result, err := c.next.ClassifyURL(ctx, url, uctx)
	if err != nil {
		return nil, err
	}

	if result.ParseFailed {
		return result, nil
	}
	if err := c.cache.SetJSON(ctx, key, result, c.ttl); err != nil {
		logger.WithError(err).WithField("url", url).Warn("LLM cache write failed")
	}
	return result, nil
}

func cacheKey(url string, uctx out.URLContext) string {
	h := sha256.New()
	for _, part := range []string{url, uctx.Title, uctx.DescriptionExcerpt, uctx.SourceName} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "llm:url:" + hex.EncodeToString(h.Sum(nil))
}
