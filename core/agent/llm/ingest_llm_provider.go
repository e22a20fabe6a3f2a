package llm

import (
	"strings"
	"time"

	"ingest_server/core/port/out"
	"ingest_server/pkg/apperr"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// ProviderConfig selects and tunes the model backend.
type ProviderConfig struct {
	Provider          string
	OpenAIKey         string
	AnthropicKey      string
	Model             string
	MaxTokens         int
	Timeout           time.Duration
	RequestsPerMinute int
	CacheTTL          time.Duration
}

// NewProviderClassifier builds the classifier chain: cache, rate limiter,
// breaker, provider client. cache may be nil. Returns nil without error when
// the selected provider has no API key, which disables the LLM tier.
func NewProviderClassifier(cfg ProviderConfig, costs *CostTracker, cache JSONCache) (out.URLClassifier, error) {
	var completer Completer

	switch strings.ToLower(cfg.Provider) {
	case "", ProviderOpenAI:
		if cfg.OpenAIKey == "" {
			return nil, nil
		}
		completer = NewClientWithConfig(ClientConfig{
			APIKey:    cfg.OpenAIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})
	case ProviderAnthropic:
		if cfg.AnthropicKey == "" {
			return nil, nil
		}
		completer = NewAnthropicClient(AnthropicConfig{
			APIKey:    cfg.AnthropicKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})
	default:
		return nil, apperr.ConfigError("unknown LLM provider: " + cfg.Provider)
	}

	var classifier out.URLClassifier = NewURLClassifier(completer, costs, cfg.Timeout)
	if cfg.RequestsPerMinute > 0 {
		classifier = NewRateLimitedClassifier(classifier, NewRateLimiter(cfg.RequestsPerMinute))
	}
	if cache != nil {
		classifier = NewCachedClassifier(classifier, cache, cfg.CacheTTL, costs)
	}
	return classifier, nil
}
