package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/pkg/apperr"
	"ingest_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"
)

const urlClassifySystemPrompt = `You classify links found in video descriptions.

"content": the link points to material that adds to the video itself, such as
source code, papers, documentation, articles, datasets or tools that are discussed.
"marketing": the link promotes, sells or tracks, such as sponsors, affiliate links,
merch, memberships, newsletters, social profiles and link aggregators.

Respond with JSON only, in this exact format:
{
  "classification": "content|marketing",
  "confidence": 0.0-1.0,
  "reason": "one short sentence",
  "suggested_pattern": {
    "pattern": "text that would match similar links",
    "type": "domain|url_pattern|path",
    "rationale": "why the pattern generalizes"
  }
}

Only include suggested_pattern when you are confident every link matching it
belongs to the same class. Otherwise set it to null.`

// parseFailureConfidence is used when the model answer cannot be read.
const parseFailureConfidence = 0.5

// URLClassifierClient implements out.URLClassifier on top of a Completer.
type URLClassifierClient struct {
	llm     Completer
	cb      *gobreaker.CircuitBreaker
	costs   *CostTracker
	timeout time.Duration
}

// NewURLClassifier wraps llm with a circuit breaker. costs may be nil.
func NewURLClassifier(llm Completer, costs *CostTracker, timeout time.Duration) *URLClassifierClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	cbSettings := gobreaker.Settings{
		Name:        "llm-url-classifier",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}

	return &URLClassifierClient{
		llm:     llm,
		cb:      gobreaker.NewCircuitBreaker(cbSettings),
		costs:   costs,
		timeout: timeout,
	}
}

// ClassifyURL asks the model about one URL. Transport failures, timeouts and
// an open breaker are returned as errors. An unreadable answer is not an
// error; it yields marketing with confidence 0.5.
func (c *URLClassifierClient) ClassifyURL(ctx context.Context, url string, uctx out.URLContext) (*out.LLMURLClassification, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.cb.Execute(func() (interface{}, error) {
		return c.llm.CompleteWithSystem(ctx, urlClassifySystemPrompt, buildURLPrompt(url, uctx))
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperr.Timeout("llm classify").WithDetail("url", url)
		}
		return nil, apperr.ExternalError("llm", err)
	}

	comp := res.(*Completion)

	var cost float64
	if c.costs != nil {
		cost = c.costs.Track(comp.Model, comp.InputTokens, comp.OutputTokens)
	} else {
		cost = CalculateCost(comp.Model, comp.InputTokens, comp.OutputTokens)
	}

	result := ParseURLClassification(comp.Text)
	result.URL = url
	result.Model = comp.Model
	result.InputTokens = comp.InputTokens
	result.OutputTokens = comp.OutputTokens
	result.CostUSD = cost
	return result, nil
}

// BreakerState reports the circuit breaker state for readiness checks.
func (c *URLClassifierClient) BreakerState() string {
	return c.cb.State().String()
}

func buildURLPrompt(url string, uctx out.URLContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\n", url)
	if uctx.SourceName != "" {
		fmt.Fprintf(&b, "Channel: %s\n", uctx.SourceName)
	}
	if uctx.Title != "" {
		fmt.Fprintf(&b, "Video title: %s\n", uctx.Title)
	}
	if uctx.DescriptionExcerpt != "" {
		fmt.Fprintf(&b, "\nDescription excerpt:\n%s\n", truncateText(uctx.DescriptionExcerpt, 1500))
	}
	return b.String()
}

type urlClassificationResponse struct {
	Classification   string   `json:"classification"`
	Confidence       *float64 `json:"confidence"`
	Reason           string   `json:"reason"`
	SuggestedPattern *struct {
		Pattern   string `json:"pattern"`
		Type      string `json:"type"`
		Rationale string `json:"rationale"`
	} `json:"suggested_pattern"`
}

// ParseURLClassification reads a model answer. Anything that is not a JSON
// object with a known classification becomes the parse-failure result.
// Suggested patterns with an empty pattern or unknown type are dropped.
func ParseURLClassification(text string) *out.LLMURLClassification {
	failure := &out.LLMURLClassification{
		Classification: domain.URLClassMarketing,
		Confidence:     parseFailureConfidence,
		Reason:         "parse failure",
		ParseFailed:    true,
	}

	raw := strings.TrimSpace(text)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return failure
	}

	var resp urlClassificationResponse
	if err := json.Unmarshal([]byte(raw[start:end+1]), &resp); err != nil {
		return failure
	}

	class := domain.URLClass(strings.ToLower(strings.TrimSpace(resp.Classification)))
	if !class.IsValid() {
		return failure
	}

	result := &out.LLMURLClassification{
		Classification: class,
		Confidence:     parseFailureConfidence,
		Reason:         strings.TrimSpace(resp.Reason),
	}
	if resp.Confidence != nil {
		result.Confidence = domain.ClampConfidence(*resp.Confidence)
	}

	if sp := resp.SuggestedPattern; sp != nil {
		pattern := strings.ToLower(strings.TrimSpace(sp.Pattern))
		ptype := domain.PatternType(strings.ToLower(strings.TrimSpace(sp.Type)))
		if pattern != "" && ptype.IsValid() {
			result.SuggestedPattern = &domain.SuggestedPattern{
				Pattern:   pattern,
				Type:      ptype,
				Rationale: strings.TrimSpace(sp.Rationale),
			}
		}
	}

	return result
}

func truncateText(text string, maxLen int) string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen]) + "..."
}
