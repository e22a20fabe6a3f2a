package out

import (
	"context"

	"ingest_server/core/domain"
)

// URLContext is the surrounding information handed to the LLM with a URL.
type URLContext struct {
	Title              string `json:"title,omitempty"`
	DescriptionExcerpt string `json:"description_excerpt,omitempty"`
	SourceName         string `json:"source_name,omitempty"`
}

// LLMURLClassification is the answer of an LLM classifier for one URL.
type LLMURLClassification struct {
	URL              string                   `json:"url"`
	Classification   domain.URLClass          `json:"classification"`
	Confidence       float64                  `json:"confidence"`
	Reason           string                   `json:"reason"`
	SuggestedPattern *domain.SuggestedPattern `json:"suggested_pattern,omitempty"`
	Model            string                   `json:"model,omitempty"`
	InputTokens      int                      `json:"input_tokens"`
	OutputTokens     int                      `json:"output_tokens"`
	CostUSD          float64                  `json:"cost_usd"`
	Cached           bool                     `json:"cached,omitempty"`

	// ParseFailed marks the conservative result given for an unreadable answer.
	ParseFailed bool `json:"parse_failed,omitempty"`
}

// URLClassifier classifies a single URL. Implementations bound every call
// with a timeout and map unparseable answers to a conservative result
// instead of an error.
type URLClassifier interface {
	ClassifyURL(ctx context.Context, url string, uctx URLContext) (*LLMURLClassification, error)
}
