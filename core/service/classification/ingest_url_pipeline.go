package classification

import (
	"context"
	"fmt"
	"time"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/pkg/apperr"
	"ingest_server/pkg/logger"
	"ingest_server/pkg/metrics"
)

// =============================================================================
// Pipeline Configuration
// =============================================================================

// PipelineConfig holds the orchestrator settings.
type PipelineConfig struct {
	// PromotionThreshold: LLM suggestions at or above this confidence become
	// learned patterns.
	PromotionThreshold float64 // Default: 0.7

	// LLMTimeout bounds each LLM call. Zero means no extra deadline.
	LLMTimeout time.Duration // Default: 30s

	// WriteBack stores URL lists on the archived document after ClassifyDocument.
	WriteBack bool
}

// DefaultPipelineConfig returns default pipeline configuration.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		PromotionThreshold: 0.7,
		LLMTimeout:         30 * time.Second,
	}
}

// ClassifyOptions controls a single orchestrator invocation.
type ClassifyOptions struct {
	UseLLM bool
}

// =============================================================================
// Results
// =============================================================================

// PatternMatchedURL is a URL resolved by a learned pattern.
type PatternMatchedURL struct {
	URL            string          `json:"url"`
	Pattern        string          `json:"pattern"`
	Classification domain.URLClass `json:"classification"`
	Confidence     float64         `json:"confidence"`
}

// LLMFailure is a URL the LLM could not classify; it was filed as marketing.
type LLMFailure struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// DocumentClassificationResult is the outcome for one document. Every list
// is in discovery order.
type DocumentClassificationResult struct {
	SourceID           string                      `json:"source_id"`
	AllURLs            []string                    `json:"all_urls"`
	BlockedURLs        []BlockedURL                `json:"blocked_urls"`
	ContentURLs        []string                    `json:"content_urls"`
	MarketingURLs      []string                    `json:"marketing_urls"`
	PatternMatchedURLs []PatternMatchedURL         `json:"pattern_matched_urls"`
	LLMClassifications []*out.LLMURLClassification `json:"llm_classifications"`
	LLMFailures        []LLMFailure                `json:"llm_failures"`
	TotalCostUSD       float64                     `json:"total_cost_usd"`
}

func newDocumentResult(sourceID string, urls []string) *DocumentClassificationResult {
	return &DocumentClassificationResult{
		SourceID:           sourceID,
		AllURLs:            urls,
		BlockedURLs:        make([]BlockedURL, 0),
		ContentURLs:        make([]string, 0),
		MarketingURLs:      make([]string, 0),
		PatternMatchedURLs: make([]PatternMatchedURL, 0),
		LLMClassifications: make([]*out.LLMURLClassification, 0),
		LLMFailures:        make([]LLMFailure, 0),
	}
}

func (r *DocumentClassificationResult) route(url string, class domain.URLClass) {
	if class == domain.URLClassContent {
		r.ContentURLs = append(r.ContentURLs, url)
		return
	}
	r.MarketingURLs = append(r.MarketingURLs, url)
}

// URLLists converts the result into the archive write-back form.
func (r *DocumentClassificationResult) URLLists() *out.DocumentURLLists {
	blocked := make([]string, len(r.BlockedURLs))
	for i, b := range r.BlockedURLs {
		blocked[i] = b.URL
	}
	return &out.DocumentURLLists{
		AllURLs:       r.AllURLs,
		ContentURLs:   r.ContentURLs,
		MarketingURLs: r.MarketingURLs,
		BlockedURLs:   blocked,
	}
}

// =============================================================================
// URL Pipeline
// =============================================================================

// URLPipeline runs heuristic filter → learned patterns → LLM for the links of
// one document. It holds no mutable state of its own and may be shared by
// concurrent callers.
type URLPipeline struct {
	repo       out.ClassificationRepository
	heuristics *HeuristicFilter
	llm        out.URLClassifier
	docs       out.DocumentSource
	writer     out.DocumentURLWriter
	config     *PipelineConfig
	llmLatency *metrics.LatencyTracker
}

// NewURLPipeline creates a pipeline. llm may be nil, in which case every
// invocation behaves as if UseLLM were false.
func NewURLPipeline(repo out.ClassificationRepository, heuristics *HeuristicFilter, llm out.URLClassifier, config *PipelineConfig) *URLPipeline {
	if config == nil {
		config = DefaultPipelineConfig()
	}
	if heuristics == nil {
		heuristics = NewHeuristicFilter()
	}
	return &URLPipeline{
		repo:       repo,
		heuristics: heuristics,
		llm:        llm,
		config:     config,
		llmLatency: metrics.NewLatencyTracker(500),
	}
}

// SetDocumentSource enables ClassifyDocument.
func (p *URLPipeline) SetDocumentSource(docs out.DocumentSource, writer out.DocumentURLWriter) {
	p.docs = docs
	p.writer = writer
}

// LLMEnabled reports whether an LLM classifier is configured.
func (p *URLPipeline) LLMEnabled() bool {
	return p.llm != nil
}

// LLMLatency returns latency percentiles of LLM calls made by this pipeline.
func (p *URLPipeline) LLMLatency() metrics.LatencyStats {
	return p.llmLatency.Stats()
}

// ClassifyURLsInDocument extracts links from text and classifies them.
func (p *URLPipeline) ClassifyURLsInDocument(ctx context.Context, sourceID, text string, uctx out.URLContext, opts ClassifyOptions) (*DocumentClassificationResult, error) {
	urls := ExtractURLs(text)
	if uctx.DescriptionExcerpt == "" {
		uctx.DescriptionExcerpt = excerpt(text, 500)
	}
	return p.FilterURLs(ctx, sourceID, urls, uctx, opts)
}

// ClassifyDocument loads a document from the configured source and classifies
// its description. A missing document yields an empty result.
func (p *URLPipeline) ClassifyDocument(ctx context.Context, sourceID string, opts ClassifyOptions) (*DocumentClassificationResult, error) {
	if p.docs == nil {
		return nil, apperr.Unavailable("document source")
	}

	doc, err := p.docs.GetDocument(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", sourceID, err)
	}
	if doc == nil || doc.Description == "" {
		return newDocumentResult(sourceID, []string{}), nil
	}

	uctx := out.URLContext{
		Title:      doc.Title,
		SourceName: doc.SourceName,
	}
	result, err := p.ClassifyURLsInDocument(ctx, sourceID, doc.Description, uctx, opts)
	if err != nil {
		return result, err
	}

	if p.config.WriteBack && p.writer != nil {
		if err := p.writer.SaveURLLists(ctx, sourceID, result.URLLists()); err != nil {
			logger.WithField("source_id", sourceID).WithError(err).Warn("Failed to write URL lists back to archive")
		}
	}
	return result, nil
}

// FilterURLs classifies an already extracted URL list. Storage errors abort
// the run and are returned together with the partial result; URLs recorded
// before the failure stay recorded.
func (p *URLPipeline) FilterURLs(ctx context.Context, sourceID string, urls []string, uctx out.URLContext, opts ClassifyOptions) (*DocumentClassificationResult, error) {
	start := time.Now()
	result := newDocumentResult(sourceID, urls)
	log := logger.WithField("source_id", sourceID)

	// Tier 1: heuristics
	heuristic := p.heuristics.Apply(urls)
	for _, b := range heuristic.Blocked {
		if _, err := p.repo.RecordClassification(ctx, &out.RecordClassificationInput{
			URL:            b.URL,
			SourceID:       sourceID,
			Classification: domain.URLClassMarketing,
			Confidence:     1.0,
			Method:         domain.MethodHeuristic,
			Reason:         b.Reason,
		}); err != nil {
			return result, err
		}
		result.BlockedURLs = append(result.BlockedURLs, b)
	}

	// Tiers 2 and 3 run per URL so every output list keeps discovery order.
	useLLM := opts.UseLLM && p.llm != nil
	for _, u := range heuristic.Remaining {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		match, err := p.repo.CheckLearnedPatterns(ctx, u)
		if err != nil {
			return result, err
		}
		if match != nil {
			if _, err := p.repo.RecordClassification(ctx, &out.RecordClassificationInput{
				URL:            u,
				SourceID:       sourceID,
				Classification: match.Classification,
				Confidence:     match.Confidence,
				Method:         domain.MethodLearnedPattern,
				Reason:         match.Reason,
				MatchedPattern: match.Pattern,
			}); err != nil {
				return result, err
			}
			result.PatternMatchedURLs = append(result.PatternMatchedURLs, PatternMatchedURL{
				URL:            u,
				Pattern:        match.Pattern,
				Classification: match.Classification,
				Confidence:     match.Confidence,
			})
			result.route(u, match.Classification)
			continue
		}

		if !useLLM {
			result.ContentURLs = append(result.ContentURLs, u)
			continue
		}

		if err := p.classifyWithLLM(ctx, sourceID, u, uctx, result); err != nil {
			return result, err
		}
	}

	log.WithDuration(time.Since(start)).Info(
		"Classified %d urls: blocked=%d pattern=%d llm=%d content=%d marketing=%d cost=$%.6f",
		len(urls), len(result.BlockedURLs), len(result.PatternMatchedURLs),
		len(result.LLMClassifications)+len(result.LLMFailures),
		len(result.ContentURLs), len(result.MarketingURLs), result.TotalCostUSD,
	)
	return result, nil
}

// classifyWithLLM resolves one URL through the LLM. Classifier errors are
// converted to a marketing decision with zero confidence; only storage errors
// are returned.
func (p *URLPipeline) classifyWithLLM(ctx context.Context, sourceID, u string, uctx out.URLContext, result *DocumentClassificationResult) error {
	callCtx := ctx
	if p.config.LLMTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.config.LLMTimeout)
		defer cancel()
	}

	callStart := time.Now()
	llmResult, llmErr := p.llm.ClassifyURL(callCtx, u, uctx)
	p.llmLatency.Record(time.Since(callStart))

	if llmErr != nil || llmResult == nil {
		if llmErr == nil {
			llmErr = fmt.Errorf("empty response")
		}
		logger.WithField("url", u).WithError(llmErr).Warn("LLM classification failed, filing as marketing")

		if _, err := p.repo.RecordClassification(ctx, &out.RecordClassificationInput{
			URL:            u,
			SourceID:       sourceID,
			Classification: domain.URLClassMarketing,
			Confidence:     0.0,
			Method:         domain.MethodLLM,
			Reason:         "llm error: " + llmErr.Error(),
		}); err != nil {
			return err
		}
		result.LLMFailures = append(result.LLMFailures, LLMFailure{URL: u, Error: llmErr.Error()})
		result.MarketingURLs = append(result.MarketingURLs, u)
		return nil
	}

	class := llmResult.Classification
	if !class.IsValid() {
		class = domain.URLClassMarketing
	}
	confidence := domain.ClampConfidence(llmResult.Confidence)

	if _, err := p.repo.RecordClassification(ctx, &out.RecordClassificationInput{
		URL:              u,
		SourceID:         sourceID,
		Classification:   class,
		Confidence:       confidence,
		Method:           domain.MethodLLM,
		Reason:           llmResult.Reason,
		SuggestedPattern: llmResult.SuggestedPattern,
	}); err != nil {
		return err
	}

	if err := p.promoteSuggestion(ctx, llmResult.SuggestedPattern, class, confidence); err != nil {
		return err
	}

	result.LLMClassifications = append(result.LLMClassifications, llmResult)
	result.TotalCostUSD += llmResult.CostUSD
	result.route(u, class)
	return nil
}

// promoteSuggestion registers an LLM-suggested pattern when the decision was
// confident enough.
func (p *URLPipeline) promoteSuggestion(ctx context.Context, s *domain.SuggestedPattern, class domain.URLClass, confidence float64) error {
	return PromoteSuggestion(ctx, p.repo, s, class, confidence, p.config.PromotionThreshold)
}

// PromoteSuggestion adds s as a learned pattern if confidence reaches threshold.
func PromoteSuggestion(ctx context.Context, repo out.ClassificationRepository, s *domain.SuggestedPattern, class domain.URLClass, confidence, threshold float64) error {
	if s == nil || s.Pattern == "" || !s.Type.IsValid() || confidence < threshold {
		return nil
	}
	created, err := repo.AddLearnedPattern(ctx, s.Pattern, s.Type, class, confidence)
	if err != nil {
		return err
	}
	if created {
		logger.WithFields(map[string]any{
			"pattern":        s.Pattern,
			"pattern_type":   string(s.Type),
			"classification": string(class),
		}).Info("Promoted learned pattern (confidence %.2f)", confidence)
	}
	return nil
}

func excerpt(text string, max int) string {
	r := []rune(text)
	if len(r) <= max {
		return text
	}
	return string(r[:max]) + "..."
}
