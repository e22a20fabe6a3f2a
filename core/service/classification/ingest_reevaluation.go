package classification

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"

	"github.com/go-pkgz/pool"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ReevaluationConfig holds batch re-evaluation settings.
type ReevaluationConfig struct {
	MinCount           int           // domains need this many pending URLs (default 3)
	Concurrency        int           // domains processed in parallel (default 1)
	PromotionThreshold float64       // default 0.7
	BudgetUSD          float64       // stop issuing LLM calls past this spend, 0 = unlimited
	LLMTimeout         time.Duration // per call
	MaxContextSources  int           // documents quoted in the aggregated context
	LockKey            string        // run lock key, empty disables locking
	LockTTL            time.Duration
}

// DefaultReevaluationConfig returns default re-evaluation configuration.
func DefaultReevaluationConfig() *ReevaluationConfig {
	return &ReevaluationConfig{
		MinCount:           3,
		Concurrency:        1,
		PromotionThreshold: 0.7,
		LLMTimeout:         30 * time.Second,
		MaxContextSources:  5,
		LockKey:            "ingest:reeval:lock",
		LockTTL:            30 * time.Minute,
	}
}

// DomainFailure records a domain whose re-evaluation did not complete.
type DomainFailure struct {
	Domain string `json:"domain"`
	Error  string `json:"error"`
}

// ReevaluationSummary is the outcome of one batch run.
type ReevaluationSummary struct {
	RunID            string          `json:"run_id"`
	StartedAt        time.Time       `json:"started_at"`
	FinishedAt       time.Time       `json:"finished_at"`
	DomainsFound     int             `json:"domains_found"`
	DomainsProcessed int             `json:"domains_processed"`
	URLsReevaluated  int             `json:"urls_reevaluated"`
	URLsChanged      int             `json:"urls_changed"`
	PatternsPromoted int             `json:"patterns_promoted"`
	PatternVerdicts  int             `json:"pattern_verdicts"`
	TotalCostUSD     float64         `json:"total_cost_usd"`
	BudgetExhausted  bool            `json:"budget_exhausted"`
	Skipped          bool            `json:"skipped"`
	Failures         []DomainFailure `json:"failures"`
}

// Failed reports whether any domain failed.
func (s *ReevaluationSummary) Failed() bool {
	return len(s.Failures) > 0
}

// String renders a one-line summary for logs and chat notifications.
func (s *ReevaluationSummary) String() string {
	if s.Skipped {
		return fmt.Sprintf("re-evaluation %s skipped: another run holds the lock", s.RunID)
	}
	msg := fmt.Sprintf("re-evaluation %s: %d/%d domains, %d urls re-evaluated (%d changed), %d patterns promoted, cost $%.4f",
		s.RunID, s.DomainsProcessed, s.DomainsFound, s.URLsReevaluated, s.URLsChanged, s.PatternsPromoted, s.TotalCostUSD)
	if s.PatternVerdicts > 0 {
		msg += fmt.Sprintf(", %d pattern verdicts", s.PatternVerdicts)
	}
	if s.BudgetExhausted {
		msg += ", budget exhausted"
	}
	if len(s.Failures) > 0 {
		names := make([]string, len(s.Failures))
		for i, f := range s.Failures {
			names[i] = f.Domain
		}
		msg += fmt.Sprintf(", %d failed (%s)", len(s.Failures), strings.Join(names, ", "))
	}
	return msg
}

// ErrBatchFailed is returned by Run when at least one domain failed.
var ErrBatchFailed = errors.New("batch re-evaluation finished with failures")

// errBudgetExhausted stops a domain before all of its URLs were handled. The
// rest stay pending for the next run.
var errBudgetExhausted = errors.New("re-evaluation budget exhausted")

// ReevaluationService re-classifies queued low-confidence URLs domain by
// domain with context aggregated across the documents that linked them.
type ReevaluationService struct {
	repo     out.ClassificationRepository
	llm      out.URLClassifier
	docs     out.DocumentSource
	notifier out.Notifier
	lock     out.RunLock
	config   *ReevaluationConfig
	log      zerolog.Logger
}

// NewReevaluationService creates a re-evaluation service.
func NewReevaluationService(repo out.ClassificationRepository, llm out.URLClassifier, config *ReevaluationConfig) *ReevaluationService {
	if config == nil {
		config = DefaultReevaluationConfig()
	}
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.MinCount < 1 {
		config.MinCount = 1
	}
	return &ReevaluationService{
		repo:   repo,
		llm:    llm,
		config: config,
		log:    zerolog.New(os.Stdout).With().Timestamp().Str("component", "reevaluation").Logger(),
	}
}

// WithDocumentSource lets the aggregated context quote document titles.
func (s *ReevaluationService) WithDocumentSource(docs out.DocumentSource) *ReevaluationService {
	s.docs = docs
	return s
}

// WithNotifier posts the run summary when a run finishes.
func (s *ReevaluationService) WithNotifier(n out.Notifier) *ReevaluationService {
	s.notifier = n
	return s
}

// WithRunLock keeps concurrent instances from processing the same queue.
func (s *ReevaluationService) WithRunLock(l out.RunLock) *ReevaluationService {
	s.lock = l
	return s
}

// WithLogger replaces the component logger.
func (s *ReevaluationService) WithLogger(l zerolog.Logger) *ReevaluationService {
	s.log = l.With().Str("component", "reevaluation").Logger()
	return s
}

// runState is shared by the pool workers of one run.
type runState struct {
	mu      sync.Mutex
	summary *ReevaluationSummary
}

func (st *runState) budgetLeft(budget float64) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if budget <= 0 {
		return true
	}
	if st.summary.TotalCostUSD >= budget {
		st.summary.BudgetExhausted = true
		return false
	}
	return true
}

// domainWorker implements pool.Worker for one run.
type domainWorker struct {
	svc   *ReevaluationService
	state *runState
}

// Do implements pool.Worker. Errors are folded into the summary so one
// domain never stops the others. Domains cut short by the budget are neither
// processed nor failed.
func (w *domainWorker) Do(ctx context.Context, d *domain.DomainReevaluation) error {
	err := w.svc.reevaluateDomain(ctx, d, w.state)
	if errors.Is(err, errBudgetExhausted) {
		return nil
	}
	if err != nil {
		w.svc.log.Warn().Err(err).Str("domain", d.Domain).Msg("domain re-evaluation failed")
		w.state.mu.Lock()
		w.state.summary.Failures = append(w.state.summary.Failures, DomainFailure{Domain: d.Domain, Error: err.Error()})
		w.state.mu.Unlock()
		return nil
	}
	w.state.mu.Lock()
	w.state.summary.DomainsProcessed++
	w.state.mu.Unlock()
	return nil
}

// Run executes one batch. It returns ErrBatchFailed, after every domain was
// attempted, when any of them failed. Storage errors while loading the queue
// are returned as is.
func (s *ReevaluationService) Run(ctx context.Context) (*ReevaluationSummary, error) {
	summary := &ReevaluationSummary{
		RunID:     uuid.New().String(),
		StartedAt: time.Now().UTC(),
		Failures:  make([]DomainFailure, 0),
	}

	if s.llm == nil {
		return summary, fmt.Errorf("re-evaluation requires an LLM classifier")
	}

	if s.lock != nil && s.config.LockKey != "" {
		release, ok, err := s.lock.TryLock(ctx, s.config.LockKey, s.config.LockTTL)
		if err != nil {
			s.log.Warn().Err(err).Msg("run lock unavailable, continuing without it")
		} else if !ok {
			summary.Skipped = true
			summary.FinishedAt = time.Now().UTC()
			s.log.Info().Str("run_id", summary.RunID).Msg("another re-evaluation run is in progress")
			return summary, nil
		} else {
			defer release()
		}
	}

	domains, err := s.repo.GetDomainsForBatchReeval(ctx, s.config.MinCount)
	if err != nil {
		return summary, err
	}
	summary.DomainsFound = len(domains)

	log := s.log.With().Str("run_id", summary.RunID).Logger()
	log.Info().Int("domains", len(domains)).Int("min_count", s.config.MinCount).
		Int("concurrency", s.config.Concurrency).Msg("batch re-evaluation started")

	if len(domains) > 0 {
		state := &runState{summary: summary}
		workers := pool.New[*domain.DomainReevaluation](s.config.Concurrency, &domainWorker{svc: s, state: state}).
			WithContinueOnError()

		if err := workers.Go(ctx); err != nil {
			return summary, fmt.Errorf("failed to start re-evaluation pool: %w", err)
		}
		for _, d := range domains {
			workers.Submit(d)
		}
		if err := workers.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("re-evaluation pool closed with error")
		}
	}

	sort.Slice(summary.Failures, func(i, j int) bool {
		return summary.Failures[i].Domain < summary.Failures[j].Domain
	})
	summary.FinishedAt = time.Now().UTC()

	log.Info().
		Int("domains_processed", summary.DomainsProcessed).
		Int("urls_reevaluated", summary.URLsReevaluated).
		Int("patterns_promoted", summary.PatternsPromoted).
		Float64("cost_usd", summary.TotalCostUSD).
		Int("failures", len(summary.Failures)).
		Dur("duration", summary.FinishedAt.Sub(summary.StartedAt)).
		Msg("batch re-evaluation finished")

	if s.notifier != nil && summary.DomainsFound > 0 {
		if err := s.notifier.Notify(ctx, summary.String()); err != nil {
			log.Warn().Err(err).Msg("failed to post re-evaluation summary")
		}
	}

	if summary.Failed() {
		return summary, ErrBatchFailed
	}
	return summary, nil
}

// reevaluateDomain re-classifies every pending URL of one domain. URLs whose
// LLM call fails stay pending for the next run; the domain then counts as
// failed.
func (s *ReevaluationService) reevaluateDomain(ctx context.Context, d *domain.DomainReevaluation, state *runState) error {
	uctx := s.buildDomainContext(ctx, d)

	var failed []string
	for _, u := range d.URLs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !state.budgetLeft(s.config.BudgetUSD) {
			if len(failed) > 0 {
				break
			}
			return errBudgetExhausted
		}

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if s.config.LLMTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, s.config.LLMTimeout)
		}
		res, err := s.llm.ClassifyURL(callCtx, u, uctx)
		cancel()
		if err != nil || res == nil {
			if err == nil {
				err = fmt.Errorf("empty response")
			}
			failed = append(failed, fmt.Sprintf("%s: %v", u, err))
			continue
		}

		class := res.Classification
		if !class.IsValid() {
			class = domain.URLClassMarketing
		}
		confidence := domain.ClampConfidence(res.Confidence)

		if _, err := s.repo.RecordClassification(ctx, &out.RecordClassificationInput{
			URL:              u,
			SourceID:         "reeval:" + state.summary.RunID,
			Classification:   class,
			Confidence:       confidence,
			Method:           domain.MethodLLM,
			Reason:           "batch re-evaluation: " + res.Reason,
			SuggestedPattern: res.SuggestedPattern,
			NoRequeue:        true,
		}); err != nil {
			return err
		}
		if err := s.repo.MarkReevaluated(ctx, u, class, confidence); err != nil {
			return err
		}
		verdicts, err := s.scorePatterns(ctx, d.PatternHits[u], class)
		if err != nil {
			return err
		}

		promoted := false
		if res.SuggestedPattern != nil && confidence >= s.config.PromotionThreshold {
			created, err := s.repo.AddLearnedPattern(ctx, res.SuggestedPattern.Pattern, res.SuggestedPattern.Type, class, confidence)
			if err != nil {
				return err
			}
			promoted = created
		}

		state.mu.Lock()
		state.summary.URLsReevaluated++
		state.summary.TotalCostUSD += res.CostUSD
		if prev, ok := d.Tentative[u]; ok && prev != class {
			state.summary.URLsChanged++
		}
		if promoted {
			state.summary.PatternsPromoted++
		}
		state.summary.PatternVerdicts += verdicts
		state.mu.Unlock()
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d of %d urls failed: %s", len(failed), len(d.URLs), strings.Join(failed, "; "))
	}
	return nil
}

// scorePatterns feeds the re-evaluated label back to each learned pattern
// that labelled the URL, once per application, so patterns that keep
// disagreeing get demoted.
func (s *ReevaluationService) scorePatterns(ctx context.Context, hits []*domain.PatternHit, class domain.URLClass) (int, error) {
	verdicts := 0
	for _, h := range hits {
		correct := h.Classification == class
		for i := int64(0); i < h.Applications; i++ {
			if err := s.repo.UpdatePatternStats(ctx, h.Pattern, correct); err != nil {
				return verdicts, err
			}
			verdicts++
		}
	}
	return verdicts, nil
}

// buildDomainContext summarises every document that linked to the domain.
func (s *ReevaluationService) buildDomainContext(ctx context.Context, d *domain.DomainReevaluation) out.URLContext {
	var b strings.Builder
	fmt.Fprintf(&b, "Domain %s was linked %d times from %d documents. ", d.Domain, d.TotalOccurrences, len(d.SourceIDs))
	fmt.Fprintf(&b, "Earlier tentative labels: content=%d marketing=%d (avg confidence %.2f).\n",
		d.ClassificationCounts[domain.URLClassContent], d.ClassificationCounts[domain.URLClassMarketing], d.AverageConfidence)
	b.WriteString("Other URLs on this domain: " + strings.Join(d.URLs, ", ") + "\n")

	titles := make([]string, 0)
	sources := make([]string, 0)
	limit := s.config.MaxContextSources
	for i, id := range d.SourceIDs {
		if limit > 0 && i >= limit {
			break
		}
		if s.docs == nil {
			titles = append(titles, id)
			continue
		}
		doc, err := s.docs.GetDocument(ctx, id)
		if err != nil || doc == nil {
			titles = append(titles, id)
			continue
		}
		titles = append(titles, fmt.Sprintf("%q", doc.Title))
		if doc.SourceName != "" {
			sources = append(sources, doc.SourceName)
		}
	}
	b.WriteString("Linked from: " + strings.Join(titles, "; "))

	return out.URLContext{
		Title:              fmt.Sprintf("Links to %s across %d documents", d.Domain, len(d.SourceIDs)),
		DescriptionExcerpt: b.String(),
		SourceName:         strings.Join(dedupe(sources), ", "),
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	res := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		res = append(res, v)
	}
	return res
}
