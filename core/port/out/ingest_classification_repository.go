package out

import (
	"context"

	"ingest_server/core/domain"
)

// RecordClassificationInput carries one decision to be appended to the
// classification history.
type RecordClassificationInput struct {
	URL              string
	SourceID         string
	Classification   domain.URLClass
	Confidence       float64
	Method           domain.ClassificationMethod
	Reason           string
	SuggestedPattern *domain.SuggestedPattern

	// MatchedPattern names the learned pattern behind a learned_pattern
	// decision. It is kept on the queued row so re-evaluation can score it.
	MatchedPattern string

	// NoRequeue skips the low-confidence queue, used when recording the
	// outcome of a re-evaluation.
	NoRequeue bool
}

// ClassificationRepository owns classification history, learned patterns and
// the pending re-evaluation queue. Implementations must be safe for
// concurrent use and must apply per-row counters atomically in storage.
//
// Storage failures are returned as apperr DATABASE_ERROR values. Writes keyed
// by an unknown pattern or URL are no-ops.
type ClassificationRepository interface {
	// RecordClassification appends a decision. When its confidence is below the
	// low-confidence threshold the (url, source) pair is queued for
	// re-evaluation, merging into an existing active entry if there is one.
	RecordClassification(ctx context.Context, in *RecordClassificationInput) (*domain.URLClassification, error)

	// AddLearnedPattern registers a pattern. Existing patterns are left as is.
	// Returns true when a new row was created.
	AddLearnedPattern(ctx context.Context, pattern string, patternType domain.PatternType, class domain.URLClass, confidence float64) (bool, error)

	// CheckLearnedPatterns matches url against active patterns in insertion
	// order and bumps the usage counter of the first hit. Returns nil when
	// nothing matches or learned patterns are disabled.
	CheckLearnedPatterns(ctx context.Context, url string) (*domain.PatternMatch, error)

	GetPatternStats(ctx context.Context, pattern string) (*domain.PatternStats, error)
	ListPatterns(ctx context.Context, status domain.PatternStatus) ([]*domain.LearnedPattern, error)
	SetPatternStatus(ctx context.Context, pattern string, status domain.PatternStatus) (bool, error)

	// GetLowConfidenceURLs returns decisions below threshold, ascending by confidence.
	GetLowConfidenceURLs(ctx context.Context, threshold float64) ([]*domain.URLClassification, error)

	// GetDomainsForBatchReeval groups active pending rows by domain and keeps
	// domains with at least minCount distinct URLs, largest first.
	GetDomainsForBatchReeval(ctx context.Context, minCount int) ([]*domain.DomainReevaluation, error)

	// MarkReevaluated closes every active pending row for url. The original
	// classification history is left untouched.
	MarkReevaluated(ctx context.Context, url string, class domain.URLClass, confidence float64) error

	// UpdatePatternStats records ground truth for a pattern, recomputes its
	// precision and demotes it once it underperforms on a large enough sample.
	UpdatePatternStats(ctx context.Context, pattern string, correct bool) error

	GetPatternEffectivenessReport(ctx context.Context) (*domain.EffectivenessReport, error)
}

// SnapshotStore moves a repository's full contents in and out. Import is
// idempotent: rows that already exist are skipped.
type SnapshotStore interface {
	ExportSnapshot(ctx context.Context) (*domain.ClassificationSnapshot, error)
	ImportSnapshot(ctx context.Context, snapshot *domain.ClassificationSnapshot) (*ImportStats, error)
}

// ImportStats reports how many rows an import actually created.
type ImportStats struct {
	Classifications int `json:"classifications"`
	Patterns        int `json:"patterns"`
	Pending         int `json:"pending"`
}

// ClassificationStore is a repository that also supports snapshots. Every
// storage backend implements it.
type ClassificationStore interface {
	ClassificationRepository
	SnapshotStore
	Ping(ctx context.Context) error
	Close() error
}
