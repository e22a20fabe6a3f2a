package domain

import (
	"time"
)

// =============================================================================
// URL Classification Types
// =============================================================================

// URLClass is the label assigned to a link found in a document.
type URLClass string

const (
	URLClassContent   URLClass = "content"
	URLClassMarketing URLClass = "marketing"
)

// IsValid reports whether c is a known classification.
func (c URLClass) IsValid() bool {
	return c == URLClassContent || c == URLClassMarketing
}

// ClassificationMethod records which tier of the pipeline produced a decision.
type ClassificationMethod string

const (
	MethodHeuristic      ClassificationMethod = "heuristic"
	MethodLearnedPattern ClassificationMethod = "learned_pattern"
	MethodLLM            ClassificationMethod = "llm"
)

// PatternType selects which part of a URL a learned pattern is tested against.
type PatternType string

const (
	PatternTypeDomain     PatternType = "domain"      // substring of host
	PatternTypeURLPattern PatternType = "url_pattern" // substring of full URL
	PatternTypePath       PatternType = "path"        // substring of path
)

// IsValid reports whether t is a known pattern type.
func (t PatternType) IsValid() bool {
	switch t {
	case PatternTypeDomain, PatternTypeURLPattern, PatternTypePath:
		return true
	}
	return false
}

// PatternStatus is the lifecycle state of a learned pattern.
type PatternStatus string

const (
	PatternStatusActive        PatternStatus = "active"
	PatternStatusInactive      PatternStatus = "inactive"
	PatternStatusPendingReview PatternStatus = "pending_review"
)

// IsValid reports whether s is a known status.
func (s PatternStatus) IsValid() bool {
	switch s {
	case PatternStatusActive, PatternStatusInactive, PatternStatusPendingReview:
		return true
	}
	return false
}

// =============================================================================
// Persisted Entities
// =============================================================================

// SuggestedPattern is a pattern proposal attached to an LLM decision.
type SuggestedPattern struct {
	Pattern   string      `json:"pattern"`
	Type      PatternType `json:"type"`
	Rationale string      `json:"rationale,omitempty"`
}

// URLClassification is one append-only classification decision.
type URLClassification struct {
	ID               string               `json:"id"`
	URL              string               `json:"url"`
	Domain           string               `json:"domain"`
	SourceID         string               `json:"source_id"`
	Classification   URLClass             `json:"classification"`
	Confidence       float64              `json:"confidence"`
	Method           ClassificationMethod `json:"method"`
	Reason           string               `json:"reason,omitempty"`
	SuggestedPattern *SuggestedPattern    `json:"suggested_pattern,omitempty"`
	ClassifiedAt     time.Time            `json:"classified_at"`
}

// LearnedPattern is a rule inferred from past decisions.
type LearnedPattern struct {
	Pattern             string        `json:"pattern"`
	PatternType         PatternType   `json:"pattern_type"`
	Classification      URLClass      `json:"classification"`
	SuggestedConfidence float64       `json:"suggested_confidence"`
	TimesApplied        int64         `json:"times_applied"`
	CorrectCount        int64         `json:"correct_count"`
	Precision           float64       `json:"precision"`
	Status              PatternStatus `json:"status"`
	AddedAt             time.Time     `json:"added_at"`
	LastUsedAt          *time.Time    `json:"last_used_at,omitempty"`
}

// PendingReevaluation is a low-confidence (url, source) pair queued for
// re-examination. Rows are never deleted, only marked reevaluated.
type PendingReevaluation struct {
	ID                        string     `json:"id"`
	URL                       string     `json:"url"`
	Domain                    string     `json:"domain"`
	SourceID                  string     `json:"source_id"`
	Classification            URLClass   `json:"classification"`
	Confidence                float64    `json:"confidence"`
	OccurrenceCount           int64      `json:"occurrence_count"`
	FirstSeen                 time.Time  `json:"first_seen"`
	LastSeen                  time.Time  `json:"last_seen"`
	MatchedPattern            string     `json:"matched_pattern,omitempty"` // learned pattern behind the decision
	Reevaluated               bool       `json:"reevaluated"`
	ReevaluatedClassification *URLClass  `json:"reevaluated_classification,omitempty"`
	ReevaluatedConfidence     *float64   `json:"reevaluated_confidence,omitempty"`
	ReevaluatedAt             *time.Time `json:"reevaluated_at,omitempty"`
}

// =============================================================================
// Read Models
// =============================================================================

// DomainReevaluation aggregates every pending URL for one domain.
type DomainReevaluation struct {
	Domain               string                   `json:"domain"`
	URLCount             int                      `json:"url_count"`
	URLs                 []string                 `json:"urls"`
	SourceIDs            []string                 `json:"source_ids"`
	AverageConfidence    float64                  `json:"average_confidence"`
	ClassificationCounts map[URLClass]int         `json:"classification_counts"`
	TotalOccurrences     int64                    `json:"total_occurrences"`
	Tentative            map[string]URLClass      `json:"tentative"` // url -> first pending label
	PatternHits          map[string][]*PatternHit `json:"pattern_hits,omitempty"`
}

// PatternHit counts the pending decisions a learned pattern made for one URL.
type PatternHit struct {
	Pattern        string   `json:"pattern"`
	Classification URLClass `json:"classification"`
	Applications   int64    `json:"applications"`
}

// PatternStats is the statistics view of a single pattern.
type PatternStats struct {
	Pattern        string        `json:"pattern"`
	PatternType    PatternType   `json:"pattern_type"`
	Classification URLClass      `json:"classification"`
	TimesApplied   int64         `json:"times_applied"`
	CorrectCount   int64         `json:"correct_count"`
	Precision      float64       `json:"precision"`
	Status         PatternStatus `json:"status"`
	AddedAt        time.Time     `json:"added_at"`
	LastUsedAt     *time.Time    `json:"last_used_at,omitempty"`
}

// StatsOf projects a pattern onto its statistics view.
func StatsOf(p *LearnedPattern) *PatternStats {
	if p == nil {
		return nil
	}
	return &PatternStats{
		Pattern:        p.Pattern,
		PatternType:    p.PatternType,
		Classification: p.Classification,
		TimesApplied:   p.TimesApplied,
		CorrectCount:   p.CorrectCount,
		Precision:      p.Precision,
		Status:         p.Status,
		AddedAt:        p.AddedAt,
		LastUsedAt:     p.LastUsedAt,
	}
}

// PatternMatch is returned when a URL hits an active learned pattern.
type PatternMatch struct {
	Pattern        string      `json:"pattern"`
	PatternType    PatternType `json:"pattern_type"`
	Classification URLClass    `json:"classification"`
	Confidence     float64     `json:"confidence"`
	Reason         string      `json:"reason"`
}

// EffectivenessReport summarises the learned pattern set.
type EffectivenessReport struct {
	TotalPatterns          int             `json:"total_patterns"`
	ActivePatterns         int             `json:"active_patterns"`
	InactivePatterns       int             `json:"inactive_patterns"`
	PendingReviewPatterns  int             `json:"pending_review_patterns"`
	TopPatterns            []*PatternStats `json:"top_patterns"`
	LowPerformingPatterns  []*PatternStats `json:"low_performing_patterns"`
	PendingReevaluationCnt int             `json:"pending_reevaluation_count"`
}

// ClassificationSnapshot is a full dump of a repository, used to move data
// between storage backends.
type ClassificationSnapshot struct {
	Classifications []*URLClassification   `json:"classifications"`
	Patterns        []*LearnedPattern      `json:"patterns"`
	Pending         []*PendingReevaluation `json:"pending"`
	ExportedAt      time.Time              `json:"exported_at"`
}

// =============================================================================
// Learning Configuration
// =============================================================================

// PatternLearningConfig holds the thresholds shared by every repository
// implementation.
type PatternLearningConfig struct {
	LowConfidenceThreshold float64       // below this a decision is queued for re-evaluation
	PrecisionThreshold     float64       // below this a pattern is demoted
	MinSampleSize          int64         // applications required before demotion
	LowPerformerMinApplied int64         // applications required to appear as a low performer
	TopPatternsLimit       int
	UseLearnedPatterns     bool
	QueryTimeout           time.Duration // per storage call, 0 disables
}

// DefaultPatternLearningConfig returns the default thresholds.
func DefaultPatternLearningConfig() PatternLearningConfig {
	return PatternLearningConfig{
		LowConfidenceThreshold: 0.7,
		PrecisionThreshold:     0.7,
		MinSampleSize:          5,
		LowPerformerMinApplied: 5,
		TopPatternsLimit:       10,
		UseLearnedPatterns:     true,
		QueryTimeout:           10 * time.Second,
	}
}

// ComputePrecision returns correct/applied clamped to [0,1], 1.0 when the
// pattern has never been applied.
func ComputePrecision(correct, applied int64) float64 {
	if applied <= 0 || correct >= applied {
		return 1.0
	}
	if correct <= 0 {
		return 0
	}
	return float64(correct) / float64(applied)
}

// ClampConfidence forces c into [0,1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
