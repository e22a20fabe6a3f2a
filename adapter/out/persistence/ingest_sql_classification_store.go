// Package persistence provides the SQL implementation of the classification
// repository, shared by the embedded SQLite and the Postgres backends.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/pkg/apperr"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/singleflight"
)

// SQLClassificationStore implements out.ClassificationStore on sqlx.
type SQLClassificationStore struct {
	db     *sqlx.DB
	config domain.PatternLearningConfig
	loads  singleflight.Group
	now    func() time.Time
}

// NewSQLClassificationStore creates the schema if needed and returns a store.
func NewSQLClassificationStore(ctx context.Context, db *sqlx.DB, config domain.PatternLearningConfig) (*SQLClassificationStore, error) {
	if err := Migrate(ctx, db); err != nil {
		return nil, apperr.DatabaseError("migrate", err)
	}
	return &SQLClassificationStore{
		db:     db,
		config: config,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

var _ out.ClassificationStore = (*SQLClassificationStore)(nil)

// =============================================================================
// Rows
// =============================================================================

const classificationColumns = `id, url, domain, source_id, classification, confidence, method, reason,
	suggested_pattern, suggested_pattern_type, suggested_rationale, classified_at`

type classificationRow struct {
	ID                   string         `db:"id"`
	URL                  string         `db:"url"`
	Domain               string         `db:"domain"`
	SourceID             string         `db:"source_id"`
	Classification       string         `db:"classification"`
	Confidence           float64        `db:"confidence"`
	Method               string         `db:"method"`
	Reason               string         `db:"reason"`
	SuggestedPattern     sql.NullString `db:"suggested_pattern"`
	SuggestedPatternType sql.NullString `db:"suggested_pattern_type"`
	SuggestedRationale   sql.NullString `db:"suggested_rationale"`
	ClassifiedAt         time.Time      `db:"classified_at"`
}

func (r *classificationRow) toEntity() *domain.URLClassification {
	c := &domain.URLClassification{
		ID:             r.ID,
		URL:            r.URL,
		Domain:         r.Domain,
		SourceID:       r.SourceID,
		Classification: domain.URLClass(r.Classification),
		Confidence:     r.Confidence,
		Method:         domain.ClassificationMethod(r.Method),
		Reason:         r.Reason,
		ClassifiedAt:   r.ClassifiedAt,
	}
	if r.SuggestedPattern.Valid {
		c.SuggestedPattern = &domain.SuggestedPattern{
			Pattern:   r.SuggestedPattern.String,
			Type:      domain.PatternType(r.SuggestedPatternType.String),
			Rationale: r.SuggestedRationale.String,
		}
	}
	return c
}

const patternColumns = `id, pattern, pattern_type, classification, suggested_confidence, times_applied,
	correct_count, precision_score, status, added_at, last_used_at`

type patternRow struct {
	ID                  int64        `db:"id"`
	Pattern             string       `db:"pattern"`
	PatternType         string       `db:"pattern_type"`
	Classification      string       `db:"classification"`
	SuggestedConfidence float64      `db:"suggested_confidence"`
	TimesApplied        int64        `db:"times_applied"`
	CorrectCount        int64        `db:"correct_count"`
	Precision           float64      `db:"precision_score"`
	Status              string       `db:"status"`
	AddedAt             time.Time    `db:"added_at"`
	LastUsedAt          sql.NullTime `db:"last_used_at"`
}

func (r *patternRow) toEntity() *domain.LearnedPattern {
	p := &domain.LearnedPattern{
		Pattern:             r.Pattern,
		PatternType:         domain.PatternType(r.PatternType),
		Classification:      domain.URLClass(r.Classification),
		SuggestedConfidence: r.SuggestedConfidence,
		TimesApplied:        r.TimesApplied,
		CorrectCount:        r.CorrectCount,
		Precision:           r.Precision,
		Status:              domain.PatternStatus(r.Status),
		AddedAt:             r.AddedAt,
	}
	if r.LastUsedAt.Valid {
		t := r.LastUsedAt.Time
		p.LastUsedAt = &t
	}
	return p
}

const pendingColumns = `id, url, domain, source_id, classification, confidence, occurrence_count,
	first_seen, last_seen, matched_pattern, reevaluated, reevaluated_classification, reevaluated_confidence,
	reevaluated_at`

type pendingRow struct {
	ID                        string          `db:"id"`
	URL                       string          `db:"url"`
	Domain                    string          `db:"domain"`
	SourceID                  string          `db:"source_id"`
	Classification            string          `db:"classification"`
	Confidence                float64         `db:"confidence"`
	OccurrenceCount           int64           `db:"occurrence_count"`
	FirstSeen                 time.Time       `db:"first_seen"`
	LastSeen                  time.Time       `db:"last_seen"`
	MatchedPattern            sql.NullString  `db:"matched_pattern"`
	Reevaluated               bool            `db:"reevaluated"`
	ReevaluatedClassification sql.NullString  `db:"reevaluated_classification"`
	ReevaluatedConfidence     sql.NullFloat64 `db:"reevaluated_confidence"`
	ReevaluatedAt             sql.NullTime    `db:"reevaluated_at"`
}

func (r *pendingRow) toEntity() *domain.PendingReevaluation {
	p := &domain.PendingReevaluation{
		ID:              r.ID,
		URL:             r.URL,
		Domain:          r.Domain,
		SourceID:        r.SourceID,
		Classification:  domain.URLClass(r.Classification),
		Confidence:      r.Confidence,
		OccurrenceCount: r.OccurrenceCount,
		FirstSeen:       r.FirstSeen,
		LastSeen:        r.LastSeen,
		MatchedPattern:  r.MatchedPattern.String,
		Reevaluated:     r.Reevaluated,
	}
	if r.ReevaluatedClassification.Valid {
		c := domain.URLClass(r.ReevaluatedClassification.String)
		p.ReevaluatedClassification = &c
	}
	if r.ReevaluatedConfidence.Valid {
		v := r.ReevaluatedConfidence.Float64
		p.ReevaluatedConfidence = &v
	}
	if r.ReevaluatedAt.Valid {
		t := r.ReevaluatedAt.Time
		p.ReevaluatedAt = &t
	}
	return p
}

func (s *SQLClassificationStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.QueryTimeout)
}

// =============================================================================
// Classification History
// =============================================================================

// RecordClassification appends a decision and queues low-confidence ones.
func (s *SQLClassificationStore) RecordClassification(ctx context.Context, in *out.RecordClassificationInput) (*domain.URLClassification, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	c := &domain.URLClassification{
		ID:               uuid.NewString(),
		URL:              in.URL,
		Domain:           domain.ExtractDomain(in.URL),
		SourceID:         in.SourceID,
		Classification:   in.Classification,
		Confidence:       domain.ClampConfidence(in.Confidence),
		Method:           in.Method,
		Reason:           in.Reason,
		SuggestedPattern: in.SuggestedPattern,
		ClassifiedAt:     s.now(),
	}

	var sp, spType, spRationale sql.NullString
	if c.SuggestedPattern != nil {
		sp = sql.NullString{String: c.SuggestedPattern.Pattern, Valid: true}
		spType = sql.NullString{String: string(c.SuggestedPattern.Type), Valid: true}
		spRationale = sql.NullString{String: c.SuggestedPattern.Rationale, Valid: true}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperr.DatabaseError("record classification", err)
	}
	defer tx.Rollback()

	query := s.db.Rebind(`
		INSERT INTO url_classifications (` + classificationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, query,
		c.ID, c.URL, c.Domain, c.SourceID, string(c.Classification), c.Confidence,
		string(c.Method), c.Reason, sp, spType, spRationale, c.ClassifiedAt,
	); err != nil {
		return nil, apperr.DatabaseError("record classification", err)
	}

	if c.Confidence < s.config.LowConfidenceThreshold && !in.NoRequeue {
		if err := s.enqueuePending(ctx, tx, c, in.MatchedPattern); err != nil {
			return nil, apperr.DatabaseError("enqueue reevaluation", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.DatabaseError("record classification", err)
	}
	return c, nil
}

// enqueuePending adds the (url, source) pair to the queue or, if it is
// already pending, bumps its occurrence count. The first pattern recorded for
// the pair is kept.
func (s *SQLClassificationStore) enqueuePending(ctx context.Context, tx *sqlx.Tx, c *domain.URLClassification, matchedPattern string) error {
	var pattern sql.NullString
	if matchedPattern != "" {
		pattern = sql.NullString{String: matchedPattern, Valid: true}
	}

	query := s.db.Rebind(`
		INSERT INTO pending_reevaluations
			(id, url, domain, source_id, classification, confidence, occurrence_count, first_seen, last_seen,
			 matched_pattern, reevaluated)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?, FALSE)
		ON CONFLICT (url, source_id) WHERE reevaluated = FALSE
		DO UPDATE SET occurrence_count = pending_reevaluations.occurrence_count + 1,
			last_seen = excluded.last_seen,
			matched_pattern = COALESCE(pending_reevaluations.matched_pattern, excluded.matched_pattern)`)
	_, err := tx.ExecContext(ctx, query,
		uuid.NewString(), c.URL, c.Domain, c.SourceID, string(c.Classification), c.Confidence,
		c.ClassifiedAt, c.ClassifiedAt, pattern,
	)
	return err
}

// GetLowConfidenceURLs returns decisions below threshold, least confident first.
func (s *SQLClassificationStore) GetLowConfidenceURLs(ctx context.Context, threshold float64) ([]*domain.URLClassification, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []classificationRow
	query := s.db.Rebind(`SELECT ` + classificationColumns + ` FROM url_classifications
		WHERE confidence < ? ORDER BY confidence ASC, classified_at ASC, id ASC`)
	if err := s.db.SelectContext(ctx, &rows, query, threshold); err != nil {
		return nil, apperr.DatabaseError("get low confidence urls", err)
	}

	result := make([]*domain.URLClassification, len(rows))
	for i := range rows {
		result[i] = rows[i].toEntity()
	}
	return result, nil
}

// =============================================================================
// Learned Patterns
// =============================================================================

// AddLearnedPattern inserts a pattern. The first writer wins.
func (s *SQLClassificationStore) AddLearnedPattern(ctx context.Context, pattern string, patternType domain.PatternType, class domain.URLClass, confidence float64) (bool, error) {
	if pattern == "" || !patternType.IsValid() || !class.IsValid() {
		return false, apperr.InvalidInput("pattern", "pattern, type and classification are required")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := s.db.Rebind(`
		INSERT INTO learned_patterns
			(pattern, pattern_type, classification, suggested_confidence, times_applied, correct_count, precision_score, status, added_at)
		VALUES (?, ?, ?, ?, 0, 0, 1.0, 'active', ?)
		ON CONFLICT (pattern) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, query,
		pattern, string(patternType), string(class), domain.ClampConfidence(confidence), s.now(),
	)
	if err != nil {
		return false, apperr.DatabaseError("add learned pattern", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		s.loads.Forget(activePatternsKey)
	}
	return n > 0, nil
}

const activePatternsKey = "active_patterns"

// activePatterns loads active patterns in insertion order. Concurrent callers
// share one query.
func (s *SQLClassificationStore) activePatterns(ctx context.Context) ([]*domain.LearnedPattern, error) {
	v, err, _ := s.loads.Do(activePatternsKey, func() (interface{}, error) {
		var rows []patternRow
		query := s.db.Rebind(`SELECT ` + patternColumns + ` FROM learned_patterns WHERE status = ? ORDER BY id`)
		if err := s.db.SelectContext(ctx, &rows, query, string(domain.PatternStatusActive)); err != nil {
			return nil, err
		}
		patterns := make([]*domain.LearnedPattern, len(rows))
		for i := range rows {
			patterns[i] = rows[i].toEntity()
		}
		return patterns, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*domain.LearnedPattern), nil
}

// CheckLearnedPatterns returns the first active pattern matching url and
// counts the application.
func (s *SQLClassificationStore) CheckLearnedPatterns(ctx context.Context, url string) (*domain.PatternMatch, error) {
	if !s.config.UseLearnedPatterns {
		return nil, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	patterns, err := s.activePatterns(ctx)
	if err != nil {
		return nil, apperr.DatabaseError("check learned patterns", err)
	}

	update := s.db.Rebind(`
		UPDATE learned_patterns
		SET times_applied = times_applied + 1, last_used_at = ?
		WHERE pattern = ? AND status = ?`)

	for len(patterns) > 0 {
		p := domain.FindFirstMatch(url, patterns)
		if p == nil {
			return nil, nil
		}

		res, err := s.db.ExecContext(ctx, update, s.now(), p.Pattern, string(domain.PatternStatusActive))
		if err != nil {
			return nil, apperr.DatabaseError("check learned patterns", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return domain.NewPatternMatch(p), nil
		}

		// demoted since the load, try the next candidate
		patterns = withoutPattern(patterns, p.Pattern)
	}
	return nil, nil
}

func withoutPattern(patterns []*domain.LearnedPattern, pattern string) []*domain.LearnedPattern {
	rest := make([]*domain.LearnedPattern, 0, len(patterns))
	for _, p := range patterns {
		if p.Pattern != pattern {
			rest = append(rest, p)
		}
	}
	return rest
}

func (s *SQLClassificationStore) getPattern(ctx context.Context, pattern string) (*domain.LearnedPattern, error) {
	var row patternRow
	query := s.db.Rebind(`SELECT ` + patternColumns + ` FROM learned_patterns WHERE pattern = ?`)
	if err := s.db.GetContext(ctx, &row, query, pattern); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.toEntity(), nil
}

// GetPatternStats returns nil when the pattern is unknown.
func (s *SQLClassificationStore) GetPatternStats(ctx context.Context, pattern string) (*domain.PatternStats, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	p, err := s.getPattern(ctx, pattern)
	if err != nil {
		return nil, apperr.DatabaseError("get pattern stats", err)
	}
	return domain.StatsOf(p), nil
}

// ListPatterns lists patterns in insertion order. An empty status lists all.
func (s *SQLClassificationStore) ListPatterns(ctx context.Context, status domain.PatternStatus) ([]*domain.LearnedPattern, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []patternRow
	var err error
	if status == "" {
		err = s.db.SelectContext(ctx, &rows, `SELECT `+patternColumns+` FROM learned_patterns ORDER BY id`)
	} else {
		query := s.db.Rebind(`SELECT ` + patternColumns + ` FROM learned_patterns WHERE status = ? ORDER BY id`)
		err = s.db.SelectContext(ctx, &rows, query, string(status))
	}
	if err != nil {
		return nil, apperr.DatabaseError("list patterns", err)
	}

	patterns := make([]*domain.LearnedPattern, len(rows))
	for i := range rows {
		patterns[i] = rows[i].toEntity()
	}
	return patterns, nil
}

// SetPatternStatus changes a pattern's status. Returns false when the pattern
// is unknown.
func (s *SQLClassificationStore) SetPatternStatus(ctx context.Context, pattern string, status domain.PatternStatus) (bool, error) {
	if !status.IsValid() {
		return false, apperr.InvalidInput("status", "must be active, inactive or pending_review")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := s.db.Rebind(`UPDATE learned_patterns SET status = ? WHERE pattern = ?`)
	res, err := s.db.ExecContext(ctx, query, string(status), pattern)
	if err != nil {
		return false, apperr.DatabaseError("set pattern status", err)
	}
	s.loads.Forget(activePatternsKey)

	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdatePatternStats records ground truth for one application of pattern.
// Precision and demotion are computed in a single statement so concurrent
// feedback never loses an increment.
func (s *SQLClassificationStore) UpdatePatternStats(ctx context.Context, pattern string, correct bool) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var inc int64
	if correct {
		inc = 1
	}

	const newPrecision = `CASE
			WHEN times_applied <= 0 OR correct_count + ? >= times_applied THEN 1.0
			ELSE (correct_count + ?) * 1.0 / times_applied
		END`

	query := s.db.Rebind(`
		UPDATE learned_patterns
		SET correct_count = correct_count + ?,
			precision_score = ` + newPrecision + `,
			status = CASE
				WHEN status = ? AND times_applied >= ? AND ` + newPrecision + ` < ? THEN ?
				ELSE status
			END
		WHERE pattern = ?`)

	res, err := s.db.ExecContext(ctx, query,
		inc,
		inc, inc,
		string(domain.PatternStatusActive), s.config.MinSampleSize, inc, inc, s.config.PrecisionThreshold,
		string(domain.PatternStatusInactive),
		pattern,
	)
	if err != nil {
		return apperr.DatabaseError("update pattern stats", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.loads.Forget(activePatternsKey)
	}
	return nil
}

// GetPatternEffectivenessReport summarises the pattern set.
func (s *SQLClassificationStore) GetPatternEffectivenessReport(ctx context.Context) (*domain.EffectivenessReport, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var counts struct {
		Total         int `db:"total"`
		Active        int `db:"active"`
		Inactive      int `db:"inactive"`
		PendingReview int `db:"pending_review"`
	}
	countQuery := `
		SELECT COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0) AS active,
			COALESCE(SUM(CASE WHEN status = 'inactive' THEN 1 ELSE 0 END), 0) AS inactive,
			COALESCE(SUM(CASE WHEN status = 'pending_review' THEN 1 ELSE 0 END), 0) AS pending_review
		FROM learned_patterns`
	if err := s.db.GetContext(ctx, &counts, countQuery); err != nil {
		return nil, apperr.DatabaseError("effectiveness report", err)
	}

	var top []patternRow
	topQuery := s.db.Rebind(`SELECT ` + patternColumns + ` FROM learned_patterns
		WHERE status = 'active' ORDER BY times_applied DESC, id ASC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &top, topQuery, s.config.TopPatternsLimit); err != nil {
		return nil, apperr.DatabaseError("effectiveness report", err)
	}

	var low []patternRow
	lowQuery := s.db.Rebind(`SELECT ` + patternColumns + ` FROM learned_patterns
		WHERE precision_score < ? AND times_applied > ? ORDER BY precision_score ASC, id ASC`)
	if err := s.db.SelectContext(ctx, &low, lowQuery, s.config.PrecisionThreshold, s.config.LowPerformerMinApplied); err != nil {
		return nil, apperr.DatabaseError("effectiveness report", err)
	}

	var pending int
	if err := s.db.GetContext(ctx, &pending, `SELECT COUNT(*) FROM pending_reevaluations WHERE reevaluated = FALSE`); err != nil {
		return nil, apperr.DatabaseError("effectiveness report", err)
	}

	report := &domain.EffectivenessReport{
		TotalPatterns:          counts.Total,
		ActivePatterns:         counts.Active,
		InactivePatterns:       counts.Inactive,
		PendingReviewPatterns:  counts.PendingReview,
		TopPatterns:            make([]*domain.PatternStats, len(top)),
		LowPerformingPatterns:  make([]*domain.PatternStats, len(low)),
		PendingReevaluationCnt: pending,
	}
	for i := range top {
		report.TopPatterns[i] = domain.StatsOf(top[i].toEntity())
	}
	for i := range low {
		report.LowPerformingPatterns[i] = domain.StatsOf(low[i].toEntity())
	}
	return report, nil
}

// =============================================================================
// Re-evaluation Queue
// =============================================================================

func (s *SQLClassificationStore) activePending(ctx context.Context) ([]pendingRow, error) {
	var rows []pendingRow
	query := `SELECT ` + pendingColumns + ` FROM pending_reevaluations
		WHERE reevaluated = FALSE ORDER BY first_seen ASC, url ASC, source_id ASC`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}
	return rows, nil
}

// GetDomainsForBatchReeval aggregates the active queue per domain.
func (s *SQLClassificationStore) GetDomainsForBatchReeval(ctx context.Context, minCount int) ([]*domain.DomainReevaluation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.activePending(ctx)
	if err != nil {
		return nil, apperr.DatabaseError("get domains for batch reeval", err)
	}

	pending := make([]*domain.PendingReevaluation, len(rows))
	for i := range rows {
		pending[i] = rows[i].toEntity()
	}
	return domain.AggregatePending(pending, minCount), nil
}

// MarkReevaluated closes every active pending row for url.
func (s *SQLClassificationStore) MarkReevaluated(ctx context.Context, url string, class domain.URLClass, confidence float64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := s.db.Rebind(`
		UPDATE pending_reevaluations
		SET reevaluated = TRUE, reevaluated_classification = ?, reevaluated_confidence = ?, reevaluated_at = ?
		WHERE url = ? AND reevaluated = FALSE`)
	if _, err := s.db.ExecContext(ctx, query, string(class), domain.ClampConfidence(confidence), s.now(), url); err != nil {
		return apperr.DatabaseError("mark reevaluated", err)
	}
	return nil
}

// =============================================================================
// Lifecycle
// =============================================================================

func (s *SQLClassificationStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return apperr.DatabaseError("ping", err)
	}
	return nil
}

func (s *SQLClassificationStore) Close() error {
	return s.db.Close()
}
