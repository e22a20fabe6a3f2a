package graph

import (
	"context"
	"time"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/pkg/apperr"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// ClassificationStore implements out.ClassificationStore on Neo4j.
//
//	(:URLClassification)-[:ON_DOMAIN]->(:Domain)<-[:ON_DOMAIN]-(:PendingReevaluation)
//	(:LearnedPattern)
//
// Counters are updated with in-place SET so concurrent writers serialize on
// the node lock. An active pending node carries active_key (url + source),
// which is unique; closing the node removes it.
type ClassificationStore struct {
	driver neo4j.DriverWithContext
	dbName string
	config domain.PatternLearningConfig
	now    func() time.Time
}

// NewClassificationStore creates constraints and returns a store.
func NewClassificationStore(ctx context.Context, driver neo4j.DriverWithContext, dbName string, config domain.PatternLearningConfig) (*ClassificationStore, error) {
	s := &ClassificationStore{
		driver: driver,
		dbName: dbName,
		config: config,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

var _ out.ClassificationStore = (*ClassificationStore)(nil)

// EnsureSchema creates uniqueness constraints and indexes.
func (s *ClassificationStore) EnsureSchema(ctx context.Context) error {
	session := s.session(ctx)
	defer session.Close(ctx)

	queries := []string{
		`CREATE CONSTRAINT url_classification_id IF NOT EXISTS FOR (c:URLClassification) REQUIRE c.id IS UNIQUE`,
		`CREATE CONSTRAINT learned_pattern_unique IF NOT EXISTS FOR (p:LearnedPattern) REQUIRE p.pattern IS UNIQUE`,
		`CREATE CONSTRAINT pending_id IF NOT EXISTS FOR (p:PendingReevaluation) REQUIRE p.id IS UNIQUE`,
		`CREATE CONSTRAINT pending_active_key IF NOT EXISTS FOR (p:PendingReevaluation) REQUIRE p.active_key IS UNIQUE`,
		`CREATE CONSTRAINT domain_name IF NOT EXISTS FOR (d:Domain) REQUIRE d.name IS UNIQUE`,
		`CREATE INDEX url_classification_confidence IF NOT EXISTS FOR (c:URLClassification) ON (c.confidence)`,
		`CREATE INDEX learned_pattern_status IF NOT EXISTS FOR (p:LearnedPattern) ON (p.status)`,
		`CREATE INDEX pending_reevaluated IF NOT EXISTS FOR (p:PendingReevaluation) ON (p.reevaluated)`,
	}

	for _, query := range queries {
		result, err := session.Run(ctx, query, nil)
		if err != nil {
			return apperr.DatabaseError("ensure schema", err)
		}
		if _, err := result.Consume(ctx); err != nil {
			return apperr.DatabaseError("ensure schema", err)
		}
	}
	return nil
}

func (s *ClassificationStore) session(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.dbName})
}

func (s *ClassificationStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.QueryTimeout)
}

// run executes an auto-commit query and collects its records.
func (s *ClassificationStore) run(ctx context.Context, query string, params map[string]any) ([]*neo4j.Record, neo4j.ResultSummary, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, nil, err
	}

	var records []*neo4j.Record
	for result.Next(ctx) {
		records = append(records, result.Record())
	}
	if err := result.Err(); err != nil {
		return nil, nil, err
	}
	summary, err := result.Consume(ctx)
	if err != nil {
		return nil, nil, err
	}
	return records, summary, nil
}

func activeKey(url, sourceID string) string {
	return url + "\x00" + sourceID
}

// =============================================================================
// Projections
// =============================================================================

const classificationReturn = `c.id AS id, c.url AS url, c.domain AS domain, c.source_id AS source_id,
	c.classification AS classification, c.confidence AS confidence, c.method AS method, c.reason AS reason,
	c.suggested_pattern AS suggested_pattern, c.suggested_pattern_type AS suggested_pattern_type,
	c.suggested_rationale AS suggested_rationale, c.classified_at AS classified_at`

func recordToClassification(record *neo4j.Record) *domain.URLClassification {
	c := &domain.URLClassification{
		ID:             getStringValue(record, "id"),
		URL:            getStringValue(record, "url"),
		Domain:         getStringValue(record, "domain"),
		SourceID:       getStringValue(record, "source_id"),
		Classification: domain.URLClass(getStringValue(record, "classification")),
		Confidence:     getFloatValue(record, "confidence"),
		Method:         domain.ClassificationMethod(getStringValue(record, "method")),
		Reason:         getStringValue(record, "reason"),
		ClassifiedAt:   getTimeValue(record, "classified_at"),
	}
	if !isNull(record, "suggested_pattern") {
		c.SuggestedPattern = &domain.SuggestedPattern{
			Pattern:   getStringValue(record, "suggested_pattern"),
			Type:      domain.PatternType(getStringValue(record, "suggested_pattern_type")),
			Rationale: getStringValue(record, "suggested_rationale"),
		}
	}
	return c
}

const patternReturn = `p.pattern AS pattern, p.pattern_type AS pattern_type, p.classification AS classification,
	p.suggested_confidence AS suggested_confidence, p.times_applied AS times_applied,
	p.correct_count AS correct_count, p.precision AS precision, p.status AS status,
	p.added_at AS added_at, p.last_used_at AS last_used_at`

func recordToPattern(record *neo4j.Record) *domain.LearnedPattern {
	return &domain.LearnedPattern{
		Pattern:             getStringValue(record, "pattern"),
		PatternType:         domain.PatternType(getStringValue(record, "pattern_type")),
		Classification:      domain.URLClass(getStringValue(record, "classification")),
		SuggestedConfidence: getFloatValue(record, "suggested_confidence"),
		TimesApplied:        getInt64Value(record, "times_applied"),
		CorrectCount:        getInt64Value(record, "correct_count"),
		Precision:           getFloatValue(record, "precision"),
		Status:              domain.PatternStatus(getStringValue(record, "status")),
		AddedAt:             getTimeValue(record, "added_at"),
		LastUsedAt:          getOptionalTime(record, "last_used_at"),
	}
}

const pendingReturn = `p.id AS id, p.url AS url, p.domain AS domain, p.source_id AS source_id,
	p.classification AS classification, p.confidence AS confidence, p.occurrence_count AS occurrence_count,
	p.first_seen AS first_seen, p.last_seen AS last_seen, p.matched_pattern AS matched_pattern,
	p.reevaluated AS reevaluated,
	p.reevaluated_classification AS reevaluated_classification,
	p.reevaluated_confidence AS reevaluated_confidence, p.reevaluated_at AS reevaluated_at`

func recordToPending(record *neo4j.Record) *domain.PendingReevaluation {
	p := &domain.PendingReevaluation{
		ID:              getStringValue(record, "id"),
		URL:             getStringValue(record, "url"),
		Domain:          getStringValue(record, "domain"),
		SourceID:        getStringValue(record, "source_id"),
		Classification:  domain.URLClass(getStringValue(record, "classification")),
		Confidence:      getFloatValue(record, "confidence"),
		OccurrenceCount: getInt64Value(record, "occurrence_count"),
		FirstSeen:       getTimeValue(record, "first_seen"),
		LastSeen:        getTimeValue(record, "last_seen"),
		MatchedPattern:  getStringValue(record, "matched_pattern"),
		Reevaluated:     getBoolValue(record, "reevaluated"),
		ReevaluatedAt:   getOptionalTime(record, "reevaluated_at"),
	}
	if !isNull(record, "reevaluated_classification") {
		c := domain.URLClass(getStringValue(record, "reevaluated_classification"))
		p.ReevaluatedClassification = &c
	}
	if !isNull(record, "reevaluated_confidence") {
		v := getFloatValue(record, "reevaluated_confidence")
		p.ReevaluatedConfidence = &v
	}
	return p
}

// =============================================================================
// Classification History
// =============================================================================

const createClassificationQuery = `
	CREATE (c:URLClassification {
		id: $id, url: $url, domain: $domain, source_id: $sourceID,
		classification: $classification, confidence: $confidence, method: $method, reason: $reason,
		suggested_pattern: $suggestedPattern, suggested_pattern_type: $suggestedPatternType,
		suggested_rationale: $suggestedRationale, classified_at: $classifiedAt
	})
	MERGE (d:Domain {name: $domain})
	CREATE (c)-[:ON_DOMAIN]->(d)`

const enqueuePendingQuery = `
	MERGE (p:PendingReevaluation {active_key: $activeKey})
	ON CREATE SET p.id = $id, p.url = $url, p.domain = $domain, p.source_id = $sourceID,
		p.classification = $classification, p.confidence = $confidence,
		p.occurrence_count = 1, p.first_seen = $now, p.last_seen = $now, p.reevaluated = false,
		p.matched_pattern = $matchedPattern
	ON MATCH SET p.occurrence_count = p.occurrence_count + 1, p.last_seen = $now,
		p.matched_pattern = coalesce(p.matched_pattern, $matchedPattern)
	WITH p
	MERGE (d:Domain {name: $domain})
	MERGE (p)-[:ON_DOMAIN]->(d)`

// RecordClassification appends a decision and queues low-confidence ones in
// the same transaction.
func (s *ClassificationStore) RecordClassification(ctx context.Context, in *out.RecordClassificationInput) (*domain.URLClassification, error) {
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

	params := classificationParams(c)
	var matchedPattern any
	if in.MatchedPattern != "" {
		matchedPattern = in.MatchedPattern
	}
	enqueue := c.Confidence < s.config.LowConfidenceThreshold && !in.NoRequeue

	session := s.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, createClassificationQuery, params)
		if err != nil {
			return nil, err
		}
		if _, err := result.Consume(ctx); err != nil {
			return nil, err
		}
		if !enqueue {
			return nil, nil
		}

		result, err = tx.Run(ctx, enqueuePendingQuery, map[string]any{
			"activeKey":      activeKey(c.URL, c.SourceID),
			"id":             uuid.NewString(),
			"url":            c.URL,
			"domain":         c.Domain,
			"sourceID":       c.SourceID,
			"classification": string(c.Classification),
			"confidence":     c.Confidence,
			"now":            c.ClassifiedAt.UnixNano(),
			"matchedPattern": matchedPattern,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		return nil, apperr.DatabaseError("record classification", err)
	}
	return c, nil
}

func classificationParams(c *domain.URLClassification) map[string]any {
	params := map[string]any{
		"id":                   c.ID,
		"url":                  c.URL,
		"domain":               c.Domain,
		"sourceID":             c.SourceID,
		"classification":       string(c.Classification),
		"confidence":           c.Confidence,
		"method":               string(c.Method),
		"reason":               c.Reason,
		"suggestedPattern":     nil,
		"suggestedPatternType": nil,
		"suggestedRationale":   nil,
		"classifiedAt":         c.ClassifiedAt.UnixNano(),
	}
	if sp := c.SuggestedPattern; sp != nil {
		params["suggestedPattern"] = sp.Pattern
		params["suggestedPatternType"] = string(sp.Type)
		params["suggestedRationale"] = sp.Rationale
	}
	return params
}

// GetLowConfidenceURLs returns decisions below threshold, least confident first.
func (s *ClassificationStore) GetLowConfidenceURLs(ctx context.Context, threshold float64) ([]*domain.URLClassification, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	records, _, err := s.run(ctx, `
		MATCH (c:URLClassification) WHERE c.confidence < $threshold
		RETURN `+classificationReturn+`
		ORDER BY c.confidence ASC, c.classified_at ASC, c.id ASC`,
		map[string]any{"threshold": threshold})
	if err != nil {
		return nil, apperr.DatabaseError("get low confidence urls", err)
	}

	result := make([]*domain.URLClassification, len(records))
	for i, record := range records {
		result[i] = recordToClassification(record)
	}
	return result, nil
}

// =============================================================================
// Learned Patterns
// =============================================================================

// AddLearnedPattern creates the pattern node unless it exists.
func (s *ClassificationStore) AddLearnedPattern(ctx context.Context, pattern string, patternType domain.PatternType, class domain.URLClass, confidence float64) (bool, error) {
	if pattern == "" || !patternType.IsValid() || !class.IsValid() {
		return false, apperr.InvalidInput("pattern", "pattern, type and classification are required")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, summary, err := s.run(ctx, `
		MERGE (p:LearnedPattern {pattern: $pattern})
		ON CREATE SET p.pattern_type = $patternType, p.classification = $classification,
			p.suggested_confidence = $confidence, p.times_applied = 0, p.correct_count = 0,
			p.precision = 1.0, p.status = 'active', p.added_at = $now`,
		map[string]any{
			"pattern":        pattern,
			"patternType":    string(patternType),
			"classification": string(class),
			"confidence":     domain.ClampConfidence(confidence),
			"now":            s.now().UnixNano(),
		})
	if err != nil {
		return false, apperr.DatabaseError("add learned pattern", err)
	}
	return summary.Counters().NodesCreated() > 0, nil
}

// CheckLearnedPatterns returns the first active pattern matching url and
// counts the application.
func (s *ClassificationStore) CheckLearnedPatterns(ctx context.Context, url string) (*domain.PatternMatch, error) {
	if !s.config.UseLearnedPatterns {
		return nil, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	patterns, err := s.listPatterns(ctx, domain.PatternStatusActive)
	if err != nil {
		return nil, apperr.DatabaseError("check learned patterns", err)
	}

	for len(patterns) > 0 {
		p := domain.FindFirstMatch(url, patterns)
		if p == nil {
			return nil, nil
		}

		records, _, err := s.run(ctx, `
			MATCH (p:LearnedPattern {pattern: $pattern, status: 'active'})
			SET p.times_applied = p.times_applied + 1, p.last_used_at = $now
			RETURN p.pattern AS pattern`,
			map[string]any{"pattern": p.Pattern, "now": s.now().UnixNano()})
		if err != nil {
			return nil, apperr.DatabaseError("check learned patterns", err)
		}
		if len(records) > 0 {
			return domain.NewPatternMatch(p), nil
		}

		rest := patterns[:0:0]
		for _, q := range patterns {
			if q.Pattern != p.Pattern {
				rest = append(rest, q)
			}
		}
		patterns = rest
	}
	return nil, nil
}

func (s *ClassificationStore) listPatterns(ctx context.Context, status domain.PatternStatus) ([]*domain.LearnedPattern, error) {
	query := `MATCH (p:LearnedPattern) WHERE $status = '' OR p.status = $status
		RETURN ` + patternReturn + ` ORDER BY p.added_at ASC, p.pattern ASC`
	records, _, err := s.run(ctx, query, map[string]any{"status": string(status)})
	if err != nil {
		return nil, err
	}
	patterns := make([]*domain.LearnedPattern, len(records))
	for i, record := range records {
		patterns[i] = recordToPattern(record)
	}
	return patterns, nil
}

// ListPatterns lists patterns in insertion order. An empty status lists all.
func (s *ClassificationStore) ListPatterns(ctx context.Context, status domain.PatternStatus) ([]*domain.LearnedPattern, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	patterns, err := s.listPatterns(ctx, status)
	if err != nil {
		return nil, apperr.DatabaseError("list patterns", err)
	}
	return patterns, nil
}

// GetPatternStats returns nil when the pattern is unknown.
func (s *ClassificationStore) GetPatternStats(ctx context.Context, pattern string) (*domain.PatternStats, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	records, _, err := s.run(ctx, `MATCH (p:LearnedPattern {pattern: $pattern}) RETURN `+patternReturn,
		map[string]any{"pattern": pattern})
	if err != nil {
		return nil, apperr.DatabaseError("get pattern stats", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return domain.StatsOf(recordToPattern(records[0])), nil
}

// SetPatternStatus changes a pattern's status. Returns false when the pattern
// is unknown.
func (s *ClassificationStore) SetPatternStatus(ctx context.Context, pattern string, status domain.PatternStatus) (bool, error) {
	if !status.IsValid() {
		return false, apperr.InvalidInput("status", "must be active, inactive or pending_review")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	records, _, err := s.run(ctx, `
		MATCH (p:LearnedPattern {pattern: $pattern})
		SET p.status = $status
		RETURN p.pattern AS pattern`,
		map[string]any{"pattern": pattern, "status": string(status)})
	if err != nil {
		return false, apperr.DatabaseError("set pattern status", err)
	}
	return len(records) > 0, nil
}

// UpdatePatternStats records ground truth for one application of pattern.
// The first SET takes the node lock, so the precision read afterwards sees
// every earlier increment.
func (s *ClassificationStore) UpdatePatternStats(ctx context.Context, pattern string, correct bool) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var inc int64
	if correct {
		inc = 1
	}

	_, _, err := s.run(ctx, `
		MATCH (p:LearnedPattern {pattern: $pattern})
		SET p.correct_count = p.correct_count + $inc
		WITH p, CASE
			WHEN p.times_applied <= 0 OR p.correct_count >= p.times_applied THEN 1.0
			ELSE toFloat(p.correct_count) / p.times_applied
		END AS precision
		SET p.precision = precision,
			p.status = CASE
				WHEN p.status = 'active' AND p.times_applied >= $minSample AND precision < $threshold THEN 'inactive'
				ELSE p.status
			END`,
		map[string]any{
			"pattern":   pattern,
			"inc":       inc,
			"minSample": s.config.MinSampleSize,
			"threshold": s.config.PrecisionThreshold,
		})
	if err != nil {
		return apperr.DatabaseError("update pattern stats", err)
	}
	return nil
}

// GetPatternEffectivenessReport summarises the pattern set.
func (s *ClassificationStore) GetPatternEffectivenessReport(ctx context.Context) (*domain.EffectivenessReport, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	counts, _, err := s.run(ctx, `
		OPTIONAL MATCH (p:LearnedPattern)
		RETURN count(p) AS total,
			count(CASE WHEN p.status = 'active' THEN 1 END) AS active,
			count(CASE WHEN p.status = 'inactive' THEN 1 END) AS inactive,
			count(CASE WHEN p.status = 'pending_review' THEN 1 END) AS pending_review`, nil)
	if err != nil {
		return nil, apperr.DatabaseError("effectiveness report", err)
	}

	top, _, err := s.run(ctx, `
		MATCH (p:LearnedPattern {status: 'active'})
		RETURN `+patternReturn+`
		ORDER BY p.times_applied DESC, p.added_at ASC LIMIT $limit`,
		map[string]any{"limit": int64(s.config.TopPatternsLimit)})
	if err != nil {
		return nil, apperr.DatabaseError("effectiveness report", err)
	}

	low, _, err := s.run(ctx, `
		MATCH (p:LearnedPattern)
		WHERE p.precision < $threshold AND p.times_applied > $minApplied
		RETURN `+patternReturn+`
		ORDER BY p.precision ASC, p.added_at ASC`,
		map[string]any{"threshold": s.config.PrecisionThreshold, "minApplied": s.config.LowPerformerMinApplied})
	if err != nil {
		return nil, apperr.DatabaseError("effectiveness report", err)
	}

	pending, _, err := s.run(ctx, `
		OPTIONAL MATCH (p:PendingReevaluation {reevaluated: false})
		RETURN count(p) AS pending`, nil)
	if err != nil {
		return nil, apperr.DatabaseError("effectiveness report", err)
	}

	report := &domain.EffectivenessReport{
		TopPatterns:           make([]*domain.PatternStats, len(top)),
		LowPerformingPatterns: make([]*domain.PatternStats, len(low)),
	}
	if len(counts) > 0 {
		report.TotalPatterns = int(getInt64Value(counts[0], "total"))
		report.ActivePatterns = int(getInt64Value(counts[0], "active"))
		report.InactivePatterns = int(getInt64Value(counts[0], "inactive"))
		report.PendingReviewPatterns = int(getInt64Value(counts[0], "pending_review"))
	}
	if len(pending) > 0 {
		report.PendingReevaluationCnt = int(getInt64Value(pending[0], "pending"))
	}
	for i, record := range top {
		report.TopPatterns[i] = domain.StatsOf(recordToPattern(record))
	}
	for i, record := range low {
		report.LowPerformingPatterns[i] = domain.StatsOf(recordToPattern(record))
	}
	return report, nil
}

// =============================================================================
// Re-evaluation Queue
// =============================================================================

// GetDomainsForBatchReeval aggregates the active queue per domain.
func (s *ClassificationStore) GetDomainsForBatchReeval(ctx context.Context, minCount int) ([]*domain.DomainReevaluation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	records, _, err := s.run(ctx, `
		MATCH (p:PendingReevaluation {reevaluated: false})
		RETURN `+pendingReturn+`
		ORDER BY p.first_seen ASC, p.url ASC, p.source_id ASC`, nil)
	if err != nil {
		return nil, apperr.DatabaseError("get domains for batch reeval", err)
	}

	pending := make([]*domain.PendingReevaluation, len(records))
	for i, record := range records {
		pending[i] = recordToPending(record)
	}
	return domain.AggregatePending(pending, minCount), nil
}

// MarkReevaluated closes every active pending node for url.
func (s *ClassificationStore) MarkReevaluated(ctx context.Context, url string, class domain.URLClass, confidence float64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, _, err := s.run(ctx, `
		MATCH (p:PendingReevaluation {url: $url, reevaluated: false})
		SET p.reevaluated = true, p.reevaluated_classification = $classification,
			p.reevaluated_confidence = $confidence, p.reevaluated_at = $now
		REMOVE p.active_key`,
		map[string]any{
			"url":            url,
			"classification": string(class),
			"confidence":     domain.ClampConfidence(confidence),
			"now":            s.now().UnixNano(),
		})
	if err != nil {
		return apperr.DatabaseError("mark reevaluated", err)
	}
	return nil
}

// =============================================================================
// Lifecycle
// =============================================================================

func (s *ClassificationStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return apperr.DatabaseError("ping", err)
	}
	return nil
}

func (s *ClassificationStore) Close() error {
	return s.driver.Close(context.Background())
}
