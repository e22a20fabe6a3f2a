package graph

import (
	"context"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/pkg/apperr"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// ExportSnapshot dumps every node kind, each in insertion order.
func (s *ClassificationStore) ExportSnapshot(ctx context.Context) (*domain.ClassificationSnapshot, error) {
	classRecords, _, err := s.run(ctx, `MATCH (c:URLClassification)
		RETURN `+classificationReturn+` ORDER BY c.classified_at ASC, c.id ASC`, nil)
	if err != nil {
		return nil, apperr.DatabaseError("export classifications", err)
	}

	patternRecords, _, err := s.run(ctx, `MATCH (p:LearnedPattern)
		RETURN `+patternReturn+` ORDER BY p.added_at ASC, p.pattern ASC`, nil)
	if err != nil {
		return nil, apperr.DatabaseError("export patterns", err)
	}

	pendingRecords, _, err := s.run(ctx, `MATCH (p:PendingReevaluation)
		RETURN `+pendingReturn+` ORDER BY p.first_seen ASC, p.id ASC`, nil)
	if err != nil {
		return nil, apperr.DatabaseError("export pending", err)
	}

	snap := &domain.ClassificationSnapshot{
		Classifications: make([]*domain.URLClassification, len(classRecords)),
		Patterns:        make([]*domain.LearnedPattern, len(patternRecords)),
		Pending:         make([]*domain.PendingReevaluation, len(pendingRecords)),
		ExportedAt:      s.now(),
	}
	for i, record := range classRecords {
		snap.Classifications[i] = recordToClassification(record)
	}
	for i, record := range patternRecords {
		snap.Patterns[i] = recordToPattern(record)
	}
	for i, record := range pendingRecords {
		snap.Pending[i] = recordToPending(record)
	}
	return snap, nil
}

const importClassificationQuery = `
	OPTIONAL MATCH (existing:URLClassification {id: $id})
	WITH existing WHERE existing IS NULL
	CREATE (c:URLClassification {
		id: $id, url: $url, domain: $domain, source_id: $sourceID,
		classification: $classification, confidence: $confidence, method: $method, reason: $reason,
		suggested_pattern: $suggestedPattern, suggested_pattern_type: $suggestedPatternType,
		suggested_rationale: $suggestedRationale, classified_at: $classifiedAt
	})
	MERGE (d:Domain {name: $domain})
	CREATE (c)-[:ON_DOMAIN]->(d)
	RETURN count(c) AS created`

const importPatternQuery = `
	OPTIONAL MATCH (existing:LearnedPattern {pattern: $pattern})
	WITH existing WHERE existing IS NULL
	CREATE (p:LearnedPattern {
		pattern: $pattern, pattern_type: $patternType, classification: $classification,
		suggested_confidence: $confidence, times_applied: $timesApplied,
		correct_count: $correctCount, precision: $precision, status: $status,
		added_at: $addedAt, last_used_at: $lastUsedAt
	})
	RETURN count(p) AS created`

// An active row is skipped when another active row holds its (url, source).
const importPendingQuery = `
	OPTIONAL MATCH (existing:PendingReevaluation {id: $id})
	OPTIONAL MATCH (active:PendingReevaluation {active_key: $activeKey})
	WITH existing, active
	WHERE existing IS NULL AND ($activeKey IS NULL OR active IS NULL)
	CREATE (p:PendingReevaluation {
		id: $id, url: $url, domain: $domain, source_id: $sourceID,
		classification: $classification, confidence: $confidence,
		occurrence_count: $occurrenceCount, first_seen: $firstSeen, last_seen: $lastSeen,
		matched_pattern: $matchedPattern,
		reevaluated: $reevaluated, reevaluated_classification: $reevaluatedClassification,
		reevaluated_confidence: $reevaluatedConfidence, reevaluated_at: $reevaluatedAt,
		active_key: $activeKey
	})
	MERGE (d:Domain {name: $domain})
	MERGE (p)-[:ON_DOMAIN]->(d)
	RETURN count(p) AS created`

// ImportSnapshot creates every node not already present, in one transaction.
func (s *ClassificationStore) ImportSnapshot(ctx context.Context, snap *domain.ClassificationSnapshot) (*out.ImportStats, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	stats, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		stats := &out.ImportStats{}

		for _, c := range snap.Classifications {
			n, err := runCreated(ctx, tx, importClassificationQuery, classificationParams(c))
			if err != nil {
				return nil, err
			}
			stats.Classifications += n
		}

		for _, p := range snap.Patterns {
			n, err := runCreated(ctx, tx, importPatternQuery, map[string]any{
				"pattern":        p.Pattern,
				"patternType":    string(p.PatternType),
				"classification": string(p.Classification),
				"confidence":     p.SuggestedConfidence,
				"timesApplied":   p.TimesApplied,
				"correctCount":   p.CorrectCount,
				"precision":      p.Precision,
				"status":         string(p.Status),
				"addedAt":        p.AddedAt.UnixNano(),
				"lastUsedAt":     optionalNanos(p.LastUsedAt),
			})
			if err != nil {
				return nil, err
			}
			stats.Patterns += n
		}

		for _, p := range snap.Pending {
			n, err := runCreated(ctx, tx, importPendingQuery, pendingParams(p))
			if err != nil {
				return nil, err
			}
			stats.Pending += n
		}
		return stats, nil
	})
	if err != nil {
		return nil, apperr.DatabaseError("import snapshot", err)
	}
	return stats.(*out.ImportStats), nil
}

func pendingParams(p *domain.PendingReevaluation) map[string]any {
	var key, pattern, rc, rconf any
	if !p.Reevaluated {
		key = activeKey(p.URL, p.SourceID)
	}
	if p.MatchedPattern != "" {
		pattern = p.MatchedPattern
	}
	if p.ReevaluatedClassification != nil {
		rc = string(*p.ReevaluatedClassification)
	}
	if p.ReevaluatedConfidence != nil {
		rconf = *p.ReevaluatedConfidence
	}
	return map[string]any{
		"id":                        p.ID,
		"activeKey":                 key,
		"url":                       p.URL,
		"domain":                    p.Domain,
		"sourceID":                  p.SourceID,
		"classification":            string(p.Classification),
		"confidence":                p.Confidence,
		"occurrenceCount":           p.OccurrenceCount,
		"firstSeen":                 p.FirstSeen.UnixNano(),
		"lastSeen":                  p.LastSeen.UnixNano(),
		"matchedPattern":            pattern,
		"reevaluated":               p.Reevaluated,
		"reevaluatedClassification": rc,
		"reevaluatedConfidence":     rconf,
		"reevaluatedAt":             optionalNanos(p.ReevaluatedAt),
	}
}

// runCreated runs a guarded CREATE and returns how many nodes it made.
func runCreated(ctx context.Context, tx neo4j.ManagedTransaction, query string, params map[string]any) (int, error) {
	result, err := tx.Run(ctx, query, params)
	if err != nil {
		return 0, err
	}
	record, err := result.Single(ctx)
	if err != nil {
		return 0, err
	}
	return int(getInt64Value(record, "created")), nil
}
