package persistence

import (
	"context"
	"database/sql"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/pkg/apperr"

	"github.com/jmoiron/sqlx"
)

// ExportSnapshot dumps all three tables, each in insertion order.
func (s *SQLClassificationStore) ExportSnapshot(ctx context.Context) (*domain.ClassificationSnapshot, error) {
	var classRows []classificationRow
	if err := s.db.SelectContext(ctx, &classRows,
		`SELECT `+classificationColumns+` FROM url_classifications ORDER BY classified_at, id`); err != nil {
		return nil, apperr.DatabaseError("export classifications", err)
	}

	var patternRows []patternRow
	if err := s.db.SelectContext(ctx, &patternRows,
		`SELECT `+patternColumns+` FROM learned_patterns ORDER BY id`); err != nil {
		return nil, apperr.DatabaseError("export patterns", err)
	}

	var pendingRows []pendingRow
	if err := s.db.SelectContext(ctx, &pendingRows,
		`SELECT `+pendingColumns+` FROM pending_reevaluations ORDER BY first_seen, id`); err != nil {
		return nil, apperr.DatabaseError("export pending", err)
	}

	snap := &domain.ClassificationSnapshot{
		Classifications: make([]*domain.URLClassification, len(classRows)),
		Patterns:        make([]*domain.LearnedPattern, len(patternRows)),
		Pending:         make([]*domain.PendingReevaluation, len(pendingRows)),
		ExportedAt:      s.now(),
	}
	for i := range classRows {
		snap.Classifications[i] = classRows[i].toEntity()
	}
	for i := range patternRows {
		snap.Patterns[i] = patternRows[i].toEntity()
	}
	for i := range pendingRows {
		snap.Pending[i] = pendingRows[i].toEntity()
	}
	return snap, nil
}

// ImportSnapshot inserts every row not already present, in one transaction.
func (s *SQLClassificationStore) ImportSnapshot(ctx context.Context, snap *domain.ClassificationSnapshot) (*out.ImportStats, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperr.DatabaseError("import snapshot", err)
	}
	defer tx.Rollback()

	stats := &out.ImportStats{}

	classInsert := s.db.Rebind(`INSERT INTO url_classifications (` + classificationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`)
	for _, c := range snap.Classifications {
		var sp, spType, spRationale sql.NullString
		if c.SuggestedPattern != nil {
			sp = sql.NullString{String: c.SuggestedPattern.Pattern, Valid: true}
			spType = sql.NullString{String: string(c.SuggestedPattern.Type), Valid: true}
			spRationale = sql.NullString{String: c.SuggestedPattern.Rationale, Valid: true}
		}
		n, err := execCount(ctx, tx, classInsert,
			c.ID, c.URL, c.Domain, c.SourceID, string(c.Classification), c.Confidence,
			string(c.Method), c.Reason, sp, spType, spRationale, c.ClassifiedAt.UTC(),
		)
		if err != nil {
			return nil, apperr.DatabaseError("import classifications", err)
		}
		stats.Classifications += n
	}

	patternInsert := s.db.Rebind(`INSERT INTO learned_patterns
		(pattern, pattern_type, classification, suggested_confidence, times_applied, correct_count,
		 precision_score, status, added_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`)
	for _, p := range snap.Patterns {
		var lastUsed sql.NullTime
		if p.LastUsedAt != nil {
			lastUsed = sql.NullTime{Time: p.LastUsedAt.UTC(), Valid: true}
		}
		n, err := execCount(ctx, tx, patternInsert,
			p.Pattern, string(p.PatternType), string(p.Classification), p.SuggestedConfidence,
			p.TimesApplied, p.CorrectCount, p.Precision, string(p.Status), p.AddedAt.UTC(), lastUsed,
		)
		if err != nil {
			return nil, apperr.DatabaseError("import patterns", err)
		}
		stats.Patterns += n
	}

	pendingInsert := s.db.Rebind(`INSERT INTO pending_reevaluations (` + pendingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`)
	for _, p := range snap.Pending {
		var pattern, rc sql.NullString
		var rconf sql.NullFloat64
		var rat sql.NullTime
		if p.MatchedPattern != "" {
			pattern = sql.NullString{String: p.MatchedPattern, Valid: true}
		}
		if p.ReevaluatedClassification != nil {
			rc = sql.NullString{String: string(*p.ReevaluatedClassification), Valid: true}
		}
		if p.ReevaluatedConfidence != nil {
			rconf = sql.NullFloat64{Float64: *p.ReevaluatedConfidence, Valid: true}
		}
		if p.ReevaluatedAt != nil {
			rat = sql.NullTime{Time: p.ReevaluatedAt.UTC(), Valid: true}
		}
		n, err := execCount(ctx, tx, pendingInsert,
			p.ID, p.URL, p.Domain, p.SourceID, string(p.Classification), p.Confidence, p.OccurrenceCount,
			p.FirstSeen.UTC(), p.LastSeen.UTC(), pattern, p.Reevaluated, rc, rconf, rat,
		)
		if err != nil {
			return nil, apperr.DatabaseError("import pending", err)
		}
		stats.Pending += n
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.DatabaseError("import snapshot", err)
	}
	s.loads.Forget(activePatternsKey)
	return stats, nil
}

func execCount(ctx context.Context, tx *sqlx.Tx, query string, args ...any) (int, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
