package persistence

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS url_classifications (
		id                     TEXT PRIMARY KEY,
		url                    TEXT NOT NULL,
		domain                 TEXT NOT NULL DEFAULT '',
		source_id              TEXT NOT NULL DEFAULT '',
		classification         TEXT NOT NULL,
		confidence             REAL NOT NULL,
		method                 TEXT NOT NULL,
		reason                 TEXT NOT NULL DEFAULT '',
		suggested_pattern      TEXT,
		suggested_pattern_type TEXT,
		suggested_rationale    TEXT,
		classified_at          TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_url_classifications_confidence ON url_classifications (confidence)`,
	`CREATE INDEX IF NOT EXISTS idx_url_classifications_url ON url_classifications (url)`,
	`CREATE TABLE IF NOT EXISTS learned_patterns (
		id                   INTEGER PRIMARY KEY AUTOINCREMENT,
		pattern              TEXT NOT NULL UNIQUE,
		pattern_type         TEXT NOT NULL,
		classification       TEXT NOT NULL,
		suggested_confidence REAL NOT NULL,
		times_applied        INTEGER NOT NULL DEFAULT 0,
		correct_count        INTEGER NOT NULL DEFAULT 0,
		precision_score      REAL NOT NULL DEFAULT 1.0,
		status               TEXT NOT NULL DEFAULT 'active',
		added_at             TIMESTAMP NOT NULL,
		last_used_at         TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_learned_patterns_status ON learned_patterns (status, id)`,
	`CREATE TABLE IF NOT EXISTS pending_reevaluations (
		id                         TEXT PRIMARY KEY,
		url                        TEXT NOT NULL,
		domain                     TEXT NOT NULL DEFAULT '',
		source_id                  TEXT NOT NULL DEFAULT '',
		classification             TEXT NOT NULL,
		confidence                 REAL NOT NULL,
		occurrence_count           INTEGER NOT NULL DEFAULT 1,
		first_seen                 TIMESTAMP NOT NULL,
		last_seen                  TIMESTAMP NOT NULL,
		matched_pattern            TEXT,
		reevaluated                BOOLEAN NOT NULL DEFAULT FALSE,
		reevaluated_classification TEXT,
		reevaluated_confidence     REAL,
		reevaluated_at             TIMESTAMP
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_pending_reevaluations_active
		ON pending_reevaluations (url, source_id) WHERE reevaluated = FALSE`,
	`CREATE INDEX IF NOT EXISTS idx_pending_reevaluations_domain
		ON pending_reevaluations (domain) WHERE reevaluated = FALSE`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS url_classifications (
		id                     TEXT PRIMARY KEY,
		url                    TEXT NOT NULL,
		domain                 TEXT NOT NULL DEFAULT '',
		source_id              TEXT NOT NULL DEFAULT '',
		classification         TEXT NOT NULL,
		confidence             DOUBLE PRECISION NOT NULL,
		method                 TEXT NOT NULL,
		reason                 TEXT NOT NULL DEFAULT '',
		suggested_pattern      TEXT,
		suggested_pattern_type TEXT,
		suggested_rationale    TEXT,
		classified_at          TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_url_classifications_confidence ON url_classifications (confidence)`,
	`CREATE INDEX IF NOT EXISTS idx_url_classifications_url ON url_classifications (url)`,
	`CREATE TABLE IF NOT EXISTS learned_patterns (
		id                   BIGSERIAL PRIMARY KEY,
		pattern              TEXT NOT NULL UNIQUE,
		pattern_type         TEXT NOT NULL,
		classification       TEXT NOT NULL,
		suggested_confidence DOUBLE PRECISION NOT NULL,
		times_applied        BIGINT NOT NULL DEFAULT 0,
		correct_count        BIGINT NOT NULL DEFAULT 0,
		precision_score      DOUBLE PRECISION NOT NULL DEFAULT 1.0,
		status               TEXT NOT NULL DEFAULT 'active',
		added_at             TIMESTAMPTZ NOT NULL,
		last_used_at         TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_learned_patterns_status ON learned_patterns (status, id)`,
	`CREATE TABLE IF NOT EXISTS pending_reevaluations (
		id                         TEXT PRIMARY KEY,
		url                        TEXT NOT NULL,
		domain                     TEXT NOT NULL DEFAULT '',
		source_id                  TEXT NOT NULL DEFAULT '',
		classification             TEXT NOT NULL,
		confidence                 DOUBLE PRECISION NOT NULL,
		occurrence_count           BIGINT NOT NULL DEFAULT 1,
		first_seen                 TIMESTAMPTZ NOT NULL,
		last_seen                  TIMESTAMPTZ NOT NULL,
		matched_pattern            TEXT,
		reevaluated                BOOLEAN NOT NULL DEFAULT FALSE,
		reevaluated_classification TEXT,
		reevaluated_confidence     DOUBLE PRECISION,
		reevaluated_at             TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_pending_reevaluations_active
		ON pending_reevaluations (url, source_id) WHERE reevaluated = FALSE`,
	`CREATE INDEX IF NOT EXISTS idx_pending_reevaluations_domain
		ON pending_reevaluations (domain) WHERE reevaluated = FALSE`,
}

// Migrate creates the classification tables for the connection's driver.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	schema := postgresSchema
	if db.DriverName() == "sqlite3" {
		schema = sqliteSchema
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
