// pkg/store/store.go
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Store persists control-plane state: jobs, table operations, conflicts,
// the sanitization log, and schedules. It lives in the control database
// alongside the target.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStore wraps an open control-database connection.
func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{
		db:     sqlx.NewDb(db, "pgx"),
		logger: logger,
	}
}

var bootstrapStatements = []string{
	`CREATE TABLE IF NOT EXISTS sync_jobs (
		id               TEXT PRIMARY KEY,
		kind             TEXT NOT NULL,
		status           TEXT NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL,
		started_at       TIMESTAMPTZ,
		ended_at         TIMESTAMPTZ,
		source_ref       TEXT NOT NULL,
		target_ref       TEXT NOT NULL,
		principal        TEXT NOT NULL DEFAULT '',
		tables_total     INTEGER NOT NULL DEFAULT 0,
		tables_done      INTEGER NOT NULL DEFAULT 0,
		records_seen     BIGINT NOT NULL DEFAULT 0,
		records_applied  BIGINT NOT NULL DEFAULT 0,
		records_failed   BIGINT NOT NULL DEFAULT 0,
		conflicts_total  INTEGER NOT NULL DEFAULT 0,
		conflicts_open   INTEGER NOT NULL DEFAULT 0,
		last_error       TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS sync_table_ops (
		id               BIGSERIAL PRIMARY KEY,
		job_id           TEXT NOT NULL REFERENCES sync_jobs(id),
		table_name       TEXT NOT NULL,
		pk_columns       JSONB NOT NULL DEFAULT '[]',
		included_columns JSONB NOT NULL DEFAULT '[]',
		strategy         TEXT NOT NULL DEFAULT '',
		expected_rows    BIGINT,
		state            TEXT NOT NULL,
		last_error       TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_table_ops_job ON sync_table_ops(job_id)`,
	`CREATE TABLE IF NOT EXISTS sync_conflicts (
		id                TEXT PRIMARY KEY,
		job_id            TEXT NOT NULL REFERENCES sync_jobs(id),
		table_name        TEXT NOT NULL,
		pk_display        TEXT NOT NULL,
		source_values     JSONB,
		target_values     JSONB,
		detected_at       TIMESTAMPTZ NOT NULL,
		state             TEXT NOT NULL,
		resolution        TEXT NOT NULL DEFAULT '',
		resolved_at       TIMESTAMPTZ,
		resolver_identity TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_conflicts_open
		ON sync_conflicts(job_id, table_name, pk_display) WHERE state = 'open'`,
	`CREATE TABLE IF NOT EXISTS sanitization_log (
		id           BIGSERIAL PRIMARY KEY,
		job_id       TEXT NOT NULL,
		table_name   TEXT NOT NULL,
		field        TEXT NOT NULL,
		record_pk    TEXT NOT NULL,
		strategy     TEXT NOT NULL,
		was_modified BOOLEAN NOT NULL,
		rule_name    TEXT NOT NULL,
		applied_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sanitization_log_job ON sanitization_log(job_id)`,
	`CREATE TABLE IF NOT EXISTS sync_schedules (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL UNIQUE,
		cron_expr     TEXT NOT NULL DEFAULT '',
		interval_ns   BIGINT NOT NULL DEFAULT 0,
		template      JSONB NOT NULL,
		active        BOOLEAN NOT NULL DEFAULT TRUE,
		last_run      TIMESTAMPTZ,
		next_run      TIMESTAMPTZ,
		created_by    TEXT NOT NULL DEFAULT '',
		last_job_id   TEXT NOT NULL DEFAULT '',
		last_dispatch TEXT NOT NULL DEFAULT '',
		missed_policy TEXT NOT NULL DEFAULT 'coalesce'
	)`,
}

// Bootstrap creates the control tables if they do not exist.
func (s *Store) Bootstrap(ctx context.Context) error {
	for _, stmt := range bootstrapStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to bootstrap control schema: %w", err)
		}
	}
	s.logger.Debug("Control schema ready")
	return nil
}
