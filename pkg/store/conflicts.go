// pkg/store/conflicts.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/parcelpoint/syncd/pkg/model"
	"github.com/parcelpoint/syncd/pkg/sanitize"
)

// CreateConflict inserts an open conflict. The partial unique index on
// (job_id, table_name, pk_display) WHERE state = 'open' enforces at most
// one open conflict per row.
func (s *Store) CreateConflict(ctx context.Context, c *model.Conflict) error {
	sourceJSON, err := json.Marshal(c.SourceValues)
	if err != nil {
		return fmt.Errorf("failed to serialize conflict source values: %w", err)
	}
	targetJSON, err := json.Marshal(c.TargetValues)
	if err != nil {
		return fmt.Errorf("failed to serialize conflict target values: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_conflicts (
			id, job_id, table_name, pk_display, source_values, target_values,
			detected_at, state, resolution, resolved_at, resolver_identity
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		c.ID, c.JobID, c.Table, c.PKDisplay, sourceJSON, targetJSON,
		c.DetectedAt, c.State, c.Resolution, c.ResolvedAt, c.ResolverIdentity)
	if err != nil {
		return fmt.Errorf("failed to insert conflict %s: %w", c.ID, err)
	}
	return nil
}

// UpdateConflict persists a conflict's resolution state.
func (s *Store) UpdateConflict(ctx context.Context, c *model.Conflict) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_conflicts SET
			state = $2, resolution = $3, resolved_at = $4, resolver_identity = $5
		WHERE id = $1`,
		c.ID, c.State, c.Resolution, c.ResolvedAt, c.ResolverIdentity)
	if err != nil {
		return fmt.Errorf("failed to update conflict %s: %w", c.ID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("conflict %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

// GetConflict loads one conflict by id, scoped to a job.
func (s *Store) GetConflict(ctx context.Context, jobID, conflictID string) (*model.Conflict, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, job_id, table_name, pk_display, source_values, target_values,
		       detected_at, state, resolution, resolved_at, resolver_identity
		FROM sync_conflicts WHERE job_id = $1 AND id = $2`, jobID, conflictID)

	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conflict %s: %w", conflictID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conflict %s: %w", conflictID, err)
	}
	return c, nil
}

// ListConflicts returns a job's conflicts, optionally filtered by state.
func (s *Store) ListConflicts(ctx context.Context, jobID string, state model.ConflictState) ([]*model.Conflict, error) {
	query := `
		SELECT id, job_id, table_name, pk_display, source_values, target_values,
		       detected_at, state, resolution, resolved_at, resolver_identity
		FROM sync_conflicts WHERE job_id = $1`
	args := []interface{}{jobID}
	if state != "" {
		query += " AND state = $2"
		args = append(args, state)
	}
	query += " ORDER BY detected_at"

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []*model.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return out, nil
}

// CountOpenConflicts returns the number of open conflicts for a job.
func (s *Store) CountOpenConflicts(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM sync_conflicts WHERE job_id = $1 AND state = 'open'`,
		jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open conflicts for job %s: %w", jobID, err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConflict(row rowScanner) (*model.Conflict, error) {
	var (
		c          model.Conflict
		sourceJSON []byte
		targetJSON []byte
	)
	err := row.Scan(&c.ID, &c.JobID, &c.Table, &c.PKDisplay,
		&sourceJSON, &targetJSON, &c.DetectedAt, &c.State,
		&c.Resolution, &c.ResolvedAt, &c.ResolverIdentity)
	if err != nil {
		return nil, err
	}
	if len(sourceJSON) > 0 {
		if err := json.Unmarshal(sourceJSON, &c.SourceValues); err != nil {
			return nil, fmt.Errorf("malformed source values: %w", err)
		}
	}
	if len(targetJSON) > 0 {
		if err := json.Unmarshal(targetJSON, &c.TargetValues); err != nil {
			return nil, fmt.Errorf("malformed target values: %w", err)
		}
	}
	return &c, nil
}

// AppendSanitizationEntries bulk-inserts sanitization log rows.
func (s *Store) AppendSanitizationEntries(ctx context.Context, entries []sanitize.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin sanitization log transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO sanitization_log (
			job_id, table_name, field, record_pk, strategy,
			was_modified, rule_name, applied_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`)
	if err != nil {
		return fmt.Errorf("failed to prepare sanitization insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		_, err := stmt.ExecContext(ctx, e.JobID, e.Table, e.Field, e.RecordPK,
			e.Strategy, e.WasModified, e.RuleName, e.AppliedAt)
		if err != nil {
			return fmt.Errorf("failed to insert sanitization entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sanitization log: %w", err)
	}
	return nil
}
