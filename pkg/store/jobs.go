// pkg/store/jobs.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/parcelpoint/syncd/pkg/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// CreateJob inserts a pending job.
func (s *Store) CreateJob(ctx context.Context, job *model.SyncJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_jobs (
			id, kind, status, created_at, started_at, ended_at,
			source_ref, target_ref, principal,
			tables_total, tables_done, records_seen, records_applied,
			records_failed, conflicts_total, conflicts_open, last_error
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		job.ID, job.Kind, job.Status, job.CreatedAt, job.StartedAt, job.EndedAt,
		job.SourceRef, job.TargetRef, job.Principal,
		job.Progress.TablesTotal, job.Progress.TablesDone,
		job.Progress.RecordsSeen, job.Progress.RecordsApplied,
		job.Progress.RecordsFailed, job.Progress.ConflictsTotal,
		job.Progress.ConflictsOpen, job.LastError)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

// UpdateJob persists the job's mutable state and counters.
func (s *Store) UpdateJob(ctx context.Context, job *model.SyncJob) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET
			status = $2, started_at = $3, ended_at = $4,
			tables_total = $5, tables_done = $6, records_seen = $7,
			records_applied = $8, records_failed = $9,
			conflicts_total = $10, conflicts_open = $11, last_error = $12
		WHERE id = $1`,
		job.ID, job.Status, job.StartedAt, job.EndedAt,
		job.Progress.TablesTotal, job.Progress.TablesDone,
		job.Progress.RecordsSeen, job.Progress.RecordsApplied,
		job.Progress.RecordsFailed, job.Progress.ConflictsTotal,
		job.Progress.ConflictsOpen, job.LastError)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
	}
	return nil
}

// GetJob loads a job with its plan.
func (s *Store) GetJob(ctx context.Context, jobID string) (*model.SyncJob, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, kind, status, created_at, started_at, ended_at,
		       source_ref, target_ref, principal,
		       tables_total, tables_done, records_seen, records_applied,
		       records_failed, conflicts_total, conflicts_open, last_error
		FROM sync_jobs WHERE id = $1`, jobID)

	var job model.SyncJob
	err := row.Scan(&job.ID, &job.Kind, &job.Status, &job.CreatedAt,
		&job.StartedAt, &job.EndedAt, &job.SourceRef, &job.TargetRef,
		&job.Principal,
		&job.Progress.TablesTotal, &job.Progress.TablesDone,
		&job.Progress.RecordsSeen, &job.Progress.RecordsApplied,
		&job.Progress.RecordsFailed, &job.Progress.ConflictsTotal,
		&job.Progress.ConflictsOpen, &job.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	plan, err := s.ListTableOps(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.Plan = plan
	return &job, nil
}

// ListUnfinishedJobs returns jobs that were running or paused, used on
// startup to recover interrupted work.
func (s *Store) ListUnfinishedJobs(ctx context.Context) ([]*model.SyncJob, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id FROM sync_jobs
		WHERE status IN ('pending', 'running', 'paused')
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unfinished jobs: %w", err)
	}

	jobs := make([]*model.SyncJob, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// LastCompletedJobTime returns when the most recent completed job against
// the given target finished, or nil if none has.
func (s *Store) LastCompletedJobTime(ctx context.Context, targetRef string) (*time.Time, error) {
	var ended sql.NullTime
	err := s.db.QueryRowxContext(ctx, `
		SELECT MAX(ended_at) FROM sync_jobs
		WHERE status = 'completed' AND target_ref = $1`, targetRef).Scan(&ended)
	if err != nil {
		return nil, fmt.Errorf("failed to query last completed job: %w", err)
	}
	if !ended.Valid {
		return nil, nil
	}
	t := ended.Time
	return &t, nil
}

// CreateTableOps inserts a job's plan in declared order.
func (s *Store) CreateTableOps(ctx context.Context, ops []model.TableOp) error {
	for i := range ops {
		op := &ops[i]
		pkCols, err := json.Marshal(op.PKColumns)
		if err != nil {
			return fmt.Errorf("failed to serialize pk columns: %w", err)
		}
		inclCols, err := json.Marshal(op.IncludedColumns)
		if err != nil {
			return fmt.Errorf("failed to serialize included columns: %w", err)
		}

		row := s.db.QueryRowxContext(ctx, `
			INSERT INTO sync_table_ops (
				job_id, table_name, pk_columns, included_columns,
				strategy, expected_rows, state, last_error
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			RETURNING id`,
			op.JobID, op.Table, pkCols, inclCols,
			op.Strategy, op.ExpectedRowCount, op.State, op.LastError)
		if err := row.Scan(&op.ID); err != nil {
			return fmt.Errorf("failed to insert table op for %s: %w", op.Table, err)
		}
	}
	return nil
}

// UpdateTableOp persists a table op's state.
func (s *Store) UpdateTableOp(ctx context.Context, op *model.TableOp) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_table_ops SET state = $2, last_error = $3, expected_rows = $4
		WHERE id = $1`,
		op.ID, op.State, op.LastError, op.ExpectedRowCount)
	if err != nil {
		return fmt.Errorf("failed to update table op %d: %w", op.ID, err)
	}
	return nil
}

// ListTableOps returns a job's plan in insertion order.
func (s *Store) ListTableOps(ctx context.Context, jobID string) ([]model.TableOp, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, job_id, table_name, pk_columns, included_columns,
		       strategy, expected_rows, state, last_error
		FROM sync_table_ops WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list table ops for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var ops []model.TableOp
	for rows.Next() {
		var (
			op       model.TableOp
			pkCols   []byte
			inclCols []byte
		)
		err := rows.Scan(&op.ID, &op.JobID, &op.Table, &pkCols, &inclCols,
			&op.Strategy, &op.ExpectedRowCount, &op.State, &op.LastError)
		if err != nil {
			return nil, fmt.Errorf("failed to scan table op: %w", err)
		}
		if err := json.Unmarshal(pkCols, &op.PKColumns); err != nil {
			return nil, fmt.Errorf("malformed pk columns for table op %d: %w", op.ID, err)
		}
		if err := json.Unmarshal(inclCols, &op.IncludedColumns); err != nil {
			return nil, fmt.Errorf("malformed included columns for table op %d: %w", op.ID, err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating table ops: %w", err)
	}
	return ops, nil
}
