// pkg/store/schedules.go
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

// CreateSchedule inserts a schedule.
func (s *Store) CreateSchedule(ctx context.Context, sched *model.Schedule) error {
	tmpl, err := json.Marshal(sched.Template)
	if err != nil {
		return fmt.Errorf("failed to serialize schedule template: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_schedules (
			id, name, cron_expr, interval_ns, template, active,
			last_run, next_run, created_by, last_job_id, last_dispatch,
			missed_policy
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		sched.ID, sched.Name, sched.CronExpr, int64(sched.Interval), tmpl,
		sched.Active, sched.LastRun, sched.NextRun, sched.CreatedBy,
		sched.LastJobID, sched.LastDispatch, sched.MissedPolicy)
	if err != nil {
		return fmt.Errorf("failed to insert schedule %s: %w", sched.Name, err)
	}
	return nil
}

// UpdateSchedule persists run-tracking fields after a dispatch.
func (s *Store) UpdateSchedule(ctx context.Context, sched *model.Schedule) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_schedules SET
			active = $2, last_run = $3, next_run = $4,
			last_job_id = $5, last_dispatch = $6
		WHERE id = $1`,
		sched.ID, sched.Active, sched.LastRun, sched.NextRun,
		sched.LastJobID, sched.LastDispatch)
	if err != nil {
		return fmt.Errorf("failed to update schedule %s: %w", sched.ID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("schedule %s: %w", sched.ID, ErrNotFound)
	}
	return nil
}

// ListActiveSchedules returns every active schedule.
func (s *Store) ListActiveSchedules(ctx context.Context) ([]*model.Schedule, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, name, cron_expr, interval_ns, template, active,
		       last_run, next_run, created_by, last_job_id, last_dispatch,
		       missed_policy
		FROM sync_schedules WHERE active ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var out []*model.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedules: %w", err)
	}
	return out, nil
}

// GetSchedule loads a schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (*model.Schedule, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, name, cron_expr, interval_ns, template, active,
		       last_run, next_run, created_by, last_job_id, last_dispatch,
		       missed_policy
		FROM sync_schedules WHERE id = $1`, id)

	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule %s: %w", id, err)
	}
	return sched, nil
}

func scanSchedule(row rowScanner) (*model.Schedule, error) {
	var (
		sched      model.Schedule
		intervalNS int64
		tmpl       []byte
	)
	err := row.Scan(&sched.ID, &sched.Name, &sched.CronExpr, &intervalNS,
		&tmpl, &sched.Active, &sched.LastRun, &sched.NextRun,
		&sched.CreatedBy, &sched.LastJobID, &sched.LastDispatch,
		&sched.MissedPolicy)
	if err != nil {
		return nil, err
	}
	sched.Interval = time.Duration(intervalNS)
	if err := json.Unmarshal(tmpl, &sched.Template); err != nil {
		return nil, fmt.Errorf("malformed schedule template: %w", err)
	}
	return &sched, nil
}
