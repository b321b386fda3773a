// pkg/model/schedule.go
package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// MissedFirePolicy controls what happens when a schedule's fire time passed
// while the scheduler was not running.
type MissedFirePolicy string

const (
	// MissedFireCoalesce folds missed fires into the next regular fire on the
	// schedule's own cadence; no catch-up run is dispatched.
	MissedFireCoalesce MissedFirePolicy = "coalesce"
	// MissedFireRunOnce dispatches exactly one catch-up run for the missed
	// window, then resumes the schedule from now.
	MissedFireRunOnce MissedFirePolicy = "run_once"
	// MissedFireSkip drops missed fires and re-anchors the schedule from now.
	MissedFireSkip MissedFirePolicy = "skip"
)

// JobTemplate is the job specification a schedule dispatches.
type JobTemplate struct {
	Kind      JobKind           `yaml:"kind" json:"kind"`
	SourceRef string            `yaml:"source" json:"source"`
	TargetRef string            `yaml:"target" json:"target"`
	Tables    []string          `yaml:"tables,omitempty" json:"tables,omitempty"`
	Params    map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// Schedule triggers jobs on a cron expression or fixed interval.
// Exactly one of CronExpr and Interval is set.
type Schedule struct {
	ID           string           `db:"id"`
	Name         string           `db:"name"`
	CronExpr     string           `db:"cron_expr"`
	Interval     time.Duration    `db:"interval_ns"`
	Template     JobTemplate      `db:"-"`
	Active       bool             `db:"active"`
	LastRun      *time.Time       `db:"last_run"`
	NextRun      *time.Time       `db:"next_run"`
	CreatedBy    string           `db:"created_by"`
	LastJobID    string           `db:"last_job_id"`
	LastDispatch string           `db:"last_dispatch"` // ok | failed: <message>
	MissedPolicy MissedFirePolicy `db:"missed_policy"`
}

// NewSchedule creates an active schedule. Pass either a cron expression or a
// positive interval, not both.
func NewSchedule(name, cronExpr string, interval time.Duration, tmpl JobTemplate, createdBy string) (*Schedule, error) {
	if (cronExpr == "") == (interval <= 0) {
		return nil, errors.New("schedule requires exactly one of cron expression or interval")
	}
	return &Schedule{
		ID:           uuid.New().String(),
		Name:         name,
		CronExpr:     cronExpr,
		Interval:     interval,
		Template:     tmpl,
		Active:       true,
		CreatedBy:    createdBy,
		MissedPolicy: MissedFireCoalesce,
	}, nil
}
