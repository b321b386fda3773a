// pkg/model/job.go
package model

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// JobKind identifies the kind of synchronization a job performs.
type JobKind string

const (
	JobKindFull        JobKind = "full"
	JobKindIncremental JobKind = "incremental"
	JobKindSelective   JobKind = "selective"
	JobKindUp          JobKind = "up"
	JobKindDown        JobKind = "down"
)

// JobStatus is the lifecycle state of a SyncJob.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// jobTransitions enumerates the legal state machine:
// pending → running → {paused → running}* → {completed, failed, cancelled}.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusCancelled, JobStatusFailed},
	JobStatusRunning: {JobStatusPaused, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusPaused:  {JobStatusRunning, JobStatusCancelled, JobStatusFailed},
}

// CanTransition reports whether moving from s to next is legal.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Progress holds a job's running counters. Counters only grow.
type Progress struct {
	TablesTotal    int   `json:"tables_total" db:"tables_total"`
	TablesDone     int   `json:"tables_done" db:"tables_done"`
	RecordsSeen    int64 `json:"records_seen" db:"records_seen"`
	RecordsApplied int64 `json:"records_applied" db:"records_applied"`
	RecordsFailed  int64 `json:"records_failed" db:"records_failed"`
	ConflictsTotal int   `json:"conflicts_total" db:"conflicts_total"`
	ConflictsOpen  int   `json:"conflicts_open" db:"conflicts_open"`
}

// SyncJob is a single synchronization run between a source and a target.
// Created by the API or Scheduler; mutated only by the Orchestrator.
type SyncJob struct {
	ID        string     `db:"id"`
	Kind      JobKind    `db:"kind"`
	Status    JobStatus  `db:"status"`
	CreatedAt time.Time  `db:"created_at"`
	StartedAt *time.Time `db:"started_at"`
	EndedAt   *time.Time `db:"ended_at"`
	SourceRef string     `db:"source_ref"`
	TargetRef string     `db:"target_ref"`
	Principal string     `db:"principal"`
	Plan      []TableOp  `db:"-"`
	Progress  Progress
	LastError string `db:"last_error"`
}

// NewSyncJob creates a pending job with a sortable ULID identifier.
func NewSyncJob(kind JobKind, sourceRef, targetRef, principal string) *SyncJob {
	now := time.Now().UTC()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0)
	return &SyncJob{
		ID:        ulid.MustNew(ulid.Timestamp(now), entropy).String(),
		Kind:      kind,
		Status:    JobStatusPending,
		CreatedAt: now,
		SourceRef: sourceRef,
		TargetRef: targetRef,
		Principal: principal,
	}
}

// Transition moves the job to the next status, enforcing the state machine.
func (j *SyncJob) Transition(next JobStatus) error {
	if !j.Status.CanTransition(next) {
		return fmt.Errorf("illegal job transition %s -> %s for job %s", j.Status, next, j.ID)
	}
	now := time.Now().UTC()
	switch next {
	case JobStatusRunning:
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		j.EndedAt = &now
	}
	j.Status = next
	return nil
}

// TableOpState is the lifecycle state of a TableOp.
type TableOpState string

const (
	TableOpQueued     TableOpState = "queued"
	TableOpValidating TableOpState = "validating"
	TableOpDetecting  TableOpState = "detecting"
	TableOpApplying   TableOpState = "applying"
	TableOpDone       TableOpState = "done"
	TableOpFailed     TableOpState = "failed"
	TableOpSkipped    TableOpState = "skipped"
)

// TableOp is the unit of work within a job for a single table.
type TableOp struct {
	ID               int64        `db:"id"`
	JobID            string       `db:"job_id"`
	Table            string       `db:"table_name"`
	PKColumns        []string     `db:"-"`
	IncludedColumns  []string     `db:"-"`
	Strategy         string       `db:"strategy"`
	ExpectedRowCount *int64       `db:"expected_rows"`
	State            TableOpState `db:"state"`
	LastError        string       `db:"last_error"`
}

// ChangeKind is the direction of a change record.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// ChangeRecord is one row-level change within a ChangeSet.
type ChangeRecord struct {
	Kind ChangeKind
	PK   PKValue
	Row  Record // source-side row; nil for deletes
	// Baseline is the target-side content hash observed at detection time.
	// The applier re-reads the target row and compares to this to detect
	// third-party modifications (conflicts). Empty means no baseline known.
	Baseline string
}

// ChangeSet is the three-directional diff between source and target for one
// table. The three sequences are disjoint by primary key.
type ChangeSet struct {
	Table   string
	Inserts []ChangeRecord
	Updates []ChangeRecord
	Deletes []ChangeRecord
}

// Empty reports whether the change set carries no changes.
func (cs *ChangeSet) Empty() bool {
	return len(cs.Inserts) == 0 && len(cs.Updates) == 0 && len(cs.Deletes) == 0
}

// Total returns the number of change records across all directions.
func (cs *ChangeSet) Total() int {
	return len(cs.Inserts) + len(cs.Updates) + len(cs.Deletes)
}
