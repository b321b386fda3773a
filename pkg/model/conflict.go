// pkg/model/conflict.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// ConflictState is the lifecycle state of a Conflict.
type ConflictState string

const (
	ConflictOpen     ConflictState = "open"
	ConflictResolved ConflictState = "resolved"
	ConflictDeferred ConflictState = "deferred"
)

// Resolution names the strategy that decided a conflict.
type Resolution string

const (
	ResolutionSourceWins Resolution = "source_wins"
	ResolutionTargetWins Resolution = "target_wins"
	ResolutionMerged     Resolution = "merged"
	ResolutionManual     Resolution = "manual"
)

// IsValid reports whether r is a recognized resolution strategy.
func (r Resolution) IsValid() bool {
	switch r {
	case ResolutionSourceWins, ResolutionTargetWins, ResolutionMerged, ResolutionManual:
		return true
	}
	return false
}

// Conflict records a row where source and target diverged since the last
// sync. At most one conflict is open per (job, table, pk).
type Conflict struct {
	ID               string        `db:"id"`
	JobID            string        `db:"job_id"`
	Table            string        `db:"table_name"`
	PK               PKValue       `db:"-"`
	PKDisplay        string        `db:"pk_display"`
	SourceValues     Record        `db:"-"`
	TargetValues     Record        `db:"-"`
	DetectedAt       time.Time     `db:"detected_at"`
	State            ConflictState `db:"state"`
	Resolution       Resolution    `db:"resolution"`
	ResolvedAt       *time.Time    `db:"resolved_at"`
	ResolverIdentity string        `db:"resolver_identity"`
}

// NewConflict creates an open conflict for the given row.
func NewConflict(jobID, table string, pk PKValue, source, target Record) *Conflict {
	return &Conflict{
		ID:           uuid.New().String(),
		JobID:        jobID,
		Table:        table,
		PK:           pk,
		PKDisplay:    pk.Display(),
		SourceValues: source,
		TargetValues: target,
		DetectedAt:   time.Now().UTC(),
		State:        ConflictOpen,
	}
}

// Resolve marks the conflict resolved with the given strategy and identity.
func (c *Conflict) Resolve(resolution Resolution, resolver string) {
	now := time.Now().UTC()
	c.State = ConflictResolved
	c.Resolution = resolution
	c.ResolvedAt = &now
	c.ResolverIdentity = resolver
}
