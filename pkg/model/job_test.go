// pkg/model/job_test.go
package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus_IsTerminal(t *testing.T) {
	assert.False(t, JobStatusPending.IsTerminal())
	assert.False(t, JobStatusRunning.IsTerminal())
	assert.False(t, JobStatusPaused.IsTerminal())
	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
	assert.True(t, JobStatusCancelled.IsTerminal())
}

func TestJobStatus_CanTransition(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		ok       bool
	}{
		{JobStatusPending, JobStatusRunning, true},
		{JobStatusPending, JobStatusCancelled, true},
		{JobStatusPending, JobStatusCompleted, false},
		{JobStatusPending, JobStatusPaused, false},
		{JobStatusRunning, JobStatusPaused, true},
		{JobStatusRunning, JobStatusCompleted, true},
		{JobStatusRunning, JobStatusFailed, true},
		{JobStatusRunning, JobStatusCancelled, true},
		{JobStatusRunning, JobStatusPending, false},
		{JobStatusPaused, JobStatusRunning, true},
		{JobStatusPaused, JobStatusCancelled, true},
		{JobStatusPaused, JobStatusCompleted, false},
		{JobStatusCompleted, JobStatusRunning, false},
		{JobStatusFailed, JobStatusRunning, false},
		{JobStatusCancelled, JobStatusPending, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestSyncJob_TransitionLifecycle(t *testing.T) {
	job := NewSyncJob(JobKindFull, "source:5432/app", "target:5432/training", "tester")
	require.Equal(t, JobStatusPending, job.Status)
	require.NotEmpty(t, job.ID)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.EndedAt)

	require.NoError(t, job.Transition(JobStatusRunning))
	require.NotNil(t, job.StartedAt)
	started := *job.StartedAt

	require.NoError(t, job.Transition(JobStatusPaused))
	require.NoError(t, job.Transition(JobStatusRunning))
	assert.Equal(t, started, *job.StartedAt, "StartedAt is set once")

	require.NoError(t, job.Transition(JobStatusCompleted))
	require.NotNil(t, job.EndedAt)

	err := job.Transition(JobStatusRunning)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal job transition")
}

func TestNewSyncJob_IDsSortByCreationTime(t *testing.T) {
	a := NewSyncJob(JobKindFull, "s", "t", "p")
	time.Sleep(2 * time.Millisecond)
	b := NewSyncJob(JobKindFull, "s", "t", "p")
	assert.Less(t, a.ID, b.ID)
}

func TestChangeSet_EmptyAndTotal(t *testing.T) {
	cs := &ChangeSet{Table: "orders"}
	assert.True(t, cs.Empty())
	assert.Equal(t, 0, cs.Total())

	cs.Inserts = append(cs.Inserts, ChangeRecord{Kind: ChangeInsert, PK: PKValue{1}})
	cs.Deletes = append(cs.Deletes, ChangeRecord{Kind: ChangeDelete, PK: PKValue{2}})
	assert.False(t, cs.Empty())
	assert.Equal(t, 2, cs.Total())
}
