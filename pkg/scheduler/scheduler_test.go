// pkg/scheduler/scheduler_test.go
package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parcelpoint/syncd/pkg/model"
)

func TestNextRun_Cron(t *testing.T) {
	s := &model.Schedule{Name: "nightly", CronExpr: "30 2 * * *"}
	after := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	next, err := NextRun(s, after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 6, 2, 2, 30, 0, 0, time.UTC), next)
}

func TestNextRun_CronDescriptor(t *testing.T) {
	s := &model.Schedule{Name: "hourly", CronExpr: "@hourly"}
	after := time.Date(2026, 6, 1, 12, 15, 0, 0, time.UTC)

	next, err := NextRun(s, after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 6, 1, 13, 0, 0, 0, time.UTC), next)
}

func TestNextRun_InvalidCron(t *testing.T) {
	s := &model.Schedule{Name: "bad", CronExpr: "not a cron"}
	_, err := NextRun(s, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cron expression")
}

func TestNextRun_Interval(t *testing.T) {
	after := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	// No prior run: interval counts from now.
	s := &model.Schedule{Name: "tick", Interval: 15 * time.Minute}
	next, err := NextRun(s, after)
	require.NoError(t, err)
	assert.Equal(t, after.Add(15*time.Minute), next)

	// Recent prior run: interval counts from the last run.
	last := after.Add(-5 * time.Minute)
	s.LastRun = &last
	next, err = NextRun(s, after)
	require.NoError(t, err)
	assert.Equal(t, last.Add(15*time.Minute), next)

	// Stale prior run: counts from now again, not from the distant past.
	stale := after.Add(-2 * time.Hour)
	s.LastRun = &stale
	next, err = NextRun(s, after)
	require.NoError(t, err)
	assert.Equal(t, after.Add(15*time.Minute), next)
}

func TestNextRun_NeitherCronNorInterval(t *testing.T) {
	_, err := NextRun(&model.Schedule{Name: "empty"}, time.Now())
	require.Error(t, err)
}

func TestCountMissedFires(t *testing.T) {
	s := NewScheduler(nil, nil, zap.NewNop())
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	// Next run is still in the future: nothing missed.
	future := now.Add(time.Minute)
	sched := &model.Schedule{Name: "tick", Interval: 15 * time.Minute, NextRun: &future}
	assert.Equal(t, 0, s.countMissedFires(sched, now))

	// One overdue fire.
	overdue := now.Add(-time.Minute)
	sched.NextRun = &overdue
	assert.Equal(t, 1, s.countMissedFires(sched, now))

	// An hour of downtime on a 15-minute interval: four missed fires.
	wayBack := now.Add(-time.Hour)
	sched.NextRun = &wayBack
	assert.Equal(t, 4, s.countMissedFires(sched, now))
}

func TestCountMissedFires_Cron(t *testing.T) {
	s := NewScheduler(nil, nil, zap.NewNop())
	now := time.Date(2026, 6, 1, 12, 0, 30, 0, time.UTC)

	threeBack := time.Date(2026, 6, 1, 9, 30, 0, 0, time.UTC)
	sched := &model.Schedule{Name: "halfhour", CronExpr: "30 * * * *", NextRun: &threeBack}
	// Fires at 09:30, 10:30, 11:30 all elapsed before 12:00:30.
	assert.Equal(t, 3, s.countMissedFires(sched, now))
}

func TestMissedFireAction_SingleFireAlwaysDispatches(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	overdue := now.Add(-time.Minute)
	sched := &model.Schedule{
		Name:         "tick",
		Interval:     15 * time.Minute,
		NextRun:      &overdue,
		MissedPolicy: model.MissedFireSkip,
	}

	dispatch, next, err := missedFireAction(sched, 1, now)
	require.NoError(t, err)
	assert.True(t, dispatch, "one overdue fire is a normal fire under any policy")
	assert.Equal(t, now.Add(15*time.Minute), next)
}

func TestMissedFireAction_RunOnce(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	wayBack := now.Add(-time.Hour)
	sched := &model.Schedule{
		Name:         "tick",
		Interval:     15 * time.Minute,
		NextRun:      &wayBack,
		MissedPolicy: model.MissedFireRunOnce,
	}

	dispatch, next, err := missedFireAction(sched, 4, now)
	require.NoError(t, err)
	assert.True(t, dispatch, "the whole missed window collapses into one catch-up run")
	assert.Equal(t, now.Add(15*time.Minute), next, "the cadence re-anchors at the catch-up")
}

func TestMissedFireAction_Coalesce(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	// Overdue by 55 minutes on a 15-minute interval, 5 minutes off phase.
	wayBack := now.Add(-55 * time.Minute)
	sched := &model.Schedule{
		Name:         "tick",
		Interval:     15 * time.Minute,
		NextRun:      &wayBack,
		MissedPolicy: model.MissedFireCoalesce,
	}

	dispatch, next, err := missedFireAction(sched, 4, now)
	require.NoError(t, err)
	assert.False(t, dispatch, "no catch-up run; the misses fold into the next fire")
	assert.Equal(t, wayBack.Add(4*15*time.Minute), next,
		"the next fire keeps the original phase")
}

func TestMissedFireAction_CoalesceCron(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 30, 0, time.UTC)
	threeBack := time.Date(2026, 6, 1, 9, 30, 0, 0, time.UTC)
	sched := &model.Schedule{
		Name:         "halfhour",
		CronExpr:     "30 * * * *",
		NextRun:      &threeBack,
		MissedPolicy: model.MissedFireCoalesce,
	}

	dispatch, next, err := missedFireAction(sched, 3, now)
	require.NoError(t, err)
	assert.False(t, dispatch)
	assert.Equal(t, time.Date(2026, 6, 1, 12, 30, 0, 0, time.UTC), next,
		"cron fire times are already phase-fixed")
}

func TestMissedFireAction_Skip(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	wayBack := now.Add(-55 * time.Minute)
	sched := &model.Schedule{
		Name:         "tick",
		Interval:     15 * time.Minute,
		NextRun:      &wayBack,
		MissedPolicy: model.MissedFireSkip,
	}

	dispatch, next, err := missedFireAction(sched, 4, now)
	require.NoError(t, err)
	assert.False(t, dispatch)
	assert.Equal(t, now.Add(15*time.Minute), next, "skip re-anchors at now")
}

func TestNewSchedule_Validation(t *testing.T) {
	tmpl := model.JobTemplate{Kind: model.JobKindIncremental}

	_, err := model.NewSchedule("both", "30 2 * * *", time.Minute, tmpl, "tester")
	require.Error(t, err, "cron and interval are mutually exclusive")

	_, err = model.NewSchedule("neither", "", 0, tmpl, "tester")
	require.Error(t, err)

	sched, err := model.NewSchedule("ok", "", 10*time.Minute, tmpl, "tester")
	require.NoError(t, err)
	assert.True(t, sched.Active)
	assert.Equal(t, model.MissedFireCoalesce, sched.MissedPolicy)
	assert.Equal(t, "tester", sched.CreatedBy)
}
