// pkg/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/parcelpoint/syncd/pkg/model"
	"github.com/parcelpoint/syncd/pkg/orchestrator"
	"github.com/parcelpoint/syncd/pkg/store"
)

// serviceUser is the identity attached to scheduler-initiated jobs.
const serviceUser = "scheduler"

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler dispatches jobs from persisted schedules. A single loop wakes
// at the nearest next_run; at most one instance of a schedule runs at a
// time.
type Scheduler struct {
	store  *store.Store
	orch   *orchestrator.Orchestrator
	logger *zap.Logger

	mu      sync.Mutex
	running map[string]bool // schedule id -> job in flight
	wake    chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler over the persisted schedule store.
func NewScheduler(st *store.Store, orch *orchestrator.Orchestrator, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:   st,
		orch:    orch,
		logger:  logger,
		running: make(map[string]bool),
		wake:    make(chan struct{}, 1),
	}
}

// NextRun computes a schedule's next fire time after the given instant.
func NextRun(s *model.Schedule, after time.Time) (time.Time, error) {
	if s.CronExpr != "" {
		spec, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", s.CronExpr, err)
		}
		return spec.Next(after), nil
	}
	if s.Interval <= 0 {
		return time.Time{}, fmt.Errorf("schedule %s has neither cron nor interval", s.Name)
	}
	base := after
	if s.LastRun != nil && s.LastRun.After(base.Add(-s.Interval)) {
		base = *s.LastRun
	}
	return base.Add(s.Interval), nil
}

// Add validates and persists a schedule, then wakes the loop.
func (s *Scheduler) Add(ctx context.Context, sched *model.Schedule) error {
	next, err := NextRun(sched, time.Now().UTC())
	if err != nil {
		return err
	}
	sched.NextRun = &next
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return err
	}
	s.logger.Info("Schedule added",
		zap.String("schedule", sched.Name),
		zap.Time("next_run", next))
	s.poke()
	return nil
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run is the scheduling loop. It blocks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Scheduler started")
	for {
		nextWake := s.dispatchDue(ctx)

		var timer *time.Timer
		if nextWake.IsZero() {
			// No active schedules; sleep until poked.
			timer = time.NewTimer(time.Minute)
		} else {
			d := time.Until(nextWake)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
		}

		select {
		case <-ctx.Done():
			timer.Stop()
			s.wg.Wait()
			s.logger.Info("Scheduler stopped")
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// dispatchDue fires every due schedule and returns the nearest upcoming
// next_run across active schedules.
func (s *Scheduler) dispatchDue(ctx context.Context) time.Time {
	schedules, err := s.store.ListActiveSchedules(ctx)
	if err != nil {
		s.logger.Error("Failed to load schedules", zap.Error(err))
		return time.Time{}
	}

	now := time.Now().UTC()
	var nearest time.Time
	for _, sched := range schedules {
		if sched.NextRun == nil {
			next, err := NextRun(sched, now)
			if err != nil {
				s.logger.Error("Unschedulable entry",
					zap.String("schedule", sched.Name), zap.Error(err))
				continue
			}
			sched.NextRun = &next
			if err := s.store.UpdateSchedule(ctx, sched); err != nil {
				s.logger.Error("Failed to persist next run", zap.Error(err))
			}
		}

		if !sched.NextRun.After(now) {
			s.fire(ctx, sched, now)
		}
		if sched.NextRun != nil && (nearest.IsZero() || sched.NextRun.Before(nearest)) {
			nearest = *sched.NextRun
		}
	}
	return nearest
}

// fire dispatches one schedule, honoring its missed-fire policy when the
// fire time is far in the past.
func (s *Scheduler) fire(ctx context.Context, sched *model.Schedule, now time.Time) {
	s.mu.Lock()
	if s.running[sched.ID] {
		s.mu.Unlock()
		s.logger.Debug("Schedule still running, skipping fire",
			zap.String("schedule", sched.Name))
		return
	}
	s.running[sched.ID] = true
	s.mu.Unlock()

	missed := s.countMissedFires(sched, now)
	dispatch, next, err := missedFireAction(sched, missed, now)
	if err != nil {
		s.logger.Error("Failed to compute next run",
			zap.String("schedule", sched.Name), zap.Error(err))
		s.clearRunning(sched.ID)
		return
	}
	if missed > 1 {
		switch sched.MissedPolicy {
		case model.MissedFireSkip:
			s.logger.Info("Skipping missed fires",
				zap.String("schedule", sched.Name),
				zap.Int("missed", missed))
		case model.MissedFireCoalesce:
			s.logger.Info("Folding missed fires into the next regular run",
				zap.String("schedule", sched.Name),
				zap.Int("missed", missed),
				zap.Time("next_run", next))
		default:
			s.logger.Info("Dispatching one catch-up run for missed fires",
				zap.String("schedule", sched.Name),
				zap.Int("missed", missed))
		}
	}
	sched.NextRun = &next

	if !dispatch {
		if err := s.store.UpdateSchedule(ctx, sched); err != nil {
			s.logger.Error("Failed to persist schedule", zap.Error(err))
		}
		s.clearRunning(sched.ID)
		return
	}

	lastRun := now
	sched.LastRun = &lastRun

	job, err := s.orch.SubmitJob(ctx, sched.Template.Kind, sched.Template.Tables, serviceUser)
	if err != nil {
		sched.LastDispatch = fmt.Sprintf("failed: %v", err)
		s.logger.Error("Dispatch failed",
			zap.String("schedule", sched.Name), zap.Error(err))
		s.clearRunning(sched.ID)
	} else {
		sched.LastJobID = job.ID
		sched.LastDispatch = "ok"
		s.logger.Info("Schedule dispatched",
			zap.String("schedule", sched.Name),
			zap.String("job_id", job.ID),
			zap.Time("next_run", next))
		s.wg.Add(1)
		go s.watchJob(ctx, sched.ID, job.ID)
	}

	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		s.logger.Error("Failed to persist schedule", zap.Error(err))
	}
}

// missedFireAction decides whether an overdue schedule dispatches now and
// what its next run is. With a backlog of missed fires the policy governs:
// run_once dispatches exactly one catch-up run for the whole missed window,
// coalesce folds the misses into the next regular fire without a catch-up,
// and skip drops them and re-anchors the schedule at now.
func missedFireAction(sched *model.Schedule, missed int, now time.Time) (bool, time.Time, error) {
	if missed <= 1 {
		next, err := NextRun(sched, now)
		return true, next, err
	}
	switch sched.MissedPolicy {
	case model.MissedFireSkip:
		next, err := NextRun(sched, now)
		return false, next, err
	case model.MissedFireCoalesce:
		next, err := advanceCadence(sched, now)
		return false, next, err
	default: // run_once
		next, err := NextRun(sched, now)
		return true, next, err
	}
}

// advanceCadence walks the schedule's own fire sequence from its overdue
// next_run to the first instant after now, preserving the original phase.
// Cron fire times are phase-fixed already.
func advanceCadence(sched *model.Schedule, now time.Time) (time.Time, error) {
	if sched.CronExpr != "" || sched.NextRun == nil {
		return NextRun(sched, now)
	}
	if sched.Interval <= 0 {
		return time.Time{}, fmt.Errorf("schedule %s has neither cron nor interval", sched.Name)
	}
	t := *sched.NextRun
	for i := 0; i < 1000 && !t.After(now); i++ {
		t = t.Add(sched.Interval)
	}
	return t, nil
}

// countMissedFires estimates how many fire times elapsed before now.
func (s *Scheduler) countMissedFires(sched *model.Schedule, now time.Time) int {
	if sched.NextRun == nil || !sched.NextRun.Before(now) {
		return 0
	}
	missed := 1
	t := *sched.NextRun
	for i := 0; i < 1000; i++ {
		next, err := NextRun(&model.Schedule{
			Name:     sched.Name,
			CronExpr: sched.CronExpr,
			Interval: sched.Interval,
			LastRun:  &t,
		}, t)
		if err != nil || !next.Before(now) {
			break
		}
		t = next
		missed++
	}
	return missed
}

// watchJob clears the schedule's running flag once its job reaches a
// terminal state, so the next fire can dispatch.
func (s *Scheduler) watchJob(ctx context.Context, scheduleID, jobID string) {
	defer s.wg.Done()
	defer s.clearRunning(scheduleID)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := s.store.GetJob(ctx, jobID)
			if err != nil {
				s.logger.Warn("Failed to poll dispatched job",
					zap.String("job_id", jobID), zap.Error(err))
				return
			}
			if job.Status.IsTerminal() {
				return
			}
		}
	}
}

func (s *Scheduler) clearRunning(scheduleID string) {
	s.mu.Lock()
	delete(s.running, scheduleID)
	s.mu.Unlock()
	s.poke()
}
