// pkg/orchestrator/orchestrator.go
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parcelpoint/syncd/pkg/audit"
	"github.com/parcelpoint/syncd/pkg/config"
	"github.com/parcelpoint/syncd/pkg/conflict"
	"github.com/parcelpoint/syncd/pkg/connector"
	"github.com/parcelpoint/syncd/pkg/detect"
	"github.com/parcelpoint/syncd/pkg/handler"
	"github.com/parcelpoint/syncd/pkg/model"
	"github.com/parcelpoint/syncd/pkg/sanitize"
	"github.com/parcelpoint/syncd/pkg/schema"
	"github.com/parcelpoint/syncd/pkg/store"
)

// ErrChainSuspect is returned when a previous job hit an audit-chain
// integrity failure and the chain has not been re-verified since.
var ErrChainSuspect = errors.New("audit chain integrity suspect; verification required before new jobs")

// PostApplyHook runs against the target after a table's changes commit.
type PostApplyHook func(ctx context.Context, conn connector.DatabaseConnector, table string) error

// jobControl carries the cooperative pause/cancel state for a running job.
// Pause and cancel take effect at batch boundaries only; an in-flight batch
// always commits or rolls back cleanly.
type jobControl struct {
	mu        sync.Mutex
	cond      *sync.Cond
	paused    bool
	cancelled bool
	cancel    context.CancelFunc
}

func newJobControl(cancel context.CancelFunc) *jobControl {
	ctrl := &jobControl{cancel: cancel}
	ctrl.cond = sync.NewCond(&ctrl.mu)
	return ctrl
}

func (c *jobControl) requestPause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

func (c *jobControl) requestResume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *jobControl) requestCancel() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
	c.cond.Broadcast()
	c.cancel()
}

// jobRuntime bundles the collaborators snapshotted for one job run. Live
// configuration edits never affect a running job.
type jobRuntime struct {
	mapping   *config.Mapping
	detector  *detect.Detector
	sanitizer *sanitize.Sanitizer
	resolver  *conflict.Resolver
	validator *schema.Validator
}

// Orchestrator drives sync jobs through their state machine. Jobs run on a
// bounded worker pool; each job is a cooperative single-threaded loop.
type Orchestrator struct {
	store    *store.Store
	source   connector.DatabaseConnector
	target   connector.DatabaseConnector
	registry *handler.Registry
	mapping  *config.Mapping
	opts     config.Options
	audit    *audit.Writer
	logger   *zap.Logger
	hooks    map[string]PostApplyHook

	mu           sync.Mutex
	controls     map[string]*jobControl
	chainSuspect bool

	jobCh chan string
	wg    sync.WaitGroup
}

// NewOrchestrator wires the engine's collaborators together.
func NewOrchestrator(
	st *store.Store,
	source, target connector.DatabaseConnector,
	registry *handler.Registry,
	mapping *config.Mapping,
	opts config.Options,
	auditWriter *audit.Writer,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:    st,
		source:   source,
		target:   target,
		registry: registry,
		mapping:  mapping,
		opts:     opts,
		audit:    auditWriter,
		logger:   logger,
		hooks:    make(map[string]PostApplyHook),
		controls: make(map[string]*jobControl),
		jobCh:    make(chan string, 64),
	}
}

// RegisterHook makes a named post-apply hook available to table configs.
func (o *Orchestrator) RegisterHook(name string, hook PostApplyHook) {
	o.hooks[name] = hook
}

// SourceRef returns the redacted reference of the configured source database.
func (o *Orchestrator) SourceRef() string { return o.source.Ref() }

// TargetRef returns the redacted reference of the configured target database.
func (o *Orchestrator) TargetRef() string { return o.target.Ref() }

// Start launches the worker pool and re-enqueues jobs that were interrupted
// by a previous shutdown.
func (o *Orchestrator) Start(ctx context.Context) error {
	unfinished, err := o.store.ListUnfinishedJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range unfinished {
		o.logger.Info("Re-enqueueing interrupted job",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)))
		o.jobCh <- job.ID
	}

	for i := 0; i < o.opts.ParallelJobs; i++ {
		o.wg.Add(1)
		go o.worker(ctx, i)
	}
	return nil
}

// Stop waits for in-flight jobs to reach a pause or terminal point.
func (o *Orchestrator) Stop() {
	close(o.jobCh)
	o.wg.Wait()
}

func (o *Orchestrator) worker(ctx context.Context, id int) {
	defer o.wg.Done()
	logger := o.logger.With(zap.Int("worker_id", id))
	for {
		select {
		case <-ctx.Done():
			return
		case jobID, ok := <-o.jobCh:
			if !ok {
				return
			}
			if err := o.RunJob(ctx, jobID); err != nil {
				logger.Error("Job run failed",
					zap.String("job_id", jobID),
					zap.Error(err))
			}
			connector.LogConnectionStats(logger, "target", o.target.DB())
		}
	}
}

// SubmitJob creates a pending job with its plan and enqueues it.
func (o *Orchestrator) SubmitJob(ctx context.Context, kind model.JobKind, tables []string, principal string) (*model.SyncJob, error) {
	if len(tables) == 0 {
		for _, t := range o.mapping.Tables {
			tables = append(tables, t.Table)
		}
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("no tables configured to sync")
	}

	job := model.NewSyncJob(kind, o.source.Ref(), o.target.Ref(), principal)
	job.Progress.TablesTotal = len(tables)

	ops := make([]model.TableOp, len(tables))
	for i, table := range tables {
		strategy := o.opts.DetectionStrategy
		if tcfg := o.mapping.TableFor(table); tcfg != nil && tcfg.Strategy != "" {
			strategy = tcfg.Strategy
		}
		ops[i] = model.TableOp{
			JobID:    job.ID,
			Table:    table,
			Strategy: strategy,
			State:    model.TableOpQueued,
		}
	}

	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if err := o.store.CreateTableOps(ctx, ops); err != nil {
		return nil, err
	}
	job.Plan = ops

	select {
	case o.jobCh <- job.ID:
	default:
		return nil, fmt.Errorf("job queue is full")
	}

	o.auditEvent(job, "job_submitted", map[string]interface{}{
		"kind":   string(kind),
		"tables": tables,
	})
	o.logger.Info("Job submitted",
		zap.String("job_id", job.ID),
		zap.String("kind", string(kind)),
		zap.Int("tables", len(tables)))
	return job, nil
}

// RunJob executes one job to a terminal or paused state. Safe to call again
// for a paused or interrupted job; completed table ops are skipped.
func (o *Orchestrator) RunJob(ctx context.Context, jobID string) error {
	o.mu.Lock()
	if o.chainSuspect {
		o.mu.Unlock()
		if err := audit.VerifyDir(o.opts.AuditDir); err != nil {
			return fmt.Errorf("%w: %v", ErrChainSuspect, err)
		}
		o.mu.Lock()
		o.chainSuspect = false
	}
	if _, running := o.controls[jobID]; running {
		o.mu.Unlock()
		return fmt.Errorf("job %s is already running", jobID)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if o.opts.JobDeadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, o.opts.JobDeadline)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	ctrl := newJobControl(cancel)
	o.controls[jobID] = ctrl
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.controls, jobID)
		o.mu.Unlock()
	}()

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	// Resume and crash recovery can hand us a job already marked running.
	if job.Status != model.JobStatusRunning {
		if err := job.Transition(model.JobStatusRunning); err != nil {
			return err
		}
		if err := o.store.UpdateJob(ctx, job); err != nil {
			return err
		}
	}
	o.auditEvent(job, "job_started", map[string]interface{}{"kind": string(job.Kind)})

	rt, err := o.newRuntime()
	if err != nil {
		return o.finishJob(ctx, job, model.JobStatusFailed, err)
	}

	runErr := o.runPlan(runCtx, job, rt, ctrl)
	switch {
	case runErr == nil:
		if job.Progress.RecordsFailed > 0 {
			job.LastError = fmt.Sprintf("completed with %d failed records", job.Progress.RecordsFailed)
		}
		return o.finishJob(ctx, job, model.JobStatusCompleted, nil)
	case errors.Is(runErr, errPaused):
		// Already persisted as paused; the job resumes via Resume.
		return nil
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		if errors.Is(runErr, context.DeadlineExceeded) {
			job.LastError = "job deadline exceeded"
		}
		return o.finishJob(ctx, job, model.JobStatusCancelled, nil)
	case errors.Is(runErr, errChainBroken):
		o.mu.Lock()
		o.chainSuspect = true
		o.mu.Unlock()
		return o.finishJob(ctx, job, model.JobStatusFailed, runErr)
	default:
		return o.finishJob(ctx, job, model.JobStatusFailed, runErr)
	}
}

var (
	errPaused      = errors.New("job paused")
	errChainBroken = errors.New("audit chain broken")
)

// newRuntime snapshots configuration-derived collaborators for one run.
func (o *Orchestrator) newRuntime() (*jobRuntime, error) {
	snapshot := o.mapping.Snapshot()
	resolver, err := conflict.NewResolver(snapshot, o.opts.ConflictStrategy, o.logger)
	if err != nil {
		return nil, err
	}
	sanitizer := sanitize.NewSanitizer(snapshot, o.opts.SanitizeDefault, o.logger)
	return &jobRuntime{
		mapping:   snapshot,
		detector:  detect.NewDetector(o.source, o.target, o.registry, snapshot, sanitizer, o.opts, o.logger),
		sanitizer: sanitizer,
		resolver:  resolver,
		validator: schema.NewValidator(o.source, o.target, snapshot, o.logger),
	}, nil
}

// runPlan walks the job's table ops in declared order.
func (o *Orchestrator) runPlan(ctx context.Context, job *model.SyncJob, rt *jobRuntime, ctrl *jobControl) error {
	var lastSync *time.Time
	if job.Kind == model.JobKindIncremental {
		t, err := o.store.LastCompletedJobTime(ctx, job.TargetRef)
		if err != nil {
			return err
		}
		lastSync = t
	}

	for i := range job.Plan {
		op := &job.Plan[i]
		if op.State == model.TableOpDone || op.State == model.TableOpSkipped {
			continue
		}
		if err := o.checkpoint(ctx, job, ctrl); err != nil {
			return err
		}

		opErr := o.runTableOp(ctx, job, rt, ctrl, op, lastSync)
		if opErr != nil {
			if errors.Is(opErr, errPaused) || errors.Is(opErr, context.Canceled) ||
				errors.Is(opErr, context.DeadlineExceeded) || errors.Is(opErr, errChainBroken) {
				return opErr
			}

			op.State = model.TableOpFailed
			op.LastError = opErr.Error()
			if err := o.store.UpdateTableOp(ctx, op); err != nil {
				return err
			}
			o.logger.Error("Table op failed",
				zap.String("job_id", job.ID),
				zap.String("table", op.Table),
				zap.Error(opErr))

			if o.opts.OnError == "stop" {
				return fmt.Errorf("table %s: %w", op.Table, opErr)
			}
			job.LastError = fmt.Sprintf("table %s: %v", op.Table, opErr)
			continue
		}

		job.Progress.TablesDone++
		if err := o.store.UpdateJob(ctx, job); err != nil {
			return err
		}
	}

	// A failed table under collect_errors still fails the job as a whole.
	for i := range job.Plan {
		if job.Plan[i].State == model.TableOpFailed {
			return fmt.Errorf("table %s: %s", job.Plan[i].Table, job.Plan[i].LastError)
		}
	}
	return nil
}

// runTableOp drives one table through validating → detecting → applying.
func (o *Orchestrator) runTableOp(
	ctx context.Context,
	job *model.SyncJob,
	rt *jobRuntime,
	ctrl *jobControl,
	op *model.TableOp,
	lastSync *time.Time,
) error {
	logger := o.logger.With(zap.String("job_id", job.ID), zap.String("table", op.Table))

	// Exclusive advisory lock per (target, table); contending jobs wait.
	pg, isPG := o.target.(*connector.PostgresConnector)
	if isPG {
		if err := pg.AcquireTableLock(ctx, op.Table); err != nil {
			return err
		}
		defer func() {
			if err := pg.ReleaseTableLock(context.Background(), op.Table); err != nil {
				logger.Warn("Failed to release table lock", zap.Error(err))
			}
		}()
	}

	// Validate.
	op.State = model.TableOpValidating
	if err := o.store.UpdateTableOp(ctx, op); err != nil {
		return err
	}
	result, err := rt.validator.ValidateTable(ctx, op.Table)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if !result.OK() {
		o.auditEvent(job, "schema_validation_err", map[string]interface{}{
			"table":    op.Table,
			"findings": result.Findings,
		})
		return fmt.Errorf("schema validation found errors for table %s", op.Table)
	}

	inspector := schema.NewInspector(o.source)
	meta, err := inspector.LoadTableMetadata(ctx, op.Table)
	if err != nil {
		return err
	}
	tcfg := rt.mapping.TableFor(op.Table)
	pkColumns, err := pkColumnsFor(meta, tcfg)
	if err != nil {
		return err
	}
	op.PKColumns = pkColumns
	op.IncludedColumns = includedColumnsFor(meta, rt.mapping, pkColumns)

	// Detect.
	op.State = model.TableOpDetecting
	if err := o.store.UpdateTableOp(ctx, op); err != nil {
		return err
	}
	cs, err := rt.detector.DetectChanges(ctx, meta, tcfg, op.Strategy, lastSync)
	if err != nil {
		return fmt.Errorf("detection failed: %w", err)
	}
	job.Progress.RecordsSeen += int64(cs.Total())

	// Apply. Empty change sets never open a target transaction.
	op.State = model.TableOpApplying
	if err := o.store.UpdateTableOp(ctx, op); err != nil {
		return err
	}
	ta := &tableApply{
		job:           job,
		op:            op,
		meta:          meta,
		tcfg:          tcfg,
		pkColumns:     pkColumns,
		san:           rt.sanitizer,
		res:           rt.resolver,
		blockedPKs:    make(map[string]bool),
		baseApplied:   job.Progress.RecordsApplied,
		baseFailed:    job.Progress.RecordsFailed,
		baseConflicts: job.Progress.ConflictsTotal,
		baseOpen:      job.Progress.ConflictsOpen,
	}
	if err := o.applyChangeSet(ctx, ta, cs, ctrl); err != nil {
		return err
	}
	if err := o.flushBatchState(ctx, ta); err != nil {
		return err
	}

	if op.Strategy == "cdc" {
		if err := rt.detector.PruneCDCEntries(ctx, op.Table, time.Now().UTC()); err != nil {
			logger.Warn("Failed to prune cdc entries", zap.Error(err))
		}
	}

	if tcfg != nil && tcfg.PostApplyHook != "" {
		hook, ok := o.hooks[tcfg.PostApplyHook]
		if !ok {
			return fmt.Errorf("unknown post-apply hook %q for table %s", tcfg.PostApplyHook, op.Table)
		}
		if err := hook(ctx, o.target, op.Table); err != nil {
			return fmt.Errorf("post-apply hook %q failed: %w", tcfg.PostApplyHook, err)
		}
	}

	op.State = model.TableOpDone
	if err := o.store.UpdateTableOp(ctx, op); err != nil {
		return err
	}
	logger.Info("Table op done",
		zap.Int("changes", cs.Total()),
		zap.Int64("applied", ta.stats.applied),
		zap.Int64("failed", ta.stats.failed),
		zap.Int("conflicts", ta.stats.conflictsTotal))
	return nil
}

// checkpoint is the cooperative suspension point between batches: it blocks
// while the job is paused and returns an error when cancelled.
func (o *Orchestrator) checkpoint(ctx context.Context, job *model.SyncJob, ctrl *jobControl) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ctrl.mu.Lock()
	if !ctrl.paused || ctrl.cancelled {
		cancelled := ctrl.cancelled
		ctrl.mu.Unlock()
		if cancelled {
			return context.Canceled
		}
		return nil
	}
	ctrl.mu.Unlock()

	// The Pause call already transitioned and persisted the job. Parking
	// here keeps worker slots free by returning errPaused instead of
	// blocking; Resume re-enqueues the job.
	return errPaused
}

// finishJob transitions the job to a terminal state, seals the audit
// sub-chain, and persists the outcome.
func (o *Orchestrator) finishJob(ctx context.Context, job *model.SyncJob, status model.JobStatus, cause error) error {
	if cause != nil {
		job.LastError = cause.Error()
	}
	if err := job.Transition(status); err != nil {
		o.logger.Error("Illegal terminal transition", zap.String("job_id", job.ID), zap.Error(err))
		job.Status = status
		now := time.Now().UTC()
		job.EndedAt = &now
	}
	if err := o.store.UpdateJob(ctx, job); err != nil {
		return err
	}

	eventType := "job_completed"
	switch status {
	case model.JobStatusFailed:
		eventType = "job_failed"
	case model.JobStatusCancelled:
		eventType = "job_cancelled"
	}
	o.auditEvent(job, eventType, map[string]interface{}{
		"records_applied": job.Progress.RecordsApplied,
		"records_failed":  job.Progress.RecordsFailed,
		"conflicts_total": job.Progress.ConflictsTotal,
		"last_error":      job.LastError,
	})
	// Seal the job's audit sub-chain with the final head hash.
	o.auditEvent(job, "job_chain_sealed", map[string]interface{}{
		"final_hash": o.audit.Head(),
	})

	o.logger.Info("Job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(status)),
		zap.Int64("applied", job.Progress.RecordsApplied),
		zap.Int64("failed", job.Progress.RecordsFailed))
	if cause != nil {
		return cause
	}
	return nil
}

// Pause moves a running job to paused at the next batch boundary. The
// transition is persisted immediately so status reads reflect it.
func (o *Orchestrator) Pause(ctx context.Context, jobID string) (*model.SyncJob, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := job.Transition(model.JobStatusPaused); err != nil {
		return nil, err
	}
	if err := o.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if ctrl, ok := o.controls[jobID]; ok {
		ctrl.requestPause()
	}
	o.mu.Unlock()

	o.auditEvent(job, "job_paused", nil)
	return job, nil
}

// Resume moves a paused job back to running and re-enqueues it.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) (*model.SyncJob, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := job.Transition(model.JobStatusRunning); err != nil {
		return nil, err
	}
	if err := o.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}

	o.mu.Lock()
	ctrl, running := o.controls[jobID]
	o.mu.Unlock()
	if running {
		ctrl.requestResume()
	} else {
		select {
		case o.jobCh <- jobID:
		default:
			return nil, fmt.Errorf("job queue is full")
		}
	}

	o.auditEvent(job, "job_resumed", nil)
	return job, nil
}

// Cancel requests cooperative cancellation.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*model.SyncJob, error) {
	o.mu.Lock()
	ctrl, running := o.controls[jobID]
	o.mu.Unlock()

	if running {
		ctrl.requestCancel()
		return o.store.GetJob(ctx, jobID)
	}

	// Not in flight: cancel directly.
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := job.Transition(model.JobStatusCancelled); err != nil {
		return nil, err
	}
	if err := o.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	o.auditEvent(job, "job_cancelled", nil)
	return job, nil
}

// ResolveConflict settles one open conflict and applies the winning value
// to the target.
func (o *Orchestrator) ResolveConflict(ctx context.Context, jobID, conflictID string, resolution model.Resolution, principal string) (*model.Conflict, error) {
	c, err := o.store.GetConflict(ctx, jobID, conflictID)
	if err != nil {
		return nil, err
	}

	rt, err := o.newRuntime()
	if err != nil {
		return nil, err
	}
	outcome, err := rt.resolver.ResolveAs(c, resolution, principal)
	if err != nil {
		return nil, err
	}

	switch {
	case outcome.Delete:
		if err := o.applyResolution(ctx, rt, c, model.ChangeDelete, nil); err != nil {
			return nil, err
		}
	case outcome.Apply != nil:
		if err := o.applyResolution(ctx, rt, c, model.ChangeUpdate, outcome.Apply); err != nil {
			return nil, err
		}
	}
	if err := o.store.UpdateConflict(ctx, c); err != nil {
		return nil, err
	}

	job := &model.SyncJob{ID: jobID, Principal: principal}
	o.auditEvent(job, "conflict_resolved", map[string]interface{}{
		"conflict_id": c.ID,
		"table":       c.Table,
		"pk":          c.PKDisplay,
		"resolution":  string(outcome.Resolution),
	})
	return c, nil
}

// ResolveAllConflicts settles every open conflict for a job with one
// resolution strategy.
func (o *Orchestrator) ResolveAllConflicts(ctx context.Context, jobID string, resolution model.Resolution, principal string) (int, error) {
	open, err := o.store.ListConflicts(ctx, jobID, model.ConflictOpen)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, c := range open {
		if _, err := o.ResolveConflict(ctx, jobID, c.ID, resolution, principal); err != nil {
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}

// applyResolution writes a conflict's winning side to the target: an upsert
// of the winning record, or a delete when the source side won with no row.
func (o *Orchestrator) applyResolution(ctx context.Context, rt *jobRuntime, c *model.Conflict, kind model.ChangeKind, winning model.Record) error {
	inspector := schema.NewInspector(o.target)
	meta, err := inspector.LoadTableMetadata(ctx, c.Table)
	if err != nil {
		return err
	}
	tcfg := rt.mapping.TableFor(c.Table)
	pkColumns, err := pkColumnsFor(meta, tcfg)
	if err != nil {
		return err
	}

	ta := &tableApply{
		job:        &model.SyncJob{ID: c.JobID},
		op:         &model.TableOp{JobID: c.JobID, Table: c.Table, IncludedColumns: includedColumnsFor(meta, rt.mapping, pkColumns)},
		meta:       meta,
		tcfg:       tcfg,
		pkColumns:  pkColumns,
		san:        rt.sanitizer,
		res:        rt.resolver,
		blockedPKs: make(map[string]bool),
	}
	return o.runInTx(ctx, func(tx *sql.Tx) error {
		return o.writeRecord(ctx, tx, ta, kind, c.PK, winning)
	})
}

// Validator builds a schema validator over the live mapping, for ad-hoc
// validation requests from the control surface.
func (o *Orchestrator) Validator() *schema.Validator {
	return schema.NewValidator(o.source, o.target, o.mapping, o.logger)
}

// AuditDir exposes the configured audit directory.
func (o *Orchestrator) AuditDir() string {
	return o.opts.AuditDir
}

// ComponentHealth is one entry of the health check.
type ComponentHealth struct {
	Status string `json:"status"` // ok | degraded | down
	Detail string `json:"detail,omitempty"`
}

// Health pings each collaborator and reports per-component status.
func (o *Orchestrator) Health(ctx context.Context) map[string]ComponentHealth {
	out := make(map[string]ComponentHealth)

	check := func(name string, conn connector.DatabaseConnector) {
		if err := connector.PingWithTimeout(ctx, conn.DB(), 5*time.Second); err != nil {
			out[name] = ComponentHealth{Status: "down", Detail: err.Error()}
			return
		}
		out[name] = ComponentHealth{Status: "ok"}
	}
	check("source", o.source)
	check("target", o.target)

	o.mu.Lock()
	suspect := o.chainSuspect
	o.mu.Unlock()
	if suspect {
		out["audit"] = ComponentHealth{Status: "degraded", Detail: "chain integrity suspect"}
	} else {
		out["audit"] = ComponentHealth{Status: "ok"}
	}
	return out
}

// auditEvent writes one event, carrying the job's principal as the actor.
// An audit write failure marks the chain suspect and is surfaced in logs;
// it never panics the engine mid-batch.
func (o *Orchestrator) auditEvent(job *model.SyncJob, eventType string, payload map[string]interface{}) {
	actor := job.Principal
	if actor == "" {
		actor = "system"
	}
	category := categoryForEvent(eventType)
	if _, err := o.audit.Append(job.ID, actor, category, eventType, payload); err != nil {
		o.logger.Error("Audit append failed",
			zap.String("job_id", job.ID),
			zap.String("event_type", eventType),
			zap.Error(err))
		o.mu.Lock()
		o.chainSuspect = true
		o.mu.Unlock()
	}
}

func categoryForEvent(eventType string) audit.Category {
	switch eventType {
	case "record_applied", "record_failed":
		return audit.CategoryDataModification
	case "conflict_detected", "conflict_resolved":
		return audit.CategoryDataModification
	case "schema_validation_err":
		return audit.CategorySystem
	case "job_submitted", "job_paused", "job_resumed", "job_cancelled":
		return audit.CategoryAdministrative
	case "chain_integrity_failed":
		return audit.CategorySecurity
	default:
		return audit.CategorySystem
	}
}

// pkColumnsFor resolves key columns: mapping override, then schema keys.
func pkColumnsFor(meta *model.TableMetadata, tcfg *config.TableConfig) ([]string, error) {
	if tcfg != nil && len(tcfg.PKColumns) > 0 {
		return tcfg.PKColumns, nil
	}
	if len(meta.PrimaryKeys) > 0 {
		return meta.PrimaryKeys, nil
	}
	return nil, fmt.Errorf("table %s has no primary key and no configured key columns", meta.Table)
}

// includedColumnsFor filters columns through the mapping's direction rules.
func includedColumnsFor(meta *model.TableMetadata, mapping *config.Mapping, pkColumns []string) []string {
	pkSet := make(map[string]bool, len(pkColumns))
	for _, c := range pkColumns {
		pkSet[c] = true
	}
	var cols []string
	for _, col := range meta.Columns {
		if pkSet[col.Name] {
			cols = append(cols, col.Name)
			continue
		}
		fc := mapping.FieldFor(meta.Table, col.Name)
		if fc != nil && fc.Direction == config.DirectionUp {
			continue
		}
		cols = append(cols, col.Name)
	}
	return cols
}
