// pkg/orchestrator/applier.go
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/parcelpoint/syncd/pkg/config"
	"github.com/parcelpoint/syncd/pkg/conflict"
	"github.com/parcelpoint/syncd/pkg/detect"
	"github.com/parcelpoint/syncd/pkg/model"
	"github.com/parcelpoint/syncd/pkg/sanitize"
)

// applyStats accumulates the outcome of applying one change set.
type applyStats struct {
	applied        int64
	failed         int64
	conflictsTotal int
	conflictsOpen  int
	failures       []RecordFailure
}

// tableApply carries the per-table state for one apply pass: metadata, key
// columns, the job's snapshotted collaborators, and the set of primary
// keys blocked by open conflicts.
type tableApply struct {
	job       *model.SyncJob
	op        *model.TableOp
	meta      *model.TableMetadata
	tcfg      *config.TableConfig
	pkColumns []string
	san       *sanitize.Sanitizer
	res       *conflict.Resolver
	// blockedPKs holds keys with an open conflict; later writes to the
	// same key within this job are skipped.
	blockedPKs map[string]bool
	stats      applyStats

	// Side effects of in-flight batches are buffered here and persisted
	// only after the batch commits, so a rollback leaves no trace.
	sanEntries []sanitize.Entry
	conflicts  []*model.Conflict
	auditQueue []auditItem

	// Counter snapshots taken when this table op started, so per-table
	// stats add onto the job's running totals.
	baseApplied   int64
	baseFailed    int64
	baseConflicts int
	baseOpen      int
}

type auditItem struct {
	eventType string
	payload   map[string]interface{}
}

// applySnapshot captures the restorable portion of a tableApply so a failed
// batch can be unwound before per-row isolation.
type applySnapshot struct {
	stats      applyStats
	sanEntries []sanitize.Entry
	conflicts  []*model.Conflict
	auditQueue []auditItem
}

func (ta *tableApply) snapshot() applySnapshot {
	s := applySnapshot{
		stats:      ta.stats,
		sanEntries: ta.sanEntries[:len(ta.sanEntries):len(ta.sanEntries)],
		conflicts:  ta.conflicts[:len(ta.conflicts):len(ta.conflicts)],
		auditQueue: ta.auditQueue[:len(ta.auditQueue):len(ta.auditQueue)],
	}
	s.stats.failures = ta.stats.failures[:len(ta.stats.failures):len(ta.stats.failures)]
	return s
}

func (ta *tableApply) restore(s applySnapshot) {
	ta.stats = s.stats
	ta.sanEntries = s.sanEntries
	ta.conflicts = s.conflicts
	ta.auditQueue = s.auditQueue
}

// applyChangeSet writes a change set to the target in the order deletes,
// updates, inserts, batching each direction. Progress is persisted after
// every batch so the job is resumable; pause and cancel are honored at
// batch boundaries only.
func (o *Orchestrator) applyChangeSet(
	ctx context.Context,
	ta *tableApply,
	cs *model.ChangeSet,
	ctrl *jobControl,
) error {
	if cs.Empty() {
		return nil
	}

	directions := [][]model.ChangeRecord{cs.Deletes, cs.Updates, cs.Inserts}
	for _, records := range directions {
		for start := 0; start < len(records); start += o.opts.BatchSize {
			if err := o.checkpoint(ctx, ta.job, ctrl); err != nil {
				return err
			}

			end := start + o.opts.BatchSize
			if end > len(records) {
				end = len(records)
			}
			if err := o.applyBatch(ctx, ta, records[start:end]); err != nil {
				return err
			}

			if err := o.flushBatchState(ctx, ta); err != nil {
				return err
			}
			if o.opts.MaxRowFailures > 0 && ta.stats.failed > int64(o.opts.MaxRowFailures) {
				return fmt.Errorf("table %s exceeded %d row failures", ta.op.Table, o.opts.MaxRowFailures)
			}
		}
	}
	return nil
}

// flushBatchState persists counters and the committed batch's buffered
// side effects: sanitization entries, conflicts, and audit events.
func (o *Orchestrator) flushBatchState(ctx context.Context, ta *tableApply) error {
	ta.job.Progress.RecordsApplied = ta.baseApplied + ta.stats.applied
	ta.job.Progress.RecordsFailed = ta.baseFailed + ta.stats.failed
	ta.job.Progress.ConflictsTotal = ta.baseConflicts + ta.stats.conflictsTotal
	ta.job.Progress.ConflictsOpen = ta.baseOpen + ta.stats.conflictsOpen
	if err := o.store.UpdateJob(ctx, ta.job); err != nil {
		return err
	}
	if len(ta.sanEntries) > 0 {
		if err := o.store.AppendSanitizationEntries(ctx, ta.sanEntries); err != nil {
			return err
		}
		ta.sanEntries = nil
	}
	for _, c := range ta.conflicts {
		if err := o.store.CreateConflict(ctx, c); err != nil {
			return err
		}
	}
	ta.conflicts = nil
	for _, item := range ta.auditQueue {
		o.auditEvent(ta.job, item.eventType, item.payload)
	}
	ta.auditQueue = nil
	return nil
}

// applyBatch runs one batch inside a single target transaction. On failure
// the transaction is rolled back and the batch's records are re-applied
// individually to isolate the offending row.
func (o *Orchestrator) applyBatch(ctx context.Context, ta *tableApply, batch []model.ChangeRecord) error {
	saved := ta.snapshot()
	err := o.runInTx(ctx, func(tx *sql.Tx) error {
		for i := range batch {
			if err := o.applyOne(ctx, tx, ta, &batch[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		return nil
	}
	ta.restore(saved)
	if errors.Is(err, context.Canceled) {
		return err
	}

	o.logger.Warn("Batch failed, isolating rows",
		zap.String("job_id", ta.job.ID),
		zap.String("table", ta.op.Table),
		zap.Int("batch_size", len(batch)),
		zap.Error(err))
	return o.applyRowsIsolated(ctx, ta, batch)
}

// applyRowsIsolated re-applies a failed batch one row per transaction, with
// the per-record retry budget and exponential backoff on transient errors.
func (o *Orchestrator) applyRowsIsolated(ctx context.Context, ta *tableApply, batch []model.ChangeRecord) error {
	for i := range batch {
		rec := &batch[i]
		var lastErr error
		retries := 0

		for attempt := 0; ; attempt++ {
			saved := ta.snapshot()
			lastErr = o.runInTx(ctx, func(tx *sql.Tx) error {
				return o.applyOne(ctx, tx, ta, rec)
			})
			if lastErr == nil {
				break
			}
			ta.restore(saved)
			if errors.Is(lastErr, context.Canceled) {
				return lastErr
			}
			if Classify(lastErr) != CategoryTransient || attempt >= o.opts.RetryMax-1 {
				break
			}
			retries++
			if err := sleepCtx(ctx, backoffDelay(attempt, o.opts)); err != nil {
				return err
			}
		}

		if lastErr != nil {
			ta.stats.failed++
			failure := RecordFailure{
				Table:    ta.op.Table,
				PK:       rec.PK.Display(),
				Category: Classify(lastErr),
				Code:     failureCode(Classify(lastErr)),
				Message:  lastErr.Error(),
				Retries:  retries,
			}
			ta.stats.failures = append(ta.stats.failures, failure)
			ta.auditQueue = append(ta.auditQueue, auditItem{
				eventType: "record_failed",
				payload: map[string]interface{}{
					"table": ta.op.Table,
					"pk":    rec.PK.Display(),
					"error": lastErr.Error(),
				},
			})
			o.logger.Warn("Record failed after retries",
				zap.String("job_id", ta.job.ID),
				zap.String("table", ta.op.Table),
				zap.String("pk", rec.PK.Display()),
				zap.Int("retries", retries),
				zap.Error(lastErr))
		}
	}
	return nil
}

func failureCode(cat ErrorCategory) string {
	switch cat {
	case CategoryTransient:
		return "E_TRANSIENT"
	case CategoryConstraint:
		return "E_CONSTRAINT"
	case CategorySanitization:
		return "E_SANITIZE"
	default:
		return "E_APPLY"
	}
}

// runInTx executes fn within one target transaction with the per-operation
// timeout applied to each statement via the passed context.
func (o *Orchestrator) runInTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := o.target.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin target transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			o.logger.Error("Rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit target transaction: %w", err)
	}
	return nil
}

// applyOne writes a single change record inside tx. Conflict detection
// happens here: the current target row is read under lock and its content
// hash compared to the record's baseline.
func (o *Orchestrator) applyOne(ctx context.Context, tx *sql.Tx, ta *tableApply, rec *model.ChangeRecord) error {
	if ta.blockedPKs[rec.PK.String()] {
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, o.opts.OperationTimeout)
	defer cancel()

	if rec.Baseline != "" {
		diverged, current, err := o.checkBaseline(opCtx, tx, ta, rec)
		if err != nil {
			return err
		}
		if diverged {
			return o.handleConflict(opCtx, tx, ta, rec, current)
		}
	}

	if err := o.writeRecord(opCtx, tx, ta, rec.Kind, rec.PK, rec.Row); err != nil {
		return err
	}
	ta.stats.applied++
	ta.auditQueue = append(ta.auditQueue, auditItem{
		eventType: "record_applied",
		payload: map[string]interface{}{
			"table": ta.op.Table,
			"pk":    rec.PK.Display(),
			"kind":  string(rec.Kind),
		},
	})
	return nil
}

// checkBaseline reads the current target row under lock and reports whether
// it diverged from the baseline hash captured at detection time.
func (o *Orchestrator) checkBaseline(
	ctx context.Context,
	tx *sql.Tx,
	ta *tableApply,
	rec *model.ChangeRecord,
) (bool, model.Record, error) {
	cols := ta.op.IncludedColumns
	where, args := pkPredicate(ta.pkColumns, rec.PK, 1)
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s FOR UPDATE",
		strings.Join(quoted(cols), ", "),
		quoteIdent(ta.op.Table),
		where,
	)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return false, nil, fmt.Errorf("failed to read target row for baseline check: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		// Row vanished since detection. For deletes that is the desired
		// end state; for updates the write proceeds as an insert.
		return false, nil, rows.Err()
	}
	current, err := scanTxRecord(rows, cols)
	if err != nil {
		return false, nil, err
	}

	hash := detect.RowHash(o.registry, ta.meta, current)
	return hash != rec.Baseline, current, nil
}

// handleConflict records the divergence and applies the configured
// resolution inside the same transaction. The conflict row itself is
// buffered and persisted when the batch commits.
func (o *Orchestrator) handleConflict(
	ctx context.Context,
	tx *sql.Tx,
	ta *tableApply,
	rec *model.ChangeRecord,
	current model.Record,
) error {
	c := model.NewConflict(ta.job.ID, ta.op.Table, rec.PK, rec.Row, current)
	outcome := ta.res.Resolve(c)

	ta.stats.conflictsTotal++
	ta.conflicts = append(ta.conflicts, c)
	if outcome.Open {
		ta.stats.conflictsOpen++
		ta.blockedPKs[rec.PK.String()] = true
	}
	ta.auditQueue = append(ta.auditQueue, auditItem{
		eventType: "conflict_detected",
		payload: map[string]interface{}{
			"table":      ta.op.Table,
			"pk":         rec.PK.Display(),
			"resolution": string(outcome.Resolution),
			"open":       outcome.Open,
		},
	})
	if outcome.Open {
		return nil
	}

	switch {
	case outcome.Delete:
		if err := o.writeRecord(ctx, tx, ta, model.ChangeDelete, rec.PK, nil); err != nil {
			return err
		}
	case outcome.Apply != nil:
		if err := o.writeRecord(ctx, tx, ta, model.ChangeUpdate, rec.PK, outcome.Apply); err != nil {
			return err
		}
	default:
		// Target value stands (target_wins).
		return nil
	}
	ta.stats.applied++
	return nil
}

// writeRecord issues the DML for one change. Inserts use an upsert so
// re-applying a change set is idempotent; updates sanitize their payload
// the same way inserts do.
func (o *Orchestrator) writeRecord(
	ctx context.Context,
	tx *sql.Tx,
	ta *tableApply,
	kind model.ChangeKind,
	pk model.PKValue,
	row model.Record,
) error {
	switch kind {
	case model.ChangeDelete:
		where, args := pkPredicate(ta.pkColumns, pk, 1)
		query := fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdent(ta.op.Table), where)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		return nil

	case model.ChangeInsert, model.ChangeUpdate:
		sanitized := row
		if ta.san.HasRules(ta.op.Table, ta.op.IncludedColumns) {
			var entries []sanitize.Entry
			sanitized, entries = ta.san.SanitizeRecord(ta.op.Table, pk, row)
			for i := range entries {
				entries[i].JobID = ta.job.ID
			}
			ta.sanEntries = append(ta.sanEntries, entries...)
		}

		cols, vals, err := o.prepareValues(ta.meta, ta.op.IncludedColumns, sanitized)
		if err != nil {
			return err
		}
		query := buildUpsert(ta.op.Table, cols, ta.pkColumns)
		if _, err := tx.ExecContext(ctx, query, vals...); err != nil {
			return fmt.Errorf("%s failed: %w", kind, err)
		}
		return nil
	}
	return fmt.Errorf("unknown change kind %q", kind)
}

// prepareValues converts a normalized record into database literals through
// the handler registry, in included-column order.
func (o *Orchestrator) prepareValues(meta *model.TableMetadata, included []string, row model.Record) ([]string, []interface{}, error) {
	var (
		cols []string
		vals []interface{}
	)
	for _, name := range included {
		raw, ok := row[name]
		if !ok {
			continue
		}
		col := meta.GetColumnByName(name)
		if col == nil {
			continue
		}

		normalized, err := o.registry.Extract(*col, raw)
		if err != nil {
			// Unnormalizable values pass through raw; the target's own
			// type checks are the final word.
			normalized = raw
		}
		prepared, err := o.registry.Prepare(*col, normalized)
		if err != nil {
			prepared = raw
		}
		cols = append(cols, name)
		vals = append(vals, prepared)
	}
	if len(cols) == 0 {
		return nil, nil, fmt.Errorf("record has no writable columns")
	}
	return cols, vals, nil
}

// buildUpsert renders INSERT ... ON CONFLICT (pk) DO UPDATE for the given
// columns. Primary-key columns are never reassigned in the update clause.
func buildUpsert(table string, cols, pkColumns []string) string {
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	pkSet := make(map[string]bool, len(pkColumns))
	for _, c := range pkColumns {
		pkSet[c] = true
	}
	var assignments []string
	for _, c := range cols {
		if pkSet[c] {
			continue
		}
		assignments = append(assignments, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(c), quoteIdent(c)))
	}

	conflictAction := "DO NOTHING"
	if len(assignments) > 0 {
		conflictAction = "DO UPDATE SET " + strings.Join(assignments, ", ")
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		quoteIdent(table),
		strings.Join(quoted(cols), ", "),
		strings.Join(placeholders, ", "),
		strings.Join(quoted(pkColumns), ", "),
		conflictAction,
	)
}

// pkPredicate renders "pk1 = $n AND pk2 = $n+1" with its arguments.
func pkPredicate(pkColumns []string, pk model.PKValue, firstParam int) (string, []interface{}) {
	parts := make([]string, len(pkColumns))
	args := make([]interface{}, len(pkColumns))
	for i, col := range pkColumns {
		parts[i] = fmt.Sprintf("%s = $%d", quoteIdent(col), firstParam+i)
		args[i] = pk[i]
	}
	return strings.Join(parts, " AND "), args
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoted(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdent(n)
	}
	return out
}

// scanTxRecord reads the current row of a transaction-scoped result set.
func scanTxRecord(rows *sql.Rows, columns []string) (model.Record, error) {
	values := make([]interface{}, len(columns))
	scanArgs := make([]interface{}, len(columns))
	for i := range values {
		scanArgs[i] = &values[i]
	}
	if err := rows.Scan(scanArgs...); err != nil {
		return nil, fmt.Errorf("failed to scan target row: %w", err)
	}
	rec := make(model.Record, len(columns))
	for i, col := range columns {
		rec[col] = values[i]
	}
	return rec, nil
}
