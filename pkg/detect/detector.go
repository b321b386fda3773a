// pkg/detect/detector.go
package detect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/parcelpoint/syncd/pkg/config"
	"github.com/parcelpoint/syncd/pkg/connector"
	"github.com/parcelpoint/syncd/pkg/handler"
	"github.com/parcelpoint/syncd/pkg/model"
	"github.com/parcelpoint/syncd/pkg/sanitize"
)

// Detector computes the row-level difference between the source and target
// copies of a table using one of five strategies.
type Detector struct {
	source   connector.DatabaseConnector
	target   connector.DatabaseConnector
	registry *handler.Registry
	mapping  *config.Mapping
	san      *sanitize.Sanitizer
	opts     config.Options
	logger   *zap.Logger
}

// NewDetector creates a change detector over a source/target pair. The
// sanitizer matters for correctness, not just redaction: the target stores
// sanitized values, so the source must be compared through the same rules
// or every sanitized row looks permanently modified.
func NewDetector(
	source, target connector.DatabaseConnector,
	registry *handler.Registry,
	mapping *config.Mapping,
	san *sanitize.Sanitizer,
	opts config.Options,
	logger *zap.Logger,
) *Detector {
	return &Detector{
		source:   source,
		target:   target,
		registry: registry,
		mapping:  mapping,
		san:      san,
		opts:     opts,
		logger:   logger,
	}
}

// ResolveStrategy picks the effective strategy for a table: table override
// first, then the configured default.
func (d *Detector) ResolveStrategy(tcfg *config.TableConfig) string {
	if tcfg != nil && tcfg.Strategy != "" {
		return tcfg.Strategy
	}
	return d.opts.DetectionStrategy
}

// pkColumnsFor resolves the primary-key column list: a mapping override wins
// over the introspected schema keys.
func (d *Detector) pkColumnsFor(meta *model.TableMetadata, tcfg *config.TableConfig) ([]string, error) {
	if tcfg != nil && len(tcfg.PKColumns) > 0 {
		return tcfg.PKColumns, nil
	}
	if len(meta.PrimaryKeys) > 0 {
		return meta.PrimaryKeys, nil
	}
	return nil, fmt.Errorf("table %s has no primary key and no configured key columns", meta.Table)
}

// timestampColumnFor finds a field with the timestamp key role, if configured.
func (d *Detector) timestampColumnFor(table string) string {
	for _, f := range d.mapping.FieldsFor(table) {
		if f.KeyRole == config.KeyRoleTimestamp {
			return f.Field
		}
	}
	return ""
}

// DetectChanges runs the named strategy and returns the ordered change set.
// Strategies with a failover path (timestamp, cdc) degrade with a logged
// warning rather than failing the table operation.
func (d *Detector) DetectChanges(
	ctx context.Context,
	meta *model.TableMetadata,
	tcfg *config.TableConfig,
	strategy string,
	lastSync *time.Time,
) (*model.ChangeSet, error) {
	pkColumns, err := d.pkColumnsFor(meta, tcfg)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var cs *model.ChangeSet

	switch strategy {
	case "pk":
		cs, err = d.detectByPK(ctx, meta, tcfg, pkColumns)
	case "timestamp":
		tsCol := d.timestampColumnFor(meta.Table)
		if !timestampUsable(meta, tsCol, lastSync) {
			d.logger.Warn("No usable timestamp watermark, falling over to pk strategy",
				zap.String("table", meta.Table),
				zap.String("timestamp_column", tsCol),
				zap.Bool("have_last_sync", lastSync != nil))
			cs, err = d.detectByPK(ctx, meta, tcfg, pkColumns)
		} else {
			cs, err = d.detectByTimestamp(ctx, meta, tcfg, pkColumns, tsCol, *lastSync)
		}
	case "content":
		cs, err = d.detectByContent(ctx, meta, tcfg, pkColumns, true)
	case "hash":
		cs, err = d.detectByContent(ctx, meta, tcfg, pkColumns, false)
	case "cdc":
		cs, err = d.detectByCDC(ctx, meta, tcfg, pkColumns, lastSync)
		if err != nil {
			d.logger.Warn("CDC detection failed, falling over to hash strategy",
				zap.String("table", meta.Table),
				zap.Error(err))
			cs, err = d.detectByContent(ctx, meta, tcfg, pkColumns, false)
		}
	default:
		return nil, fmt.Errorf("unknown detection strategy %q", strategy)
	}
	if err != nil {
		return nil, err
	}

	cs = d.applyDeletePolicy(cs, tcfg)
	sortChanges(cs.Inserts)
	sortChanges(cs.Updates)
	sortChanges(cs.Deletes)

	d.logger.Info("Change detection complete",
		zap.String("table", meta.Table),
		zap.String("strategy", strategy),
		zap.Int("inserts", len(cs.Inserts)),
		zap.Int("updates", len(cs.Updates)),
		zap.Int("deletes", len(cs.Deletes)),
		zap.Duration("duration", time.Since(start)))
	return cs, nil
}

// includedColumns filters the table's columns through the mapping: fields
// declared with the down direction never leave the source unexamined, but
// fields restricted to up flow are excluded from source→target detection.
func (d *Detector) includedColumns(meta *model.TableMetadata, pkColumns []string) []string {
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
		fc := d.mapping.FieldFor(meta.Table, col.Name)
		if fc != nil && fc.Direction == config.DirectionUp {
			continue
		}
		cols = append(cols, col.Name)
	}
	return cols
}

// detectByPK compares key sets only. Rows present on both sides are assumed
// unchanged; this is the cheapest strategy and the failover floor.
func (d *Detector) detectByPK(
	ctx context.Context,
	meta *model.TableMetadata,
	tcfg *config.TableConfig,
	pkColumns []string,
) (*model.ChangeSet, error) {
	sourcePKs, err := d.fetchPKSet(ctx, d.source, meta.Table, pkColumns)
	if err != nil {
		return nil, fmt.Errorf("source pk scan failed: %w", err)
	}
	targetPKs, err := d.fetchPKSet(ctx, d.target, meta.Table, pkColumns)
	if err != nil {
		return nil, fmt.Errorf("target pk scan failed: %w", err)
	}

	cs := &model.ChangeSet{Table: meta.Table}

	var insertPKs []model.PKValue
	for key, pk := range sourcePKs {
		if _, ok := targetPKs[key]; !ok {
			insertPKs = append(insertPKs, pk)
		}
	}
	for key, pk := range targetPKs {
		if _, ok := sourcePKs[key]; !ok {
			cs.Deletes = append(cs.Deletes, model.ChangeRecord{Kind: model.ChangeDelete, PK: pk})
		}
	}

	included := d.includedColumns(meta, pkColumns)
	inserts, err := d.fetchRecordsByPK(ctx, d.source, meta, pkColumns, included, insertPKs)
	if err != nil {
		return nil, err
	}
	for _, pk := range insertPKs {
		if rec, ok := inserts[pk.String()]; ok {
			cs.Inserts = append(cs.Inserts, model.ChangeRecord{Kind: model.ChangeInsert, PK: pk, Row: rec})
		}
	}
	return cs, nil
}

// timestampUsable reports whether the timestamp strategy can run: it needs
// both a mapped timestamp column and a last-sync watermark. A first run has
// no watermark, so every shared row would be a candidate anyway; the pk
// strategy handles that case without the extra timestamp scan.
func timestampUsable(meta *model.TableMetadata, tsColumn string, lastSync *time.Time) bool {
	return tsColumn != "" && meta.GetColumnByName(tsColumn) != nil && lastSync != nil
}

// detectByTimestamp narrows the candidate set to rows whose timestamp column
// moved past the last successful sync, then verifies candidates by content.
// Key-set membership still determines inserts and deletes: a timestamp never
// reveals a vanished row.
func (d *Detector) detectByTimestamp(
	ctx context.Context,
	meta *model.TableMetadata,
	tcfg *config.TableConfig,
	pkColumns []string,
	tsColumn string,
	lastSync time.Time,
) (*model.ChangeSet, error) {
	sourcePKs, err := d.fetchPKSet(ctx, d.source, meta.Table, pkColumns)
	if err != nil {
		return nil, fmt.Errorf("source pk scan failed: %w", err)
	}
	targetPKs, err := d.fetchPKSet(ctx, d.target, meta.Table, pkColumns)
	if err != nil {
		return nil, fmt.Errorf("target pk scan failed: %w", err)
	}

	cs := &model.ChangeSet{Table: meta.Table}
	included := d.includedColumns(meta, pkColumns)

	var insertPKs []model.PKValue
	for key, pk := range sourcePKs {
		if _, ok := targetPKs[key]; !ok {
			insertPKs = append(insertPKs, pk)
		}
	}
	for key, pk := range targetPKs {
		if _, ok := sourcePKs[key]; !ok {
			cs.Deletes = append(cs.Deletes, model.ChangeRecord{Kind: model.ChangeDelete, PK: pk})
		}
	}

	inserted, err := d.fetchRecordsByPK(ctx, d.source, meta, pkColumns, included, insertPKs)
	if err != nil {
		return nil, err
	}
	for _, pk := range insertPKs {
		if rec, ok := inserted[pk.String()]; ok {
			cs.Inserts = append(cs.Inserts, model.ChangeRecord{Kind: model.ChangeInsert, PK: pk, Row: rec})
		}
	}

	// Candidate updates: rows touched strictly after the watermark.
	var candidatePKs []model.PKValue
	touched, err := d.fetchTouchedPKs(ctx, meta.Table, pkColumns, tsColumn, lastSync)
	if err != nil {
		return nil, err
	}
	for _, pk := range touched {
		if _, ok := targetPKs[pk.String()]; ok {
			candidatePKs = append(candidatePKs, pk)
		}
	}

	updates, err := d.verifyUpdates(ctx, meta, pkColumns, included, candidatePKs)
	if err != nil {
		return nil, err
	}
	cs.Updates = updates
	return cs, nil
}

// fetchTouchedPKs returns keys of source rows with a timestamp strictly
// after the watermark. The watermark is a completed job's end time, so rows
// at the boundary were already synced.
func (d *Detector) fetchTouchedPKs(
	ctx context.Context,
	table string,
	pkColumns []string,
	tsColumn string,
	since time.Time,
) ([]model.PKValue, error) {
	query := buildTouchedQuery(table, pkColumns, tsColumn)

	rows, cancel, err := d.source.QueryWithTimeout(ctx, query, d.opts.OperationTimeout, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query touched rows: %w", err)
	}
	defer cancel()
	defer rows.Close()

	var pks []model.PKValue
	for rows.Next() {
		rec, err := scanRecord(rows, pkColumns)
		if err != nil {
			return nil, err
		}
		pk, err := model.PKFromRecord(rec, pkColumns)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", table, err)
		}
		pks = append(pks, pk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating touched rows: %w", err)
	}
	return pks, nil
}

func buildTouchedQuery(table string, pkColumns []string, tsColumn string) string {
	return fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s > $1",
		strings.Join(quoteIdents(pkColumns), ", "),
		quoteIdent(table),
		quoteIdent(tsColumn),
	)
}

// verifyUpdates re-reads candidate rows from both sides and keeps only those
// whose content actually differs under the type handlers. The target content
// hash at read time becomes the conflict baseline.
func (d *Detector) verifyUpdates(
	ctx context.Context,
	meta *model.TableMetadata,
	pkColumns []string,
	included []string,
	candidatePKs []model.PKValue,
) ([]model.ChangeRecord, error) {
	if len(candidatePKs) == 0 {
		return nil, nil
	}

	sourceRows, err := d.fetchRecordsByPK(ctx, d.source, meta, pkColumns, included, candidatePKs)
	if err != nil {
		return nil, err
	}
	targetRows, err := d.fetchRecordsByPK(ctx, d.target, meta, pkColumns, included, candidatePKs)
	if err != nil {
		return nil, err
	}

	var updates []model.ChangeRecord
	for _, pk := range candidatePKs {
		src, ok := sourceRows[pk.String()]
		if !ok {
			continue
		}
		tgt, ok := targetRows[pk.String()]
		if !ok {
			continue
		}
		if !d.changedUnderSanitization(meta, included, src, tgt) {
			continue
		}
		updates = append(updates, model.ChangeRecord{
			Kind:     model.ChangeUpdate,
			PK:       pk,
			Row:      src,
			Baseline: RowHash(d.registry, meta, tgt),
		})
	}
	return updates, nil
}

// changedUnderSanitization compares a raw source row against the stored
// target row through the table's sanitization rules: deterministic rules are
// applied to the source first, and fields under a non-deterministic rule are
// left out of the comparison entirely. Comparing the raw source directly
// would re-flag every sanitized row on every incremental run.
func (d *Detector) changedUnderSanitization(meta *model.TableMetadata, included []string, src, tgt model.Record) bool {
	cols := d.comparableColumns(meta.Table, included)
	return !d.recordsEqual(meta, cols, d.sanitizedView(meta.Table, src), tgt)
}

// sanitizedView is the source row as apply would store it, under the
// deterministic rules only.
func (d *Detector) sanitizedView(table string, rec model.Record) model.Record {
	if d.san == nil || !d.san.HasRules(table, rec.Columns()) {
		return rec
	}
	return d.san.ApplyDeterministic(table, rec)
}

func (d *Detector) comparableColumns(table string, included []string) []string {
	if d.san == nil {
		return included
	}
	return d.san.ComparableColumns(table, included)
}

// recordsEqual compares two rows column by column through the handler
// registry, so representation differences (key order, spacing, timezone
// rendering) never count as changes.
func (d *Detector) recordsEqual(meta *model.TableMetadata, included []string, a, b model.Record) bool {
	for _, name := range included {
		col := meta.GetColumnByName(name)
		if col == nil {
			continue
		}
		if !d.registry.Equal(*col, a[name], b[name]) {
			return false
		}
	}
	return true
}

// detectByContent streams both tables computing a content hash per row, then
// re-fetches only the differing rows. With exact set, updates are confirmed
// by per-column handler comparison instead of trusting the hash alone.
func (d *Detector) detectByContent(
	ctx context.Context,
	meta *model.TableMetadata,
	tcfg *config.TableConfig,
	pkColumns []string,
	exact bool,
) (*model.ChangeSet, error) {
	included := d.includedColumns(meta, pkColumns)
	cmpCols := d.comparableColumns(meta.Table, included)

	// Source hashes live in sanitized space so they line up with what apply
	// stored on the target. Baselines stay in raw target space; the applier
	// re-hashes the live target row when checking for conflicts.
	sourceHashes := make(map[string]string)
	sourcePKs := make(map[string]model.PKValue)
	err := d.streamTable(ctx, d.source, meta, pkColumns, included, func(pk model.PKValue, rec model.Record) error {
		view := d.sanitizedView(meta.Table, rec)
		sourceHashes[pk.String()] = RowHash(d.registry, meta, projectRecord(view, cmpCols))
		sourcePKs[pk.String()] = pk
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("source content scan failed: %w", err)
	}

	targetHashes := make(map[string]string)
	targetBaselines := make(map[string]string)
	targetPKs := make(map[string]model.PKValue)
	err = d.streamTable(ctx, d.target, meta, pkColumns, included, func(pk model.PKValue, rec model.Record) error {
		targetHashes[pk.String()] = RowHash(d.registry, meta, projectRecord(rec, cmpCols))
		targetBaselines[pk.String()] = RowHash(d.registry, meta, rec)
		targetPKs[pk.String()] = pk
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("target content scan failed: %w", err)
	}

	cs := &model.ChangeSet{Table: meta.Table}

	var insertPKs, changedPKs []model.PKValue
	for key, srcHash := range sourceHashes {
		tgtHash, ok := targetHashes[key]
		if !ok {
			insertPKs = append(insertPKs, sourcePKs[key])
			continue
		}
		if srcHash != tgtHash {
			changedPKs = append(changedPKs, sourcePKs[key])
		}
	}
	for key, pk := range targetPKs {
		if _, ok := sourceHashes[key]; !ok {
			cs.Deletes = append(cs.Deletes, model.ChangeRecord{
				Kind:     model.ChangeDelete,
				PK:       pk,
				Baseline: targetBaselines[key],
			})
		}
	}

	inserts, err := d.fetchRecordsByPK(ctx, d.source, meta, pkColumns, included, insertPKs)
	if err != nil {
		return nil, err
	}
	for _, pk := range insertPKs {
		if rec, ok := inserts[pk.String()]; ok {
			cs.Inserts = append(cs.Inserts, model.ChangeRecord{Kind: model.ChangeInsert, PK: pk, Row: rec})
		}
	}

	if exact {
		updates, err := d.verifyUpdates(ctx, meta, pkColumns, included, changedPKs)
		if err != nil {
			return nil, err
		}
		cs.Updates = updates
	} else {
		changedRows, err := d.fetchRecordsByPK(ctx, d.source, meta, pkColumns, included, changedPKs)
		if err != nil {
			return nil, err
		}
		for _, pk := range changedPKs {
			rec, ok := changedRows[pk.String()]
			if !ok {
				continue
			}
			cs.Updates = append(cs.Updates, model.ChangeRecord{
				Kind:     model.ChangeUpdate,
				PK:       pk,
				Row:      rec,
				Baseline: targetBaselines[pk.String()],
			})
		}
	}
	return cs, nil
}

// applyDeletePolicy rewrites the delete direction per the table's policy.
// Propagate keeps deletes as-is, ignore drops them, tombstone converts each
// into an update that sets the tombstone field instead of removing the row.
func (d *Detector) applyDeletePolicy(cs *model.ChangeSet, tcfg *config.TableConfig) *model.ChangeSet {
	policy := config.DeletePropagate
	if tcfg != nil && tcfg.DeletePolicy != "" {
		policy = tcfg.DeletePolicy
	}

	switch policy {
	case config.DeleteIgnore:
		if len(cs.Deletes) > 0 {
			d.logger.Info("Dropping deletes per table delete policy",
				zap.String("table", cs.Table),
				zap.Int("count", len(cs.Deletes)))
		}
		cs.Deletes = nil
	case config.DeleteTombstone:
		tombstoneField := ""
		for _, f := range d.mapping.FieldsFor(cs.Table) {
			if f.KeyRole == config.KeyRoleTombstone {
				tombstoneField = f.Field
				break
			}
		}
		if tombstoneField == "" {
			d.logger.Warn("Tombstone delete policy without a tombstone field, propagating deletes",
				zap.String("table", cs.Table))
			return cs
		}
		for _, del := range cs.Deletes {
			cs.Updates = append(cs.Updates, model.ChangeRecord{
				Kind:     model.ChangeUpdate,
				PK:       del.PK,
				Row:      model.Record{tombstoneField: true},
				Baseline: del.Baseline,
			})
		}
		cs.Deletes = nil
	}
	return cs
}
