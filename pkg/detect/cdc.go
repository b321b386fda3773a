// pkg/detect/cdc.go
package detect

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/parcelpoint/syncd/pkg/config"
	"github.com/parcelpoint/syncd/pkg/model"
)

// cdcEntry is one row of a change-capture table, as written by the capture
// triggers on the source side.
type cdcEntry struct {
	Operation string
	Timestamp time.Time
	Data      model.Record
}

// detectByCDC reads the table's change-capture companion table
// (<prefix>_<table>) and folds its entries, newest wins, into a change set.
// Any structural problem with the capture table is returned to the caller,
// which falls over to the hash strategy.
func (d *Detector) detectByCDC(
	ctx context.Context,
	meta *model.TableMetadata,
	tcfg *config.TableConfig,
	pkColumns []string,
	lastSync *time.Time,
) (*model.ChangeSet, error) {
	cdcTable := fmt.Sprintf("%s_%s", d.opts.CDCTablePrefix, meta.Table)

	entries, err := d.fetchCDCEntries(ctx, cdcTable, lastSync)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		d.logger.Debug("CDC table empty, no changes",
			zap.String("table", meta.Table),
			zap.String("cdc_table", cdcTable))
		return &model.ChangeSet{Table: meta.Table}, nil
	}

	// Fold by primary key keeping the latest entry. Entries arrive ordered
	// by capture timestamp, so a later row replaces an earlier one.
	type folded struct {
		op string
		pk model.PKValue
	}
	latest := make(map[string]folded)
	for _, e := range entries {
		pk, err := model.PKFromRecord(e.Data, pkColumns)
		if err != nil {
			return nil, fmt.Errorf("cdc table %s: %w", cdcTable, err)
		}
		latest[pk.String()] = folded{op: e.Operation, pk: pk}
	}

	cs := &model.ChangeSet{Table: meta.Table}
	included := d.includedColumns(meta, pkColumns)

	var insertPKs, updatePKs []model.PKValue
	for _, f := range latest {
		switch f.op {
		case "INSERT", "insert":
			insertPKs = append(insertPKs, f.pk)
		case "UPDATE", "update":
			updatePKs = append(updatePKs, f.pk)
		case "DELETE", "delete":
			cs.Deletes = append(cs.Deletes, model.ChangeRecord{Kind: model.ChangeDelete, PK: f.pk})
		default:
			return nil, fmt.Errorf("cdc table %s carries unknown operation %q", cdcTable, f.op)
		}
	}

	// Re-read live rows rather than trusting captured payloads: the capture
	// entry may predate further edits, and a captured insert may since have
	// been deleted.
	insertRows, err := d.fetchRecordsByPK(ctx, d.source, meta, pkColumns, included, insertPKs)
	if err != nil {
		return nil, err
	}
	for _, pk := range insertPKs {
		rec, ok := insertRows[pk.String()]
		if !ok {
			cs.Deletes = append(cs.Deletes, model.ChangeRecord{Kind: model.ChangeDelete, PK: pk})
			continue
		}
		cs.Inserts = append(cs.Inserts, model.ChangeRecord{Kind: model.ChangeInsert, PK: pk, Row: rec})
	}

	updates, err := d.verifyUpdates(ctx, meta, pkColumns, included, updatePKs)
	if err != nil {
		return nil, err
	}
	cs.Updates = updates

	return cs, nil
}

// buildCDCQuery renders the capture-table read. Entries at or before the
// last sync were consumed by a previous job; without the watermark a prune
// failure or shared capture table would replay old operations.
func buildCDCQuery(cdcTable string, since *time.Time) (string, []interface{}) {
	query := fmt.Sprintf(
		"SELECT operation_type, operation_timestamp, record_data FROM %s",
		quoteIdent(cdcTable),
	)
	var args []interface{}
	if since != nil {
		query += " WHERE operation_timestamp > $1"
		args = append(args, *since)
	}
	return query + " ORDER BY operation_timestamp", args
}

// fetchCDCEntries reads the capture table ordered by capture time.
func (d *Detector) fetchCDCEntries(ctx context.Context, cdcTable string, since *time.Time) ([]cdcEntry, error) {
	query, args := buildCDCQuery(cdcTable, since)

	rows, cancel, err := d.source.QueryWithTimeout(ctx, query, d.opts.OperationTimeout, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read cdc table %s: %w", cdcTable, err)
	}
	defer cancel()
	defer rows.Close()

	var entries []cdcEntry
	for rows.Next() {
		var (
			op   string
			ts   time.Time
			data sql.RawBytes
		)
		if err := rows.Scan(&op, &ts, &data); err != nil {
			return nil, fmt.Errorf("failed to scan cdc entry: %w", err)
		}

		var rec model.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("cdc table %s has malformed record_data: %w", cdcTable, err)
		}
		entries = append(entries, cdcEntry{Operation: op, Timestamp: ts, Data: rec})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cdc table %s: %w", cdcTable, err)
	}
	return entries, nil
}

// PruneCDCEntries removes consumed capture rows up to the given watermark.
// Called by the orchestrator after a table operation commits.
func (d *Detector) PruneCDCEntries(ctx context.Context, table string, upTo time.Time) error {
	cdcTable := fmt.Sprintf("%s_%s", d.opts.CDCTablePrefix, table)
	query := fmt.Sprintf("DELETE FROM %s WHERE operation_timestamp <= $1", quoteIdent(cdcTable))

	result, err := d.source.ExecWithTimeout(ctx, query, d.opts.OperationTimeout, upTo)
	if err != nil {
		return fmt.Errorf("failed to prune cdc table %s: %w", cdcTable, err)
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		d.logger.Debug("Pruned consumed cdc entries",
			zap.String("cdc_table", cdcTable),
			zap.Int64("rows", n))
	}
	return nil
}
