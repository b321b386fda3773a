// pkg/detect/fetch.go
package detect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/parcelpoint/syncd/pkg/connector"
	"github.com/parcelpoint/syncd/pkg/model"
)

// scanRecord reads the current row into a Record keyed by column name.
func scanRecord(rows *sql.Rows, columns []string) (model.Record, error) {
	values := make([]interface{}, len(columns))
	scanArgs := make([]interface{}, len(columns))
	for i := range values {
		scanArgs[i] = &values[i]
	}
	if err := rows.Scan(scanArgs...); err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}

	rec := make(model.Record, len(columns))
	for i, col := range columns {
		rec[col] = values[i]
	}
	return rec, nil
}

// quoteIdent quotes a PostgreSQL identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteIdents(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdent(n)
	}
	return out
}

// fetchPKSet streams the table's primary-key tuples. Null components are
// rejected: a composite key with a null part is not a usable identity.
func (d *Detector) fetchPKSet(
	ctx context.Context,
	conn connector.DatabaseConnector,
	table string,
	pkColumns []string,
) (map[string]model.PKValue, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM %s",
		strings.Join(quoteIdents(pkColumns), ", "),
		quoteIdent(table),
	)

	rows, cancel, err := conn.QueryWithTimeout(ctx, query, d.opts.OperationTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to query primary keys: %w", err)
	}
	defer cancel()
	defer rows.Close()

	pks := make(map[string]model.PKValue)
	for rows.Next() {
		rec, err := scanRecord(rows, pkColumns)
		if err != nil {
			return nil, err
		}
		pk, err := model.PKFromRecord(rec, pkColumns)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", table, err)
		}
		pks[pk.String()] = pk
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating primary keys: %w", err)
	}
	return pks, nil
}

// fetchRecordsByPK fetches full records for the given primary keys in
// batches, keeping each query's parameter list bounded by the batch size.
func (d *Detector) fetchRecordsByPK(
	ctx context.Context,
	conn connector.DatabaseConnector,
	meta *model.TableMetadata,
	pkColumns []string,
	includedColumns []string,
	pks []model.PKValue,
) (map[string]model.Record, error) {
	out := make(map[string]model.Record, len(pks))
	if len(pks) == 0 {
		return out, nil
	}

	batchSize := d.opts.BatchSize
	for start := 0; start < len(pks); start += batchSize {
		end := start + batchSize
		if end > len(pks) {
			end = len(pks)
		}
		batch := pks[start:end]

		query, args := buildPKSelect(meta.Table, includedColumns, pkColumns, batch)
		rows, cancel, err := conn.QueryWithTimeout(ctx, query, d.opts.OperationTimeout, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch records by pk: %w", err)
		}

		err = func() error {
			defer cancel()
			defer rows.Close()
			for rows.Next() {
				rec, err := scanRecord(rows, includedColumns)
				if err != nil {
					return err
				}
				pk, err := model.PKFromRecord(rec, pkColumns)
				if err != nil {
					return fmt.Errorf("table %s: %w", meta.Table, err)
				}
				out[pk.String()] = rec
			}
			if err := rows.Err(); err != nil {
				return fmt.Errorf("error iterating fetched records: %w", err)
			}
			return nil
		}()
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

// buildPKSelect constructs a SELECT with a (pk...) IN ((...),(...)) clause
// for a batch of keys. Composite keys use row-value comparison.
func buildPKSelect(table string, included, pkColumns []string, pks []model.PKValue) (string, []interface{}) {
	var args []interface{}
	tuples := make([]string, len(pks))
	param := 1
	for i, pk := range pks {
		placeholders := make([]string, len(pk))
		for j, v := range pk {
			placeholders[j] = fmt.Sprintf("$%d", param)
			args = append(args, v)
			param++
		}
		tuples[i] = "(" + strings.Join(placeholders, ", ") + ")"
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE (%s) IN (%s)",
		strings.Join(quoteIdents(included), ", "),
		quoteIdent(table),
		strings.Join(quoteIdents(pkColumns), ", "),
		strings.Join(tuples, ", "),
	)
	return query, args
}

// streamTable walks the full table in pk-ordered batches, invoking fn for
// each record. The full table is never materialized.
func (d *Detector) streamTable(
	ctx context.Context,
	conn connector.DatabaseConnector,
	meta *model.TableMetadata,
	pkColumns []string,
	includedColumns []string,
	fn func(pk model.PKValue, rec model.Record) error,
) error {
	orderBy := strings.Join(quoteIdents(pkColumns), ", ")
	offset := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		query := fmt.Sprintf(
			"SELECT %s FROM %s ORDER BY %s LIMIT %d OFFSET %d",
			strings.Join(quoteIdents(includedColumns), ", "),
			quoteIdent(meta.Table),
			orderBy,
			d.opts.BatchSize,
			offset,
		)

		rows, cancel, err := conn.QueryWithTimeout(ctx, query, d.opts.OperationTimeout)
		if err != nil {
			return fmt.Errorf("failed to stream table %s: %w", meta.Table, err)
		}

		count := 0
		err = func() error {
			defer cancel()
			defer rows.Close()
			for rows.Next() {
				rec, err := scanRecord(rows, includedColumns)
				if err != nil {
					return err
				}
				pk, err := model.PKFromRecord(rec, pkColumns)
				if err != nil {
					return fmt.Errorf("table %s: %w", meta.Table, err)
				}
				if err := fn(pk, rec); err != nil {
					return err
				}
				count++
			}
			if err := rows.Err(); err != nil {
				return fmt.Errorf("error streaming table %s: %w", meta.Table, err)
			}
			return nil
		}()
		if err != nil {
			return err
		}

		if count < d.opts.BatchSize {
			return nil
		}
		offset += d.opts.BatchSize
	}
}
