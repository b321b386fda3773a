// pkg/schema/inspect.go
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/parcelpoint/syncd/pkg/connector"
	"github.com/parcelpoint/syncd/pkg/model"
)

// Inspector reads table structure from information_schema.
type Inspector struct {
	conn connector.DatabaseConnector
}

// NewInspector creates an inspector over a database connection.
func NewInspector(conn connector.DatabaseConnector) *Inspector {
	return &Inspector{conn: conn}
}

// TableExists reports whether the table exists in the public schema.
func (in *Inspector) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := in.conn.DB().QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = 'public' AND table_name = $1
		)
	`, table).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check if table exists: %w", err)
	}
	return exists, nil
}

// LoadTableMetadata retrieves column and primary-key metadata for a table.
func (in *Inspector) LoadTableMetadata(ctx context.Context, table string) (*model.TableMetadata, error) {
	query := `
		SELECT
			column_name,
			data_type,
			udt_name,
			is_nullable
		FROM
			information_schema.columns
		WHERE
			table_schema = 'public' AND
			table_name = $1
		ORDER BY
			ordinal_position
	`

	rows, cancel, err := in.conn.QueryWithTimeout(ctx, query, time.Minute, table)
	if err != nil {
		return nil, fmt.Errorf("failed to get table metadata: %w", err)
	}
	defer cancel()
	defer rows.Close()

	columns := make([]model.Column, 0)
	for rows.Next() {
		var (
			name       string
			dataType   string
			udtName    sql.NullString
			isNullable string
		)
		if err := rows.Scan(&name, &dataType, &udtName, &isNullable); err != nil {
			return nil, fmt.Errorf("failed to scan column metadata: %w", err)
		}

		columns = append(columns, model.Column{
			Name:       name,
			Type:       MapNativeType(dataType, udtName.String),
			NativeType: dataType,
			Nullable:   isNullable == "YES",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column metadata: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s has no columns or does not exist", table)
	}

	pkQuery := `
		SELECT
			kcu.column_name
		FROM
			information_schema.key_column_usage kcu
			JOIN information_schema.table_constraints tc
				ON tc.constraint_name = kcu.constraint_name
				AND tc.table_schema = kcu.table_schema
		WHERE
			tc.constraint_type = 'PRIMARY KEY' AND
			kcu.table_schema = 'public' AND
			kcu.table_name = $1
		ORDER BY
			kcu.ordinal_position
	`

	pkRows, pkCancel, err := in.conn.QueryWithTimeout(ctx, pkQuery, time.Minute, table)
	if err != nil {
		return nil, fmt.Errorf("failed to get primary key information: %w", err)
	}
	defer pkCancel()
	defer pkRows.Close()

	primaryKeys := make([]string, 0)
	for pkRows.Next() {
		var columnName string
		if err := pkRows.Scan(&columnName); err != nil {
			return nil, fmt.Errorf("failed to scan primary key column: %w", err)
		}
		primaryKeys = append(primaryKeys, columnName)

		for i, col := range columns {
			if strings.EqualFold(col.Name, columnName) {
				columns[i].IsPrimaryKey = true
				break
			}
		}
	}
	if err := pkRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating primary key columns: %w", err)
	}

	return &model.TableMetadata{
		Schema:      "public",
		Table:       table,
		Columns:     columns,
		PrimaryKeys: primaryKeys,
	}, nil
}

// MapNativeType maps a PostgreSQL data type to the engine's closed tag set.
func MapNativeType(dataType, udtName string) model.ColumnType {
	dt := strings.ToLower(dataType)
	udt := strings.ToLower(udtName)

	switch {
	case dt == "array" || strings.HasPrefix(udt, "_"):
		return model.TypeArray
	case dt == "json" || dt == "jsonb":
		return model.TypeJSON
	case udt == "geometry" || udt == "geography":
		return model.TypeGeometry
	case dt == "bytea":
		return model.TypeBinary
	case dt == "boolean":
		return model.TypeBoolean
	case dt == "date":
		return model.TypeDate
	case strings.Contains(dt, "timestamp") || strings.Contains(dt, "time"):
		return model.TypeTimestamp
	case dt == "integer" || dt == "smallint" || dt == "bigint":
		return model.TypeInteger
	case dt == "numeric" || dt == "decimal" || dt == "real" || dt == "double precision":
		return model.TypeFloat
	default:
		return model.TypeText
	}
}
