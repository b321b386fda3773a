// pkg/model/record.go
package model

import (
	"fmt"
	"sort"
	"strings"
)

// ColumnType is the closed set of column types the engine understands.
// Every value crossing the extract/compare/prepare boundary carries one of
// these tags; type handlers dispatch on them.
type ColumnType string

const (
	TypeInteger     ColumnType = "integer"
	TypeFloat       ColumnType = "float"
	TypeText        ColumnType = "text"
	TypeBoolean     ColumnType = "boolean"
	TypeTimestamp   ColumnType = "timestamp"
	TypeDate        ColumnType = "date"
	TypeJSON        ColumnType = "json"
	TypeArray       ColumnType = "array"
	TypeGeometry    ColumnType = "geometry"
	TypeDocumentRef ColumnType = "document_ref"
	TypeBinary      ColumnType = "binary"
)

// KnownColumnTypes lists every valid ColumnType tag.
var KnownColumnTypes = []ColumnType{
	TypeInteger, TypeFloat, TypeText, TypeBoolean, TypeTimestamp,
	TypeDate, TypeJSON, TypeArray, TypeGeometry, TypeDocumentRef, TypeBinary,
}

// IsValid reports whether the tag is one of the closed set.
func (t ColumnType) IsValid() bool {
	for _, known := range KnownColumnTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Column describes a single column of a synced table.
type Column struct {
	Name         string
	Type         ColumnType
	NativeType   string // type name as reported by the database
	Nullable     bool
	IsPrimaryKey bool
}

// Record maps column names to extracted, normalized values.
type Record map[string]interface{}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Columns returns the record's column names in sorted order.
func (r Record) Columns() []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// PKValue is an ordered primary-key tuple. Component order follows the
// table's declared primary-key column order, so two tuples for the same
// table are directly comparable.
type PKValue []interface{}

// PKFromRecord extracts the primary-key tuple from a record.
// Returns an error if any component is missing or null.
func PKFromRecord(rec Record, pkColumns []string) (PKValue, error) {
	pk := make(PKValue, 0, len(pkColumns))
	for _, col := range pkColumns {
		val, ok := rec[col]
		if !ok || val == nil {
			return nil, fmt.Errorf("primary key column %q is missing or null", col)
		}
		pk = append(pk, val)
	}
	return pk, nil
}

// String returns a stable serialization of the tuple, usable as a map key.
// Components are rendered with %v and joined with the unit separator so
// composite keys cannot collide with single keys containing delimiters.
func (pk PKValue) String() string {
	parts := make([]string, len(pk))
	for i, v := range pk {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, "\x1f")
}

// Display returns a human-readable rendering for logs and API payloads.
func (pk PKValue) Display() string {
	parts := make([]string, len(pk))
	for i, v := range pk {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, ",")
}

// Less imposes a deterministic ordering on tuples of equal arity, used to
// order records within a change-set direction.
func (pk PKValue) Less(other PKValue) bool {
	n := len(pk)
	if len(other) < n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		a := fmt.Sprintf("%v", pk[i])
		b := fmt.Sprintf("%v", other[i])
		if a != b {
			return a < b
		}
	}
	return len(pk) < len(other)
}

// TableMetadata contains the structure information for a synced table.
type TableMetadata struct {
	Schema      string
	Table       string
	Columns     []Column
	PrimaryKeys []string
}

// GetColumnByName returns a column by name (case-insensitive), or nil.
func (tm *TableMetadata) GetColumnByName(name string) *Column {
	for i, col := range tm.Columns {
		if strings.EqualFold(col.Name, name) {
			return &tm.Columns[i]
		}
	}
	return nil
}

// ColumnNames returns the declared column names in declaration order.
func (tm *TableMetadata) ColumnNames() []string {
	names := make([]string, len(tm.Columns))
	for i, col := range tm.Columns {
		names[i] = col.Name
	}
	return names
}

// FullName returns the schema-qualified table name.
func (tm *TableMetadata) FullName() string {
	if tm.Schema == "" {
		return tm.Table
	}
	return fmt.Sprintf("%s.%s", tm.Schema, tm.Table)
}
