// pkg/schema/validator.go
package schema

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/parcelpoint/syncd/pkg/config"
	"github.com/parcelpoint/syncd/pkg/connector"
	"github.com/parcelpoint/syncd/pkg/model"
)

// Severity grades a validation finding.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Finding is one validation observation.
type Finding struct {
	Severity Severity `json:"severity"`
	Table    string   `json:"table"`
	Column   string   `json:"column,omitempty"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	// Suggestion carries a proposed column mapping when one exists.
	Suggestion string `json:"suggestion,omitempty"`
}

// Result is the outcome of validating one table.
type Result struct {
	Table    string    `json:"table"`
	Findings []Finding `json:"findings"`
}

// OK reports whether the result contains no errors.
func (r *Result) OK() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			return false
		}
	}
	return true
}

func (r *Result) add(sev Severity, column, code, message, suggestion string) {
	r.Findings = append(r.Findings, Finding{
		Severity:   sev,
		Table:      r.Table,
		Column:     column,
		Code:       code,
		Message:    message,
		Suggestion: suggestion,
	})
}

// typeEquivalences lists native type pairs considered compatible beyond
// exact equality (in either direction).
var typeEquivalences = map[string][]string{
	"text":                        {"character varying", "character", "citext"},
	"character varying":           {"text", "character", "citext"},
	"integer":                     {"bigint", "smallint"},
	"bigint":                      {"integer"},
	"smallint":                    {"integer"},
	"numeric":                     {"double precision", "real"},
	"double precision":            {"numeric", "real"},
	"real":                        {"numeric", "double precision"},
	"timestamp without time zone": {"timestamp with time zone"},
	"timestamp with time zone":    {"timestamp without time zone"},
	"json":                        {"jsonb"},
	"jsonb":                       {"json"},
}

func typesCompatible(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b {
		return true
	}
	for _, eq := range typeEquivalences[a] {
		if eq == b {
			return true
		}
	}
	return false
}

// Validator performs the pre-flight compatibility check between source and
// target schemas under the configured mapping.
type Validator struct {
	source  *Inspector
	target  *Inspector
	mapping *config.Mapping
	logger  *zap.Logger
}

// NewValidator creates a validator over the two databases.
func NewValidator(source, target connector.DatabaseConnector, mapping *config.Mapping, logger *zap.Logger) *Validator {
	return &Validator{
		source:  NewInspector(source),
		target:  NewInspector(target),
		mapping: mapping,
		logger:  logger.Named("schema-validator"),
	}
}

// ValidateTable checks that the table can be synced. Errors abort the
// TableOp; warnings are logged and sync proceeds.
func (v *Validator) ValidateTable(ctx context.Context, table string) (*Result, error) {
	result := &Result{Table: table}

	srcExists, err := v.source.TableExists(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to check source table: %w", err)
	}
	if !srcExists {
		result.add(SeverityError, "", "table_missing_source",
			fmt.Sprintf("table %s does not exist on the source", table), "")
		return result, nil
	}

	tgtExists, err := v.target.TableExists(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to check target table: %w", err)
	}
	if !tgtExists {
		result.add(SeverityError, "", "table_missing_target",
			fmt.Sprintf("table %s does not exist on the target", table), "")
		return result, nil
	}

	srcMeta, err := v.source.LoadTableMetadata(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to load source metadata: %w", err)
	}
	tgtMeta, err := v.target.LoadTableMetadata(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to load target metadata: %w", err)
	}

	v.checkPrimaryKeys(srcMeta, tgtMeta, result)
	v.checkColumns(srcMeta, tgtMeta, result)
	v.checkSensitiveFields(table, srcMeta, result)

	for _, f := range result.Findings {
		switch f.Severity {
		case SeverityError:
			v.logger.Error("Schema validation error",
				zap.String("table", f.Table),
				zap.String("column", f.Column),
				zap.String("code", f.Code),
				zap.String("message", f.Message))
		case SeverityWarning:
			v.logger.Warn("Schema validation warning",
				zap.String("table", f.Table),
				zap.String("column", f.Column),
				zap.String("code", f.Code),
				zap.String("message", f.Message))
		}
	}

	return result, nil
}

// checkPrimaryKeys verifies that primary-key columns match in name and
// compatible type. The table config's declared pk columns override the
// database-reported ones.
func (v *Validator) checkPrimaryKeys(src, tgt *model.TableMetadata, result *Result) {
	pkCols := src.PrimaryKeys
	if tc := v.mapping.TableFor(src.Table); tc != nil && len(tc.PKColumns) > 0 {
		pkCols = tc.PKColumns
	}
	if len(pkCols) == 0 {
		result.add(SeverityError, "", "no_primary_key",
			"no primary-key columns declared or discovered", "")
		return
	}

	for _, pk := range pkCols {
		srcCol := src.GetColumnByName(pk)
		if srcCol == nil {
			result.add(SeverityError, pk, "pk_missing_source",
				fmt.Sprintf("primary-key column %s not found on source", pk), "")
			continue
		}
		tgtCol := tgt.GetColumnByName(pk)
		if tgtCol == nil {
			result.add(SeverityError, pk, "pk_missing_target",
				fmt.Sprintf("primary-key column %s not found on target", pk), "")
			continue
		}
		if !typesCompatible(srcCol.NativeType, tgtCol.NativeType) {
			result.add(SeverityError, pk, "pk_type_mismatch",
				fmt.Sprintf("primary-key column %s has incompatible types: source %s, target %s",
					pk, srcCol.NativeType, tgtCol.NativeType), "")
		}
	}
}

// checkColumns verifies that every included source column maps to a
// compatible target column. Unmapped columns get a suggestion when a
// case-insensitive or underscore-normalized match exists.
func (v *Validator) checkColumns(src, tgt *model.TableMetadata, result *Result) {
	included := src.ColumnNames()
	if tc := v.mapping.TableFor(src.Table); tc != nil && len(tc.Columns) > 0 {
		included = tc.Columns
	}

	for _, name := range included {
		srcCol := src.GetColumnByName(name)
		if srcCol == nil {
			result.add(SeverityError, name, "column_missing_source",
				fmt.Sprintf("included column %s not found on source", name), "")
			continue
		}

		tgtCol := tgt.GetColumnByName(name)
		if tgtCol == nil {
			suggestion := suggestMapping(name, tgt)
			result.add(SeverityError, name, "column_missing_target",
				fmt.Sprintf("column %s has no target counterpart", name), suggestion)
			continue
		}

		if !typesCompatible(srcCol.NativeType, tgtCol.NativeType) {
			result.add(SeverityError, name, "type_mismatch",
				fmt.Sprintf("column %s has incompatible types: source %s, target %s",
					name, srcCol.NativeType, tgtCol.NativeType), "")
			continue
		}

		if srcCol.Nullable && !tgtCol.Nullable {
			result.add(SeverityWarning, name, "nullable_narrowing",
				fmt.Sprintf("column %s is nullable on source but not on target; null values require a target default", name), "")
		}
	}
}

// checkSensitiveFields verifies that every declared sensitive field exists
// on the source.
func (v *Validator) checkSensitiveFields(table string, src *model.TableMetadata, result *Result) {
	for _, fc := range v.mapping.FieldsFor(table) {
		if fc.SanitizationClass == "" {
			continue
		}
		if src.GetColumnByName(fc.Field) == nil {
			result.add(SeverityError, fc.Field, "sensitive_field_missing",
				fmt.Sprintf("field %s is declared sensitive but does not exist on the source", fc.Field), "")
		}
	}
}

// suggestMapping proposes a target column for an unmapped source column.
func suggestMapping(name string, tgt *model.TableMetadata) string {
	normalized := strings.ReplaceAll(strings.ToLower(name), "_", "")
	for _, col := range tgt.Columns {
		if strings.ReplaceAll(strings.ToLower(col.Name), "_", "") == normalized {
			return col.Name
		}
	}
	return ""
}
