// pkg/schema/validator_test.go
package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parcelpoint/syncd/pkg/config"
	"github.com/parcelpoint/syncd/pkg/model"
)

func checkerValidator(mapping *config.Mapping) *Validator {
	if mapping == nil {
		mapping = &config.Mapping{}
	}
	return &Validator{mapping: mapping, logger: zap.NewNop()}
}

func meta(table string, cols ...model.Column) *model.TableMetadata {
	m := &model.TableMetadata{Table: table, Columns: cols}
	for _, c := range cols {
		if c.IsPrimaryKey {
			m.PrimaryKeys = append(m.PrimaryKeys, c.Name)
		}
	}
	return m
}

func TestTypesCompatible(t *testing.T) {
	cases := []struct {
		a, b string
		ok   bool
	}{
		{"text", "text", true},
		{"text", "character varying", true},
		{"character varying", "TEXT", true},
		{"integer", "bigint", true},
		{"bigint", "integer", true},
		{"json", "jsonb", true},
		{"timestamp without time zone", "timestamp with time zone", true},
		{"numeric", "double precision", true},
		{"text", "integer", false},
		{"uuid", "text", false},
		{"bytea", "text", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, typesCompatible(tc.a, tc.b), "%s vs %s", tc.a, tc.b)
	}
}

func TestResult_OK(t *testing.T) {
	r := &Result{Table: "t"}
	assert.True(t, r.OK())

	r.add(SeverityWarning, "c", "nullable_narrowing", "msg", "")
	assert.True(t, r.OK(), "warnings do not fail validation")

	r.add(SeverityError, "c", "type_mismatch", "msg", "")
	assert.False(t, r.OK())
}

func TestCheckPrimaryKeys(t *testing.T) {
	v := checkerValidator(nil)
	src := meta("orders",
		model.Column{Name: "id", NativeType: "bigint", IsPrimaryKey: true})
	tgt := meta("orders",
		model.Column{Name: "id", NativeType: "integer", IsPrimaryKey: true})

	r := &Result{Table: "orders"}
	v.checkPrimaryKeys(src, tgt, r)
	assert.Empty(t, r.Findings, "bigint and integer keys are compatible")

	tgt.Columns[0].NativeType = "text"
	r = &Result{Table: "orders"}
	v.checkPrimaryKeys(src, tgt, r)
	require.Len(t, r.Findings, 1)
	assert.Equal(t, "pk_type_mismatch", r.Findings[0].Code)
	assert.Equal(t, SeverityError, r.Findings[0].Severity)
}

func TestCheckPrimaryKeys_MappingOverride(t *testing.T) {
	mapping := &config.Mapping{
		Tables: []config.TableConfig{{Table: "readings", PKColumns: []string{"station", "taken_at"}}},
	}
	v := checkerValidator(mapping)
	src := meta("readings",
		model.Column{Name: "station", NativeType: "text"},
		model.Column{Name: "taken_at", NativeType: "timestamp with time zone"})
	tgt := meta("readings",
		model.Column{Name: "station", NativeType: "text"},
		model.Column{Name: "taken_at", NativeType: "timestamp without time zone"})

	r := &Result{Table: "readings"}
	v.checkPrimaryKeys(src, tgt, r)
	assert.Empty(t, r.Findings)
}

func TestCheckPrimaryKeys_NoneDeclared(t *testing.T) {
	v := checkerValidator(nil)
	r := &Result{Table: "t"}
	v.checkPrimaryKeys(meta("t", model.Column{Name: "v", NativeType: "text"}), meta("t"), r)
	require.Len(t, r.Findings, 1)
	assert.Equal(t, "no_primary_key", r.Findings[0].Code)
}

func TestCheckColumns(t *testing.T) {
	v := checkerValidator(nil)
	src := meta("orders",
		model.Column{Name: "id", NativeType: "bigint", IsPrimaryKey: true},
		model.Column{Name: "total", NativeType: "numeric", Nullable: true},
		model.Column{Name: "ship_to", NativeType: "text"})
	tgt := meta("orders",
		model.Column{Name: "id", NativeType: "bigint", IsPrimaryKey: true},
		model.Column{Name: "total", NativeType: "double precision", Nullable: false},
		model.Column{Name: "shipto", NativeType: "text"})

	r := &Result{Table: "orders"}
	v.checkColumns(src, tgt, r)

	require.Len(t, r.Findings, 2)
	byCode := map[string]Finding{}
	for _, f := range r.Findings {
		byCode[f.Code] = f
	}

	narrowing := byCode["nullable_narrowing"]
	assert.Equal(t, SeverityWarning, narrowing.Severity)
	assert.Equal(t, "total", narrowing.Column)

	missing := byCode["column_missing_target"]
	assert.Equal(t, SeverityError, missing.Severity)
	assert.Equal(t, "ship_to", missing.Column)
	assert.Equal(t, "shipto", missing.Suggestion, "underscore-normalized match is suggested")
}

func TestCheckColumns_IncludedListFromMapping(t *testing.T) {
	mapping := &config.Mapping{
		Tables: []config.TableConfig{{Table: "orders", PKColumns: []string{"id"}, Columns: []string{"id", "total"}}},
	}
	v := checkerValidator(mapping)
	src := meta("orders",
		model.Column{Name: "id", NativeType: "bigint"},
		model.Column{Name: "total", NativeType: "numeric"},
		model.Column{Name: "internal_flag", NativeType: "boolean"})
	tgt := meta("orders",
		model.Column{Name: "id", NativeType: "bigint"},
		model.Column{Name: "total", NativeType: "numeric"})

	r := &Result{Table: "orders"}
	v.checkColumns(src, tgt, r)
	assert.Empty(t, r.Findings, "columns outside the declared list are not checked")
}

func TestCheckSensitiveFields(t *testing.T) {
	mapping := &config.Mapping{
		Fields: []config.FieldConfig{
			{Table: "users", Field: "contact_email", SanitizationClass: "hash_email"},
			{Table: "users", Field: "legacy_ssn", SanitizationClass: "full_mask"},
		},
	}
	v := checkerValidator(mapping)
	src := meta("users",
		model.Column{Name: "id", NativeType: "bigint", IsPrimaryKey: true},
		model.Column{Name: "contact_email", NativeType: "text"})

	r := &Result{Table: "users"}
	v.checkSensitiveFields("users", src, r)
	require.Len(t, r.Findings, 1)
	assert.Equal(t, "sensitive_field_missing", r.Findings[0].Code)
	assert.Equal(t, "legacy_ssn", r.Findings[0].Column)
}

func TestSuggestMapping(t *testing.T) {
	tgt := meta("t",
		model.Column{Name: "CreatedAt", NativeType: "timestamp with time zone"},
		model.Column{Name: "order_total", NativeType: "numeric"})

	assert.Equal(t, "CreatedAt", suggestMapping("created_at", tgt))
	assert.Equal(t, "order_total", suggestMapping("ordertotal", tgt))
	assert.Equal(t, "", suggestMapping("nothing", tgt))
}
