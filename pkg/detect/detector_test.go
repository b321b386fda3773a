// pkg/detect/detector_test.go
package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parcelpoint/syncd/pkg/config"
	"github.com/parcelpoint/syncd/pkg/handler"
	"github.com/parcelpoint/syncd/pkg/model"
	"github.com/parcelpoint/syncd/pkg/sanitize"
)

func testDetector(t *testing.T, mapping *config.Mapping) *Detector {
	t.Helper()
	if mapping == nil {
		mapping = &config.Mapping{}
	}
	opts := config.DefaultOptions()
	return NewDetector(nil, nil, handler.NewRegistry(zap.NewNop()), mapping, nil, opts, zap.NewNop())
}

func TestResolveStrategy(t *testing.T) {
	d := testDetector(t, nil)

	assert.Equal(t, d.opts.DetectionStrategy, d.ResolveStrategy(nil))
	assert.Equal(t, "cdc", d.ResolveStrategy(&config.TableConfig{Table: "t", Strategy: "cdc"}))
	assert.Equal(t, d.opts.DetectionStrategy, d.ResolveStrategy(&config.TableConfig{Table: "t"}))
}

func TestPKColumnsFor(t *testing.T) {
	d := testDetector(t, nil)
	meta := &model.TableMetadata{Table: "t", PrimaryKeys: []string{"id"}}

	cols, err := d.pkColumnsFor(meta, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, cols)

	cols, err = d.pkColumnsFor(meta, &config.TableConfig{Table: "t", PKColumns: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, cols, "mapping override wins")

	_, err = d.pkColumnsFor(&model.TableMetadata{Table: "nokeys"}, nil)
	require.Error(t, err)
}

func TestIncludedColumns_ExcludesUpOnlyFields(t *testing.T) {
	mapping := &config.Mapping{
		Fields: []config.FieldConfig{
			{Table: "readings", Field: "operator_notes", Direction: config.DirectionUp},
			{Table: "readings", Field: "value", Direction: config.DirectionBoth},
		},
	}
	d := testDetector(t, mapping)
	meta := &model.TableMetadata{
		Table: "readings",
		Columns: []model.Column{
			{Name: "id", Type: model.TypeInteger, IsPrimaryKey: true},
			{Name: "value", Type: model.TypeFloat},
			{Name: "operator_notes", Type: model.TypeText},
		},
	}

	cols := d.includedColumns(meta, []string{"id"})
	assert.Equal(t, []string{"id", "value"}, cols)
}

func TestApplyDeletePolicy_Propagate(t *testing.T) {
	d := testDetector(t, nil)
	cs := &model.ChangeSet{
		Table:   "t",
		Deletes: []model.ChangeRecord{{Kind: model.ChangeDelete, PK: model.PKValue{1}}},
	}

	out := d.applyDeletePolicy(cs, nil)
	assert.Len(t, out.Deletes, 1, "default policy propagates")
}

func TestApplyDeletePolicy_Ignore(t *testing.T) {
	d := testDetector(t, nil)
	cs := &model.ChangeSet{
		Table:   "t",
		Deletes: []model.ChangeRecord{{Kind: model.ChangeDelete, PK: model.PKValue{1}}},
	}

	out := d.applyDeletePolicy(cs, &config.TableConfig{Table: "t", DeletePolicy: config.DeleteIgnore})
	assert.Empty(t, out.Deletes)
	assert.Empty(t, out.Updates)
}

func TestApplyDeletePolicy_Tombstone(t *testing.T) {
	mapping := &config.Mapping{
		Fields: []config.FieldConfig{
			{Table: "t", Field: "deleted", Type: model.TypeBoolean, KeyRole: config.KeyRoleTombstone},
		},
	}
	d := testDetector(t, mapping)
	cs := &model.ChangeSet{
		Table: "t",
		Deletes: []model.ChangeRecord{
			{Kind: model.ChangeDelete, PK: model.PKValue{1}, Baseline: "abc"},
		},
	}

	out := d.applyDeletePolicy(cs, &config.TableConfig{Table: "t", DeletePolicy: config.DeleteTombstone})
	assert.Empty(t, out.Deletes)
	require.Len(t, out.Updates, 1)
	assert.Equal(t, model.ChangeUpdate, out.Updates[0].Kind)
	assert.Equal(t, model.Record{"deleted": true}, out.Updates[0].Row)
	assert.Equal(t, "abc", out.Updates[0].Baseline, "baseline survives the rewrite")
}

func TestApplyDeletePolicy_TombstoneWithoutField(t *testing.T) {
	d := testDetector(t, nil)
	cs := &model.ChangeSet{
		Table:   "t",
		Deletes: []model.ChangeRecord{{Kind: model.ChangeDelete, PK: model.PKValue{1}}},
	}

	out := d.applyDeletePolicy(cs, &config.TableConfig{Table: "t", DeletePolicy: config.DeleteTombstone})
	assert.Len(t, out.Deletes, 1, "falls back to propagate")
}

func TestBuildPKSelect(t *testing.T) {
	query, args := buildPKSelect(
		"orders",
		[]string{"id", "region", "total"},
		[]string{"id", "region"},
		[]model.PKValue{{int64(1), "us"}, {int64(2), "eu"}},
	)

	assert.Equal(t,
		`SELECT "id", "region", "total" FROM "orders" WHERE ("id", "region") IN (($1, $2), ($3, $4))`,
		query)
	assert.Equal(t, []interface{}{int64(1), "us", int64(2), "eu"}, args)
}

func sanitizingDetector(t *testing.T, mapping *config.Mapping) (*Detector, *sanitize.Sanitizer) {
	t.Helper()
	san := sanitize.NewSanitizer(mapping, "mask_text", zap.NewNop())
	d := NewDetector(nil, nil, handler.NewRegistry(zap.NewNop()), mapping, san, config.DefaultOptions(), zap.NewNop())
	return d, san
}

func TestChangedUnderSanitization_StoredSanitizedValueComparesEqual(t *testing.T) {
	mapping := &config.Mapping{
		Fields: []config.FieldConfig{
			{Table: "customers", Field: "email", SanitizationClass: "hash_email"},
		},
	}
	d, san := sanitizingDetector(t, mapping)
	meta := &model.TableMetadata{
		Table: "customers",
		Columns: []model.Column{
			{Name: "id", Type: model.TypeInteger, IsPrimaryKey: true},
			{Name: "email", Type: model.TypeText},
			{Name: "city", Type: model.TypeText},
		},
	}
	included := []string{"id", "email", "city"}

	src := model.Record{"id": int64(1), "email": "alice@example.com", "city": "Reno"}
	stored := san.ApplyDeterministic("customers", src)
	require.NotEqual(t, src["email"], stored["email"], "the target keeps the redacted value")

	assert.False(t, d.changedUnderSanitization(meta, included, src, stored),
		"an untouched row must not re-detect just because the target stores the redacted form")

	edited := src.Clone()
	edited["city"] = "Sparks"
	assert.True(t, d.changedUnderSanitization(meta, included, edited, stored))

	edited = src.Clone()
	edited["email"] = "bob@example.com"
	assert.True(t, d.changedUnderSanitization(meta, included, edited, stored),
		"a real email change still detects through the deterministic rule")
}

func TestChangedUnderSanitization_RandomizedColumnsLeftOut(t *testing.T) {
	mapping := &config.Mapping{
		Fields: []config.FieldConfig{
			{Table: "customers", Field: "phone", SanitizationClass: "randomize"},
		},
	}
	d, _ := sanitizingDetector(t, mapping)
	meta := &model.TableMetadata{
		Table: "customers",
		Columns: []model.Column{
			{Name: "id", Type: model.TypeInteger, IsPrimaryKey: true},
			{Name: "phone", Type: model.TypeText},
		},
	}
	included := []string{"id", "phone"}

	assert.Equal(t, []string{"id"}, d.comparableColumns("customers", included))

	src := model.Record{"id": int64(1), "phone": "555-0100"}
	stored := model.Record{"id": int64(1), "phone": "555-7781"}
	assert.False(t, d.changedUnderSanitization(meta, included, src, stored),
		"a randomized field never matches and must not drive detection")
}

func TestTimestampUsable(t *testing.T) {
	meta := &model.TableMetadata{
		Table:   "orders",
		Columns: []model.Column{{Name: "updated_at", Type: model.TypeTimestamp}},
	}
	now := time.Now()

	assert.True(t, timestampUsable(meta, "updated_at", &now))
	assert.False(t, timestampUsable(meta, "", &now), "no mapped timestamp column")
	assert.False(t, timestampUsable(meta, "modified_at", &now), "column absent from schema")
	assert.False(t, timestampUsable(meta, "updated_at", nil), "first run has no watermark")
}

func TestBuildTouchedQuery_StrictlyAfterWatermark(t *testing.T) {
	assert.Equal(t,
		`SELECT "id" FROM "orders" WHERE "updated_at" > $1`,
		buildTouchedQuery("orders", []string{"id"}, "updated_at"))
}

func TestBuildCDCQuery(t *testing.T) {
	query, args := buildCDCQuery("sync_cdc_orders", nil)
	assert.Equal(t,
		`SELECT operation_type, operation_timestamp, record_data FROM "sync_cdc_orders" ORDER BY operation_timestamp`,
		query)
	assert.Empty(t, args)

	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	query, args = buildCDCQuery("sync_cdc_orders", &since)
	assert.Equal(t,
		`SELECT operation_type, operation_timestamp, record_data FROM "sync_cdc_orders" WHERE operation_timestamp > $1 ORDER BY operation_timestamp`,
		query)
	assert.Equal(t, []interface{}{since}, args)
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"orders"`, quoteIdent("orders"))
	assert.Equal(t, `"odd""name"`, quoteIdent(`odd"name`))
}
