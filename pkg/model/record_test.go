// pkg/model/record_test.go
package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPKFromRecord(t *testing.T) {
	rec := Record{"id": int64(7), "region": "us-east", "name": "widget"}

	pk, err := PKFromRecord(rec, []string{"id", "region"})
	require.NoError(t, err)
	assert.Equal(t, PKValue{int64(7), "us-east"}, pk)

	_, err = PKFromRecord(rec, []string{"id", "missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")

	rec["region"] = nil
	_, err = PKFromRecord(rec, []string{"id", "region"})
	require.Error(t, err, "null pk component is rejected")
}

func TestPKValue_StringAvoidsCompositeCollisions(t *testing.T) {
	composite := PKValue{"a", "b"}
	single := PKValue{"a,b"}
	assert.NotEqual(t, composite.String(), single.String())
	assert.Equal(t, "a,b", composite.Display())
}

func TestPKValue_Less(t *testing.T) {
	assert.True(t, PKValue{1}.Less(PKValue{2}))
	assert.False(t, PKValue{2}.Less(PKValue{1}))
	assert.False(t, PKValue{1}.Less(PKValue{1}))

	// Shorter tuple with an equal prefix sorts first.
	assert.True(t, PKValue{1}.Less(PKValue{1, 0}))
	assert.True(t, PKValue{1, "a"}.Less(PKValue{1, "b"}))
}

func TestRecord_Clone(t *testing.T) {
	rec := Record{"id": 1, "name": "x"}
	cp := rec.Clone()
	cp["name"] = "y"
	assert.Equal(t, "x", rec["name"])
}

func TestRecord_ColumnsSorted(t *testing.T) {
	rec := Record{"z": 1, "a": 2, "m": 3}
	assert.Equal(t, []string{"a", "m", "z"}, rec.Columns())
}

func TestColumnType_IsValid(t *testing.T) {
	for _, ct := range KnownColumnTypes {
		assert.True(t, ct.IsValid(), string(ct))
	}
	assert.False(t, ColumnType("varchar").IsValid())
}

func TestTableMetadata_Lookups(t *testing.T) {
	tm := &TableMetadata{
		Schema: "public",
		Table:  "orders",
		Columns: []Column{
			{Name: "id", Type: TypeInteger, IsPrimaryKey: true},
			{Name: "Payload", Type: TypeJSON},
		},
		PrimaryKeys: []string{"id"},
	}

	assert.Equal(t, "public.orders", tm.FullName())
	assert.Equal(t, []string{"id", "Payload"}, tm.ColumnNames())

	col := tm.GetColumnByName("payload")
	require.NotNil(t, col, "lookup is case-insensitive")
	assert.Equal(t, TypeJSON, col.Type)
	assert.Nil(t, tm.GetColumnByName("nope"))
}

func TestConflict_Resolve(t *testing.T) {
	c := NewConflict("job-1", "orders", PKValue{5}, Record{"v": 1}, Record{"v": 2})
	assert.Equal(t, ConflictOpen, c.State)
	assert.Equal(t, "5", c.PKDisplay)

	c.Resolve(ResolutionSourceWins, "alice")
	assert.Equal(t, ConflictResolved, c.State)
	assert.Equal(t, ResolutionSourceWins, c.Resolution)
	assert.Equal(t, "alice", c.ResolverIdentity)
	require.NotNil(t, c.ResolvedAt)
}

func TestResolution_IsValid(t *testing.T) {
	assert.True(t, ResolutionSourceWins.IsValid())
	assert.True(t, ResolutionManual.IsValid())
	assert.False(t, Resolution("newest_wins").IsValid())
}
