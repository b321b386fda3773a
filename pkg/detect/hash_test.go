// pkg/detect/hash_test.go
package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parcelpoint/syncd/pkg/handler"
	"github.com/parcelpoint/syncd/pkg/model"
)

func testMeta() *model.TableMetadata {
	return &model.TableMetadata{
		Table: "parcels",
		Columns: []model.Column{
			{Name: "id", Type: model.TypeInteger, IsPrimaryKey: true},
			{Name: "payload", Type: model.TypeJSON},
			{Name: "tags", Type: model.TypeArray},
			{Name: "updated_at", Type: model.TypeTimestamp},
			{Name: "note", Type: model.TypeText},
		},
		PrimaryKeys: []string{"id"},
	}
}

func TestRowHash_JSONKeyOrderInvariant(t *testing.T) {
	reg := handler.NewRegistry(zap.NewNop())
	meta := testMeta()

	a := model.Record{"id": int64(1), "payload": `{"a":1,"b":2}`}
	b := model.Record{"id": int64(1), "payload": `{"b": 2, "a": 1}`}
	assert.Equal(t, RowHash(reg, meta, a), RowHash(reg, meta, b))

	c := model.Record{"id": int64(1), "payload": `{"a":1,"b":3}`}
	assert.NotEqual(t, RowHash(reg, meta, a), RowHash(reg, meta, c))
}

func TestRowHash_TimestampRepresentationInvariant(t *testing.T) {
	reg := handler.NewRegistry(zap.NewNop())
	meta := testMeta()

	utc := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := model.Record{"id": int64(1), "updated_at": utc}
	b := model.Record{"id": int64(1), "updated_at": "2026-01-02T03:04:05Z"}
	c := model.Record{"id": int64(1), "updated_at": utc.In(time.FixedZone("AEST", 10*3600))}

	assert.Equal(t, RowHash(reg, meta, a), RowHash(reg, meta, b))
	assert.Equal(t, RowHash(reg, meta, a), RowHash(reg, meta, c))
}

func TestRowHash_ArraySerializationInvariant(t *testing.T) {
	reg := handler.NewRegistry(zap.NewNop())
	meta := testMeta()

	a := model.Record{"id": int64(1), "tags": `{x,y}`}
	b := model.Record{"id": int64(1), "tags": `["x","y"]`}
	assert.Equal(t, RowHash(reg, meta, a), RowHash(reg, meta, b))

	c := model.Record{"id": int64(1), "tags": `["y","x"]`}
	assert.NotEqual(t, RowHash(reg, meta, a), RowHash(reg, meta, c))
}

func TestRowHash_IntegerWidthInvariant(t *testing.T) {
	reg := handler.NewRegistry(zap.NewNop())
	meta := testMeta()

	a := model.Record{"id": int32(9), "note": "n"}
	b := model.Record{"id": int64(9), "note": "n"}
	assert.Equal(t, RowHash(reg, meta, a), RowHash(reg, meta, b))
}

func TestRowHash_UnknownColumnStillHashes(t *testing.T) {
	reg := handler.NewRegistry(zap.NewNop())
	meta := testMeta()

	a := model.Record{"id": int64(1), "extra": "x"}
	b := model.Record{"id": int64(1), "extra": "y"}
	assert.NotEqual(t, RowHash(reg, meta, a), RowHash(reg, meta, b))
}

func TestSortChanges(t *testing.T) {
	recs := []model.ChangeRecord{
		{PK: model.PKValue{"c"}},
		{PK: model.PKValue{"a"}},
		{PK: model.PKValue{"b"}},
	}
	sortChanges(recs)
	require.Len(t, recs, 3)
	assert.Equal(t, model.PKValue{"a"}, recs[0].PK)
	assert.Equal(t, model.PKValue{"b"}, recs[1].PK)
	assert.Equal(t, model.PKValue{"c"}, recs[2].PK)
}
