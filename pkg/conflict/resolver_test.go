// pkg/conflict/resolver_test.go
package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parcelpoint/syncd/pkg/config"
	"github.com/parcelpoint/syncd/pkg/model"
)

func newResolver(t *testing.T, mapping *config.Mapping, strategy string) *Resolver {
	t.Helper()
	if mapping == nil {
		mapping = &config.Mapping{}
	}
	r, err := NewResolver(mapping, strategy, zap.NewNop())
	require.NoError(t, err)
	return r
}

func testConflict() *model.Conflict {
	return model.NewConflict("job-1", "orders", model.PKValue{int64(7)},
		model.Record{"status": "shipped", "notes": "src"},
		model.Record{"status": "packed", "notes": "tgt"})
}

func TestNewResolver_RejectsUnknownStrategy(t *testing.T) {
	_, err := NewResolver(&config.Mapping{}, "newest_wins", zap.NewNop())
	require.Error(t, err)
}

func TestResolve_SourceWins(t *testing.T) {
	r := newResolver(t, nil, "source_wins")
	c := testConflict()

	out := r.Resolve(c)
	assert.Equal(t, model.ResolutionSourceWins, out.Resolution)
	assert.Equal(t, c.SourceValues, out.Apply)
	assert.False(t, out.Open)
	assert.Equal(t, model.ConflictResolved, c.State)
	assert.Equal(t, "system", c.ResolverIdentity)
}

func TestResolve_TargetWins(t *testing.T) {
	r := newResolver(t, nil, "target_wins")
	c := testConflict()

	out := r.Resolve(c)
	assert.Nil(t, out.Apply, "target value stands, nothing is written")
	assert.False(t, out.Open)
	assert.Equal(t, model.ConflictResolved, c.State)
}

func TestResolve_ManualStaysOpen(t *testing.T) {
	r := newResolver(t, nil, "manual")
	c := testConflict()

	out := r.Resolve(c)
	assert.True(t, out.Open)
	assert.Nil(t, out.Apply)
	assert.Equal(t, model.ConflictOpen, c.State, "manual never closes the conflict")
}

func TestResolve_MergedFieldWinners(t *testing.T) {
	mapping := &config.Mapping{
		Fields: []config.FieldConfig{
			{Table: "orders", Field: "notes", MergeWinner: "target"},
		},
	}
	r := newResolver(t, mapping, "merged")
	c := testConflict()

	out := r.Resolve(c)
	require.NotNil(t, out.Apply)
	assert.Equal(t, "shipped", out.Apply["status"], "undeclared fields default to source")
	assert.Equal(t, "tgt", out.Apply["notes"], "declared target winner keeps target value")
}

func TestResolve_SourceWinsDeletedRow(t *testing.T) {
	r := newResolver(t, nil, "source_wins")
	c := model.NewConflict("job-1", "orders", model.PKValue{int64(7)},
		nil,
		model.Record{"status": "packed"})

	out := r.Resolve(c)
	assert.Equal(t, model.ResolutionSourceWins, out.Resolution)
	assert.True(t, out.Delete, "a source-side delete wins as a delete")
	assert.Nil(t, out.Apply)
	assert.Equal(t, model.ConflictResolved, c.State)
}

func TestResolveAs_SourceWinsDeletedRow(t *testing.T) {
	r := newResolver(t, nil, "manual")
	c := model.NewConflict("job-1", "orders", model.PKValue{int64(7)},
		nil,
		model.Record{"status": "packed"})

	out, err := r.ResolveAs(c, model.ResolutionSourceWins, "alice")
	require.NoError(t, err)
	assert.True(t, out.Delete)
	assert.Nil(t, out.Apply)
	assert.Equal(t, "alice", c.ResolverIdentity)
}

func TestResolveAs_Validation(t *testing.T) {
	r := newResolver(t, nil, "manual")

	_, err := r.ResolveAs(testConflict(), "bogus", "alice")
	require.Error(t, err)

	_, err = r.ResolveAs(testConflict(), model.ResolutionManual, "alice")
	require.Error(t, err, "manual cannot settle a conflict")

	resolved := testConflict()
	resolved.Resolve(model.ResolutionSourceWins, "bob")
	_, err = r.ResolveAs(resolved, model.ResolutionTargetWins, "alice")
	require.Error(t, err, "already-resolved conflicts are immutable")
}

func TestResolveAs_RecordsIdentity(t *testing.T) {
	r := newResolver(t, nil, "manual")
	c := testConflict()

	out, err := r.ResolveAs(c, model.ResolutionSourceWins, "alice")
	require.NoError(t, err)
	assert.Equal(t, c.SourceValues, out.Apply)
	assert.Equal(t, "alice", c.ResolverIdentity)
}
