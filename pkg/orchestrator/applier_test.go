// pkg/orchestrator/applier_test.go
package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelpoint/syncd/pkg/model"
	"github.com/parcelpoint/syncd/pkg/sanitize"
)

func TestBuildUpsert(t *testing.T) {
	query := buildUpsert("orders", []string{"id", "status", "total"}, []string{"id"})
	assert.Equal(t,
		`INSERT INTO "orders" ("id", "status", "total") VALUES ($1, $2, $3) `+
			`ON CONFLICT ("id") DO UPDATE SET "status" = EXCLUDED."status", "total" = EXCLUDED."total"`,
		query)
}

func TestBuildUpsert_CompositeKey(t *testing.T) {
	query := buildUpsert("readings", []string{"station", "taken_at", "value"}, []string{"station", "taken_at"})
	assert.Contains(t, query, `ON CONFLICT ("station", "taken_at")`)
	assert.Contains(t, query, `"value" = EXCLUDED."value"`)
	assert.NotContains(t, query, `"station" = EXCLUDED`, "key columns are never reassigned")
}

func TestBuildUpsert_OnlyKeyColumns(t *testing.T) {
	query := buildUpsert("memberships", []string{"user_id", "group_id"}, []string{"user_id", "group_id"})
	assert.Contains(t, query, "DO NOTHING")
}

func TestPKPredicate(t *testing.T) {
	pred, args := pkPredicate([]string{"id"}, model.PKValue{int64(7)}, 1)
	assert.Equal(t, `"id" = $1`, pred)
	assert.Equal(t, []interface{}{int64(7)}, args)

	pred, args = pkPredicate([]string{"station", "taken_at"}, model.PKValue{"syd", "2026-01-01"}, 3)
	assert.Equal(t, `"station" = $3 AND "taken_at" = $4`, pred)
	assert.Equal(t, []interface{}{"syd", "2026-01-01"}, args)
}

func TestTableApply_SnapshotRestore(t *testing.T) {
	ta := &tableApply{blockedPKs: map[string]bool{}}
	ta.stats.applied = 2
	ta.sanEntries = append(ta.sanEntries, sanitize.Entry{Field: "kept"})
	ta.auditQueue = append(ta.auditQueue, auditItem{eventType: "record_applied"})

	snap := ta.snapshot()

	ta.stats.applied = 9
	ta.stats.failed = 1
	ta.stats.failures = append(ta.stats.failures, RecordFailure{PK: "1"})
	ta.sanEntries = append(ta.sanEntries, sanitize.Entry{Field: "rolled_back"})
	ta.conflicts = append(ta.conflicts, &model.Conflict{ID: "c1"})
	ta.auditQueue = append(ta.auditQueue, auditItem{eventType: "rolled_back"})

	ta.restore(snap)

	assert.Equal(t, int64(2), ta.stats.applied)
	assert.Equal(t, int64(0), ta.stats.failed)
	assert.Empty(t, ta.stats.failures)
	require.Len(t, ta.sanEntries, 1)
	assert.Equal(t, "kept", ta.sanEntries[0].Field)
	assert.Empty(t, ta.conflicts)
	require.Len(t, ta.auditQueue, 1)
	assert.Equal(t, "record_applied", ta.auditQueue[0].eventType)
}

func TestTableApply_SnapshotIsolatedFromAppends(t *testing.T) {
	ta := &tableApply{}
	ta.sanEntries = append(ta.sanEntries, sanitize.Entry{Field: "a"})

	snap := ta.snapshot()
	// Appends after the snapshot must not alias into the snapshot's backing
	// array.
	ta.sanEntries = append(ta.sanEntries, sanitize.Entry{Field: "b"})
	ta.restore(snap)
	ta.sanEntries = append(ta.sanEntries, sanitize.Entry{Field: "c"})

	require.Len(t, ta.sanEntries, 2)
	assert.Equal(t, "a", ta.sanEntries[0].Field)
	assert.Equal(t, "c", ta.sanEntries[1].Field)
}

func TestFailureCode(t *testing.T) {
	assert.Equal(t, "E_TRANSIENT", failureCode(CategoryTransient))
	assert.Equal(t, "E_CONSTRAINT", failureCode(CategoryConstraint))
	assert.Equal(t, "E_APPLY", failureCode(CategorySchema))
}
