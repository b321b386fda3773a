// pkg/audit/chain_test.go
package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestWriter(t *testing.T, dir string) *Writer {
	t.Helper()
	w, err := NewWriter(dir, "install-1", zap.NewNop())
	require.NoError(t, err)
	return w
}

func appendN(t *testing.T, w *Writer, jobID string, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		e, err := w.Append(jobID, "tester", CategorySystem, "job_started", map[string]interface{}{"i": i})
		require.NoError(t, err)
		out = append(out, *e)
	}
	return out
}

func TestWriter_AppendChainsEvents(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir)

	events := appendN(t, w, "job-1", 3)
	require.NoError(t, w.Close())

	assert.Equal(t, seedHash("install-1"), events[0].PrevHash)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Hash, events[i].PrevHash)
		assert.Equal(t, events[i-1].Sequence+1, events[i].Sequence)
	}
	assert.NoError(t, VerifyDir(dir))
}

func TestWriter_SealWritesTrailer(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir)
	appendN(t, w, "job-1", 2)
	require.NoError(t, w.Close())

	files, err := filepath.Glob(filepath.Join(dir, "audit_*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	events, trailer, err := readFile(files[0])
	require.NoError(t, err)
	require.NotNil(t, trailer)
	assert.Equal(t, uint64(2), trailer.RecordCount)
	assert.Equal(t, events[len(events)-1].Hash, trailer.FinalHash)

	header, err := readHeader(files[0])
	require.NoError(t, err)
	assert.Equal(t, "install-1", header.InstallID)
	assert.Equal(t, seedHash("install-1"), header.InitialHash)
	assert.Equal(t, chainVersion, header.Version)
}

func TestWriter_RecoversChainAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	w1 := newTestWriter(t, dir)
	first := appendN(t, w1, "job-1", 2)
	// No Close: simulate a crash mid-day.
	require.NoError(t, w1.buf.Flush())

	w2 := newTestWriter(t, dir)
	resumed := appendN(t, w2, "job-2", 1)
	require.NoError(t, w2.Close())

	assert.Equal(t, first[1].Hash, resumed[0].PrevHash)
	assert.Equal(t, first[1].Sequence+1, resumed[0].Sequence)
	assert.NoError(t, VerifyDir(dir), "resumed file verifies end to end")
}

func TestWriter_ReopensSealedDayFile(t *testing.T) {
	dir := t.TempDir()

	w1 := newTestWriter(t, dir)
	appendN(t, w1, "job-1", 2)
	require.NoError(t, w1.Close())

	w2 := newTestWriter(t, dir)
	appendN(t, w2, "job-2", 1)
	require.NoError(t, w2.Close())

	require.NoError(t, VerifyDir(dir))

	files, err := filepath.Glob(filepath.Join(dir, "audit_*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	events, trailer, err := readFile(files[0])
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.NotNil(t, trailer)
	assert.Equal(t, uint64(3), trailer.RecordCount, "trailer covers events from both sessions")
	assert.Equal(t, events[2].Hash, trailer.FinalHash)

	header, err := readHeader(files[0])
	require.NoError(t, err)
	assert.Equal(t, seedHash("install-1"), header.InitialHash, "original header survives the reopen")
}

func TestWriter_HeadTracksLastEvent(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir)

	assert.Equal(t, seedHash("install-1"), w.Head())
	events := appendN(t, w, "job-1", 1)
	assert.Equal(t, events[0].Hash, w.Head())
	require.NoError(t, w.Close())
}

func TestWriter_EventsForJobFilters(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir)
	appendN(t, w, "job-a", 2)
	appendN(t, w, "job-b", 3)

	got, err := w.EventsForJob("job-b")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, e := range got {
		assert.Equal(t, "job-b", e.JobID)
	}
	require.NoError(t, w.Close())
}

// tamperEvent rewrites the nth event line of the single day file through fn.
func tamperEvent(t *testing.T, dir string, n int, fn func(map[string]interface{})) string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "audit_*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")

	seen := 0
	for i, line := range lines {
		var obj map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &obj))
		if kind, _ := obj["kind"].(string); kind == "header" || kind == "trailer" {
			continue
		}
		if seen == n {
			fn(obj)
			mutated, err := json.Marshal(obj)
			require.NoError(t, err)
			lines[i] = string(mutated)
			break
		}
		seen++
	}

	out, err := os.OpenFile(files[0], os.O_WRONLY|os.O_TRUNC, 0o640)
	require.NoError(t, err)
	buf := bufio.NewWriter(out)
	for _, line := range lines {
		_, err := buf.WriteString(line + "\n")
		require.NoError(t, err)
	}
	require.NoError(t, buf.Flush())
	require.NoError(t, out.Close())
	return files[0]
}

func TestVerifyFile_DetectsPayloadTampering(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir)
	events := appendN(t, w, "job-1", 3)
	require.NoError(t, w.Close())

	path := tamperEvent(t, dir, 1, func(obj map[string]interface{}) {
		obj["actor"] = "intruder"
	})

	err := VerifyFile(path)
	require.Error(t, err)
	var ierr *IntegrityError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, events[1].Sequence, ierr.Sequence, "error names the tampered event")
	assert.Equal(t, "hash", ierr.Field)
	assert.NotEqual(t, ierr.Expected, ierr.Recorded)
}

func TestVerifyFile_DetectsBrokenLink(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir)
	events := appendN(t, w, "job-1", 3)
	require.NoError(t, w.Close())

	path := tamperEvent(t, dir, 2, func(obj map[string]interface{}) {
		obj["prev_hash"] = strings.Repeat("0", 64)
	})

	err := VerifyFile(path)
	var ierr *IntegrityError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, events[2].Sequence, ierr.Sequence)
	assert.Equal(t, "prev_hash", ierr.Field)
}

func TestVerifyFile_DetectsTrailerMismatch(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir)
	appendN(t, w, "job-1", 2)
	require.NoError(t, w.Close())

	files, err := filepath.Glob(filepath.Join(dir, "audit_*.jsonl"))
	require.NoError(t, err)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)

	// Drop the last event but keep the trailer: record_count no longer matches.
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	truncated := append(lines[:len(lines)-2], lines[len(lines)-1])
	require.NoError(t, os.WriteFile(files[0], []byte(strings.Join(truncated, "\n")+"\n"), 0o640))

	verr := VerifyFile(files[0])
	var ierr *IntegrityError
	require.ErrorAs(t, verr, &ierr)
	// The missing event breaks either the final hash or the count, whichever
	// the verifier reaches first.
	assert.Contains(t, []string{"final_hash", "record_count"}, ierr.Field)
}

func TestSeedHash_DistinctPerInstall(t *testing.T) {
	assert.NotEqual(t, seedHash("a"), seedHash("b"))
	assert.Equal(t, seedHash("a"), seedHash("a"))
}
