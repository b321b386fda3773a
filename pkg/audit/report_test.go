// pkg/audit/report_test.go
package audit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventAt(ts time.Time, category Category, eventType string) Event {
	return Event{
		Timestamp: ts,
		Category:  category,
		EventType: eventType,
		Severity:  SeverityFor(eventType),
	}
}

func TestSeverityFor(t *testing.T) {
	assert.Equal(t, SeverityWarning, SeverityFor("login_failure"))
	assert.Equal(t, SeverityCritical, SeverityFor("chain_integrity_failed"))
	assert.Equal(t, SeverityInfo, SeverityFor("job_started"))
}

func TestBuildReport_Counts(t *testing.T) {
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	events := []Event{
		eventAt(base, CategorySystem, "job_started"),
		eventAt(base.Add(time.Minute), CategoryDataModification, "record_applied"),
		eventAt(base.Add(2*time.Minute), CategoryDataModification, "record_applied"),
		eventAt(base.Add(3*time.Minute), CategorySystem, "job_completed"),
	}

	r := BuildReport("job-1", events, nil)
	assert.Equal(t, "job-1", r.JobID)
	assert.Equal(t, 4, r.EventCount)
	assert.Equal(t, 2, r.ByCategory[CategorySystem])
	assert.Equal(t, 2, r.ByCategory[CategoryDataModification])
	assert.Equal(t, 2, r.ByEventType["record_applied"])
	assert.Equal(t, 4, r.BySeverity[SeverityInfo])
	require.NotNil(t, r.FirstEvent)
	require.NotNil(t, r.LastEvent)
	assert.Equal(t, base, *r.FirstEvent)
	assert.Equal(t, base.Add(3*time.Minute), *r.LastEvent)
	assert.True(t, r.ChainVerified)
	assert.Empty(t, r.Breaches)
}

func TestBuildReport_AuthThresholdBreach(t *testing.T) {
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	var events []Event
	// Five login failures inside thirty minutes trips the auth threshold.
	for i := 0; i < 5; i++ {
		events = append(events, eventAt(base.Add(time.Duration(i)*time.Minute), CategoryAuthentication, "login_failure"))
	}

	r := BuildReport("job-1", events, nil)
	require.Len(t, r.Breaches, 1)
	b := r.Breaches[0]
	assert.Equal(t, CategoryAuthentication, b.Category)
	assert.Equal(t, 5, b.Count)
	assert.Equal(t, 5, b.Threshold)
	assert.Equal(t, base, b.WindowStart)
}

func TestBuildReport_SpreadEventsDoNotBreach(t *testing.T) {
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	var events []Event
	// Five failures spread over five hours never fit one window.
	for i := 0; i < 5; i++ {
		events = append(events, eventAt(base.Add(time.Duration(i)*time.Hour), CategoryAuthentication, "login_failure"))
	}

	r := BuildReport("job-1", events, nil)
	assert.Empty(t, r.Breaches)
}

func TestBuildReport_ChainFailureRecorded(t *testing.T) {
	r := BuildReport("job-1", nil, errors.New("audit chain broken in audit_20260501.jsonl at event 3"))
	assert.False(t, r.ChainVerified)
	assert.Contains(t, r.ChainFailure, "event 3")
	assert.Equal(t, 0, r.EventCount)
}
