// pkg/audit/categories.go
package audit

import "time"

// Category groups audit events by the kind of activity they record.
type Category string

const (
	CategoryAuthentication   Category = "authentication"
	CategoryDataAccess       Category = "data_access"
	CategoryDataModification Category = "data_modification"
	CategoryAdministrative   Category = "administrative"
	CategorySecurity         Category = "security"
	CategorySystem           Category = "system"
)

// Severity ranks an event for reporting and alerting.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertThreshold triggers when Count events of a category arrive within
// Window. Breaches are surfaced in the audit report, never acted on here.
type AlertThreshold struct {
	Category Category
	Count    int
	Window   time.Duration
}

// eventSeverities maps event types to their declared severity. Unlisted
// event types default to info.
var eventSeverities = map[string]Severity{
	"login_failure":          SeverityWarning,
	"permission_denied":      SeverityWarning,
	"chain_integrity_failed": SeverityCritical,
	"job_failed":             SeverityWarning,
	"job_cancelled":          SeverityWarning,
	"conflict_detected":      SeverityWarning,
	"schema_validation_err":  SeverityWarning,
	"record_failed":          SeverityWarning,
}

// SeverityFor returns the declared severity for an event type.
func SeverityFor(eventType string) Severity {
	if s, ok := eventSeverities[eventType]; ok {
		return s
	}
	return SeverityInfo
}

// defaultThresholds are the per-category alert rules evaluated by the
// report generator.
var defaultThresholds = []AlertThreshold{
	{Category: CategoryAuthentication, Count: 5, Window: 30 * time.Minute},
	{Category: CategorySecurity, Count: 3, Window: 60 * time.Minute},
	{Category: CategoryDataModification, Count: 10000, Window: 10 * time.Minute},
}

// Thresholds returns the alert rules in effect.
func Thresholds() []AlertThreshold {
	out := make([]AlertThreshold, len(defaultThresholds))
	copy(out, defaultThresholds)
	return out
}
