// pkg/handler/temporal.go
package handler

import (
	"fmt"
	"strings"
	"time"

	"github.com/parcelpoint/syncd/pkg/model"
)

// TemporalHandler normalizes timestamp and date columns to UTC time.Time,
// so equivalent representations from different drivers compare equal.
type TemporalHandler struct{}

// timestampLayouts are tried in order when parsing string input.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (h *TemporalHandler) Name() string { return "temporal" }

func (h *TemporalHandler) Claims(col model.Column) bool {
	return col.Type == model.TypeTimestamp || col.Type == model.TypeDate
}

// Extract parses the value to a UTC time. Dates truncate to midnight.
func (h *TemporalHandler) Extract(col model.Column, raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	var t time.Time
	switch v := raw.(type) {
	case time.Time:
		t = v
	case string:
		parsed, err := parseTimestamp(v)
		if err != nil {
			return nil, err
		}
		t = parsed
	case []byte:
		parsed, err := parseTimestamp(string(v))
		if err != nil {
			return nil, err
		}
		t = parsed
	default:
		return nil, fmt.Errorf("%w: %T is not a timestamp", ErrCannotNormalize, raw)
	}

	t = t.UTC()
	if col.Type == model.TypeDate {
		t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t, nil
}

func parseTimestamp(s string) (time.Time, error) {
	trimmed := strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q is not a recognized timestamp", ErrCannotNormalize, s)
}

// Prepare renders timestamps in RFC 3339 and dates as YYYY-MM-DD.
func (h *TemporalHandler) Prepare(col model.Column, normalized interface{}) (interface{}, error) {
	if normalized == nil {
		return nil, nil
	}
	t, ok := normalized.(time.Time)
	if !ok {
		return nil, fmt.Errorf("unsupported normalized timestamp %T", normalized)
	}
	if col.Type == model.TypeDate {
		return t.Format("2006-01-02"), nil
	}
	return t.Format(time.RFC3339Nano), nil
}

// Equal compares instants; location differences do not matter.
func (h *TemporalHandler) Equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, okA := a.(time.Time)
	tb, okB := b.(time.Time)
	if !okA || !okB {
		return false
	}
	return ta.Equal(tb)
}
