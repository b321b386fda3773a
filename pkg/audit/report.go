// pkg/audit/report.go
package audit

import (
	"sort"
	"time"
)

// ThresholdBreach records that a category's alert threshold was exceeded
// within its window.
type ThresholdBreach struct {
	Category    Category  `json:"category"`
	Count       int       `json:"count"`
	Threshold   int       `json:"threshold"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// Report is the factual summary of a job's audit trail. It carries counts
// and breaches only, no interpretation.
type Report struct {
	JobID         string            `json:"job_id"`
	GeneratedAt   time.Time         `json:"generated_at"`
	EventCount    int               `json:"event_count"`
	FirstEvent    *time.Time        `json:"first_event,omitempty"`
	LastEvent     *time.Time        `json:"last_event,omitempty"`
	ByCategory    map[Category]int  `json:"by_category"`
	ByEventType   map[string]int    `json:"by_event_type"`
	BySeverity    map[Severity]int  `json:"by_severity"`
	Breaches      []ThresholdBreach `json:"breaches,omitempty"`
	ChainVerified bool              `json:"chain_verified"`
	ChainFailure  string            `json:"chain_failure,omitempty"`
}

// BuildReport summarizes a job's events and evaluates the alert thresholds
// with a sliding window over each category's event times.
func BuildReport(jobID string, events []Event, chainErr error) *Report {
	r := &Report{
		JobID:         jobID,
		GeneratedAt:   time.Now().UTC(),
		EventCount:    len(events),
		ByCategory:    make(map[Category]int),
		ByEventType:   make(map[string]int),
		BySeverity:    make(map[Severity]int),
		ChainVerified: chainErr == nil,
	}
	if chainErr != nil {
		r.ChainFailure = chainErr.Error()
	}
	if len(events) == 0 {
		return r
	}

	first := events[0].Timestamp
	last := events[len(events)-1].Timestamp
	r.FirstEvent = &first
	r.LastEvent = &last

	byCategoryTimes := make(map[Category][]time.Time)
	for _, e := range events {
		r.ByCategory[e.Category]++
		r.ByEventType[e.EventType]++
		r.BySeverity[e.Severity]++
		byCategoryTimes[e.Category] = append(byCategoryTimes[e.Category], e.Timestamp)
	}

	for _, th := range Thresholds() {
		times := byCategoryTimes[th.Category]
		if len(times) < th.Count {
			continue
		}
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

		// Slide a window across the sorted times looking for th.Count
		// events inside th.Window.
		lo := 0
		for hi := range times {
			for times[hi].Sub(times[lo]) > th.Window {
				lo++
			}
			if hi-lo+1 >= th.Count {
				r.Breaches = append(r.Breaches, ThresholdBreach{
					Category:    th.Category,
					Count:       hi - lo + 1,
					Threshold:   th.Count,
					WindowStart: times[lo],
					WindowEnd:   times[hi],
				})
				break
			}
		}
	}
	return r
}
