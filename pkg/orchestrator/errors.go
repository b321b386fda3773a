// pkg/orchestrator/errors.go
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/parcelpoint/syncd/pkg/config"
)

// ErrorCategory classifies a failure for retry and propagation decisions.
type ErrorCategory string

const (
	// CategoryConfiguration covers missing or invalid options. Fatal at
	// job start.
	CategoryConfiguration ErrorCategory = "configuration"
	// CategorySchema covers validation failures. Fatal for the table op.
	CategorySchema ErrorCategory = "schema"
	// CategoryTransient covers connection drops, deadlocks, and timeouts.
	// Retried with backoff.
	CategoryTransient ErrorCategory = "transient"
	// CategoryConstraint covers unique, FK, and check violations. Row
	// level, not retried past per-row isolation.
	CategoryConstraint ErrorCategory = "constraint"
	// CategorySanitization covers rule failures. Row level, field nulled.
	CategorySanitization ErrorCategory = "sanitization"
	// CategoryAudit covers chain integrity failures. Fatal for the job.
	CategoryAudit ErrorCategory = "audit"
)

var transientFragments = []string{
	"deadlock",
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"timed out",
	"temporarily unavailable",
	"too many connections",
	"server closed",
	"eof",
}

var constraintFragments = []string{
	"unique constraint",
	"duplicate key",
	"foreign key",
	"violates check",
	"not-null constraint",
	"null value in column",
}

// Classify buckets an error for the retry policy. Timeouts classify as
// transient so they count against the retry budget.
func Classify(err error) ErrorCategory {
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range constraintFragments {
		if strings.Contains(msg, frag) {
			return CategoryConstraint
		}
	}
	for _, frag := range transientFragments {
		if strings.Contains(msg, frag) {
			return CategoryTransient
		}
	}
	return CategoryConstraint
}

// RecordFailure is one row that could not be applied after the retry budget
// was exhausted.
type RecordFailure struct {
	Table    string        `json:"table"`
	PK       string        `json:"pk"`
	Category ErrorCategory `json:"category"`
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	Retries  int           `json:"retries"`
}

func (f RecordFailure) String() string {
	return fmt.Sprintf("[%s/%s] %s pk=%s: %s (retries=%d)",
		f.Category, f.Code, f.Table, f.PK, f.Message, f.Retries)
}

// backoffDelay returns the exponential delay before retry attempt n
// (0-based), capped at the configured maximum.
func backoffDelay(attempt int, opts config.Options) time.Duration {
	delay := opts.RetryInitialBackoff
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= opts.RetryMaxBackoff {
			return opts.RetryMaxBackoff
		}
	}
	if delay > opts.RetryMaxBackoff {
		return opts.RetryMaxBackoff
	}
	return delay
}

// sleepCtx waits for d or until the context ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
