// pkg/sanitize/sanitizer.go
package sanitize

import (
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/parcelpoint/syncd/pkg/config"
	"github.com/parcelpoint/syncd/pkg/model"
)

// Entry records one field mutation performed during sanitization. Entries
// are informational and stored separately from audit events.
type Entry struct {
	JobID       string    `db:"job_id"`
	Table       string    `db:"table_name"`
	Field       string    `db:"field"`
	RecordPK    string    `db:"record_pk"`
	Strategy    Strategy  `db:"strategy"`
	WasModified bool      `db:"was_modified"`
	RuleName    string    `db:"rule_name"`
	AppliedAt   time.Time `db:"applied_at"`
}

// Sanitizer transforms source records so sensitive fields are redacted
// before they are applied to the target. Rules come from the field mapping;
// fields without a declared class are classified by name heuristics.
type Sanitizer struct {
	mapping         *config.Mapping
	defaultStrategy Strategy
	logger          *zap.Logger
	rng             *rand.Rand
}

// NewSanitizer creates a sanitizer over a mapping snapshot.
func NewSanitizer(mapping *config.Mapping, defaultStrategy string, logger *zap.Logger) *Sanitizer {
	strategy := Strategy(defaultStrategy)
	if !strategy.IsValid() {
		strategy = StrategyMaskText
	}
	return &Sanitizer{
		mapping:         mapping,
		defaultStrategy: strategy,
		logger:          logger.Named("sanitizer"),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SanitizeRecord applies the declared rules to a record and returns the
// sanitized copy plus one entry per field that had a rule applied. The
// input record is never modified.
func (s *Sanitizer) SanitizeRecord(table string, pk model.PKValue, rec model.Record) (model.Record, []Entry) {
	out := rec.Clone()
	var entries []Entry

	// Stable application order: sorted column names.
	for _, field := range rec.Columns() {
		strategy, ruleName, ok := s.ruleFor(table, field)
		if !ok {
			continue
		}

		value := out[field]
		sanitized, modified, err := strategy.apply(value, s.rng)
		if err != nil {
			// Rule raised on input: null the field with a warning rather
			// than failing the row.
			s.logger.Warn("Sanitization rule failed, nulling field",
				zap.String("table", table),
				zap.String("field", field),
				zap.String("strategy", string(strategy)),
				zap.Error(err))
			out[field] = nil
			entries = append(entries, Entry{
				Table:       table,
				Field:       field,
				RecordPK:    pk.String(),
				Strategy:    StrategyNullify,
				WasModified: value != nil,
				RuleName:    ruleName,
				AppliedAt:   time.Now().UTC(),
			})
			continue
		}

		out[field] = sanitized
		entries = append(entries, Entry{
			Table:       table,
			Field:       field,
			RecordPK:    pk.String(),
			Strategy:    strategy,
			WasModified: modified,
			RuleName:    ruleName,
			AppliedAt:   time.Now().UTC(),
		})
	}

	return out, entries
}

// ApplyDeterministic returns a copy of the record with every deterministic
// rule applied and other fields untouched. Change detection uses it to
// compare the source against what apply would have stored in the target;
// no log entries are emitted because nothing is written.
func (s *Sanitizer) ApplyDeterministic(table string, rec model.Record) model.Record {
	out := rec.Clone()
	for _, field := range rec.Columns() {
		strategy, _, ok := s.ruleFor(table, field)
		if !ok || !strategy.Deterministic() {
			continue
		}
		sanitized, _, err := strategy.apply(out[field], s.rng)
		if err != nil {
			out[field] = nil
			continue
		}
		out[field] = sanitized
	}
	return out
}

// ComparableColumns filters out fields whose rule is non-deterministic;
// their stored target value is random and never matches a value re-derived
// from the source.
func (s *Sanitizer) ComparableColumns(table string, fields []string) []string {
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		strategy, _, ok := s.ruleFor(table, field)
		if ok && !strategy.Deterministic() {
			continue
		}
		out = append(out, field)
	}
	return out
}

// HasRules reports whether any field of the table has a sanitization rule,
// declared or inferred.
func (s *Sanitizer) HasRules(table string, fields []string) bool {
	for _, field := range fields {
		if _, _, ok := s.ruleFor(table, field); ok {
			return true
		}
	}
	return false
}

// ruleFor resolves the strategy for a field: declared sanitization class
// first, then name heuristics.
func (s *Sanitizer) ruleFor(table, field string) (Strategy, string, bool) {
	if fc := s.mapping.FieldFor(table, field); fc != nil && fc.SanitizationClass != "" {
		declared := Strategy(fc.SanitizationClass)
		if declared.IsValid() {
			return declared, "declared:" + fc.SanitizationClass, true
		}
		// Unknown declared class: fall back to the configured default.
		s.logger.Warn("Unknown sanitization class, using default",
			zap.String("table", table),
			zap.String("field", field),
			zap.String("class", fc.SanitizationClass))
		return s.defaultStrategy, "fallback:" + fc.SanitizationClass, true
	}

	if strategy, name, ok := inferStrategy(field); ok {
		return strategy, name, true
	}
	return "", "", false
}

// heuristicRules maps field-name fragments to strategies, checked in order.
var heuristicRules = []struct {
	fragment string
	strategy Strategy
	name     string
}{
	{"email", StrategyHashEmail, "heuristic:email"},
	{"ssn", StrategyFullMask, "heuristic:ssn"},
	{"tax_id", StrategyFullMask, "heuristic:tax_id"},
	{"account_number", StrategyFullMask, "heuristic:account_number"},
	{"password", StrategyNullify, "heuristic:password"},
	{"phone", StrategyRandomize, "heuristic:phone"},
	{"birth", StrategyApproximateDate, "heuristic:birth"},
	{"dob", StrategyApproximateDate, "heuristic:dob"},
	{"owner_name", StrategyMaskText, "heuristic:owner_name"},
	{"taxpayer", StrategyMaskText, "heuristic:taxpayer"},
}

func inferStrategy(field string) (Strategy, string, bool) {
	lower := strings.ToLower(field)
	for _, rule := range heuristicRules {
		if strings.Contains(lower, rule.fragment) {
			return rule.strategy, rule.name, true
		}
	}
	return "", "", false
}
