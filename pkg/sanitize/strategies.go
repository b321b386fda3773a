// pkg/sanitize/strategies.go
package sanitize

import (
	"crypto/md5"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Strategy names a sanitization transform.
type Strategy string

const (
	StrategyMaskText        Strategy = "mask_text"
	StrategyHashEmail       Strategy = "hash_email"
	StrategyFullMask        Strategy = "full_mask"
	StrategyRandomize       Strategy = "randomize"
	StrategyNullify         Strategy = "nullify"
	StrategyApproximateDate Strategy = "approximate_date"
)

// RedactionToken is the constant value written by full_mask.
const RedactionToken = "***REDACTED***"

// IsValid reports whether s names a known strategy.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyMaskText, StrategyHashEmail, StrategyFullMask,
		StrategyRandomize, StrategyNullify, StrategyApproximateDate:
		return true
	}
	return false
}

// Idempotent reports whether applying the strategy twice yields the same
// value as applying it once.
func (s Strategy) Idempotent() bool {
	switch s {
	case StrategyFullMask, StrategyNullify, StrategyApproximateDate:
		return true
	}
	return false
}

// Deterministic reports whether the strategy maps equal inputs to equal
// outputs across runs. Randomize draws fresh values every time, so a stored
// result can never be reproduced from the source.
func (s Strategy) Deterministic() bool {
	return s != StrategyRandomize
}

// apply runs the strategy against a value. The second return reports
// whether the value was modified.
func (s Strategy) apply(value interface{}, rng *rand.Rand) (interface{}, bool, error) {
	if value == nil {
		return nil, false, nil
	}

	switch s {
	case StrategyNullify:
		return nil, true, nil

	case StrategyFullMask:
		if str, ok := asString(value); ok && str == RedactionToken {
			return value, false, nil
		}
		return RedactionToken, true, nil

	case StrategyMaskText:
		str, ok := asString(value)
		if !ok {
			return value, false, nil
		}
		masked := maskText(str)
		return masked, masked != str, nil

	case StrategyHashEmail:
		str, ok := asString(value)
		if !ok {
			return value, false, nil
		}
		hashed, err := hashEmail(str)
		if err != nil {
			return nil, false, err
		}
		return hashed, hashed != str, nil

	case StrategyRandomize:
		str, ok := asString(value)
		if !ok {
			return value, false, nil
		}
		if str == "" {
			return str, false, nil
		}
		return randomizePreservingFormat(str, rng), true, nil

	case StrategyApproximateDate:
		return approximateDate(value)

	default:
		return nil, false, fmt.Errorf("unknown sanitization strategy %q", s)
	}
}

// maskText preserves the first and last character and replaces the middle
// with X. Strings of length two or less pass through unchanged.
func maskText(s string) string {
	runes := []rune(s)
	if len(runes) <= 2 {
		return s
	}
	var sb strings.Builder
	sb.WriteRune(runes[0])
	for i := 1; i < len(runes)-1; i++ {
		sb.WriteRune('X')
	}
	sb.WriteRune(runes[len(runes)-1])
	return sb.String()
}

// hashEmail replaces the local part with the first 8 hex characters of its
// MD5 digest, preserving the domain.
func hashEmail(s string) (string, error) {
	at := strings.LastIndex(s, "@")
	if at <= 0 {
		return "", fmt.Errorf("value is not an email address")
	}
	local, domain := s[:at], s[at+1:]
	digest := md5.Sum([]byte(local))
	return fmt.Sprintf("%x@%s", digest[:4], domain), nil
}

// randomizePreservingFormat replaces digits with random digits and letters
// with random letters of the same case; punctuation and spacing survive.
func randomizePreservingFormat(s string, rng *rand.Rand) string {
	out := []rune(s)
	for i, r := range out {
		switch {
		case r >= '0' && r <= '9':
			out[i] = rune('0' + rng.Intn(10))
		case r >= 'a' && r <= 'z':
			out[i] = rune('a' + rng.Intn(26))
		case r >= 'A' && r <= 'Z':
			out[i] = rune('A' + rng.Intn(26))
		}
	}
	return string(out)
}

// approximateDate rounds a date to the first of its month.
func approximateDate(value interface{}) (interface{}, bool, error) {
	switch v := value.(type) {
	case time.Time:
		rounded := time.Date(v.Year(), v.Month(), 1, 0, 0, 0, 0, v.Location())
		return rounded, !rounded.Equal(v), nil
	case string:
		for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, v); err == nil {
				rounded := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
				formatted := rounded.Format("2006-01-02")
				return formatted, formatted != v, nil
			}
		}
		return nil, false, fmt.Errorf("value %q is not a recognized date", v)
	default:
		return nil, false, fmt.Errorf("cannot approximate date from %T", value)
	}
}

func asString(value interface{}) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	}
	return "", false
}
