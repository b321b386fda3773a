// pkg/handler/json.go
package handler

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/lib/pq"

	"github.com/parcelpoint/syncd/pkg/model"
)

// JSONHandler normalizes json/jsonb columns. Values compare structurally:
// two encodings of the same document are equal regardless of key order or
// whitespace.
type JSONHandler struct{}

func (h *JSONHandler) Name() string { return "json" }

func (h *JSONHandler) Claims(col model.Column) bool {
	return col.Type == model.TypeJSON
}

// Extract parses string-encoded JSON into its structural form.
func (h *JSONHandler) Extract(col model.Column, raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case string:
		return parseJSON([]byte(v))
	case []byte:
		return parseJSON(v)
	case map[string]interface{}, []interface{}, float64, bool:
		return v, nil
	default:
		// Structured value handed to us directly; round-trip through the
		// encoder to collapse concrete types.
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCannotNormalize, err)
		}
		return parseJSON(data)
	}
}

func parseJSON(data []byte) (interface{}, error) {
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrCannotNormalize, err)
	}
	return out, nil
}

// Prepare serializes the structural form back to a JSON literal. Map keys
// are emitted sorted by encoding/json, so output is deterministic.
func (h *JSONHandler) Prepare(col model.Column, normalized interface{}) (interface{}, error) {
	if normalized == nil {
		return nil, nil
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize JSON value: %w", err)
	}
	return string(data), nil
}

func (h *JSONHandler) Equal(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}

// ArrayHandler normalizes array columns. Both PostgreSQL array literals
// ({a,b,c}) and JSON array encodings parse to the same sequence form.
type ArrayHandler struct{}

func (h *ArrayHandler) Name() string { return "array" }

func (h *ArrayHandler) Claims(col model.Column) bool {
	return col.Type == model.TypeArray
}

// Extract parses the value into a []interface{} sequence.
func (h *ArrayHandler) Extract(col model.Column, raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case []interface{}:
		return v, nil
	case string:
		return parseArrayLiteral(v)
	case []byte:
		return parseArrayLiteral(string(v))
	default:
		// Typed slices ([]string, []int64, ...) flatten via reflection.
		val := reflect.ValueOf(raw)
		if val.Kind() == reflect.Slice {
			out := make([]interface{}, val.Len())
			for i := 0; i < val.Len(); i++ {
				out[i] = val.Index(i).Interface()
			}
			return out, nil
		}
		return nil, fmt.Errorf("%w: %T is not an array", ErrCannotNormalize, raw)
	}
}

// parseArrayLiteral accepts a JSON array or a PostgreSQL array literal.
func parseArrayLiteral(s string) (interface{}, error) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "[") {
		var out []interface{}
		if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
			return nil, fmt.Errorf("%w: invalid JSON array: %v", ErrCannotNormalize, err)
		}
		return out, nil
	}
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		var elems pq.StringArray
		if err := elems.Scan([]byte(trimmed)); err != nil {
			return nil, fmt.Errorf("%w: invalid array literal: %v", ErrCannotNormalize, err)
		}
		out := make([]interface{}, len(elems))
		for i, e := range elems {
			out[i] = e
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %q is not an array literal", ErrCannotNormalize, s)
}

// Prepare serializes the sequence as a JSON array; the target column is
// expected to accept json or be cast on write.
func (h *ArrayHandler) Prepare(col model.Column, normalized interface{}) (interface{}, error) {
	if normalized == nil {
		return nil, nil
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize array value: %w", err)
	}
	return string(data), nil
}

// Equal compares sequences element-wise after string normalization, so
// {1,2,3} and ["1","2","3"] read from different drivers compare equal.
func (h *ArrayHandler) Equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	sa, okA := a.([]interface{})
	sb, okB := b.([]interface{})
	if !okA || !okB {
		return reflect.DeepEqual(a, b)
	}
	if len(sa) != len(sb) {
		return false
	}
	for i := range sa {
		if fmt.Sprintf("%v", sa[i]) != fmt.Sprintf("%v", sb[i]) {
			return false
		}
	}
	return true
}
