// pkg/handler/scalar.go
package handler

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	"github.com/parcelpoint/syncd/pkg/model"
)

// ScalarHandler is the default handler for integer, text, and boolean
// columns as well as anything no other handler claims.
type ScalarHandler struct{}

func (h *ScalarHandler) Name() string { return "scalar" }

// Claims always returns true; the scalar handler is the registry fallback.
func (h *ScalarHandler) Claims(col model.Column) bool { return true }

// Extract normalizes integers to int64, booleans to bool, and everything
// else to its string form. []byte decodes as UTF-8 text.
func (h *ScalarHandler) Extract(col model.Column, raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint, uint8, uint16, uint32, uint64:
		u := fmtUint(v)
		if u > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrCannotNormalize, u)
		}
		return int64(u), nil
	case bool:
		return v, nil
	case []byte:
		return string(v), nil
	case string:
		if col.Type == model.TypeInteger {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not an integer", ErrCannotNormalize, v)
			}
			return n, nil
		}
		if col.Type == model.TypeBoolean {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not a boolean", ErrCannotNormalize, v)
			}
			return b, nil
		}
		return v, nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

// Prepare passes normalized scalars through unchanged; database/sql handles
// int64, bool, and string natively.
func (h *ScalarHandler) Prepare(col model.Column, normalized interface{}) (interface{}, error) {
	return normalized, nil
}

// Equal compares scalars by normalized value.
func (h *ScalarHandler) Equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ab, ok := a.([]byte); ok {
		if bb, ok2 := b.([]byte); ok2 {
			return bytes.Equal(ab, bb)
		}
	}
	return a == b
}

func fmtUint(v interface{}) uint64 {
	switch u := v.(type) {
	case uint:
		return uint64(u)
	case uint8:
		return uint64(u)
	case uint16:
		return uint64(u)
	case uint32:
		return uint64(u)
	case uint64:
		return u
	}
	return 0
}

// FloatHandler compares floating-point columns with absolute tolerance.
type FloatHandler struct{}

const floatTolerance = 1e-10

func (h *FloatHandler) Name() string { return "float" }

func (h *FloatHandler) Claims(col model.Column) bool {
	return col.Type == model.TypeFloat
}

// Extract converts any numeric representation to float64.
func (h *FloatHandler) Extract(col model.Column, raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case []byte:
		return parseFloat(string(v))
	case string:
		return parseFloat(v)
	default:
		return nil, fmt.Errorf("%w: %T is not numeric", ErrCannotNormalize, raw)
	}
}

func parseFloat(s string) (interface{}, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a float", ErrCannotNormalize, s)
	}
	return f, nil
}

func (h *FloatHandler) Prepare(col model.Column, normalized interface{}) (interface{}, error) {
	return normalized, nil
}

// Equal compares with absolute tolerance 1e-10.
func (h *FloatHandler) Equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	fa, okA := a.(float64)
	fb, okB := b.(float64)
	if !okA || !okB {
		return false
	}
	return math.Abs(fa-fb) <= floatTolerance
}

// BinaryHandler handles bytea columns.
type BinaryHandler struct{}

func (h *BinaryHandler) Name() string { return "binary" }

func (h *BinaryHandler) Claims(col model.Column) bool {
	return col.Type == model.TypeBinary
}

func (h *BinaryHandler) Extract(col model.Column, raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("%w: %T is not binary", ErrCannotNormalize, raw)
	}
}

func (h *BinaryHandler) Prepare(col model.Column, normalized interface{}) (interface{}, error) {
	return normalized, nil
}

func (h *BinaryHandler) Equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ab, okA := a.([]byte)
	bb, okB := b.([]byte)
	if !okA || !okB {
		return false
	}
	return bytes.Equal(ab, bb)
}
