// pkg/handler/handler.go
package handler

import (
	"errors"

	"go.uber.org/zap"

	"github.com/parcelpoint/syncd/pkg/model"
)

// ErrCannotNormalize is the sentinel returned when a handler cannot make
// sense of a raw value. Callers treat such columns as changed rather than
// failing the row.
var ErrCannotNormalize = errors.New("cannot normalize value")

// Handler normalizes one column type across the extract/compare/prepare
// boundary.
type Handler interface {
	// Name identifies the handler in logs and sanitization records.
	Name() string

	// Claims reports whether this handler owns the column.
	Claims(col model.Column) bool

	// Extract converts a raw database value into its normalized form.
	Extract(col model.Column, raw interface{}) (interface{}, error)

	// Prepare converts a normalized value back into a database literal.
	Prepare(col model.Column, normalized interface{}) (interface{}, error)

	// Equal compares two normalized values under the type's semantics.
	Equal(a, b interface{}) bool
}

// Registry dispatches to handlers in declared order; the first handler whose
// Claims returns true wins. The default scalar handler always matches, so
// Find never fails.
type Registry struct {
	handlers []Handler
	logger   *zap.Logger
}

// NewRegistry builds the standard registry: structured types first, scalar
// fallback last.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger.Named("handlers"),
		handlers: []Handler{
			&JSONHandler{},
			&ArrayHandler{},
			&GeometryHandler{},
			&DocumentRefHandler{},
			&FloatHandler{},
			&TemporalHandler{},
			&BinaryHandler{},
			&ScalarHandler{},
		},
	}
}

// Find returns the handler that claims the column.
func (r *Registry) Find(col model.Column) Handler {
	for _, h := range r.handlers {
		if h.Claims(col) {
			return h
		}
	}
	// Unreachable: ScalarHandler claims everything.
	return &ScalarHandler{}
}

// Extract normalizes a raw value through the owning handler.
func (r *Registry) Extract(col model.Column, raw interface{}) (interface{}, error) {
	return r.Find(col).Extract(col, raw)
}

// Prepare converts a normalized value to a database literal.
func (r *Registry) Prepare(col model.Column, normalized interface{}) (interface{}, error) {
	return r.Find(col).Prepare(col, normalized)
}

// Equal compares two raw values for a column, normalizing each first.
// Values that cannot be normalized are conservatively reported unequal.
func (r *Registry) Equal(col model.Column, a, b interface{}) bool {
	h := r.Find(col)
	na, errA := h.Extract(col, a)
	nb, errB := h.Extract(col, b)
	if errA != nil || errB != nil {
		r.logger.Debug("Treating column as changed: value not normalizable",
			zap.String("column", col.Name),
			zap.String("handler", h.Name()))
		return false
	}
	return h.Equal(na, nb)
}
