// pkg/handler/geometry.go
package handler

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"

	"github.com/parcelpoint/syncd/pkg/model"
)

// GeometryHandler normalizes spatial columns. GeoJSON is the canonical
// form; WKT input parses to the same geometry. Values that parse compare
// geometrically, everything else falls back to exact string comparison.
type GeometryHandler struct{}

func (h *GeometryHandler) Name() string { return "geometry" }

func (h *GeometryHandler) Claims(col model.Column) bool {
	return col.Type == model.TypeGeometry
}

// Extract parses GeoJSON or WKT into an orb.Geometry. Unparseable values
// are kept as raw strings so WKT string equality still applies downstream.
func (h *GeometryHandler) Extract(col model.Column, raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	var s string
	switch v := raw.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case orb.Geometry:
		return v, nil
	default:
		return nil, fmt.Errorf("%w: %T is not a geometry encoding", ErrCannotNormalize, raw)
	}

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") {
		geom, err := geojson.UnmarshalGeometry([]byte(trimmed))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid GeoJSON: %v", ErrCannotNormalize, err)
		}
		return geom.Geometry(), nil
	}

	if geom, err := wkt.Unmarshal(trimmed); err == nil {
		return geom, nil
	}

	// Not GeoJSON, not WKT. Keep the raw string; Equal degrades to string
	// comparison.
	return trimmed, nil
}

// Prepare serializes the geometry as canonical GeoJSON.
func (h *GeometryHandler) Prepare(col model.Column, normalized interface{}) (interface{}, error) {
	if normalized == nil {
		return nil, nil
	}
	switch v := normalized.(type) {
	case orb.Geometry:
		data, err := json.Marshal(geojson.NewGeometry(v))
		if err != nil {
			return nil, fmt.Errorf("failed to serialize geometry: %w", err)
		}
		return string(data), nil
	case string:
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported normalized geometry %T", normalized)
	}
}

// Equal compares geometries canonically when both sides parsed, and by
// string when either side stayed raw.
func (h *GeometryHandler) Equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ga, okA := a.(orb.Geometry)
	gb, okB := b.(orb.Geometry)
	if okA && okB {
		return orb.Equal(ga, gb)
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		return sa == sb
	}
	return false
}

// DocumentRefHandler normalizes document-reference columns. A reference is
// stored either as a plain path/URL string or as a JSON object carrying a
// path plus metadata; only the path participates in comparison.
type DocumentRefHandler struct{}

func (h *DocumentRefHandler) Name() string { return "document_ref" }

func (h *DocumentRefHandler) Claims(col model.Column) bool {
	return col.Type == model.TypeDocumentRef
}

// Extract reduces the reference to its stored path or URL.
func (h *DocumentRefHandler) Extract(col model.Column, raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	var s string
	switch v := raw.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case map[string]interface{}:
		return pathFromObject(v)
	default:
		return nil, fmt.Errorf("%w: %T is not a document reference", ErrCannotNormalize, raw)
	}

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
			return nil, fmt.Errorf("%w: invalid document reference: %v", ErrCannotNormalize, err)
		}
		return pathFromObject(obj)
	}
	return trimmed, nil
}

func pathFromObject(obj map[string]interface{}) (interface{}, error) {
	for _, key := range []string{"path", "url", "uri", "href"} {
		if v, ok := obj[key]; ok {
			if s, ok := v.(string); ok {
				return s, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: document reference object has no path or url", ErrCannotNormalize)
}

// Prepare passes the path through; metadata stripped at extract time is not
// reconstructed.
func (h *DocumentRefHandler) Prepare(col model.Column, normalized interface{}) (interface{}, error) {
	return normalized, nil
}

// Equal compares by stored path only, ignoring metadata.
func (h *DocumentRefHandler) Equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}
