// pkg/detect/hash.go
package detect

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/parcelpoint/syncd/pkg/handler"
	"github.com/parcelpoint/syncd/pkg/model"
)

// RowHash computes a deterministic content hash for a record: key-sorted
// field serialization, datetimes in ISO form, structured values as sorted
// JSON. The hash is invariant under JSON key reordering, equivalent
// datetime representations, and equivalent array serializations because
// values are normalized through the type handlers first.
func RowHash(registry *handler.Registry, meta *model.TableMetadata, rec model.Record) string {
	canonical := make(map[string]interface{}, len(rec))
	for _, name := range rec.Columns() {
		col := meta.GetColumnByName(name)
		raw := rec[name]
		if col == nil {
			canonical[name] = canonicalValue(raw)
			continue
		}
		normalized, err := registry.Extract(*col, raw)
		if err != nil {
			// Unnormalizable values hash by their raw rendering; the
			// detector already treats them as changed conservatively.
			canonical[name] = fmt.Sprintf("!raw:%v", raw)
			continue
		}
		canonical[name] = canonicalValue(normalized)
	}

	// encoding/json emits map keys sorted, so the serialization is stable.
	data, err := json.Marshal(canonical)
	if err != nil {
		// Marshal of map[string]interface{} built from canonicalValue
		// output cannot fail; keep a defined value anyway.
		data = []byte(fmt.Sprintf("%v", canonical))
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalValue rewrites a normalized value into a JSON-stable form.
func canonicalValue(v interface{}) interface{} {
	switch typed := v.(type) {
	case nil:
		return nil
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano)
	case []byte:
		return base64.StdEncoding.EncodeToString(typed)
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, e := range typed {
			out[i] = canonicalValue(e)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, e := range typed {
			out[k] = canonicalValue(e)
		}
		return out
	case float32:
		return float64(typed)
	case int:
		return int64(typed)
	case int32:
		return int64(typed)
	default:
		return typed
	}
}

// projectRecord restricts a record to the given columns.
func projectRecord(rec model.Record, cols []string) model.Record {
	out := make(model.Record, len(cols))
	for _, name := range cols {
		if v, ok := rec[name]; ok {
			out[name] = v
		}
	}
	return out
}

// sortChanges orders change records by primary key for determinism.
func sortChanges(records []model.ChangeRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].PK.Less(records[j].PK)
	})
}
