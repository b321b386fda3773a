// pkg/config/mapping.go
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/parcelpoint/syncd/pkg/model"
)

// KeyRole describes a field's role in change detection.
type KeyRole string

const (
	KeyRolePK        KeyRole = "pk"
	KeyRoleOrdinary  KeyRole = "ordinary"
	KeyRoleTimestamp KeyRole = "timestamp"
	KeyRoleTombstone KeyRole = "tombstone"
)

// SyncDirection restricts which way a field's values flow.
type SyncDirection string

const (
	DirectionBoth SyncDirection = "both"
	DirectionUp   SyncDirection = "up"
	DirectionDown SyncDirection = "down"
)

// FieldConfig declares per-field sync behavior. Owned by configuration and
// read-only at job time.
type FieldConfig struct {
	Table             string           `yaml:"table"`
	Field             string           `yaml:"field"`
	Type              model.ColumnType `yaml:"type"`
	SanitizationClass string           `yaml:"sanitize,omitempty"`
	Direction         SyncDirection    `yaml:"direction,omitempty"`
	KeyRole           KeyRole          `yaml:"role,omitempty"`
	// MergeWinner declares which side wins for this field under the merged
	// conflict strategy: "source" or "target". Empty falls back to source.
	MergeWinner string `yaml:"merge_winner,omitempty"`
}

// DeletePolicy controls how source-side deletions propagate.
type DeletePolicy string

const (
	DeletePropagate DeletePolicy = "propagate"
	DeleteIgnore    DeletePolicy = "ignore"
	DeleteTombstone DeletePolicy = "tombstone"
)

// TableConfig declares per-table sync behavior.
type TableConfig struct {
	Table        string       `yaml:"table"`
	PKColumns    []string     `yaml:"pk_columns"`
	Strategy     string       `yaml:"strategy,omitempty"`
	DeletePolicy DeletePolicy `yaml:"delete_policy,omitempty"`
	PostApplyHook string      `yaml:"post_apply_hook,omitempty"`
	Columns      []string     `yaml:"columns,omitempty"`
}

// Mapping bundles the field and table configuration for a deployment.
type Mapping struct {
	Tables []TableConfig `yaml:"tables"`
	Fields []FieldConfig `yaml:"fields"`
}

// LoadMapping reads a YAML mapping file.
func LoadMapping(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file: %w", err)
	}
	var m Mapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse mapping file: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks declared types and strategies.
func (m *Mapping) Validate() error {
	for _, t := range m.Tables {
		if t.Table == "" {
			return fmt.Errorf("table config with empty table name")
		}
		if len(t.PKColumns) == 0 {
			return fmt.Errorf("table %s declares no primary-key columns", t.Table)
		}
		if t.Strategy != "" && !containsString(validDetectionStrategies, t.Strategy) {
			return fmt.Errorf("table %s declares unknown strategy %q", t.Table, t.Strategy)
		}
		switch t.DeletePolicy {
		case "", DeletePropagate, DeleteIgnore, DeleteTombstone:
		default:
			return fmt.Errorf("table %s declares unknown delete policy %q", t.Table, t.DeletePolicy)
		}
	}
	for _, f := range m.Fields {
		if f.Type != "" && !f.Type.IsValid() {
			return fmt.Errorf("field %s.%s declares unknown type %q", f.Table, f.Field, f.Type)
		}
	}
	return nil
}

// TableFor returns the configuration for a table, or nil.
func (m *Mapping) TableFor(table string) *TableConfig {
	for i := range m.Tables {
		if strings.EqualFold(m.Tables[i].Table, table) {
			return &m.Tables[i]
		}
	}
	return nil
}

// FieldFor returns the configuration for a field, or nil.
func (m *Mapping) FieldFor(table, field string) *FieldConfig {
	for i := range m.Fields {
		if strings.EqualFold(m.Fields[i].Table, table) && strings.EqualFold(m.Fields[i].Field, field) {
			return &m.Fields[i]
		}
	}
	return nil
}

// FieldsFor returns all field configs declared for a table.
func (m *Mapping) FieldsFor(table string) []FieldConfig {
	var out []FieldConfig
	for _, f := range m.Fields {
		if strings.EqualFold(f.Table, table) {
			out = append(out, f)
		}
	}
	return out
}

// Snapshot returns a deep copy. Jobs snapshot the mapping at start so live
// edits never affect a running job.
func (m *Mapping) Snapshot() *Mapping {
	out := &Mapping{
		Tables: make([]TableConfig, len(m.Tables)),
		Fields: make([]FieldConfig, len(m.Fields)),
	}
	copy(out.Tables, m.Tables)
	copy(out.Fields, m.Fields)
	for i := range out.Tables {
		cols := make([]string, len(m.Tables[i].Columns))
		copy(cols, m.Tables[i].Columns)
		out.Tables[i].Columns = cols
		pks := make([]string, len(m.Tables[i].PKColumns))
		copy(pks, m.Tables[i].PKColumns)
		out.Tables[i].PKColumns = pks
	}
	return out
}
