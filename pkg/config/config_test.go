// pkg/config/config_test.go
package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOptions() Options {
	opts := DefaultOptions()
	opts.AuditDir = "/var/lib/syncd/audit"
	opts.InstallID = "install-1"
	return opts
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, 500, opts.BatchSize)
	assert.Equal(t, "hash", opts.DetectionStrategy)
	assert.Equal(t, "source_wins", opts.ConflictStrategy)
	assert.Equal(t, "stop", opts.OnError)
	assert.Equal(t, 3, opts.RetryMax)
	assert.Equal(t, time.Second, opts.RetryInitialBackoff)
	assert.Equal(t, 60*time.Second, opts.RetryMaxBackoff)
	assert.Equal(t, "_cdc", opts.CDCTablePrefix)
}

func TestOptions_Validate(t *testing.T) {
	opts := validOptions()
	require.NoError(t, opts.Validate())

	missing := validOptions()
	missing.AuditDir = ""
	assert.Error(t, missing.Validate())

	missing = validOptions()
	missing.InstallID = ""
	assert.Error(t, missing.Validate())

	bad := validOptions()
	bad.DetectionStrategy = "guess"
	assert.Error(t, bad.Validate())

	bad = validOptions()
	bad.ConflictStrategy = "coin_flip"
	assert.Error(t, bad.Validate())

	bad = validOptions()
	bad.OnError = "retry"
	assert.Error(t, bad.Validate())

	bad = validOptions()
	bad.BatchSize = 0
	assert.Error(t, bad.Validate())
}

func TestOptions_ValidateCaseInsensitiveStrategies(t *testing.T) {
	opts := validOptions()
	opts.DetectionStrategy = "CDC"
	assert.NoError(t, opts.Validate())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("SOURCE_PG_HOST", "src.internal")
	t.Setenv("SOURCE_PG_DATABASE", "app")
	t.Setenv("SOURCE_PG_USER", "sync")
	t.Setenv("SOURCE_PG_PASSWORD", "pw")
	t.Setenv("TARGET_PG_HOST", "tgt.internal")
	t.Setenv("TARGET_PG_DATABASE", "training")
	t.Setenv("TARGET_PG_USER", "sync")
	t.Setenv("TARGET_PG_PASSWORD", "pw")
	t.Setenv("SYNC_AUDIT_DIR", "/tmp/audit")
	t.Setenv("SYNC_INSTALL_ID", "test-install")
	t.Setenv("SYNC_BATCH_SIZE", "250")
	t.Setenv("SYNC_DETECTION_STRATEGY", "timestamp")
	t.Setenv("SYNC_RETRY_INITIAL_BACKOFF_MS", "200")
	t.Setenv("SYNC_API_TOKENS", "tok-a=alice,tok-b=bob")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.Options.BatchSize)
	assert.Equal(t, "timestamp", cfg.Options.DetectionStrategy)
	assert.Equal(t, 200*time.Millisecond, cfg.Options.RetryInitialBackoff)
	assert.Equal(t, "src.internal", cfg.Source.Host)
	assert.Equal(t, "tgt.internal", cfg.Target.Host)
	assert.Equal(t, map[string]string{"tok-a": "alice", "tok-b": "bob"}, cfg.APITokens)
	require.NotNil(t, cfg.Control, "control falls back to the target")
}

func TestParseTokens(t *testing.T) {
	assert.Empty(t, parseTokens(""))
	assert.Equal(t, map[string]string{"t1": "alice"}, parseTokens("t1=alice"))
	assert.Equal(t,
		map[string]string{"t1": "alice", "t2": "bob"},
		parseTokens(" t1=alice , t2=bob "))

	// Malformed pairs are dropped, valid ones survive.
	assert.Equal(t, map[string]string{"t1": "alice"}, parseTokens("t1=alice,junk,=x,y="))

	// Principals may contain '=': only the first split counts.
	assert.Equal(t, map[string]string{"t1": "a=b"}, parseTokens("t1=a=b"))
}

func TestPostgresConfig_RefOmitsCredentials(t *testing.T) {
	cfg := &PostgresConfig{
		Host: "db.internal", Port: 5432, User: "sync",
		Password: "hunter2", Database: "app",
	}
	ref := cfg.Ref()
	assert.Equal(t, "db.internal:5432/app", ref)
	assert.NotContains(t, ref, "hunter2")
	assert.NotContains(t, ref, "sync")
}

func TestMapping_Validate(t *testing.T) {
	m := &Mapping{
		Tables: []TableConfig{{Table: "orders", PKColumns: []string{"id"}, Strategy: "cdc"}},
		Fields: []FieldConfig{{Table: "orders", Field: "total", Type: "float"}},
	}
	require.NoError(t, m.Validate())

	bad := &Mapping{Tables: []TableConfig{{Table: "orders"}}}
	assert.Error(t, bad.Validate(), "pk columns are required")

	bad = &Mapping{Tables: []TableConfig{{Table: "orders", PKColumns: []string{"id"}, Strategy: "psychic"}}}
	assert.Error(t, bad.Validate())

	bad = &Mapping{Fields: []FieldConfig{{Table: "orders", Field: "x", Type: "varchar"}}}
	assert.Error(t, bad.Validate())

	bad = &Mapping{Tables: []TableConfig{{Table: "orders", PKColumns: []string{"id"}, DeletePolicy: "archive"}}}
	assert.Error(t, bad.Validate())
}

func TestMapping_Lookups(t *testing.T) {
	m := &Mapping{
		Tables: []TableConfig{{Table: "Orders", PKColumns: []string{"id"}}},
		Fields: []FieldConfig{
			{Table: "orders", Field: "Email", SanitizationClass: "hash_email"},
			{Table: "orders", Field: "total"},
			{Table: "users", Field: "name"},
		},
	}

	require.NotNil(t, m.TableFor("orders"), "lookup is case-insensitive")
	require.NotNil(t, m.FieldFor("ORDERS", "email"))
	assert.Nil(t, m.TableFor("missing"))
	assert.Len(t, m.FieldsFor("orders"), 2)
}

func TestMapping_SnapshotIsolation(t *testing.T) {
	m := &Mapping{
		Tables: []TableConfig{{Table: "orders", PKColumns: []string{"id"}, Columns: []string{"id", "total"}}},
		Fields: []FieldConfig{{Table: "orders", Field: "total"}},
	}

	snap := m.Snapshot()
	m.Tables[0].PKColumns[0] = "mutated"
	m.Tables[0].Columns[1] = "mutated"
	m.Fields[0].Field = "mutated"

	assert.Equal(t, "id", snap.Tables[0].PKColumns[0])
	assert.Equal(t, "total", snap.Tables[0].Columns[1])
	assert.Equal(t, "total", snap.Fields[0].Field)
}
