// pkg/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents the sync service configuration.
type Config struct {
	// Database connections
	Source  *PostgresConfig
	Target  *PostgresConfig
	Control *PostgresConfig

	// Engine options
	Options Options

	// Control API
	ListenAddr string
	// APITokens maps bearer tokens to principal names.
	APITokens map[string]string

	// Logging
	LogLevel  string
	LogFormat string
}

// Options holds the engine tunables. All fields have defaults except
// AuditDir and InstallID, which are required.
type Options struct {
	BatchSize           int           `yaml:"batch_size"`
	DetectionStrategy   string        `yaml:"detection_strategy"`
	ConflictStrategy    string        `yaml:"conflict_strategy"`
	OnError             string        `yaml:"on_error"` // stop | continue
	RetryMax            int           `yaml:"retry_max"`
	RetryInitialBackoff time.Duration `yaml:"retry_initial_backoff_ms"`
	RetryMaxBackoff     time.Duration `yaml:"retry_max_backoff_ms"`
	OperationTimeout    time.Duration `yaml:"operation_timeout_ms"`
	ParallelJobs        int           `yaml:"parallel_jobs"`
	CDCTablePrefix      string        `yaml:"cdc_table_prefix"`
	SanitizeDefault     string        `yaml:"sanitize_default_strategy"`
	AuditDir            string        `yaml:"audit_dir"`
	InstallID           string        `yaml:"install_id"`
	MaxRowFailures      int           `yaml:"max_row_failures"`
	JobDeadline         time.Duration `yaml:"job_deadline"`
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize:           500,
		DetectionStrategy:   "hash",
		ConflictStrategy:    "source_wins",
		OnError:             "stop",
		RetryMax:            3,
		RetryInitialBackoff: time.Second,
		RetryMaxBackoff:     60 * time.Second,
		OperationTimeout:    30 * time.Second,
		ParallelJobs:        2,
		CDCTablePrefix:      "_cdc",
		SanitizeDefault:     "mask_text",
		MaxRowFailures:      50,
	}
}

var validDetectionStrategies = []string{"pk", "timestamp", "content", "cdc", "hash"}
var validConflictStrategies = []string{"source_wins", "target_wins", "merged", "manual"}

// Validate ensures the options are complete and internally consistent.
func (o *Options) Validate() error {
	if o.AuditDir == "" {
		return errors.New("audit_dir is required")
	}
	if o.InstallID == "" {
		return errors.New("install_id is required")
	}
	if o.BatchSize <= 0 {
		return errors.New("batch_size must be positive")
	}
	if o.RetryMax < 0 {
		return errors.New("retry_max cannot be negative")
	}
	if o.ParallelJobs <= 0 {
		return errors.New("parallel_jobs must be positive")
	}
	if !containsString(validDetectionStrategies, o.DetectionStrategy) {
		return fmt.Errorf("unknown detection_strategy %q", o.DetectionStrategy)
	}
	if !containsString(validConflictStrategies, o.ConflictStrategy) {
		return fmt.Errorf("unknown conflict_strategy %q", o.ConflictStrategy)
	}
	if o.OnError != "stop" && o.OnError != "continue" {
		return fmt.Errorf("on_error must be stop or continue, got %q", o.OnError)
	}
	return nil
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	opts := DefaultOptions()
	opts.BatchSize = getEnvAsInt("SYNC_BATCH_SIZE", opts.BatchSize)
	opts.DetectionStrategy = getEnv("SYNC_DETECTION_STRATEGY", opts.DetectionStrategy)
	opts.ConflictStrategy = getEnv("SYNC_CONFLICT_STRATEGY", opts.ConflictStrategy)
	opts.OnError = getEnv("SYNC_ON_ERROR", opts.OnError)
	opts.RetryMax = getEnvAsInt("SYNC_RETRY_MAX", opts.RetryMax)
	opts.RetryInitialBackoff = getEnvAsDurationMs("SYNC_RETRY_INITIAL_BACKOFF_MS", opts.RetryInitialBackoff)
	opts.RetryMaxBackoff = getEnvAsDurationMs("SYNC_RETRY_MAX_BACKOFF_MS", opts.RetryMaxBackoff)
	opts.OperationTimeout = getEnvAsDurationMs("SYNC_OPERATION_TIMEOUT_MS", opts.OperationTimeout)
	opts.ParallelJobs = getEnvAsInt("SYNC_PARALLEL_JOBS", opts.ParallelJobs)
	opts.CDCTablePrefix = getEnv("SYNC_CDC_TABLE_PREFIX", opts.CDCTablePrefix)
	opts.SanitizeDefault = getEnv("SYNC_SANITIZE_DEFAULT_STRATEGY", opts.SanitizeDefault)
	opts.AuditDir = getEnv("SYNC_AUDIT_DIR", "")
	opts.InstallID = getEnv("SYNC_INSTALL_ID", "")
	opts.MaxRowFailures = getEnvAsInt("SYNC_MAX_ROW_FAILURES", opts.MaxRowFailures)
	opts.JobDeadline = getEnvAsDurationMs("SYNC_JOB_DEADLINE_MS", 0)

	cfg := &Config{
		Options:    opts,
		ListenAddr: getEnv("SYNC_LISTEN_ADDR", ":8080"),
		APITokens:  parseTokens(getEnv("SYNC_API_TOKENS", "")),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogFormat:  getEnv("LOG_FORMAT", "json"),
	}

	sourceCfg, err := LoadPostgresConfig("SOURCE")
	if err != nil {
		return nil, fmt.Errorf("failed to load source configuration: %w", err)
	}
	cfg.Source = sourceCfg

	targetCfg, err := LoadPostgresConfig("TARGET")
	if err != nil {
		return nil, fmt.Errorf("failed to load target configuration: %w", err)
	}
	cfg.Target = targetCfg

	// The control database defaults to the target's server.
	controlCfg, err := LoadPostgresConfig("CONTROL")
	if err != nil {
		controlCfg = targetCfg
	}
	cfg.Control = controlCfg

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures all required configuration is present and valid.
func (c *Config) Validate() error {
	if c.Source == nil {
		return errors.New("source configuration is required")
	}
	if c.Target == nil {
		return errors.New("target configuration is required")
	}
	return c.Options.Validate()
}

// Helper functions for environment variables

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDurationMs(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	ms, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}

// parseTokens parses "token=principal,token2=principal2".
func parseTokens(raw string) map[string]string {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		tokens[parts[0]] = parts[1]
	}
	return tokens
}
