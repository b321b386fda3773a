// pkg/config/database.go
package config

import (
	"fmt"
	"os"
	"time"
)

// PostgresConfig holds PostgreSQL connection parameters for one of the
// source, target, or control databases.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// Statement timeout
	StatementTimeout time.Duration
}

// LoadPostgresConfig loads PostgreSQL configuration from environment
// variables with the given prefix (SOURCE, TARGET, CONTROL).
func LoadPostgresConfig(prefix string) (*PostgresConfig, error) {
	host := os.Getenv(prefix + "_PG_HOST")
	if host == "" {
		return nil, fmt.Errorf("%s_PG_HOST environment variable is required", prefix)
	}

	user := os.Getenv(prefix + "_PG_USER")
	if user == "" {
		return nil, fmt.Errorf("%s_PG_USER environment variable is required", prefix)
	}

	database := os.Getenv(prefix + "_PG_DATABASE")
	if database == "" {
		return nil, fmt.Errorf("%s_PG_DATABASE environment variable is required", prefix)
	}

	cfg := &PostgresConfig{
		Host:     host,
		Port:     getEnvAsInt(prefix+"_PG_PORT", 5432),
		User:     user,
		Password: getEnv(prefix+"_PG_PASSWORD", ""),
		Database: database,
		SSLMode:  getEnv(prefix+"_PG_SSLMODE", "prefer"),

		MaxOpenConns:    getEnvAsInt(prefix+"_PG_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    getEnvAsInt(prefix+"_PG_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: time.Duration(getEnvAsInt(prefix+"_PG_CONN_MAX_LIFETIME_SECONDS", 600)) * time.Second,
		ConnMaxIdleTime: time.Duration(getEnvAsInt(prefix+"_PG_CONN_MAX_IDLE_TIME_SECONDS", 300)) * time.Second,

		StatementTimeout: time.Duration(getEnvAsInt(prefix+"_PG_STATEMENT_TIMEOUT_MS", 30000)) * time.Millisecond,
	}

	return cfg, nil
}

// ConnectionString builds a keyword/value connection string for the pgx
// stdlib driver.
func (c *PostgresConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Ref returns a short reference string identifying the database, used in
// job records and audit events. Never includes credentials.
func (c *PostgresConfig) Ref() string {
	return fmt.Sprintf("%s:%d/%s", c.Host, c.Port, c.Database)
}
