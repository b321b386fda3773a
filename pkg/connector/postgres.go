// pkg/connector/postgres.go
package connector

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/parcelpoint/syncd/pkg/config"
)

// PostgresConnector implements the DatabaseConnector interface for
// PostgreSQL. Writes pass through a circuit breaker so a struggling target
// fails fast instead of piling up timeouts.
type PostgresConnector struct {
	db      *sql.DB
	logger  *zap.Logger
	cfg     *config.PostgresConfig
	breaker *gobreaker.CircuitBreaker
}

// NewPostgresConnector creates and initializes a new PostgreSQL connector.
func NewPostgresConnector(ctx context.Context, name string, cfg *config.PostgresConfig) (*PostgresConnector, error) {
	logger := zap.L().Named(name + "-connector")

	logger.Info("Connecting to PostgreSQL",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
		zap.String("user", cfg.User))

	db, err := sql.Open("pgx", cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL connection: %w", err)
	}

	ApplyConnectionSettings(
		db,
		cfg.MaxOpenConns,
		cfg.MaxIdleConns,
		cfg.ConnMaxLifetime,
		cfg.ConnMaxIdleTime,
	)

	if cfg.StatementTimeout > 0 {
		_, err = db.ExecContext(
			ctx,
			fmt.Sprintf("SET statement_timeout = %d", cfg.StatementTimeout.Milliseconds()),
		)
		if err != nil {
			logger.Warn("Failed to set statement timeout", zap.Error(err))
		}
	}

	if err := PingWithTimeout(ctx, db, 5*time.Second); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	connector := &PostgresConnector{
		db:      db,
		logger:  logger,
		cfg:     cfg,
		breaker: breaker,
	}

	LogConnectionStats(logger, cfg.Database, db)
	return connector, nil
}

// DB returns the underlying database connection.
func (c *PostgresConnector) DB() *sql.DB {
	return c.db
}

// Ref returns the database reference string.
func (c *PostgresConnector) Ref() string {
	return c.cfg.Ref()
}

// Validate verifies the PostgreSQL connection and required permissions.
func (c *PostgresConnector) Validate() error {
	var version string
	err := c.db.QueryRow("SELECT version()").Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to query PostgreSQL version: %w", err)
	}
	c.logger.Info("Connected to PostgreSQL", zap.String("version", version))

	// Check permissions by creating a temp table
	_, err = c.db.Exec(`
		DO $$
		BEGIN
			CREATE TEMP TABLE _permission_check (id serial, test text);
			INSERT INTO _permission_check (test) VALUES ('test');
			DROP TABLE _permission_check;
		EXCEPTION WHEN OTHERS THEN
			RAISE EXCEPTION 'Permission check failed: %', SQLERRM;
		END $$;
	`)
	if err != nil {
		return fmt.Errorf("permission validation failed: %w", err)
	}

	c.logger.Info("PostgreSQL connection validated",
		zap.String("database", c.cfg.Database),
		zap.String("host", c.cfg.Host),
		zap.Int("port", c.cfg.Port))

	return nil
}

// Close closes the database connection.
func (c *PostgresConnector) Close() error {
	c.logger.Info("Closing PostgreSQL connection")
	LogConnectionStats(c.logger, c.cfg.Database, c.db)
	return c.db.Close()
}

// QueryWithTimeout executes a query with a timeout. The timeout covers row
// iteration, not just query dispatch: cancelling before the caller drains
// the rows would close them mid-scan. The caller must invoke the returned
// cancel after iteration.
func (c *PostgresConnector) QueryWithTimeout(
	ctx context.Context,
	query string,
	timeout time.Duration,
	args ...interface{},
) (*sql.Rows, context.CancelFunc, error) {
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	rows, err := c.db.QueryContext(queryCtx, query, args...)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return rows, cancel, nil
}

// ExecWithTimeout executes a statement with a timeout, guarded by the
// circuit breaker. An open breaker surfaces as a retryable error.
func (c *PostgresConnector) ExecWithTimeout(
	ctx context.Context,
	query string,
	timeout time.Duration,
	args ...interface{},
) (sql.Result, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		execCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return c.db.ExecContext(execCtx, query, args...)
	})
	if err != nil {
		return nil, err
	}
	return result.(sql.Result), nil
}

// advisoryLockKey derives a stable 64-bit key for pg_advisory_lock from the
// database reference and table name.
func advisoryLockKey(ref, table string) int64 {
	h := fnv.New64a()
	h.Write([]byte(ref))
	h.Write([]byte{0})
	h.Write([]byte(table))
	return int64(h.Sum64())
}

// AcquireTableLock takes an exclusive session advisory lock for the table.
// Contending jobs block until the holder releases.
func (c *PostgresConnector) AcquireTableLock(ctx context.Context, table string) error {
	key := advisoryLockKey(c.Ref(), table)
	_, err := c.db.ExecContext(ctx, "SELECT pg_advisory_lock($1)", key)
	if err != nil {
		return fmt.Errorf("failed to acquire advisory lock for %s: %w", table, err)
	}
	c.logger.Debug("Acquired table lock", zap.String("table", table), zap.Int64("key", key))
	return nil
}

// ReleaseTableLock releases the advisory lock for the table.
func (c *PostgresConnector) ReleaseTableLock(ctx context.Context, table string) error {
	key := advisoryLockKey(c.Ref(), table)
	var released bool
	err := c.db.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&released)
	if err != nil {
		return fmt.Errorf("failed to release advisory lock for %s: %w", table, err)
	}
	if !released {
		c.logger.Warn("Advisory lock was not held at release", zap.String("table", table))
	}
	return nil
}
