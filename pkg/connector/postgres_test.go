// pkg/connector/postgres_test.go
package connector

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parcelpoint/syncd/pkg/config"
)

// rowSourceDriver is a minimal in-memory driver: every query yields three
// integer rows, so tests can exercise the rows lifecycle without a server.
type rowSourceDriver struct{}

func (rowSourceDriver) Open(string) (driver.Conn, error) { return &rowSourceConn{}, nil }

type rowSourceConn struct{}

func (c *rowSourceConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepare not supported")
}
func (c *rowSourceConn) Close() error              { return nil }
func (c *rowSourceConn) Begin() (driver.Tx, error) { return nil, errors.New("tx not supported") }

func (c *rowSourceConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if strings.Contains(query, "broken") {
		return nil, errors.New("relation does not exist")
	}
	return &rowSourceRows{limit: 3}, nil
}

type rowSourceRows struct{ n, limit int }

func (r *rowSourceRows) Columns() []string { return []string{"id"} }
func (r *rowSourceRows) Close() error      { return nil }

func (r *rowSourceRows) Next(dest []driver.Value) error {
	if r.n >= r.limit {
		return io.EOF
	}
	r.n++
	dest[0] = int64(r.n)
	return nil
}

func init() {
	sql.Register("rowsource", rowSourceDriver{})
}

func testConnector(t *testing.T) *PostgresConnector {
	t.Helper()
	db, err := sql.Open("rowsource", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &PostgresConnector{
		db:     db,
		logger: zap.NewNop(),
		cfg:    &config.PostgresConfig{Host: "h", Port: 5432, Database: "d"},
	}
}

func TestQueryWithTimeout_TimeoutSpansRowIteration(t *testing.T) {
	c := testConnector(t)

	rows, cancel, err := c.QueryWithTimeout(context.Background(), "SELECT id FROM items", time.Minute)
	require.NoError(t, err)
	defer cancel()
	defer rows.Close()

	var got []int64
	for rows.Next() {
		var id int64
		require.NoError(t, rows.Scan(&id))
		got = append(got, id)
	}
	require.NoError(t, rows.Err(), "the query context must stay live until the caller cancels")
	assert.Equal(t, []int64{1, 2, 3}, got)
}

func TestQueryWithTimeout_ErrorReleasesContext(t *testing.T) {
	c := testConnector(t)

	rows, cancel, err := c.QueryWithTimeout(context.Background(), "SELECT id FROM broken", time.Minute)
	require.Error(t, err)
	assert.Nil(t, rows)
	assert.Nil(t, cancel, "nothing for the caller to release on a failed query")
}
