package dbexec

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/odvcencio/guardrail/pkg/errors"
)

func seedSQLite(t *testing.T, rows int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warehouse.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE sales (id INTEGER PRIMARY KEY, region TEXT, amount INTEGER, note BLOB)`)
	require.NoError(t, err)
	for i := 0; i < rows; i++ {
		_, err = db.Exec(`INSERT INTO sales (region, amount, note) VALUES (?, ?, ?)`,
			fmt.Sprintf("r%d", i%3), i*10, []byte("n"))
		require.NoError(t, err)
	}
	return path
}

func TestSQLite_ExecuteReadOnly(t *testing.T) {
	s, err := OpenSQLite(seedSQLite(t, 10), 2)
	require.NoError(t, err)
	defer s.Close()

	res, err := s.ExecuteReadOnly(context.Background(), "SELECT region, amount, note FROM sales ORDER BY id", QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"region", "amount", "note"}, res.Columns)
	require.Len(t, res.Rows, 10)
	assert.Equal(t, "r0", res.Rows[0][0])
	assert.Equal(t, int64(0), res.Rows[0][1])
	assert.Equal(t, "n", res.Rows[0][2], "blobs are returned as strings")
}

func TestSQLite_FetchLimit(t *testing.T) {
	s, err := OpenSQLite(seedSQLite(t, 10), 2)
	require.NoError(t, err)
	defer s.Close()

	res, err := s.ExecuteReadOnly(context.Background(), "SELECT id FROM sales", QueryOptions{FetchLimit: 3})
	require.NoError(t, err)
	assert.Len(t, res.Rows, 3)
}

func TestSQLite_RefusesWrites(t *testing.T) {
	path := seedSQLite(t, 5)
	s, err := OpenSQLite(path, 2)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ExecuteReadOnly(context.Background(), "DELETE FROM sales", QueryOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodePermanentExecution), "got %v", err)
	assert.False(t, apperrors.IsRetryable(err))

	res, err := s.ExecuteReadOnly(context.Background(), "SELECT count(*) FROM sales", QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Rows[0][0])
}

func TestSQLite_SemanticErrorIsPermanent(t *testing.T) {
	s, err := OpenSQLite(seedSQLite(t, 1), 1)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ExecuteReadOnly(context.Background(), "SELECT missing_column FROM sales", QueryOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodePermanentExecution))
	assert.False(t, apperrors.IsRetryable(err))
}

func TestSQLite_TimeoutIsTransient(t *testing.T) {
	s, err := OpenSQLite(seedSQLite(t, 1), 1)
	require.NoError(t, err)
	defer s.Close()

	start := time.Now()
	_, err = s.ExecuteReadOnly(context.Background(),
		"WITH RECURSIVE c(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM c) SELECT count(*) FROM c",
		QueryOptions{Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err), "got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestReadOnlyDSN(t *testing.T) {
	tests := []struct {
		in       string
		contains []string
	}{
		{"", []string{"file::memory:", "query_only"}},
		{"/tmp/a.db", []string{"file:/tmp/a.db?", "mode=ro", "query_only%281%29", "busy_timeout%285000%29"}},
		{"file:/tmp/a.db?cache=shared", []string{"file:/tmp/a.db?cache=shared&", "mode=ro"}},
		{"file:/tmp/a.db?mode=ro", []string{"file:/tmp/a.db?mode=ro&_pragma="}},
	}
	for _, tt := range tests {
		got := readOnlyDSN(tt.in)
		for _, want := range tt.contains {
			assert.Contains(t, got, want, "readOnlyDSN(%q)", tt.in)
		}
	}
	assert.Equal(t, 1, strings.Count(readOnlyDSN("file:/tmp/a.db?mode=ro"), "mode="))
}

type countingQueryer struct {
	calls int32
}

func (c *countingQueryer) ExecuteReadOnly(ctx context.Context, query string, opts QueryOptions) (*ResultSet, error) {
	atomic.AddInt32(&c.calls, 1)
	return &ResultSet{Columns: []string{"x"}, Rows: [][]any{{1}}}, nil
}

func TestRateLimited(t *testing.T) {
	inner := &countingQueryer{}
	q := NewRateLimited(inner, 1, 1)

	_, err := q.ExecuteReadOnly(context.Background(), "SELECT 1", QueryOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = q.ExecuteReadOnly(ctx, "SELECT 1", QueryOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeExecutionTimeout))
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.calls))
}

func TestNewRateLimited_Disabled(t *testing.T) {
	inner := &countingQueryer{}
	assert.Same(t, ReadOnlyQueryer(inner), NewRateLimited(inner, 0, 10))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, _, err := Open(context.Background(), Config{Driver: "oracle"})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConfigInvalid))
}

func TestOpen_SQLite(t *testing.T) {
	q, closer, err := Open(context.Background(), Config{Driver: "sqlite", DSN: seedSQLite(t, 2), QueriesPerSecond: 100, Burst: 10})
	require.NoError(t, err)
	defer closer.Close()

	res, err := q.ExecuteReadOnly(context.Background(), "SELECT count(*) FROM sales", QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Rows[0][0])
}

func TestClassifyPostgresError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"syntax error", &pgconn.PgError{Code: "42601"}, false},
		{"read only transaction", &pgconn.PgError{Code: "25006"}, false},
		{"undefined column", &pgconn.PgError{Code: "42703"}, false},
		{"connection dropped", io.EOF, true},
		{"unexpected eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), true},
		{"plain error", fmt.Errorf("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyPostgresError(context.Background(), tt.err, "query")
			assert.Equal(t, tt.retryable, apperrors.IsRetryable(err))
			if tt.retryable {
				assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeTransientExecution))
			} else {
				assert.True(t, apperrors.IsCode(err, apperrors.ErrCodePermanentExecution))
			}
		})
	}
}

func TestClassifyPostgresError_ContextExpired(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := classifyPostgresError(ctx, fmt.Errorf("conn closed"), "query")
	assert.True(t, apperrors.IsRetryable(err))
}
