package dbexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLite is a read-only collaborator over modernc.org/sqlite.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens dsn read-only. Every pooled connection runs with
// query_only enabled and a busy timeout.
func OpenSQLite(dsn string, maxOpenConns int) (*SQLite, error) {
	db, err := sql.Open("sqlite", readOnlyDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxOpenConns <= 0 {
		maxOpenConns = 4
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &SQLite{db: db}, nil
}

// NewSQLite wraps an existing handle. query_only is still set on every
// checked-out connection.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// readOnlyDSN adds mode=ro for on-disk files plus the query_only and
// busy_timeout pragmas.
func readOnlyDSN(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || dsn == ":memory:" {
		return "file::memory:?_pragma=query_only(1)"
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	params := url.Values{}
	if !strings.Contains(dsn, "mode=") && !strings.Contains(dsn, ":memory:") {
		params.Set("mode", "ro")
	}
	params.Add("_pragma", "query_only(1)")
	params.Add("_pragma", "busy_timeout(5000)")
	return dsn + sep + params.Encode()
}

// Close closes the pool.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// ExecuteReadOnly runs query on a dedicated connection owned by this call.
func (s *SQLite) ExecuteReadOnly(ctx context.Context, query string, opts QueryOptions) (*ResultSet, error) {
	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, classifySQLiteError(ctx, err, "acquire connection")
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = 1"); err != nil {
		return nil, classifySQLiteError(ctx, err, "enable query_only")
	}

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, classifySQLiteError(ctx, err, "query")
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, classifySQLiteError(ctx, err, "read columns")
	}
	result := &ResultSet{Columns: columns, Rows: [][]any{}}
	for rows.Next() {
		if opts.FetchLimit > 0 && len(result.Rows) >= opts.FetchLimit {
			break
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classifySQLiteError(ctx, err, "scan row")
		}
		for i, v := range values {
			values[i] = normalizeValue(v)
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteError(ctx, err, "iterate rows")
	}
	return result, nil
}

func classifySQLiteError(ctx context.Context, err error, op string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return transientError(ctxErr, op+": "+err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return transientError(err, op)
	}
	if isBusyError(err) || errors.Is(err, sql.ErrConnDone) {
		return transientError(err, op)
	}
	return permanentError(err, op)
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}
