package dbexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a read-only collaborator over a pgx connection pool. Every
// query runs inside a READ ONLY transaction that is always rolled back.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres creates a pool for dsn and verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string, maxConns int) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	cfg.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// ExecuteReadOnly runs query in a READ ONLY transaction. When opts.Timeout is
// set the server-side statement_timeout matches it.
func (p *Postgres) ExecuteReadOnly(ctx context.Context, query string, opts QueryOptions) (*ResultSet, error) {
	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, classifyPostgresError(ctx, err, "begin read-only transaction")
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if opts.Timeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL statement_timeout = %d", opts.Timeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return nil, classifyPostgresError(ctx, err, "set statement_timeout")
		}
	}

	rows, err := tx.Query(ctx, query)
	if err != nil {
		return nil, classifyPostgresError(ctx, err, "query")
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	result := &ResultSet{Columns: make([]string, len(fds)), Rows: [][]any{}}
	for i, fd := range fds {
		result.Columns[i] = fd.Name
	}
	for rows.Next() {
		if opts.FetchLimit > 0 && len(result.Rows) >= opts.FetchLimit {
			break
		}
		vals, err := rows.Values()
		if err != nil {
			return nil, classifyPostgresError(ctx, err, "read row")
		}
		for i, v := range vals {
			vals[i] = normalizePostgresValue(v)
		}
		result.Rows = append(result.Rows, vals)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classifyPostgresError(ctx, err, "iterate rows")
	}
	return result, nil
}

func normalizePostgresValue(v any) any {
	switch val := v.(type) {
	case [16]byte:
		return uuid.UUID(val).String()
	case pgtype.Numeric:
		f, err := val.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	default:
		return normalizeValue(v)
	}
}

// transientSQLStates are retried: serialization failures, deadlocks, lock
// timeouts, admin shutdowns and resource exhaustion. Class 08 (connection
// exceptions) is matched by prefix.
var transientSQLStates = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled (statement_timeout)
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
	"53300": true, // too_many_connections
	"53400": true, // configuration_limit_exceeded
}

func classifyPostgresError(ctx context.Context, err error, op string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return transientError(ctxErr, op+": "+err.Error())
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientSQLStates[pgErr.Code] || strings.HasPrefix(pgErr.Code, "08") {
			return transientError(err, op).WithContext("sqlstate", pgErr.Code)
		}
		return permanentError(err, op).WithContext("sqlstate", pgErr.Code)
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return transientError(err, op)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return transientError(err, op)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return transientError(err, op)
	}
	return permanentError(err, op)
}
