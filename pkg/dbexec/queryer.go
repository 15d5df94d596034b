// Package dbexec provides read-only database collaborators.
//
// Collaborators expose a single read-execution method. Failures are returned
// as structured errors: TRANSIENT_EXECUTION (retryable) for connection drops,
// transport timeouts, lock contention and serialization conflicts, and
// PERMANENT_EXECUTION for everything else.
package dbexec

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	apperrors "github.com/odvcencio/guardrail/pkg/errors"
)

//go:generate mockgen -package=governor -destination=../governor/mock_queryer_test.go github.com/odvcencio/guardrail/pkg/dbexec ReadOnlyQueryer

// ReadOnlyQueryer executes read-only queries.
type ReadOnlyQueryer interface {
	ExecuteReadOnly(ctx context.Context, query string, opts QueryOptions) (*ResultSet, error)
}

// QueryOptions bounds a single execution.
type QueryOptions struct {
	// Timeout caps this execution; zero leaves only the context deadline.
	Timeout time.Duration
	// FetchLimit stops reading after this many rows; zero reads everything.
	FetchLimit int
}

// ResultSet is a fetched result in requested column order.
type ResultSet struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Config selects and tunes a collaborator.
type Config struct {
	Driver           string
	DSN              string
	MaxOpenConns     int
	QueriesPerSecond float64
	Burst            int
}

// Open builds the configured collaborator. The returned closer releases its
// pool.
func Open(ctx context.Context, cfg Config) (ReadOnlyQueryer, io.Closer, error) {
	var (
		q      ReadOnlyQueryer
		closer io.Closer
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "sqlite", "sqlite3":
		s, err := OpenSQLite(cfg.DSN, cfg.MaxOpenConns)
		if err != nil {
			return nil, nil, err
		}
		q, closer = s, s
	case "postgres", "postgresql", "pgx":
		p, err := OpenPostgres(ctx, cfg.DSN, cfg.MaxOpenConns)
		if err != nil {
			return nil, nil, err
		}
		q, closer = p, p
	default:
		return nil, nil, apperrors.Newf(apperrors.ErrCodeConfigInvalid, "unsupported database driver %q", cfg.Driver)
	}
	return NewRateLimited(q, cfg.QueriesPerSecond, cfg.Burst), closer, nil
}

func transientError(err error, msg string) *apperrors.Error {
	return apperrors.Wrap(err, apperrors.ErrCodeTransientExecution, msg).
		WithRetryable(true).
		WithUserMessage(apperrors.Category(apperrors.ErrCodeTransientExecution))
}

func permanentError(err error, msg string) *apperrors.Error {
	return apperrors.Wrap(err, apperrors.ErrCodePermanentExecution, msg).
		WithUserMessage(apperrors.Category(apperrors.ErrCodePermanentExecution))
}

// withTimeout applies opts.Timeout on top of the caller's deadline.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// normalizeValue converts driver values into JSON-friendly ones.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return val.String()
	default:
		return val
	}
}
