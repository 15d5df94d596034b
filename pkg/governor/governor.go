// Package governor drives one SQL candidate through classification,
// bounding, execution with retries and truncation, in that order.
package governor

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/guardrail/pkg/dbexec"
	apperrors "github.com/odvcencio/guardrail/pkg/errors"
	"github.com/odvcencio/guardrail/pkg/limits"
	"github.com/odvcencio/guardrail/pkg/logging"
	"github.com/odvcencio/guardrail/pkg/retry"
	"github.com/odvcencio/guardrail/pkg/sqlsafety"
	"github.com/odvcencio/guardrail/pkg/telemetry"
)

// Result is the outcome of one run. It is returned for every run that got
// past limit validation, including failed ones.
type Result struct {
	Verdict sqlsafety.Verdict    `json:"-"`
	Bounded *limits.BoundedQuery `json:"-"`
	Columns []string             `json:"columns"`
	Rows    [][]any              `json:"rows"`

	TruncatedRows    bool `json:"truncated_rows"`
	TruncatedColumns bool `json:"truncated_columns"`

	Elapsed     time.Duration   `json:"-"`
	RetriesUsed int             `json:"retries_used"`
	Retries     []retry.Attempt `json:"-"`

	State       State        `json:"state"`
	Transitions []Transition `json:"transitions,omitempty"`
}

// Governor executes candidates against a read-only collaborator.
type Governor struct {
	db     dbexec.ReadOnlyQueryer
	retry  retry.Config
	logger *logging.Logger
	now    func() time.Time
}

// Option customizes a Governor.
type Option func(*Governor)

// WithRetryConfig sets the retry policy.
func WithRetryConfig(cfg retry.Config) Option {
	return func(g *Governor) { g.retry = cfg }
}

// WithLogger sets the event logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Governor) { g.logger = l }
}

// WithClock overrides time.Now for transition timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// New creates a governor over db.
func New(db dbexec.ReadOnlyQueryer, opts ...Option) *Governor {
	g := &Governor{db: db, retry: retry.DefaultConfig(), now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run classifies, bounds and executes candidate. lim.MaxElapsed is the single
// ceiling for the whole run including retries and backoff. Rejected
// candidates never reach the collaborator.
func (g *Governor) Run(ctx context.Context, candidate sqlsafety.Candidate, lim limits.ExecutionLimits) (*Result, error) {
	if err := lim.Validate(); err != nil {
		return nil, err
	}
	if g.db == nil {
		return nil, apperrors.New(apperrors.ErrCodeInternal, "governor has no database collaborator")
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, lim.MaxElapsed)
	defer cancel()

	ctx, span := telemetry.StartSpan(ctx, "governor.run",
		trace.WithAttributes(telemetry.AttrDialect.String(string(candidate.Dialect))))
	defer span.End()

	requestID := logging.RequestIDFromContext(ctx)
	m := newMachine(g.now)
	res := &Result{}

	finish := func(err error) (*Result, error) {
		res.State = m.state
		res.Transitions = m.history
		res.Elapsed = time.Since(start)
		span.SetAttributes(
			telemetry.AttrState.String(string(res.State)),
			telemetry.AttrRetries.Int(res.RetriesUsed),
		)
		telemetry.RecordError(ctx, err)
		return res, err
	}

	res.Verdict = sqlsafety.Classify(candidate)
	if err := m.advance(StateClassified, res.Verdict.String()); err != nil {
		return finish(err)
	}
	span.SetAttributes(telemetry.AttrVerdict.String(res.Verdict.String()))

	if !res.Verdict.Approved {
		_ = m.advance(StateRejected, string(res.Verdict.Reason))
		g.logger.Request(logging.LevelWarn, logging.CategorySQL, requestID, "rejected", res.Verdict.Detail, map[string]any{
			"reason":    string(res.Verdict.Reason),
			"operation": res.Verdict.Operation,
		})
		return finish(res.Verdict.Err())
	}

	bounded, err := limits.Apply(res.Verdict, lim)
	if err != nil {
		_ = m.advance(StateRejected, "unbounded")
		return finish(err)
	}
	res.Bounded = &bounded
	if err := m.advance(StateBounded, string(bounded.Strategy)); err != nil {
		return finish(err)
	}
	span.SetAttributes(telemetry.AttrStrategy.String(string(bounded.Strategy)))

	var rs *dbexec.ResultSet
	ctrl := retry.New(g.retry, retry.WithObserver(func(a retry.Attempt) {
		_ = m.advance(StateRetrying, fmt.Sprintf("attempt %d in %s", a.Ordinal, a.Backoff))
		telemetry.AddEvent(ctx, "retrying", telemetry.AttrAttempt.Int(a.Ordinal))
		g.logger.Request(logging.LevelWarn, logging.CategoryRetry, requestID, "retrying", errorText(a.PriorCause), map[string]any{
			"attempt":    a.Ordinal,
			"backoff_ms": a.Backoff.Milliseconds(),
		})
	}))

	report, err := ctrl.Execute(ctx, func(actx context.Context, attempt int) error {
		if err := m.advance(StateExecuting, fmt.Sprintf("attempt %d", attempt)); err != nil {
			return err
		}
		out, err := g.db.ExecuteReadOnly(actx, bounded.SQL, dbexec.QueryOptions{
			Timeout:    remaining(actx),
			FetchLimit: bounded.FetchLimit,
		})
		if err != nil {
			return err
		}
		if out == nil {
			out = &dbexec.ResultSet{}
		}
		rs = out
		return nil
	})
	res.RetriesUsed = report.RetriesUsed
	res.Retries = report.Retries

	if err != nil {
		switch {
		case apperrors.IsCode(err, apperrors.ErrCodeExecutionTimeout):
			_ = m.advance(StateTimedOut, errorText(err))
		case apperrors.IsCode(err, apperrors.ErrCodeRetryExhausted):
			_ = m.advance(StateExhausted, errorText(report.LastCause))
		default:
			_ = m.advance(StateFailed, errorText(err))
		}
		g.logger.Request(logging.LevelError, logging.CategorySQL, requestID, string(m.state), errorText(err), map[string]any{
			"attempts": report.Attempts,
			"code":     string(apperrors.GetCode(err)),
		})
		return finish(err)
	}

	t := limits.Truncate(rs.Columns, rs.Rows, lim)
	res.Columns = t.Columns
	res.Rows = t.Rows
	res.TruncatedRows = t.TruncatedRows
	res.TruncatedColumns = t.TruncatedColumns
	_ = m.advance(StateSucceeded, fmt.Sprintf("%d rows", len(t.Rows)))
	span.SetAttributes(telemetry.AttrRows.Int(len(t.Rows)))
	return finish(nil)
}

// remaining is the time left before ctx's deadline, used as the
// collaborator's server-side timeout.
func remaining(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	d := time.Until(deadline)
	if d <= 0 {
		return time.Millisecond
	}
	return d
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
