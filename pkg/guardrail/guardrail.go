// Package guardrail is the façade over the SQL governor and the chart
// sandbox. Every request produces exactly one audit record, whatever its
// outcome.
package guardrail

import (
	"context"
	"strings"
	"time"

	"github.com/odvcencio/guardrail/pkg/chart"
	apperrors "github.com/odvcencio/guardrail/pkg/errors"
	"github.com/odvcencio/guardrail/pkg/governor"
	"github.com/odvcencio/guardrail/pkg/limits"
	"github.com/odvcencio/guardrail/pkg/logging"
	"github.com/odvcencio/guardrail/pkg/sandbox"
	"github.com/odvcencio/guardrail/pkg/sqlsafety"
	"github.com/odvcencio/guardrail/pkg/telemetry"
)

// SQLRunner runs one candidate under limits. *governor.Governor satisfies it.
type SQLRunner interface {
	Run(ctx context.Context, candidate sqlsafety.Candidate, lim limits.ExecutionLimits) (*governor.Result, error)
}

// ChartRunner evaluates one sandbox job. *sandbox.Executor satisfies it.
type ChartRunner interface {
	Run(ctx context.Context, job sandbox.Job, budget time.Duration) sandbox.Outcome
}

// outcomeInvalid marks requests rejected before reaching a pipeline.
const outcomeInvalid = "invalid"

// Orchestrator exposes both pipelines. It holds no per-request state and is
// safe for concurrent use.
type Orchestrator struct {
	sql      SQLRunner
	charts   ChartRunner
	settings func() Settings
	dialect  sqlsafety.Dialect

	logger    *logging.Logger
	traces    *logging.TraceLogger
	hub       *telemetry.Hub
	metrics   *telemetry.Metrics
	store     AuditSink
	publisher Publisher

	maxArtifactBytes int
	reportWorkers    int
	now              func() time.Time
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithSettings sets the source of per-request settings. It is called once
// per request.
func WithSettings(fn func() Settings) Option {
	return func(o *Orchestrator) { o.settings = fn }
}

// WithDialect sets the default SQL dialect.
func WithDialect(d sqlsafety.Dialect) Option {
	return func(o *Orchestrator) { o.dialect = d }
}

// WithLogger sets the event logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTraceLogger mirrors debug traces to l.
func WithTraceLogger(l *logging.TraceLogger) Option {
	return func(o *Orchestrator) { o.traces = l }
}

// WithHub publishes pipeline events to h.
func WithHub(h *telemetry.Hub) Option {
	return func(o *Orchestrator) { o.hub = h }
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithAuditStore persists audit records.
func WithAuditStore(s AuditSink) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithPublisher forwards audit records.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithMaxArtifactBytes caps fallback-rendered artifacts.
func WithMaxArtifactBytes(n int) Option {
	return func(o *Orchestrator) { o.maxArtifactBytes = n }
}

// WithReportWorkers bounds how many report blocks run at once.
func WithReportWorkers(n int) Option {
	return func(o *Orchestrator) { o.reportWorkers = n }
}

// WithClock overrides time.Now for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator. Either runner may be nil, in which case its
// pipeline reports an internal error.
func New(sql SQLRunner, charts ChartRunner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sql:           sql,
		charts:        charts,
		settings:      DefaultSettings,
		dialect:       sqlsafety.DialectSQLite,
		reportWorkers: 4,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.reportWorkers <= 0 {
		o.reportWorkers = 1
	}
	return o
}

// ValidateAndExecuteSQL classifies, bounds and executes req.Query. The
// response is always non-nil; err is the same failure as response.Error.
func (o *Orchestrator) ValidateAndExecuteSQL(ctx context.Context, req SQLRequest) (*SQLResponse, error) {
	return o.runSQL(ctx, req, scope{})
}

func (o *Orchestrator) runSQL(ctx context.Context, req SQLRequest, sc scope) (*SQLResponse, error) {
	start := time.Now()
	settings := o.settings()
	requestID := newID()
	ctx = logging.ContextWithRequestID(ctx, requestID)
	defer o.metrics.TrackInflight(string(PipelineSQL))()

	tr := o.newTracer(requestID, settings.DebugMode || req.Debug)
	resp := &SQLResponse{RequestID: requestID}
	audit := o.newAudit(PipelineSQL, requestID, sc)
	audit.IntentTag = req.IntentTag

	lim := settings.Limits
	limitsClamped := false
	if req.Limits != nil {
		lim, limitsClamped = req.Limits.ClampTo(settings.Limits)
	}
	audit.Limits = &lim

	finish := func(err error) (*SQLResponse, error) {
		resp.ElapsedMS = time.Since(start).Milliseconds()
		resp.Error = errorInfo(err)
		if resp.Error != nil {
			resp.ReasonCodes = appendCode(resp.ReasonCodes, resp.Error.Code)
		}
		audit.Outcome = resp.Outcome
		audit.ElapsedMS = resp.ElapsedMS
		audit.ReasonCodes = resp.ReasonCodes
		audit.TruncatedRows = resp.TruncatedRows
		audit.TruncatedColumns = resp.TruncatedColumns
		audit.RetriesUsed = resp.RetriesUsed
		audit.RowsReturned = len(resp.Rows)
		if resp.Error != nil {
			audit.ErrorCode = resp.Error.Code
		}
		tr.add("sql.outcome", map[string]any{"outcome": resp.Outcome, "elapsed_ms": resp.ElapsedMS, "error": resp.Error})
		o.record(ctx, audit)
		resp.Audit = audit
		resp.Traces = tr.result()
		return resp, err
	}

	if strings.TrimSpace(req.Query) == "" {
		resp.Outcome = outcomeInvalid
		return finish(apperrors.New(apperrors.ErrCodeInvalidInput, "query is required").
			WithUserMessage(apperrors.Category(apperrors.ErrCodeInvalidInput)))
	}
	dialect := o.dialect
	if req.Dialect != "" {
		d, err := sqlsafety.ParseDialect(req.Dialect)
		if err != nil {
			resp.Outcome = outcomeInvalid
			return finish(apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, err.Error()))
		}
		dialect = d
	}
	if o.sql == nil {
		resp.Outcome = outcomeInvalid
		return finish(apperrors.New(apperrors.ErrCodeInternal, "no database configured"))
	}

	candidate := sqlsafety.NewCandidate(req.Query, req.IntentTag, dialect)
	tr.add("sql.candidate", map[string]any{
		"query":   candidate.SQL,
		"intent":  candidate.IntentTag,
		"dialect": string(candidate.Dialect),
		"limits":  lim,
		"clamped": limitsClamped,
	})

	res, err := o.sql.Run(ctx, candidate, lim)
	if res == nil {
		resp.Outcome = outcomeInvalid
		return finish(err)
	}

	resp.Outcome = string(res.State)
	resp.RetriesUsed = res.RetriesUsed
	audit.Verdict = res.Verdict.String()
	tr.add("sql.verdict", map[string]any{
		"verdict":   res.Verdict.String(),
		"operation": res.Verdict.Operation,
		"detail":    res.Verdict.Detail,
	})
	if !res.Verdict.Approved {
		resp.ReasonCodes = appendCode(resp.ReasonCodes, string(res.Verdict.Reason))
	}
	if res.Bounded != nil {
		resp.ExecutedSQL = res.Bounded.SQL
		audit.Strategy = string(res.Bounded.Strategy)
		tr.add("sql.bounded", map[string]any{
			"sql":          res.Bounded.SQL,
			"strategy":     string(res.Bounded.Strategy),
			"fetch_limit":  res.Bounded.FetchLimit,
			"limit_in_sql": res.Bounded.RowLimitInjected(),
		})
	}
	if len(res.Retries) > 0 {
		retries := make([]map[string]any, len(res.Retries))
		for i, a := range res.Retries {
			retries[i] = map[string]any{"attempt": a.Ordinal, "backoff_ms": a.Backoff.Milliseconds(), "cause": errText(a.PriorCause)}
		}
		tr.add("sql.retries", retries)
	}

	if err == nil {
		resp.Columns = res.Columns
		resp.Rows = res.Rows
		resp.TruncatedRows = res.TruncatedRows
		resp.TruncatedColumns = res.TruncatedColumns
		if res.TruncatedRows {
			resp.ReasonCodes = appendCode(resp.ReasonCodes, "truncated-rows")
		}
		if res.TruncatedColumns {
			resp.ReasonCodes = appendCode(resp.ReasonCodes, "truncated-columns")
		}
	}

	o.metrics.ObserveSQL(telemetry.SQLObservation{
		State:            resp.Outcome,
		Approved:         res.Verdict.Approved,
		Reason:           string(res.Verdict.Reason),
		Retries:          res.RetriesUsed,
		TruncatedRows:    res.TruncatedRows,
		TruncatedColumns: res.TruncatedColumns,
		Elapsed:          res.Elapsed,
	})
	o.hub.Publish(telemetry.Event{
		Type:      sqlEventType(res),
		RequestID: requestID,
		ReportID:  sc.reportID,
		Data: map[string]any{
			"state":        resp.Outcome,
			"verdict":      res.Verdict.String(),
			"retries_used": res.RetriesUsed,
			"rows":         len(resp.Rows),
		},
	})
	return finish(err)
}

func sqlEventType(res *governor.Result) telemetry.EventType {
	switch {
	case !res.Verdict.Approved:
		return telemetry.EventSQLRejected
	case res.State == governor.StateSucceeded:
		return telemetry.EventSQLCompleted
	default:
		return telemetry.EventSQLFailed
	}
}

// RenderChart evaluates req.Code in the sandbox. When the sandbox does not
// produce a chart and req.Hint is set, the hint is rendered instead and the
// response is marked fallback_used; the sandbox outcome is reported
// unchanged either way.
func (o *Orchestrator) RenderChart(ctx context.Context, req ChartRequest) (*ChartResponse, error) {
	return o.runChart(ctx, req, scope{})
}

func (o *Orchestrator) runChart(ctx context.Context, req ChartRequest, sc scope) (*ChartResponse, error) {
	start := time.Now()
	settings := o.settings()
	requestID := newID()
	ctx = logging.ContextWithRequestID(ctx, requestID)
	defer o.metrics.TrackInflight(string(PipelineChart))()

	tr := o.newTracer(requestID, settings.DebugMode || req.Debug)
	resp := &ChartResponse{RequestID: requestID}
	audit := o.newAudit(PipelineChart, requestID, sc)

	finish := func(err error) (*ChartResponse, error) {
		resp.ElapsedMS = time.Since(start).Milliseconds()
		resp.Error = errorInfo(err)
		audit.Outcome = resp.Outcome
		audit.ElapsedMS = resp.ElapsedMS
		audit.FallbackUsed = resp.FallbackUsed
		if resp.Error != nil {
			audit.ErrorCode = resp.Error.Code
			audit.ReasonCodes = appendCode(audit.ReasonCodes, resp.Error.Code)
		}
		if resp.Capability != "" {
			audit.ReasonCodes = appendCode(audit.ReasonCodes, "capability:"+resp.Capability)
		}
		if resp.FallbackUsed {
			audit.ReasonCodes = appendCode(audit.ReasonCodes, "fallback-used")
		}
		tr.add("chart.outcome", map[string]any{"outcome": resp.Outcome, "fallback_used": resp.FallbackUsed, "error": resp.Error})
		o.record(ctx, audit)
		resp.Audit = audit
		resp.Traces = tr.result()
		return resp, err
	}

	if strings.TrimSpace(req.Code) == "" {
		resp.Outcome = outcomeInvalid
		return finish(apperrors.New(apperrors.ErrCodeInvalidInput, "chart code is required").
			WithUserMessage(apperrors.Category(apperrors.ErrCodeInvalidInput)))
	}
	if o.charts == nil {
		resp.Outcome = outcomeInvalid
		return finish(apperrors.New(apperrors.ErrCodeInternal, "no sandbox configured"))
	}

	job := sandbox.NewJob(req.Code, req.Data)
	if req.Manifest != nil {
		job.Manifest = *req.Manifest
	}
	tr.add("chart.job", map[string]any{
		"job_id":     job.ID,
		"code":       job.Code,
		"columns":    req.Data.Columns,
		"rows":       len(req.Data.Rows),
		"primitives": job.Manifest.Primitives,
	})
	o.hub.Publish(telemetry.Event{Type: telemetry.EventSandboxStarted, RequestID: requestID, ReportID: sc.reportID,
		Data: map[string]any{"job_id": job.ID}})

	out := o.charts.Run(ctx, job, req.Budget)
	resp.Outcome = string(out.Kind)
	resp.Reason = out.Reason
	resp.Capability = out.Capability
	resp.Output = out.Output
	audit.Sandbox = sandboxAudit(out)
	o.metrics.ObserveSandbox(string(out.Kind), out.Elapsed)
	o.hub.Publish(telemetry.Event{Type: sandboxEventType(out.Kind), RequestID: requestID, ReportID: sc.reportID,
		Data: map[string]any{"job_id": out.JobID, "outcome": string(out.Kind), "capability": out.Capability}})
	tr.add("chart.sandbox", audit.Sandbox)

	if out.Kind == sandbox.OutcomeSuccess {
		resp.Artifact = out.Artifact
		resp.Chart = out.Spec
		return finish(nil)
	}

	sandboxErr := out.Err()
	if req.Hint == nil {
		return finish(sandboxErr)
	}
	artifact, err := chart.Renderer{MaxBytes: o.maxArtifactBytes}.Render(*req.Hint, req.Data)
	if err != nil {
		tr.add("chart.fallback", map[string]any{"error": err.Error()})
		o.logger.Request(logging.LevelWarn, logging.CategorySandbox, requestID, "fallback_failed", err.Error(), nil)
		return finish(sandboxErr)
	}
	hint := *req.Hint
	resp.Artifact = &artifact
	resp.Chart = &hint
	resp.FallbackUsed = true
	o.metrics.ChartFallback()
	o.hub.Publish(telemetry.Event{Type: telemetry.EventChartFallback, RequestID: requestID, ReportID: sc.reportID,
		Data: map[string]any{"sandbox_outcome": string(out.Kind), "chart": hint.Describe()}})
	tr.add("chart.fallback", map[string]any{"chart": hint.Describe(), "digest": artifact.Digest})
	return finish(nil)
}

func sandboxAudit(out sandbox.Outcome) *SandboxAudit {
	a := &SandboxAudit{
		JobID:      out.JobID,
		Outcome:    string(out.Kind),
		Reason:     out.Reason,
		Capability: out.Capability,
		ElapsedMS:  out.Elapsed.Milliseconds(),
	}
	if out.Artifact != nil {
		a.ArtifactDigest = out.Artifact.Digest
	}
	return a
}

func sandboxEventType(kind sandbox.OutcomeKind) telemetry.EventType {
	switch kind {
	case sandbox.OutcomeCapabilityViolation:
		return telemetry.EventSandboxViolation
	case sandbox.OutcomeTimedOut:
		return telemetry.EventSandboxTimedOut
	default:
		return telemetry.EventSandboxCompleted
	}
}

func appendCode(codes []string, code string) []string {
	if code == "" {
		return codes
	}
	for _, c := range codes {
		if c == code {
			return codes
		}
	}
	return append(codes, code)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
