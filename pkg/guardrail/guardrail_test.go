package guardrail

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/guardrail/pkg/chart"
	"github.com/odvcencio/guardrail/pkg/dbexec"
	apperrors "github.com/odvcencio/guardrail/pkg/errors"
	"github.com/odvcencio/guardrail/pkg/governor"
	"github.com/odvcencio/guardrail/pkg/limits"
	"github.com/odvcencio/guardrail/pkg/logging"
	"github.com/odvcencio/guardrail/pkg/retry"
	"github.com/odvcencio/guardrail/pkg/sandbox"
	"github.com/odvcencio/guardrail/pkg/storage"
	"github.com/odvcencio/guardrail/pkg/telemetry"
)

func seedWarehouse(t *testing.T, rows int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warehouse.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE sales (id INTEGER PRIMARY KEY, region TEXT, amount INTEGER)`)
	require.NoError(t, err)
	for i := 0; i < rows; i++ {
		_, err = db.Exec(`INSERT INTO sales (region, amount) VALUES (?, ?)`, fmt.Sprintf("r%d", i%3), (i+1)*10)
		require.NoError(t, err)
	}
	return path
}

// flakyQueryer fails the first n executions with a transient error.
type flakyQueryer struct {
	dbexec.ReadOnlyQueryer
	mu       sync.Mutex
	failures int
}

func (f *flakyQueryer) ExecuteReadOnly(ctx context.Context, query string, opts dbexec.QueryOptions) (*dbexec.ResultSet, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrCodeTransientExecution, "connection reset").WithRetryable(true)
	}
	f.mu.Unlock()
	return f.ReadOnlyQueryer.ExecuteReadOnly(ctx, query, opts)
}

type published struct {
	tokens []string
	value  any
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *recordingPublisher) Publish(ctx context.Context, v any, tokens ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{tokens: tokens, value: v})
	return nil
}

type harness struct {
	orch      *Orchestrator
	store     *storage.Store
	hub       *telemetry.Hub
	registry  *prometheus.Registry
	publisher *recordingPublisher
}

func newHarness(t *testing.T, db dbexec.ReadOnlyQueryer, opts ...Option) *harness {
	t.Helper()
	store, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	hub := telemetry.NewHub()
	t.Cleanup(hub.Close)
	reg := prometheus.NewRegistry()
	pub := &recordingPublisher{}

	gov := governor.New(db, governor.WithRetryConfig(retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}))
	base := []Option{
		WithAuditStore(store),
		WithHub(hub),
		WithMetrics(telemetry.NewMetrics(reg)),
		WithPublisher(pub),
		WithLogger(logging.NewWriterLogger(os.Stderr)),
	}
	orch := New(gov, sandbox.New(sandbox.Config{Isolation: sandbox.IsolationInProcess}), append(base, opts...)...)
	return &harness{orch: orch, store: store, hub: hub, registry: reg, publisher: pub}
}

func openWarehouse(t *testing.T, rows int) dbexec.ReadOnlyQueryer {
	t.Helper()
	db, err := dbexec.OpenSQLite(seedWarehouse(t, rows), 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func storedAudits(t *testing.T, store *storage.Store, f storage.AuditFilter) []*AuditRecord {
	t.Helper()
	rows, err := store.ListAudits(context.Background(), f)
	require.NoError(t, err)
	out := make([]*AuditRecord, len(rows))
	for i, r := range rows {
		rec, err := DecodeAudit(r)
		require.NoError(t, err)
		out[i] = rec
	}
	return out
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
		}
	}
	return 0
}

func TestValidateAndExecuteSQL_TruncatesAndAudits(t *testing.T) {
	h := newHarness(t, openWarehouse(t, 10))
	lim := limits.ExecutionLimits{MaxRows: 5, MaxColumns: 2, MaxElapsed: 5 * time.Second}

	resp, err := h.orch.ValidateAndExecuteSQL(context.Background(), SQLRequest{
		Query:     "SELECT id, region, amount FROM sales ORDER BY id",
		IntentTag: "sales_by_region",
		Limits:    &lim,
	})
	require.NoError(t, err)
	assert.Equal(t, "succeeded", resp.Outcome)
	assert.Len(t, resp.Rows, 5)
	assert.Equal(t, []string{"id", "region"}, resp.Columns)
	assert.True(t, resp.TruncatedRows)
	assert.True(t, resp.TruncatedColumns)
	assert.Contains(t, resp.ExecutedSQL, "LIMIT 6")
	assert.ElementsMatch(t, []string{"truncated-rows", "truncated-columns"}, resp.ReasonCodes)
	assert.Nil(t, resp.Error)
	assert.Nil(t, resp.Traces, "traces are only attached in debug mode")

	audits := storedAudits(t, h.store, storage.AuditFilter{})
	require.Len(t, audits, 1)
	a := audits[0]
	assert.Equal(t, resp.RequestID, a.RequestID)
	assert.Equal(t, PipelineSQL, a.Pipeline)
	assert.Equal(t, "approved", a.Verdict)
	assert.Equal(t, "injected", a.Strategy)
	assert.Equal(t, lim, *a.Limits)
	assert.True(t, a.TruncatedRows)
	assert.Equal(t, 5, a.RowsReturned)
	assert.Equal(t, "sales_by_region", a.IntentTag)

	assert.Equal(t, 1.0, counterValue(t, h.registry, "guardrail_audit_records_total", map[string]string{"pipeline": "sql"}))
	require.Len(t, h.publisher.msgs, 1)
	assert.Equal(t, []string{"sql", "succeeded"}, h.publisher.msgs[0].tokens)
}

func TestValidateAndExecuteSQL_UsesSettings(t *testing.T) {
	settings := Settings{Limits: limits.ExecutionLimits{MaxRows: 2, MaxColumns: 20, MaxElapsed: time.Second}}
	h := newHarness(t, openWarehouse(t, 4), WithSettings(func() Settings { return settings }))

	resp, err := h.orch.ValidateAndExecuteSQL(context.Background(), SQLRequest{Query: "SELECT amount FROM sales"})
	require.NoError(t, err)
	assert.Len(t, resp.Rows, 2)
	assert.True(t, resp.TruncatedRows)
}

func TestValidateAndExecuteSQL_OverridesCannotExceedSettings(t *testing.T) {
	settings := Settings{Limits: limits.ExecutionLimits{MaxRows: 2, MaxColumns: 20, MaxElapsed: time.Second}}
	h := newHarness(t, openWarehouse(t, 6), WithSettings(func() Settings { return settings }))

	wide := limits.ExecutionLimits{MaxRows: 1_000_000_000, MaxColumns: 1000, MaxElapsed: time.Hour}
	resp, err := h.orch.ValidateAndExecuteSQL(context.Background(), SQLRequest{Query: "SELECT amount FROM sales", Limits: &wide})
	require.NoError(t, err)
	assert.Len(t, resp.Rows, 2)
	assert.True(t, resp.TruncatedRows)
	assert.Contains(t, resp.ExecutedSQL, "LIMIT 3")
	require.NotNil(t, resp.Audit.Limits)
	assert.Equal(t, settings.Limits, *resp.Audit.Limits)

	narrow := limits.ExecutionLimits{MaxRows: 1, MaxColumns: 20, MaxElapsed: time.Second}
	resp, err = h.orch.ValidateAndExecuteSQL(context.Background(), SQLRequest{Query: "SELECT amount FROM sales", Limits: &narrow})
	require.NoError(t, err)
	assert.Len(t, resp.Rows, 1, "tighter overrides still apply")

	c, err := h.orch.Classify(SQLRequest{Query: "SELECT amount FROM sales", Limits: &wide})
	require.NoError(t, err)
	assert.Equal(t, settings.Limits, c.Limits)
}

func TestValidateAndExecuteSQL_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		reason string
	}{
		{"dml", "DELETE FROM sales", "non-select-operation"},
		{"insert", "INSERT INTO sales (region, amount) VALUES ('x', 1)", "non-select-operation"},
		{"stacked", "SELECT 1; SELECT 2", "multi-statement"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, openWarehouse(t, 1))
			resp, err := h.orch.ValidateAndExecuteSQL(context.Background(), SQLRequest{Query: tt.query})
			require.Error(t, err)
			assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSQLSafetyViolation), "got %v", err)
			assert.Equal(t, "rejected", resp.Outcome)
			require.NotNil(t, resp.Error)
			assert.Equal(t, "cannot execute: unsafe sql", resp.Error.Category)
			assert.Contains(t, resp.ReasonCodes, tt.reason)
			assert.Empty(t, resp.ExecutedSQL)

			audits := storedAudits(t, h.store, storage.AuditFilter{Outcome: "rejected"})
			require.Len(t, audits, 1)
			assert.Equal(t, string(apperrors.ErrCodeSQLSafetyViolation), audits[0].ErrorCode)
		})
	}
}

func TestValidateAndExecuteSQL_RetriesTransientFailures(t *testing.T) {
	flaky := &flakyQueryer{ReadOnlyQueryer: openWarehouse(t, 3), failures: 2}
	h := newHarness(t, flaky)

	resp, err := h.orch.ValidateAndExecuteSQL(context.Background(), SQLRequest{Query: "SELECT region FROM sales"})
	require.NoError(t, err)
	assert.Equal(t, "succeeded", resp.Outcome)
	assert.Equal(t, 2, resp.RetriesUsed)
	assert.Len(t, resp.Rows, 3)

	audits := storedAudits(t, h.store, storage.AuditFilter{})
	require.Len(t, audits, 1)
	assert.Equal(t, 2, audits[0].RetriesUsed)
}

func TestValidateAndExecuteSQL_Exhausted(t *testing.T) {
	flaky := &flakyQueryer{ReadOnlyQueryer: openWarehouse(t, 1), failures: 10}
	h := newHarness(t, flaky)

	resp, err := h.orch.ValidateAndExecuteSQL(context.Background(), SQLRequest{Query: "SELECT region FROM sales"})
	require.Error(t, err)
	assert.Equal(t, "exhausted", resp.Outcome)
	assert.Equal(t, string(apperrors.ErrCodeRetryExhausted), resp.Error.Code)
	assert.Equal(t, 2, resp.RetriesUsed)
}

func TestValidateAndExecuteSQL_InvalidRequests(t *testing.T) {
	bad := limits.ExecutionLimits{MaxRows: 0, MaxColumns: 1, MaxElapsed: time.Second}
	tests := []struct {
		name string
		req  SQLRequest
	}{
		{"empty query", SQLRequest{Query: "  "}},
		{"unknown dialect", SQLRequest{Query: "SELECT 1", Dialect: "oracle"}},
		{"bad limits", SQLRequest{Query: "SELECT 1", Limits: &bad}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, openWarehouse(t, 1))
			resp, err := h.orch.ValidateAndExecuteSQL(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput), "got %v", err)
			assert.Equal(t, outcomeInvalid, resp.Outcome)
			assert.Len(t, storedAudits(t, h.store, storage.AuditFilter{}), 1, "invalid requests are audited too")
		})
	}
}

func TestValidateAndExecuteSQL_DebugTraces(t *testing.T) {
	dir := t.TempDir()
	traces, err := logging.NewTraceLogger(dir)
	require.NoError(t, err)
	defer traces.Close()

	h := newHarness(t, openWarehouse(t, 2),
		WithSettings(func() Settings { s := DefaultSettings(); s.DebugMode = true; return s }),
		WithTraceLogger(traces))

	resp, err := h.orch.ValidateAndExecuteSQL(context.Background(), SQLRequest{Query: "SELECT region FROM sales"})
	require.NoError(t, err)

	var steps []string
	for _, s := range resp.Traces {
		steps = append(steps, s.Step)
	}
	assert.Equal(t, []string{"sql.candidate", "sql.verdict", "sql.bounded", "sql.outcome"}, steps)

	body, err := os.ReadFile(traces.Path())
	require.NoError(t, err)
	assert.Contains(t, string(body), "request="+resp.RequestID)
	assert.Contains(t, string(body), "step=sql.bounded")

	bounded, ok := resp.Traces[2].Payload.(map[string]any)
	require.True(t, ok, "payload %T", resp.Traces[2].Payload)
	assert.Equal(t, true, bounded["limit_in_sql"])
}

func TestValidateAndExecuteSQL_PublishesEvents(t *testing.T) {
	h := newHarness(t, openWarehouse(t, 1))
	events, unsubscribe := h.hub.Subscribe()
	defer unsubscribe()

	_, err := h.orch.ValidateAndExecuteSQL(context.Background(), SQLRequest{Query: "UPDATE sales SET amount = 0"})
	require.Error(t, err)

	var got []telemetry.EventType
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, got %v", got)
		}
	}
	assert.Equal(t, []telemetry.EventType{telemetry.EventSQLRejected, telemetry.EventAuditRecorded}, got)
}

const chartCode = `
local totals = frame.group_by(df, "region", "amount", "sum")
fig = chart.bar(totals, {x = "region", y = "amount"})
`

func salesData() chart.Frame {
	return chart.Frame{
		Columns: []string{"region", "amount"},
		Rows:    [][]any{{"east", int64(10)}, {"west", int64(20)}, {"east", int64(5)}},
	}
}

func TestRenderChart_Success(t *testing.T) {
	h := newHarness(t, openWarehouse(t, 1))
	resp, err := h.orch.RenderChart(context.Background(), ChartRequest{Code: chartCode, Data: salesData()})
	require.NoError(t, err)
	assert.Equal(t, "success", resp.Outcome)
	require.NotNil(t, resp.Artifact)
	assert.False(t, resp.FallbackUsed)

	audits := storedAudits(t, h.store, storage.AuditFilter{Pipeline: "chart"})
	require.Len(t, audits, 1)
	require.NotNil(t, audits[0].Sandbox)
	assert.Equal(t, resp.Artifact.Digest, audits[0].Sandbox.ArtifactDigest)
}

func TestRenderChart_FallbackKeepsSandboxOutcome(t *testing.T) {
	h := newHarness(t, openWarehouse(t, 1))
	hint := &chart.Spec{Kind: chart.KindBar, X: "region", Y: "amount", Title: "Sales"}

	resp, err := h.orch.RenderChart(context.Background(), ChartRequest{
		Code: `os.execute("rm -rf /")`,
		Data: salesData(),
		Hint: hint,
	})
	require.NoError(t, err)
	assert.Equal(t, "capability_violation", resp.Outcome)
	assert.True(t, resp.FallbackUsed)
	require.NotNil(t, resp.Artifact)
	assert.Equal(t, "process", resp.Capability)

	audits := storedAudits(t, h.store, storage.AuditFilter{})
	require.Len(t, audits, 1)
	a := audits[0]
	assert.True(t, a.FallbackUsed)
	assert.Equal(t, "capability_violation", a.Sandbox.Outcome)
	assert.Empty(t, a.Sandbox.ArtifactDigest, "the sandbox produced nothing")
	assert.Contains(t, a.ReasonCodes, "fallback-used")
	assert.Equal(t, 1.0, counterValue(t, h.registry, "guardrail_chart_fallbacks_total", nil))
}

func TestRenderChart_Failures(t *testing.T) {
	tests := []struct {
		name    string
		req     ChartRequest
		code    apperrors.ErrorCode
		outcome string
	}{
		{"violation without hint", ChartRequest{Code: `local s = require("socket")`, Data: salesData()}, apperrors.ErrCodeSandboxCapabilityViolation, "capability_violation"},
		{"runtime failure", ChartRequest{Code: `error("nope")`, Data: salesData()}, apperrors.ErrCodeSandboxRuntimeFailure, "runtime_failure"},
		{"timeout", ChartRequest{Code: `while true do end`, Data: salesData(), Budget: 50 * time.Millisecond}, apperrors.ErrCodeSandboxTimeout, "timed_out"},
		{"unusable hint", ChartRequest{Code: `error("nope")`, Data: salesData(), Hint: &chart.Spec{Kind: chart.KindPie, X: "missing", Y: "amount"}}, apperrors.ErrCodeSandboxRuntimeFailure, "runtime_failure"},
		{"no code", ChartRequest{Data: salesData()}, apperrors.ErrCodeInvalidInput, outcomeInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, openWarehouse(t, 1))
			resp, err := h.orch.RenderChart(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, apperrors.IsCode(err, tt.code), "got %v", err)
			assert.Equal(t, tt.outcome, resp.Outcome)
			assert.Nil(t, resp.Artifact)
			assert.False(t, resp.FallbackUsed)
			assert.Len(t, storedAudits(t, h.store, storage.AuditFilter{}), 1)
		})
	}
}

func TestRenderChart_Deterministic(t *testing.T) {
	h := newHarness(t, openWarehouse(t, 1))
	first, err := h.orch.RenderChart(context.Background(), ChartRequest{Code: chartCode, Data: salesData()})
	require.NoError(t, err)
	second, err := h.orch.RenderChart(context.Background(), ChartRequest{Code: chartCode, Data: salesData()})
	require.NoError(t, err)
	assert.Equal(t, first.Artifact.Digest, second.Artifact.Digest)
	assert.NotEqual(t, first.RequestID, second.RequestID)
}

func TestNilRunners(t *testing.T) {
	o := New(nil, nil)
	resp, err := o.ValidateAndExecuteSQL(context.Background(), SQLRequest{Query: "SELECT 1"})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInternal))
	assert.Equal(t, outcomeInvalid, resp.Outcome)

	cresp, err := o.RenderChart(context.Background(), ChartRequest{Code: chartCode})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInternal))
	assert.Equal(t, outcomeInvalid, cresp.Outcome)
}

func TestClassify(t *testing.T) {
	o := New(nil, nil, WithSettings(func() Settings {
		return Settings{Limits: limits.ExecutionLimits{MaxRows: 10, MaxColumns: 5, MaxElapsed: time.Second}}
	}))

	c, err := o.Classify(SQLRequest{Query: "SELECT region FROM sales"})
	require.NoError(t, err)
	assert.True(t, c.Approved)
	assert.Equal(t, "SELECT region FROM sales LIMIT 11", c.BoundedSQL)
	assert.Equal(t, "injected", c.Strategy)
	assert.Equal(t, "sqlite", c.Dialect)

	c, err = o.Classify(SQLRequest{Query: "SELECT TOP 5 region FROM sales", Dialect: "sqlserver"})
	require.NoError(t, err)
	assert.Equal(t, "preserved", c.Strategy)

	c, err = o.Classify(SQLRequest{Query: "DROP TABLE sales"})
	require.NoError(t, err)
	assert.False(t, c.Approved)
	assert.Equal(t, "non-select-operation", c.Reason)
	assert.Empty(t, c.BoundedSQL)

	_, err = o.Classify(SQLRequest{})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
}
