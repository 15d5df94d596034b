package telemetry

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishSubscribe(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	hub.Publish(Event{Type: EventSQLCompleted, RequestID: "req-1"})

	select {
	case got := <-ch:
		assert.Equal(t, EventSQLCompleted, got.Type)
		assert.Equal(t, "req-1", got.RequestID)
		assert.False(t, got.Timestamp.IsZero(), "timestamp should be stamped")
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, unsubscribe := hub.Subscribe()
	require.Equal(t, 1, hub.Subscribers())
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
	assert.NotPanics(t, unsubscribe)
	assert.Equal(t, 0, hub.Subscribers())
}

func TestHub_DropsWhenSubscriberIsSlow(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			hub.Publish(Event{Type: EventAuditRecorded})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, 64, len(ch))
}

func TestHub_CloseEndsSubscriptions(t *testing.T) {
	hub := NewHub()
	ch, _ := hub.Subscribe()
	hub.Close()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := hub.Subscribe()
	_, ok = <-late
	assert.False(t, ok, "subscriptions after close should be closed immediately")

	assert.NotPanics(t, func() { hub.Publish(Event{Type: EventSQLFailed}) })
	assert.NotPanics(t, hub.Close)
}

func TestHub_NilIsNoop(t *testing.T) {
	var hub *Hub
	assert.NotPanics(t, func() {
		hub.Publish(Event{Type: EventSQLFailed})
		hub.Close()
	})
}

func TestHub_ConcurrentPublish(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	_, unsubscribe := hub.Subscribe()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hub.Publish(Event{Type: EventSandboxCompleted})
			}
		}()
	}
	unsubscribe()
	wg.Wait()
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			match := true
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					match = false
				}
			}
			if !match {
				continue
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
			if h := m.GetHistogram(); h != nil {
				return float64(h.GetSampleCount())
			}
		}
	}
	return 0
}

func TestMetrics_ObserveSQL(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveSQL(SQLObservation{State: "succeeded", Approved: true, Retries: 2, TruncatedRows: true, Elapsed: 30 * time.Millisecond})
	m.ObserveSQL(SQLObservation{State: "rejected", Reason: "non-select-operation"})

	assert.Equal(t, 1.0, counterValue(t, reg, "guardrail_sql_requests_total", map[string]string{"state": "succeeded"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "guardrail_sql_verdicts_total", map[string]string{"verdict": "rejected", "reason": "non-select-operation"}))
	assert.Equal(t, 2.0, counterValue(t, reg, "guardrail_sql_retries_total", nil))
	assert.Equal(t, 1.0, counterValue(t, reg, "guardrail_sql_truncations_total", map[string]string{"kind": "rows"}))
	assert.Equal(t, 0.0, counterValue(t, reg, "guardrail_sql_truncations_total", map[string]string{"kind": "columns"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "guardrail_sql_duration_seconds", map[string]string{"state": "succeeded"}))
}

func TestMetrics_SandboxAndAudit(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveSandbox("capability_violation", time.Millisecond)
	m.ChartFallback()
	m.AuditRecorded("chart")
	done := m.TrackInflight("chart")
	assert.Equal(t, 1.0, counterValue(t, reg, "guardrail_inflight_requests", map[string]string{"pipeline": "chart"}))
	done()

	assert.Equal(t, 0.0, counterValue(t, reg, "guardrail_inflight_requests", map[string]string{"pipeline": "chart"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "guardrail_sandbox_outcomes_total", map[string]string{"outcome": "capability_violation"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "guardrail_chart_fallbacks_total", nil))
	assert.Equal(t, 1.0, counterValue(t, reg, "guardrail_audit_records_total", map[string]string{"pipeline": "chart"}))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics(nil)
	m.ChartFallback()

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rr.Code)
	assert.Contains(t, rr.Body.String(), "guardrail_chart_fallbacks_total 1")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveSQL(SQLObservation{State: "succeeded"})
		m.ObserveSandbox("success", 0)
		m.ChartFallback()
		m.AuditRecorded("sql")
		m.TrackInflight("sql")()
	})
}

func TestTracerProvider_ExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewTracerProvider("guardrail-test", "test", &buf)
	require.NoError(t, err)

	ctx, span := StartSpan(context.Background(), "governor.run")
	AddEvent(ctx, "classified", AttrVerdict.String("approved"))
	RecordError(ctx, nil)
	span.End()

	require.NoError(t, tp.Shutdown(context.Background()))
	out := buf.String()
	assert.True(t, strings.Contains(out, "governor.run"), "span name missing from export: %s", out)
	assert.Contains(t, out, "guardrail.sql.verdict")
}
