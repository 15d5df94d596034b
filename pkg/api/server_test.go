package api

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/guardrail/pkg/config"
	"github.com/odvcencio/guardrail/pkg/dbexec"
	"github.com/odvcencio/guardrail/pkg/governor"
	"github.com/odvcencio/guardrail/pkg/guardrail"
	"github.com/odvcencio/guardrail/pkg/retry"
	"github.com/odvcencio/guardrail/pkg/sandbox"
	"github.com/odvcencio/guardrail/pkg/storage"
	"github.com/odvcencio/guardrail/pkg/telemetry"
)

type testServer struct {
	*Server
	store *storage.Store
	hub   *telemetry.Hub
}

func newTestServer(t *testing.T, mutate func(*ServerConfig)) *testServer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warehouse.db")
	seed, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = seed.Exec(`CREATE TABLE sales (id INTEGER PRIMARY KEY, region TEXT, amount INTEGER)`)
	require.NoError(t, err)
	for i := 1; i <= 8; i++ {
		_, err = seed.Exec(`INSERT INTO sales (region, amount) VALUES (?, ?)`, fmt.Sprintf("r%d", i%2), i*10)
		require.NoError(t, err)
	}
	require.NoError(t, seed.Close())

	db, err := dbexec.OpenSQLite(path, 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	hub := telemetry.NewHub()
	t.Cleanup(hub.Close)
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())

	cfg := config.DefaultConfig()
	cfg.Limits.MaxRows = 5
	settings := config.NewManager(cfg, "")

	gov := governor.New(db, governor.WithRetryConfig(retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond}))
	orch := guardrail.New(gov, sandbox.New(sandbox.Config{Isolation: sandbox.IsolationInProcess}),
		guardrail.WithSettings(func() guardrail.Settings {
			return guardrail.Settings{Limits: settings.Limits(), DebugMode: settings.DebugMode()}
		}),
		guardrail.WithAuditStore(store),
		guardrail.WithHub(hub),
		guardrail.WithMetrics(metrics),
	)

	sc := ServerConfig{
		Orchestrator: orch,
		Audits:       store,
		Metrics:      metrics,
		Hub:          hub,
		Settings:     settings,
	}
	if mutate != nil {
		mutate(&sc)
	}
	return &testServer{Server: NewServer(sc), store: store, hub: hub}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t, nil)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/readyz", "").Code)

	failing := newTestServer(t, func(c *ServerConfig) {
		c.Ready = func(context.Context) error { return errors.New("database unreachable") }
	})
	rec := failing.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database unreachable")

	bare := NewServer(ServerConfig{})
	rec = httptest.NewRecorder()
	bare.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSQLEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/sql", `{"query":"SELECT id, amount FROM sales ORDER BY id","intent_tag":"amounts"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp guardrail.SQLResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "succeeded", resp.Outcome)
	assert.Len(t, resp.Rows, 5)
	assert.True(t, resp.TruncatedRows)

	rec = s.do(t, http.MethodPost, "/api/v1/sql", `{"query":"DELETE FROM sales"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	decodeBody(t, rec, &resp)
	assert.Equal(t, "rejected", resp.Outcome)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "SQL_SAFETY_VIOLATION", resp.Error.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/sql", `{"query":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDecodeErrors(t *testing.T) {
	s := newTestServer(t, nil)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{"query":`, http.StatusBadRequest},
		{"unknown field", `{"query":"SELECT 1","sql":"x"}`, http.StatusBadRequest},
		{"empty body", ``, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/sql", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	big := `{"query":"` + strings.Repeat("a", maxRequestBytes) + `"}`
	rec := s.do(t, http.MethodPost, "/api/v1/sql", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestClassifyEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/api/v1/classify", `{"query":"SELECT * FROM sales"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var c guardrail.Classification
	decodeBody(t, rec, &c)
	assert.True(t, c.Approved)
	assert.Equal(t, "SELECT * FROM sales LIMIT 6", c.BoundedSQL)

	total, err := s.store.ListAudits(context.Background(), storage.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, total, "classification is a dry run")
}

func TestChartEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	body := `{
		"code": "fig = chart.bar(df, {x = \"region\", y = \"amount\"})",
		"data": {"columns": ["region", "amount"], "rows": [["a", 1], ["b", 2]]}
	}`
	rec := s.do(t, http.MethodPost, "/api/v1/chart", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp guardrail.ChartResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "success", resp.Outcome)
	require.NotNil(t, resp.Artifact)
	assert.Equal(t, "vega-lite/v5", resp.Artifact.Format)

	body = `{
		"code": "while true do end",
		"budget_ms": 50,
		"data": {"columns": ["region", "amount"], "rows": [["a", 1]]}
	}`
	rec = s.do(t, http.MethodPost, "/api/v1/chart", body)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	decodeBody(t, rec, &resp)
	assert.Equal(t, "timed_out", resp.Outcome)
}

func TestReportEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	body := `{
		"title": "weekly",
		"blocks": [
			{"name": "by_region", "query": "SELECT region, amount FROM sales", "chart": {"type": "bar", "x": "region", "y": "amount"}},
			{"name": "bad", "query": "DROP TABLE sales"}
		]
	}`
	rec := s.do(t, http.MethodPost, "/api/v1/report", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res guardrail.ReportResult
	decodeBody(t, rec, &res)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	rec = s.do(t, http.MethodPost, "/api/v1/report", `{"title":"empty","blocks":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(t, http.MethodPost, "/api/v1/sql", `{"query":"SELECT 1 AS one"}`)
	s.do(t, http.MethodPost, "/api/v1/sql", `{"query":"DELETE FROM sales"}`)

	rec := s.do(t, http.MethodGet, "/api/v1/audit?pipeline=sql&outcome=rejected", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Records []guardrail.AuditRecord `json:"records"`
		Count   int                     `json:"count"`
	}
	decodeBody(t, rec, &list)
	require.Equal(t, 1, list.Count)
	id := list.Records[0].ID

	rec = s.do(t, http.MethodGet, "/api/v1/audit/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var one guardrail.AuditRecord
	decodeBody(t, rec, &one)
	assert.Equal(t, "rejected", one.Outcome)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/audit/nope", "").Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/audit?limit=-1", "").Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/audit?since=yesterday", "").Code)

	rec = s.do(t, http.MethodGet, "/api/v1/audit/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var counts map[string]map[string]int
	decodeBody(t, rec, &counts)
	assert.Equal(t, 1, counts["sql"]["succeeded"])
	assert.Equal(t, 1, counts["sql"]["rejected"])
}

func TestLimitsAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodGet, "/api/v1/limits", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"max_rows":5`)

	s.do(t, http.MethodPost, "/api/v1/sql", `{"query":"SELECT 1 AS one"}`)
	rec = s.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "guardrail_sql_requests_total")
}

func TestUnconfiguredCollaborators(t *testing.T) {
	s := NewServer(ServerConfig{})
	for _, path := range []string{"/metrics", "/api/v1/audit", "/api/v1/limits", "/api/v1/events"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/sql", strings.NewReader(`{"query":"SELECT 1"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEventStream(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events?type=sql.", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "event: ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "event: "))
			}
		}
	}
	require.Equal(t, "connected", readEvent())

	go func() {
		body := strings.NewReader(`{"query":"UPDATE sales SET amount = 0"}`)
		r, err := http.Post(srv.URL+"/api/v1/sql", "application/json", body)
		if err == nil {
			r.Body.Close()
		}
	}()
	assert.Equal(t, "sql.rejected", readEvent())
}
