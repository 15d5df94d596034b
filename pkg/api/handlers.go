package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/odvcencio/guardrail/pkg/errors"
	"github.com/odvcencio/guardrail/pkg/guardrail"
	"github.com/odvcencio/guardrail/pkg/storage"
)

// decode reads a JSON body into v. Unknown fields are rejected.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "request body is required")
		default:
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		}
		return false
	}
	return true
}

// statusFor maps a pipeline error to an HTTP status. The response body
// always carries the full pipeline response, so the status is a summary.
func statusFor(err error) int {
	switch apperrors.GetCode(err) {
	case "":
		return http.StatusOK
	case apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.ErrCodeSQLSafetyViolation, apperrors.ErrCodeSandboxCapabilityViolation,
		apperrors.ErrCodePermanentExecution, apperrors.ErrCodeSandboxRuntimeFailure:
		return http.StatusUnprocessableEntity
	case apperrors.ErrCodeExecutionTimeout, apperrors.ErrCodeSandboxTimeout:
		return http.StatusGatewayTimeout
	case apperrors.ErrCodeRetryExhausted, apperrors.ErrCodeTransientExecution:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSQL(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not configured")
		return
	}
	var req guardrail.SQLRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := s.orch.ValidateAndExecuteSQL(r.Context(), req)
	writeJSON(w, statusFor(err), resp)
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not configured")
		return
	}
	var req guardrail.SQLRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := s.orch.Classify(req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// chartRequest is the wire form of a chart request; the budget is given in
// milliseconds.
type chartRequest struct {
	guardrail.ChartRequest
	BudgetMS int64 `json:"budget_ms,omitempty"`
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not configured")
		return
	}
	var req chartRequest
	if !decode(w, r, &req) {
		return
	}
	if req.BudgetMS > 0 {
		req.Budget = time.Duration(req.BudgetMS) * time.Millisecond
	}
	resp, err := s.orch.RenderChart(r.Context(), req.ChartRequest)
	writeJSON(w, statusFor(err), resp)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not configured")
		return
	}
	var plan guardrail.ReportPlan
	if !decode(w, r, &plan) {
		return
	}
	res, err := s.orch.RunReport(r.Context(), plan)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListAudits(w http.ResponseWriter, r *http.Request) {
	if s.audits == nil {
		writeError(w, http.StatusServiceUnavailable, "audit store not configured")
		return
	}
	q := r.URL.Query()
	f := storage.AuditFilter{
		Pipeline: strings.TrimSpace(q.Get("pipeline")),
		Outcome:  strings.TrimSpace(q.Get("outcome")),
		ReportID: strings.TrimSpace(q.Get("report_id")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		f.Since = t
	}

	rows, err := s.audits.ListAudits(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]*guardrail.AuditRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := guardrail.DecodeAudit(row)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "decode audit "+row.ID+": "+err.Error())
			return
		}
		out = append(out, rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": out, "count": len(out)})
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	if s.audits == nil {
		writeError(w, http.StatusServiceUnavailable, "audit store not configured")
		return
	}
	id := chi.URLParam(r, "id")
	row, err := s.audits.GetAudit(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if row == nil {
		writeError(w, http.StatusNotFound, "audit record not found: "+id)
		return
	}
	rec, err := guardrail.DecodeAudit(row)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	if s.audits == nil {
		writeError(w, http.StatusServiceUnavailable, "audit store not configured")
		return
	}
	counts, err := s.audits.CountAuditOutcomes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusServiceUnavailable, "configuration not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"limits":     s.settings.Limits(),
		"debug_mode": s.settings.DebugMode(),
	})
}
