package guardrail

import (
	"time"

	"github.com/odvcencio/guardrail/pkg/chart"
	apperrors "github.com/odvcencio/guardrail/pkg/errors"
	"github.com/odvcencio/guardrail/pkg/limits"
	"github.com/odvcencio/guardrail/pkg/sandbox"
)

// Settings are the per-request knobs read from configuration. A snapshot
// is taken at the start of every request.
type Settings struct {
	Limits    limits.ExecutionLimits
	DebugMode bool
}

// DefaultSettings returns the configuration defaults.
func DefaultSettings() Settings {
	return Settings{Limits: limits.DefaultLimits()}
}

// SQLRequest asks for one generated statement to be validated and run.
type SQLRequest struct {
	Query     string `json:"query"`
	IntentTag string `json:"intent_tag,omitempty"`
	// Dialect overrides the orchestrator's default dialect.
	Dialect string `json:"dialect,omitempty"`
	// Limits overrides the configured limits for this request only.
	Limits *limits.ExecutionLimits `json:"limits,omitempty"`
	Debug  bool                    `json:"debug,omitempty"`
}

// SQLResponse is the outcome of a SQL request. Outcome is the governor's
// terminal state, or "invalid" when the request never reached it.
type SQLResponse struct {
	RequestID        string       `json:"request_id"`
	Outcome          string       `json:"outcome"`
	Columns          []string     `json:"columns,omitempty"`
	Rows             [][]any      `json:"rows,omitempty"`
	TruncatedRows    bool         `json:"truncated_rows"`
	TruncatedColumns bool         `json:"truncated_columns"`
	ElapsedMS        int64        `json:"elapsed_ms"`
	RetriesUsed      int          `json:"retries_used"`
	ReasonCodes      []string     `json:"reason_codes,omitempty"`
	ExecutedSQL      string       `json:"executed_sql,omitempty"`
	Error            *ErrorInfo   `json:"error,omitempty"`
	Traces           []TraceStep  `json:"traces,omitempty"`
	Audit            *AuditRecord `json:"audit,omitempty"`
}

// ChartRequest asks for generated chart code to be evaluated over data.
type ChartRequest struct {
	Code string      `json:"code"`
	Data chart.Frame `json:"data"`
	// Hint is rendered deterministically when the code does not produce a
	// chart.
	Hint *chart.Spec `json:"hint,omitempty"`
	// Manifest narrows the primitives the code may use.
	Manifest *sandbox.Manifest `json:"manifest,omitempty"`
	Budget   time.Duration     `json:"budget,omitempty"`
	Debug    bool              `json:"debug,omitempty"`
}

// ChartResponse is the outcome of a chart request. Outcome is always the
// sandbox's own outcome kind, even when the fallback produced the artifact.
type ChartResponse struct {
	RequestID    string          `json:"request_id"`
	Outcome      string          `json:"outcome"`
	Artifact     *chart.Artifact `json:"artifact,omitempty"`
	Chart        *chart.Spec     `json:"chart,omitempty"`
	FallbackUsed bool            `json:"fallback_used"`
	Reason       string          `json:"reason,omitempty"`
	Capability   string          `json:"capability,omitempty"`
	Output       string          `json:"output,omitempty"`
	ElapsedMS    int64           `json:"elapsed_ms"`
	Error        *ErrorInfo      `json:"error,omitempty"`
	Traces       []TraceStep     `json:"traces,omitempty"`
	Audit        *AuditRecord    `json:"audit,omitempty"`
}

// ErrorInfo is the user-facing shape of a structured error.
type ErrorInfo struct {
	Code      string `json:"code"`
	Category  string `json:"category"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func errorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	code := apperrors.GetCode(err)
	if code == "" {
		code = apperrors.ErrCodeInternal
	}
	info := &ErrorInfo{
		Code:      string(code),
		Category:  apperrors.Category(code),
		Message:   err.Error(),
		Retryable: apperrors.IsRetryable(err),
	}
	if e, ok := apperrors.As(err); ok {
		info.Message = e.Message
	}
	return info
}

// TraceStep is one debug-mode pipeline step.
type TraceStep struct {
	Step    string `json:"step"`
	Payload any    `json:"payload"`
}

// ReportBlock is one named query of an analytics report, optionally with
// chart code and a chart hint.
type ReportBlock struct {
	Name      string      `json:"name"`
	Purpose   string      `json:"purpose,omitempty"`
	Query     string      `json:"query"`
	Dialect   string      `json:"dialect,omitempty"`
	ChartCode string      `json:"chart_code,omitempty"`
	Chart     *chart.Spec `json:"chart,omitempty"`
}

// ReportPlan is a set of blocks executed together.
type ReportPlan struct {
	Title   string                  `json:"title"`
	Summary string                  `json:"summary,omitempty"`
	Blocks  []ReportBlock           `json:"blocks"`
	Limits  *limits.ExecutionLimits `json:"limits,omitempty"`
	Debug   bool                    `json:"debug,omitempty"`
}

// BlockResult is the outcome of one block. Chart is nil when the block has
// no chart or its query did not succeed.
type BlockResult struct {
	Name    string         `json:"name"`
	Purpose string         `json:"purpose,omitempty"`
	SQL     *SQLResponse   `json:"sql,omitempty"`
	Chart   *ChartResponse `json:"chart,omitempty"`
	Error   *ErrorInfo     `json:"error,omitempty"`
}

// OK reports whether the block's query succeeded and its chart, if any,
// produced an artifact.
func (b BlockResult) OK() bool {
	if b.Error != nil {
		return false
	}
	return b.Chart == nil || b.Chart.Artifact != nil
}

// ReportResult is the outcome of a report. Blocks keep plan order.
type ReportResult struct {
	ReportID  string        `json:"report_id"`
	Title     string        `json:"title"`
	Summary   string        `json:"summary,omitempty"`
	Blocks    []BlockResult `json:"blocks"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	ElapsedMS int64         `json:"elapsed_ms"`
}
