package guardrail

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/guardrail/pkg/limits"
	"github.com/odvcencio/guardrail/pkg/logging"
	"github.com/odvcencio/guardrail/pkg/storage"
	"github.com/odvcencio/guardrail/pkg/telemetry"
)

// Pipeline names the request kind an audit record describes.
type Pipeline string

const (
	PipelineSQL   Pipeline = "sql"
	PipelineChart Pipeline = "chart"
)

// AuditRecord is the one structured record written per request.
type AuditRecord struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	ReportID    string    `json:"report_id,omitempty"`
	Block       string    `json:"block,omitempty"`
	Pipeline    Pipeline  `json:"pipeline"`
	Timestamp   time.Time `json:"timestamp"`
	Outcome     string    `json:"outcome"`
	ErrorCode   string    `json:"error_code,omitempty"`
	ReasonCodes []string  `json:"reason_codes,omitempty"`
	ElapsedMS   int64     `json:"elapsed_ms"`

	IntentTag        string                  `json:"intent_tag,omitempty"`
	Verdict          string                  `json:"verdict,omitempty"`
	Limits           *limits.ExecutionLimits `json:"limits,omitempty"`
	Strategy         string                  `json:"strategy,omitempty"`
	TruncatedRows    bool                    `json:"truncated_rows,omitempty"`
	TruncatedColumns bool                    `json:"truncated_columns,omitempty"`
	RetriesUsed      int                     `json:"retries_used,omitempty"`
	RowsReturned     int                     `json:"rows_returned,omitempty"`

	Sandbox      *SandboxAudit `json:"sandbox,omitempty"`
	FallbackUsed bool          `json:"fallback_used,omitempty"`
}

// SandboxAudit is the sandbox outcome exactly as the executor reported it.
type SandboxAudit struct {
	JobID          string `json:"job_id"`
	Outcome        string `json:"outcome"`
	Reason         string `json:"reason,omitempty"`
	Capability     string `json:"capability,omitempty"`
	ArtifactDigest string `json:"artifact_digest,omitempty"`
	ElapsedMS      int64  `json:"elapsed_ms"`
}

// AuditSink persists audit rows. *storage.Store and *storage.BatchWriter
// both satisfy it.
type AuditSink interface {
	SaveAudit(ctx context.Context, r *storage.AuditRecord) error
}

// Publisher forwards audit records to external subscribers.
type Publisher interface {
	Publish(ctx context.Context, v any, tokens ...string) error
}

func newID() string {
	return ulid.Make().String()
}

// scope places a request inside a report.
type scope struct {
	reportID string
	block    string
}

func (o *Orchestrator) newAudit(p Pipeline, requestID string, sc scope) *AuditRecord {
	return &AuditRecord{
		ID:        newID(),
		RequestID: requestID,
		ReportID:  sc.reportID,
		Block:     sc.block,
		Pipeline:  p,
		Timestamp: o.now().UTC(),
	}
}

// record fans rec out to the logger, metrics, the telemetry hub, the audit
// store and the publisher. Sink failures are logged; they never change the
// request's outcome. Writes are detached from ctx so an expired request is
// still recorded.
func (o *Orchestrator) record(ctx context.Context, rec *AuditRecord) {
	ctx = context.WithoutCancel(ctx)

	level := logging.LevelInfo
	if rec.ErrorCode != "" {
		level = logging.LevelWarn
	}
	o.logger.Request(level, logging.CategoryAudit, rec.RequestID, "recorded", rec.Outcome, map[string]any{
		"audit_id":      rec.ID,
		"pipeline":      string(rec.Pipeline),
		"error_code":    rec.ErrorCode,
		"elapsed_ms":    rec.ElapsedMS,
		"report_id":     rec.ReportID,
		"fallback_used": rec.FallbackUsed,
	})
	o.metrics.AuditRecorded(string(rec.Pipeline))
	o.hub.Publish(telemetry.Event{
		Type:      telemetry.EventAuditRecorded,
		RequestID: rec.RequestID,
		ReportID:  rec.ReportID,
		Data: map[string]any{
			"audit_id": rec.ID,
			"pipeline": string(rec.Pipeline),
			"outcome":  rec.Outcome,
		},
	})

	if o.store != nil {
		if err := o.store.SaveAudit(ctx, rec.row()); err != nil {
			o.logger.Request(logging.LevelError, logging.CategoryAudit, rec.RequestID, "store_failed", err.Error(), map[string]any{"audit_id": rec.ID})
		}
	}
	if o.publisher != nil {
		if err := o.publisher.Publish(ctx, rec, string(rec.Pipeline), rec.Outcome); err != nil {
			o.logger.Request(logging.LevelWarn, logging.CategoryAudit, rec.RequestID, "publish_failed", err.Error(), map[string]any{"audit_id": rec.ID})
		}
	}
}

// row converts rec into its stored form.
func (rec *AuditRecord) row() *storage.AuditRecord {
	payload, err := json.Marshal(rec)
	if err != nil {
		payload = []byte("{}")
	}
	reason := ""
	if len(rec.ReasonCodes) > 0 {
		reason = rec.ReasonCodes[0]
	}
	return &storage.AuditRecord{
		ID:        rec.ID,
		RequestID: rec.RequestID,
		ReportID:  rec.ReportID,
		Block:     rec.Block,
		Pipeline:  string(rec.Pipeline),
		Outcome:   rec.Outcome,
		ErrorCode: rec.ErrorCode,
		Reason:    reason,
		ElapsedMS: rec.ElapsedMS,
		CreatedAt: rec.Timestamp,
		Payload:   payload,
	}
}

// DecodeAudit reads a stored row's payload back into a record.
func DecodeAudit(row *storage.AuditRecord) (*AuditRecord, error) {
	var rec AuditRecord
	if err := json.Unmarshal(row.Payload, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
