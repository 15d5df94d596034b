package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	apperrors "github.com/odvcencio/guardrail/pkg/errors"
)

// AuditRecord is one stored request outcome. The indexed columns are
// copied out of Payload, which holds the full record as JSON.
type AuditRecord struct {
	ID        string          `json:"id"`
	RequestID string          `json:"request_id"`
	ReportID  string          `json:"report_id,omitempty"`
	Block     string          `json:"block,omitempty"`
	Pipeline  string          `json:"pipeline"`
	Outcome   string          `json:"outcome"`
	ErrorCode string          `json:"error_code,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	ElapsedMS int64           `json:"elapsed_ms"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// AuditFilter narrows ListAudits. Zero fields match everything.
type AuditFilter struct {
	Pipeline string
	Outcome  string
	ReportID string
	Since    time.Time
	Limit    int
}

// timeLayout has a fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const auditColumns = `id, request_id, report_id, block, pipeline, outcome, error_code, reason, elapsed_ms, created_at, payload`

const insertAuditSQL = `INSERT INTO audit_records (` + auditColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func auditArgs(r *AuditRecord) []any {
	payload := string(r.Payload)
	if payload == "" {
		payload = "{}"
	}
	return []any{
		r.ID, r.RequestID, r.ReportID, r.Block, r.Pipeline, r.Outcome,
		r.ErrorCode, r.Reason, r.ElapsedMS,
		r.CreatedAt.UTC().Format(timeLayout), payload,
	}
}

func validateAudit(r *AuditRecord) error {
	if r == nil || strings.TrimSpace(r.ID) == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "audit record requires an id")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return nil
}

// SaveAudit inserts one record.
func (s *Store) SaveAudit(ctx context.Context, r *AuditRecord) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	if err := validateAudit(r); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, insertAuditSQL, auditArgs(r)...); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "insert audit record").
			WithContext("id", r.ID)
	}
	return nil
}

// SaveAuditBatch inserts records in one transaction.
func (s *Store) SaveAuditBatch(ctx context.Context, records []*AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	if len(records) == 1 {
		return s.SaveAudit(ctx, records[0])
	}
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "begin audit batch")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertAuditSQL)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "prepare audit insert")
	}
	defer stmt.Close()

	for _, r := range records {
		if err := validateAudit(r); err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, auditArgs(r)...); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "insert audit record").
				WithContext("id", r.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "commit audit batch")
	}
	return nil
}

// GetAudit returns the record with id, or nil when none exists.
func (s *Store) GetAudit(ctx context.Context, id string) (*AuditRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_records WHERE id = ?`, id)
	r, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "get audit record").WithContext("id", id)
	}
	return r, nil
}

// ListAudits returns matching records, newest first.
func (s *Store) ListAudits(ctx context.Context, f AuditFilter) ([]*AuditRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Pipeline != "" {
		where = append(where, "pipeline = ?")
		args = append(args, f.Pipeline)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, f.Outcome)
	}
	if f.ReportID != "" {
		where = append(where, "report_id = ?")
		args = append(args, f.ReportID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	query := `SELECT ` + auditColumns + ` FROM audit_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "list audit records")
	}
	defer rows.Close()

	var out []*AuditRecord
	for rows.Next() {
		r, err := scanAudit(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "scan audit record")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "list audit records")
	}
	return out, nil
}

// CountAuditOutcomes returns record counts per pipeline and outcome.
func (s *Store) CountAuditOutcomes(ctx context.Context) (map[string]map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pipeline, outcome, COUNT(*) FROM audit_records GROUP BY pipeline, outcome`)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "count audit outcomes")
	}
	defer rows.Close()

	out := map[string]map[string]int{}
	for rows.Next() {
		var pipeline, outcome string
		var n int
		if err := rows.Scan(&pipeline, &outcome, &n); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "scan audit outcome count")
		}
		if out[pipeline] == nil {
			out[pipeline] = map[string]int{}
		}
		out[pipeline][outcome] = n
	}
	return out, rows.Err()
}

// PruneAudits deletes records created before cutoff.
func (s *Store) PruneAudits(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_records WHERE created_at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "prune audit records")
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAudit(row rowScanner) (*AuditRecord, error) {
	var (
		r         AuditRecord
		createdAt string
		payload   string
	)
	if err := row.Scan(&r.ID, &r.RequestID, &r.ReportID, &r.Block, &r.Pipeline, &r.Outcome,
		&r.ErrorCode, &r.Reason, &r.ElapsedMS, &createdAt, &payload); err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		r.CreatedAt = t
	}
	r.Payload = json.RawMessage(payload)
	return &r, nil
}
