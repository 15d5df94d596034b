// Package limits bounds approved queries and their results.
package limits

import (
	"fmt"
	"strconv"
	"time"

	apperrors "github.com/odvcencio/guardrail/pkg/errors"
	"github.com/odvcencio/guardrail/pkg/sqlsafety"
)

// ExecutionLimits is a per-invocation snapshot of resource ceilings. It is
// passed by value and never mutated during an execution.
type ExecutionLimits struct {
	MaxRows    int           `json:"max_rows" yaml:"max_rows"`
	MaxColumns int           `json:"max_columns" yaml:"max_columns"`
	MaxElapsed time.Duration `json:"max_elapsed" yaml:"max_elapsed"`
}

// DefaultLimits mirrors the configuration defaults.
func DefaultLimits() ExecutionLimits {
	return ExecutionLimits{MaxRows: 50, MaxColumns: 20, MaxElapsed: 20 * time.Second}
}

// Validate rejects non-positive ceilings.
func (l ExecutionLimits) Validate() error {
	if l.MaxRows <= 0 {
		return apperrors.Newf(apperrors.ErrCodeInvalidInput, "max_rows must be positive, got %d", l.MaxRows)
	}
	if l.MaxColumns <= 0 {
		return apperrors.Newf(apperrors.ErrCodeInvalidInput, "max_columns must be positive, got %d", l.MaxColumns)
	}
	if l.MaxElapsed <= 0 {
		return apperrors.Newf(apperrors.ErrCodeInvalidInput, "max_elapsed must be positive, got %s", l.MaxElapsed)
	}
	return nil
}

// ClampTo lowers every positive field of l that exceeds ceiling. Requests
// can tighten the configured limits but never loosen them. Non-positive
// fields are kept so Validate still rejects them. The bool reports whether
// any field was lowered.
func (l ExecutionLimits) ClampTo(ceiling ExecutionLimits) (ExecutionLimits, bool) {
	clamped := false
	if ceiling.MaxRows > 0 && l.MaxRows > ceiling.MaxRows {
		l.MaxRows, clamped = ceiling.MaxRows, true
	}
	if ceiling.MaxColumns > 0 && l.MaxColumns > ceiling.MaxColumns {
		l.MaxColumns, clamped = ceiling.MaxColumns, true
	}
	if ceiling.MaxElapsed > 0 && l.MaxElapsed > ceiling.MaxElapsed {
		l.MaxElapsed, clamped = ceiling.MaxElapsed, true
	}
	return l, clamped
}

// Strategy records how the row ceiling is enforced.
type Strategy string

const (
	// StrategyInjected adds a row limit to the query text.
	StrategyInjected Strategy = "injected"
	// StrategyLowered rewrites an existing limit that exceeded the ceiling.
	StrategyLowered Strategy = "lowered"
	// StrategyPreserved keeps an existing limit already within the ceiling.
	StrategyPreserved Strategy = "preserved"
	// StrategyPostFetch leaves the query untouched; the fetch cap and
	// result trimming enforce the ceiling.
	StrategyPostFetch Strategy = "post-fetch"
)

// BoundedQuery is an approved statement paired with the limits that govern
// its execution.
type BoundedQuery struct {
	SQL      string
	Original string
	Dialect  sqlsafety.Dialect
	Limits   ExecutionLimits
	Strategy Strategy
	// FetchLimit is the most rows a collaborator should read. One row past
	// MaxRows is fetched so truncation is detected exactly.
	FetchLimit int
}

// RowLimitInjected reports whether the query text itself carries the ceiling.
func (b BoundedQuery) RowLimitInjected() bool {
	return b.Strategy == StrategyInjected || b.Strategy == StrategyLowered || b.Strategy == StrategyPreserved
}

// Apply bounds an approved verdict. Rejected verdicts are refused: they must
// never reach execution.
func Apply(verdict sqlsafety.Verdict, lim ExecutionLimits) (BoundedQuery, error) {
	if !verdict.Approved || verdict.Statement == nil {
		return BoundedQuery{}, apperrors.New(apperrors.ErrCodeSQLSafetyViolation, "cannot bound a rejected statement").
			WithContext("verdict", verdict.String())
	}
	if err := lim.Validate(); err != nil {
		return BoundedQuery{}, err
	}
	stmt := verdict.Statement
	sql, strategy := boundRows(stmt, lim.MaxRows+1)
	return BoundedQuery{
		SQL:        sql,
		Original:   stmt.Text,
		Dialect:    stmt.Dialect,
		Limits:     lim,
		Strategy:   strategy,
		FetchLimit: lim.MaxRows + 1,
	}, nil
}

// boundRows rewrites the statement so it returns at most ceiling rows. The
// returned text always ends at the last significant token, dropping trailing
// semicolons and comments.
func boundRows(stmt *sqlsafety.Statement, ceiling int) (string, Strategy) {
	text := stmt.Text[:stmt.End()]
	shape := stmt.Main

	if limit := shape.Limit; limit != nil {
		return adjustLimit(text, limit, ceiling)
	}

	switch stmt.Dialect {
	case sqlsafety.DialectSQLServer:
		// TOP binds to one branch of a set operation, and OFFSET ... FETCH
		// cannot be combined with TOP.
		if shape.SetOperation || shape.HasOffset || shape.Select == nil {
			return text, StrategyPostFetch
		}
		at := shape.Select.End
		if shape.Quantifier != nil {
			at = shape.Quantifier.End
		}
		return text[:at] + fmt.Sprintf(" TOP (%d)", ceiling) + text[at:], StrategyInjected
	case sqlsafety.DialectPostgres:
		// postgres accepts LIMIT after OFFSET.
		return text + fmt.Sprintf(" LIMIT %d", ceiling), StrategyInjected
	default:
		if shape.HasOffset {
			return text, StrategyPostFetch
		}
		return text + fmt.Sprintf(" LIMIT %d", ceiling), StrategyInjected
	}
}

func adjustLimit(text string, limit *sqlsafety.LimitClause, ceiling int) (string, Strategy) {
	if !limit.Literal || limit.Percent || limit.WithTies {
		return text, StrategyPostFetch
	}
	if limit.Value < int64(ceiling) {
		return text, StrategyPreserved
	}
	if !limit.HasCount {
		return text, StrategyPostFetch
	}
	tok := limit.Count
	return text[:tok.Pos] + strconv.Itoa(ceiling) + text[tok.End:], StrategyLowered
}
