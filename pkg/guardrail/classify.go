package guardrail

import (
	"strings"

	apperrors "github.com/odvcencio/guardrail/pkg/errors"
	"github.com/odvcencio/guardrail/pkg/limits"
	"github.com/odvcencio/guardrail/pkg/sqlsafety"
)

// Classification is a dry run of the SQL pipeline: the verdict and, for
// approved statements, the text that would be executed.
type Classification struct {
	Approved   bool                   `json:"approved"`
	Verdict    string                 `json:"verdict"`
	Reason     string                 `json:"reason,omitempty"`
	Operation  string                 `json:"operation,omitempty"`
	Detail     string                 `json:"detail,omitempty"`
	Dialect    string                 `json:"dialect"`
	BoundedSQL string                 `json:"bounded_sql,omitempty"`
	Strategy   string                 `json:"strategy,omitempty"`
	Limits     limits.ExecutionLimits `json:"limits"`
}

// Classify classifies and bounds req.Query without executing it. Nothing
// is audited.
func (o *Orchestrator) Classify(req SQLRequest) (*Classification, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "query is required").
			WithUserMessage(apperrors.Category(apperrors.ErrCodeInvalidInput))
	}
	dialect := o.dialect
	if req.Dialect != "" {
		d, err := sqlsafety.ParseDialect(req.Dialect)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, err.Error())
		}
		dialect = d
	}
	lim := o.settings().Limits
	if req.Limits != nil {
		lim, _ = req.Limits.ClampTo(lim)
	}
	if err := lim.Validate(); err != nil {
		return nil, err
	}

	v := sqlsafety.Classify(sqlsafety.NewCandidate(req.Query, req.IntentTag, dialect))
	c := &Classification{
		Approved:  v.Approved,
		Verdict:   v.String(),
		Reason:    string(v.Reason),
		Operation: v.Operation,
		Detail:    v.Detail,
		Dialect:   string(dialect),
		Limits:    lim,
	}
	if !v.Approved {
		return c, nil
	}
	bounded, err := limits.Apply(v, lim)
	if err != nil {
		return nil, err
	}
	c.BoundedSQL = bounded.SQL
	c.Strategy = string(bounded.Strategy)
	return c, nil
}
