package dbexec

import (
	"context"

	"golang.org/x/time/rate"

	apperrors "github.com/odvcencio/guardrail/pkg/errors"
)

// RateLimited throttles a collaborator. Waiting for a token counts against the
// caller's deadline.
type RateLimited struct {
	next    ReadOnlyQueryer
	limiter *rate.Limiter
}

// NewRateLimited wraps next with a token bucket. A non-positive rate returns
// next unchanged.
func NewRateLimited(next ReadOnlyQueryer, perSecond float64, burst int) ReadOnlyQueryer {
	if perSecond <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// ExecuteReadOnly waits for a token, then delegates.
func (r *RateLimited) ExecuteReadOnly(ctx context.Context, query string, opts QueryOptions) (*ResultSet, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeExecutionTimeout, "rate limit wait exceeds request budget").
			WithUserMessage(apperrors.Category(apperrors.ErrCodeExecutionTimeout))
	}
	return r.next.ExecuteReadOnly(ctx, query, opts)
}
