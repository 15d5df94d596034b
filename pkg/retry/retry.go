// Package retry runs execution attempts with bounded exponential backoff
// inside a single request deadline.
package retry

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	apperrors "github.com/odvcencio/guardrail/pkg/errors"
)

// Config configures retry behavior.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
	// AttemptTimeout caps a single attempt. Zero means each attempt may use
	// the whole remaining request budget.
	AttemptTimeout time.Duration
	// RetryableFunc overrides the default transient classification.
	RetryableFunc func(error) bool
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
	}
}

// Attempt describes one retry: its ordinal, the failure that caused it and
// the backoff applied before it.
type Attempt struct {
	Ordinal    int
	PriorCause error
	Backoff    time.Duration
}

// Report summarizes a completed run.
type Report struct {
	Attempts    int
	RetriesUsed int
	Retries     []Attempt
	LastCause   error
}

// Controller retries transient failures.
type Controller struct {
	cfg     Config
	onRetry func(Attempt)
	sleep   func(context.Context, time.Duration) error
	random  func() float64
}

// Option customizes a Controller.
type Option func(*Controller)

// WithObserver is called before each retry's backoff.
func WithObserver(fn func(Attempt)) Option {
	return func(c *Controller) { c.onRetry = fn }
}

// New creates a controller. Missing values fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	c := &Controller{cfg: cfg, sleep: sleepWithContext, random: cryptoRandFloat64}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective configuration.
func (c *Controller) Config() Config { return c.cfg }

// Execute runs fn until it succeeds, fails permanently, runs out of attempts
// or the request deadline passes. Only errors classified as retryable are
// retried. Exhaustion returns RETRY_EXHAUSTED wrapping the last cause; a
// passed deadline returns EXECUTION_TIMEOUT.
func (c *Controller) Execute(ctx context.Context, fn func(ctx context.Context, attempt int) error) (Report, error) {
	retryable := c.cfg.RetryableFunc
	if retryable == nil {
		retryable = apperrors.IsRetryable
	}

	var report Report
	delay := c.cfg.InitialDelay
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return report, deadlineError(err, report.LastCause, attempt-1)
		}
		report.Attempts = attempt

		err := c.runAttempt(ctx, attempt, fn)
		if err == nil {
			report.LastCause = nil
			return report, nil
		}
		report.LastCause = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return report, deadlineError(ctxErr, err, attempt)
		}
		if !retryable(err) {
			return report, err
		}
		if attempt == c.cfg.MaxAttempts {
			return report, apperrors.Wrap(err, apperrors.ErrCodeRetryExhausted, "retries exhausted").
				WithContext("attempts", attempt).
				WithUserMessage(apperrors.Category(apperrors.ErrCodeRetryExhausted))
		}

		backoff := applyJitter(delay, c.cfg.Jitter, c.random)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= backoff {
			return report, apperrors.Wrap(err, apperrors.ErrCodeExecutionTimeout, "request budget exhausted before next attempt").
				WithContext("attempts", attempt).
				WithUserMessage(apperrors.Category(apperrors.ErrCodeExecutionTimeout))
		}
		next := Attempt{Ordinal: attempt + 1, PriorCause: err, Backoff: backoff}
		report.Retries = append(report.Retries, next)
		report.RetriesUsed++
		if c.onRetry != nil {
			c.onRetry(next)
		}
		if err := c.sleep(ctx, backoff); err != nil {
			return report, deadlineError(err, report.LastCause, attempt)
		}
		delay = minDuration(time.Duration(float64(delay)*c.cfg.Multiplier), c.cfg.MaxDelay)
	}
	return report, apperrors.Wrap(report.LastCause, apperrors.ErrCodeRetryExhausted, "retries exhausted")
}

// runAttempt gives one attempt its own timeout when configured. An attempt
// that hits its own timeout while the request is still live is a transport
// timeout and therefore transient.
func (c *Controller) runAttempt(ctx context.Context, attempt int, fn func(context.Context, int) error) error {
	attemptCtx := ctx
	if c.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()
	}
	err := fn(attemptCtx, attempt)
	if err != nil && ctx.Err() == nil && attemptCtx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(err, apperrors.ErrCodeTransientExecution, "attempt timed out").
			WithContext("attempt_timeout", c.cfg.AttemptTimeout.String()).
			WithRetryable(true)
	}
	return err
}

func deadlineError(ctxErr, lastCause error, attempts int) error {
	cause := lastCause
	if cause == nil {
		cause = ctxErr
	}
	msg := "request deadline exceeded"
	if errors.Is(ctxErr, context.Canceled) {
		msg = "request canceled"
	}
	return apperrors.Wrap(cause, apperrors.ErrCodeExecutionTimeout, msg).
		WithContext("attempts", attempts).
		WithUserMessage(apperrors.Category(apperrors.ErrCodeExecutionTimeout))
}

func cryptoRandFloat64() float64 {
	var b [8]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return 0.5
	}
	n := binary.BigEndian.Uint64(b[:]) >> 11 // 53 bits
	return float64(n) / float64(uint64(1)<<53)
}

func applyJitter(delay time.Duration, jitter float64, random func() float64) time.Duration {
	if delay <= 0 || jitter <= 0 {
		return delay
	}
	if jitter > 1 {
		jitter = 1
	}
	base := float64(delay)
	min := base * (1 - jitter)
	max := base * (1 + jitter)
	return time.Duration(min + random()*(max-min))
}

func minDuration(a, b time.Duration) time.Duration {
	if b <= 0 || a < b {
		return a
	}
	return b
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
