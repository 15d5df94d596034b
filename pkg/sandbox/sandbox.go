// Package sandbox evaluates generated chart code in a capability-restricted
// Lua interpreter under a hard time budget.
//
// Jobs see only a fixed set of injected primitives: the data frame df, the
// frame.* transformations, the chart.* constructors, print and the pure parts
// of the string, table and math libraries. Filesystem, network, process,
// reflection and dynamic code loading do not exist in the interpreter;
// referencing any of them is reported as a capability violation, decided
// statically before execution and enforced again at runtime by trap values.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/guardrail/pkg/chart"
	apperrors "github.com/odvcencio/guardrail/pkg/errors"
	"github.com/odvcencio/guardrail/pkg/logging"
	"github.com/odvcencio/guardrail/pkg/telemetry"
)

// Isolation selects where jobs are evaluated.
type Isolation string

const (
	// IsolationInProcess evaluates on a fresh interpreter in a goroutine.
	// Go-side library calls cannot be preempted and memory is shared with
	// the host, so it suits trusted code and tests.
	IsolationInProcess Isolation = "in-process"
	// IsolationSubprocess evaluates in a memory-capped worker process that
	// is killed when the budget runs out. It is the default.
	IsolationSubprocess Isolation = "subprocess"
)

// ParseIsolation parses an isolation name.
func ParseIsolation(s string) (Isolation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "in-process", "inprocess", "goroutine":
		return IsolationInProcess, nil
	case "", "subprocess", "process":
		return IsolationSubprocess, nil
	default:
		return "", fmt.Errorf("unknown sandbox isolation %q", s)
	}
}

// Config configures the executor.
type Config struct {
	Isolation  Isolation
	TimeBudget time.Duration
	// Grace is how long the watchdog waits past the budget for the job to
	// stop before abandoning or killing it.
	Grace time.Duration
	// WorkerCommand starts a worker for subprocess isolation. Empty means
	// the current executable with the "sandbox-worker" subcommand.
	WorkerCommand []string
	// WorkerEnv is appended to the worker's minimal environment.
	WorkerEnv []string

	MaxCallStack   int
	MaxRegistry    int
	MaxOutputBytes int
	MaxStringBytes int
	// MaxMemoryBytes caps the heap of a subprocess worker. A job that
	// crosses it ends as a runtime failure.
	MaxMemoryBytes int64
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() Config {
	return Config{
		Isolation:      IsolationSubprocess,
		TimeBudget:     5 * time.Second,
		Grace:          250 * time.Millisecond,
		MaxCallStack:   200,
		MaxRegistry:    256 * 1024,
		MaxOutputBytes: 1 << 20,
		MaxStringBytes: 256 * 1024,
		MaxMemoryBytes: 256 << 20,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Isolation == "" {
		c.Isolation = def.Isolation
	}
	if c.TimeBudget <= 0 {
		c.TimeBudget = def.TimeBudget
	}
	if c.Grace <= 0 {
		c.Grace = def.Grace
	}
	if c.MaxCallStack <= 0 {
		c.MaxCallStack = def.MaxCallStack
	}
	if c.MaxRegistry <= 0 {
		c.MaxRegistry = def.MaxRegistry
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = def.MaxOutputBytes
	}
	if c.MaxStringBytes <= 0 {
		c.MaxStringBytes = def.MaxStringBytes
	}
	if c.MaxMemoryBytes <= 0 {
		c.MaxMemoryBytes = def.MaxMemoryBytes
	}
	return c
}

// Manifest lists the injected primitives a job may use. It can only narrow
// the default set; unknown names are ignored.
type Manifest struct {
	Primitives []string `json:"primitives"`
}

// DefaultManifest grants every injected primitive.
func DefaultManifest() Manifest {
	return Manifest{Primitives: append([]string(nil), primitiveNames...)}
}

// primitiveNames are the globals a manifest may grant.
var primitiveNames = []string{"df", "frame", "chart", "print", "string", "table", "math"}

func (m Manifest) grants() map[string]bool {
	names := m.Primitives
	if names == nil {
		names = primitiveNames
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		for _, p := range primitiveNames {
			if n == p {
				out[n] = true
			}
		}
	}
	return out
}

// Job is one chart program and its data.
type Job struct {
	ID       string      `json:"id"`
	Code     string      `json:"code"`
	Data     chart.Frame `json:"data"`
	Manifest Manifest    `json:"manifest"`
}

// NewJob creates a job with a fresh ID and the default manifest.
func NewJob(code string, data chart.Frame) Job {
	return Job{ID: uuid.NewString(), Code: code, Data: data, Manifest: DefaultManifest()}
}

// OutcomeKind classifies a sandbox result.
type OutcomeKind string

const (
	OutcomeSuccess             OutcomeKind = "success"
	OutcomeTimedOut            OutcomeKind = "timed_out"
	OutcomeRuntimeFailure      OutcomeKind = "runtime_failure"
	OutcomeCapabilityViolation OutcomeKind = "capability_violation"
)

// Outcome is the result of one job. Only successful outcomes carry an
// artifact, and an artifact is data, never code.
type Outcome struct {
	JobID      string          `json:"job_id"`
	Kind       OutcomeKind     `json:"kind"`
	Artifact   *chart.Artifact `json:"artifact,omitempty"`
	Spec       *chart.Spec     `json:"chart,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Capability string          `json:"capability,omitempty"`
	Output     string          `json:"output,omitempty"`
	Elapsed    time.Duration   `json:"elapsed"`
}

// Err converts a failed outcome into a structured error. Success returns nil.
func (o Outcome) Err() error {
	var code apperrors.ErrorCode
	switch o.Kind {
	case OutcomeSuccess:
		return nil
	case OutcomeTimedOut:
		code = apperrors.ErrCodeSandboxTimeout
	case OutcomeCapabilityViolation:
		code = apperrors.ErrCodeSandboxCapabilityViolation
	default:
		code = apperrors.ErrCodeSandboxRuntimeFailure
	}
	err := apperrors.New(code, o.Reason).WithUserMessage(apperrors.Category(code))
	if o.Capability != "" {
		err.WithContext("capability", o.Capability)
	}
	return err
}

func success(spec chart.Spec, a chart.Artifact) Outcome {
	return Outcome{Kind: OutcomeSuccess, Spec: &spec, Artifact: &a}
}

func timedOut(budget time.Duration) Outcome {
	return Outcome{Kind: OutcomeTimedOut, Reason: fmt.Sprintf("chart code exceeded its %s budget", budget)}
}

func runtimeFailure(format string, args ...any) Outcome {
	return Outcome{Kind: OutcomeRuntimeFailure, Reason: fmt.Sprintf(format, args...)}
}

func violation(v *Violation) Outcome {
	return Outcome{Kind: OutcomeCapabilityViolation, Reason: v.Error(), Capability: v.Capability}
}

// Executor runs sandbox jobs. It holds no per-job state and is safe for
// concurrent use.
type Executor struct {
	cfg    Config
	logger *logging.Logger
}

// Option customizes an Executor.
type Option func(*Executor)

// WithLogger sets the event logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates an executor.
func New(cfg Config, opts ...Option) *Executor {
	e := &Executor{cfg: cfg.withDefaults()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Executor) Config() Config { return e.cfg }

// Run evaluates job within budget. A zero budget, or one above the
// configured budget, runs with the configured budget. It always returns an
// outcome; failures are outcome kinds, not errors.
func (e *Executor) Run(ctx context.Context, job Job, budget time.Duration) Outcome {
	if budget <= 0 || budget > e.cfg.TimeBudget {
		budget = e.cfg.TimeBudget
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	start := time.Now()

	ctx, span := telemetry.StartSpan(ctx, "sandbox.run", trace.WithAttributes(
		telemetry.AttrJobID.String(job.ID),
		telemetry.AttrIsolation.String(string(e.cfg.Isolation)),
	))
	defer span.End()

	out := e.run(ctx, job, budget)
	out.JobID = job.ID
	out.Elapsed = time.Since(start)

	span.SetAttributes(telemetry.AttrOutcome.String(string(out.Kind)))
	level := logging.LevelInfo
	if out.Kind != OutcomeSuccess {
		level = logging.LevelWarn
		telemetry.RecordError(ctx, out.Err())
	}
	e.logger.Request(level, logging.CategorySandbox, logging.RequestIDFromContext(ctx), string(out.Kind), out.Reason, map[string]any{
		"job_id":     job.ID,
		"isolation":  string(e.cfg.Isolation),
		"elapsed_ms": out.Elapsed.Milliseconds(),
		"capability": out.Capability,
	})
	return out
}

func (e *Executor) run(ctx context.Context, job Job, budget time.Duration) Outcome {
	if err := ctx.Err(); err != nil {
		return timedOut(budget)
	}
	if v, err := Scan(job.Code, job.Manifest); err != nil {
		return runtimeFailure("%v", err)
	} else if v != nil {
		return violation(v)
	}

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	if e.cfg.Isolation == IsolationSubprocess {
		return e.runSubprocess(ctx, job, budget)
	}
	return e.runInProcess(ctx, job, budget)
}

// runInProcess evaluates on a goroutine and stops waiting once the budget
// plus grace has passed. The interpreter checks ctx between instructions and
// pattern calls are cost-capped, so an abandoned evaluation exits on its own
// shortly after.
func (e *Executor) runInProcess(ctx context.Context, job Job, budget time.Duration) Outcome {
	done := make(chan Outcome, 1)
	go func() {
		done <- evaluate(ctx, job, e.cfg, budget)
	}()

	select {
	case out := <-done:
		return out
	case <-ctx.Done():
	}

	grace := time.NewTimer(e.cfg.Grace)
	defer grace.Stop()
	select {
	case out := <-done:
		if out.Kind == OutcomeSuccess || out.Kind == OutcomeCapabilityViolation {
			return out
		}
		return timedOut(budget)
	case <-grace.C:
		e.logger.Warn(logging.CategorySandbox, "abandoned", "evaluation ignored cancellation past grace", map[string]any{"job_id": job.ID})
		return timedOut(budget)
	}
}

func defaultWorkerCommand() ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return []string{exe, "sandbox-worker"}, nil
}

// isTimeout reports whether err came from ctx expiring.
func isTimeout(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
