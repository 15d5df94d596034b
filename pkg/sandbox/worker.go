package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime/debug"
	"runtime/metrics"
	"strings"
	"sync"
	"time"

	"github.com/odvcencio/guardrail/pkg/logging"
)

// workerRequest is what the parent writes to a worker's stdin. The worker
// answers with one JSON Outcome on stdout.
type workerRequest struct {
	Job    Job           `json:"job"`
	Config Config        `json:"config"`
	Budget time.Duration `json:"budget"`
}

// maxRequestBytes caps what a worker will read from stdin.
const maxRequestBytes = 64 << 20

// workerEnvKeys are the only parent variables a worker inherits.
var workerEnvKeys = []string{"PATH", "HOME", "LANG", "LC_ALL", "TZ", "TMPDIR"}

func workerEnv(extra []string) []string {
	var env []string
	for _, key := range workerEnvKeys {
		if val := os.Getenv(key); val != "" {
			env = append(env, key+"="+val)
		}
	}
	return append(env, extra...)
}

// limitWriter keeps the first n bytes and discards the rest without
// blocking the writer.
type limitWriter struct {
	buf  bytes.Buffer
	n    int
	over bool
}

func (w *limitWriter) Write(p []byte) (int, error) {
	total := len(p)
	if room := w.n - w.buf.Len(); len(p) > room {
		w.over = true
		if room < 0 {
			room = 0
		}
		p = p[:room]
	}
	w.buf.Write(p)
	return total, nil
}

// runSubprocess evaluates job in a worker process. The worker enforces the
// budget itself; if it has not exited once the budget plus grace has
// passed, its whole process group is killed.
func (e *Executor) runSubprocess(ctx context.Context, job Job, budget time.Duration) Outcome {
	argv := e.cfg.WorkerCommand
	if len(argv) == 0 {
		var err error
		if argv, err = defaultWorkerCommand(); err != nil {
			return runtimeFailure("start sandbox worker: %v", err)
		}
	}

	cfg := e.cfg
	cfg.Isolation = IsolationInProcess
	cfg.WorkerCommand, cfg.WorkerEnv = nil, nil
	req, err := json.Marshal(workerRequest{Job: job, Config: cfg, Budget: budget})
	if err != nil {
		return runtimeFailure("encode sandbox job: %v", err)
	}

	procCtx, kill := context.WithCancel(context.WithoutCancel(ctx))
	defer kill()
	stop := context.AfterFunc(ctx, func() { time.AfterFunc(e.cfg.Grace, kill) })
	defer stop()

	cmd := exec.CommandContext(procCtx, argv[0], argv[1:]...)
	setSysProcAttr(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = e.cfg.Grace
	cmd.Env = workerEnv(e.cfg.WorkerEnv)
	cmd.Dir = os.TempDir()
	cmd.Stdin = bytes.NewReader(req)
	stdout := &limitWriter{n: 2*e.cfg.MaxOutputBytes + 1<<20}
	stderr := &limitWriter{n: 64 << 10}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	if procCtx.Err() != nil {
		e.logger.Warn(logging.CategorySandbox, "worker_killed", "sandbox worker killed past grace", map[string]any{"job_id": job.ID})
		return timedOut(budget)
	}
	if stdout.over {
		return runtimeFailure("sandbox worker output exceeded %d bytes", stdout.n)
	}

	var out Outcome
	if err := json.Unmarshal(stdout.buf.Bytes(), &out); err != nil || out.Kind == "" {
		reason := firstLine(stderr.buf.String())
		if reason == "" && runErr != nil {
			reason = runErr.Error()
		}
		if strings.Contains(stderr.buf.String(), "out of memory") {
			return memoryExceeded(e.cfg.MaxMemoryBytes)
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return runtimeFailure("sandbox worker exited with status %d: %s", exitErr.ExitCode(), reason)
		}
		return runtimeFailure("sandbox worker returned no outcome: %s", reason)
	}
	if ctx.Err() != nil && out.Kind != OutcomeSuccess && out.Kind != OutcomeCapabilityViolation {
		return timedOut(budget)
	}
	return out
}

// WorkerOption customizes ServeWorker.
type WorkerOption func(*workerOptions)

type workerOptions struct {
	processLimits bool
	pollInterval  time.Duration
	exit          func(int)
}

// WithProcessLimits applies the job's memory ceiling to the whole process:
// a soft Go memory limit, a data segment rlimit and a heap watchdog that
// reports a runtime failure and exits. Only a dedicated worker process
// should use it.
func WithProcessLimits() WorkerOption {
	return func(o *workerOptions) { o.processLimits = true }
}

// workerExitMemory is the worker's exit status after a memory breach.
const workerExitMemory = 3

// ServeWorker reads one job from r, evaluates it in-process and writes the
// outcome to w. It backs the sandbox-worker subcommand.
func ServeWorker(ctx context.Context, r io.Reader, w io.Writer, opts ...WorkerOption) error {
	o := workerOptions{pollInterval: 5 * time.Millisecond, exit: os.Exit}
	for _, opt := range opts {
		opt(&o)
	}

	var req workerRequest
	if err := json.NewDecoder(io.LimitReader(r, maxRequestBytes)).Decode(&req); err != nil {
		return fmt.Errorf("decode sandbox job: %w", err)
	}
	req.Config.Isolation = IsolationInProcess
	ex := New(req.Config)

	var (
		once   sync.Once
		encErr error
	)
	emit := func(out Outcome) (wrote bool) {
		once.Do(func() {
			wrote = true
			out.JobID = req.Job.ID
			encErr = json.NewEncoder(w).Encode(out)
		})
		return wrote
	}

	if o.processLimits {
		limit := ex.cfg.MaxMemoryBytes
		debug.SetMemoryLimit(limit)
		// The rlimit is a backstop for growth between watchdog polls.
		if err := limitDataSegment(uint64(2*limit + 256<<20)); err != nil {
			return fmt.Errorf("limit worker memory: %w", err)
		}
		watchCtx, stop := context.WithCancel(ctx)
		defer stop()
		go watchHeap(watchCtx, uint64(limit), o.pollInterval, func() {
			if emit(memoryExceeded(limit)) {
				o.exit(workerExitMemory)
			}
		})
	}

	emit(ex.run(ctx, req.Job, req.Budget))
	if encErr != nil {
		return fmt.Errorf("encode sandbox outcome: %w", encErr)
	}
	return nil
}

func memoryExceeded(limit int64) Outcome {
	return runtimeFailure("chart code exceeded its memory limit of %d bytes", limit)
}

// heapMetric is the live and not yet swept heap.
const heapMetric = "/memory/classes/heap/objects:bytes"

// watchHeap calls breach once the heap passes limit.
func watchHeap(ctx context.Context, limit uint64, every time.Duration, breach func()) {
	sample := []metrics.Sample{{Name: heapMetric}}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		metrics.Read(sample)
		if sample[0].Value.Kind() != metrics.KindUint64 {
			return
		}
		if sample[0].Value.Uint64() > limit {
			breach()
			return
		}
	}
}
