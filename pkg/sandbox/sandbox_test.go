package sandbox

import (
	"context"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/odvcencio/guardrail/pkg/chart"
	apperrors "github.com/odvcencio/guardrail/pkg/errors"
)

const workerEnvVar = "GUARDRAIL_SANDBOX_TEST_WORKER"

// TestMain doubles as the sandbox worker when the test binary is started by
// a subprocess executor.
func TestMain(m *testing.M) {
	if os.Getenv(workerEnvVar) == "1" {
		if err := ServeWorker(context.Background(), os.Stdin, os.Stdout, WithProcessLimits()); err != nil {
			os.Stderr.WriteString(err.Error() + "\n")
			os.Exit(2)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func salesFrame() chart.Frame {
	return chart.Frame{
		Columns: []string{"region", "amount"},
		Rows: [][]any{
			{"east", int64(10)},
			{"west", int64(30)},
			{"east", int64(5)},
		},
	}
}

const barCode = `
local totals = frame.group_by(df, "region", "amount", "sum")
fig = chart.bar(totals, {x = "region", y = "amount", title = "Sales"})
`

// inProcessConfig evaluates on the test's own goroutines.
func inProcessConfig() Config {
	cfg := DefaultConfig()
	cfg.Isolation = IsolationInProcess
	return cfg
}

func run(t *testing.T, cfg Config, code string) Outcome {
	t.Helper()
	return New(cfg).Run(context.Background(), NewJob(code, salesFrame()), 0)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Isolation != IsolationSubprocess {
		t.Errorf("Isolation = %v, want subprocess", cfg.Isolation)
	}
	if cfg.MaxMemoryBytes != 256<<20 {
		t.Errorf("MaxMemoryBytes = %d, want 256MiB", cfg.MaxMemoryBytes)
	}
	if cfg.TimeBudget != 5*time.Second {
		t.Errorf("TimeBudget = %v, want 5s", cfg.TimeBudget)
	}
	if got := New(Config{}).Config(); got.MaxOutputBytes != cfg.MaxOutputBytes || got.Grace != cfg.Grace {
		t.Errorf("zero config not defaulted: %+v", got)
	}
}

func TestParseIsolation(t *testing.T) {
	tests := []struct {
		in      string
		want    Isolation
		wantErr bool
	}{
		{"", IsolationSubprocess, false},
		{"in-process", IsolationInProcess, false},
		{"Subprocess", IsolationSubprocess, false},
		{"container", "", true},
	}
	for _, tt := range tests {
		got, err := ParseIsolation(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseIsolation(%q) = %v, %v; want %v, err=%v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestRun_Success(t *testing.T) {
	out := run(t, inProcessConfig(), barCode)
	if out.Kind != OutcomeSuccess {
		t.Fatalf("Kind = %s (%s), want success", out.Kind, out.Reason)
	}
	if out.Artifact == nil || out.Artifact.Format != chart.Format {
		t.Fatalf("Artifact = %+v", out.Artifact)
	}
	if out.Spec.Title != "Sales" || out.Spec.X != "region" {
		t.Errorf("Spec = %+v", out.Spec)
	}
	if !strings.Contains(string(out.Artifact.Spec), `"east"`) {
		t.Errorf("artifact missing grouped data: %s", out.Artifact.Spec)
	}
	if out.Err() != nil {
		t.Errorf("Err() = %v, want nil", out.Err())
	}
	if out.JobID == "" {
		t.Error("JobID should be set")
	}
}

func TestRun_Deterministic(t *testing.T) {
	first := run(t, inProcessConfig(), barCode)
	second := run(t, inProcessConfig(), barCode)
	if first.Kind != OutcomeSuccess || second.Kind != OutcomeSuccess {
		t.Fatalf("kinds = %s, %s", first.Kind, second.Kind)
	}
	if first.Artifact.Digest != second.Artifact.Digest {
		t.Errorf("digests differ: %s vs %s", first.Artifact.Digest, second.Artifact.Digest)
	}
}

func TestRun_CapabilityViolations(t *testing.T) {
	tests := []struct {
		name       string
		code       string
		capability string
	}{
		{"process", `os.execute("ls")`, "process"},
		{"filesystem", `local f = io.open("/etc/passwd")`, "filesystem"},
		{"dofile", `dofile("/tmp/x.lua")`, "filesystem"},
		{"import", `local s = require("socket")`, "import"},
		{"dynamic code", `loadstring("return 1")()`, "dynamic-code"},
		{"string dump", `local b = string.dump(print)`, "dynamic-code"},
		{"reflection", `setmetatable({}, {})`, "reflection"},
		{"globals table", `local g = _G`, "reflection"},
		{"shadowed local", `local http = 1`, "network"},
		{"concurrency", `coroutine.create(function() end)`, "concurrency"},
		{"runtime", `collectgarbage()`, "runtime"},
		{"dynamic field", `pcall(function() return ("")["du" .. "mp"](print) end)` + barCode, "dynamic-code"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := run(t, inProcessConfig(), tt.code)
			if out.Kind != OutcomeCapabilityViolation {
				t.Fatalf("Kind = %s (%s), want capability_violation", out.Kind, out.Reason)
			}
			if out.Capability != tt.capability {
				t.Errorf("Capability = %q, want %q", out.Capability, tt.capability)
			}
			if out.Artifact != nil {
				t.Error("violation must not carry an artifact")
			}
			if !apperrors.IsCode(out.Err(), apperrors.ErrCodeSandboxCapabilityViolation) {
				t.Errorf("Err() = %v", out.Err())
			}
		})
	}
}

func TestRun_RuntimeFailures(t *testing.T) {
	tests := []struct {
		name   string
		code   string
		reason string
	}{
		{"missing fig", `local x = 1`, "must assign a chart to fig"},
		{"error call", `error("boom")`, "boom"},
		{"syntax", `fig = chart.bar(df`, "syntax error"},
		{"not a chart", `fig = 42`, "must assign a chart to fig"},
		{"unknown option", `fig = chart.bar(df, {colour = "region"})`, "unknown chart option"},
		{"unknown column", `fig = chart.bar(df, {x = "nope", y = "amount"})`, "render chart"},
		{"random removed", `local r = math.random()` + barCode, "nil"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := run(t, inProcessConfig(), tt.code)
			if out.Kind != OutcomeRuntimeFailure {
				t.Fatalf("Kind = %s (%s), want runtime_failure", out.Kind, out.Reason)
			}
			if !strings.Contains(out.Reason, tt.reason) {
				t.Errorf("Reason = %q, want it to contain %q", out.Reason, tt.reason)
			}
			if !apperrors.IsCode(out.Err(), apperrors.ErrCodeSandboxRuntimeFailure) {
				t.Errorf("Err() = %v", out.Err())
			}
		})
	}
}

func TestRun_Timeout(t *testing.T) {
	cfg := inProcessConfig()
	cfg.Grace = 100 * time.Millisecond
	budget := 100 * time.Millisecond

	start := time.Now()
	out := New(cfg).Run(context.Background(), NewJob("while true do end", salesFrame()), budget)
	elapsed := time.Since(start)

	if out.Kind != OutcomeTimedOut {
		t.Fatalf("Kind = %s (%s), want timed_out", out.Kind, out.Reason)
	}
	if elapsed > budget+cfg.Grace+time.Second {
		t.Errorf("took %v, want about %v", elapsed, budget)
	}
	if !apperrors.IsCode(out.Err(), apperrors.ErrCodeSandboxTimeout) {
		t.Errorf("Err() = %v", out.Err())
	}
}

func TestRun_BudgetCappedByConfig(t *testing.T) {
	cfg := inProcessConfig()
	cfg.TimeBudget = 100 * time.Millisecond
	cfg.Grace = 100 * time.Millisecond

	start := time.Now()
	out := New(cfg).Run(context.Background(), NewJob("while true do end", salesFrame()), time.Hour)
	if out.Kind != OutcomeTimedOut {
		t.Fatalf("Kind = %s (%s), want timed_out", out.Kind, out.Reason)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("requested budget was not capped: ran %v", elapsed)
	}
}

func TestRun_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := New(inProcessConfig()).Run(ctx, NewJob(barCode, salesFrame()), 0)
	if out.Kind != OutcomeTimedOut {
		t.Errorf("Kind = %s, want timed_out", out.Kind)
	}
}

func TestRun_ManifestNarrowing(t *testing.T) {
	job := NewJob(barCode, salesFrame())
	job.Manifest = Manifest{Primitives: []string{"df", "chart"}}
	out := New(inProcessConfig()).Run(context.Background(), job, 0)
	if out.Kind != OutcomeCapabilityViolation || out.Capability != "primitive:frame" {
		t.Fatalf("got %s %q, want violation of primitive:frame", out.Kind, out.Capability)
	}

	// Unknown grants are ignored rather than widening the sandbox.
	job = NewJob(`os.exit(1)`, salesFrame())
	job.Manifest = Manifest{Primitives: []string{"df", "chart", "os"}}
	out = New(inProcessConfig()).Run(context.Background(), job, 0)
	if out.Kind != OutcomeCapabilityViolation || out.Capability != "process" {
		t.Fatalf("got %s %q, want process violation", out.Kind, out.Capability)
	}
}

func TestRun_PrintOutput(t *testing.T) {
	out := run(t, inProcessConfig(), `print("rows", frame.nrows(df))`+barCode)
	if out.Kind != OutcomeSuccess {
		t.Fatalf("Kind = %s (%s)", out.Kind, out.Reason)
	}
	if out.Output != "rows\t3\n" {
		t.Errorf("Output = %q", out.Output)
	}

	cfg := inProcessConfig()
	cfg.MaxOutputBytes = 64
	out = run(t, cfg, `for i = 1, 100 do print("line", i) end`)
	if !strings.HasSuffix(out.Output, "(output truncated)") {
		t.Errorf("Output not truncated: %q", out.Output)
	}
}

func TestRun_StringRepCap(t *testing.T) {
	cfg := inProcessConfig()
	cfg.MaxStringBytes = 16
	out := run(t, cfg, `local s = string.rep("ab", 100)`+barCode)
	if out.Kind != OutcomeRuntimeFailure || !strings.Contains(out.Reason, "exceeds") {
		t.Errorf("got %s %q, want string.rep cap failure", out.Kind, out.Reason)
	}
	out = run(t, cfg, `local s = string.rep("ab", 3, ",")`+barCode)
	if out.Kind != OutcomeSuccess {
		t.Errorf("small rep failed: %s %q", out.Kind, out.Reason)
	}
}

func subprocessConfig(t *testing.T) Config {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Grace = 200 * time.Millisecond
	cfg.WorkerCommand = []string{exe}
	cfg.WorkerEnv = []string{workerEnvVar + "=1"}
	return cfg
}

func TestSubprocess(t *testing.T) {
	if testing.Short() {
		t.Skip("starts worker processes")
	}
	cfg := subprocessConfig(t)

	inProcess := run(t, inProcessConfig(), barCode)
	out := run(t, cfg, barCode)
	if out.Kind != OutcomeSuccess {
		t.Fatalf("Kind = %s (%s), want success", out.Kind, out.Reason)
	}
	if out.Artifact.Digest != inProcess.Artifact.Digest {
		t.Errorf("subprocess artifact differs from in-process")
	}

	out = run(t, cfg, `local f = io.open("x")`)
	if out.Kind != OutcomeCapabilityViolation || out.Capability != "filesystem" {
		t.Errorf("got %s %q, want filesystem violation", out.Kind, out.Capability)
	}

	start := time.Now()
	out = New(cfg).Run(context.Background(), NewJob("while true do end", salesFrame()), 200*time.Millisecond)
	if out.Kind != OutcomeTimedOut {
		t.Errorf("Kind = %s (%s), want timed_out", out.Kind, out.Reason)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestSubprocess_BadWorker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerCommand = []string{"/nonexistent/guardrail-worker"}
	out := run(t, cfg, barCode)
	if out.Kind != OutcomeRuntimeFailure {
		t.Errorf("Kind = %s, want runtime_failure", out.Kind)
	}
}

func TestSubprocess_MemoryLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("starts worker processes")
	}
	cfg := subprocessConfig(t)
	cfg.MaxMemoryBytes = 32 << 20

	out := run(t, cfg, `local s = "a"; for i = 1, 28 do s = s .. s end; print(#s)`)
	if out.Kind != OutcomeRuntimeFailure {
		t.Fatalf("Kind = %s (%s), want runtime_failure", out.Kind, out.Reason)
	}
	if !strings.Contains(out.Reason, "memory") {
		t.Errorf("Reason = %q, want a memory limit failure", out.Reason)
	}

	out = run(t, cfg, barCode)
	if out.Kind != OutcomeSuccess {
		t.Errorf("small job under the ceiling: %s (%s)", out.Kind, out.Reason)
	}
}

func TestSubprocess_KillsUnresponsiveWorker(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sh")
	}
	cfg := DefaultConfig()
	cfg.Grace = 100 * time.Millisecond
	cfg.WorkerCommand = []string{"sh", "-c", "sleep 30"}

	start := time.Now()
	out := New(cfg).Run(context.Background(), NewJob(barCode, salesFrame()), 100*time.Millisecond)
	if out.Kind != OutcomeTimedOut {
		t.Fatalf("Kind = %s (%s), want timed_out", out.Kind, out.Reason)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("worker outlived its budget: %v", elapsed)
	}
}
