package sandbox

import (
	"context"
	"errors"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/odvcencio/guardrail/pkg/chart"
	apperrors "github.com/odvcencio/guardrail/pkg/errors"
)

// guard records the first capability a running job touched. The flag is
// sticky: a job that catches the trap's error with pcall is still reported.
type guard struct {
	violation *Violation
}

func (g *guard) trip(name, capability string) {
	if g.violation == nil {
		g.violation = &Violation{Name: name, Capability: capability}
	}
}

func (g *guard) trapFunction(L *lua.LState, name, capability string) *lua.LFunction {
	return L.NewFunction(func(L *lua.LState) int {
		g.trip(name, capability)
		L.RaiseError("%s is not available in the sandbox", name)
		return 0
	})
}

func (g *guard) trapTable(L *lua.LState, name, capability string) *lua.LTable {
	t := L.NewTable()
	mt := L.NewTable()
	trap := g.trapFunction(L, name, capability)
	mt.RawSetString("__index", trap)
	mt.RawSetString("__newindex", trap)
	mt.RawSetString("__call", trap)
	L.SetMetatable(t, mt)
	return t
}

// trapTables are reserved names that are libraries rather than functions.
var trapTables = map[string]bool{
	"os": true, "io": true, "debug": true, "package": true, "coroutine": true,
	"channel": true, "socket": true, "http": true, "_G": true, "_ENV": true,
}

// env is the per-job state shared by the injected primitives.
type env struct {
	cfg   Config
	guard *guard
	out   *boundedBuffer
}

type boundedBuffer struct {
	sb        strings.Builder
	limit     int
	truncated bool
}

func (b *boundedBuffer) write(s string) {
	if b.truncated {
		return
	}
	if b.sb.Len()+len(s) > b.limit {
		b.sb.WriteString(s[:b.limit-b.sb.Len()])
		b.truncated = true
		return
	}
	b.sb.WriteString(s)
}

func (b *boundedBuffer) String() string {
	if b.truncated {
		return b.sb.String() + "\n... (output truncated)"
	}
	return b.sb.String()
}

func newState(cfg Config) *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       cfg.MaxCallStack,
		RegistrySize:        1024 * 20,
		RegistryMaxSize:     cfg.MaxRegistry,
		RegistryGrowStep:    1024,
		IncludeGoStackTrace: false,
		MinimizeStackMemory: true,
	})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	return L
}

// install replaces everything reserved with traps and injects the granted
// primitives.
func install(L *lua.LState, job Job, e *env) {
	grants := job.Manifest.grants()

	L.SetGlobal("_printregs", lua.LNil)
	L.SetGlobal("print", lua.LNil)
	for name, capability := range reserved {
		if _, isField := fieldReserved[name]; isField {
			continue
		}
		if trapTables[name] {
			L.SetGlobal(name, e.guard.trapTable(L, name, capability))
		} else {
			L.SetGlobal(name, e.guard.trapFunction(L, name, capability))
		}
	}

	if str, ok := L.GetGlobal("string").(*lua.LTable); ok {
		str.RawSetString("dump", e.guard.trapFunction(L, "dump", fieldReserved["dump"]))
		str.RawSetString("rep", L.NewFunction(e.stringRep))
		e.guardPatterns(L, str)
	}
	// Seeded randomness would make artifacts differ between runs.
	if math, ok := L.GetGlobal("math").(*lua.LTable); ok {
		math.RawSetString("random", lua.LNil)
		math.RawSetString("randomseed", lua.LNil)
	}
	for _, lib := range []string{"string", "table", "math"} {
		if !grants[lib] {
			L.SetGlobal(lib, lua.LNil)
		}
	}

	if grants["print"] {
		L.SetGlobal("print", L.NewFunction(e.print))
	}
	if grants["df"] {
		L.SetGlobal("df", frameToLua(L, job.Data))
	}
	if grants["frame"] {
		L.SetGlobal("frame", L.SetFuncs(L.NewTable(), e.frameFuncs()))
	}
	if grants["chart"] {
		e.registerChart(L)
	}
}

// evaluate runs one job on a fresh interpreter. The caller owns the deadline
// carried by ctx.
func evaluate(ctx context.Context, job Job, cfg Config, budget time.Duration) (out Outcome) {
	e := &env{cfg: cfg, guard: &guard{}, out: &boundedBuffer{limit: cfg.MaxOutputBytes}}
	L := newState(cfg)
	defer L.Close()
	defer func() {
		if r := recover(); r != nil {
			out = runtimeFailure("interpreter panic: %v", r)
		}
		out.Output = e.out.String()
	}()

	install(L, job, e)
	L.SetContext(ctx)

	fn, err := L.LoadString(job.Code)
	if err != nil {
		return runtimeFailure("syntax error: %s", firstLine(err.Error()))
	}
	L.Push(fn)
	err = L.PCall(0, 0, nil)

	switch {
	case e.guard.violation != nil:
		return violation(e.guard.violation)
	case err != nil && isTimeout(ctx, err):
		return timedOut(budget)
	case err != nil:
		return runtimeFailure("%s", luaMessage(err))
	}

	fig, ok := asFigure(L.GetGlobal("fig"))
	if !ok {
		return runtimeFailure("chart code must assign a chart to fig")
	}
	artifact, err := chart.Renderer{MaxBytes: cfg.MaxOutputBytes}.Render(fig.spec, fig.data)
	if err != nil {
		return runtimeFailure("render chart: %s", errorMessage(err))
	}
	return success(fig.spec, artifact)
}

func luaMessage(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return firstLine(apiErr.Object.String())
	}
	return firstLine(err.Error())
}

func errorMessage(err error) string {
	if e, ok := apperrors.As(err); ok {
		return e.Message
	}
	return err.Error()
}
