package sandbox

import (
	"fmt"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/odvcencio/guardrail/pkg/chart"
)

const figureTypeName = "guardrail.chart"

// figure is the value chart constructors return. Code assigns one to the
// global fig; the executor renders it after the program finishes.
type figure struct {
	spec chart.Spec
	data chart.Frame
}

func asFigure(v lua.LValue) (*figure, bool) {
	ud, ok := v.(*lua.LUserData)
	if !ok {
		return nil, false
	}
	fig, ok := ud.Value.(*figure)
	return fig, ok
}

func checkFigure(L *lua.LState, n int) *figure {
	fig, ok := asFigure(L.Get(n))
	if !ok {
		L.ArgError(n, "chart expected")
	}
	return fig
}

func (e *env) registerChart(L *lua.LState) {
	mt := L.NewTypeMetatable(figureTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"title": figureTitle,
		"size":  figureSize,
		"spec":  figureDescribe,
	}))
	L.SetField(mt, "__tostring", L.NewFunction(figureDescribe))

	funcs := map[string]lua.LGFunction{
		"new": func(L *lua.LState) int {
			name := L.CheckString(1)
			kind, ok := chart.ParseKind(name)
			if !ok {
				L.ArgError(1, fmt.Sprintf("unsupported chart type %q", name))
			}
			return newFigure(L, kind, 2)
		},
	}
	for _, kind := range []chart.Kind{chart.KindBar, chart.KindLine, chart.KindArea, chart.KindPie, chart.KindScatter} {
		kind := kind
		funcs[string(kind)] = func(L *lua.LState) int { return newFigure(L, kind, 1) }
	}
	L.SetGlobal("chart", L.SetFuncs(L.NewTable(), funcs))
}

var chartOptions = map[string]bool{
	"x": true, "y": true, "color": true, "title": true, "sort": true,
	"stacked": true, "width": true, "height": true,
}

// newFigure reads (frame, opts) starting at argument n.
func newFigure(L *lua.LState, kind chart.Kind, n int) int {
	data := luaFrame(L, n)
	spec := chart.Spec{Kind: kind}
	if opts := L.OptTable(n+1, nil); opts != nil {
		var unknown []string
		opts.ForEach(func(k, v lua.LValue) {
			key, ok := k.(lua.LString)
			if !ok || !chartOptions[string(key)] {
				unknown = append(unknown, k.String())
				return
			}
			switch string(key) {
			case "x":
				spec.X = lua.LVAsString(v)
			case "y":
				spec.Y = lua.LVAsString(v)
			case "color":
				spec.Color = lua.LVAsString(v)
			case "title":
				spec.Title = lua.LVAsString(v)
			case "sort":
				spec.Sort = lua.LVAsString(v)
			case "stacked":
				spec.Stacked = lua.LVAsBool(v)
			case "width":
				spec.Width = int(lua.LVAsNumber(v))
			case "height":
				spec.Height = int(lua.LVAsNumber(v))
			}
		})
		if len(unknown) > 0 {
			sort.Strings(unknown)
			L.ArgError(n+1, fmt.Sprintf("unknown chart option(s): %s", strings.Join(unknown, ", ")))
		}
	}

	ud := L.NewUserData()
	ud.Value = &figure{spec: spec, data: data}
	L.SetMetatable(ud, L.GetTypeMetatable(figureTypeName))
	L.Push(ud)
	return 1
}

// fig:title(text) sets the title and returns the chart.
func figureTitle(L *lua.LState) int {
	fig := checkFigure(L, 1)
	fig.spec.Title = L.CheckString(2)
	L.Push(L.Get(1))
	return 1
}

// fig:size(width, height)
func figureSize(L *lua.LState) int {
	fig := checkFigure(L, 1)
	w, h := L.CheckInt(2), L.CheckInt(3)
	if w <= 0 || h <= 0 {
		L.ArgError(2, "width and height must be positive")
	}
	fig.spec.Width, fig.spec.Height = w, h
	L.Push(L.Get(1))
	return 1
}

func figureDescribe(L *lua.LState) int {
	L.Push(lua.LString(checkFigure(L, 1).spec.Describe()))
	return 1
}
