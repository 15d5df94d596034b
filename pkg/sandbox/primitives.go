package sandbox

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/odvcencio/guardrail/pkg/chart"
)

// frameToLua builds {columns = {...}, rows = {{col = value, ...}, ...}}.
func frameToLua(L *lua.LState, f chart.Frame) *lua.LTable {
	t := L.CreateTable(0, 2)
	cols := L.CreateTable(len(f.Columns), 0)
	for _, c := range f.Columns {
		cols.Append(lua.LString(c))
	}
	rows := L.CreateTable(len(f.Rows), 0)
	for i := range f.Rows {
		rows.Append(record(L, f, i))
	}
	t.RawSetString("columns", cols)
	t.RawSetString("rows", rows)
	return t
}

func record(L *lua.LState, f chart.Frame, i int) *lua.LTable {
	rec := L.CreateTable(0, len(f.Columns))
	for c, name := range f.Columns {
		if v := luaValue(f.Value(i, c)); v != lua.LNil {
			rec.RawSetString(name, v)
		}
	}
	return rec
}

func luaValue(v any) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(t)
	case bool:
		return lua.LBool(t)
	case time.Time:
		return lua.LString(t.UTC().Format(time.RFC3339Nano))
	}
	if n, ok := chart.ToFloat(v); ok {
		return lua.LNumber(n)
	}
	return lua.LString(fmt.Sprint(v))
}

// goValue converts a cell back. Integral numbers become int64 so they render
// without a fractional part.
func goValue(L *lua.LState, v lua.LValue) any {
	switch t := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(t)
	case lua.LString:
		return string(t)
	case lua.LNumber:
		return number(float64(t))
	default:
		L.RaiseError("frame values must be numbers, strings or booleans, got %s", v.Type().String())
		return nil
	}
}

func number(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

// luaFrame reads a frame table. Rows are records keyed by column name.
func luaFrame(L *lua.LState, n int) chart.Frame {
	return readFrame(L, L.CheckTable(n), n)
}

func readFrame(L *lua.LState, t *lua.LTable, n int) chart.Frame {
	cols, ok := t.RawGetString("columns").(*lua.LTable)
	if !ok {
		L.ArgError(n, "frame expected (missing columns)")
	}
	rows, ok := t.RawGetString("rows").(*lua.LTable)
	if !ok {
		L.ArgError(n, "frame expected (missing rows)")
	}
	f := chart.Frame{Columns: make([]string, 0, cols.Len()), Rows: make([][]any, 0, rows.Len())}
	for i := 1; i <= cols.Len(); i++ {
		name, ok := cols.RawGetInt(i).(lua.LString)
		if !ok {
			L.ArgError(n, "column names must be strings")
		}
		f.Columns = append(f.Columns, string(name))
	}
	for i := 1; i <= rows.Len(); i++ {
		rec, ok := rows.RawGetInt(i).(*lua.LTable)
		if !ok {
			L.ArgError(n, fmt.Sprintf("row %d is not a table", i))
		}
		row := make([]any, len(f.Columns))
		for c, name := range f.Columns {
			row[c] = goValue(L, rec.RawGetString(name))
		}
		f.Rows = append(f.Rows, row)
	}
	return f
}

func checkColumn(L *lua.LState, f chart.Frame, n int) (string, int) {
	name := L.CheckString(n)
	idx := f.Index(name)
	if idx < 0 {
		L.ArgError(n, fmt.Sprintf("unknown column %q", name))
	}
	return name, idx
}

func (e *env) frameFuncs() map[string]lua.LGFunction {
	return map[string]lua.LGFunction{
		"new":      frameNew,
		"select":   frameSelect,
		"filter":   frameFilter,
		"mutate":   frameMutate,
		"sort":     frameSort,
		"head":     frameHead,
		"group_by": frameGroupBy,
		"rename":   frameRename,
		"column":   frameColumn,
		"nrows":    frameRows,
	}
}

// frame.new(columns, rows)
func frameNew(L *lua.LState) int {
	t := L.NewTable()
	t.RawSetString("columns", L.CheckTable(1))
	t.RawSetString("rows", L.OptTable(2, L.NewTable()))
	L.Push(frameToLua(L, readFrame(L, t, 1)))
	return 1
}

// frame.select(f, {columns})
func frameSelect(L *lua.LState) int {
	f := luaFrame(L, 1)
	want := L.CheckTable(2)
	out := chart.Frame{Rows: make([][]any, len(f.Rows))}
	var idx []int
	for i := 1; i <= want.Len(); i++ {
		name := lua.LVAsString(want.RawGetInt(i))
		c := f.Index(name)
		if c < 0 {
			L.ArgError(2, fmt.Sprintf("unknown column %q", name))
		}
		out.Columns = append(out.Columns, name)
		idx = append(idx, c)
	}
	for r := range f.Rows {
		row := make([]any, len(idx))
		for i, c := range idx {
			row[i] = f.Value(r, c)
		}
		out.Rows[r] = row
	}
	L.Push(frameToLua(L, out))
	return 1
}

func call(L *lua.LState, fn *lua.LFunction, arg lua.LValue) lua.LValue {
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: false}, arg); err != nil {
		L.RaiseError("%s", err.Error())
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret
}

// frame.filter(f, function(row) return bool end)
func frameFilter(L *lua.LState) int {
	f := luaFrame(L, 1)
	pred := L.CheckFunction(2)
	out := chart.Frame{Columns: f.Columns}
	for i, row := range f.Rows {
		if lua.LVAsBool(call(L, pred, record(L, f, i))) {
			out.Rows = append(out.Rows, row)
		}
	}
	L.Push(frameToLua(L, out))
	return 1
}

// frame.mutate(f, name, function(row) return value end)
func frameMutate(L *lua.LState) int {
	f := luaFrame(L, 1)
	name := L.CheckString(2)
	fn := L.CheckFunction(3)
	idx := f.Index(name)
	out := chart.Frame{Columns: append([]string(nil), f.Columns...)}
	if idx < 0 {
		out.Columns = append(out.Columns, name)
	}
	for i, row := range f.Rows {
		v := goValue(L, call(L, fn, record(L, f, i)))
		next := append([]any(nil), row...)
		if idx < 0 {
			next = append(next, v)
		} else {
			next[idx] = v
		}
		out.Rows = append(out.Rows, next)
	}
	L.Push(frameToLua(L, out))
	return 1
}

func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	af, aok := chart.ToFloat(a)
	bf, bok := chart.ToFloat(b)
	switch {
	case aok && bok:
		if af < bf {
			return -1
		}
		if af > bf {
			return 1
		}
		return 0
	case aok:
		return -1
	case bok:
		return 1
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// frame.sort(f, column, "asc"|"desc"). The sort is stable and nils go last.
func frameSort(L *lua.LState) int {
	f := luaFrame(L, 1)
	_, c := checkColumn(L, f, 2)
	order := strings.ToLower(L.OptString(3, "asc"))
	if order != "asc" && order != "desc" {
		L.ArgError(3, `order must be "asc" or "desc"`)
	}
	rows := append([][]any(nil), f.Rows...)
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i][c], rows[j][c]
		if a == nil || b == nil {
			return compareValues(a, b) < 0
		}
		if order == "desc" {
			return compareValues(a, b) > 0
		}
		return compareValues(a, b) < 0
	})
	f.Rows = rows
	L.Push(frameToLua(L, f))
	return 1
}

// frame.head(f, n)
func frameHead(L *lua.LState) int {
	f := luaFrame(L, 1)
	n := L.CheckInt(2)
	if n < 0 {
		n = 0
	}
	if n < len(f.Rows) {
		f.Rows = f.Rows[:n]
	}
	L.Push(frameToLua(L, f))
	return 1
}

type group struct {
	key   any
	count int
	sum   float64
	min   float64
	max   float64
	seen  bool
}

// frame.group_by(f, key, value, "sum"|"mean"|"count"|"min"|"max"). Groups
// keep first-appearance order. Non-numeric values are skipped by the numeric
// aggregates.
func frameGroupBy(L *lua.LState) int {
	f := luaFrame(L, 1)
	keyName, k := checkColumn(L, f, 2)
	agg := strings.ToLower(L.OptString(4, "sum"))
	valueName := L.OptString(3, "")
	v := -1
	if agg != "count" || valueName != "" {
		valueName, v = checkColumn(L, f, 3)
	}
	switch agg {
	case "sum", "mean", "count", "min", "max":
	default:
		L.ArgError(4, fmt.Sprintf("unknown aggregate %q", agg))
	}
	if valueName == "" {
		valueName = "count"
	}

	var order []*group
	byKey := map[string]*group{}
	for i := range f.Rows {
		key := f.Value(i, k)
		id := fmt.Sprintf("%T:%v", key, key)
		g, ok := byKey[id]
		if !ok {
			g = &group{key: key}
			byKey[id] = g
			order = append(order, g)
		}
		if agg == "count" {
			g.count++
			continue
		}
		x, ok := chart.ToFloat(f.Value(i, v))
		if !ok {
			continue
		}
		g.count++
		g.sum += x
		if !g.seen || x < g.min {
			g.min = x
		}
		if !g.seen || x > g.max {
			g.max = x
		}
		g.seen = true
	}

	out := chart.Frame{Columns: []string{keyName, valueName}}
	if valueName == keyName {
		out.Columns[1] = agg
	}
	for _, g := range order {
		var val any
		switch agg {
		case "count":
			val = int64(g.count)
		case "sum":
			val = number(g.sum)
		case "mean":
			if g.count > 0 {
				val = number(g.sum / float64(g.count))
			}
		case "min":
			if g.seen {
				val = number(g.min)
			}
		case "max":
			if g.seen {
				val = number(g.max)
			}
		}
		out.Rows = append(out.Rows, []any{g.key, val})
	}
	L.Push(frameToLua(L, out))
	return 1
}

// frame.rename(f, old, new)
func frameRename(L *lua.LState) int {
	f := luaFrame(L, 1)
	_, c := checkColumn(L, f, 2)
	name := L.CheckString(3)
	if other := f.Index(name); other >= 0 && other != c {
		L.ArgError(3, fmt.Sprintf("column %q already exists", name))
	}
	f.Columns = append([]string(nil), f.Columns...)
	f.Columns[c] = name
	L.Push(frameToLua(L, f))
	return 1
}

// frame.column(f, name) returns the column's values as an array.
func frameColumn(L *lua.LState) int {
	f := luaFrame(L, 1)
	_, c := checkColumn(L, f, 2)
	t := L.CreateTable(len(f.Rows), 0)
	for i := range f.Rows {
		t.Append(luaValue(f.Value(i, c)))
	}
	L.Push(t)
	return 1
}

func frameRows(L *lua.LState) int {
	L.Push(lua.LNumber(len(luaFrame(L, 1).Rows)))
	return 1
}

func (e *env) print(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	e.out.write(strings.Join(parts, "\t") + "\n")
	return 0
}

// stringRep is string.rep with the result size capped.
func (e *env) stringRep(L *lua.LState) int {
	s := L.CheckString(1)
	n := L.CheckInt(2)
	sep := L.OptString(3, "")
	if n <= 0 {
		L.Push(lua.LString(""))
		return 1
	}
	unit := len(s) + len(sep)
	if unit > 0 && n > e.cfg.MaxStringBytes/unit+1 || len(s)*n+len(sep)*(n-1) > e.cfg.MaxStringBytes {
		L.RaiseError("string.rep result exceeds %d bytes", e.cfg.MaxStringBytes)
	}
	var sb strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(sep)
		}
		sb.WriteString(s)
	}
	L.Push(lua.LString(sb.String()))
	return 1
}
