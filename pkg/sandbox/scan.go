package sandbox

import (
	"fmt"
	"strings"

	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"
)

// Violation names a capability a job tried to use.
type Violation struct {
	Name       string
	Capability string
	Line       int
}

func (v *Violation) Error() string {
	if v.Line > 0 {
		return fmt.Sprintf("line %d: %q requires the %s capability", v.Line, v.Name, v.Capability)
	}
	return fmt.Sprintf("%q requires the %s capability", v.Name, v.Capability)
}

// reserved maps names that reach outside the sandbox to the capability they
// would need. They are reserved everywhere, including as local names.
var reserved = map[string]string{
	"os":             "process",
	"io":             "filesystem",
	"dofile":         "filesystem",
	"loadfile":       "filesystem",
	"socket":         "network",
	"http":           "network",
	"require":        "import",
	"module":         "import",
	"package":        "import",
	"load":           "dynamic-code",
	"loadstring":     "dynamic-code",
	"dump":           "dynamic-code",
	"debug":          "reflection",
	"getfenv":        "reflection",
	"setfenv":        "reflection",
	"getmetatable":   "reflection",
	"setmetatable":   "reflection",
	"rawget":         "reflection",
	"rawset":         "reflection",
	"rawequal":       "reflection",
	"rawlen":         "reflection",
	"newproxy":       "reflection",
	"_G":             "reflection",
	"_ENV":           "reflection",
	"collectgarbage": "runtime",
	"channel":        "concurrency",
	"coroutine":      "concurrency",
}

// fieldReserved are reserved when used as a field or method name.
var fieldReserved = map[string]string{
	"dump": "dynamic-code",
}

// Scan parses code and reports the first reserved name it references, or a
// primitive the manifest does not grant. Parse errors are returned as err.
func Scan(code string, manifest Manifest) (*Violation, error) {
	chunk, err := parse.Parse(strings.NewReader(code), "chart")
	if err != nil {
		return nil, fmt.Errorf("syntax error: %s", firstLine(err.Error()))
	}
	s := &scanner{grants: manifest.grants()}
	s.stmts(chunk)
	return s.found, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

type scanner struct {
	grants map[string]bool
	found  *Violation
}

func (s *scanner) name(n string, line int) {
	if s.found != nil {
		return
	}
	if capability, ok := reserved[n]; ok {
		s.found = &Violation{Name: n, Capability: capability, Line: line}
		return
	}
	for _, p := range primitiveNames {
		if n == p && !s.grants[n] {
			s.found = &Violation{Name: n, Capability: "primitive:" + n, Line: line}
			return
		}
	}
}

func (s *scanner) field(n string, line int) {
	if s.found != nil {
		return
	}
	if capability, ok := fieldReserved[n]; ok {
		s.found = &Violation{Name: n, Capability: capability, Line: line}
	}
}

func (s *scanner) names(ns []string, line int) {
	for _, n := range ns {
		s.name(n, line)
	}
}

func (s *scanner) stmts(list []ast.Stmt) {
	for _, st := range list {
		if s.found != nil {
			return
		}
		s.stmt(st)
	}
}

func (s *scanner) stmt(st ast.Stmt) {
	switch n := st.(type) {
	case *ast.AssignStmt:
		s.exprs(n.Lhs)
		s.exprs(n.Rhs)
	case *ast.LocalAssignStmt:
		s.names(n.Names, n.Line())
		s.exprs(n.Exprs)
	case *ast.FuncCallStmt:
		s.expr(n.Expr)
	case *ast.DoBlockStmt:
		s.stmts(n.Stmts)
	case *ast.WhileStmt:
		s.expr(n.Condition)
		s.stmts(n.Stmts)
	case *ast.RepeatStmt:
		s.stmts(n.Stmts)
		s.expr(n.Condition)
	case *ast.IfStmt:
		s.expr(n.Condition)
		s.stmts(n.Then)
		s.stmts(n.Else)
	case *ast.NumberForStmt:
		s.name(n.Name, n.Line())
		s.expr(n.Init)
		s.expr(n.Limit)
		s.expr(n.Step)
		s.stmts(n.Stmts)
	case *ast.GenericForStmt:
		s.names(n.Names, n.Line())
		s.exprs(n.Exprs)
		s.stmts(n.Stmts)
	case *ast.FuncDefStmt:
		if n.Name != nil {
			s.expr(n.Name.Func)
			s.expr(n.Name.Receiver)
			if n.Name.Method != "" {
				s.field(n.Name.Method, n.Line())
			}
		}
		s.function(n.Func)
	case *ast.ReturnStmt:
		s.exprs(n.Exprs)
	}
}

func (s *scanner) exprs(list []ast.Expr) {
	for _, e := range list {
		s.expr(e)
	}
}

func (s *scanner) function(fn *ast.FunctionExpr) {
	if fn == nil {
		return
	}
	if fn.ParList != nil {
		s.names(fn.ParList.Names, fn.Line())
	}
	s.stmts(fn.Stmts)
}

func (s *scanner) expr(e ast.Expr) {
	if e == nil || s.found != nil {
		return
	}
	switch n := e.(type) {
	case *ast.IdentExpr:
		s.name(n.Value, n.Line())
	case *ast.AttrGetExpr:
		s.expr(n.Object)
		if key, ok := n.Key.(*ast.StringExpr); ok {
			s.field(key.Value, n.Line())
		} else {
			s.expr(n.Key)
		}
	case *ast.TableExpr:
		for _, f := range n.Fields {
			if key, ok := f.Key.(*ast.StringExpr); ok {
				s.field(key.Value, n.Line())
			} else {
				s.expr(f.Key)
			}
			s.expr(f.Value)
		}
	case *ast.FuncCallExpr:
		s.expr(n.Func)
		s.expr(n.Receiver)
		if n.Method != "" {
			s.field(n.Method, n.Line())
		}
		s.exprs(n.Args)
	case *ast.LogicalOpExpr:
		s.expr(n.Lhs)
		s.expr(n.Rhs)
	case *ast.RelationalOpExpr:
		s.expr(n.Lhs)
		s.expr(n.Rhs)
	case *ast.StringConcatOpExpr:
		s.expr(n.Lhs)
		s.expr(n.Rhs)
	case *ast.ArithmeticOpExpr:
		s.expr(n.Lhs)
		s.expr(n.Rhs)
	case *ast.UnaryMinusOpExpr:
		s.expr(n.Expr)
	case *ast.UnaryNotOpExpr:
		s.expr(n.Expr)
	case *ast.UnaryLenOpExpr:
		s.expr(n.Expr)
	case *ast.FunctionExpr:
		s.function(n)
	}
}
