package sandbox

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// Pattern matching runs in Go and cannot be interrupted by the job's
// deadline, so each call is priced before it starts.
const (
	maxPatternBytes = 512
	// maxPatternSteps bounds (len(subject)+1)^(quantifiers+1), the worst-case
	// backtracking work of one call.
	maxPatternSteps = 1e8
)

// patternArgs records where each guarded function takes its arguments.
// plain is the 1-based index of a "plain find" flag, or 0.
var patternArgs = map[string]struct{ plain int }{
	"find":   {plain: 4},
	"match":  {},
	"gmatch": {},
	"gsub":   {},
}

// guardPatterns wraps the string library's pattern functions with cost
// checks.
func (e *env) guardPatterns(L *lua.LState, str *lua.LTable) {
	for name, args := range patternArgs {
		orig, ok := str.RawGetString(name).(*lua.LFunction)
		if !ok || orig.GFunction == nil {
			continue
		}
		str.RawSetString(name, L.NewFunction(e.pricedPattern(name, orig.GFunction, args.plain)))
	}
}

func (e *env) pricedPattern(name string, fn lua.LGFunction, plain int) lua.LGFunction {
	return func(L *lua.LState) int {
		subject := L.CheckString(1)
		pattern := L.CheckString(2)
		if plain > 0 && lua.LVAsBool(L.Get(plain)) {
			return fn(L)
		}
		if err := e.checkPattern(len(subject), pattern); err != nil {
			L.RaiseError("string.%s: %v", name, err)
		}
		if name == "gsub" {
			if repl, ok := L.Get(3).(lua.LString); ok {
				if err := e.checkSubstitution(len(subject), string(repl), L.OptInt(4, len(subject)+1)); err != nil {
					L.RaiseError("string.gsub: %v", err)
				}
			}
		}
		return fn(L)
	}
}

func (e *env) checkPattern(subjectLen int, pattern string) error {
	if subjectLen > e.cfg.MaxStringBytes {
		return fmt.Errorf("subject of %d bytes exceeds %d bytes", subjectLen, e.cfg.MaxStringBytes)
	}
	if len(pattern) > maxPatternBytes {
		return fmt.Errorf("pattern of %d bytes exceeds %d bytes", len(pattern), maxPatternBytes)
	}
	n := float64(subjectLen + 1)
	steps := n
	for q := countQuantifiers(pattern); q > 0 && steps <= maxPatternSteps; q-- {
		steps *= n
	}
	if steps > maxPatternSteps {
		return fmt.Errorf("pattern %q is too expensive for a %d byte subject", pattern, subjectLen)
	}
	return nil
}

// checkSubstitution bounds the size of a gsub result with a string
// replacement, assuming every position may match and every %n reference
// copies the whole subject.
func (e *env) checkSubstitution(subjectLen int, repl string, maxN int) error {
	matches := subjectLen + 1
	if maxN >= 0 && maxN < matches {
		matches = maxN
	}
	refs := strings.Count(repl, "%")
	if subjectLen*(1+refs)+matches*len(repl) > e.cfg.MaxStringBytes {
		return fmt.Errorf("result may exceed %d bytes", e.cfg.MaxStringBytes)
	}
	return nil
}

// countQuantifiers counts the *, +, - and ? items of a Lua pattern. Escapes
// and character sets are skipped. A quantifier in leading position is
// counted too, which only overestimates.
func countQuantifiers(p string) int {
	count := 0
	for i := 0; i < len(p); i++ {
		switch p[i] {
		case '%':
			i++
			if i < len(p) && p[i] == 'b' {
				i += 2
			}
		case '[':
			i = skipSet(p, i)
		case '*', '+', '-', '?':
			count++
		}
	}
	return count
}

// skipSet returns the index of the ']' closing the set opened at i.
func skipSet(p string, i int) int {
	j := i + 1
	if j < len(p) && p[j] == '^' {
		j++
	}
	for first := true; j < len(p); first = false {
		switch {
		case p[j] == ']' && !first:
			return j
		case p[j] == '%':
			j += 2
		default:
			j++
		}
	}
	return j
}
