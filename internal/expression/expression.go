// Package expression compiles and evaluates the sandboxed expressions used
// by rules, guards, webhook conditions and workflow condition steps.
//
// Programs only see the variables the caller passes plus a small helper
// whitelist. There is no reflection into host objects and no I/O.
package expression

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// helpers is the function whitelist available to every expression.
var helpers = map[string]any{
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
	"now": func() string {
		return time.Now().UTC().Format(time.RFC3339)
	},
	"contains":   strings.Contains,
	"startsWith": strings.HasPrefix,
	"endsWith":   strings.HasSuffix,
	"regex_match": func(pattern, s string) bool {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	},
}

var (
	cacheMu sync.RWMutex
	cache   = map[string]*vm.Program{}
)

// Compile returns the program for src, caching by source text. Variables are
// late-bound so the same program runs against rule, guard and webhook
// environments alike.
func Compile(src string) (*vm.Program, error) {
	cacheMu.RLock()
	p, ok := cache[src]
	cacheMu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := expr.Compile(src, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", src, err)
	}

	cacheMu.Lock()
	cache[src] = p
	cacheMu.Unlock()
	return p, nil
}

// Run evaluates a compiled program against the given variables, with the
// helper whitelist merged in.
func Run(p *vm.Program, env map[string]any) (any, error) {
	merged := make(map[string]any, len(env)+len(helpers))
	for k, v := range helpers {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	return expr.Run(p, merged)
}

// Eval compiles (or reuses) and runs src in one call.
func Eval(src string, env map[string]any) (any, error) {
	p, err := Compile(src)
	if err != nil {
		return nil, err
	}
	return Run(p, env)
}

// Truthy maps an expression result onto a boolean. nil, false, zero numbers
// and empty strings are false; everything else is true.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	default:
		return true
	}
}
