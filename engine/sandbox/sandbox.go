// Package sandbox evaluates the restricted expressions configured on
// checks: if, fail_if, run_js, goto_js, and provider transforms.
//
// Expressions are expr-lang programs compiled once and run against a
// fixed, enumerated environment assembled by the engine. There is no
// filesystem, network, import, or eval surface: an expression can only see
// the values placed in its environment and expr's builtin functions.
package sandbox

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator compiles and caches expression programs. Safe for concurrent
// use; the program cache is shared across a run so hot expressions
// (per-item fail_if under a large fan-out) compile once.
type Evaluator struct {
	mu    sync.Mutex
	cache map[string]*vm.Program
}

// New creates an Evaluator with an empty program cache.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Eval runs the expression against the environment and returns its value.
// Compilation and runtime errors are returned to the caller, which decides
// the failure posture (fail-secure for if, no-op for hooks).
func (e *Evaluator) Eval(code string, env map[string]any) (any, error) {
	prog, err := e.compile(code)
	if err != nil {
		return nil, err
	}
	out, err := vm.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("expression error: %w", err)
	}
	return out, nil
}

// EvalBool runs the expression and coerces the result with Truthy.
func (e *Evaluator) EvalBool(code string, env map[string]any) (bool, error) {
	out, err := e.Eval(code, env)
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

func (e *Evaluator) compile(code string) (*vm.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prog, ok := e.cache[code]; ok {
		return prog, nil
	}
	prog, err := expr.Compile(code, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("expression compile error: %w", err)
	}
	e.cache[code] = prog
	return prog, nil
}

// Truthy converts an expression value to a gate decision: nil and false
// are false, zero numbers and empty strings are false, and any other
// value (including empty slices and maps) is true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case uint64:
		return t != 0
	case float64:
		return t != 0
	case float32:
		return t != 0
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Ptr && rv.IsNil() {
			return false
		}
		return true
	}
}

// Strings coerces a run_js-style result into a list of step ids: a string
// becomes a one-element list, a []any keeps its string elements, and
// anything else yields nil.
func Strings(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		var out []string
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
