package templating

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator runs declarative tree-transformation expressions over
// generic JSON-like values. Programs are compiled once per template
// text; execution is bounded by the gate so unbounded parallel renders
// cannot overload the evaluator. Configuration never gains host code
// execution: only the helper functions below and caller-provided env
// values are visible.
type Evaluator struct {
	gate *Gate

	mu       sync.Mutex
	programs map[string]*vm.Program
}

func NewEvaluator(gate *Gate) *Evaluator {
	return &Evaluator{
		gate:     gate,
		programs: make(map[string]*vm.Program),
	}
}

func (e *Evaluator) Eval(ctx context.Context, template string, env map[string]any) (any, error) {
	if strings.TrimSpace(template) == "" {
		return nil, fmt.Errorf("empty template")
	}
	if err := e.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer e.gate.Release()

	program, err := e.compile(template)
	if err != nil {
		return nil, err
	}

	full := make(map[string]any, len(env)+3)
	full["lookup"] = lookupPath
	full["top_n"] = topN
	full["concat"] = concatLists
	for key, value := range env {
		full[key] = value
	}

	out, err := expr.Run(program, full)
	if err != nil {
		return nil, fmt.Errorf("evaluate template: %w", err)
	}
	return out, nil
}

func (e *Evaluator) compile(template string) (*vm.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok := e.programs[template]; ok {
		return program, nil
	}
	program, err := expr.Compile(template, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile template: %w", err)
	}
	e.programs[template] = program
	return program, nil
}

// lookupPath is the null-coalescing path helper: lookup(node, "a.b.c")
// returns nil instead of failing when any step is missing.
func lookupPath(node any, path string) any {
	current := node
	for _, step := range strings.Split(path, ".") {
		if step == "" {
			continue
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[step]
		if !ok {
			return nil
		}
	}
	return current
}

// concatLists joins lists into one flat slice. Scalars are appended
// as-is and nil arguments are skipped, so merge templates can fold an
// empty accumulator without guarding.
func concatLists(lists ...any) []any {
	out := make([]any, 0)
	for _, list := range lists {
		switch v := list.(type) {
		case nil:
		case []any:
			out = append(out, v...)
		default:
			out = append(out, v)
		}
	}
	return out
}

func topN(list any, n int) []any {
	items, ok := list.([]any)
	if !ok || n <= 0 {
		return []any{}
	}
	if n > len(items) {
		n = len(items)
	}
	out := make([]any, n)
	copy(out, items[:n])
	return out
}
