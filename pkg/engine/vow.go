package engine

import (
	"context"
	"fmt"

	"github.com/ormasoftchile/conductor/pkg/assertions"
	"github.com/ormasoftchile/conductor/pkg/directive"
	"github.com/ormasoftchile/conductor/pkg/eval"
	"github.com/ormasoftchile/conductor/pkg/trace"
)

// Vow asserts a predicate and fails the directive when it does not hold.
func (e *Engine) Vow(_ context.Context, d *directive.Vow) error {
	return e.checkVow(d, false)
}

func (e *Engine) checkVow(d *directive.Vow, background bool) error {
	vars := e.scope.Vars()
	args, err := eval.ResolveAll(d.Args, vars)
	if err != nil {
		return failf(d, "resolve vow arguments: %w", err)
	}

	subj := assertions.Subject{Dir: e.scope.Cwd(), Vars: vars}
	last := e.scope.LastResult()
	if last != nil {
		subj.Output = last.Output
		subj.ReturnCode = last.ReturnCode
		subj.HasResult = true
	}
	if d.Target != "" {
		v, ok := e.scope.Get(d.Target)
		if !ok {
			return failf(d, "vow target %q is not set", d.Target)
		}
		subj.Value = v
		subj.HasValue = true
	}

	verdict, err := assertions.Evaluate(d.Check, args, subj)
	if err != nil {
		return failf(d, "%w", err)
	}
	passed := verdict.Passed != d.Negate
	if d.Negate {
		verdict.Message = fmt.Sprintf("not (%s)", verdict.Message)
	}
	verdict.Passed = passed

	e.emit(trace.EventVowResult, map[string]any{
		"line":       d.Line,
		"check":      d.Check,
		"args":       args,
		"target":     d.Target,
		"negate":     d.Negate,
		"passed":     passed,
		"message":    verdict.Message,
		"background": background,
	})
	if !passed {
		return &VowError{Line: d.Line, Verdict: verdict, Background: background, Result: last}
	}
	return nil
}

// checkWatches evaluates every active watch against the current state.
func (e *Engine) checkWatches() error {
	e.mu.Lock()
	watches := append([]watch(nil), e.watches...)
	e.mu.Unlock()
	for _, w := range watches {
		if err := e.checkVow(w.vow, true); err != nil {
			return err
		}
	}
	return nil
}
