package engine

import (
	"context"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ormasoftchile/conductor/pkg/directive"
	"github.com/ormasoftchile/conductor/pkg/eval"
	"github.com/ormasoftchile/conductor/pkg/trace"
)

const defaultItemVar = "item"

// Conditional runs the first branch whose condition holds, else the else
// body.
func (e *Engine) Conditional(ctx context.Context, d *directive.Conditional) error {
	for i, b := range d.Branches {
		ok, err := eval.Bool(b.If, e.scope.Vars())
		if err != nil {
			return failf(d, "branch %d: %w", i+1, err)
		}
		if ok {
			return e.runSequence(ctx, b.Body)
		}
	}
	return e.runSequence(ctx, d.Else)
}

// Loop runs its body once per item, or a fixed number of times.
func (e *Engine) Loop(ctx context.Context, d *directive.Loop) error {
	name := d.Var
	if name == "" {
		name = defaultItemVar
	}

	var items []any
	if d.Over != "" {
		list, err := eval.List(d.Over, e.scope.Vars())
		if err != nil {
			return failf(d, "%w", err)
		}
		items = list
	} else {
		for i := 0; i < d.Times; i++ {
			items = append(items, i)
		}
	}

	for _, item := range items {
		if err := e.scope.Set(name, item); err != nil {
			return failf(d, "bind %s: %w", name, err)
		}
		if err := e.runSequence(ctx, d.Body); err != nil {
			return err
		}
	}
	return nil
}

// Filter keeps the items that match the glob and satisfy the where
// expression, stores them, and runs the body per kept item.
func (e *Engine) Filter(ctx context.Context, d *directive.Filter) error {
	name := d.As
	if name == "" {
		name = defaultItemVar
	}
	items, err := eval.List(d.Over, e.scope.Vars())
	if err != nil {
		return failf(d, "%w", err)
	}

	kept := make([]any, 0, len(items))
	for _, item := range items {
		ok, err := e.keep(d, name, item)
		if err != nil {
			return err
		}
		if ok {
			kept = append(kept, item)
		}
	}

	if d.Into != "" {
		if err := e.scope.Set(d.Into, kept); err != nil {
			return failf(d, "store %s: %w", d.Into, err)
		}
		e.emit(trace.EventStateChange, map[string]any{"line": d.Line, "name": d.Into, "value": kept})
	}
	for _, item := range kept {
		if len(d.Body) == 0 {
			break
		}
		if err := e.scope.Set(name, item); err != nil {
			return failf(d, "bind %s: %w", name, err)
		}
		if err := e.runSequence(ctx, d.Body); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) keep(d *directive.Filter, name string, item any) (bool, error) {
	if d.Glob != "" {
		ok, err := doublestar.Match(d.Glob, fmt.Sprint(item))
		if err != nil {
			return false, failf(d, "glob %q: %w", d.Glob, err)
		}
		if !ok {
			return false, nil
		}
	}
	if d.Where == "" {
		return true, nil
	}
	vars := e.scope.Vars()
	vars[name] = item
	ok, err := eval.Bool(d.Where, vars)
	if err != nil {
		return false, failf(d, "where: %w", err)
	}
	return ok, nil
}
