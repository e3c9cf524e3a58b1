package engine

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/ormasoftchile/conductor/pkg/directive"
	"github.com/ormasoftchile/conductor/pkg/eval"
)

// Meta changes run-wide settings for the directives that follow.
func (e *Engine) Meta(_ context.Context, d *directive.Meta) error {
	value, err := eval.Resolve(d.Value, e.scope.Vars())
	if err != nil {
		return failf(d, "resolve %s value: %w", d.Op, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch d.Op {
	case directive.MetaWatch:
		if d.Vow == nil {
			return failf(d, "watch without a vow")
		}
		name := d.Key
		if name == "" {
			name = fmt.Sprintf("L%d", d.Line)
		}
		e.watches = slices.DeleteFunc(e.watches, func(w watch) bool { return w.name == name })
		e.watches = append(e.watches, watch{name: name, vow: d.Vow})
	case directive.MetaUnwatch:
		if d.Key == "" {
			e.watches = nil
			break
		}
		e.watches = slices.DeleteFunc(e.watches, func(w watch) bool { return w.name == d.Key })
	case directive.MetaWorkers:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return failf(d, "workers must be a positive integer, got %q", value)
		}
		e.workers = n
	case directive.MetaTimeout:
		t, err := time.ParseDuration(value)
		if err != nil || t < 0 {
			return failf(d, "invalid timeout %q", value)
		}
		e.timeout = t
	case directive.MetaEnv:
		if value == "" {
			delete(e.env, d.Key)
		} else {
			e.env[d.Key] = value
		}
	case directive.MetaNonInteractive:
		on, err := strconv.ParseBool(value)
		if err != nil {
			return failf(d, "non_interactive must be a boolean, got %q", value)
		}
		e.manager.SetNonInteractive(on)
	default:
		return failf(d, "unknown meta op %q", d.Op)
	}
	e.log.Debug("meta applied", "op", d.Op, "line", d.Line)
	return nil
}
