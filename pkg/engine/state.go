package engine

import (
	"context"
	"fmt"

	"github.com/ormasoftchile/conductor/pkg/directive"
	"github.com/ormasoftchile/conductor/pkg/eval"
	"github.com/ormasoftchile/conductor/pkg/scope"
	"github.com/ormasoftchile/conductor/pkg/trace"
)

// State assigns a variable. Secret values come from the vault; literal
// values are templated and then typed.
func (e *Engine) State(ctx context.Context, d *directive.State) error {
	var value any
	if d.Secret != nil {
		secret, err := e.scope.ResolveSecret(ctx, *d.Secret)
		if err != nil {
			return failf(d, "resolve secret %s: %w", d.Key, err)
		}
		e.scope.Vault().Remember(secret)
		value = secret
	} else {
		raw, err := eval.Resolve(d.Value, e.scope.Vars())
		if err != nil {
			return failf(d, "resolve %s: %w", d.Key, err)
		}
		value = eval.InferLiteral(raw)
		if value != nil && e.scope.Vault().IsSecretKey(d.Key) {
			e.scope.Vault().Remember(toString(value))
		}
	}

	if d.Key == scope.KeyCwd {
		if err := e.scope.SetCwd(toString(value)); err != nil {
			return failf(d, "%w", err)
		}
		e.emit(trace.EventStateChange, map[string]any{"line": d.Line, "name": scope.KeyCwd, "value": e.scope.RelCwd()})
		return nil
	}

	if err := e.scope.Set(d.Key, value); err != nil {
		return failf(d, "%w", err)
	}
	shown := e.displayValue(d.Key, value)
	if d.Secret != nil {
		shown = scope.Mask
	}
	e.emit(trace.EventStateChange, map[string]any{"line": d.Line, "name": d.Key, "value": shown})
	return nil
}

// displayValue masks values stored under secret-looking names.
func (e *Engine) displayValue(key string, v any) any {
	if v != nil && e.scope.Vault().IsSecretKey(key) {
		return scope.Mask
	}
	return v
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
