package engine

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ormasoftchile/conductor/pkg/directive"
	"github.com/ormasoftchile/conductor/pkg/eval"
	"github.com/ormasoftchile/conductor/pkg/process"
	"github.com/ormasoftchile/conductor/pkg/trace"
)

var _ directive.Handler = (*Engine)(nil)

// outputTail bounds the output carried in ACTION_END events.
const outputTail = 4096

// Action runs a command through the executor, retrying per its policy.
func (e *Engine) Action(ctx context.Context, d *directive.Action) error {
	vars := e.scope.Vars()
	command, err := eval.Resolve(d.Command, vars)
	if err != nil {
		return failf(d, "resolve command: %w", err)
	}
	stdin, err := eval.ResolveAll(d.Stdin, vars)
	if err != nil {
		return failf(d, "resolve stdin: %w", err)
	}
	localEnv, err := eval.ResolveMap(d.Env, vars)
	if err != nil {
		return failf(d, "resolve env: %w", err)
	}

	dir := e.scope.Cwd()
	if d.Dir != "" {
		rd, err := eval.Resolve(d.Dir, vars)
		if err != nil {
			return failf(d, "resolve dir: %w", err)
		}
		dir = e.scope.Resolve(rd)
	}

	_, timeout, env := e.settings()
	if d.Timeout > 0 {
		timeout = d.Timeout
	}
	for k, v := range localEnv {
		env[k] = v
	}

	attempts := 1
	if d.Retry != nil && d.Retry.MaxAttempts > 1 {
		attempts = d.Retry.MaxAttempts
	}

	spec := process.Spec{
		Command: command,
		Dir:     dir,
		Env:     mergeEnv(os.Environ(), env),
		Stdin:   stdin,
		OnLine: func(l process.Line) {
			e.emit(trace.EventOutput, map[string]any{"line": d.Line, "stream": string(l.Stream), "text": l.Text})
		},
	}

	runCtx := ctx
	if e.detached {
		runCtx = context.WithoutCancel(ctx)
	}

	var res *process.Result
	for attempt := 1; ; attempt++ {
		e.emit(trace.EventActionStart, map[string]any{
			"line":    d.Line,
			"command": command,
			"rel_cwd": e.relDir(dir),
			"stdin":   stdin,
			"attempt": attempt,
		})
		res, err = e.exec.Run(runCtx, spec, timeout)
		if err != nil && res == nil {
			e.emit(trace.EventActionEnd, map[string]any{"line": d.Line, "command": command, "error": err.Error(), "attempt": attempt})
			return failf(d, "run %q: %w", command, err)
		}
		e.scope.SetLastResult(res)
		e.emit(trace.EventActionEnd, map[string]any{
			"line":        d.Line,
			"command":     command,
			"return_code": res.ReturnCode,
			"duration":    res.Duration.Seconds(),
			"terminated":  res.Terminated,
			"output":      tail(res.Output, outputTail),
			"attempt":     attempt,
		})

		if res.Success() || (d.AllowFailure && !res.Terminated) {
			break
		}
		if attempt >= attempts || ctx.Err() != nil {
			return &DirectiveError{Kind: d.Kind(), Line: d.Line, Err: exitErr(res, timeout), Result: res}
		}
		delay := d.Retry.Delay(attempt + 1)
		e.log.Info("action failed, retrying", "line", d.Line, "attempt", attempt, "of", attempts, "delay", delay)
		if err := sleep(ctx, delay); err != nil {
			return &DirectiveError{Kind: d.Kind(), Line: d.Line, Err: err, Result: res}
		}
	}

	if d.CaptureAs != "" {
		return e.capture(d, res)
	}
	return nil
}

func (e *Engine) capture(d *directive.Action, res *process.Result) error {
	text := strings.TrimSpace(eval.StripANSI(res.Output))
	var value any = text
	if d.Adjudicate == "json" {
		parsed, ok := eval.ParseJSON(text)
		if !ok {
			return &DirectiveError{Kind: d.Kind(), Line: d.Line, Err: fmt.Errorf("capture %s: output is not JSON", d.CaptureAs), Result: res}
		}
		value = parsed
	}
	if err := e.scope.Set(d.CaptureAs, value); err != nil {
		return failf(d, "capture %s: %w", d.CaptureAs, err)
	}
	e.emit(trace.EventStateChange, map[string]any{"line": d.Line, "name": d.CaptureAs, "value": e.displayValue(d.CaptureAs, value)})
	return nil
}

func exitErr(res *process.Result, timeout time.Duration) error {
	if res.Terminated {
		if timeout > 0 && res.Duration >= timeout {
			return fmt.Errorf("%q timed out after %s", res.Command, timeout)
		}
		return fmt.Errorf("%q was terminated", res.Command)
	}
	return fmt.Errorf("%q exited with status %d", res.Command, res.ReturnCode)
}

// relDir renders dir relative to the project root, the form replay uses.
func (e *Engine) relDir(dir string) string {
	if dir == e.scope.Cwd() {
		return e.scope.RelCwd()
	}
	root := e.scope.ProjectRoot()
	if rel, ok := strings.CutPrefix(dir, root); ok {
		rel = strings.TrimLeft(rel, `/\`)
		if rel == "" {
			return "."
		}
		return strings.ReplaceAll(rel, `\`, "/")
	}
	return dir
}

// mergeEnv overlays vars on base, replacing existing entries.
func mergeEnv(base []string, vars map[string]string) []string {
	if len(vars) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(vars))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := vars[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
