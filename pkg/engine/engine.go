// Package engine is the orchestrator: it walks a directive sequence, routes
// each directive to its handler inside the recovery boundary and reports
// every step as an event.
package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ormasoftchile/conductor/pkg/bus"
	"github.com/ormasoftchile/conductor/pkg/directive"
	"github.com/ormasoftchile/conductor/pkg/process"
	"github.com/ormasoftchile/conductor/pkg/recovery"
	"github.com/ormasoftchile/conductor/pkg/scope"
	"github.com/ormasoftchile/conductor/pkg/trace"
)

// Status is the orchestrator state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusDone      Status = "done"
)

// DefaultWorkers bounds parallel branches when nothing else does.
const DefaultWorkers = 4

// Executor runs one process to completion. *process.Runner implements it;
// tests substitute fakes.
type Executor interface {
	Run(ctx context.Context, spec process.Spec, timeout time.Duration) (*process.Result, error)
}

// Config wires an Engine to its collaborators. Only Scope is required.
type Config struct {
	RunID    string
	Scope    *scope.Scope
	Executor Executor        // default: process.NewRunner(Logger)
	Trace    *trace.Writer   // nil: events go to the bus only
	Bus      *bus.Bus        // nil: no live observers
	Redactor *scope.Redactor // masks bus payloads when Trace is nil

	Workers        int
	DefaultTimeout time.Duration
	Env            map[string]string
	NonInteractive bool

	// Recovery collaborators. A nil Decider aborts on the first failure.
	Decider   recovery.Decider
	Keeper    *recovery.ArtifactKeeper
	Shell     recovery.ShellOpener
	Diagnoser recovery.Diagnoser
	Render    func(markdown string) (string, error)
	Out       io.Writer

	Logger *slog.Logger
}

// Skipped records a failure the operator chose to step over.
type Skipped struct {
	Kind directive.Kind
	Line int
	Err  error
}

// RunResult is the outcome of Engine.Run.
type RunResult struct {
	Success  bool
	Executed int
	Skipped  []Skipped
	Err      error // the failure that ended the run
	Duration time.Duration
}

// Engine executes directives against one scope. Parallel branches run on
// child engines created by fork.
type Engine struct {
	cfg     Config
	scope   *scope.Scope
	exec    Executor
	manager *recovery.Manager
	log     *slog.Logger

	// detached engines run branch bodies: in-flight processes survive
	// cancellation so a branch stops at its next directive boundary.
	detached bool

	status   atomic.Value // Status
	executed atomic.Int64

	mu      sync.Mutex
	skipped []Skipped
	watches []watch
	workers int
	timeout time.Duration
	env     map[string]string
}

type watch struct {
	name string
	vow  *directive.Vow
}

// New creates an engine.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Executor == nil {
		cfg.Executor = process.NewRunner(cfg.Logger)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	env := make(map[string]string, len(cfg.Env))
	for k, v := range cfg.Env {
		env[k] = v
	}

	e := &Engine{
		cfg:     cfg,
		scope:   cfg.Scope,
		exec:    cfg.Executor,
		log:     cfg.Logger,
		workers: workers,
		timeout: cfg.DefaultTimeout,
		env:     env,
	}
	e.status.Store(StatusRunning)
	e.manager = &recovery.Manager{
		Keeper:    cfg.Keeper,
		Decider:   cfg.Decider,
		Shell:     cfg.Shell,
		Diagnoser: cfg.Diagnoser,
		Redactor:  cfg.Redactor,
		Out:       cfg.Out,
		Render:    cfg.Render,
		Logger:    cfg.Logger,
		OnFailure: e.onFailure,
		OnSuspend: func(waiting bool) {
			if waiting {
				e.status.Store(StatusSuspended)
			} else {
				e.status.Store(StatusRunning)
			}
		},
	}
	e.manager.SetNonInteractive(cfg.NonInteractive)
	return e
}

// Status returns the orchestrator state.
func (e *Engine) Status() Status { return e.status.Load().(Status) }

// Scope returns the execution context.
func (e *Engine) Scope() *scope.Scope { return e.scope }

// Run executes list in order. It returns when every directive succeeded or
// was skipped, or when a failure was aborted.
func (e *Engine) Run(ctx context.Context, list []directive.Directive) *RunResult {
	start := time.Now()
	e.status.Store(StatusRunning)
	e.emit(trace.EventStart, map[string]any{
		"run_id":       e.cfg.RunID,
		"directives":   len(list),
		"project_root": e.scope.ProjectRoot(),
	})

	err := unwrapAborted(e.runSequence(ctx, list))

	res := &RunResult{
		Success:  err == nil,
		Executed: int(e.executed.Load()),
		Skipped:  e.Skips(),
		Err:      err,
		Duration: time.Since(start),
	}
	end := map[string]any{
		"success":  res.Success,
		"executed": res.Executed,
		"skipped":  len(res.Skipped),
		"duration": res.Duration.Seconds(),
	}
	if err != nil {
		end["error"] = err.Error()
	}
	e.emit(trace.EventEnd, end)
	e.status.Store(StatusDone)
	return res
}

// Skips returns the failures skipped so far.
func (e *Engine) Skips() []Skipped {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Skipped(nil), e.skipped...)
}

// runSequence is the orchestrator loop. Nested bodies run through it too,
// so every directive at every depth has its own boundary.
func (e *Engine) runSequence(ctx context.Context, list []directive.Directive) error {
	for i := 0; i < len(list); {
		if err := ctx.Err(); err != nil {
			return &recovery.Aborted{Err: err}
		}
		d := list[i]
		choice, err := e.manager.Boundary(ctx, recovery.Attempt{Directive: d, Scope: e.scope}, func(ctx context.Context) error {
			if err := d.Accept(ctx, e); err != nil {
				return err
			}
			if d.Kind() == directive.KindMeta {
				return nil
			}
			return e.checkWatches()
		})
		switch choice {
		case recovery.ChoiceNone:
			e.executed.Add(1)
			i++
		case recovery.ChoiceRetry:
			e.log.Info("retrying directive", "kind", d.Kind(), "line", d.Position().Line)
		case recovery.ChoiceSkip:
			e.log.Info("skipping directive", "kind", d.Kind(), "line", d.Position().Line, "error", err)
			e.mu.Lock()
			e.skipped = append(e.skipped, Skipped{Kind: d.Kind(), Line: d.Position().Line, Err: err})
			e.mu.Unlock()
			i++
		default:
			if recovery.IsAborted(err) {
				return err
			}
			return &recovery.Aborted{Err: err}
		}
	}
	return nil
}

// fork returns a child engine for a parallel branch: forked scope, shared
// event sinks, no operator interaction.
func (e *Engine) fork() *Engine {
	e.mu.Lock()
	env := make(map[string]string, len(e.env))
	for k, v := range e.env {
		env[k] = v
	}
	watches := append([]watch(nil), e.watches...)
	workers, timeout := e.workers, e.timeout
	e.mu.Unlock()

	child := &Engine{
		cfg:      e.cfg,
		scope:    e.scope.Fork(),
		exec:     e.exec,
		log:      e.log,
		detached: true,
		watches:  watches,
		workers:  workers,
		timeout:  timeout,
		env:      env,
	}
	child.status.Store(StatusRunning)
	child.manager = &recovery.Manager{Logger: e.log}
	child.manager.SetNonInteractive(true)
	return child
}

func (e *Engine) onFailure(fc *recovery.FailureContext) {
	data := map[string]any{
		"line":  fc.Directive.Position().Line,
		"kind":  string(fc.Directive.Kind()),
		"error": fc.Err.Error(),
		"fatal": fc.Fatal,
	}
	if fc.Artifact != "" {
		data["artifact"] = fc.Artifact
	}
	if fc.Result != nil {
		data["return_code"] = fc.Result.ReturnCode
	}
	e.emit(trace.EventFailure, data)
}

// emit writes a persisted event to the log and publishes every event on
// the bus. Log write failures are reported but never stop the run.
func (e *Engine) emit(t trace.EventType, data map[string]any) {
	var evt trace.Event
	if e.cfg.Trace != nil && t.Persisted() {
		var err error
		evt, err = e.cfg.Trace.Emit(t, data)
		if err != nil {
			e.log.Error("event log write failed", "event", t, "error", err)
		}
	} else {
		if e.cfg.Redactor != nil {
			data = e.cfg.Redactor.Map(data)
		}
		evt = trace.Event{Type: t, Data: data, Timestamp: trace.Timestamp(time.Now())}
	}
	if e.cfg.Bus != nil {
		e.cfg.Bus.Publish(evt)
	}
}

func (e *Engine) settings() (workers int, timeout time.Duration, env map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	env = make(map[string]string, len(e.env))
	for k, v := range e.env {
		env[k] = v
	}
	return e.workers, e.timeout, env
}
