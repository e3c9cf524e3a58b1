package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/ormasoftchile/conductor/pkg/directive"
	"github.com/ormasoftchile/conductor/pkg/scope"
)

// Decider picks what happens after a failure.
type Decider interface {
	Decide(ctx context.Context, fc *FailureContext) (Choice, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, fc *FailureContext) (Choice, error)

func (f DeciderFunc) Decide(ctx context.Context, fc *FailureContext) (Choice, error) {
	return f(ctx, fc)
}

// ShellOpener hands the terminal to the operator and returns when the
// shell exits.
type ShellOpener interface {
	Open(ctx context.Context, fc *FailureContext) error
}

// Diagnoser produces a markdown advisory for a failure.
type Diagnoser interface {
	Diagnose(ctx context.Context, fc *FailureContext) (string, error)
}

// Attempt is one execution of a directive inside the boundary.
type Attempt struct {
	Directive directive.Directive
	Scope     *scope.Scope
}

// Manager is the failure boundary around every directive.
type Manager struct {
	Keeper         *ArtifactKeeper // nil disables crash artifacts
	Decider        Decider         // nil aborts on every failure
	Shell          ShellOpener
	Diagnoser      Diagnoser
	Redactor       *scope.Redactor
	Out            io.Writer // diagnosis output; default stderr
	Logger         *slog.Logger

	// OnFailure observes every failure once its artifact is written.
	OnFailure func(fc *FailureContext)
	// OnSuspend is called with true while waiting for the operator and
	// with false once execution resumes.
	OnSuspend func(waiting bool)
	// Render turns diagnosis markdown into terminal text.
	Render func(markdown string) (string, error)

	// nonInteractive is toggled by meta directives while a boundary on
	// another goroutine may be reading it.
	nonInteractive atomic.Bool
}

// SetNonInteractive makes every later failure abort without consulting
// the Decider.
func (m *Manager) SetNonInteractive(on bool) { m.nonInteractive.Store(on) }

// NonInteractive reports whether failures abort without a prompt.
func (m *Manager) NonInteractive() bool { return m.nonInteractive.Load() }

func (m *Manager) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

// Boundary runs fn and reacts to its failure. It returns ChoiceNone and a
// nil error on success. Otherwise the error is the failure and the choice
// says how the orchestrator proceeds: Retry and Skip resume, Abort ends the
// run.
func (m *Manager) Boundary(ctx context.Context, a Attempt, fn func(ctx context.Context) error) (Choice, error) {
	err := protect(ctx, fn)
	if err == nil {
		return ChoiceNone, nil
	}
	if IsAborted(err) {
		return ChoiceAbort, err
	}

	fc := m.capture(a, err)
	log := m.logger().With("kind", a.Directive.Kind(), "line", a.Directive.Position().Line)
	if m.Keeper != nil {
		path, werr := m.Keeper.Write(fc)
		if werr != nil {
			log.Warn("crash artifact not written", "error", werr)
		} else {
			fc.Artifact = path
		}
	}
	if m.OnFailure != nil {
		m.OnFailure(fc)
	}

	switch {
	case fc.Fatal:
		log.Error("engine fault", "error", err)
		return ChoiceAbort, err
	case m.NonInteractive() || m.Decider == nil:
		return ChoiceAbort, err
	case ctx.Err() != nil:
		return ChoiceAbort, err
	}

	m.suspend(true)
	defer m.suspend(false)
	for {
		choice, derr := m.Decider.Decide(ctx, fc)
		if derr != nil {
			log.Warn("recovery decision failed", "error", derr)
			return ChoiceAbort, err
		}
		log.Debug("recovery decision", "choice", choice)
		switch choice {
		case ChoiceRetry, ChoiceSkip, ChoiceAbort:
			return choice, err
		case ChoiceShell:
			m.openShell(ctx, fc, log)
		case ChoiceDiagnose:
			m.diagnose(ctx, fc, log)
		default:
			log.Warn("unknown recovery choice", "choice", choice)
		}
		if ctx.Err() != nil {
			return ChoiceAbort, err
		}
	}
}

func (m *Manager) suspend(waiting bool) {
	if m.OnSuspend != nil {
		m.OnSuspend(waiting)
	}
}

func (m *Manager) capture(a Attempt, err error) *FailureContext {
	fc := &FailureContext{
		Directive: a.Directive,
		Err:       err,
		Timestamp: time.Now(),
		Result:    resultOf(err),
		Fatal:     IsFault(err),
	}
	var f *Fault
	if errors.As(err, &f) {
		fc.Stack = f.Stack
	}
	if a.Scope != nil {
		vars := a.Scope.Snapshot()
		if m.Redactor != nil {
			vars = m.Redactor.Map(vars)
		}
		fc.Vars = vars
		fc.Cwd = a.Scope.Cwd()
		if fc.Result == nil {
			fc.Result = a.Scope.LastResult()
		}
	}
	return fc
}

func (m *Manager) openShell(ctx context.Context, fc *FailureContext, log *slog.Logger) {
	if m.Shell == nil {
		log.Warn("no shell available")
		return
	}
	if err := m.Shell.Open(ctx, fc); err != nil {
		log.Warn("shell exited with error", "error", err)
	}
}

func (m *Manager) diagnose(ctx context.Context, fc *FailureContext, log *slog.Logger) {
	if m.Diagnoser == nil {
		log.Warn("no diagnoser configured")
		return
	}
	md, err := m.Diagnoser.Diagnose(ctx, fc)
	if err != nil {
		log.Warn("diagnosis failed", "error", err)
		return
	}
	text := md
	if m.Render != nil {
		if rendered, rerr := m.Render(md); rerr == nil {
			text = rendered
		}
	}
	out := m.Out
	if out == nil {
		out = os.Stderr
	}
	fmt.Fprintln(out, text)
}

// protect runs fn, converting a panic into a Fault.
func protect(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Fault{Err: fmt.Errorf("panic: %v", r), Stack: string(debug.Stack())}
		}
	}()
	return fn(ctx)
}
