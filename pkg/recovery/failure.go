// Package recovery wraps directive execution in a failure boundary. A
// failure produces a crash artifact and an operator decision: retry, skip,
// abort, or a detour through a shell or a diagnosis before deciding.
package recovery

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ormasoftchile/conductor/pkg/directive"
	"github.com/ormasoftchile/conductor/pkg/process"
)

// Choice is an operator decision.
type Choice string

const (
	ChoiceNone     Choice = ""
	ChoiceRetry    Choice = "retry"
	ChoiceSkip     Choice = "skip"
	ChoiceAbort    Choice = "abort"
	ChoiceShell    Choice = "shell"
	ChoiceDiagnose Choice = "diagnose"
)

// Resumes reports whether the orchestrator continues after c.
func (c Choice) Resumes() bool { return c == ChoiceRetry || c == ChoiceSkip }

// FailureContext is the immutable picture of one failure.
type FailureContext struct {
	Directive directive.Directive
	Err       error
	Stack     string
	Vars      map[string]any // redacted snapshot
	Cwd       string
	Timestamp time.Time
	Result    *process.Result // last action result, if any
	Fatal     bool            // engine fault; never offered to the operator
	Artifact  string          // crash artifact path, once written
}

// Fault marks an engine invariant violation. Faults are always fatal.
type Fault struct {
	Err   error
	Stack string
}

func (f *Fault) Error() string { return "engine fault: " + f.Err.Error() }
func (f *Fault) Unwrap() error { return f.Err }

// NewFault wraps err as an engine fault.
func NewFault(err error) *Fault { return &Fault{Err: err} }

// Faultf formats an engine fault.
func Faultf(format string, args ...any) *Fault {
	return &Fault{Err: fmt.Errorf(format, args...)}
}

// IsFault reports whether err is, or wraps, an engine fault.
func IsFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}

// Aborted wraps a failure whose run was already terminated by a decision
// further down. Enclosing boundaries pass it through untouched.
type Aborted struct {
	Err error
}

func (a *Aborted) Error() string { return a.Err.Error() }
func (a *Aborted) Unwrap() error { return a.Err }

// IsAborted reports whether err carries an abort decision.
func IsAborted(err error) bool {
	var a *Aborted
	return errors.As(err, &a)
}

// resultCarrier is implemented by errors that know which process result
// caused them.
type resultCarrier interface {
	ActionResult() *process.Result
}

func resultOf(err error) *process.Result {
	var rc resultCarrier
	if errors.As(err, &rc) {
		return rc.ActionResult()
	}
	return nil
}

// traceback renders the error chain, innermost last, followed by a stack
// when one was captured.
func traceback(err error, stack string) string {
	var b strings.Builder
	for depth := 0; err != nil; depth++ {
		if depth > 0 {
			b.WriteString("\n")
			b.WriteString(strings.Repeat("  ", depth))
			b.WriteString("caused by: ")
		}
		fmt.Fprintf(&b, "%T: %v", err, err)
		err = errors.Unwrap(err)
	}
	if stack != "" {
		b.WriteString("\n\n")
		b.WriteString(stack)
	}
	return b.String()
}
