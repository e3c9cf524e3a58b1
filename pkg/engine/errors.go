package engine

import (
	"fmt"
	"strings"

	"github.com/ormasoftchile/conductor/pkg/assertions"
	"github.com/ormasoftchile/conductor/pkg/directive"
	"github.com/ormasoftchile/conductor/pkg/process"
	"github.com/ormasoftchile/conductor/pkg/recovery"
)

// FaultError is an engine invariant violation. It is never offered to the
// operator.
type FaultError = recovery.Fault

// DirectiveError is a recoverable directive failure: a non-zero exit, a
// bad expression, a missing variable.
type DirectiveError struct {
	Kind   directive.Kind
	Line   int
	Err    error
	Result *process.Result
}

func (e *DirectiveError) Error() string {
	return fmt.Sprintf("%s (line %d): %v", e.Kind, e.Line, e.Err)
}

func (e *DirectiveError) Unwrap() error { return e.Err }

// ActionResult exposes the failing process result to the recovery boundary.
func (e *DirectiveError) ActionResult() *process.Result { return e.Result }

func failf(d directive.Directive, format string, args ...any) *DirectiveError {
	return &DirectiveError{Kind: d.Kind(), Line: d.Position().Line, Err: fmt.Errorf(format, args...)}
}

// VowError reports a vow that did not hold.
type VowError struct {
	Line       int
	Verdict    *assertions.Result
	Background bool // raised by a watch
	Result     *process.Result
}

func (e *VowError) Error() string {
	prefix := "vow"
	if e.Background {
		prefix = "watched vow"
	}
	return fmt.Sprintf("%s %s (line %d) broken: %s", prefix, e.Verdict.Check, e.Line, e.Verdict.Message)
}

// ActionResult exposes the result the vow inspected.
func (e *VowError) ActionResult() *process.Result { return e.Result }

// BranchFailure is one failed branch of a parallel block.
type BranchFailure struct {
	Index int
	Label string
	Err   error
}

// ParallelError aggregates the failures of a parallel block that was not
// fail-fast, or the failures observed before a fail-fast block stopped.
type ParallelError struct {
	Line     int
	Failures []BranchFailure
}

func (e *ParallelError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "parallel (line %d): %d branch(es) failed", e.Line, len(e.Failures))
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "\n  [%d %s] %v", f.Index, f.Label, f.Err)
	}
	return b.String()
}

func (e *ParallelError) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Err
	}
	return out
}
