package engine

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/ormasoftchile/conductor/pkg/directive"
	"github.com/ormasoftchile/conductor/pkg/recovery"
	"github.com/ormasoftchile/conductor/pkg/trace"
)

// Branch statuses reported in a parallel block's into variable.
const (
	BranchOK        = "ok"
	BranchFailed    = "failed"
	BranchCancelled = "cancelled"
)

type branchOutcome struct {
	status string
	err    error
}

// Parallel runs each branch on a forked scope with at most Workers branches
// at a time. Branch state is never merged back; only the per-branch
// outcomes are stored under Into.
func (e *Engine) Parallel(ctx context.Context, d *directive.Parallel) error {
	workers, _, _ := e.settings()
	if d.Workers > 0 {
		workers = d.Workers
	}

	outcomes := make([]branchOutcome, len(d.Branches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, b := range d.Branches {
		g.Go(func() error {
			if gctx.Err() != nil {
				outcomes[i] = branchOutcome{status: BranchCancelled}
				return nil
			}
			child := e.fork()
			err := unwrapAborted(child.runSequence(gctx, b.Body))
			switch {
			case err == nil:
				outcomes[i] = branchOutcome{status: BranchOK}
			case gctx.Err() != nil && errors.Is(err, gctx.Err()):
				outcomes[i] = branchOutcome{status: BranchCancelled, err: err}
			default:
				outcomes[i] = branchOutcome{status: BranchFailed, err: err}
				e.log.Warn("parallel branch failed", "line", d.Line, "branch", b.Label, "error", err)
				if d.FailFast {
					return err
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	summary := make([]any, len(d.Branches))
	var failures []BranchFailure
	for i, o := range outcomes {
		entry := map[string]any{"branch": i, "label": d.Branches[i].Label, "status": o.status}
		if o.err != nil {
			entry["error"] = o.err.Error()
		}
		summary[i] = entry
		if o.status == BranchFailed {
			failures = append(failures, BranchFailure{Index: i, Label: d.Branches[i].Label, Err: o.err})
		}
	}

	if d.Into != "" {
		if err := e.scope.Set(d.Into, summary); err != nil {
			return failf(d, "store %s: %w", d.Into, err)
		}
		e.emit(trace.EventStateChange, map[string]any{"line": d.Line, "name": d.Into, "value": summary})
	}
	if len(failures) > 0 {
		return &ParallelError{Line: d.Line, Failures: failures}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func unwrapAborted(err error) error {
	for {
		a, ok := err.(*recovery.Aborted)
		if !ok {
			return err
		}
		err = a.Err
	}
}
