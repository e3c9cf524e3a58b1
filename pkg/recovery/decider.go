package recovery

import (
	"context"
	"sync"

	"github.com/ormasoftchile/conductor/pkg/directive"
)

// FixedPolicy answers without asking anyone. Each directive is retried up
// to Retries times, after which Fallback is returned.
type FixedPolicy struct {
	Fallback Choice
	Retries  int

	mu    sync.Mutex
	tries map[directive.Directive]int
}

// AlwaysAbort ends the run on the first failure.
func AlwaysAbort() *FixedPolicy { return &FixedPolicy{Fallback: ChoiceAbort} }

// AlwaysSkip records every failure and moves on.
func AlwaysSkip() *FixedPolicy { return &FixedPolicy{Fallback: ChoiceSkip} }

// RetryThen retries each failing directive n times before falling back.
func RetryThen(n int, fallback Choice) *FixedPolicy {
	return &FixedPolicy{Fallback: fallback, Retries: n}
}

// Decide implements Decider.
func (p *FixedPolicy) Decide(_ context.Context, fc *FailureContext) (Choice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tries == nil {
		p.tries = make(map[directive.Directive]int)
	}
	if p.tries[fc.Directive] < p.Retries {
		p.tries[fc.Directive]++
		return ChoiceRetry, nil
	}
	delete(p.tries, fc.Directive)
	if p.Fallback == ChoiceNone {
		return ChoiceAbort, nil
	}
	return p.Fallback, nil
}
