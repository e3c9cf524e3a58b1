// Package directive defines the closed set of instructions the engine
// executes. Directives are immutable once compiled from a document.
package directive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ormasoftchile/conductor/pkg/scope"
)

// Kind names a directive variant.
type Kind string

const (
	KindAction      Kind = "action"
	KindState       Kind = "state"
	KindConditional Kind = "conditional"
	KindLoop        Kind = "loop"
	KindFilter      Kind = "filter"
	KindVow         Kind = "vow"
	KindParallel    Kind = "parallel"
	KindMeta        Kind = "meta"
)

// Kinds lists every variant.
var Kinds = []Kind{KindAction, KindState, KindConditional, KindLoop, KindFilter, KindVow, KindParallel, KindMeta}

// Pos locates a directive in its source script.
type Pos struct {
	Line int
	Raw  string
}

// Position returns the source position.
func (p Pos) Position() Pos { return p }

// Directive is one instruction. The set of implementations is closed: only
// this package can add one, and every addition extends Handler.
type Directive interface {
	Kind() Kind
	Position() Pos
	// Accept routes the directive to the matching Handler method.
	Accept(ctx context.Context, h Handler) error
	sealed()
}

// Handler has one method per directive kind. Implementing it is the only
// way to execute directives, so a new kind cannot go unhandled.
type Handler interface {
	Action(ctx context.Context, d *Action) error
	State(ctx context.Context, d *State) error
	Conditional(ctx context.Context, d *Conditional) error
	Loop(ctx context.Context, d *Loop) error
	Filter(ctx context.Context, d *Filter) error
	Vow(ctx context.Context, d *Vow) error
	Parallel(ctx context.Context, d *Parallel) error
	Meta(ctx context.Context, d *Meta) error
}

// Backoff selects the delay growth between retry attempts.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// RetryPolicy re-runs a failing Action before the failure reaches recovery.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     Backoff
	Interval    time.Duration
}

// Delay returns the wait before attempt n (n >= 2).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 2 {
		return 0
	}
	step := n - 1
	switch p.Backoff {
	case BackoffLinear:
		return p.Interval * time.Duration(step)
	case BackoffExponential:
		return p.Interval * time.Duration(1<<uint(min(step-1, 16)))
	default:
		return p.Interval
	}
}

// Action runs a shell command.
type Action struct {
	Pos
	Command      string
	Stdin        []string
	Dir          string
	Env          map[string]string
	Timeout      time.Duration
	CaptureAs    string
	Adjudicate   string // "" or "json"
	AllowFailure bool
	Retry        *RetryPolicy
}

// State assigns a variable. The key "cwd" changes the working directory.
type State struct {
	Pos
	Key    string
	Value  string
	Secret *scope.SecretSource
}

// Branch is one guarded arm of a Conditional.
type Branch struct {
	If   string
	Body []Directive
}

// Conditional runs the first branch whose condition holds, else Else.
type Conditional struct {
	Pos
	Branches []Branch
	Else     []Directive
}

// Loop runs Body once per item of Over, or Times times.
type Loop struct {
	Pos
	Var   string
	Over  string
	Times int
	Body  []Directive
}

// Filter keeps the items of Over that satisfy Where and Glob, stores them in
// Into, and runs Body for each kept item bound to As.
type Filter struct {
	Pos
	Over  string
	As    string
	Where string
	Glob  string
	Into  string
	Body  []Directive
}

// Vow asserts a predicate on the last action result, a variable (Target),
// or the filesystem.
type Vow struct {
	Pos
	Check  string
	Args   []string
	Target string
	Negate bool
}

// ParallelBranch is one concurrently executed sub-sequence.
type ParallelBranch struct {
	Label string
	Body  []Directive
}

// Parallel runs branches concurrently on forked scopes.
type Parallel struct {
	Pos
	Workers  int
	FailFast bool
	Into     string
	Branches []ParallelBranch
}

// MetaOp names a run-wide configuration change.
type MetaOp string

const (
	MetaWatch          MetaOp = "watch"
	MetaUnwatch        MetaOp = "unwatch"
	MetaWorkers        MetaOp = "workers"
	MetaTimeout        MetaOp = "timeout"
	MetaEnv            MetaOp = "env"
	MetaNonInteractive MetaOp = "non_interactive"
)

// MetaOps lists the valid Meta operations.
var MetaOps = []MetaOp{MetaWatch, MetaUnwatch, MetaWorkers, MetaTimeout, MetaEnv, MetaNonInteractive}

// Meta mutates run-wide configuration.
type Meta struct {
	Pos
	Op    MetaOp
	Vow   *Vow
	Key   string
	Value string
}

func (*Action) Kind() Kind      { return KindAction }
func (*State) Kind() Kind       { return KindState }
func (*Conditional) Kind() Kind { return KindConditional }
func (*Loop) Kind() Kind        { return KindLoop }
func (*Filter) Kind() Kind      { return KindFilter }
func (*Vow) Kind() Kind         { return KindVow }
func (*Parallel) Kind() Kind    { return KindParallel }
func (*Meta) Kind() Kind        { return KindMeta }

func (d *Action) Accept(ctx context.Context, h Handler) error      { return h.Action(ctx, d) }
func (d *State) Accept(ctx context.Context, h Handler) error       { return h.State(ctx, d) }
func (d *Conditional) Accept(ctx context.Context, h Handler) error { return h.Conditional(ctx, d) }
func (d *Loop) Accept(ctx context.Context, h Handler) error        { return h.Loop(ctx, d) }
func (d *Filter) Accept(ctx context.Context, h Handler) error      { return h.Filter(ctx, d) }
func (d *Vow) Accept(ctx context.Context, h Handler) error         { return h.Vow(ctx, d) }
func (d *Parallel) Accept(ctx context.Context, h Handler) error    { return h.Parallel(ctx, d) }
func (d *Meta) Accept(ctx context.Context, h Handler) error        { return h.Meta(ctx, d) }

func (*Action) sealed()      {}
func (*State) sealed()       {}
func (*Conditional) sealed() {}
func (*Loop) sealed()        {}
func (*Filter) sealed()      {}
func (*Vow) sealed()         {}
func (*Parallel) sealed()    {}
func (*Meta) sealed()        {}

// Describe returns the source text of d, or a synthesized summary when the
// directive was built without one.
func Describe(d Directive) string {
	if raw := strings.TrimSpace(d.Position().Raw); raw != "" {
		return raw
	}
	switch v := d.(type) {
	case *Action:
		return "$ " + v.Command
	case *State:
		if v.Secret != nil {
			return fmt.Sprintf("%s = secret(%s/%s)", v.Key, v.Secret.Provider, v.Secret.Key)
		}
		return fmt.Sprintf("%s = %s", v.Key, v.Value)
	case *Conditional:
		if len(v.Branches) > 0 {
			return "if " + v.Branches[0].If
		}
		return "if"
	case *Loop:
		if v.Over != "" {
			return fmt.Sprintf("for %s in %s", v.Var, v.Over)
		}
		return fmt.Sprintf("repeat %d", v.Times)
	case *Filter:
		return fmt.Sprintf("filter %s", v.Over)
	case *Vow:
		return strings.TrimSpace(fmt.Sprintf("?? %s %s", v.Check, strings.Join(v.Args, " ")))
	case *Parallel:
		return fmt.Sprintf("parallel(%d branches)", len(v.Branches))
	case *Meta:
		return fmt.Sprintf("@%s", v.Op)
	}
	return string(d.Kind())
}

// Walk calls fn for every directive in list, depth first, including the
// bodies of containers.
func Walk(list []Directive, fn func(Directive)) {
	for _, d := range list {
		fn(d)
		switch v := d.(type) {
		case *Conditional:
			for _, b := range v.Branches {
				Walk(b.Body, fn)
			}
			Walk(v.Else, fn)
		case *Loop:
			Walk(v.Body, fn)
		case *Filter:
			Walk(v.Body, fn)
		case *Parallel:
			for _, b := range v.Branches {
				Walk(b.Body, fn)
			}
		}
	}
}
