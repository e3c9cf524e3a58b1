package directive

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/conductor/pkg/scope"
)

// DocumentVersion is the only accepted document version.
const DocumentVersion = "conductor/v1"

// Document is the materialized form of a workflow script as produced by
// the external parser.
type Document struct {
	Version    string         `yaml:"version" json:"version" jsonschema:"required,enum=conductor/v1"`
	Name       string         `yaml:"name,omitempty" json:"name,omitempty"`
	Vars       map[string]any `yaml:"vars,omitempty" json:"vars,omitempty"`
	Directives []Spec         `yaml:"directives" json:"directives" jsonschema:"required"`
}

// Spec is the wire form of a directive: one flat record whose Kind selects
// which fields apply.
type Spec struct {
	Kind Kind   `yaml:"kind" json:"kind" jsonschema:"required,enum=action,enum=state,enum=conditional,enum=loop,enum=filter,enum=vow,enum=parallel,enum=meta"`
	Line int    `yaml:"line,omitempty" json:"line,omitempty" jsonschema:"minimum=0"`
	Raw  string `yaml:"raw,omitempty" json:"raw,omitempty"`

	// action
	Command      string            `yaml:"command,omitempty" json:"command,omitempty"`
	Stdin        []string          `yaml:"stdin,omitempty" json:"stdin,omitempty"`
	Dir          string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	Env          map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Timeout      string            `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"description=Go duration, e.g. 30s"`
	CaptureAs    string            `yaml:"capture_as,omitempty" json:"capture_as,omitempty"`
	Adjudicate   string            `yaml:"adjudicate,omitempty" json:"adjudicate,omitempty" jsonschema:"enum=text,enum=json"`
	AllowFailure bool              `yaml:"allow_failure,omitempty" json:"allow_failure,omitempty"`
	Retry        *RetrySpec        `yaml:"retry,omitempty" json:"retry,omitempty"`

	// state
	Key    string              `yaml:"key,omitempty" json:"key,omitempty"`
	Value  string              `yaml:"value,omitempty" json:"value,omitempty"`
	Secret *scope.SecretSource `yaml:"secret,omitempty" json:"secret,omitempty"`

	// conditional / parallel
	Branches []BranchSpec `yaml:"branches,omitempty" json:"branches,omitempty"`
	Else     []Spec       `yaml:"else,omitempty" json:"else,omitempty"`

	// loop / filter
	Var   string `yaml:"var,omitempty" json:"var,omitempty"`
	Over  string `yaml:"over,omitempty" json:"over,omitempty"`
	Times int    `yaml:"times,omitempty" json:"times,omitempty" jsonschema:"minimum=0"`
	As    string `yaml:"as,omitempty" json:"as,omitempty"`
	Where string `yaml:"where,omitempty" json:"where,omitempty"`
	Glob  string `yaml:"glob,omitempty" json:"glob,omitempty"`
	Into  string `yaml:"into,omitempty" json:"into,omitempty"`
	Body  []Spec `yaml:"body,omitempty" json:"body,omitempty"`

	// vow
	Check  string   `yaml:"check,omitempty" json:"check,omitempty"`
	Args   []string `yaml:"args,omitempty" json:"args,omitempty"`
	Target string   `yaml:"target,omitempty" json:"target,omitempty"`
	Negate bool     `yaml:"negate,omitempty" json:"negate,omitempty"`

	// parallel
	Workers  int  `yaml:"workers,omitempty" json:"workers,omitempty" jsonschema:"minimum=0"`
	FailFast bool `yaml:"fail_fast,omitempty" json:"fail_fast,omitempty"`

	// meta
	Op  MetaOp `yaml:"op,omitempty" json:"op,omitempty" jsonschema:"enum=watch,enum=unwatch,enum=workers,enum=timeout,enum=env,enum=non_interactive"`
	Vow *Spec  `yaml:"vow,omitempty" json:"vow,omitempty"`
}

// BranchSpec is a Conditional arm (If) or a Parallel branch (Label).
type BranchSpec struct {
	If    string `yaml:"if,omitempty" json:"if,omitempty"`
	Label string `yaml:"label,omitempty" json:"label,omitempty"`
	Body  []Spec `yaml:"body" json:"body"`
}

// RetrySpec is the wire form of RetryPolicy.
type RetrySpec struct {
	MaxAttempts int     `yaml:"max_attempts" json:"max_attempts" jsonschema:"minimum=1"`
	Backoff     Backoff `yaml:"backoff,omitempty" json:"backoff,omitempty" jsonschema:"enum=fixed,enum=linear,enum=exponential"`
	Interval    string  `yaml:"interval,omitempty" json:"interval,omitempty"`
}

// LoadFile reads and structurally decodes a directive document.
func LoadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load decodes a YAML (or JSON) document, rejecting unknown fields.
func Load(r io.Reader) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("structural decode: %w", err)
	}
	normalize(doc.Directives, new(int))
	return &doc, nil
}

// normalize gives directives without a source line a sequential one, so
// crash artifacts and events can still point at them, and fills the implied
// kind of watched vows.
func normalize(specs []Spec, next *int) {
	for i := range specs {
		s := &specs[i]
		*next++
		if s.Line == 0 {
			s.Line = *next
		} else if s.Line > *next {
			*next = s.Line
		}
		if s.Vow != nil && s.Vow.Kind == "" {
			s.Vow.Kind = KindVow
		}
		for j := range s.Branches {
			normalize(s.Branches[j].Body, next)
		}
		normalize(s.Else, next)
		normalize(s.Body, next)
	}
}

// Compile converts the wire form into immutable directives.
func (doc *Document) Compile() ([]Directive, error) {
	return compileList(doc.Directives, "directives")
}

func compileList(specs []Spec, path string) ([]Directive, error) {
	out := make([]Directive, 0, len(specs))
	for i := range specs {
		d, err := specs[i].compile(fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Compile converts a single spec.
func (s *Spec) Compile() (Directive, error) {
	return s.compile(string(s.Kind))
}

func (s *Spec) compile(path string) (Directive, error) {
	pos := Pos{Line: s.Line, Raw: s.Raw}
	fail := func(format string, args ...any) (Directive, error) {
		return nil, fmt.Errorf("%s (line %d): %s", path, s.Line, fmt.Sprintf(format, args...))
	}

	switch s.Kind {
	case KindAction:
		a := &Action{
			Pos:          pos,
			Command:      s.Command,
			Stdin:        s.Stdin,
			Dir:          s.Dir,
			Env:          s.Env,
			CaptureAs:    s.CaptureAs,
			Adjudicate:   s.Adjudicate,
			AllowFailure: s.AllowFailure,
		}
		if a.Adjudicate == "text" {
			a.Adjudicate = ""
		}
		if s.Timeout != "" {
			d, err := time.ParseDuration(s.Timeout)
			if err != nil {
				return fail("timeout: %v", err)
			}
			a.Timeout = d
		}
		if s.Retry != nil {
			p := &RetryPolicy{MaxAttempts: s.Retry.MaxAttempts, Backoff: s.Retry.Backoff}
			if p.Backoff == "" {
				p.Backoff = BackoffFixed
			}
			if s.Retry.Interval != "" {
				d, err := time.ParseDuration(s.Retry.Interval)
				if err != nil {
					return fail("retry interval: %v", err)
				}
				p.Interval = d
			}
			a.Retry = p
		}
		return a, nil

	case KindState:
		return &State{Pos: pos, Key: s.Key, Value: s.Value, Secret: s.Secret}, nil

	case KindConditional:
		c := &Conditional{Pos: pos}
		for i, b := range s.Branches {
			body, err := compileList(b.Body, fmt.Sprintf("%s.branches[%d].body", path, i))
			if err != nil {
				return nil, err
			}
			c.Branches = append(c.Branches, Branch{If: b.If, Body: body})
		}
		els, err := compileList(s.Else, path+".else")
		if err != nil {
			return nil, err
		}
		c.Else = els
		return c, nil

	case KindLoop:
		body, err := compileList(s.Body, path+".body")
		if err != nil {
			return nil, err
		}
		return &Loop{Pos: pos, Var: s.Var, Over: s.Over, Times: s.Times, Body: body}, nil

	case KindFilter:
		body, err := compileList(s.Body, path+".body")
		if err != nil {
			return nil, err
		}
		return &Filter{Pos: pos, Over: s.Over, As: s.As, Where: s.Where, Glob: s.Glob, Into: s.Into, Body: body}, nil

	case KindVow:
		return &Vow{Pos: pos, Check: s.Check, Args: s.Args, Target: s.Target, Negate: s.Negate}, nil

	case KindParallel:
		p := &Parallel{Pos: pos, Workers: s.Workers, FailFast: s.FailFast, Into: s.Into}
		for i, b := range s.Branches {
			body, err := compileList(b.Body, fmt.Sprintf("%s.branches[%d].body", path, i))
			if err != nil {
				return nil, err
			}
			label := b.Label
			if label == "" {
				label = fmt.Sprintf("branch-%d", i+1)
			}
			p.Branches = append(p.Branches, ParallelBranch{Label: label, Body: body})
		}
		return p, nil

	case KindMeta:
		m := &Meta{Pos: pos, Op: s.Op, Key: s.Key, Value: s.Value}
		if s.Vow != nil {
			inner := *s.Vow
			if inner.Kind == "" {
				inner.Kind = KindVow
			}
			if inner.Line == 0 {
				inner.Line = s.Line
			}
			d, err := inner.compile(path + ".vow")
			if err != nil {
				return nil, err
			}
			v, ok := d.(*Vow)
			if !ok {
				return fail("watch target must be a vow, got %s", d.Kind())
			}
			m.Vow = v
		}
		return m, nil
	}
	return fail("unknown directive kind %q", s.Kind)
}
