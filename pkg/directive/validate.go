package directive

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ormasoftchile/conductor/pkg/assertions"
)

// ValidationError is one problem found in a document.
type ValidationError struct {
	Phase   string `json:"phase"` // structural, semantic, domain
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("[%s] %s", e.Phase, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// ValidateFile runs the full pipeline on a document file: strict decode,
// schema validation, then domain rules.
func ValidateFile(path string) (*Document, []*ValidationError) {
	doc, err := LoadFile(path)
	if err != nil {
		return nil, []*ValidationError{{Phase: "structural", Message: err.Error()}}
	}
	return doc, Validate(doc)
}

// Validate checks a decoded document against the schema and domain rules.
func Validate(doc *Document) []*ValidationError {
	errs := validateSemantic(doc)
	if doc.Version != DocumentVersion && len(errs) == 0 {
		errs = append(errs, &ValidationError{Phase: "semantic", Path: "version", Message: fmt.Sprintf("unsupported version %q, want %s", doc.Version, DocumentVersion)})
	}
	errs = append(errs, validateDomain(doc.Directives, "directives")...)
	return errs
}

var (
	compiledOnce sync.Once
	compiled     *sjsonschema.Schema
	compileErr   error
)

func documentSchema() (*sjsonschema.Schema, error) {
	compiledOnce.Do(func() {
		schemaJSON, err := GenerateJSONSchema()
		if err != nil {
			compileErr = err
			return
		}
		var schemaDoc any
		if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
			compileErr = fmt.Errorf("unmarshal schema: %w", err)
			return
		}
		c := sjsonschema.NewCompiler()
		if err := c.AddResource("conductor-v1.json", schemaDoc); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiled, compileErr = c.Compile("conductor-v1.json")
	})
	return compiled, compileErr
}

func validateSemantic(doc *Document) []*ValidationError {
	semantic := func(format string, args ...any) []*ValidationError {
		return []*ValidationError{{Phase: "semantic", Message: fmt.Sprintf(format, args...)}}
	}

	sch, err := documentSchema()
	if err != nil {
		return semantic("compile schema: %v", err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return semantic("marshal for schema validation: %v", err)
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return semantic("unmarshal document: %v", err)
	}

	if err := sch.Validate(instance); err != nil {
		ve, ok := err.(*sjsonschema.ValidationError)
		if !ok {
			return semantic("%v", err)
		}
		var errs []*ValidationError
		for _, cause := range flattenValidationErrors(ve) {
			errs = append(errs, &ValidationError{
				Phase:   "semantic",
				Path:    strings.Join(cause.InstanceLocation, "/"),
				Message: fmt.Sprintf("%v", cause.ErrorKind),
			})
		}
		return errs
	}
	return nil
}

func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

func validateDomain(specs []Spec, path string) []*ValidationError {
	var errs []*ValidationError
	for i := range specs {
		errs = append(errs, validateSpec(&specs[i], fmt.Sprintf("%s[%d]", path, i))...)
	}
	return errs
}

func validateSpec(s *Spec, path string) []*ValidationError {
	var errs []*ValidationError
	bad := func(format string, args ...any) {
		errs = append(errs, &ValidationError{Phase: "domain", Path: path, Message: fmt.Sprintf(format, args...)})
	}

	switch s.Kind {
	case KindAction:
		if strings.TrimSpace(s.Command) == "" {
			bad("action requires a command")
		}
		if s.Retry != nil && s.Retry.MaxAttempts < 1 {
			bad("retry.max_attempts must be at least 1")
		}
	case KindState:
		if s.Key == "" {
			bad("state requires a key")
		}
		if s.Key == "project_root" {
			bad("project_root is read-only")
		}
		if s.Secret != nil && s.Value != "" {
			bad("state takes either a value or a secret, not both")
		}
	case KindConditional:
		if len(s.Branches) == 0 {
			bad("conditional requires at least one branch")
		}
		for j, b := range s.Branches {
			if strings.TrimSpace(b.If) == "" {
				bad("branch %d has no condition; use else", j)
			}
			errs = append(errs, validateDomain(b.Body, fmt.Sprintf("%s.branches[%d].body", path, j))...)
		}
		errs = append(errs, validateDomain(s.Else, path+".else")...)
	case KindLoop:
		if s.Var == "" && s.Over != "" {
			bad("loop over a list requires var")
		}
		if (s.Over == "") == (s.Times == 0) {
			bad("loop requires exactly one of over or times")
		}
		errs = append(errs, validateDomain(s.Body, path+".body")...)
	case KindFilter:
		if s.Over == "" {
			bad("filter requires over")
		}
		if s.Where == "" && s.Glob == "" {
			bad("filter requires where or glob")
		}
		if s.Into == "" && len(s.Body) == 0 {
			bad("filter requires into or a body")
		}
		if len(s.Body) > 0 && s.As == "" {
			bad("filter with a body requires as")
		}
		errs = append(errs, validateDomain(s.Body, path+".body")...)
	case KindVow:
		errs = append(errs, validateVow(s, path)...)
	case KindParallel:
		if len(s.Branches) == 0 {
			bad("parallel requires at least one branch")
		}
		var labels []string
		for j, b := range s.Branches {
			if b.Label != "" {
				if slices.Contains(labels, b.Label) {
					bad("duplicate branch label %q", b.Label)
				}
				labels = append(labels, b.Label)
			}
			errs = append(errs, validateDomain(b.Body, fmt.Sprintf("%s.branches[%d].body", path, j))...)
		}
	case KindMeta:
		if !slices.Contains(MetaOps, s.Op) {
			bad("unknown meta op %q", s.Op)
		}
		switch s.Op {
		case MetaWatch:
			if s.Vow == nil {
				bad("watch requires a vow")
			} else {
				inner := *s.Vow
				inner.Kind = KindVow
				errs = append(errs, validateVow(&inner, path+".vow")...)
			}
		case MetaUnwatch:
		case MetaEnv:
			if s.Key == "" {
				bad("env requires a key")
			}
		default:
			if s.Value == "" {
				bad("%s requires a value", s.Op)
			}
		}
	}
	return errs
}

func validateVow(s *Spec, path string) []*ValidationError {
	if !assertions.Known(s.Check) {
		return []*ValidationError{{Phase: "domain", Path: path, Message: fmt.Sprintf("unknown vow %q (known: %s)", s.Check, strings.Join(assertions.Names(), ", "))}}
	}
	if n := assertions.Arity(s.Check); len(s.Args) < n {
		return []*ValidationError{{Phase: "domain", Path: path, Message: fmt.Sprintf("vow %s needs %d argument(s), got %d", s.Check, n, len(s.Args))}}
	}
	return nil
}
