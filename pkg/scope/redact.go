package scope

import (
	"fmt"
	"regexp"
)

// RedactionRule is a configured pattern whose matches are replaced before
// anything reaches the event log or a crash artifact.
type RedactionRule struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Replace string `yaml:"replace" json:"replace"`
}

// CompiledRedaction is a pre-compiled redaction rule.
type CompiledRedaction struct {
	Pattern *regexp.Regexp
	Replace string
}

// CompileRedactionRules compiles configured redaction rules.
func CompileRedactionRules(rules []RedactionRule) ([]*CompiledRedaction, error) {
	var compiled []*CompiledRedaction
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("redaction pattern %q: %w", r.Pattern, err)
		}
		replace := r.Replace
		if replace == "" {
			replace = Mask
		}
		compiled = append(compiled, &CompiledRedaction{Pattern: re, Replace: replace})
	}
	return compiled, nil
}

// Redactor masks secrets in strings and in nested payloads: values of
// secret-looking keys, values remembered by the vault, and configured
// pattern matches.
type Redactor struct {
	vault *Vault
	rules []*CompiledRedaction
}

// NewRedactor builds a Redactor. vault may be nil.
func NewRedactor(vault *Vault, rules []*CompiledRedaction) *Redactor {
	return &Redactor{vault: vault, rules: rules}
}

// String redacts a single string.
func (r *Redactor) String(s string) string {
	if r == nil {
		return s
	}
	if r.vault != nil {
		s = r.vault.Redact(s)
	}
	for _, rule := range r.rules {
		s = rule.Pattern.ReplaceAllString(s, rule.Replace)
	}
	return s
}

// Map returns a redacted deep copy of data.
func (r *Redactor) Map(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if r != nil && r.isSecretKey(k) && v != nil {
			out[k] = Mask
			continue
		}
		out[k] = r.Value(v)
	}
	return out
}

// Value redacts an arbitrary JSON-like value.
func (r *Redactor) Value(v any) any {
	switch val := v.(type) {
	case string:
		return r.String(val)
	case Path:
		return r.String(string(val))
	case map[string]any:
		return r.Map(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.Value(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = r.String(item)
		}
		return out
	default:
		return v
	}
}

func (r *Redactor) isSecretKey(k string) bool {
	if r.vault == nil {
		return defaultVault.IsSecretKey(k)
	}
	return r.vault.IsSecretKey(k)
}

var defaultVault = NewVault()
