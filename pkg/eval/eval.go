// Package eval evaluates directive expressions against an execution scope:
// text/template interpolation for command strings, expr-lang expressions for
// conditions, loop sources and filters, and typed literal inference for
// state assignments.
package eval

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/expr-lang/expr"
)

// Resolve renders a template string against vars. Referencing an undefined
// variable is an error.
// Example: Resolve("make -C {{ .target }}", {"target": "web"}) → "make -C web"
func Resolve(tmpl string, vars map[string]any) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("resolve").Funcs(funcMap).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}

// ResolveAll renders every string in list.
func ResolveAll(list []string, vars map[string]any) ([]string, error) {
	if len(list) == 0 {
		return nil, nil
	}
	out := make([]string, len(list))
	for i, s := range list {
		r, err := Resolve(s, vars)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out[i] = r
	}
	return out, nil
}

// ResolveMap renders every value of a string map.
func ResolveMap(in map[string]string, vars map[string]any) (map[string]string, error) {
	if in == nil {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		r, err := Resolve(v, vars)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = r
	}
	return out, nil
}

// Bool evaluates a condition. Expressions containing {{ }} are rendered as
// templates and judged truthy; everything else is compiled with expr-lang
// and must yield a bool.
func Bool(exprStr string, vars map[string]any) (bool, error) {
	exprStr = strings.TrimSpace(exprStr)
	if exprStr == "" {
		return true, nil
	}

	if strings.Contains(exprStr, "{{") {
		val, err := Resolve(exprStr, vars)
		if err != nil {
			return false, err
		}
		val = strings.TrimSpace(val)
		return val != "" && val != "false" && val != "0" && val != "<no value>", nil
	}

	program, err := expr.Compile(exprStr, expr.Env(vars), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("compile condition %q: %w", exprStr, err)
	}
	output, err := expr.Run(program, vars)
	if err != nil {
		return false, fmt.Errorf("eval condition %q: %w", exprStr, err)
	}
	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return bool (got %T)", exprStr, output)
	}
	return result, nil
}

// Value evaluates an expression and returns its result unconverted.
func Value(exprStr string, vars map[string]any) (any, error) {
	exprStr = strings.TrimSpace(exprStr)
	if exprStr == "" {
		return nil, fmt.Errorf("empty expression")
	}
	program, err := expr.Compile(exprStr, expr.Env(vars))
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", exprStr, err)
	}
	out, err := expr.Run(program, vars)
	if err != nil {
		return nil, fmt.Errorf("eval expression %q: %w", exprStr, err)
	}
	return out, nil
}

// List evaluates an expression that must produce a sequence. A string
// result is split into non-empty lines.
func List(exprStr string, vars map[string]any) ([]any, error) {
	v, err := Value(exprStr, vars)
	if err != nil {
		return nil, err
	}
	switch val := v.(type) {
	case []any:
		return val, nil
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out, nil
	case []int:
		out := make([]any, len(val))
		for i, n := range val {
			out[i] = n
		}
		return out, nil
	case string:
		var out []any
		for _, line := range strings.Split(val, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				out = append(out, line)
			}
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("expression %q produced %T, want a list", exprStr, v)
	}
}

var ansiPattern = regexp.MustCompile(`\x1B(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)

// StripANSI removes terminal escape sequences.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

var funcMap = template.FuncMap{
	"hasPrefix":  strings.HasPrefix,
	"hasSuffix":  strings.HasSuffix,
	"contains":   strings.Contains,
	"lower":      strings.ToLower,
	"upper":      strings.ToUpper,
	"trim":       strings.TrimSpace,
	"split":      strings.Split,
	"join":       strings.Join,
	"replace":    strings.ReplaceAll,
	"trimPrefix": strings.TrimPrefix,
	"trimSuffix": strings.TrimSuffix,
	"default": func(def, val any) any {
		if val == nil || fmt.Sprint(val) == "" {
			return def
		}
		return val
	},
	"quote": func(s string) string {
		return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
	},
}
