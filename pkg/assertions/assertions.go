// Package assertions evaluates Vow checks against the last process result,
// a variable, or the filesystem.
package assertions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ormasoftchile/conductor/pkg/eval"
)

// Result is the verdict of one check.
type Result struct {
	Check    string `json:"check"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Passed   bool   `json:"passed"`
	Message  string `json:"message"`
}

// Subject is what a check looks at.
type Subject struct {
	Output     string
	ReturnCode int
	HasResult  bool // Output/ReturnCode come from a process

	Value    any
	HasValue bool // check a variable instead of the process output

	Dir  string         // base for relative filesystem paths
	Vars map[string]any // expression environment
}

// Text is the string the text checks compare against.
func (s Subject) Text() string {
	if s.HasValue {
		switch v := s.Value.(type) {
		case string:
			return v
		case nil:
			return ""
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return fmt.Sprint(v)
			}
			return string(data)
		}
	}
	return s.Output
}

type needs int

const (
	needsNothing needs = iota
	needsText          // process output or a target variable
	needsRun           // a process result
)

type checker struct {
	args  int
	needs needs
	fn    func(s Subject, args []string) *Result
}

var checks = map[string]checker{
	"succeeded":    {0, needsRun, func(s Subject, _ []string) *Result { return EvalExitCode(s.ReturnCode, 0) }},
	"failed":       {0, needsRun, evalFailed},
	"exit_code":    {1, needsRun, evalExitCodeArg},
	"contains":     {1, needsText, func(s Subject, a []string) *Result { return EvalContains(s.Text(), a[0]) }},
	"not_contains": {1, needsText, func(s Subject, a []string) *Result { return EvalNotContains(s.Text(), a[0]) }},
	"matches":      {1, needsText, func(s Subject, a []string) *Result { return EvalMatches(s.Text(), a[0]) }},
	"equals":       {1, needsText, func(s Subject, a []string) *Result { return EvalEquals(strings.TrimSpace(s.Text()), a[0]) }},
	"not_equals":   {1, needsText, func(s Subject, a []string) *Result { return EvalNotEquals(strings.TrimSpace(s.Text()), a[0]) }},
	"json_path":    {2, needsText, func(s Subject, a []string) *Result { return EvalJSONPath(s.Text(), a[0], a[1]) }},
	"expr":         {1, needsNothing, evalExpr},

	"path_exists":     {1, needsNothing, fsCheck("path_exists", func(fi os.FileInfo) bool { return fi != nil })},
	"file_exists":     {1, needsNothing, fsCheck("file_exists", func(fi os.FileInfo) bool { return fi != nil && fi.Mode().IsRegular() })},
	"dir_exists":      {1, needsNothing, fsCheck("dir_exists", func(fi os.FileInfo) bool { return fi != nil && fi.IsDir() })},
	"file_not_empty":  {1, needsNothing, fsCheck("file_not_empty", func(fi os.FileInfo) bool { return fi != nil && fi.Mode().IsRegular() && fi.Size() > 0 })},
	"file_contains":   {2, needsNothing, evalFileContains},
	"file_matches":    {2, needsNothing, evalFileMatches},
	"is_valid_json":   {1, needsNothing, evalValidJSON},
	"json_key_equals": {3, needsNothing, evalJSONKeyEquals},
}

// Known reports whether check names a supported Vow.
func Known(check string) bool {
	_, ok := checks[check]
	return ok
}

// Names lists the supported checks.
func Names() []string {
	out := make([]string, 0, len(checks))
	for k := range checks {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Arity returns the number of arguments check requires.
func Arity(check string) int {
	return checks[check].args
}

// Evaluate runs a check. Errors report misuse (unknown check, wrong
// arguments, no result to inspect); a false verdict is a Result with
// Passed == false.
func Evaluate(check string, args []string, s Subject) (*Result, error) {
	c, ok := checks[check]
	if !ok {
		return nil, fmt.Errorf("unknown vow %q", check)
	}
	if len(args) < c.args {
		return nil, fmt.Errorf("vow %s needs %d argument(s), got %d", check, c.args, len(args))
	}
	switch {
	case c.needs == needsRun && !s.HasResult:
		return nil, fmt.Errorf("vow %s: no action has run yet", check)
	case c.needs == needsText && !s.HasResult && !s.HasValue:
		return nil, fmt.Errorf("vow %s: nothing to check, no action has run and no target given", check)
	}
	return c.fn(s, args), nil
}

// EvalContains checks if output contains the expected substring.
func EvalContains(output, expected string) *Result {
	passed := strings.Contains(output, expected)
	msg := fmt.Sprintf("output contains %q", expected)
	if !passed {
		msg = fmt.Sprintf("output does not contain %q", expected)
	}
	return &Result{Check: "contains", Expected: expected, Actual: truncate(output, 200), Passed: passed, Message: msg}
}

// EvalNotContains checks that output does not contain the substring.
func EvalNotContains(output, expected string) *Result {
	passed := !strings.Contains(output, expected)
	msg := fmt.Sprintf("output does not contain %q", expected)
	if !passed {
		msg = fmt.Sprintf("output contains %q (unexpected)", expected)
	}
	return &Result{Check: "not_contains", Expected: expected, Actual: truncate(output, 200), Passed: passed, Message: msg}
}

// EvalMatches checks output against a regular expression.
func EvalMatches(output, pattern string) *Result {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return &Result{Check: "matches", Expected: pattern, Passed: false, Message: fmt.Sprintf("invalid pattern: %v", err)}
	}
	passed := re.MatchString(output)
	msg := fmt.Sprintf("output matches /%s/", pattern)
	if !passed {
		msg = fmt.Sprintf("output does not match /%s/", pattern)
	}
	return &Result{Check: "matches", Expected: pattern, Actual: truncate(output, 200), Passed: passed, Message: msg}
}

// EvalExitCode compares exit codes.
func EvalExitCode(actual, expected int) *Result {
	passed := actual == expected
	msg := fmt.Sprintf("exit code %d == %d", actual, expected)
	if !passed {
		msg = fmt.Sprintf("exit code %d != %d", actual, expected)
	}
	return &Result{Check: "exit_code", Expected: strconv.Itoa(expected), Actual: strconv.Itoa(actual), Passed: passed, Message: msg}
}

// EvalEquals checks exact equality.
func EvalEquals(output, expected string) *Result {
	passed := output == expected
	msg := fmt.Sprintf("value equals %q", expected)
	if !passed {
		msg = fmt.Sprintf("value %q != %q", truncate(output, 100), expected)
	}
	return &Result{Check: "equals", Expected: expected, Actual: truncate(output, 200), Passed: passed, Message: msg}
}

// EvalNotEquals checks inequality.
func EvalNotEquals(output, expected string) *Result {
	passed := output != expected
	msg := fmt.Sprintf("value does not equal %q", expected)
	if !passed {
		msg = fmt.Sprintf("value equals %q (unexpected)", expected)
	}
	return &Result{Check: "not_equals", Expected: expected, Actual: truncate(output, 200), Passed: passed, Message: msg}
}

// EvalJSONPath extracts a value at a dotted path ($.a.b) and compares it.
func EvalJSONPath(jsonText, path, expected string) *Result {
	var data any
	if err := json.Unmarshal([]byte(jsonText), &data); err != nil {
		return &Result{Check: "json_path", Expected: expected, Actual: truncate(jsonText, 200), Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	actual, err := navigateJSONPath(data, path)
	if err != nil {
		return &Result{Check: "json_path", Expected: expected, Message: fmt.Sprintf("path %s: %v", path, err)}
	}
	actualStr := fmt.Sprint(actual)
	passed := actualStr == expected
	msg := fmt.Sprintf("json_path %s = %q", path, actualStr)
	if !passed {
		msg = fmt.Sprintf("json_path %s = %q, want %q", path, actualStr, expected)
	}
	return &Result{Check: "json_path", Expected: expected, Actual: actualStr, Passed: passed, Message: msg}
}

func evalFailed(s Subject, _ []string) *Result {
	r := EvalExitCode(s.ReturnCode, 0)
	r.Check = "failed"
	r.Passed = !r.Passed
	if r.Passed {
		r.Message = fmt.Sprintf("exit code %d is non-zero", s.ReturnCode)
	} else {
		r.Message = "command succeeded, expected failure"
	}
	return r
}

func evalExitCodeArg(s Subject, args []string) *Result {
	want, err := strconv.Atoi(strings.TrimSpace(args[0]))
	if err != nil {
		return &Result{Check: "exit_code", Expected: args[0], Message: fmt.Sprintf("invalid exit code %q", args[0])}
	}
	return EvalExitCode(s.ReturnCode, want)
}

func evalExpr(s Subject, args []string) *Result {
	ok, err := eval.Bool(args[0], s.Vars)
	if err != nil {
		return &Result{Check: "expr", Expected: args[0], Message: err.Error()}
	}
	msg := fmt.Sprintf("%s holds", args[0])
	if !ok {
		msg = fmt.Sprintf("%s is false", args[0])
	}
	return &Result{Check: "expr", Expected: args[0], Actual: strconv.FormatBool(ok), Passed: ok, Message: msg}
}

func fsCheck(name string, pred func(os.FileInfo) bool) func(Subject, []string) *Result {
	return func(s Subject, args []string) *Result {
		p := resolve(s.Dir, args[0])
		fi, err := os.Stat(p)
		if err != nil {
			fi = nil
		}
		passed := pred(fi)
		msg := fmt.Sprintf("%s %s", name, args[0])
		if !passed {
			msg = fmt.Sprintf("%s failed for %s", name, args[0])
		}
		return &Result{Check: name, Expected: args[0], Passed: passed, Message: msg}
	}
}

func evalFileContains(s Subject, args []string) *Result {
	data, err := os.ReadFile(resolve(s.Dir, args[0]))
	if err != nil {
		return &Result{Check: "file_contains", Expected: args[1], Message: fmt.Sprintf("read %s: %v", args[0], err)}
	}
	r := EvalContains(string(data), args[1])
	r.Check = "file_contains"
	r.Message = args[0] + ": " + r.Message
	return r
}

func evalFileMatches(s Subject, args []string) *Result {
	data, err := os.ReadFile(resolve(s.Dir, args[0]))
	if err != nil {
		return &Result{Check: "file_matches", Expected: args[1], Message: fmt.Sprintf("read %s: %v", args[0], err)}
	}
	r := EvalMatches(string(data), args[1])
	r.Check = "file_matches"
	r.Message = args[0] + ": " + r.Message
	return r
}

func evalValidJSON(s Subject, args []string) *Result {
	data, err := os.ReadFile(resolve(s.Dir, args[0]))
	if err != nil {
		return &Result{Check: "is_valid_json", Expected: args[0], Message: fmt.Sprintf("read %s: %v", args[0], err)}
	}
	passed := json.Valid(data)
	msg := fmt.Sprintf("%s is valid JSON", args[0])
	if !passed {
		msg = fmt.Sprintf("%s is not valid JSON", args[0])
	}
	return &Result{Check: "is_valid_json", Expected: args[0], Passed: passed, Message: msg}
}

func evalJSONKeyEquals(s Subject, args []string) *Result {
	data, err := os.ReadFile(resolve(s.Dir, args[0]))
	if err != nil {
		return &Result{Check: "json_key_equals", Expected: args[2], Message: fmt.Sprintf("read %s: %v", args[0], err)}
	}
	r := EvalJSONPath(string(data), args[1], args[2])
	r.Check = "json_key_equals"
	r.Message = args[0] + ": " + r.Message
	return r
}

// navigateJSONPath walks a dotted path; numeric segments index arrays.
func navigateJSONPath(data any, path string) (any, error) {
	path = strings.TrimPrefix(path, "$.")
	path = strings.TrimPrefix(path, "$")
	if path == "" {
		return data, nil
	}
	current := data
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			val, ok := node[part]
			if !ok {
				return nil, fmt.Errorf("key %q not found", part)
			}
			current = val
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("index %q out of range", part)
			}
			current = node[i]
		default:
			return nil, fmt.Errorf("expected object at %q, got %T", part, current)
		}
	}
	return current, nil
}

func resolve(dir, p string) string {
	if filepath.IsAbs(p) || dir == "" {
		return p
	}
	return filepath.Join(dir, p)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
