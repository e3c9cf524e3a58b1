package eval

import (
	"encoding/json"
	"strconv"
	"strings"
)

// InferLiteral converts the raw text of a state assignment to a typed value:
// true/false, null, integers, floats, JSON objects and arrays. Anything else
// stays a string, with one layer of matching quotes removed.
func InferLiteral(raw string) any {
	s := strings.TrimSpace(raw)
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	case "null", "none", "nil":
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		if int64(int(i)) == i {
			return int(i)
		}
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && strings.ContainsAny(s, "0123456789") && !strings.ContainsAny(s, "xXpP_") {
		return f
	}
	if len(s) > 1 && (s[0] == '{' || s[0] == '[') {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			return v
		}
	}
	if len(s) > 1 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}

// ParseJSON decodes process output for json adjudication. The second result
// is false when the output is not valid JSON.
func ParseJSON(output string) (any, bool) {
	s := strings.TrimSpace(output)
	if s == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}
