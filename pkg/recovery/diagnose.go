package recovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
)

// Heuristic is a local Diagnoser that matches well-known failure patterns.
// Remote advisors plug in through the same interface.
type Heuristic struct{}

var outputHints = []struct {
	needle string
	hint   string
}{
	{"command not found", "The command is not on `PATH`. Install it or use an absolute path."},
	{"no such file or directory", "A referenced path does not exist. Check `cwd` and relative paths."},
	{"permission denied", "The process lacks permission. Check file modes and ownership."},
	{"connection refused", "Nothing is listening on the target address. Is the service up?"},
	{"address already in use", "Another process holds the port. Stop it or pick another port."},
	{"timed out", "The operation timed out. Raise the directive `timeout` or check the dependency."},
	{"no space left on device", "The disk is full."},
}

// exitHints covers conventional shell exit codes.
var exitHints = map[int]string{
	1:   "Generic failure reported by the command itself.",
	2:   "Misuse of a shell builtin or invalid arguments.",
	126: "The command was found but is not executable.",
	127: "The command was not found.",
	130: "Interrupted by SIGINT.",
	137: "Killed by SIGKILL, often the out-of-memory killer or a forced kill.",
	143: "Terminated by SIGTERM.",
}

// Diagnose implements Diagnoser.
func (Heuristic) Diagnose(_ context.Context, fc *FailureContext) (string, error) {
	var b strings.Builder
	pos := fc.Directive.Position()
	fmt.Fprintf(&b, "# Diagnosis: %s at line %d\n\n", fc.Directive.Kind(), pos.Line)
	fmt.Fprintf(&b, "**Error:** %s\n\n", firstLine(fc.Err.Error()))

	var hints []string
	if fc.Result != nil {
		if fc.Result.Terminated {
			hints = append(hints, "The process tree was terminated before it finished.")
		} else if h, ok := exitHints[fc.Result.ReturnCode]; ok {
			hints = append(hints, fmt.Sprintf("Exit code %d: %s", fc.Result.ReturnCode, h))
		}
		lower := strings.ToLower(fc.Result.Output)
		for _, oh := range outputHints {
			if strings.Contains(lower, oh.needle) {
				hints = append(hints, oh.hint)
			}
		}
	}
	if len(hints) == 0 {
		hints = append(hints, "No known pattern matched. Inspect the output and the crash artifact.")
	}
	b.WriteString("## Likely causes\n\n")
	for _, h := range hints {
		fmt.Fprintf(&b, "- %s\n", h)
	}

	if fc.Result != nil && strings.TrimSpace(fc.Result.Output) != "" {
		b.WriteString("\n## Output (tail)\n\n```\n")
		lines := strings.Split(strings.TrimRight(fc.Result.Output, "\n"), "\n")
		if len(lines) > menuTailKeep {
			lines = lines[len(lines)-menuTailKeep:]
		}
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n```\n")
	}
	if fc.Artifact != "" {
		fmt.Fprintf(&b, "\nCrash artifact: `%s`\n", fc.Artifact)
	}
	return b.String(), nil
}

// RenderMarkdown renders markdown for the terminal at the given wrap width.
func RenderMarkdown(md string, width int) (string, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", fmt.Errorf("create markdown renderer: %w", err)
	}
	out, err := r.Render(md)
	if err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return out, nil
}
