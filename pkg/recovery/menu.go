package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/chzyer/readline"
	"github.com/mattn/go-runewidth"
)

const (
	// menuTailThreshold is the line count above which output is elided.
	menuTailThreshold = 20
	menuTailKeep      = 10
	defaultPanelWidth = 100
)

var (
	colorRed    = lipgloss.Color("196")
	colorYellow = lipgloss.Color("214")
	colorCyan   = lipgloss.Color("51")
	colorDim    = lipgloss.Color("240")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorRed).
			Padding(0, 1)

	panelTitle = lipgloss.NewStyle().Bold(true).Foreground(colorRed)
	panelLabel = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	panelDim   = lipgloss.NewStyle().Foreground(colorDim)
	panelKeys  = lipgloss.NewStyle().Foreground(colorYellow)
)

var menuCommands = []string{"retry", "skip", "abort", "shell", "diagnose"}

// Menu asks the operator on a terminal.
type Menu struct {
	In    io.ReadCloser // default stdin
	Out   io.Writer     // default stderr
	Width int           // panel width in cells
}

// Decide prints the failure panel and reads a choice. Interrupt and EOF
// mean abort.
func (m *Menu) Decide(ctx context.Context, fc *FailureContext) (Choice, error) {
	out := m.Out
	if out == nil {
		out = os.Stderr
	}
	fmt.Fprintln(out, RenderPanel(fc, m.width()))

	completer := readline.NewPrefixCompleter()
	for _, cmd := range menuCommands {
		completer.Children = append(completer.Children, readline.PcItem(cmd))
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "recover> ",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "abort",
		Stdin:           m.In,
		Stdout:          out,
	})
	if err != nil {
		return ChoiceNone, fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	for {
		if ctx.Err() != nil {
			return ChoiceAbort, nil
		}
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return ChoiceAbort, nil
			}
			return ChoiceNone, err
		}
		if choice, ok := parseChoice(line); ok {
			return choice, nil
		}
		if strings.TrimSpace(line) != "" {
			fmt.Fprintf(out, "Unknown choice %q. %s\n", strings.TrimSpace(line), menuHint)
		}
	}
}

func (m *Menu) width() int {
	if m.Width > 0 {
		return m.Width
	}
	return defaultPanelWidth
}

const menuHint = "[r]etry  [s]kip  [a]bort  [!] shell  [?] diagnose"

func parseChoice(line string) (Choice, bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "r", "retry":
		return ChoiceRetry, true
	case "s", "skip":
		return ChoiceSkip, true
	case "a", "abort", "q", "quit":
		return ChoiceAbort, true
	case "!", "sh", "shell":
		return ChoiceShell, true
	case "?", "d", "diagnose":
		return ChoiceDiagnose, true
	}
	return ChoiceNone, false
}

// RenderPanel formats a failure for the terminal.
func RenderPanel(fc *FailureContext, width int) string {
	inner := width - 4
	if inner < 20 {
		inner = 20
	}
	pos := fc.Directive.Position()

	var b strings.Builder
	b.WriteString(panelTitle.Render(fmt.Sprintf("✗ %s failed at line %d", fc.Directive.Kind(), pos.Line)))
	b.WriteString("\n")
	if pos.Raw != "" {
		b.WriteString(panelDim.Render(runewidth.Truncate(pos.Raw, inner, "…")))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(panelLabel.Render("error: "))
	b.WriteString(runewidth.Truncate(firstLine(fc.Err.Error()), inner-7, "…"))
	b.WriteString("\n")
	if fc.Cwd != "" {
		b.WriteString(panelLabel.Render("cwd:   "))
		b.WriteString(runewidth.Truncate(fc.Cwd, inner-7, "…"))
		b.WriteString("\n")
	}
	if fc.Result != nil {
		b.WriteString(panelLabel.Render("exit:  "))
		fmt.Fprintf(&b, "%d", fc.Result.ReturnCode)
		b.WriteString("\n")
		if out := strings.TrimRight(fc.Result.Output, "\n"); out != "" {
			b.WriteString("\n")
			for _, line := range TailLines(out, menuTailThreshold, menuTailKeep) {
				b.WriteString(runewidth.Truncate(line, inner, "…"))
				b.WriteString("\n")
			}
		}
	}
	if fc.Artifact != "" {
		b.WriteString(panelDim.Render("artifact: " + fc.Artifact))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(panelKeys.Render(menuHint))
	return panelStyle.Width(width).Render(b.String())
}

// TailLines splits text into lines. When there are more than threshold
// lines only the first and last keep lines survive, joined by a marker.
func TailLines(text string, threshold, keep int) []string {
	lines := strings.Split(text, "\n")
	if len(lines) <= threshold {
		return lines
	}
	out := make([]string, 0, 2*keep+1)
	out = append(out, lines[:keep]...)
	out = append(out, fmt.Sprintf("… %d lines omitted …", len(lines)-2*keep))
	out = append(out, lines[len(lines)-keep:]...)
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
