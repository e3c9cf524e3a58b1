package monitor

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/ormasoftchile/conductor/pkg/trace"
)

type rowStatus int

const (
	statusRunning rowStatus = iota
	statusPassed
	statusFailed
	statusState
	statusVow
)

// row is one line of the activity list: an action attempt, an assignment
// or a vow verdict.
type row struct {
	Line    int
	Title   string
	Status  rowStatus
	Output  string
	Detail  string
	command string
}

// rowsPanel renders the scrollable activity list.
type rowsPanel struct {
	rows   []row
	cursor int
	follow bool
	width  int
	height int
	offset int
}

func newRowsPanel() rowsPanel {
	return rowsPanel{cursor: -1, follow: true}
}

func (p *rowsPanel) add(r row) {
	p.rows = append(p.rows, r)
	if p.follow {
		p.cursor = len(p.rows) - 1
		p.ensureVisible()
	}
}

// running finds the newest unfinished action row for a source line.
func (p *rowsPanel) running(line int, command string) *row {
	for i := len(p.rows) - 1; i >= 0; i-- {
		r := &p.rows[i]
		if r.Status == statusRunning && r.Line == line && (command == "" || r.command == command) {
			return r
		}
	}
	return nil
}

func (p *rowsPanel) latest(line int) *row {
	for i := len(p.rows) - 1; i >= 0; i-- {
		if p.rows[i].Line == line {
			return &p.rows[i]
		}
	}
	return nil
}

// Apply folds one event into the list.
func (p *rowsPanel) Apply(evt trace.Event) {
	line, _ := evt.Int("line")
	switch evt.Type {
	case trace.EventActionStart:
		cmd := evt.String("command")
		title := cmd
		if n, _ := evt.Int("attempt"); n > 1 {
			title = fmt.Sprintf("%s (attempt %d)", cmd, n)
		}
		p.add(row{Line: line, Title: title, Status: statusRunning, command: cmd})
	case trace.EventActionEnd:
		r := p.running(line, evt.String("command"))
		if r == nil {
			return
		}
		rc, _ := evt.Int("return_code")
		r.Output = evt.String("output")
		r.Status = statusPassed
		if rc != 0 || evt.Data["terminated"] == true {
			r.Status = statusFailed
		}
		r.Detail = fmt.Sprintf("exit %d", rc)
	case trace.EventStateChange:
		p.add(row{Line: line, Title: fmt.Sprintf("%s = %v", evt.String("name"), evt.Data["value"]), Status: statusState})
	case trace.EventVowResult:
		status := statusVow
		if evt.Data["passed"] != true {
			status = statusFailed
		}
		p.add(row{Line: line, Title: evt.String("check") + " " + strings.Join(evt.Strings("args"), " "), Status: status, Detail: evt.String("message")})
	case trace.EventFailure:
		if r := p.latest(line); r != nil {
			r.Status = statusFailed
			r.Detail = evt.String("error")
			if a := evt.String("artifact"); a != "" {
				r.Detail += "\ncrash artifact: " + a
			}
		}
	}
}

func (p *rowsPanel) Selected() *row {
	if p.cursor >= 0 && p.cursor < len(p.rows) {
		return &p.rows[p.cursor]
	}
	return nil
}

func (p *rowsPanel) CursorUp() {
	if p.cursor > 0 {
		p.cursor--
		p.follow = false
		p.ensureVisible()
	}
}

func (p *rowsPanel) CursorDown() {
	if p.cursor < len(p.rows)-1 {
		p.cursor++
		p.follow = p.cursor == len(p.rows)-1
		p.ensureVisible()
	}
}

// Follow jumps to the newest row and keeps tracking it.
func (p *rowsPanel) Follow() {
	p.follow = true
	p.cursor = len(p.rows) - 1
	p.ensureVisible()
}

func (p *rowsPanel) ensureVisible() {
	visible := max(p.height-2, 1)
	if p.cursor < p.offset {
		p.offset = p.cursor
	}
	if p.cursor >= p.offset+visible {
		p.offset = p.cursor - visible + 1
	}
}

// Stats counts finished rows.
func (p *rowsPanel) Stats() (actions, passed, failed int) {
	for _, r := range p.rows {
		if r.command != "" {
			actions++
		}
		switch r.Status {
		case statusPassed:
			passed++
		case statusFailed:
			failed++
		}
	}
	return
}

func (p *rowsPanel) View() string {
	if len(p.rows) == 0 {
		return panelBorder.Width(p.width).Height(p.height).Render("  Waiting for events…")
	}
	visible := max(p.height-2, 1)
	end := min(p.offset+visible, len(p.rows))

	var lines []string
	for i := p.offset; i < end; i++ {
		r := p.rows[i]
		var glyph string
		var style lipgloss.Style
		switch r.Status {
		case statusRunning:
			glyph, style = GlyphRunning, rowRunning
		case statusPassed:
			glyph, style = GlyphPassed, rowPassed
		case statusFailed:
			glyph, style = GlyphFailed, rowFailed
		case statusState:
			glyph, style = GlyphState, rowState
		case statusVow:
			glyph, style = GlyphVow, rowPassed
		default:
			glyph, style = " ", rowNormal
		}
		text := fmt.Sprintf(" %s L%-4d %s", glyph, r.Line, r.Title)
		text = runewidth.Truncate(text, max(p.width-4, 8), "…")
		if i == p.cursor {
			text = style.Reverse(true).Render(text)
		} else {
			text = style.Render(text)
		}
		lines = append(lines, text)
	}
	for len(lines) < visible {
		lines = append(lines, "")
	}
	return panelBorder.Width(p.width).Height(p.height).Render(
		panelTitle.Render("Activity") + "\n" + strings.Join(lines, "\n"),
	)
}
