package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ormasoftchile/conductor/pkg/trace"
)

type eventMsg struct{ evt trace.Event }

type streamClosedMsg struct{}

// Model is the Bubble Tea model of the dashboard.
type Model struct {
	rows    rowsPanel
	output  viewport.Model
	spinner spinner.Model
	events  <-chan trace.Event

	title    string
	runID    string
	started  time.Time
	finished bool
	success  bool
	endErr   string
	count    int

	width  int
	height int
}

// New builds a dashboard reading from events. title is shown in the header,
// usually the log path.
func New(events <-chan trace.Event, title string) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle
	return Model{
		rows:    newRowsPanel(),
		output:  viewport.New(40, 10),
		spinner: sp,
		events:  events,
		title:   title,
	}
}

// Run shows the dashboard until the user quits or ctx is done.
func Run(ctx context.Context, events <-chan trace.Event, title string) error {
	p := tea.NewProgram(New(events, title), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listen())
}

func (m Model) listen() tea.Cmd {
	if m.events == nil {
		return nil
	}
	return func() tea.Msg {
		evt, ok := <-m.events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg{evt}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Up):
			m.rows.CursorUp()
			m.showSelected()
		case key.Matches(msg, keys.Down):
			m.rows.CursorDown()
			m.showSelected()
		case key.Matches(msg, keys.Follow):
			m.rows.Follow()
			m.showSelected()
		case key.Matches(msg, keys.PgUp):
			m.output.HalfViewUp()
		case key.Matches(msg, keys.PgDown):
			m.output.HalfViewDown()
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case eventMsg:
		m.apply(msg.evt)
		cmds = append(cmds, m.listen())

	case streamClosedMsg:
		m.events = nil
	}
	return m, tea.Batch(cmds...)
}

func (m *Model) apply(evt trace.Event) {
	m.count++
	switch evt.Type {
	case trace.EventStart:
		m.runID = evt.String("run_id")
		m.started = evt.Time()
	case trace.EventEnd:
		m.finished = true
		m.success = evt.Data["success"] == true
		m.endErr = evt.String("error")
	default:
		m.rows.Apply(evt)
	}
	m.showSelected()
}

func (m *Model) showSelected() {
	r := m.rows.Selected()
	if r == nil {
		m.output.SetContent("")
		return
	}
	var b strings.Builder
	if r.command != "" {
		fmt.Fprintf(&b, "$ %s\n\n", commandStyle.Render(r.command))
	}
	if r.Output != "" {
		b.WriteString(r.Output)
		b.WriteString("\n")
	}
	if r.Detail != "" {
		style := lipgloss.NewStyle()
		if r.Status == statusFailed {
			style = errorStyle
		}
		b.WriteString("\n" + style.Render(r.Detail) + "\n")
	}
	m.output.SetContent(b.String())
	m.output.GotoBottom()
}

func (m *Model) layout() {
	if m.width == 0 || m.height == 0 {
		return
	}
	mainH := max(m.height-2, 4)
	listW := min(max(m.width*40/100, 30), 70)
	m.rows.width = listW
	m.rows.height = mainH
	m.rows.ensureVisible()
	m.output.Width = max(m.width-listW-4, 1)
	m.output.Height = max(mainH-3, 1)
	m.showSelected()
}

func (m Model) View() string {
	header := m.renderHeader()
	if m.width == 0 {
		return header
	}
	out := panelBorder.Width(m.width - m.rows.width - 2).Height(m.rows.height).Render(
		panelTitle.Render("Output") + "\n" + m.output.View(),
	)
	main := lipgloss.JoinHorizontal(lipgloss.Top, m.rows.View(), out)
	return header + "\n" + main + "\n" + keyBarText()
}

func (m Model) renderHeader() string {
	left := headerStyle.Render("conductor") + " " + m.title
	if m.runID != "" {
		left += keyDescStyle.Render("  run " + m.runID)
	}

	_, passed, failed := m.rows.Stats()
	counts := fmt.Sprintf("%s %s  %d events",
		passedBadge.Render(fmt.Sprintf("✓%d", passed)),
		failedBadge.Render(fmt.Sprintf("✗%d", failed)),
		m.count)

	var status string
	switch {
	case m.finished && m.success:
		status = passedBadge.Render("succeeded")
	case m.finished:
		status = failedBadge.Render("failed")
		if m.endErr != "" {
			status += " " + keyDescStyle.Render(m.endErr)
		}
	case m.events == nil:
		status = keyDescStyle.Render("stream closed")
	default:
		status = m.spinner.View() + " running"
		if !m.started.IsZero() {
			status += keyDescStyle.Render(" " + time.Since(m.started).Round(time.Second).String())
		}
	}

	right := counts + "  " + status
	pad := max(m.width-lipgloss.Width(left)-lipgloss.Width(right)-2, 1)
	return left + strings.Repeat(" ", pad) + right
}
