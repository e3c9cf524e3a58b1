// Package monitor is a read-only terminal dashboard for a run. It consumes
// event log entries and never talks back to the engine.
package monitor

import "github.com/charmbracelet/lipgloss"

// Directive status glyphs.
const (
	GlyphRunning = "▸"
	GlyphPassed  = "✓"
	GlyphFailed  = "✗"
	GlyphState   = "="
	GlyphVow     = "◆"
)

var (
	colorGreen  = lipgloss.Color("42")
	colorRed    = lipgloss.Color("196")
	colorYellow = lipgloss.Color("214")
	colorBlue   = lipgloss.Color("39")
	colorCyan   = lipgloss.Color("51")
	colorDim    = lipgloss.Color("240")
	colorWhite  = lipgloss.Color("255")
)

var headerStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(colorCyan).
	Padding(0, 1)

var (
	rowNormal  = lipgloss.NewStyle().Foreground(colorWhite)
	rowRunning = lipgloss.NewStyle().Bold(true).Foreground(colorYellow)
	rowPassed  = lipgloss.NewStyle().Foreground(colorGreen)
	rowFailed  = lipgloss.NewStyle().Foreground(colorRed)
	rowState   = lipgloss.NewStyle().Foreground(colorBlue)
)

var (
	panelBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorDim)

	panelTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan).
			Padding(0, 1)

	commandStyle = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)
)

var (
	keyStyle     = lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	keyDescStyle = lipgloss.NewStyle().Foreground(colorDim)
	errorStyle   = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	spinnerStyle = lipgloss.NewStyle().Foreground(colorYellow)

	passedBadge = lipgloss.NewStyle().Foreground(colorGreen).Bold(true)
	failedBadge = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
)
