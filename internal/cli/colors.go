package cli

import "github.com/charmbracelet/lipgloss"

// Signal palette, shared by the CLI and the TUI
var (
	// Core colours (cool to hot)
	SignalBlue   = lipgloss.Color("#1E90FF")
	SignalCyan   = lipgloss.Color("#00CED1")
	SignalGreen  = lipgloss.Color("#3CB371")
	SignalAmber  = lipgloss.Color("#FFB000")
	SignalMarker = lipgloss.Color("#FF5F87") // intra frames

	// Accent colours
	SlateGray = lipgloss.Color("#708090") // subtle text
	DarkSlate = lipgloss.Color("#2F3A45") // empty bar cells
)
