package ui

import "github.com/charmbracelet/lipgloss"

// Catppuccin Mocha palette.
var (
	colorGreen  = lipgloss.Color("#a6e3a1")
	colorBlue   = lipgloss.Color("#89b4fa")
	colorYellow = lipgloss.Color("#f9e2af")
	colorRed    = lipgloss.Color("#f38ba8")
	colorTeal   = lipgloss.Color("#94e2d5")
	colorMuted  = lipgloss.Color("#5a6278")
	colorDim    = lipgloss.Color("#3a4055")
	colorBright = lipgloss.Color("#cdd6f4")
)

var (
	styleDone           = lipgloss.NewStyle().Foreground(colorGreen)
	styleFailed         = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	stylePhase          = lipgloss.NewStyle().Foreground(colorYellow)
	styleSpeed          = lipgloss.NewStyle().Foreground(colorTeal)
	styleBytes          = lipgloss.NewStyle().Foreground(colorBright)
	styleDirty          = lipgloss.NewStyle().Foreground(colorBlue)
	styleMuted          = lipgloss.NewStyle().Foreground(colorMuted)
	styleProgressFilled = lipgloss.NewStyle().Foreground(colorGreen)
	styleProgressEmpty  = lipgloss.NewStyle().Foreground(colorDim)
)
