package output

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Palette colours shared by CLI output and the dashboard.
var (
	ColorError   = lipgloss.AdaptiveColor{Light: "#d20f39", Dark: "#f38ba8"}
	ColorWarn    = lipgloss.AdaptiveColor{Light: "#df8e1d", Dark: "#f9e2af"}
	ColorOK      = lipgloss.AdaptiveColor{Light: "#40a02b", Dark: "#a6e3a1"}
	ColorInfo    = lipgloss.AdaptiveColor{Light: "#1e66f5", Dark: "#89b4fa"}
	ColorSubtle  = lipgloss.AdaptiveColor{Light: "#6c6f85", Dark: "#a6adc8"}
	ColorOverlay = lipgloss.AdaptiveColor{Light: "#9ca0b0", Dark: "#6c7086"}
)

// ColorEnabled reports whether f should receive ANSI colours: it must be a
// terminal, NO_COLOR must be unset and the detected profile must support
// colour.
func ColorEnabled(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" || !term.IsTerminal(int(f.Fd())) {
		return false
	}
	return termenv.NewOutput(f).EnvColorProfile() != termenv.Ascii
}

// TerminalWidth returns the width of f, or fallback if it is not a terminal.
func TerminalWidth(f *os.File, fallback int) int {
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 {
		return fallback
	}
	return w
}

// StatusColor returns the colour used for a worker or batch status.
func StatusColor(status string) lipgloss.TerminalColor {
	switch status {
	case "running", "completed":
		return ColorOK
	case "waiting-approval", "spawning", "partially-blocked":
		return ColorWarn
	case "blocked", "dead":
		return ColorError
	}
	return ColorSubtle
}
