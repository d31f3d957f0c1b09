// Package style holds the terminal styles used by the docsync CLI.
package style

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	// Bold is used for names and headings.
	Bold = lipgloss.NewStyle().Bold(true)

	// Dim is used for secondary details.
	Dim = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	// Success marks healthy states.
	Success = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))

	// Warning marks states that need attention.
	Warning = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))

	// Error marks failures.
	Error = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)

	// Label pads field names in key/value listings.
	Label = lipgloss.NewStyle().Width(22).Foreground(lipgloss.Color("8"))
)

// SuccessPrefix, WarningPrefix and ErrorPrefix start status lines.
var (
	SuccessPrefix = Success.Render("✓")
	WarningPrefix = Warning.Render("!")
	ErrorPrefix   = Error.Render("✗")
)

// IsTerminal reports whether stdout is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Width returns the terminal width, or fallback when stdout is not a terminal.
func Width(fallback int) int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return fallback
	}
	return w
}

// Field renders one "label  value" line.
func Field(label, value string) string {
	return Label.Render(label) + value
}
