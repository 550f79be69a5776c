package cmd

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/dgerlanc/warden/internal/policy"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	allowStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	denyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	askStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	confirmStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("3")).
			Padding(0, 1)
)

func decisionStyle(d string) lipgloss.Style {
	switch d {
	case string(policy.Allow):
		return allowStyle
	case string(policy.Deny):
		return denyStyle
	case string(policy.AskUser), "ask":
		return askStyle
	}
	return mutedStyle
}

// padStr pads s to width, ignoring ANSI codes.
func padStr(s string, width int) string {
	w := lipgloss.Width(s)
	if w >= width {
		return s
	}
	return s + strings.Repeat(" ", width-w)
}

// truncate shortens s to max runes, adding "...".
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
