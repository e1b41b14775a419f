// Package watch implements the airlock monitor TUI.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme keeps every colour the monitor uses in one place.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusQueued  lipgloss.Style
	StatusDead    lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	ActivityOn  lipgloss.Style
	ActivityOff lipgloss.Style
	Progress    lipgloss.Style
}

func NewDefaultTheme() Theme {
	accent := lipgloss.Color("#D75F00")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#5FD75F")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD75F")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F")),
		StatusQueued:  lipgloss.NewStyle().Foreground(lipgloss.Color("#8A8A8A")),
		StatusDead:    lipgloss.NewStyle().Foreground(lipgloss.Color("#5F5F5F")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accent),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#EEEEEE")).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#5FAFFF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#8A8A8A")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAF5F")),

		ActivityOn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#5FD75F")),
		ActivityOff: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
		Progress:    lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAFFF")),
	}
}

// stateStyle colours worker, instance and job states alike.
func (t Theme) stateStyle(state string) lipgloss.Style {
	switch state {
	case "idle", "ready", "succeeded", "completed":
		return t.StatusOK
	case "busy", "running", "dispatched", "handshaking", "claimed", "starting":
		return t.StatusRunning
	case "failed", "cancelled":
		return t.StatusFailed
	case "stopped":
		return t.StatusDead
	default:
		return t.StatusQueued
	}
}
