package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/airlock/internal/events"
)

const eventLogLimit = 50

func renderEventStream(eventLog []events.Event, theme Theme, width, rows int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENTS"),
			theme.Dim.Render("  Waiting for events..."),
		))
	}

	var lines []string
	for i, e := range eventLog {
		if i >= rows {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENTS"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	))
}

func formatEvent(e events.Event, theme Theme) string {
	var style lipgloss.Style
	switch e.Type {
	case events.JobFinished, events.PluginReady:
		style = theme.StatusOK
	case events.PluginFailed, events.TaskCancelled:
		style = theme.StatusFailed
	case events.JobClaimed, events.JobPhase, events.JobProgress:
		style = theme.StatusRunning
	case events.JobRequeued, events.MaintenanceRun:
		style = theme.Highlight
	default:
		style = theme.Dim
	}

	return fmt.Sprintf("%s %s %s",
		theme.Dim.Render(e.At.Local().Format("15:04:05")),
		style.Render(fmt.Sprintf("%-16s", e.Type)),
		describeEvent(e),
	)
}

func describeEvent(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	for _, key := range []string{"task_id", "id"} {
		if v, ok := data[key].(string); ok && v != "" {
			parts = append(parts, "["+shortID(v)+"]")
			break
		}
	}
	for _, key := range []string{"capability", "phase", "state", "reason"} {
		if v, ok := data[key].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	if out, ok := data["outcome"].(map[string]any); ok {
		if st, ok := out["status"].(string); ok {
			parts = append(parts, st)
		}
		if code, ok := out["code"].(string); ok && code != "" {
			parts = append(parts, code)
		}
	}
	if pct, ok := data["percent"].(float64); ok {
		parts = append(parts, fmt.Sprintf("%.0f%%", pct))
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
