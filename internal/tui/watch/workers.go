package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/airlock/internal/plugin"
	"github.com/mattjoyce/airlock/internal/resource"
	"github.com/mattjoyce/airlock/internal/worker"
)

func newWorkerTable(theme Theme) table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "#", Width: 3},
			{Title: "State", Width: 6},
			{Title: "Task", Width: 9},
			{Title: "Capability", Width: 12},
			{Title: "Phase", Width: 12},
			{Title: "Instance", Width: 16},
			{Title: "Done", Width: 5},
			{Title: "Fail", Width: 5},
		}),
		table.WithHeight(6),
		table.WithFocused(true),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		Bold(true).
		Foreground(theme.Header.GetForeground())
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#1C1C1C")).
		Background(theme.Highlight.GetForeground()).
		Bold(false)
	t.SetStyles(s)
	return t
}

func workerRows(statuses []worker.Status) []table.Row {
	rows := make([]table.Row, 0, len(statuses))
	for _, s := range statuses {
		row := table.Row{fmt.Sprint(s.ID), s.State, "-", "-", "-", "-", fmt.Sprint(s.Completed), fmt.Sprint(s.Failed)}
		if s.Job != nil {
			row[2] = shortID(s.Job.TaskID)
			row[3] = s.Job.Capability
			row[4] = string(s.Job.Phase)
			if s.Job.Instance != "" {
				row[5] = s.Job.Instance
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func renderWorkers(t table.Model, theme Theme, width int) string {
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("WORKERS"),
		t.View(),
	)
	return theme.Border.Width(width - 4).Render(content)
}

func renderPlugins(instances []plugin.InstanceInfo, pools []resource.PoolStats, theme Theme, width int) string {
	lines := []string{theme.Title.Render("PLUGINS")}
	if len(instances) == 0 {
		lines = append(lines, theme.Dim.Render("  No plugin instances reported..."))
	}
	for _, in := range instances {
		line := fmt.Sprintf(" %-20s %-8s %s %s",
			in.ID,
			in.Mode,
			theme.stateStyle(in.State).Render(fmt.Sprintf("%-8s", in.State)),
			theme.Dim.Render(fmt.Sprintf("active=%d restarts=%d", in.Active, in.Restarts)),
		)
		if in.LastError != "" {
			line += " " + theme.StatusFailed.Render(in.LastError)
		}
		lines = append(lines, line)
	}

	lines = append(lines, "", theme.Title.Render("SANDBOXES"))
	if len(pools) == 0 {
		lines = append(lines, theme.Dim.Render("  No pools configured"))
	}
	for _, p := range pools {
		lines = append(lines, fmt.Sprintf(" %-16s %s  idle %d  in use %d  provisioning %d  waiting %d",
			p.Platform+"/"+p.Arch,
			poolGauge(p, theme),
			p.Idle, p.InUse, p.Provisioning, p.Waiting,
		))
	}
	return theme.Border.Width(width - 4).Render(strings.Join(lines, "\n"))
}

func poolGauge(p resource.PoolStats, theme Theme) string {
	var b strings.Builder
	for i := range p.Size {
		if i < p.InUse {
			b.WriteString(theme.StatusRunning.Render("■"))
		} else {
			b.WriteString(theme.StatusOK.Render("□"))
		}
	}
	return b.String()
}
