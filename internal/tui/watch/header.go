package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/airlock/internal/scheduler"
)

// HealthState tracks daemon health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Queue         scheduler.Stats
	PluginsLoaded int
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(health HealthState, heartbeat string, activity Activity, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	if !health.Connected {
		statusText = theme.StatusFailed.Render("CONNECTING")
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.StatusFailed.Render("DEGRADED")
	}

	lastEvent := "never"
	if !activity.LastEvent().IsZero() {
		lastEvent = formatAgo(time.Since(activity.LastEvent()))
	}

	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	title := fmt.Sprintf(" AIRLOCK %s", theme.Highlight.Render(heartbeat))
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	q := health.Queue
	statsLine := fmt.Sprintf(" %s  up %s  queued %d  delayed %d  in flight %d  idle workers %d  plugins %d",
		statusText,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		q.Queued, q.Delayed, q.InFlight, q.IdleWorkers,
		health.PluginsLoaded,
	)
	activityLine := fmt.Sprintf(" submitted %d  rejected %d  last event %s %s",
		q.Submitted, q.Rejected, lastEvent, activity.Render(theme))

	return theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine),
	)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
