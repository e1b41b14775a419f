package watch

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/airlock/internal/events"
	"github.com/mattjoyce/airlock/internal/job"
)

const recentLimit = 8

// JobState tracks one in-flight job as seen through the event stream.
type JobState struct {
	TaskID     string
	Capability string
	Phase      string
	Instance   string
	Attempt    int
	Progress   float64
	Message    string
	Since      time.Time
	Status     string
	Code       string
	EndTime    time.Time
}

// Jobs holds active jobs plus the most recently finished ones.
type Jobs struct {
	active map[string]*JobState
	recent []*JobState
}

func newJobs() *Jobs {
	return &Jobs{active: make(map[string]*JobState)}
}

func (js *Jobs) get(id string) *JobState {
	st, ok := js.active[id]
	if !ok {
		st = &JobState{TaskID: id, Since: time.Now()}
		js.active[id] = st
	}
	return st
}

// Apply folds one event into the job view.
func (js *Jobs) Apply(e events.Event) {
	switch e.Type {
	case events.JobClaimed, events.JobPhase, events.JobRequeued:
		var snap job.Snapshot
		if err := e.Decode(&snap); err != nil || snap.TaskID == "" {
			return
		}
		st := js.get(snap.TaskID)
		st.Capability = snap.Capability
		st.Phase = string(snap.Phase)
		st.Instance = snap.Instance
		st.Attempt = snap.Attempt
		if !snap.Since.IsZero() {
			st.Since = snap.Since
		}
		if e.Type == events.JobRequeued {
			st.Phase = "requeued"
			st.Progress = 0
		}

	case events.JobProgress:
		var p struct {
			TaskID  string  `json:"task_id"`
			Percent float64 `json:"percent"`
			Message string  `json:"message"`
		}
		if err := e.Decode(&p); err != nil || p.TaskID == "" {
			return
		}
		st, ok := js.active[p.TaskID]
		if !ok {
			return
		}
		st.Progress = p.Percent
		st.Message = p.Message

	case events.JobFinished:
		var f struct {
			TaskID  string      `json:"task_id"`
			Outcome job.Outcome `json:"outcome"`
		}
		if err := e.Decode(&f); err != nil || f.TaskID == "" {
			return
		}
		st, ok := js.active[f.TaskID]
		if !ok {
			st = &JobState{TaskID: f.TaskID}
		}
		delete(js.active, f.TaskID)
		st.Status = string(f.Outcome.Status)
		st.Code = string(f.Outcome.Code)
		st.EndTime = time.Now()
		js.recent = append([]*JobState{st}, js.recent...)
		if len(js.recent) > recentLimit {
			js.recent = js.recent[:recentLimit]
		}
	}
}

func (js *Jobs) Active() []*JobState {
	out := make([]*JobState, 0, len(js.active))
	for _, st := range js.active {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

func (js *Jobs) Recent() []*JobState { return js.recent }

func renderJobs(js *Jobs, bar progress.Model, theme Theme, width int) string {
	innerWidth := width - 4
	active := js.Active()

	lines := []string{theme.Title.Render(fmt.Sprintf("JOBS (%d active)", len(active)))}
	if len(active) == 0 && len(js.recent) == 0 {
		lines = append(lines, theme.Dim.Render("  No job activity yet..."))
		return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
	}

	for _, st := range active {
		elapsed := time.Since(st.Since).Round(time.Second)
		line := fmt.Sprintf(" %s %-10s %s %s %s",
			theme.Highlight.Render(shortID(st.TaskID)),
			st.Capability,
			theme.stateStyle(st.Phase).Render(fmt.Sprintf("%-12s", st.Phase)),
			bar.ViewAs(st.Progress/100),
			theme.Dim.Render(elapsed.String()),
		)
		if st.Instance != "" {
			line += " " + theme.Dim.Render("@"+st.Instance)
		}
		if st.Attempt > 1 {
			line += " " + theme.StatusQueued.Render(fmt.Sprintf("attempt %d", st.Attempt))
		}
		lines = append(lines, line)
	}

	if len(js.recent) > 0 {
		lines = append(lines, theme.Header.Render(" recent"))
		for _, st := range js.recent {
			outcome := st.Status
			if st.Code != "" {
				outcome += " (" + st.Code + ")"
			}
			lines = append(lines, fmt.Sprintf(" %s %-10s %s %s",
				theme.Highlight.Render(shortID(st.TaskID)),
				st.Capability,
				theme.stateStyle(st.Status).Render(outcome),
				theme.Dim.Render(formatAgo(time.Since(st.EndTime))),
			))
		}
	}

	return theme.Border.Width(innerWidth).Render(strings.Join(lines, "\n"))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatAgo(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}
