package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/airlock/internal/events"
	"github.com/mattjoyce/airlock/internal/plugin"
	"github.com/mattjoyce/airlock/internal/resource"
)

const pollInterval = 2 * time.Second

// Model is the BubbleTea model for the monitor.
type Model struct {
	client *Client

	width  int
	height int

	health    HealthState
	pools     []resource.PoolStats
	instances []plugin.InstanceInfo
	jobs      *Jobs
	eventLog  []events.Event
	lastID    int64

	heartbeat spinner.Model
	activity  Activity
	workers   table.Model
	bar       progress.Model

	theme     Theme
	hubEvents chan events.Event
	lastError string
}

func New(apiURL, apiKey string) Model {
	theme := NewDefaultTheme()
	return Model{
		client:    NewClient(apiURL, apiKey),
		jobs:      newJobs(),
		heartbeat: newHeartbeat(),
		workers:   newWorkerTable(theme),
		bar:       progress.New(progress.WithDefaultGradient(), progress.WithWidth(16), progress.WithoutPercentage()),
		theme:     theme,
		hubEvents: make(chan events.Event, 100),
	}
}

// Run starts the monitor in the alternate screen and blocks until quit.
func Run(apiURL, apiKey string) error {
	_, err := tea.NewProgram(New(apiURL, apiKey), tea.WithAltScreen()).Run()
	return err
}

func (m Model) poll() tea.Cmd {
	return tea.Batch(m.client.fetchHealth, m.client.fetchWorkers, m.client.fetchPlugins)
}

func (m Model) retry(source string) tea.Msg {
	switch source {
	case "workers":
		return m.client.fetchWorkers()
	case "plugins":
		return m.client.fetchPlugins()
	case "events":
		return reconnectMsg{}
	default:
		return m.client.fetchHealth()
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.client.subscribe(0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.poll(),
		m.heartbeat.Tick,
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.workers, cmd = m.workers.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.heartbeat, cmd = m.heartbeat.Update(msg)
		return m, cmd

	case tickMsg:
		m.activity.Decay(time.Time(msg))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		if e.ID > m.lastID {
			m.lastID = e.ID
		}
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogLimit {
			m.eventLog = m.eventLog[:eventLogLimit]
		}
		m.activity.OnEvent(time.Now())
		m.jobs.Apply(e)
		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Queue = msg.Queue
		m.health.PluginsLoaded = msg.PluginsLoaded
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.pools = msg.Resources.Pools
		m.lastError = ""
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return m.client.fetchHealth() })

	case workersMsg:
		m.workers.SetRows(workerRows(msg.Workers))
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return m.client.fetchWorkers() })

	case pluginsMsg:
		m.instances = msg.Instances
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return m.client.fetchPlugins() })

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.lastID > m.lastID {
			m.lastID = msg.lastID
		}
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		// The pending receiveNextEvent keeps reading from hubEvents.
		return m, m.client.subscribe(m.lastID, m.hubEvents)

	case errMsg:
		m.health.Connected = false
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return m.retry(msg.source) })
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to airlock..."
	}

	parts := []string{
		renderHeader(m.health, m.heartbeat.View(), m.activity, m.theme, m.width),
		renderWorkers(m.workers, m.theme, m.width),
		renderJobs(m.jobs, m.bar, m.theme, m.width),
		renderPlugins(m.instances, m.pools, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width, 8),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ! %s", m.lastError)))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] quit  [up/down] select worker"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
