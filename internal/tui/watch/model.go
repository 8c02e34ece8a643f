package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/procpool/internal/events"
	"github.com/mattjoyce/procpool/internal/pool"
)

const maxEventLog = 50

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	api *client

	width  int
	height int

	health     HealthState
	pools      []pool.Status
	units      table.Model
	eventLog   []events.Event
	ticker     Ticker
	throughput Throughput

	theme     Theme
	hubEvents chan events.Event
	lastError string
}

// New creates a watch model against the API at apiURL. apiKey may be empty
// when the server runs without auth.
func New(apiURL, apiKey string) *Model {
	theme := NewDefaultTheme()
	return &Model{
		api:        newClient(apiURL, apiKey),
		units:      newUnitTable(theme),
		eventLog:   make([]events.Event, 0),
		ticker:     NewTicker(),
		throughput: NewThroughput(30),
		theme:      theme,
		hubEvents:  make(chan events.Event, 100),
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.api.subscribe(m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.api.fetchHealth,
		m.api.fetchPools,
		tick(),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.units.SetWidth(max(m.width-8, 20))
		m.units.SetHeight(max(m.height/3, 5))

	case tickMsg:
		m.ticker.Tick()
		m.throughput.Advance(time.Time(msg))
		return m, tick()

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		if e.Type == events.TypeTaskResolved {
			m.throughput.Observe(time.Now())
		}
		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		next := tea.Tick(pollInterval, func(time.Time) tea.Msg { return m.api.fetchHealth() })
		if msg.err != nil {
			m.health.Connected = false
			m.lastError = msg.err.Error()
			return m, next
		}
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Pools = msg.Pools
		m.health.Units = msg.Units
		m.health.UnitsBusy = msg.UnitsBusy
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""
		return m, next

	case poolsMsg:
		next := tea.Tick(pollInterval, func(time.Time) tea.Msg { return m.api.fetchPools() })
		if msg.err == nil {
			m.pools = msg.Pools
			m.units.SetRows(unitRows(m.pools))
		}
		return m, next

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.api.subscribe(m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
	}

	var cmd tea.Cmd
	m.units, cmd = m.units.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	parts := []string{
		renderHeader(m.health, m.ticker, m.throughput, m.theme, m.width),
		renderPools(m.units, len(m.pools) == 0, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [↑/↓] Scroll units"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
