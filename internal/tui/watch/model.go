package watch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/calebward/agentlink/internal/events"
)

const (
	eventLogLimit  = 50
	messageRowsMax = 10
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	health   HealthState
	messages map[string]*MessageState
	eventLog []events.Event

	msgTable  table.Model
	heartbeat Heartbeat
	activity  ActivityMeter
	theme     Theme

	hubEvents chan events.Event

	lastError string
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) *Model {
	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		messages:  make(map[string]*MessageState),
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		msgTable:  newMessageTable(),
		heartbeat: NewHeartbeat(),
		theme:     NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.apiKey) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
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
		var cmd tea.Cmd
		m.msgTable, cmd = m.msgTable.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.heartbeat.Tick()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)

		// Newest first.
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogLimit {
			m.eventLog = m.eventLog[:eventLogLimit]
		}

		m.activity.OnEvent()
		updateMessageState(m.messages, e)
		m.msgTable.SetRows(messageRows(m.messages, messageRowsMax))

		m.health.Connected = true
		m.lastError = ""

		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.AgentState = msg.AgentState
		m.health.BreakerState = msg.BreakerState
		m.health.Queued = msg.Queued
		m.health.Inflight = msg.Inflight
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""

		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		// Reconnect after a short delay; the existing receiveNextEvent
		// goroutine is still waiting on the channel and will pick up
		// events from the new subscription.
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to agentlink..."
	}

	header := renderHeader(m.health, m.heartbeat, m.activity, m.theme, m.width)
	messagesPanel := m.renderMessages()
	eventStream := m.renderEventStream()

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Navigate Messages")

	parts := []string{header, messagesPanel, eventStream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func (m Model) renderMessages() string {
	innerWidth := m.width - 4
	content := lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("MESSAGES"),
		m.msgTable.View(),
	)
	return m.theme.Border.Width(innerWidth).Render(content)
}

func (m Model) renderEventStream() string {
	innerWidth := m.width - 4

	if len(m.eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("EVENT STREAM"),
			m.theme.Dim.Render("  Waiting for events..."),
		)
		return m.theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, m.formatEvent(e))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("EVENT STREAM"),
		eventsText,
	)
	return m.theme.Border.Width(innerWidth).Render(content)
}

func (m Model) formatEvent(e events.Event) string {
	ts := m.theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch {
	case strings.HasSuffix(e.Type, ".completed"), e.Type == events.TypeAgentReady:
		typeStyle = m.theme.StatusOK
	case strings.HasSuffix(e.Type, ".failed"), strings.HasSuffix(e.Type, ".expired"),
		e.Type == events.TypeAgentUnhealthy, e.Type == events.TypeAgentUnavailable:
		typeStyle = m.theme.StatusFailed
	case strings.HasPrefix(e.Type, "breaker."), e.Type == events.TypeAgentRestarting:
		typeStyle = m.theme.StatusRunning
	default:
		typeStyle = m.theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-22s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, eventDesc(e))
}

func eventDesc(e events.Event) string {
	var p messagePayload
	if err := json.Unmarshal(e.Data, &p); err == nil && p.MessageID != "" {
		id := p.MessageID
		if len(id) > 8 {
			id = id[:8]
		}
		parts := []string{fmt.Sprintf("[%s]", id)}
		if p.Attempt > 0 {
			parts = append(parts, fmt.Sprintf("try %d", p.Attempt))
		}
		if p.Error != "" {
			errText := p.Error
			if len(errText) > 40 {
				errText = errText[:40] + "..."
			}
			parts = append(parts, errText)
		}
		return strings.Join(parts, " ")
	}

	raw := string(e.Data)
	if len(raw) > 60 {
		raw = raw[:60] + "..."
	}
	return raw
}
