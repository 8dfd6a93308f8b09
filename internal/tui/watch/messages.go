package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/calebward/agentlink/internal/events"
)

// MessageState is the TUI's view of one message, assembled from the
// event stream.
type MessageState struct {
	ID         string
	Priority   string
	Status     string
	Attempt    int
	DurationMS int64
	Error      string
	UpdatedAt  time.Time
}

// messagePayload mirrors the message.* event data fields the TUI reads.
type messagePayload struct {
	MessageID  string `json:"message_id"`
	Priority   string `json:"priority"`
	Attempt    int    `json:"attempt"`
	Error      string `json:"error"`
	DurationMS int64  `json:"duration_ms"`
}

// updateMessageState folds one event into the message map.
func updateMessageState(msgs map[string]*MessageState, e events.Event) {
	if !strings.HasPrefix(e.Type, "message.") {
		return
	}
	var p messagePayload
	if err := json.Unmarshal(e.Data, &p); err != nil || p.MessageID == "" {
		return
	}

	m, ok := msgs[p.MessageID]
	if !ok {
		m = &MessageState{ID: p.MessageID}
		msgs[p.MessageID] = m
	}
	if p.Priority != "" {
		m.Priority = p.Priority
	}
	if p.Attempt > 0 {
		m.Attempt = p.Attempt
	}
	m.Error = p.Error
	m.DurationMS = p.DurationMS
	m.UpdatedAt = e.At

	switch e.Type {
	case events.TypeMessageQueued:
		m.Status = "queued"
	case events.TypeMessageRequeued:
		m.Status = "retrying"
	case events.TypeMessageCompleted:
		m.Status = "completed"
	case events.TypeMessageFailed:
		m.Status = "failed"
	case events.TypeMessageExpired:
		m.Status = "expired"
	case events.TypeMessageCancelled:
		m.Status = "cancelled"
	}
}

// messageRows produces table rows, most recently updated first.
func messageRows(msgs map[string]*MessageState, limit int) []table.Row {
	states := make([]*MessageState, 0, len(msgs))
	for _, m := range msgs {
		states = append(states, m)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].UpdatedAt.After(states[j].UpdatedAt)
	})
	if len(states) > limit {
		states = states[:limit]
	}

	rows := make([]table.Row, 0, len(states))
	for _, m := range states {
		id := m.ID
		if len(id) > 8 {
			id = id[:8]
		}
		dur := ""
		if m.DurationMS > 0 {
			dur = fmt.Sprintf("%dms", m.DurationMS)
		}
		rows = append(rows, table.Row{
			statusGlyph(m.Status),
			id,
			m.Priority,
			m.Status,
			fmt.Sprintf("%d", m.Attempt),
			dur,
		})
	}
	return rows
}

func statusGlyph(status string) string {
	switch status {
	case "completed":
		return "✓"
	case "failed", "expired":
		return "✗"
	case "retrying":
		return "↻"
	case "cancelled":
		return "–"
	default:
		return "·"
	}
}

func newMessageTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "", Width: 2},
			{Title: "ID", Width: 10},
			{Title: "Priority", Width: 8},
			{Title: "Status", Width: 10},
			{Title: "Try", Width: 4},
			{Title: "Duration", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return t
}
