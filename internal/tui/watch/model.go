package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conduct/internal/events"
)

// RunState tracks one pipeline run observed on the event stream.
type RunState struct {
	RunID        string
	Pipeline     string
	LastActivity string
	Failed       bool
	Finished     bool
	StartedAt    time.Time
}

// Model is the Bubble Tea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	connected bool
	runs      map[string]*RunState
	eventLog  []events.Event

	spinner spinner.Model
	theme   Theme

	hubEvents chan events.Event
	lastError string
}

// New creates a watch model pointed at the status API.
func New(apiURL, apiKey string) *Model {
	theme := NewDefaultTheme()
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = theme.Highlight

	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		runs:      make(map[string]*RunState),
		hubEvents: make(chan events.Event, 100),
		spinner:   sp,
		theme:     theme,
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.spinner.Tick,
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		m.pruneFinished()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > 30 {
			m.eventLog = m.eventLog[:30]
		}
		m.applyEvent(e)
		m.connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case sseDisconnectedMsg:
		m.connected = false
		return m, scheduleReconnect()

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
	}

	return m, nil
}

func (m *Model) applyEvent(e events.Event) {
	var payload struct {
		RunID    string `json:"run_id"`
		Pipeline string `json:"pipeline"`
		Activity string `json:"activity"`
	}
	_ = json.Unmarshal(e.Data, &payload)
	if payload.RunID == "" {
		return
	}

	run := m.runs[payload.RunID]
	if run == nil {
		run = &RunState{RunID: payload.RunID, StartedAt: e.At}
		m.runs[payload.RunID] = run
	}
	if payload.Pipeline != "" {
		run.Pipeline = payload.Pipeline
	}

	switch e.Type {
	case events.TypeActivityStarted, events.TypeActivityFinished:
		run.LastActivity = payload.Activity
	case events.TypeActivityFailed:
		run.LastActivity = payload.Activity
		run.Failed = true
	case events.TypeRunFinished:
		run.Finished = true
	}
}

// pruneFinished drops finished runs once the board gets crowded.
func (m *Model) pruneFinished() {
	if len(m.runs) <= 50 {
		return
	}
	for id, run := range m.runs {
		if run.Finished {
			delete(m.runs, id)
		}
	}
}

func (m *Model) View() string {
	header := m.renderHeader()
	board := m.renderRuns()
	stream := m.renderEventStream()
	help := m.theme.Dim.Render("  q: quit")

	return lipgloss.JoinVertical(lipgloss.Left, header, board, stream, help)
}

func (m *Model) renderHeader() string {
	status := m.theme.StatusFailed.Render("● disconnected")
	if m.connected {
		status = m.theme.StatusOK.Render("● connected")
	}
	title := m.theme.Title.Render("conduct watch")
	line := fmt.Sprintf("%s %s %s", title, m.spinner.View(), status)
	if m.lastError != "" {
		line += "  " + m.theme.StatusFailed.Render(m.lastError)
	}
	return line
}

func (m *Model) renderRuns() string {
	width := m.width
	if width < 40 {
		width = 80
	}

	if len(m.runs) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("RUNS"),
			m.theme.Dim.Render("  No runs observed yet"),
		)
		return m.theme.Border.Width(width - 4).Render(content)
	}

	ids := make([]string, 0, len(m.runs))
	for id := range m.runs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.runs[ids[i]].StartedAt.After(m.runs[ids[j]].StartedAt)
	})

	var lines []string
	for i, id := range ids {
		if i >= 12 {
			lines = append(lines, m.theme.Dim.Render(fmt.Sprintf("  … %d more", len(ids)-i)))
			break
		}
		lines = append(lines, m.renderRun(m.runs[id]))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("RUNS"),
		strings.Join(lines, "\n"),
	)
	return m.theme.Border.Width(width - 4).Render(content)
}

func (m *Model) renderRun(run *RunState) string {
	var status string
	switch {
	case run.Failed:
		status = m.theme.StatusFailed.Render("failed ")
	case run.Finished:
		status = m.theme.StatusOK.Render("done   ")
	default:
		status = m.theme.StatusRunning.Render("running")
	}

	short := run.RunID
	if len(short) > 8 {
		short = short[:8]
	}
	activity := run.LastActivity
	if activity == "" {
		activity = "-"
	}
	return fmt.Sprintf("  %s  %s  %s  %s",
		status,
		m.theme.Header.Render(short),
		m.theme.Highlight.Render(activity),
		m.theme.Dim.Render(run.StartedAt.Format("15:04:05")),
	)
}

func (m *Model) renderEventStream() string {
	width := m.width
	if width < 40 {
		width = 80
	}

	if len(m.eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("EVENT STREAM"),
			m.theme.Dim.Render("  Waiting for events..."),
		)
		return m.theme.Border.Width(width - 4).Render(content)
	}

	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, m.formatEvent(e))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return m.theme.Border.Width(width - 4).Render(content)
}

func (m *Model) formatEvent(e events.Event) string {
	ts := m.theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch {
	case strings.HasSuffix(e.Type, ".finished"):
		typeStyle = m.theme.StatusOK
	case strings.HasSuffix(e.Type, ".failed"), e.Type == events.TypeLoopBreak:
		typeStyle = m.theme.StatusFailed
	case strings.HasSuffix(e.Type, ".started"):
		typeStyle = m.theme.StatusRunning
	default:
		typeStyle = m.theme.Dim
	}

	data := string(e.Data)
	if len(data) > 60 {
		data = data[:60] + "…"
	}
	return fmt.Sprintf("%s %s %s", ts, typeStyle.Render(e.Type), m.theme.Dim.Render(data))
}
