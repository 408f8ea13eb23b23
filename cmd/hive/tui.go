package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hivemind-dev/hive/internal/event"
	"github.com/hivemind-dev/hive/internal/session"
	"github.com/hivemind-dev/hive/internal/watch"
)

const (
	statusRefreshInterval = 2 * time.Second
	recentEventWindow     = 12
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFB454")).
			MarginBottom(1)
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#5B8DEF"))
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))
	alertStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))
)

type stateRefreshMsg struct {
	state session.State
	err   error
}

type liveEventMsg struct {
	event event.Event
	ok    bool
}

// statusModel is the bubbletea model behind `hive status --watch`.
type statusModel struct {
	sess    *session.Session
	store   *session.Store
	tailer  *watch.Tailer
	spinner spinner.Model

	state  session.State
	recent []event.Event
	err    error
	width  int
}

func newStatusModel(sess *session.Session, tailer *watch.Tailer) statusModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB454"))
	return statusModel{
		sess:    sess,
		store:   session.NewStore(sess),
		tailer:  tailer,
		spinner: sp,
	}
}

func (m statusModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetchState(), m.waitForEvent())
}

func (m statusModel) fetchState() tea.Cmd {
	return func() tea.Msg {
		state, err := m.store.Load()
		return stateRefreshMsg{state: state, err: err}
	}
}

func (m statusModel) scheduleRefresh() tea.Cmd {
	return tea.Tick(statusRefreshInterval, func(time.Time) tea.Msg {
		state, err := m.store.Load()
		return stateRefreshMsg{state: state, err: err}
	})
}

func (m statusModel) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		e, ok := <-m.tailer.Events()
		return liveEventMsg{event: e, ok: ok}
	}
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		}
		return m, nil

	case stateRefreshMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.err = nil
			m.state = msg.state
		}
		return m, m.scheduleRefresh()

	case liveEventMsg:
		if !msg.ok {
			return m, tea.Quit
		}
		m.recent = append(m.recent, msg.event)
		if len(m.recent) > recentEventWindow {
			m.recent = m.recent[len(m.recent)-recentEventWindow:]
		}
		return m, tea.Batch(m.fetchState(), m.waitForEvent())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m statusModel) View() string {
	width := m.width
	if width <= 0 {
		width = 100
	}
	header := headerStyle.Render("⬡ HIVE · " + m.sess.ID)
	sections := []string{
		header,
		panelStyle.Width(max(40, width-2)).Render(m.renderStatePanel()),
		panelStyle.Width(max(40, width-2)).Render(m.renderEventsPanel()),
		dimStyle.Render("q → quit"),
	}
	return strings.Join(sections, "\n")
}

func (m statusModel) renderStatePanel() string {
	lines := []string{titleStyle.Render("State")}
	if m.err != nil {
		lines = append(lines, alertStyle.Render(fmt.Sprintf("⚠ %v", m.err)))
		return strings.Join(lines, "\n")
	}
	status := string(m.state.Status)
	if m.state.Status == session.StatusRunning {
		status = m.spinner.View() + " " + status
	}
	lines = append(lines,
		fmt.Sprintf("Status: %s", status),
		fmt.Sprintf("Tasks:  %d enqueued · %d completed · %d failed · %d dead",
			m.state.Counters.Enqueued, m.state.Counters.Completed,
			m.state.Counters.Failed, m.state.Counters.Dead),
	)
	for _, a := range m.state.Assignments {
		lines = append(lines, fmt.Sprintf("  %s -> %s", a.TaskID, a.Worker))
	}
	esc := m.state.Escalations
	if esc.Warnings+esc.Escalated+esc.Abandoned > 0 {
		lines = append(lines, alertStyle.Render(fmt.Sprintf(
			"Escalations: %d warned · %d escalated · %d abandoned",
			esc.Warnings, esc.Escalated, esc.Abandoned)))
	}
	if !m.state.UpdatedAt.IsZero() {
		lines = append(lines, dimStyle.Render("updated "+m.state.UpdatedAt.Format(time.RFC3339)))
	}
	return strings.Join(lines, "\n")
}

func (m statusModel) renderEventsPanel() string {
	lines := []string{titleStyle.Render(fmt.Sprintf("Events (%d)", len(m.recent)))}
	if len(m.recent) == 0 {
		lines = append(lines, dimStyle.Render("waiting for events..."))
		return strings.Join(lines, "\n")
	}
	for _, e := range m.recent {
		line := fmt.Sprintf("%s  %-20s", e.Timestamp.Format("15:04:05"), e.Type)
		if e.TaskID != "" {
			line += " " + e.TaskID
		}
		if e.Worker != "" {
			line += " @" + e.Worker
		}
		switch e.Type {
		case event.TypeEscalationRaised, event.TypeTaskDead:
			line = alertStyle.Render(line)
		case event.TypeWorkerHeartbeat, event.TypeDebug:
			line = dimStyle.Render(line)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// runStatusTUI drives the live session view until the user quits or ctx
// is cancelled.
func runStatusTUI(ctx context.Context, sess *session.Session) error {
	tailer := watch.NewTailer(sess.EventsPath())
	if err := tailer.Start(ctx); err != nil {
		return err
	}
	defer tailer.Stop()

	program := tea.NewProgram(newStatusModel(sess, tailer), tea.WithContext(ctx))
	_, err := program.Run()
	if err == tea.ErrProgramKilled {
		return nil
	}
	return err
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
