// Package dashboard renders a live terminal view of aggregated worker state.
package dashboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/theirongolddev/herd/internal/events"
	"github.com/theirongolddev/herd/internal/output"
	"github.com/theirongolddev/herd/internal/util"
)

// DefaultRefreshInterval is how often the view re-reads worker state.
const DefaultRefreshInterval = time.Second

// historyRows is the number of recent bus events shown under the table.
const historyRows = 6

// StateSource supplies the worker states to display.
type StateSource interface {
	States() []events.WorkerState
}

// HistorySource supplies recent bus events, newest first.
type HistorySource interface {
	History(limit int) []events.BusEvent
}

// ApproveFunc evaluates the pending prompt of one worker.
type ApproveFunc func(ctx context.Context, workerID string) (string, error)

// KeyMap defines dashboard keybindings.
type KeyMap struct {
	Up      key.Binding
	Down    key.Binding
	Refresh key.Binding
	Approve key.Binding
	Quit    key.Binding
}

// DefaultKeyMap returns the standard bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
		Approve: key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "evaluate prompt")),
		Quit:    key.NewBinding(key.WithKeys("q", "esc", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// RefreshMsg triggers a state re-read.
type RefreshMsg struct{}

// ApprovedMsg carries the outcome of an evaluation started from the view.
type ApprovedMsg struct {
	WorkerID string
	Action   string
	Err      error
}

// Model is the bubbletea model for the dashboard.
type Model struct {
	states   StateSource
	history  HistorySource
	approve  ApproveFunc
	keys     KeyMap
	interval time.Duration

	rows    []events.WorkerState
	recent  []events.BusEvent
	cursor  int
	width   int
	height  int
	notice  string
	updated time.Time
	now     func() time.Time
}

// Option configures a Model.
type Option func(*Model)

// WithHistory shows recent bus events below the worker table.
func WithHistory(h HistorySource) Option { return func(m *Model) { m.history = h } }

// WithApprove enables the evaluate key.
func WithApprove(fn ApproveFunc) Option { return func(m *Model) { m.approve = fn } }

// WithRefreshInterval overrides DefaultRefreshInterval.
func WithRefreshInterval(d time.Duration) Option {
	return func(m *Model) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithClock overrides the clock used for the header timestamp.
func WithClock(now func() time.Time) Option { return func(m *Model) { m.now = now } }

// New creates a dashboard over states.
func New(states StateSource, opts ...Option) Model {
	m := Model{
		states:   states,
		keys:     DefaultKeyMap(),
		interval: DefaultRefreshInterval,
		width:    100,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&m)
	}
	m.load()
	return m
}

// Init starts the refresh loop.
func (m Model) Init() tea.Cmd {
	return m.tick()
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return RefreshMsg{} })
}

func (m *Model) load() {
	m.rows = m.states.States()
	if m.history != nil {
		m.recent = m.history.History(historyRows)
	}
	if m.cursor >= len(m.rows) {
		m.cursor = max(len(m.rows)-1, 0)
	}
	m.updated = m.now()
}

// Selected returns the worker under the cursor.
func (m Model) Selected() (events.WorkerState, bool) {
	if m.cursor < 0 || m.cursor >= len(m.rows) {
		return events.WorkerState{}, false
	}
	return m.rows[m.cursor], true
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case RefreshMsg:
		m.load()
		return m, m.tick()

	case ApprovedMsg:
		if msg.Err != nil {
			m.notice = fmt.Sprintf("%s: %v", msg.WorkerID, msg.Err)
		} else {
			m.notice = fmt.Sprintf("%s: %s", msg.WorkerID, msg.Action)
		}
		m.load()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Up):
			if m.cursor > 0 {
				m.cursor--
			}
		case key.Matches(msg, m.keys.Down):
			if m.cursor < len(m.rows)-1 {
				m.cursor++
			}
		case key.Matches(msg, m.keys.Refresh):
			m.load()
		case key.Matches(msg, m.keys.Approve):
			return m, m.evaluate()
		}
	}
	return m, nil
}

func (m Model) evaluate() tea.Cmd {
	w, ok := m.Selected()
	if !ok || m.approve == nil || w.Pending == nil {
		return nil
	}
	fn := m.approve
	id := w.WorkerID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		action, err := fn(ctx, id)
		return ApprovedMsg{WorkerID: id, Action: action, Err: err}
	}
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(output.ColorInfo)
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(output.ColorSubtle)
	cursorStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle   = lipgloss.NewStyle().Foreground(output.ColorSubtle)
	keyStyle      = lipgloss.NewStyle().Bold(true).Foreground(output.ColorOverlay)
	degradedStyle = lipgloss.NewStyle().Foreground(output.ColorWarn)
)

const (
	colWorker = 20
	colStatus = 18
	colAge    = 8
)

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("herd"))
	b.WriteString(subtleStyle.Render(fmt.Sprintf("  %s  updated %s",
		output.CountStr(len(m.rows), "worker", "workers"), m.updated.Format("15:04:05"))))
	b.WriteString("\n\n")

	if len(m.rows) == 0 {
		b.WriteString(subtleStyle.Render("  No subscribed workers."))
		b.WriteString("\n")
	} else {
		detail := max(m.width-colWorker-colStatus-colAge-8, 16)
		b.WriteString(headerStyle.Render("  " + pad("WORKER", colWorker) + " " + pad("STATUS", colStatus) + " " +
			pad("IDLE", colAge) + " " + "ACTIVITY"))
		b.WriteString("\n")
		for i, w := range m.rows {
			marker := "  "
			if i == m.cursor {
				marker = cursorStyle.Render("> ")
			}
			status := lipgloss.NewStyle().Foreground(output.StatusColor(string(w.Status))).
				Render(pad(string(w.Status), colStatus))
			line := marker + pad(w.WorkerID, colWorker) + " " + status + " " +
				pad(util.FormatAge(w.SinceLastEvent), colAge) + " " + runewidth.Truncate(activity(w), detail, "…")
			if w.Degraded {
				line += degradedStyle.Render(" [screen]")
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	if w, ok := m.Selected(); ok && w.Pending != nil {
		b.WriteString("\n")
		b.WriteString(degradedStyle.Render("Pending: " + w.Pending.Class()))
		b.WriteString("\n")
		if txt := strings.TrimSpace(w.Pending.Text); txt != "" {
			b.WriteString(subtleStyle.Render("  " + runewidth.Truncate(txt, max(m.width-4, 16), "…")))
			b.WriteString("\n")
		}
	}

	if len(m.recent) > 0 {
		b.WriteString("\n")
		b.WriteString(headerStyle.Render("Recent"))
		b.WriteString("\n")
		for _, ev := range m.recent {
			b.WriteString(subtleStyle.Render("  " + ev.EventTimestamp().Format("15:04:05") + " " + describe(ev)))
			b.WriteString("\n")
		}
	}

	if m.notice != "" {
		b.WriteString("\n")
		b.WriteString(m.notice)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.helpBar())
	return b.String()
}

func (m Model) helpBar() string {
	bindings := []key.Binding{m.keys.Up, m.keys.Down, m.keys.Refresh}
	if m.approve != nil {
		bindings = append(bindings, m.keys.Approve)
	}
	bindings = append(bindings, m.keys.Quit)

	parts := make([]string, 0, len(bindings))
	for _, kb := range bindings {
		h := kb.Help()
		parts = append(parts, keyStyle.Render(h.Key)+" "+subtleStyle.Render(h.Desc))
	}
	return strings.Join(parts, "  ")
}

func activity(w events.WorkerState) string {
	switch {
	case w.Pending != nil:
		return "awaiting " + w.Pending.Class()
	case w.Error != "":
		return w.Error
	case w.LastTool != nil:
		if w.LastTool.Subject != "" {
			return w.LastTool.Tool + " " + w.LastTool.Subject
		}
		return w.LastTool.Tool
	case w.LastEventKind != "":
		return string(w.LastEventKind)
	}
	return ""
}

func describe(ev events.BusEvent) string {
	switch e := ev.(type) {
	case events.StateChanged:
		return fmt.Sprintf("%s %s -> %s", e.Worker, e.From, e.To)
	case events.Degraded:
		if e.Degraded {
			return e.Worker + " stream lost, watching screen"
		}
		return e.Worker + " stream restored"
	case events.ApprovalDecided:
		return fmt.Sprintf("%s %s %s", e.Worker, e.Action, e.Class)
	}
	return ev.EventWorker() + " " + ev.EventType()
}

func pad(s string, width int) string {
	s = runewidth.Truncate(s, width, "…")
	return runewidth.FillRight(s, width)
}
