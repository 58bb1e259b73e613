package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Backend is the slice of the hub client the dashboard needs.
type Backend interface {
	ListAgents(ctx context.Context) ([]any, error)
	ListEventHandlers(ctx context.Context, includeInactive bool) ([]any, error)
	ListAgentLogs(ctx context.Context, agentID int64, limit int) ([]any, error)
	PollerStatus(ctx context.Context) (string, error)
	StartPoller(ctx context.Context) (string, error)
	StopPoller(ctx context.Context) (string, error)
	RunAgent(ctx context.Context, name string) (map[string]any, error)
	SetEventHandlerActive(ctx context.Context, id int64, active bool) error
}

type tab int

const (
	tabAgents tab = iota
	tabHandlers
	tabLogs
)

var tabNames = []string{"Agents", "Handlers", "Logs"}

const (
	logLimit        = 50
	refreshInterval = 5 * time.Second
	requestTimeout  = 10 * time.Second
	runTimeout      = 30 * time.Minute
)

type snapshotMsg struct {
	agents   []map[string]any
	handlers []map[string]any
	logs     []map[string]any
	poller   string
	err      error
}

type pollerToggledMsg struct {
	status string
	err    error
}

type runDoneMsg struct {
	name    string
	outcome map[string]any
	err     error
}

type handlerToggledMsg struct {
	err error
}

type tickMsg time.Time

type model struct {
	backend Backend
	tab     tab
	cursors [3]int
	width   int
	height  int

	agents   []map[string]any
	handlers []map[string]any
	logs     []map[string]any
	poller   string

	// logAgentID scopes the Logs tab to one agent; zero means every agent.
	logAgentID   int64
	logAgentName string

	filter    textinput.Model
	filtering bool

	spinner    spinner.Model
	running    string
	loading    bool
	statusLine string
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	tabStyle      = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("8"))
	activeTab     = lipgloss.NewStyle().Padding(0, 1).Bold(true).Foreground(lipgloss.Color("10")).Underline(true)
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
)

func Run(backend Backend) error {
	program := tea.NewProgram(newModel(backend), tea.WithAltScreen())
	_, err := program.Run()
	return err
}

func newModel(backend Backend) model {
	filter := textinput.New()
	filter.Prompt = "Filter: "
	filter.Placeholder = "name or type"

	spin := spinner.New()
	spin.Spinner = spinner.Dot

	return model{
		backend:    backend,
		filter:     filter,
		spinner:    spin,
		loading:    true,
		statusLine: "loading...",
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), tickCmd(), m.spinner.Tick)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		return m, nil
	case snapshotMsg:
		m.loading = false
		if typed.err != nil {
			m.statusLine = "refresh failed: " + typed.err.Error()
			return m, nil
		}
		m.agents = typed.agents
		m.handlers = typed.handlers
		m.logs = typed.logs
		m.poller = typed.poller
		m.clampCursors()
		if m.running == "" {
			m.statusLine = fmt.Sprintf("updated %s", time.Now().Format("15:04:05"))
		}
		return m, nil
	case pollerToggledMsg:
		if typed.err != nil {
			m.statusLine = "poller: " + typed.err.Error()
			return m, nil
		}
		m.statusLine = "poller " + typed.status
		return m, m.refreshCmd()
	case handlerToggledMsg:
		if typed.err != nil {
			m.statusLine = "handler update failed: " + typed.err.Error()
			return m, nil
		}
		return m, m.refreshCmd()
	case runDoneMsg:
		m.running = ""
		switch {
		case typed.err != nil:
			m.statusLine = fmt.Sprintf("run %s failed: %v", typed.name, typed.err)
		case typed.outcome["success"] == true:
			m.statusLine = fmt.Sprintf("run %s ok in %sms", typed.name, field(typed.outcome, "duration_ms"))
		default:
			m.statusLine = fmt.Sprintf("run %s failed: %s", typed.name, field(typed.outcome, "error"))
		}
		return m, m.refreshCmd()
	case tickMsg:
		if m.loading {
			return m, tickCmd()
		}
		return m, tea.Batch(m.refreshCmd(), tickCmd())
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case tea.KeyMsg:
		return m.updateKeys(typed)
	}
	return m, nil
}

func (m model) updateKeys(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.String() == "ctrl+c" {
		return m, tea.Quit
	}

	if m.filtering {
		switch key.String() {
		case "esc":
			m.filtering = false
			m.filter.SetValue("")
			m.filter.Blur()
			m.clampCursors()
			return m, nil
		case "enter":
			m.filtering = false
			m.filter.Blur()
			m.clampCursors()
			return m, nil
		}
		var cmd tea.Cmd
		m.filter, cmd = m.filter.Update(key)
		m.clampCursors()
		return m, cmd
	}

	switch key.String() {
	case "q":
		return m, tea.Quit
	case "tab", "right":
		m.tab = (m.tab + 1) % tab(len(tabNames))
		return m, nil
	case "shift+tab", "left":
		m.tab = (m.tab + tab(len(tabNames)) - 1) % tab(len(tabNames))
		return m, nil
	case "j", "down":
		if m.cursors[m.tab] < len(m.visibleRows())-1 {
			m.cursors[m.tab]++
		}
		return m, nil
	case "k", "up":
		if m.cursors[m.tab] > 0 {
			m.cursors[m.tab]--
		}
		return m, nil
	case "/":
		m.filtering = true
		m.filter.Focus()
		return m, textinput.Blink
	case "r":
		m.loading = true
		m.statusLine = "refreshing..."
		return m, m.refreshCmd()
	case "p":
		return m, m.togglePollerCmd()
	case "enter":
		if m.tab == tabAgents {
			return m.startRun()
		}
	case "a":
		if m.tab == tabHandlers {
			return m, m.toggleHandlerCmd()
		}
	case "l":
		if m.tab == tabAgents {
			if row, ok := m.selectedRow(); ok {
				m.logAgentID = int64Field(row, "id")
				m.logAgentName = field(row, "name")
				m.tab = tabLogs
				m.cursors[tabLogs] = 0
				return m, m.refreshCmd()
			}
		}
		if m.tab == tabLogs && m.logAgentID != 0 {
			m.logAgentID = 0
			m.logAgentName = ""
			return m, m.refreshCmd()
		}
	}
	return m, nil
}

func (m model) startRun() (tea.Model, tea.Cmd) {
	if m.running != "" {
		m.statusLine = "run already in progress: " + m.running
		return m, nil
	}
	row, ok := m.selectedRow()
	if !ok {
		return m, nil
	}
	name := field(row, "name")
	m.running = name
	m.statusLine = "running " + name + "..."
	backend := m.backend
	return m, tea.Batch(m.spinner.Tick, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		outcome, err := backend.RunAgent(ctx, name)
		return runDoneMsg{name: name, outcome: outcome, err: err}
	})
}

func (m model) View() string {
	tabs := make([]string, 0, len(tabNames))
	for i, name := range tabNames {
		if tab(i) == m.tab {
			tabs = append(tabs, activeTab.Render(name))
		} else {
			tabs = append(tabs, tabStyle.Render(name))
		}
	}

	pollerLine := errStyle.Render("poller " + defaultString(m.poller, "unknown"))
	if m.poller == "running" {
		pollerLine = okStyle.Render("poller running")
	}

	status := m.statusLine
	if m.running != "" || m.loading {
		status = m.spinner.View() + " " + status
	}

	lines := []string{
		titleStyle.Render("personaliz") + "  " + pollerLine,
		lipgloss.JoinHorizontal(lipgloss.Top, tabs...),
		"",
	}
	if m.filtering || m.filter.Value() != "" {
		lines = append(lines, m.filter.View())
	}
	lines = append(lines, m.viewRows()...)
	lines = append(lines,
		"",
		mutedStyle.Render(m.helpLine()),
		mutedStyle.Render(status),
	)
	return strings.Join(lines, "\n")
}

func (m model) viewRows() []string {
	rows := m.visibleRows()
	if len(rows) == 0 {
		return []string{mutedStyle.Render("(nothing here yet)")}
	}
	window := 20
	if m.height > 10 {
		window = m.height - 9
	}
	cursor := m.cursors[m.tab]
	start := maxInt(0, cursor-window/2)
	end := minInt(len(rows), start+window)

	out := make([]string, 0, end-start+1)
	if m.tab == tabLogs && m.logAgentName != "" {
		out = append(out, mutedStyle.Render("agent: "+m.logAgentName+" (l: all agents)"))
	}
	for i := start; i < end; i++ {
		line := m.formatRow(rows[i])
		if i == cursor {
			out = append(out, selectedStyle.Render("> "+line))
		} else {
			out = append(out, "  "+line)
		}
	}
	return out
}

func (m model) formatRow(row map[string]any) string {
	switch m.tab {
	case tabAgents:
		active := "on "
		if row["is_active"] != true {
			active = "off"
		}
		return fmt.Sprintf("%-20s %s %-16s next=%s", truncate(field(row, "name"), 20), active,
			truncate(field(row, "schedule"), 16), defaultString(field(row, "next_run"), "-"))
	case tabHandlers:
		active := "on "
		if row["is_active"] != true {
			active = "off"
		}
		return fmt.Sprintf("%-20s %s %-8s every %ss last=%s", truncate(field(row, "name"), 20), active,
			field(row, "event_type"), field(row, "interval_seconds"), defaultString(field(row, "last_check"), "never"))
	default:
		return fmt.Sprintf("%s %-16s %-14s %s", field(row, "timestamp"), truncate(field(row, "agent_name"), 16),
			truncate(field(row, "event_type"), 14), truncate(field(row, "message"), 80))
	}
}

func (m model) helpLine() string {
	base := "tab: switch | j/k: move | r: refresh | p: toggle poller | /: filter | q: quit"
	switch m.tab {
	case tabAgents:
		return base + " | enter: run | l: logs"
	case tabHandlers:
		return base + " | a: toggle active"
	default:
		return base
	}
}

func (m model) visibleRows() []map[string]any {
	var rows []map[string]any
	switch m.tab {
	case tabAgents:
		rows = m.agents
	case tabHandlers:
		rows = m.handlers
	default:
		rows = m.logs
	}
	query := strings.ToLower(strings.TrimSpace(m.filter.Value()))
	if query == "" {
		return rows
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		haystack := strings.ToLower(field(row, "name") + " " + field(row, "agent_name") + " " + field(row, "event_type"))
		if strings.Contains(haystack, query) {
			out = append(out, row)
		}
	}
	return out
}

func (m model) selectedRow() (map[string]any, bool) {
	rows := m.visibleRows()
	cursor := m.cursors[m.tab]
	if cursor < 0 || cursor >= len(rows) {
		return nil, false
	}
	return rows[cursor], true
}

func (m *model) clampCursors() {
	current := m.tab
	for i := range m.cursors {
		m.tab = tab(i)
		if m.cursors[i] >= len(m.visibleRows()) {
			m.cursors[i] = maxInt(0, len(m.visibleRows())-1)
		}
	}
	m.tab = current
}

func (m model) refreshCmd() tea.Cmd {
	backend := m.backend
	agentID := m.logAgentID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		agents, err := backend.ListAgents(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		handlers, err := backend.ListEventHandlers(ctx, true)
		if err != nil {
			return snapshotMsg{err: err}
		}
		logs, err := backend.ListAgentLogs(ctx, agentID, logLimit)
		if err != nil {
			return snapshotMsg{err: err}
		}
		pollerStatus, err := backend.PollerStatus(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		return snapshotMsg{
			agents:   rowsOf(agents),
			handlers: rowsOf(handlers),
			logs:     rowsOf(logs),
			poller:   pollerStatus,
		}
	}
}

func (m model) togglePollerCmd() tea.Cmd {
	backend := m.backend
	running := m.poller == "running"
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if running {
			status, err := backend.StopPoller(ctx)
			return pollerToggledMsg{status: status, err: err}
		}
		status, err := backend.StartPoller(ctx)
		return pollerToggledMsg{status: status, err: err}
	}
}

func (m model) toggleHandlerCmd() tea.Cmd {
	row, ok := m.selectedRow()
	if !ok {
		return nil
	}
	backend := m.backend
	id := int64Field(row, "id")
	active := row["is_active"] == true
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return handlerToggledMsg{err: backend.SetEventHandlerActive(ctx, id, !active)}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func rowsOf(items []any) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if row, ok := item.(map[string]any); ok {
			out = append(out, row)
		}
	}
	return out
}

// field renders a decoded JSON value; numbers arrive as float64.
func field(row map[string]any, key string) string {
	switch typed := row[key].(type) {
	case nil:
		return ""
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(typed)
	default:
		return fmt.Sprint(typed)
	}
}

func int64Field(row map[string]any, key string) int64 {
	value, _ := row[key].(float64)
	return int64(value)
}

func truncate(value string, max int) string {
	runes := []rune(value)
	if len(runes) <= max {
		return value
	}
	if max <= 1 {
		return string(runes[:max])
	}
	return string(runes[:max-1]) + "…"
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
