package console

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const maxLogLines = 2000

type executedMsg struct {
	lines []Line
}

type lineMsg struct {
	line Line
	ok   bool
}

type model struct {
	ctx     context.Context
	console *Console

	theme     theme
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	log       []Line
	width     int
	height    int
	isReady   bool
	isLoading bool
	followLog bool
}

func newModel(ctx context.Context, c *Console) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "Type /help, a command, or a message..."
	in.Focus()
	in.CharLimit = 0

	return &model{
		ctx:       ctx,
		console:   c,
		theme:     defaultTheme(),
		spinner:   spin,
		input:     in,
		viewport:  viewport.New(80, 12),
		width:     100,
		height:    28,
		followLog: true,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForLine(m.console.Lines()))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case tea.MouseMsg:
		m.handleViewportMouse(typed)
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}

		if m.handleViewportKey(typed) {
			return m, nil
		}

		if typed.String() == "enter" {
			if m.isLoading {
				return m, nil
			}

			input := strings.TrimSpace(m.input.Value())
			if input == "" {
				return m, nil
			}
			if isExitCommand(input) {
				return m, tea.Quit
			}

			m.input.SetValue("")
			m.isLoading = true
			m.followLog = true
			return m, tea.Batch(m.spinner.Tick, executeCmd(m.ctx, m.console, input))
		}
	case executedMsg:
		m.isLoading = false
		m.appendLines(typed.lines...)
		return m, nil
	case lineMsg:
		if !typed.ok {
			return m, nil
		}
		m.appendLines(typed.line)
		return m, waitForLine(m.console.Lines())
	case spinner.TickMsg:
		if !m.isLoading {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	}

	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}

	header := m.theme.header.Width(m.width - 2).Render("📟 DevOpsChat Console")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"session:%s · channel:#%s · agents:%d · pending:%d",
		displayOrNA(m.console.Session()),
		displayOrNA(m.console.Channel()),
		len(m.console.Bridge().Endpoints()),
		m.console.Bridge().Pending(),
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	status := m.theme.status.Render("💡 Enter run  ·  PgUp/PgDn scroll  ·  End jump latest  ·  🛑 Ctrl+C/Esc quit")
	if m.isLoading {
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s ⚡ waiting for agent...", m.spinner.View()))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
		m.theme.inputLabel.Render("⌨ Command")+" "+m.theme.hint.Render("(type /exit, quit, or :q)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)
}

func (m *model) appendLines(lines ...Line) {
	m.log = append(m.log, lines...)
	if over := len(m.log) - maxLogLines; over > 0 {
		m.log = m.log[over:]
	}
	m.refreshViewport(false)
}

func (m *model) resizeComponents() {
	w := max(50, m.width-6)
	h := max(8, m.height-10)

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset

	rendered := make([]string, 0, len(m.log))
	for _, line := range m.log {
		rendered = append(rendered, m.theme.forKind(line.Kind).Render(line.Text))
	}

	m.viewport.SetContent(strings.Join(rendered, "\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := max(0, m.viewport.TotalLineCount()-m.viewport.Height)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.ScrollUp(3)
		m.followLog = false
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.ScrollDown(3)
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	default:
		return false
	}
}

func executeCmd(ctx context.Context, c *Console, input string) tea.Cmd {
	return func() tea.Msg {
		return executedMsg{lines: c.Execute(ctx, input)}
	}
}

func waitForLine(lines <-chan Line) tea.Cmd {
	return func() tea.Msg {
		line, ok := <-lines
		return lineMsg{line: line, ok: ok}
	}
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
