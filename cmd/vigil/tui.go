package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/viper"

	"vigil/internal/conversation"
	"vigil/internal/logging"
	"vigil/internal/session"
	"vigil/internal/tokens"
)

const toolPreviewTokens = 60

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)
	userStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	agentStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	markerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	planStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	toolStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	keyStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	bodyStyle   = lipgloss.NewStyle().PaddingLeft(2)
)

// panelMsg carries a conversation state change into the render loop.
type panelMsg struct{ change conversation.Change }

type activatedMsg struct{ err error }

type turnDoneMsg struct{ err error }

// programNotifier bridges the conversation's Notify callback to the tea
// program, which does not exist yet when the conversation is built.
type programNotifier struct {
	mu sync.Mutex
	p  *tea.Program
}

func (n *programNotifier) set(p *tea.Program) {
	n.mu.Lock()
	n.p = p
	n.mu.Unlock()
}

func (n *programNotifier) notify(change conversation.Change) {
	n.mu.Lock()
	p := n.p
	n.mu.Unlock()
	if p != nil {
		p.Send(panelMsg{change: change})
	}
}

type chatModel struct {
	conv    *conversation.Conversation
	manager *session.Manager
	subject session.Subject

	viewport viewport.Model
	textarea textarea.Model
	renderer *glamour.TermRenderer

	view      conversation.View
	width     int
	height    int
	ready     bool
	activated bool
	status    string
	err       error

	// lastLines lets a history prepend keep the scroll anchored on the
	// message the analyst was reading.
	lastLines int
}

func newChatModel(conv *conversation.Conversation, manager *session.Manager, subject session.Subject) chatModel {
	ta := textarea.New()
	ta.Placeholder = "Ask about this case... (Enter to send, Esc to stop a running turn)"
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 4000
	ta.SetHeight(3)
	ta.ShowLineNumbers = false

	return chatModel{
		conv:     conv,
		manager:  manager,
		subject:  subject,
		viewport: viewport.New(80, 20),
		textarea: ta,
		status:   "connecting",
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return activatedMsg{err: m.conv.Activate(ctx, m.subject)}
	})
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width - 2
		m.viewport.Height = msg.Height - 9
		m.textarea.SetWidth(msg.Width - 2)
		if m.renderer == nil {
			m.renderer, _ = glamour.NewTermRenderer(
				glamour.WithAutoStyle(),
				glamour.WithWordWrap(m.viewport.Width-4),
			)
		}
		if !m.ready {
			m.ready = true
			m.refresh(conversation.ChangeReset)
		}
		return m, nil

	case activatedMsg:
		m.activated = msg.err == nil
		if msg.err != nil {
			m.err = msg.err
			m.status = "activation failed"
		} else {
			m.status = "ready"
		}
		m.refresh(conversation.ChangeReset)
		return m, nil

	case panelMsg:
		m.refresh(msg.change)
		return m, nil

	case turnDoneMsg:
		if msg.err != nil {
			m.err = msg.err
		}
		m.status = "ready"
		m.refresh(conversation.ChangeStream)
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			m.conv.Cancel()
			return m, tea.Quit

		case tea.KeyEsc:
			if m.view.Streaming {
				m.conv.Cancel()
				m.status = "stopping"
			}
			return m, nil

		case tea.KeyPgUp:
			if m.viewport.AtTop() && m.view.HasMore {
				cmds = append(cmds, m.loadOlderCmd())
			}
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, tea.Batch(append(cmds, cmd)...)

		case tea.KeyUp, tea.KeyDown, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd

		case tea.KeyEnter:
			if msg.Alt {
				var cmd tea.Cmd
				m.textarea, cmd = m.textarea.Update(msg)
				return m, cmd
			}
			input := strings.TrimSpace(m.textarea.Value())
			if input == "" {
				return m, nil
			}
			m.textarea.Reset()
			m.err = nil
			return m.dispatch(input)
		}
	}

	var cmd tea.Cmd
	m.textarea, cmd = m.textarea.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// dispatch routes slash commands and plain questions.
func (m chatModel) dispatch(input string) (tea.Model, tea.Cmd) {
	switch input {
	case "/clear":
		if err := m.conv.Clear(); err != nil {
			m.err = err
		}
		return m, nil
	case "/purge":
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return turnDoneMsg{err: m.conv.Purge(ctx)}
		}
	case "/older":
		return m, m.loadOlderCmd()
	}

	if m.view.Streaming {
		m.status = "a turn is already running; Esc to stop it"
		return m, nil
	}
	m.status = "streaming"
	return m, func() tea.Msg {
		return turnDoneMsg{err: m.conv.Submit(context.Background(), input)}
	}
}

func (m chatModel) loadOlderCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return turnDoneMsg{err: m.conv.LoadOlder(ctx)}
	}
}

// refresh pulls a fresh snapshot and re-renders. History prepends keep the
// viewport anchored; everything else follows the tail.
func (m *chatModel) refresh(change conversation.Change) {
	m.view = m.conv.Snapshot()
	if !m.ready {
		return
	}

	content := m.renderTranscript()
	lines := strings.Count(content, "\n") + 1
	offset := m.viewport.YOffset
	m.viewport.SetContent(content)

	if change == conversation.ChangeHistory {
		m.viewport.SetYOffset(offset + lines - m.lastLines)
	} else {
		m.viewport.GotoBottom()
	}
	m.lastLines = lines
}

func (m *chatModel) renderTranscript() string {
	var b strings.Builder
	if m.view.HasMore {
		b.WriteString(mutedStyle.Render("── PgUp for older messages ──"))
		b.WriteString("\n\n")
	}
	for i, msg := range m.view.Messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.renderMessage(msg))
	}
	return b.String()
}

func (m *chatModel) renderMessage(msg *conversation.Message) string {
	switch msg.Role {
	case conversation.RoleUser:
		return userStyle.Render("You") + "\n" + bodyStyle.Render(msg.DisplayText)
	case conversation.RoleContextMarker:
		return markerStyle.Render("── " + msg.DisplayText + " ──")
	}

	var b strings.Builder
	header := agentStyle.Render("Agent")
	if msg.IsFinalizing {
		header += mutedStyle.Render("  composing answer")
	}
	b.WriteString(header)
	b.WriteString("\n")

	for _, seg := range msg.Segments {
		switch s := seg.(type) {
		case *conversation.PlanningSegment:
			b.WriteString(m.renderPlan(msg, s))
		case *conversation.ToolSegment:
			b.WriteString(bodyStyle.Render(m.renderToolRun(s.Run)))
		case *conversation.DraftSegment:
			b.WriteString(bodyStyle.Render(planStyle.Render("draft: " + s.Content)))
		case *conversation.TextSegment:
			b.WriteString(bodyStyle.Render(m.renderText(msg, s.Content)))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *chatModel) renderPlan(msg *conversation.Message, s *conversation.PlanningSegment) string {
	if msg.PlanCollapsed {
		lines := strings.Count(s.Content, "\n") + 1
		return bodyStyle.Render(planStyle.Render(fmt.Sprintf("▸ thinking (%d lines, collapsed)", lines)))
	}
	return bodyStyle.Render(planStyle.Render("▾ thinking\n" + s.Content))
}

func (m *chatModel) renderToolRun(run *conversation.ToolRun) string {
	if run == nil {
		return ""
	}
	switch run.Status {
	case conversation.ToolRunning:
		label := run.Name
		if run.Commentary != "" {
			label += " — " + run.Commentary
		}
		return toolStyle.Render("⏳ " + label)
	case conversation.ToolError:
		detail := run.ErrorMessage
		if detail == "" {
			detail = run.ErrorCode
		}
		return errStyle.Render(fmt.Sprintf("✗ %s failed: %s (%dms)", run.Name, detail, run.DurationMS))
	default:
	}
	line := toolStyle.Render(fmt.Sprintf("✓ %s (%dms)", run.Name, run.DurationMS))
	if preview := previewPayload(run.Output); preview != "" {
		line += "\n" + mutedStyle.Render("  "+preview)
	}
	return line
}

// previewPayload renders a short single-line summary of a tool output.
func previewPayload(payload any) string {
	if payload == nil {
		return ""
	}
	text := fmt.Sprintf("%v", payload)
	text = strings.Join(strings.Fields(text), " ")
	return tokens.Truncate(text, toolPreviewTokens)
}

func (m *chatModel) renderText(msg *conversation.Message, content string) string {
	if msg.Final() && m.renderer != nil {
		if rendered, err := m.renderer.Render(content); err == nil {
			return strings.TrimSpace(rendered)
		}
	}
	if m.view.Streaming && !msg.Final() {
		return content + " ▊"
	}
	return content
}

func (m chatModel) View() string {
	if !m.ready {
		return "Initializing..."
	}

	title := fmt.Sprintf("  vigil | %s", m.subject.Key)
	if m.subject.AlertLabel != "" {
		title += " | " + m.subject.AlertLabel
	}
	title += " | " + m.status
	header := headerStyle.Width(m.width).Render(title)

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		m.textarea.View(),
		m.footer(),
	)
}

func (m chatModel) footer() string {
	parts := []string{
		keyStyle.Render("Enter"), mutedStyle.Render(" send • "),
		keyStyle.Render("Esc"), mutedStyle.Render(" stop • "),
		keyStyle.Render("PgUp"), mutedStyle.Render(" older • "),
		keyStyle.Render("/clear /purge"), mutedStyle.Render(" • "),
		keyStyle.Render("Ctrl+C"), mutedStyle.Render(" quit"),
	}

	parts = append(parts, mutedStyle.Render("  |  "+m.contextMeter()))
	if id := m.manager.SessionID(); id != "" {
		parts = append(parts, mutedStyle.Render("  |  "+id))
	}
	if m.err != nil {
		parts = append(parts, errStyle.Render(fmt.Sprintf("  |  %v", m.err)))
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(lipgloss.JoinHorizontal(lipgloss.Left, parts...))
}

// contextMeter shows the server's view of the context window plus a local
// estimate of the draft being typed.
func (m chatModel) contextMeter() string {
	snap := m.view.Context
	budget := snap.TokenBudget
	if budget <= 0 {
		budget = conversation.DefaultTokenBudget
	}
	used := snap.TokenEstimate + tokens.Estimate(m.textarea.Value())
	meter := fmt.Sprintf("ctx %s/%s (%d%%)", compact(used), compact(budget), used*100/budget)
	if snap.SummarizationTriggered {
		meter += fmt.Sprintf(" summarized v%d", snap.SummaryVersion)
	}
	return meter
}

func compact(n int) string {
	if n >= 1000 {
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}

// runChatTUI builds the conversation panel and blocks until the analyst
// quits.
func runChatTUI(a *app, subject session.Subject) error {
	notifier := &programNotifier{}
	a.conv = conversation.New(conversation.Options{
		Backend:        a.client,
		Sessions:       a.manager,
		Logger:         logging.NewComponentLogger("conversation"),
		Metrics:        a.metrics,
		Tracer:         a.tracer,
		Notify:         notifier.notify,
		ShowValidation: viper.GetBool("debug"),
	})

	model := newChatModel(a.conv, a.manager, subject)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion())
	notifier.set(p)

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("chat panel: %w", err)
	}
	return nil
}
