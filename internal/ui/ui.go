// Package ui provides the terminal user interface using Bubble Tea.
package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ashutoshrp06/brainstream/internal/history"
	"github.com/ashutoshrp06/brainstream/internal/image"
	"github.com/ashutoshrp06/brainstream/internal/types"
)

// Session is the engine surface the UI drives.
type Session interface {
	Send(ctx context.Context, req types.SendRequest) error
	GenerateImage(ctx context.Context, req image.Request) error
	Cancel()
	Reset()
	State() types.SessionState
}

// Options supplies request defaults and the transcript.
type Options struct {
	NewRequest   func(content string) types.SendRequest
	ImageRequest func(prompt string) image.Request
	History      *history.Manager
}

// Bridge carries engine snapshots into the program. Only the latest snapshot
// is kept, so OnUpdate never blocks, even when called from inside Update.
type Bridge struct {
	mu      sync.Mutex
	updates chan types.SessionState
}

func NewBridge() *Bridge {
	return &Bridge{updates: make(chan types.SessionState, 1)}
}

// OnUpdate is meant to be installed as the engine's OnUpdate callback.
func (b *Bridge) OnUpdate(s types.SessionState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.updates:
	default:
	}
	b.updates <- s
}

func (b *Bridge) wait() tea.Cmd {
	return func() tea.Msg {
		return stateMsg{state: <-b.updates}
	}
}

type stateMsg struct{ state types.SessionState }

// doneMsg reports the end of a send or image request.
type doneMsg struct {
	prompt string
	mode   types.Mode
	image  bool
	err    error
	state  types.SessionState
}

// Model is the Bubble Tea model for the brainstream client.
type Model struct {
	// UI Components
	textInput textinput.Model
	spinner   spinner.Model
	viewport  viewport.Model
	styles    Styles

	// State
	session  Session
	bridge   *Bridge
	opts     Options
	live     types.SessionState
	busy     bool
	messages []chatMessage
	width    int
	height   int
	ready    bool
	quitting bool
	err      error
}

// chatMessage represents a message in the chat history.
type chatMessage struct {
	role    string // "user", "assistant", "thinking", "system", "error", "tool"
	content string
	tool    *types.ToolExecutionRecord
}

// NewModel creates a new UI model.
func NewModel(session Session, bridge *Bridge, opts Options) Model {
	ti := textinput.New()
	ti.Placeholder = "Ask anything... (/image <prompt> to generate an image)"
	ti.Focus()
	ti.CharLimit = 4000
	ti.Width = 80

	styles := DefaultStyles()

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = styles.Spinner

	vp := viewport.New(0, 0)
	vp.KeyMap = viewport.DefaultKeyMap()

	if opts.History == nil {
		opts.History = history.NewManager(0)
	}

	return Model{
		textInput: ti,
		spinner:   s,
		viewport:  vp,
		styles:    styles,
		session:   session,
		bridge:    bridge,
		opts:      opts,
		live:      types.NewSessionState(),
		messages:  make([]chatMessage, 0),
	}
}

// Run starts the interactive client and blocks until it exits.
func Run(session Session, bridge *Bridge, opts Options) error {
	p := tea.NewProgram(NewModel(session, bridge, opts), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, m.spinner.Tick}
	if m.bridge != nil {
		cmds = append(cmds, m.bridge.wait())
	}
	return tea.Batch(cmds...)
}

// headerHeight returns the number of terminal lines occupied by the banner.
func (m Model) headerHeight() int {
	banner := m.styles.BannerTitle.Render(Banner())
	return lipgloss.Height(banner) + 2 // +2 for the two "\n" after the banner
}

// footerHeight returns the number of terminal lines occupied by the input + help bar.
func (m Model) footerHeight() int {
	// 1 blank line + 1 prompt/input line + 1 newline + 1 help bar = 4
	return 4
}

// updateViewport rebuilds the viewport content and scrolls to the bottom.
func (m *Model) updateViewport() {
	var b strings.Builder

	for _, msg := range m.messages {
		b.WriteString(m.renderMessage(msg))
		b.WriteString("\n")
	}

	if m.busy {
		b.WriteString(m.renderLive())
	}

	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			if !m.busy {
				m.quitting = true
				return m, tea.Quit
			}
			// The request returns through doneMsg.
			m.session.Cancel()
			return m, nil

		case tea.KeyEnter:
			if m.busy {
				return m, nil
			}

			input := strings.TrimSpace(m.textInput.Value())
			if input == "" {
				return m, nil
			}
			m.textInput.SetValue("")

			cmd, handled := m.handleCommand(input)
			if handled {
				m.updateViewport()
				return m, cmd
			}

			m.messages = append(m.messages, chatMessage{role: "user", content: input})
			cmd = m.start(input, false)
			m.updateViewport()
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.textInput.Width = msg.Width - 10

		vpWidth := msg.Width
		vpHeight := msg.Height - m.headerHeight() - m.footerHeight()
		if vpHeight < 1 {
			vpHeight = 1
		}

		if !m.ready {
			m.viewport = viewport.New(vpWidth, vpHeight)
			m.viewport.KeyMap = viewport.DefaultKeyMap()
		} else {
			m.viewport.Width = vpWidth
			m.viewport.Height = vpHeight
		}

		m.ready = true
		m.updateViewport()

	case stateMsg:
		m.live = msg.state
		m.updateViewport()
		if m.bridge != nil {
			cmds = append(cmds, m.bridge.wait())
		}
		return m, tea.Batch(cmds...)

	case doneMsg:
		m.finish(msg)
		m.updateViewport()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
		// Refresh viewport to update spinner frame
		if m.busy {
			m.updateViewport()
		}
	}

	if !m.busy {
		var tiCmd tea.Cmd
		m.textInput, tiCmd = m.textInput.Update(msg)
		cmds = append(cmds, tiCmd)
	}

	var vpCmd tea.Cmd
	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	return m, tea.Batch(cmds...)
}

// start resets the session for a new turn and returns the command running it.
func (m *Model) start(prompt string, isImage bool) tea.Cmd {
	m.session.Reset()
	m.live = m.session.State()
	m.busy = true
	m.err = nil

	session := m.session
	if isImage {
		req := m.imageRequest(prompt)
		return func() tea.Msg {
			err := session.GenerateImage(context.Background(), req)
			return doneMsg{prompt: prompt, image: true, err: err, state: session.State()}
		}
	}

	req := m.sendRequest(prompt)
	return func() tea.Msg {
		err := session.Send(context.Background(), req)
		return doneMsg{prompt: prompt, mode: req.Mode, err: err, state: session.State()}
	}
}

func (m Model) sendRequest(content string) types.SendRequest {
	if m.opts.NewRequest != nil {
		return m.opts.NewRequest(content)
	}
	return types.SendRequest{Content: content}
}

func (m Model) imageRequest(prompt string) image.Request {
	if m.opts.ImageRequest != nil {
		return m.opts.ImageRequest(prompt)
	}
	return image.Request{Prompt: prompt}
}

// finish moves the result of a request into the transcript.
func (m *Model) finish(msg doneMsg) {
	m.busy = false
	m.live = msg.state
	m.err = msg.err
	s := msg.state

	if msg.image {
		switch {
		case s.ImageGeneration.Stage == types.ImageStageComplete:
			kinds := make([]string, 0, len(s.ImageGeneration.Images))
			for _, img := range s.ImageGeneration.Images {
				kinds = append(kinds, img.MediaType)
			}
			m.messages = append(m.messages, chatMessage{
				role:    "system",
				content: fmt.Sprintf("Generated %d image(s): %s", len(kinds), strings.Join(kinds, ", ")),
			})
		case s.ImageGeneration.Stage == types.ImageStageError:
			m.messages = append(m.messages, chatMessage{role: "error", content: "Image generation failed: " + s.ImageGeneration.Error})
		case msg.err != nil:
			m.messages = append(m.messages, chatMessage{role: "error", content: msg.err.Error()})
		default:
			m.messages = append(m.messages, chatMessage{role: "system", content: "Canceled."})
		}
		return
	}

	if s.Phase == types.PhaseComplete || s.Phase == types.PhaseError {
		m.opts.History.Record(msg.mode, msg.prompt, s)
	}

	if s.ThinkingContent != "" {
		m.messages = append(m.messages, chatMessage{role: "thinking", content: s.ThinkingContent})
	}
	for i := range s.ToolExecutions {
		rec := s.ToolExecutions[i]
		m.messages = append(m.messages, chatMessage{role: "tool", tool: &rec})
	}
	if s.TextContent != "" {
		m.messages = append(m.messages, chatMessage{role: "assistant", content: s.TextContent})
	}

	switch {
	case s.Phase == types.PhaseError && s.Error != nil:
		m.messages = append(m.messages, chatMessage{role: "error", content: "Error: " + s.Error.Message})
	case msg.err != nil && !errors.Is(msg.err, context.Canceled):
		m.messages = append(m.messages, chatMessage{role: "error", content: "Error: " + msg.err.Error()})
	case s.Phase == types.PhaseIdle:
		m.messages = append(m.messages, chatMessage{role: "system", content: "Canceled."})
	case s.TokenCounts != nil:
		m.messages = append(m.messages, chatMessage{
			role:    "system",
			content: fmt.Sprintf("%d in / %d out tokens", s.TokenCounts.Input, s.TokenCounts.Output),
		})
	}
}

// handleCommand processes special commands. It reports whether input was one.
func (m *Model) handleCommand(input string) (tea.Cmd, bool) {
	if prompt, ok := strings.CutPrefix(input, "/image "); ok {
		m.messages = append(m.messages, chatMessage{role: "user", content: "[image] " + prompt})
		return m.start(strings.TrimSpace(prompt), true), true
	}

	switch strings.ToLower(input) {
	case "exit", "quit", "q":
		m.quitting = true
		return tea.Quit, true

	case "clear":
		m.session.Reset()
		m.live = m.session.State()
		m.opts.History.Clear()
		m.messages = make([]chatMessage, 0)
		return nil, true

	case "history":
		turns := m.opts.History.Turns()
		if len(turns) == 0 {
			m.messages = append(m.messages, chatMessage{role: "system", content: "No finished turns yet."})
			return nil, true
		}
		var b strings.Builder
		for i, t := range turns {
			fmt.Fprintf(&b, "%d. [%s] %s -> %s\n", i+1, t.Phase, truncate(t.Prompt, 40), truncate(t.Answer, 60))
		}
		m.messages = append(m.messages, chatMessage{role: "system", content: strings.TrimRight(b.String(), "\n")})
		return nil, true

	case "help", "?":
		m.messages = append(m.messages, chatMessage{
			role: "system",
			content: `Available commands:
  help, ?          Show this help
  /image <prompt>  Generate an image
  history          List finished turns
  clear            Clear the session and history
  exit, quit       Exit

While a response is streaming, ctrl+c or esc cancels it.`,
		})
		return nil, true
	}

	return nil, false
}

// View renders the UI.
func (m Model) View() string {
	if m.quitting {
		return m.styles.SystemMessage.Render("Goodbye!\n")
	}

	if !m.ready {
		return "Initializing..."
	}

	var b strings.Builder

	// Fixed header: banner
	b.WriteString(m.styles.BannerTitle.Render(Banner()))
	b.WriteString("\n\n")

	// Scrollable middle: viewport
	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	// Fixed footer: input + help bar
	b.WriteString(m.styles.Prompt.Render("> "))
	if !m.busy {
		b.WriteString(m.textInput.View())
	} else {
		b.WriteString(m.styles.StatusText.Render("(streaming...)"))
	}
	b.WriteString("\n")
	b.WriteString(m.renderHelpBar())

	return m.styles.App.Render(b.String())
}

// renderMessage renders a single chat message.
func (m Model) renderMessage(msg chatMessage) string {
	switch msg.role {
	case "user":
		return m.styles.UserMessage.Render("You: " + msg.content)

	case "assistant":
		return m.styles.AssistantMessage.Render("Assistant: " + msg.content)

	case "thinking":
		return m.styles.Thinking.Render("Thinking: " + msg.content)

	case "system":
		return m.styles.SystemMessage.Render(msg.content)

	case "error":
		return m.styles.ErrorMessage.Render(msg.content)

	case "tool":
		if msg.tool != nil {
			return m.renderTool(*msg.tool)
		}
	}
	return ""
}

// renderLive renders the in-flight response from the latest snapshot.
func (m Model) renderLive() string {
	var b strings.Builder
	s := m.live

	if s.ThinkingContent != "" {
		b.WriteString(m.styles.Thinking.Render("Thinking: " + s.ThinkingContent))
		b.WriteString("\n")
	}

	for _, rec := range s.ToolExecutions {
		b.WriteString(m.renderTool(rec))
		b.WriteString("\n")
	}

	if n := len(s.RagContext); n > 0 {
		b.WriteString(m.styles.RagNote.Render(fmt.Sprintf("%d context entries retrieved", n)))
		b.WriteString("\n")
	}

	if s.TextContent != "" {
		b.WriteString(m.styles.AssistantMessage.Render("Assistant: " + s.TextContent))
		b.WriteString("\n")
	}

	b.WriteString(m.renderStatus())
	b.WriteString("\n")
	return b.String()
}

// renderTool renders one tool execution record.
func (m Model) renderTool(rec types.ToolExecutionRecord) string {
	var b strings.Builder

	b.WriteString(m.styles.ToolName.Render("Tool: " + rec.Tool))
	if len(rec.Arguments) > 0 {
		b.WriteString(" ")
		b.WriteString(m.styles.ToolParams.Render("(" + truncate(string(rec.Arguments), 120) + ")"))
	}
	b.WriteString("\n")

	switch rec.Status {
	case types.ToolRunning:
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
		b.WriteString(m.styles.StatusText.Render("Executing..."))

	case types.ToolCompleted:
		b.WriteString(m.styles.ToolSuccess.Render("  Success"))
		for _, line := range strings.Split(truncate(string(rec.Result), 300), "\n") {
			if line != "" {
				b.WriteString("\n")
				b.WriteString(m.styles.ToolOutput.Render("  | " + line))
			}
		}

	case types.ToolFailed:
		b.WriteString(m.styles.ToolError.Render("  Failed"))
		if len(rec.Result) > 0 {
			b.WriteString(m.styles.ToolParams.Render(": " + truncate(string(rec.Result), 200)))
		}
	}

	return m.styles.ToolBox.Render(b.String())
}

// renderStatus renders the current processing status.
func (m Model) renderStatus() string {
	label := m.live.StatusMessage
	if label == "" {
		label = m.live.Phase.String() + "..."
		if m.live.ImageGeneration.Stage == types.ImageStageRequesting {
			label = "Generating image..."
		}
	}
	return fmt.Sprintf("%s %s", m.spinner.View(), m.styles.PhaseLabel(m.live.Phase).Render(label))
}

// renderHelpBar renders the bottom help bar.
func (m Model) renderHelpBar() string {
	quit := " quit"
	if m.busy {
		quit = " cancel"
	}
	help := []string{
		m.styles.HelpKey.Render("enter") + m.styles.HelpValue.Render(" send"),
		m.styles.HelpKey.Render("ctrl+c") + m.styles.HelpValue.Render(quit),
		m.styles.HelpKey.Render("help") + m.styles.HelpValue.Render(" commands"),
		m.styles.HelpKey.Render("/image") + m.styles.HelpValue.Render(" generate image"),
	}
	return m.styles.HelpBar.Render(strings.Join(help, "  |  "))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
