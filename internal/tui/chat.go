package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hay-kot/dmchat/internal/core/config"
	"github.com/hay-kot/dmchat/internal/core/messaging"
	"github.com/hay-kot/dmchat/internal/core/session"
	"github.com/hay-kot/dmchat/internal/styles"
)

// Chat layout constants.
const (
	// title, two dividers, input, status and help lines.
	chatChrome = 6
	// minimum rows given to the message viewport.
	minViewportHeight = 3
)

// Session is the part of session.Manager the chat view drives.
type Session interface {
	LocalID() messaging.UserID
	SelectPeer(ctx context.Context, username string) error
	SendMessage(ctx context.Context, body string) (messaging.Message, error)
	Log() []messaging.Message
	Status() session.Session
}

// Options configures the chat view.
type Options struct {
	// ClearOnSend is config.ClearOptimistic or config.ClearConfirmed.
	ClearOnSend string
	// Markdown renders bodies with glamour.
	Markdown bool
	// Bridge delivers session notifications. Optional.
	Bridge *Bridge
}

type statusLevel int

const (
	levelInfo statusLevel = iota
	levelWarn
	levelError
)

// Model is the Bubble Tea model of the chat view.
type Model struct {
	sess     Session
	opts     Options
	keys     keyMap
	help     help.Model
	viewport viewport.Model
	input    textinput.Model
	renderer *bodyRenderer

	width  int
	height int
	ready  bool

	sending     bool
	status      string
	statusLevel statusLevel
	quitting    bool
}

// NewChat creates the chat view for an already selected session.
func NewChat(sess Session, opts Options) Model {
	if opts.ClearOnSend == "" {
		opts.ClearOnSend = config.ClearOptimistic
	}

	input := textinput.New()
	input.Placeholder = "Write a message"
	input.Prompt = promptStyle.Render("› ")
	input.Cursor.Style = lipgloss.NewStyle().Foreground(styles.ColorBlue)
	input.Focus()

	h := help.New()
	helpStyle := lipgloss.NewStyle().Foreground(styles.ColorGray)
	h.Styles.ShortKey = helpStyle
	h.Styles.ShortDesc = helpStyle
	h.Styles.ShortSeparator = helpStyle
	h.ShortSeparator = " " + iconDot + " "

	m := Model{
		sess:     sess,
		opts:     opts,
		keys:     defaultKeyMap(),
		help:     h,
		viewport: viewport.New(0, 0),
		input:    input,
		renderer: newBodyRenderer(opts.Markdown, 0),
	}
	m.refresh()
	return m
}

// Init starts listening for session notifications.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitIncoming(), m.waitLost())
}

// Update handles a message and returns the updated model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.setSize(msg.Width, msg.Height)
		return m, nil

	case incomingMsg:
		m.refresh()
		return m, m.waitIncoming()

	case connectionLostMsg:
		m.setStatus(levelError, "connection lost: "+errText(msg.err))
		return m, m.waitLost()

	case sendResultMsg:
		m.handleSendResult(msg)
		return m, nil

	case peerSelectedMsg:
		m.handlePeerSelected(msg)
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.Send):
			return m.submit()
		case key.Matches(msg, m.keys.PageUp):
			m.viewport.HalfPageUp()
			return m, nil
		case key.Matches(msg, m.keys.PageDown):
			m.viewport.HalfPageDown()
			return m, nil
		case key.Matches(msg, m.keys.Top):
			m.viewport.GotoTop()
			return m, nil
		case key.Matches(msg, m.keys.Bottom):
			m.viewport.GotoBottom()
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit handles the enter key.
func (m Model) submit() (tea.Model, tea.Cmd) {
	value := m.input.Value()
	if strings.TrimSpace(value) == "" {
		return m, nil
	}

	if cmd, ok := m.command(value); ok {
		return m, cmd
	}

	if m.sending {
		m.setStatus(levelWarn, "still sending the previous message")
		return m, nil
	}

	m.sending = true
	if m.opts.ClearOnSend == config.ClearOptimistic {
		m.input.Reset()
	}
	m.setStatus(levelInfo, "sending…")
	return m, sendMessage(m.sess, value)
}

// command runs a slash command. Text that is not a known command is sent as
// a message.
func (m *Model) command(value string) (tea.Cmd, bool) {
	fields := strings.Fields(value)
	switch fields[0] {
	case "/quit":
		m.quitting = true
		return tea.Quit, true
	case "/peer":
		if len(fields) != 2 {
			m.setStatus(levelWarn, "usage: /peer <username>")
			return nil, true
		}
		m.input.Reset()
		m.setStatus(levelInfo, "opening chat with "+fields[1]+"…")
		return selectPeer(m.sess, fields[1]), true
	}
	return nil, false
}

func (m *Model) handleSendResult(msg sendResultMsg) {
	m.sending = false

	if msg.err != nil {
		// Give the text back unless the user already started a new message.
		if m.input.Value() == "" {
			m.input.SetValue(msg.body)
			m.input.CursorEnd()
		}
		m.setStatus(levelError, "send failed: "+errText(msg.err))
		return
	}

	if m.opts.ClearOnSend == config.ClearConfirmed && m.input.Value() == msg.body {
		m.input.Reset()
	}
	m.setStatus(levelInfo, "")
}

func (m *Model) handlePeerSelected(msg peerSelectedMsg) {
	if msg.err != nil {
		m.setStatus(levelError, fmt.Sprintf("could not open chat with %s: %s", msg.username, errText(msg.err)))
		return
	}
	m.setStatus(levelInfo, "")
	m.refresh()
	m.viewport.GotoBottom()
}

func (m *Model) setSize(width, height int) {
	m.width = width
	m.height = height
	m.ready = true

	m.viewport.Width = width
	m.viewport.Height = max(height-chatChrome, minViewportHeight)
	m.input.Width = max(width-4, 1)
	m.help.Width = width

	m.renderer = newBodyRenderer(m.opts.Markdown, width-2)
	m.refresh()
	m.viewport.GotoBottom()
}

// refresh re-renders the log, following new messages when the view was
// already scrolled to the bottom.
func (m *Model) refresh() {
	follow := m.viewport.AtBottom()
	m.viewport.SetContent(m.renderLog())
	if follow {
		m.viewport.GotoBottom()
	}
}

func (m *Model) setStatus(level statusLevel, text string) {
	m.statusLevel = level
	m.status = text
}

func (m Model) waitIncoming() tea.Cmd {
	if m.opts.Bridge == nil {
		return nil
	}
	return waitForIncoming(m.opts.Bridge.Incoming)
}

func (m Model) waitLost() tea.Cmd {
	if m.opts.Bridge == nil {
		return nil
	}
	return waitForLost(m.opts.Bridge.Lost)
}

// View renders the chat view.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return statusStyle.Render("loading…")
	}

	divider := dividerStyle.Render(strings.Repeat("─", max(m.width, 1)))

	return lipgloss.JoinVertical(
		lipgloss.Left,
		m.renderTitle(),
		divider,
		m.viewport.View(),
		divider,
		m.input.View(),
		m.renderStatus(),
		lipgloss.NewStyle().PaddingLeft(1).Render(m.help.View(m.keys)),
	)
}

func (m Model) renderTitle() string {
	status := m.sess.Status()

	var dot string
	switch status.State {
	case messaging.StateConnected:
		dot = connectedStyle.Render("●")
	case messaging.StateConnecting:
		dot = connectingStyle.Render("●")
	default:
		dot = disconnectedStyle.Render("●")
	}

	title := "dmchat"
	if status.Peer != nil {
		title += " " + iconDot + " " + status.Peer.Label()
	}

	out := titleStyle.Render(title) + " " + dot
	if status.Topic != "" {
		out += " " + topicStyle.Render(status.Topic.String())
	}
	return out
}

func (m Model) renderStatus() string {
	switch m.statusLevel {
	case levelError:
		return errorStyle.Render(m.status)
	case levelWarn:
		return warnStyle.Render(m.status)
	default:
		return statusStyle.Render(m.status)
	}
}

// renderLog renders the session log, oldest message first.
func (m Model) renderLog() string {
	log := m.sess.Log()
	if len(log) == 0 {
		return emptyStyle.Render("No messages yet.")
	}

	status := m.sess.Status()
	peerName := "them"
	if status.Peer != nil {
		peerName = status.Peer.Label()
	}
	local := m.sess.LocalID()

	body := bodyStyle
	if m.width > 4 && !m.opts.Markdown {
		body = body.Width(m.width - 2)
	}

	var b strings.Builder
	for i, msg := range log {
		author := peerStyle.Render(peerName)
		if msg.IsFrom(local) {
			author = selfStyle.Render("You")
		}

		b.WriteString(author)
		if !msg.DateSent.IsZero() {
			b.WriteString(" " + timeStyle.Render(msg.DateSent.Local().Format("15:04")))
		}
		b.WriteString("\n")
		b.WriteString(body.Render(m.renderer.Render(msg.Body)))
		if i < len(log)-1 {
			b.WriteString("\n\n")
		}
	}
	return b.String()
}

// Status returns the text of the status line.
func (m Model) Status() string {
	return m.status
}

// InputValue returns the current text of the compose field.
func (m Model) InputValue() string {
	return m.input.Value()
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	switch {
	case errors.Is(err, session.ErrValidation):
		return "message is empty"
	case errors.Is(err, session.ErrNoConversation):
		return "no conversation selected, use /peer <username>"
	case errors.Is(err, messaging.ErrNotConnected):
		return "not connected"
	}
	return err.Error()
}
