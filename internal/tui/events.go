package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hay-kot/dmchat/internal/core/messaging"
)

// incomingMsg is sent when the session appended a message to its log.
type incomingMsg struct {
	message messaging.Message
}

// connectionLostMsg is sent when the transport dropped unexpectedly.
type connectionLostMsg struct {
	err error
}

// sendResultMsg is sent when a publish returns.
type sendResultMsg struct {
	body string
	err  error
}

// peerSelectedMsg is sent when a /peer switch finishes.
type peerSelectedMsg struct {
	username string
	err      error
}

// waitForIncoming returns a command that blocks until the next message
// notification. A closed channel ends the subscription.
func waitForIncoming(ch <-chan messaging.Message) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return incomingMsg{message: msg}
	}
}

// waitForLost returns a command that blocks until the connection drops.
func waitForLost(ch <-chan error) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		err, ok := <-ch
		if !ok {
			return nil
		}
		return connectionLostMsg{err: err}
	}
}

func sendMessage(sess Session, body string) tea.Cmd {
	return func() tea.Msg {
		_, err := sess.SendMessage(context.Background(), body)
		return sendResultMsg{body: body, err: err}
	}
}

func selectPeer(sess Session, username string) tea.Cmd {
	return func() tea.Msg {
		err := sess.SelectPeer(context.Background(), username)
		return peerSelectedMsg{username: username, err: err}
	}
}

// Bridge forwards session notifications into channels the chat view can wait
// on. Notifications are dropped when the view falls behind; the view always
// re-reads the full log, so a dropped notification only delays a redraw.
type Bridge struct {
	Incoming chan messaging.Message
	Lost     chan error
}

// NewBridge creates a Bridge with room for size pending notifications.
func NewBridge(size int) *Bridge {
	return &Bridge{
		Incoming: make(chan messaging.Message, size),
		Lost:     make(chan error, 1),
	}
}

// OnMessage is suitable for session.Manager.OnMessage.
func (b *Bridge) OnMessage(msg messaging.Message) {
	select {
	case b.Incoming <- msg:
	default:
	}
}

// OnConnectionLost is suitable for session.Manager.OnConnectionLost.
func (b *Bridge) OnConnectionLost(err error) {
	select {
	case b.Lost <- err:
	default:
	}
}
