// Package session manages the single active direct-message conversation of a
// client: which peer is selected, the topic it is subscribed to and the
// ordered log of messages received on it.
package session

import (
	"errors"
	"time"

	"github.com/hay-kot/dmchat/internal/core/conversation"
	"github.com/hay-kot/dmchat/internal/core/directory"
	"github.com/hay-kot/dmchat/internal/core/messaging"
	"github.com/hay-kot/dmchat/internal/core/recent"
)

// Sentinel errors for session operations.
var (
	// ErrValidation is returned when a message body is empty or whitespace.
	ErrValidation = errors.New("validation failed")
	// ErrNoConversation is returned when sending without a selected peer.
	ErrNoConversation = errors.New("no active conversation")
	// ErrSuperseded is returned by a selection that a later selection or a
	// teardown overtook before it could become active.
	ErrSuperseded = errors.New("selection superseded")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
)

// Session is a point-in-time view of the manager.
type Session struct {
	LocalID messaging.UserID
	// Peer is nil when no conversation is active.
	Peer        *directory.Participant
	Topic       conversation.Key
	Destination string
	Epoch       uint64
	State       messaging.State
	Messages    int
}

// Active reports whether a conversation is selected.
func (s Session) Active() bool {
	return s.Peer != nil
}

// ReconnectPolicy controls recovery after the connection drops.
type ReconnectPolicy struct {
	Enabled bool
	// MaxAttempts bounds the number of reconnect attempts. Zero means no limit.
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Options configures a Manager. Zero values fall back to the defaults below.
type Options struct {
	// SendDestination is where outbound messages are published.
	SendDestination string
	// TopicPrefix is prepended to conversation keys to form subscription
	// destinations.
	TopicPrefix string

	ResolveTimeout time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration

	Reconnect ReconnectPolicy

	// Recorder receives activity events. Defaults to messaging.NopRecorder.
	Recorder messaging.ActivityRecorder
	// Recent, when set, is touched every time a peer becomes active.
	Recent recent.Store

	// BufferSize is the capacity of the inbound frame queue.
	BufferSize int
	// Now is the clock used for message timestamps.
	Now func() time.Time
}

const (
	DefaultSendDestination = "/app/sendMessage"
	DefaultBufferSize      = 256
)

func (o Options) withDefaults() Options {
	if o.SendDestination == "" {
		o.SendDestination = DefaultSendDestination
	}
	if o.TopicPrefix == "" {
		o.TopicPrefix = conversation.DefaultTopicPrefix
	}
	if o.Recorder == nil {
		o.Recorder = messaging.NopRecorder{}
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Reconnect.InitialInterval <= 0 {
		o.Reconnect.InitialInterval = 500 * time.Millisecond
	}
	if o.Reconnect.MaxInterval <= 0 {
		o.Reconnect.MaxInterval = 15 * time.Second
	}
	return o
}
