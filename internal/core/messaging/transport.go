package messaging

import (
	"context"
	"errors"
)

var (
	// ErrConnect is returned when the socket or protocol handshake fails.
	ErrConnect = errors.New("connect failed")
	// ErrNotConnected is returned when an operation requires an open connection.
	ErrNotConnected = errors.New("not connected")
)

// State is the lifecycle state of a Transport.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
)

// Frame is an inbound frame delivered to a subscription handler.
type Frame struct {
	Destination string
	Body        []byte
}

// Handler receives inbound frames for one subscription. Handlers are invoked
// in the order frames arrive on the socket and never concurrently for the same
// subscription.
type Handler func(Frame)

// Subscription is an active subscription on a Transport.
type Subscription interface {
	// Topic returns the destination the subscription is attached to.
	Topic() string
	// Unsubscribe detaches the handler. It is safe to call more than once and
	// after the underlying connection is gone.
	Unsubscribe() error
}

// Transport owns one broker connection and its subscription set.
type Transport interface {
	// Connect opens the connection. It is a no-op when already connected.
	Connect(ctx context.Context) error
	// Subscribe attaches a handler to a topic. Returns ErrNotConnected outside
	// the connected state.
	Subscribe(topic string, handler Handler) (Subscription, error)
	// Publish sends a payload to a destination. Returns ErrNotConnected
	// outside the connected state without sending anything.
	Publish(ctx context.Context, destination string, payload []byte) error
	// Disconnect closes the connection gracefully, forcing it closed when ctx
	// ends first.
	Disconnect(ctx context.Context) error
	// State returns the current lifecycle state.
	State() State
	// OnDisconnect registers a callback fired when the connection closes
	// unexpectedly. Subscriptions are invalid once it fires.
	OnDisconnect(fn func(err error))
}
