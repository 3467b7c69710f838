// Package stompws implements messaging.Transport as STOMP over a WebSocket.
package stompws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hay-kot/dmchat/internal/core/messaging"
)

// Subprotocols offered during the websocket handshake, newest first.
var Subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

const contentTypeJSON = "application/json"

// Options configures a Transport.
type Options struct {
	// Token is sent as a bearer token on the handshake and the CONNECT frame.
	Token string
	// Host is the STOMP virtual host.
	Host string
	// HeartBeatSend and HeartBeatRecv are the heart-beat intervals offered to
	// the broker. Zero disables the direction.
	HeartBeatSend time.Duration
	HeartBeatRecv time.Duration
	// Receipts makes Publish wait for a broker RECEIPT.
	Receipts bool
	// Dialer overrides the default websocket dialer.
	Dialer *websocket.Dialer
	Logger zerolog.Logger
}

// Transport owns one STOMP session over one websocket. The zero value is not
// usable, construct with New.
type Transport struct {
	url    string
	opts   Options
	dialer *websocket.Dialer
	log    zerolog.Logger

	mu           sync.Mutex
	state        messaging.State
	conn         *stomp.Conn
	ws           *WSConn
	connecting   chan struct{}
	disconnected chan struct{}
	subs         map[*subscription]struct{}
	onDisconnect []func(error)
}

var _ messaging.Transport = (*Transport)(nil)

// New creates a Transport for the websocket endpoint at url.
func New(url string, opts Options) *Transport {
	var dialer websocket.Dialer
	if opts.Dialer != nil {
		dialer = *opts.Dialer
	} else {
		dialer = *websocket.DefaultDialer
	}
	dialer.Subprotocols = Subprotocols

	return &Transport{
		url:    url,
		opts:   opts,
		dialer: &dialer,
		log:    opts.Logger,
		state:  messaging.StateDisconnected,
		subs:   make(map[*subscription]struct{}),
	}
}

// State implements messaging.Transport.
func (t *Transport) State() messaging.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnDisconnect implements messaging.Transport.
func (t *Transport) OnDisconnect(fn func(err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = append(t.onDisconnect, fn)
}

// Connect implements messaging.Transport. Concurrent callers share a single
// handshake.
func (t *Transport) Connect(ctx context.Context) error {
	proceed, err := t.beginConnect(ctx)
	if !proceed {
		return err
	}

	conn, ws, err := t.dial(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	defer close(t.connecting)

	if err != nil {
		t.state = messaging.StateDisconnected
		t.log.Warn().Err(err).Str("url", t.url).Msg("connect failed")
		return fmt.Errorf("%w: %w", messaging.ErrConnect, err)
	}

	t.conn = conn
	t.ws = ws
	t.state = messaging.StateConnected
	t.log.Debug().Str("url", t.url).Str("version", string(conn.Version())).Msg("connected")

	// The socket may have dropped between the handshake and this point.
	if ws.Closed() {
		go t.handleClosed(ws, io.ErrUnexpectedEOF)
	}
	return nil
}

// beginConnect moves the transport into the connecting state. It returns
// false when the caller has nothing left to do, either because another
// handshake already succeeded or because waiting for it failed.
func (t *Transport) beginConnect(ctx context.Context) (bool, error) {
	for {
		t.mu.Lock()
		switch t.state {
		case messaging.StateConnected:
			t.mu.Unlock()
			return false, nil
		case messaging.StateDisconnecting:
			t.mu.Unlock()
			return false, fmt.Errorf("%w: disconnect in progress", messaging.ErrConnect)
		case messaging.StateConnecting:
			wait := t.connecting
			t.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return false, fmt.Errorf("%w: %w", messaging.ErrConnect, ctx.Err())
			}
		}

		t.state = messaging.StateConnecting
		t.connecting = make(chan struct{})
		t.mu.Unlock()
		return true, nil
	}
}

func (t *Transport) dial(ctx context.Context) (*stomp.Conn, *WSConn, error) {
	header := http.Header{}
	if t.opts.Token != "" {
		header.Set("Authorization", "Bearer "+t.opts.Token)
	}

	raw, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, nil, fmt.Errorf("dial %s: %s: %w", t.url, resp.Status, err)
		}
		return nil, nil, fmt.Errorf("dial %s: %w", t.url, err)
	}

	ws := NewWSConn(raw, nil)
	ws.onClose = func(err error) { go t.handleClosed(ws, err) }

	connOpts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeat(t.opts.HeartBeatSend, t.opts.HeartBeatRecv),
	}
	if t.opts.Host != "" {
		connOpts = append(connOpts, stomp.ConnOpt.Host(t.opts.Host))
	}
	if t.opts.Token != "" {
		connOpts = append(connOpts, stomp.ConnOpt.Header("Authorization", "Bearer "+t.opts.Token))
	}

	// Abort the handshake if ctx ends while waiting for CONNECTED.
	stop := context.AfterFunc(ctx, func() { _ = raw.Close() })

	conn, err := stomp.Connect(ws, connOpts...)
	if !stop() {
		if err == nil {
			_ = conn.MustDisconnect()
		}
		return nil, nil, fmt.Errorf("stomp handshake: %w", ctx.Err())
	}
	if err != nil {
		_ = raw.Close()
		return nil, nil, fmt.Errorf("stomp handshake: %w", err)
	}

	return conn, ws, nil
}

// Subscribe implements messaging.Transport.
func (t *Transport) Subscribe(topic string, handler messaging.Handler) (messaging.Subscription, error) {
	t.mu.Lock()
	if t.state != messaging.StateConnected {
		t.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", topic, messaging.ErrNotConnected)
	}
	conn := t.conn
	t.mu.Unlock()

	inner, err := conn.Subscribe(topic, stomp.AckAuto)
	if err != nil {
		return nil, t.wrapConnErr("subscribe "+topic, err)
	}

	sub := &subscription{
		topic:     topic,
		inner:     inner,
		handler:   handler,
		transport: t,
		done:      make(chan struct{}),
	}
	sub.active.Store(true)

	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	go sub.pump()

	t.log.Debug().Str("topic", topic).Str("id", inner.Id()).Msg("subscribed")
	return sub, nil
}

// Publish implements messaging.Transport. When ctx ends first Publish returns
// the context error, but the frame may still be written afterwards because
// the send cannot be recalled once handed to the connection. A caller that
// retries after a timeout can therefore deliver the message twice; the self
// echo on the conversation topic is the only reliable confirmation.
func (t *Transport) Publish(ctx context.Context, destination string, payload []byte) error {
	t.mu.Lock()
	if t.state != messaging.StateConnected {
		t.mu.Unlock()
		return fmt.Errorf("publish %s: %w", destination, messaging.ErrNotConnected)
	}
	conn := t.conn
	t.mu.Unlock()

	var sendOpts []func(*frame.Frame) error
	if t.opts.Receipts {
		sendOpts = append(sendOpts, stomp.SendOpt.Receipt)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- conn.Send(destination, contentTypeJSON, payload, sendOpts...)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return t.wrapConnErr("publish "+destination, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", destination, ctx.Err())
	}
}

// Disconnect implements messaging.Transport. A handshake in flight is
// awaited and the resulting connection closed, so Disconnect never leaves a
// connection behind. Concurrent callers wait for the same disconnect.
func (t *Transport) Disconnect(ctx context.Context) error {
	for {
		t.mu.Lock()
		var wait chan struct{}
		switch t.state {
		case messaging.StateDisconnected:
			t.mu.Unlock()
			return nil
		case messaging.StateConnecting:
			wait = t.connecting
		case messaging.StateDisconnecting:
			wait = t.disconnected
		}
		if wait == nil {
			break
		}
		t.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return fmt.Errorf("disconnect: %w", ctx.Err())
		}
	}

	t.state = messaging.StateDisconnecting
	t.disconnected = make(chan struct{})
	conn, ws := t.conn, t.ws
	subs := t.takeSubsLocked()
	t.mu.Unlock()

	for _, s := range subs {
		s.active.Store(false)
	}

	done := make(chan error, 1)
	go func() { done <- conn.Disconnect() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		_ = conn.MustDisconnect()
		err = ctx.Err()
	}
	_ = ws.Close()

	t.mu.Lock()
	t.state = messaging.StateDisconnected
	t.conn = nil
	t.ws = nil
	close(t.disconnected)
	t.mu.Unlock()

	if err != nil {
		t.log.Debug().Err(err).Msg("disconnect was not acknowledged")
		return fmt.Errorf("disconnect: %w", err)
	}
	t.log.Debug().Msg("disconnected")
	return nil
}

// handleClosed runs when the read side of ws ends. Closures of a stale socket
// or during an orderly disconnect are ignored.
func (t *Transport) handleClosed(ws *WSConn, cause error) {
	t.mu.Lock()
	if t.ws != ws || t.state != messaging.StateConnected {
		t.mu.Unlock()
		return
	}
	t.state = messaging.StateDisconnected
	conn := t.conn
	t.conn = nil
	t.ws = nil
	subs := t.takeSubsLocked()
	callbacks := append([]func(error){}, t.onDisconnect...)
	t.mu.Unlock()

	for _, s := range subs {
		s.active.Store(false)
	}
	_ = conn.MustDisconnect()

	t.log.Warn().Err(cause).Int("subscriptions", len(subs)).Msg("connection lost")

	for _, fn := range callbacks {
		fn(cause)
	}
}

func (t *Transport) takeSubsLocked() []*subscription {
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.subs = make(map[*subscription]struct{})
	return subs
}

func (t *Transport) forget(s *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, s)
}

// wrapConnErr tags library errors with ErrNotConnected when the connection
// is gone.
func (t *Transport) wrapConnErr(op string, err error) error {
	if t.State() != messaging.StateConnected {
		return fmt.Errorf("%s: %w: %w", op, messaging.ErrNotConnected, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type subscription struct {
	topic     string
	inner     *stomp.Subscription
	handler   messaging.Handler
	transport *Transport
	active    atomic.Bool
	done      chan struct{}
}

func (s *subscription) Topic() string {
	return s.topic
}

// pump drains the library channel so the connection reader never blocks, and
// hands frames to the handler while the subscription is active.
func (s *subscription) pump() {
	defer close(s.done)

	for msg := range s.inner.C {
		if msg.Err != nil {
			s.transport.log.Debug().Err(msg.Err).Str("topic", s.topic).Msg("subscription ended")
			continue
		}
		if !s.active.Load() {
			continue
		}
		s.handler(messaging.Frame{Destination: msg.Destination, Body: msg.Body})
	}
}

// Unsubscribe stops frame delivery immediately. The UNSUBSCRIBE frame is sent
// in the background because the library waits for the broker's receipt.
func (s *subscription) Unsubscribe() error {
	if !s.active.CompareAndSwap(true, false) {
		return nil
	}
	s.transport.forget(s)

	if s.transport.State() != messaging.StateConnected {
		return nil
	}

	go func() {
		if err := s.inner.Unsubscribe(); err != nil && !errors.Is(err, context.Canceled) {
			s.transport.log.Debug().Err(err).Str("topic", s.topic).Msg("unsubscribe")
		}
	}()

	s.transport.log.Debug().Str("topic", s.topic).Msg("unsubscribed")
	return nil
}
