package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/hay-kot/dmchat/internal/core/conversation"
	"github.com/hay-kot/dmchat/internal/core/directory"
	"github.com/hay-kot/dmchat/internal/core/messaging"
	"github.com/hay-kot/dmchat/internal/core/validate"
)

// target is a resolved conversation partner and the topic shared with them.
type target struct {
	peer  directory.Participant
	key   conversation.Key
	topic string
}

type eventKind int

const (
	eventFrame eventKind = iota
	eventFlush
	eventAbandon
)

// event is a unit of work for the manager loop. Every frame carries the epoch
// of the subscription it arrived on.
type event struct {
	kind  eventKind
	epoch uint64
	frame messaging.Frame
}

type messageHandler struct {
	id int
	fn func(messaging.Message)
}

// Manager owns the transport and the active conversation. All methods are
// safe for concurrent use.
//
// Inbound frames are tagged with the epoch of the selection that subscribed
// them and queued to a single loop goroutine, the only writer of the message
// log. The loop appends frames of the active epoch, holds frames of a newer
// epoch until that selection commits, and discards everything older.
type Manager struct {
	localID   messaging.UserID
	resolver  directory.Resolver
	transport messaging.Transport
	log       zerolog.Logger
	opts      Options

	// gen is the last epoch handed out. A selection commits only while its
	// epoch is still the latest.
	gen atomic.Uint64

	mu           sync.Mutex
	current      *target
	sub          messaging.Subscription
	closed       bool
	reconnecting bool

	hmu      sync.Mutex
	handlers []messageHandler
	nextID   int
	lost     []func(error)

	logMu       sync.RWMutex
	active      uint64
	activeTopic string
	entries     []messaging.Message
	pending     map[uint64][]messaging.Frame

	events chan event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Manager for the local participant. The manager takes
// ownership of transport; nothing else may connect, subscribe or disconnect it.
func NewManager(
	localID messaging.UserID,
	resolver directory.Resolver,
	transport messaging.Transport,
	log zerolog.Logger,
	opts Options,
) *Manager {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		localID:   localID,
		resolver:  resolver,
		transport: transport,
		log:       log,
		opts:      opts,
		pending:   make(map[uint64][]messaging.Frame),
		events:    make(chan event, opts.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	transport.OnDisconnect(m.handleConnectionLost)
	go m.run()

	return m
}

// LocalID returns the id of the local participant.
func (m *Manager) LocalID() messaging.UserID {
	return m.localID
}

// SelectPeer makes username the active conversation. It resolves the peer,
// derives the shared topic, connects when needed and subscribes before
// releasing the previous topic, so a failure at any step leaves the previous
// conversation untouched. The message log is cleared once the new
// conversation is active.
func (m *Manager) SelectPeer(ctx context.Context, username string) error {
	username = strings.TrimSpace(username)
	if err := validate.Username(username); err != nil {
		return fmt.Errorf("select peer: %w: %w", ErrValidation, err)
	}
	if m.isClosed() {
		return fmt.Errorf("select peer %s: %w", username, ErrClosed)
	}

	epoch := m.gen.Add(1)

	id, err := m.resolve(ctx, username)
	if err != nil {
		return fmt.Errorf("select peer %s: %w", username, err)
	}

	key, err := conversation.DeriveTopic(m.localID.String(), id.String())
	if err != nil {
		return fmt.Errorf("select peer %s: %w", username, err)
	}

	t := target{
		peer:  directory.Participant{ID: id, Username: username},
		key:   key,
		topic: conversation.Destination(m.opts.TopicPrefix, key),
	}

	if err := m.switchTo(ctx, epoch, t, false); err != nil {
		return fmt.Errorf("select peer %s: %w", username, err)
	}

	if m.opts.Recent != nil {
		if err := m.opts.Recent.Touch(ctx, username, id); err != nil {
			m.log.Warn().Err(err).Str("peer", username).Msg("failed to update recent peers")
		}
	}

	m.log.Info().Str("peer", username).Str("topic", t.topic).Uint64("epoch", epoch).Msg("conversation active")
	return nil
}

func (m *Manager) resolve(ctx context.Context, username string) (messaging.UserID, error) {
	ctx, cancel := withTimeout(ctx, m.opts.ResolveTimeout)
	defer cancel()

	id, err := m.resolver.ResolveUserID(ctx, username)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, directory.ErrTransport) {
			return "", fmt.Errorf("%w: %w", directory.ErrTransport, err)
		}
		return "", err
	}
	return id, nil
}

// switchTo subscribes t under epoch and commits it as the active
// conversation. With resume set the log is kept and the commit only happens
// while t is still the current conversation.
func (m *Manager) switchTo(ctx context.Context, epoch uint64, t target, resume bool) error {
	if err := m.ensureConnected(ctx); err != nil {
		return err
	}
	if m.gen.Load() != epoch {
		m.releaseIfClosed()
		return ErrSuperseded
	}

	sub, err := m.transport.Subscribe(t.topic, func(f messaging.Frame) {
		m.enqueue(event{kind: eventFrame, epoch: epoch, frame: f})
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	overtaken := m.closed || m.gen.Load() != epoch
	if resume && (m.current == nil || m.current.topic != t.topic) {
		overtaken = true
	}
	if overtaken {
		m.mu.Unlock()
		_ = sub.Unsubscribe()
		m.enqueue(event{kind: eventAbandon, epoch: epoch})
		m.releaseIfClosed()
		return ErrSuperseded
	}

	prev := m.sub
	m.current = &t
	m.sub = sub

	m.logMu.Lock()
	m.active = epoch
	m.activeTopic = t.topic
	if !resume {
		m.entries = nil
	}
	m.logMu.Unlock()
	m.mu.Unlock()

	m.enqueue(event{kind: eventFlush, epoch: epoch})

	if prev != nil {
		if err := prev.Unsubscribe(); err != nil {
			m.log.Debug().Err(err).Str("topic", prev.Topic()).Msg("unsubscribe previous topic")
		}
		m.record(messaging.Activity{Type: messaging.ActivityUnsubscribe, Topic: prev.Topic()})
	}
	m.record(messaging.Activity{
		Type:  messaging.ActivitySubscribe,
		Topic: t.topic,
		Peer:  t.peer.Username,
		Epoch: epoch,
	})
	return nil
}

// releaseIfClosed disconnects a connection opened by a selection that lost
// the race against Close.
func (m *Manager) releaseIfClosed() {
	if !m.isClosed() || m.transport.State() == messaging.StateDisconnected {
		return
	}

	ctx, cancel := withTimeout(context.Background(), m.opts.ConnectTimeout)
	defer cancel()
	if err := m.transport.Disconnect(ctx); err != nil {
		m.log.Debug().Err(err).Msg("disconnect after close")
		return
	}
	m.record(messaging.Activity{Type: messaging.ActivityDisconnect})
}

func (m *Manager) ensureConnected(ctx context.Context) error {
	if m.transport.State() == messaging.StateConnected {
		return nil
	}

	ctx, cancel := withTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	if err := m.transport.Connect(ctx); err != nil {
		return err
	}
	m.record(messaging.Activity{Type: messaging.ActivityConnect})
	return nil
}

// SendMessage publishes body to the active peer and returns the message that
// was sent. The message is not appended to the log here: it appears once the
// backend echoes it on the conversation topic, in arrival order with the
// peer's messages.
func (m *Manager) SendMessage(ctx context.Context, body string) (messaging.Message, error) {
	if err := validate.MessageBody(body); err != nil {
		return messaging.Message{}, fmt.Errorf("send message: %w: %w", ErrValidation, err)
	}

	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur == nil {
		return messaging.Message{}, fmt.Errorf("send message: %w", ErrNoConversation)
	}

	msg := messaging.Message{
		Body:        body,
		SenderID:    m.localID,
		RecipientID: cur.peer.ID,
		DateSent:    m.opts.Now().UTC(),
	}

	payload, err := msg.Encode()
	if err != nil {
		return messaging.Message{}, fmt.Errorf("send message: %w", err)
	}

	ctx, cancel := withTimeout(ctx, m.opts.PublishTimeout)
	defer cancel()

	if err := m.transport.Publish(ctx, m.opts.SendDestination, payload); err != nil {
		return messaging.Message{}, fmt.Errorf("send message: %w", err)
	}

	m.record(messaging.Activity{
		Type:   messaging.ActivityPublish,
		Topic:  cur.topic,
		Peer:   cur.peer.Username,
		Sender: m.localID,
	})
	return msg, nil
}

// OnMessage registers fn to be called once for every message appended to the
// log, with that single message. Calls happen on the manager loop in log
// order, so fn must not block. The returned func unregisters fn.
func (m *Manager) OnMessage(fn func(messaging.Message)) (unregister func()) {
	m.hmu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers = append(m.handlers, messageHandler{id: id, fn: fn})
	m.hmu.Unlock()

	return func() {
		m.hmu.Lock()
		defer m.hmu.Unlock()
		m.handlers = slices.DeleteFunc(m.handlers, func(h messageHandler) bool { return h.id == id })
	}
}

// OnConnectionLost registers fn to be called when the connection drops
// unexpectedly.
func (m *Manager) OnConnectionLost(fn func(err error)) {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	m.lost = append(m.lost, fn)
}

// Log returns a copy of the active conversation's messages in receipt order.
func (m *Manager) Log() []messaging.Message {
	m.logMu.RLock()
	defer m.logMu.RUnlock()
	return slices.Clone(m.entries)
}

// Status returns a snapshot of the session.
func (m *Manager) Status() Session {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()

	m.logMu.RLock()
	s := Session{
		LocalID:  m.localID,
		Epoch:    m.active,
		Messages: len(m.entries),
	}
	m.logMu.RUnlock()

	s.State = m.transport.State()
	if cur != nil {
		peer := cur.peer
		s.Peer = &peer
		s.Topic = cur.key
		s.Destination = cur.topic
	}
	return s
}

// Teardown releases the active conversation and disconnects the transport.
// Selections still in flight are superseded. The manager can be used again
// afterwards.
func (m *Manager) Teardown(ctx context.Context) error {
	epoch := m.gen.Add(1)

	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.current = nil

	m.logMu.Lock()
	m.active = epoch
	m.activeTopic = ""
	m.entries = nil
	m.logMu.Unlock()
	m.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			m.log.Debug().Err(err).Str("topic", sub.Topic()).Msg("unsubscribe")
		}
		m.record(messaging.Activity{Type: messaging.ActivityUnsubscribe, Topic: sub.Topic()})
	}

	if m.transport.State() == messaging.StateDisconnected {
		return nil
	}
	if err := m.transport.Disconnect(ctx); err != nil {
		return fmt.Errorf("teardown: %w", err)
	}
	m.record(messaging.Activity{Type: messaging.ActivityDisconnect})
	return nil
}

// Close tears the session down and stops the manager loop. Further
// selections fail with ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	err := m.Teardown(ctx)
	m.cancel()
	<-m.done
	return err
}

// isCurrent reports whether cur is still the active conversation of an open
// manager.
func (m *Manager) isCurrent(cur *target) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.current == cur
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) enqueue(ev event) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

func (m *Manager) run() {
	defer close(m.done)

	for {
		select {
		case ev := <-m.events:
			m.process(ev)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) process(ev event) {
	var (
		appended  []messaging.Message
		discarded int
	)

	m.logMu.Lock()
	active, topic := m.active, m.activeTopic

	// Frames held for the active epoch arrived before ev.
	for epoch, frames := range m.pending {
		switch {
		case epoch == active:
			appended = m.appendLocked(appended, frames...)
			delete(m.pending, epoch)
		case epoch < active:
			discarded += len(frames)
			delete(m.pending, epoch)
		}
	}

	switch ev.kind {
	case eventFrame:
		switch {
		case ev.epoch == active:
			appended = m.appendLocked(appended, ev.frame)
		case ev.epoch > active:
			m.pending[ev.epoch] = append(m.pending[ev.epoch], ev.frame)
		default:
			discarded++
		}
	case eventAbandon:
		discarded += len(m.pending[ev.epoch])
		delete(m.pending, ev.epoch)
	}
	m.logMu.Unlock()

	if discarded > 0 {
		m.log.Debug().Int("frames", discarded).Uint64("epoch", active).Msg("discarded stale frames")
		m.record(messaging.Activity{
			Type:   messaging.ActivityDiscard,
			Topic:  topic,
			Epoch:  active,
			Detail: fmt.Sprintf("%d frame(s)", discarded),
		})
	}

	if len(appended) == 0 {
		return
	}

	m.hmu.Lock()
	handlers := slices.Clone(m.handlers)
	m.hmu.Unlock()

	for _, msg := range appended {
		m.record(messaging.Activity{
			Type:   messaging.ActivityReceive,
			Topic:  topic,
			Sender: msg.SenderID,
			Epoch:  active,
		})
		for _, h := range handlers {
			h.fn(msg)
		}
	}
}

// appendLocked decodes frames onto the log. Malformed frames are skipped.
// Caller must hold logMu.
func (m *Manager) appendLocked(out []messaging.Message, frames ...messaging.Frame) []messaging.Message {
	for _, f := range frames {
		msg, err := messaging.DecodeMessage(f.Body)
		if err != nil {
			m.log.Warn().Err(err).Str("topic", f.Destination).Msg("skipping malformed frame")
			continue
		}
		m.entries = append(m.entries, msg)
		out = append(out, msg)
	}
	return out
}

func (m *Manager) handleConnectionLost(cause error) {
	m.mu.Lock()
	cur := m.current
	m.sub = nil
	closed := m.closed
	m.mu.Unlock()

	var topic string
	if cur != nil {
		topic = cur.topic
	}

	m.log.Warn().Err(cause).Str("topic", topic).Msg("connection lost")
	m.record(messaging.Activity{
		Type:   messaging.ActivityConnectionLost,
		Topic:  topic,
		Detail: errString(cause),
	})

	m.hmu.Lock()
	lost := slices.Clone(m.lost)
	m.hmu.Unlock()
	for _, fn := range lost {
		fn(cause)
	}

	if closed || cur == nil || !m.opts.Reconnect.Enabled {
		return
	}
	go m.reconnect(cur)
}

// reconnect restores the connection and resubscribes cur under a fresh epoch
// so the self-echo of sent messages keeps working. It gives up once cur is no
// longer the active conversation, that is after a successful selection, a
// teardown or Close. A selection that fails leaves cur active and recovery
// continues.
func (m *Manager) reconnect(cur *target) {
	m.mu.Lock()
	if m.reconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	t := *cur
	policy := m.opts.Reconnect
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval

	opts := []backoff.RetryOption{backoff.WithBackOff(b)}
	if policy.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(policy.MaxAttempts))
	}

	last := m.gen.Load()
	attempts := 0

	epoch, err := backoff.Retry(m.ctx, func() (uint64, error) {
		if !m.isCurrent(cur) {
			return 0, backoff.Permanent(ErrSuperseded)
		}
		// A selection started since the last attempt. Retry later under a
		// newer epoch; if it succeeds cur stops being current.
		if !m.gen.CompareAndSwap(last, last+1) {
			last = m.gen.Load()
			return 0, ErrSuperseded
		}
		last++
		attempts++

		if err := m.switchTo(m.ctx, last, t, true); err != nil {
			if errors.Is(err, ErrSuperseded) {
				if !m.isCurrent(cur) {
					return 0, backoff.Permanent(err)
				}
				last = m.gen.Load()
			}
			m.log.Debug().Err(err).Int("attempt", attempts).Msg("reconnect attempt failed")
			return 0, err
		}
		return last, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, context.Canceled) || (errors.Is(err, ErrSuperseded) && !m.isCurrent(cur)) {
			m.log.Debug().Str("topic", t.topic).Msg("reconnect abandoned")
			return
		}
		m.log.Error().Err(err).Int("attempts", attempts).Str("topic", t.topic).Msg("reconnect failed")
		m.record(messaging.Activity{
			Type:   messaging.ActivityConnectionLost,
			Topic:  t.topic,
			Detail: fmt.Sprintf("gave up after %d attempt(s): %v", attempts, err),
		})
		return
	}

	m.log.Info().Int("attempts", attempts).Str("topic", t.topic).Msg("reconnected")
	m.record(messaging.Activity{
		Type:   messaging.ActivityReconnect,
		Topic:  t.topic,
		Peer:   t.peer.Username,
		Epoch:  epoch,
		Detail: fmt.Sprintf("%d attempt(s)", attempts),
	})
}

func (m *Manager) record(a messaging.Activity) {
	if a.Timestamp.IsZero() {
		a.Timestamp = m.opts.Now()
	}
	if err := m.opts.Recorder.Record(a); err != nil {
		m.log.Warn().Err(err).Str("type", string(a.Type)).Msg("failed to record activity")
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
