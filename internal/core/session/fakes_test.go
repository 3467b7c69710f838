package session

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/hay-kot/dmchat/internal/core/directory"
	"github.com/hay-kot/dmchat/internal/core/messaging"
	"github.com/hay-kot/dmchat/internal/core/recent"
)

// fakeResolver resolves from a fixed table. Usernames with a gate block until
// the gate is closed.
type fakeResolver struct {
	mu    sync.Mutex
	ids   map[string]messaging.UserID
	gates map[string]chan struct{}
	calls []string
	err   error
}

func newFakeResolver(ids map[string]messaging.UserID) *fakeResolver {
	return &fakeResolver{ids: ids, gates: map[string]chan struct{}{}}
}

func (r *fakeResolver) gate(username string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan struct{})
	r.gates[username] = ch
	return ch
}

func (r *fakeResolver) ResolveUserID(ctx context.Context, username string) (messaging.UserID, error) {
	r.mu.Lock()
	r.calls = append(r.calls, username)
	gate := r.gates[username]
	id, ok := r.ids[username]
	err := r.err
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if !ok {
		return "", directory.ErrNotFound
	}
	return id, nil
}

type published struct {
	destination string
	payload     []byte
}

// fakeTransport is an in-memory messaging.Transport. Deliveries call handlers
// synchronously on the caller's goroutine.
type fakeTransport struct {
	mu           sync.Mutex
	state        messaging.State
	connects     int
	disconnects  int
	connectErr   error
	publishErr   error
	subs         []*fakeSub
	published    []published
	onDisconnect []func(error)
	// onSubscribe runs after a subscription is attached and before Subscribe
	// returns.
	onSubscribe func(topic string)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: messaging.StateDisconnected}
}

type fakeSub struct {
	t       *fakeTransport
	topic   string
	handler messaging.Handler
	active  bool
}

func (s *fakeSub) Topic() string { return s.topic }

func (s *fakeSub) Unsubscribe() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.active = false
	return nil
}

func (t *fakeTransport) Connect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connectErr != nil {
		return t.connectErr
	}
	if t.state != messaging.StateConnected {
		t.connects++
		t.state = messaging.StateConnected
	}
	return nil
}

func (t *fakeTransport) Subscribe(topic string, handler messaging.Handler) (messaging.Subscription, error) {
	t.mu.Lock()
	if t.state != messaging.StateConnected {
		t.mu.Unlock()
		return nil, messaging.ErrNotConnected
	}
	sub := &fakeSub{t: t, topic: topic, handler: handler, active: true}
	t.subs = append(t.subs, sub)
	hook := t.onSubscribe
	t.mu.Unlock()

	if hook != nil {
		hook(topic)
	}
	return sub, nil
}

func (t *fakeTransport) Publish(_ context.Context, destination string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != messaging.StateConnected {
		return messaging.ErrNotConnected
	}
	if t.publishErr != nil {
		return t.publishErr
	}
	t.published = append(t.published, published{destination: destination, payload: payload})
	return nil
}

func (t *fakeTransport) Disconnect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == messaging.StateDisconnected {
		return nil
	}
	t.disconnects++
	t.state = messaging.StateDisconnected
	for _, s := range t.subs {
		s.active = false
	}
	return nil
}

func (t *fakeTransport) State() messaging.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) OnDisconnect(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = append(t.onDisconnect, fn)
}

// drop simulates an unexpected socket closure.
func (t *fakeTransport) drop(cause error) {
	t.mu.Lock()
	t.state = messaging.StateDisconnected
	for _, s := range t.subs {
		s.active = false
	}
	callbacks := slices.Clone(t.onDisconnect)
	t.mu.Unlock()

	for _, fn := range callbacks {
		fn(cause)
	}
}

// deliver hands a frame to every active subscription on topic and returns how
// many received it.
func (t *fakeTransport) deliver(topic string, body []byte) int {
	t.mu.Lock()
	var handlers []messaging.Handler
	for _, s := range t.subs {
		if s.active && s.topic == topic {
			handlers = append(handlers, s.handler)
		}
	}
	t.mu.Unlock()

	for _, h := range handlers {
		h(messaging.Frame{Destination: topic, Body: body})
	}
	return len(handlers)
}

func (t *fakeTransport) activeTopics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, s := range t.subs {
		if s.active {
			out = append(out, s.topic)
		}
	}
	return out
}

func (t *fakeTransport) publishedMessages() []messaging.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]messaging.Message, 0, len(t.published))
	for _, p := range t.published {
		var m messaging.Message
		_ = json.Unmarshal(p.payload, &m)
		out = append(out, m)
	}
	return out
}

func (t *fakeTransport) connectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

type fakeRecorder struct {
	mu         sync.Mutex
	activities []messaging.Activity
}

func (r *fakeRecorder) Record(a messaging.Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities = append(r.activities, a)
	return nil
}

func (r *fakeRecorder) types() []messaging.ActivityType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]messaging.ActivityType, len(r.activities))
	for i, a := range r.activities {
		out[i] = a.Type
	}
	return out
}

func (r *fakeRecorder) has(typ messaging.ActivityType) bool {
	return slices.Contains(r.types(), typ)
}

type fakeRecent struct {
	mu      sync.Mutex
	touched []string
}

func (r *fakeRecent) Touch(_ context.Context, username string, _ messaging.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = append(r.touched, username)
	return nil
}

func (r *fakeRecent) Get(context.Context, string) (recent.Peer, error) {
	return recent.Peer{}, recent.ErrNotFound
}

func (r *fakeRecent) List(context.Context, int) ([]recent.Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recent.Peer, 0, len(r.touched))
	for _, u := range r.touched {
		out = append(out, recent.Peer{Username: u, SelectedAt: time.Now()})
	}
	return out, nil
}

func (r *fakeRecent) Forget(context.Context, string) error {
	return recent.ErrNotFound
}
