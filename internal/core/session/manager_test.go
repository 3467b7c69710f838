package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/dmchat/internal/core/directory"
	"github.com/hay-kot/dmchat/internal/core/messaging"
)

const (
	localID   messaging.UserID = "10"
	bobTopic                   = "/topic/conversations/10-42"
	carolTopic                 = "/topic/conversations/10-77"
	eventually                 = 2 * time.Second
	tick                       = 5 * time.Millisecond
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	m        *Manager
	tr       *fakeTransport
	resolver *fakeResolver
	recorder *fakeRecorder
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	h := &harness{
		tr: newFakeTransport(),
		resolver: newFakeResolver(map[string]messaging.UserID{
			"bob":   "42",
			"carol": "77",
			"me":    localID,
		}),
		recorder: &fakeRecorder{},
	}

	opts.Recorder = h.recorder
	if opts.Now == nil {
		opts.Now = func() time.Time { return fixedNow }
	}

	h.m = NewManager(localID, h.resolver, h.tr, zerolog.Nop(), opts)
	t.Cleanup(func() { _ = h.m.Close(context.Background()) })
	return h
}

func frameBody(t *testing.T, body string, from, to messaging.UserID) []byte {
	t.Helper()
	b, err := messaging.Message{Body: body, SenderID: from, RecipientID: to, DateSent: fixedNow}.Encode()
	require.NoError(t, err)
	return b
}

func bodies(msgs []messaging.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}

func (h *harness) waitForLog(t *testing.T, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, bodies(h.m.Log()))
	}, eventually, tick, "log never became %v, last %v", want, bodies(h.m.Log()))
}

func TestManager_SelectPeerSubscribesConversationTopic(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	require.NoError(t, h.m.SelectPeer(ctx, "bob"))

	s := h.m.Status()
	require.True(t, s.Active())
	assert.Equal(t, directory.Participant{ID: "42", Username: "bob"}, *s.Peer)
	assert.Equal(t, "10-42", s.Topic.String())
	assert.Equal(t, bobTopic, s.Destination)
	assert.Equal(t, messaging.StateConnected, s.State)
	assert.Equal(t, []string{bobTopic}, h.tr.activeTopics())
	assert.Equal(t, 1, h.tr.connectCount())
}

func TestManager_LogKeepsArrivalOrder(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.m.SelectPeer(context.Background(), "bob"))

	for _, body := range []string{"F1", "F2", "F3"} {
		require.Equal(t, 1, h.tr.deliver(bobTopic, frameBody(t, body, "42", localID)))
	}

	h.waitForLog(t, "F1", "F2", "F3")
}

func TestManager_SelectPeerFailureKeepsPreviousConversation(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *harness)
		peer    string
		wantErr error
	}{
		{
			name:    "unknown user",
			peer:    "alice",
			wantErr: directory.ErrNotFound,
		},
		{
			name:    "directory unavailable",
			peer:    "carol",
			setup:   func(h *harness) { h.resolver.err = fmt.Errorf("%w: 503", directory.ErrTransport) },
			wantErr: directory.ErrTransport,
		},
		{
			name: "connect refused after drop",
			peer: "carol",
			setup: func(h *harness) {
				h.tr.mu.Lock()
				h.tr.state = messaging.StateDisconnected
				h.tr.connectErr = fmt.Errorf("%w: refused", messaging.ErrConnect)
				h.tr.mu.Unlock()
			},
			wantErr: messaging.ErrConnect,
		},
		{
			name:    "invalid username",
			peer:    "a/b",
			wantErr: ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			ctx := context.Background()

			require.NoError(t, h.m.SelectPeer(ctx, "bob"))
			h.tr.deliver(bobTopic, frameBody(t, "hello", "42", localID))
			h.waitForLog(t, "hello")

			if tt.setup != nil {
				tt.setup(h)
			}

			err := h.m.SelectPeer(ctx, tt.peer)
			require.ErrorIs(t, err, tt.wantErr)

			s := h.m.Status()
			require.True(t, s.Active())
			assert.Equal(t, "bob", s.Peer.Username)
			assert.Equal(t, bobTopic, s.Destination)
			assert.Equal(t, []string{"hello"}, bodies(h.m.Log()), "log is untouched")
		})
	}
}

func TestManager_SelectPeerWithoutPreviousConversation(t *testing.T) {
	h := newHarness(t, Options{})

	err := h.m.SelectPeer(context.Background(), "alice")
	require.ErrorIs(t, err, directory.ErrNotFound)
	assert.False(t, h.m.Status().Active())
}

func TestManager_ConnectFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.tr.connectErr = fmt.Errorf("%w: handshake", messaging.ErrConnect)

	err := h.m.SelectPeer(context.Background(), "bob")
	require.ErrorIs(t, err, messaging.ErrConnect)
	assert.False(t, h.m.Status().Active())
	assert.Empty(t, h.tr.activeTopics())
}

func TestManager_ResolveTimeoutIsTransportError(t *testing.T) {
	h := newHarness(t, Options{ResolveTimeout: 20 * time.Millisecond})
	h.resolver.gate("bob")

	err := h.m.SelectPeer(context.Background(), "bob")
	require.ErrorIs(t, err, directory.ErrTransport)
	assert.False(t, h.m.Status().Active())
}

func TestManager_SwitchPeerClearsLogAndReleasesPreviousTopic(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	require.NoError(t, h.m.SelectPeer(ctx, "bob"))
	h.tr.deliver(bobTopic, frameBody(t, "from bob", "42", localID))
	h.waitForLog(t, "from bob")

	require.NoError(t, h.m.SelectPeer(ctx, "carol"))
	assert.Empty(t, h.m.Log())
	assert.Equal(t, []string{carolTopic}, h.tr.activeTopics())
	assert.Equal(t, 1, h.tr.connectCount(), "connection is reused")

	assert.Zero(t, h.tr.deliver(bobTopic, frameBody(t, "late", "42", localID)))
	h.tr.deliver(carolTopic, frameBody(t, "from carol", "77", localID))
	h.waitForLog(t, "from carol")
}

func TestManager_SupersededSelectionDiscardsItsFrames(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	bobSubscribed := make(chan struct{})
	release := make(chan struct{})
	h.tr.onSubscribe = func(topic string) {
		if topic == bobTopic {
			close(bobSubscribed)
			<-release
		}
	}

	errc := make(chan error, 1)
	go func() { errc <- h.m.SelectPeer(ctx, "bob") }()
	<-bobSubscribed

	// carol is selected while bob's subscription is live but uncommitted.
	require.NoError(t, h.m.SelectPeer(ctx, "carol"))

	require.Equal(t, 1, h.tr.deliver(bobTopic, frameBody(t, "for bob", "42", localID)))
	require.Equal(t, 1, h.tr.deliver(carolTopic, frameBody(t, "for carol", "77", localID)))

	close(release)
	require.ErrorIs(t, <-errc, ErrSuperseded)

	h.waitForLog(t, "for carol")
	assert.Equal(t, "carol", h.m.Status().Peer.Username)
	assert.Equal(t, []string{carolTopic}, h.tr.activeTopics())
	require.Eventually(t, func() bool { return h.recorder.has(messaging.ActivityDiscard) }, eventually, tick)
}

func TestManager_FramesBeforeCommitAreKept(t *testing.T) {
	h := newHarness(t, Options{})

	h.tr.onSubscribe = func(topic string) {
		h.tr.deliver(topic, frameBody(t, "early 1", "42", localID))
		h.tr.deliver(topic, frameBody(t, "early 2", "42", localID))
	}

	require.NoError(t, h.m.SelectPeer(context.Background(), "bob"))
	h.tr.deliver(bobTopic, frameBody(t, "after", "42", localID))

	h.waitForLog(t, "early 1", "early 2", "after")
}

func TestManager_MalformedFramesAreSkipped(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.m.SelectPeer(context.Background(), "bob"))

	h.tr.deliver(bobTopic, []byte("not json"))
	h.tr.deliver(bobTopic, frameBody(t, "ok", "42", localID))

	h.waitForLog(t, "ok")
}

func TestManager_SelfConversation(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.m.SelectPeer(context.Background(), "me"))
	assert.Equal(t, "10-10", h.m.Status().Topic.String())
}

func TestManager_SendMessageValidation(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.m.SendMessage(ctx, "hi")
	require.ErrorIs(t, err, ErrNoConversation)

	require.NoError(t, h.m.SelectPeer(ctx, "bob"))

	for _, body := range []string{"", "   ", "\n\t"} {
		_, err := h.m.SendMessage(ctx, body)
		require.ErrorIs(t, err, ErrValidation, "body %q", body)
	}
	assert.Empty(t, h.tr.publishedMessages(), "invalid bodies are never published")
}

func TestManager_SendMessageReliesOnEcho(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	require.NoError(t, h.m.SelectPeer(ctx, "bob"))

	msg, err := h.m.SendMessage(ctx, "hello bob")
	require.NoError(t, err)
	assert.Equal(t, messaging.Message{
		Body:        "hello bob",
		SenderID:    localID,
		RecipientID: "42",
		DateSent:    fixedNow,
	}, msg)

	h.tr.mu.Lock()
	require.Len(t, h.tr.published, 1)
	assert.Equal(t, DefaultSendDestination, h.tr.published[0].destination)
	payload := h.tr.published[0].payload
	h.tr.mu.Unlock()

	assert.JSONEq(t,
		`{"body":"hello bob","senderId":10,"recipientId":42,"dateSent":"2024-06-01T12:00:00Z"}`,
		string(payload))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.m.Log(), "sent messages are not appended locally")

	h.tr.deliver(bobTopic, frameBody(t, "from bob", "42", localID))
	h.tr.deliver(bobTopic, payload)
	h.waitForLog(t, "from bob", "hello bob")
	assert.True(t, h.m.Log()[1].IsFrom(localID))
}

func TestManager_SendMessagePublishFailure(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	require.NoError(t, h.m.SelectPeer(ctx, "bob"))

	h.tr.publishErr = errors.New("broken pipe")

	_, err := h.m.SendMessage(ctx, "hi")
	require.Error(t, err)
	assert.False(t, h.recorder.has(messaging.ActivityPublish))
}

func TestManager_OnMessageDeliversEachMessageOnce(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.m.SelectPeer(context.Background(), "bob"))

	var mu sync.Mutex
	var first, second []string
	unregister := h.m.OnMessage(func(m messaging.Message) {
		mu.Lock()
		defer mu.Unlock()
		first = append(first, m.Body)
	})
	h.m.OnMessage(func(m messaging.Message) {
		mu.Lock()
		defer mu.Unlock()
		second = append(second, m.Body)
	})

	h.tr.deliver(bobTopic, frameBody(t, "one", "42", localID))
	h.tr.deliver(bobTopic, frameBody(t, "two", "42", localID))
	h.waitForLog(t, "one", "two")

	unregister()
	h.tr.deliver(bobTopic, frameBody(t, "three", "42", localID))
	h.waitForLog(t, "one", "two", "three")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(second) == 3
	}, eventually, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two"}, first)
	assert.Equal(t, []string{"one", "two", "three"}, second)
}

func TestManager_LogReturnsCopy(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.m.SelectPeer(context.Background(), "bob"))
	h.tr.deliver(bobTopic, frameBody(t, "original", "42", localID))
	h.waitForLog(t, "original")

	snapshot := h.m.Log()
	snapshot[0].Body = "mutated"

	assert.Equal(t, "original", h.m.Log()[0].Body)
}

func TestManager_Teardown(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	require.NoError(t, h.m.SelectPeer(ctx, "bob"))
	h.tr.deliver(bobTopic, frameBody(t, "hi", "42", localID))
	h.waitForLog(t, "hi")

	require.NoError(t, h.m.Teardown(ctx))

	s := h.m.Status()
	assert.False(t, s.Active())
	assert.Equal(t, messaging.StateDisconnected, s.State)
	assert.Empty(t, h.m.Log())
	assert.Empty(t, h.tr.activeTopics())

	_, err := h.m.SendMessage(ctx, "hi")
	require.ErrorIs(t, err, ErrNoConversation)

	// The manager is reusable after a teardown.
	require.NoError(t, h.m.SelectPeer(ctx, "carol"))
	assert.Equal(t, 2, h.tr.connectCount())
}

func TestManager_CloseRejectsSelections(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	require.NoError(t, h.m.SelectPeer(ctx, "bob"))

	require.NoError(t, h.m.Close(ctx))
	require.NoError(t, h.m.Close(ctx), "close is idempotent")

	require.ErrorIs(t, h.m.SelectPeer(ctx, "bob"), ErrClosed)
	assert.Equal(t, messaging.StateDisconnected, h.tr.State())
}

func TestManager_ConnectionLostWithoutReconnect(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.m.SelectPeer(context.Background(), "bob"))

	lost := make(chan error, 1)
	h.m.OnConnectionLost(func(err error) { lost <- err })

	h.tr.drop(errors.New("socket closed"))

	select {
	case err := <-lost:
		assert.EqualError(t, err, "socket closed")
	case <-time.After(eventually):
		t.Fatal("OnConnectionLost was not called")
	}

	assert.True(t, h.recorder.has(messaging.ActivityConnectionLost))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.tr.connectCount(), "no reconnect when the policy is off")
	assert.Zero(t, h.tr.deliver(bobTopic, frameBody(t, "lost", "42", localID)))
}

func TestManager_ReconnectResubscribesAndKeepsLog(t *testing.T) {
	h := newHarness(t, Options{
		Reconnect: ReconnectPolicy{
			Enabled:         true,
			MaxAttempts:     5,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		},
	})
	require.NoError(t, h.m.SelectPeer(context.Background(), "bob"))

	h.tr.deliver(bobTopic, frameBody(t, "before", "42", localID))
	h.waitForLog(t, "before")

	h.tr.drop(errors.New("socket closed"))

	require.Eventually(t, func() bool {
		return h.tr.connectCount() == 2 && len(h.tr.activeTopics()) == 1
	}, eventually, tick)
	assert.Equal(t, []string{bobTopic}, h.tr.activeTopics())

	h.tr.deliver(bobTopic, frameBody(t, "after", "42", localID))
	h.waitForLog(t, "before", "after")

	require.Eventually(t, func() bool { return h.recorder.has(messaging.ActivityReconnect) }, eventually, tick)
	assert.Equal(t, "bob", h.m.Status().Peer.Username)
}

func TestManager_ReconnectGivesUp(t *testing.T) {
	h := newHarness(t, Options{
		Reconnect: ReconnectPolicy{
			Enabled:         true,
			MaxAttempts:     2,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
		},
	})
	require.NoError(t, h.m.SelectPeer(context.Background(), "bob"))

	h.tr.mu.Lock()
	h.tr.connectErr = fmt.Errorf("%w: refused", messaging.ErrConnect)
	h.tr.mu.Unlock()

	h.tr.drop(errors.New("socket closed"))

	countLost := func() int {
		n := 0
		for _, typ := range h.recorder.types() {
			if typ == messaging.ActivityConnectionLost {
				n++
			}
		}
		return n
	}

	// One event for the loss and one when reconnection gives up.
	require.Eventually(t, func() bool { return countLost() == 2 }, eventually, tick)
	assert.False(t, h.recorder.has(messaging.ActivityReconnect))
	assert.Equal(t, 1, h.tr.connectCount())
}

func TestManager_ReconnectSurvivesFailedSelection(t *testing.T) {
	h := newHarness(t, Options{
		Reconnect: ReconnectPolicy{
			Enabled:         true,
			MaxAttempts:     100,
			InitialInterval: 2 * time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		},
	})
	ctx := context.Background()
	require.NoError(t, h.m.SelectPeer(ctx, "bob"))

	h.tr.mu.Lock()
	h.tr.connectErr = fmt.Errorf("%w: refused", messaging.ErrConnect)
	h.tr.mu.Unlock()

	h.tr.drop(errors.New("socket closed"))

	// A typo while the connection is down must not stop recovery of bob.
	require.ErrorIs(t, h.m.SelectPeer(ctx, "alice"), directory.ErrNotFound)
	assert.ErrorIs(t, h.m.SelectPeer(ctx, "carol"), messaging.ErrConnect)

	h.tr.mu.Lock()
	h.tr.connectErr = nil
	h.tr.mu.Unlock()

	require.Eventually(t, func() bool {
		return h.recorder.has(messaging.ActivityReconnect)
	}, eventually, tick)
	assert.Equal(t, []string{bobTopic}, h.tr.activeTopics())
	assert.Equal(t, "bob", h.m.Status().Peer.Username)

	h.tr.deliver(bobTopic, frameBody(t, "back", "42", localID))
	h.waitForLog(t, "back")
}

func TestManager_ReconnectStopsAfterNewSelection(t *testing.T) {
	h := newHarness(t, Options{
		Reconnect: ReconnectPolicy{
			Enabled:         true,
			MaxAttempts:     100,
			InitialInterval: 20 * time.Millisecond,
			MaxInterval:     20 * time.Millisecond,
		},
	})
	ctx := context.Background()
	require.NoError(t, h.m.SelectPeer(ctx, "bob"))

	h.tr.mu.Lock()
	h.tr.connectErr = fmt.Errorf("%w: refused", messaging.ErrConnect)
	h.tr.mu.Unlock()
	h.tr.drop(errors.New("socket closed"))

	h.tr.mu.Lock()
	h.tr.connectErr = nil
	h.tr.mu.Unlock()
	require.NoError(t, h.m.SelectPeer(ctx, "carol"))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{carolTopic}, h.tr.activeTopics())
	assert.Equal(t, "carol", h.m.Status().Peer.Username)
}

func TestManager_TouchesRecentPeers(t *testing.T) {
	rec := &fakeRecent{}
	h := newHarness(t, Options{Recent: rec})
	ctx := context.Background()

	require.NoError(t, h.m.SelectPeer(ctx, "bob"))
	require.ErrorIs(t, h.m.SelectPeer(ctx, "alice"), directory.ErrNotFound)
	require.NoError(t, h.m.SelectPeer(ctx, "carol"))

	assert.Equal(t, []string{"bob", "carol"}, rec.touched)
}

func TestManager_RecordsActivityWithoutBodies(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	require.NoError(t, h.m.SelectPeer(ctx, "bob"))
	_, err := h.m.SendMessage(ctx, "secret")
	require.NoError(t, err)
	h.tr.deliver(bobTopic, frameBody(t, "secret reply", "42", localID))
	h.waitForLog(t, "secret reply")

	require.Eventually(t, func() bool { return h.recorder.has(messaging.ActivityReceive) }, eventually, tick)
	assert.Contains(t, h.recorder.types(), messaging.ActivityConnect)
	assert.Contains(t, h.recorder.types(), messaging.ActivitySubscribe)
	assert.Contains(t, h.recorder.types(), messaging.ActivityPublish)

	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()
	for _, a := range h.recorder.activities {
		assert.NotContains(t, a.Detail, "secret")
		if a.Type == messaging.ActivityReceive {
			assert.Equal(t, bobTopic, a.Topic)
			assert.Equal(t, messaging.UserID("42"), a.Sender)
		}
	}
}
