package commands

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/dmchat/internal/core/messaging"
	"github.com/hay-kot/dmchat/internal/integration/stompws/stomptest"
)

// useBroker points the test service at broker.
func useBroker(flags *Flags, broker *stomptest.Broker) {
	flags.Config.Backend.WebSocketURL = broker.URL
	flags.Config.Timeouts.Connect = 2 * time.Second
	flags.Config.Reconnect.Enabled = false
}

func echoBroker(t *testing.T) *stomptest.Broker {
	t.Helper()
	return stomptest.NewBroker(t, stomptest.WithRoute(
		stomptest.ConversationRoute("/app/sendMessage", "/topic/conversations/"),
	))
}

func TestSendCmd_WaitForEcho(t *testing.T) {
	flags, _ := newTestFlags(t)
	broker := echoBroker(t)
	useBroker(flags, broker)

	out, err := runApp(t, flags, "send", "--wait", "--timeout", "2s", "--json", "bob", "are", "you", "around?")
	require.NoError(t, err)

	msg, err := messaging.DecodeMessage([]byte(strings.TrimSpace(out)))
	require.NoError(t, err)
	assert.Equal(t, "are you around?", msg.Body)
	assert.Equal(t, messaging.UserID("10"), msg.SenderID)
	assert.Equal(t, messaging.UserID("42"), msg.RecipientID)

	sent := broker.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "/app/sendMessage", sent[0].Destination)
}

func TestSendCmd_WaitTimesOut(t *testing.T) {
	flags, _ := newTestFlags(t)

	// The default route delivers to /app/sendMessage only, so nothing comes
	// back on the conversation topic.
	broker := stomptest.NewBroker(t)
	useBroker(flags, broker)

	start := time.Now()
	out, err := runApp(t, flags, "send", "--wait", "--timeout", "150ms", "--json", "bob", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout waiting for echo")
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Empty(t, out)
	assert.Len(t, broker.Sent(), 1)
}

func TestSendCmd_NoWait(t *testing.T) {
	flags, _ := newTestFlags(t)
	broker := stomptest.NewBroker(t)
	useBroker(flags, broker)

	out, err := runApp(t, flags, "send", "--json", "bob", "fire and forget")
	require.NoError(t, err)

	msg, err := messaging.DecodeMessage([]byte(strings.TrimSpace(out)))
	require.NoError(t, err)
	assert.Equal(t, "fire and forget", msg.Body)
	assert.True(t, broker.WaitFor(2*time.Second, func(b *stomptest.Broker) bool { return len(b.Sent()) == 1 }))
}

func TestSendCmd_UnknownPeer(t *testing.T) {
	flags, _ := newTestFlags(t)
	broker := echoBroker(t)
	useBroker(flags, broker)

	_, err := runApp(t, flags, "send", "ghost", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "select ghost")
	assert.Empty(t, broker.Sent())
}

func TestListenCmd_Count(t *testing.T) {
	flags, _ := newTestFlags(t)
	broker := echoBroker(t)
	useBroker(flags, broker)

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := runApp(t, flags, "listen", "--count", "1", "--timeout", "5s", "bob")
		done <- result{out, err}
	}()

	require.True(t, broker.WaitForSubscription("/topic/conversations/10-42", 2*time.Second))
	broker.Deliver("/topic/conversations/10-42",
		[]byte(`{"body":"hi alice","senderId":42,"recipientId":10,"dateSent":"2024-05-01T10:00:00Z"}`))

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listen did not exit after one message")
	}
	require.NoError(t, res.err)

	lines := strings.Split(strings.TrimSpace(res.out), "\n")
	require.Len(t, lines, 1)
	msg, err := messaging.DecodeMessage([]byte(lines[0]))
	require.NoError(t, err)
	assert.Equal(t, "hi alice", msg.Body)
	assert.Equal(t, messaging.UserID("42"), msg.SenderID)
}

func TestListenCmd_TimeoutExitsCleanly(t *testing.T) {
	flags, _ := newTestFlags(t)
	broker := echoBroker(t)
	useBroker(flags, broker)

	out, err := runApp(t, flags, "listen", "--timeout", "100ms", "bob")
	require.NoError(t, err)
	assert.Empty(t, out)
}
