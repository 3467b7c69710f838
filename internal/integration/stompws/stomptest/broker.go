// Package stomptest provides an in-process STOMP over websocket broker for
// tests. It speaks enough of STOMP 1.2 to exercise a client: CONNECT,
// SUBSCRIBE, UNSUBSCRIBE, SEND, DISCONNECT and receipts.
package stomptest

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"

	"github.com/hay-kot/dmchat/internal/core/conversation"
	"github.com/hay-kot/dmchat/internal/core/messaging"
	"github.com/hay-kot/dmchat/internal/integration/stompws"
)

// Route maps a SEND frame to the destinations it is delivered to.
type Route func(destination string, body []byte) []string

// ConversationRoute mimics the chat backend: a message sent to sendDestination
// is broadcast on the conversation topic of its sender and recipient, so the
// sender receives its own message back. Other destinations are delivered as
// is.
func ConversationRoute(sendDestination, topicPrefix string) Route {
	return func(dest string, body []byte) []string {
		if dest != sendDestination {
			return []string{dest}
		}
		msg, err := messaging.DecodeMessage(body)
		if err != nil {
			return nil
		}
		key, err := conversation.DeriveTopic(msg.SenderID.String(), msg.RecipientID.String())
		if err != nil {
			return nil
		}
		return []string{conversation.Destination(topicPrefix, key)}
	}
}

// Sent is a SEND frame received by the broker.
type Sent struct {
	Destination string
	ContentType string
	Body        []byte
}

// Option configures a Broker.
type Option func(*Broker)

// WithRoute replaces the default routing, which delivers a SEND to
// subscribers of the same destination.
func WithRoute(r Route) Option {
	return func(b *Broker) { b.route = r }
}

// WithRejectConnect answers CONNECT with an ERROR frame.
func WithRejectConnect() Option {
	return func(b *Broker) { b.rejectConnect = true }
}

// WithConnectDelay delays the CONNECTED reply.
func WithConnectDelay(d time.Duration) Option {
	return func(b *Broker) { b.connectDelay = d }
}

// Broker is a STOMP broker served over httptest.
type Broker struct {
	// URL is the websocket endpoint, ending in /ws.
	URL string

	srv           *httptest.Server
	upgrader      websocket.Upgrader
	route         Route
	rejectConnect bool
	connectDelay  time.Duration

	mu             sync.Mutex
	conns          map[*brokerConn]struct{}
	sent           []Sent
	connectAuth    []string
	handshakeAuth  []string
	nextMessageID  int
	closeRequested bool
}

type brokerConn struct {
	ws   *websocket.Conn
	rwc  *stompws.WSConn
	wmu  sync.Mutex
	w    *frame.Writer
	subs map[string]string // subscription id -> destination, guarded by Broker.mu
}

func (c *brokerConn) write(f *frame.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.w.Write(f)
}

// NewBroker starts a broker that is shut down when the test ends.
func NewBroker(t testing.TB, opts ...Option) *Broker {
	t.Helper()

	b := &Broker{
		upgrader: websocket.Upgrader{
			Subprotocols: stompws.Subprotocols,
			CheckOrigin:  func(*http.Request) bool { return true },
		},
		route: func(dest string, _ []byte) []string { return []string{dest} },
		conns: make(map[*brokerConn]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.serveWS)
	b.srv = httptest.NewServer(mux)
	b.URL = "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws"

	t.Cleanup(b.Close)
	return b
}

// Close drops every connection and stops the server.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closeRequested {
		b.mu.Unlock()
		return
	}
	b.closeRequested = true
	b.mu.Unlock()

	b.DropConnections()
	b.srv.Close()
}

func (b *Broker) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	rwc := stompws.NewWSConn(ws, nil)
	c := &brokerConn{ws: ws, rwc: rwc, w: frame.NewWriter(rwc), subs: make(map[string]string)}

	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.handshakeAuth = append(b.handshakeAuth, r.Header.Get("Authorization"))
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
		_ = rwc.Close()
	}()

	reader := frame.NewReader(rwc)
	for {
		f, err := reader.Read()
		if err != nil {
			return
		}
		if f == nil {
			continue // heart-beat
		}
		if !b.handle(c, f) {
			return
		}
	}
}

// handle processes one client frame. It returns false when the connection
// should be closed.
func (b *Broker) handle(c *brokerConn, f *frame.Frame) bool {
	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		b.mu.Lock()
		b.connectAuth = append(b.connectAuth, f.Header.Get("Authorization"))
		b.mu.Unlock()

		if b.rejectConnect {
			_ = c.write(frame.New(frame.ERROR, frame.Message, "access denied"))
			return false
		}
		if b.connectDelay > 0 {
			time.Sleep(b.connectDelay)
		}
		return c.write(frame.New(frame.CONNECTED, frame.Version, "1.2", frame.HeartBeat, "0,0")) == nil

	case frame.SUBSCRIBE:
		b.mu.Lock()
		c.subs[f.Header.Get(frame.Id)] = f.Header.Get(frame.Destination)
		b.mu.Unlock()

	case frame.UNSUBSCRIBE:
		b.mu.Lock()
		delete(c.subs, f.Header.Get(frame.Id))
		b.mu.Unlock()

	case frame.SEND:
		dest := f.Header.Get(frame.Destination)
		body := append([]byte(nil), f.Body...)

		b.mu.Lock()
		b.sent = append(b.sent, Sent{Destination: dest, ContentType: f.Header.Get(frame.ContentType), Body: body})
		b.mu.Unlock()

		// Deliver before acknowledging so a publisher waiting on a receipt
		// knows every subscriber has been written to.
		for _, target := range b.route(dest, body) {
			b.Deliver(target, body)
		}
		return b.receipt(c, f)

	case frame.DISCONNECT:
		b.receipt(c, f)
		return false
	}

	return b.receipt(c, f)
}

func (b *Broker) receipt(c *brokerConn, f *frame.Frame) bool {
	id, ok := f.Header.Contains(frame.Receipt)
	if !ok {
		return true
	}
	return c.write(frame.New(frame.RECEIPT, frame.ReceiptId, id)) == nil
}

// Deliver sends a MESSAGE to every subscriber of destination and returns the
// number of subscriptions reached.
func (b *Broker) Deliver(destination string, body []byte) int {
	type target struct {
		conn  *brokerConn
		subID string
		msgID int
	}

	b.mu.Lock()
	var targets []target
	for c := range b.conns {
		for id, dest := range c.subs {
			if dest == destination {
				b.nextMessageID++
				targets = append(targets, target{conn: c, subID: id, msgID: b.nextMessageID})
			}
		}
	}
	b.mu.Unlock()

	for _, t := range targets {
		f := frame.New(frame.MESSAGE,
			frame.Destination, destination,
			frame.Subscription, t.subID,
			frame.MessageId, strconv.Itoa(t.msgID),
			frame.ContentType, "application/json",
		)
		f.Body = body
		_ = t.conn.write(f)
	}
	return len(targets)
}

// DropConnections closes every socket without a STOMP or websocket close
// handshake, as a network failure would.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.NetConn().Close()
	}
}

// Sent returns a copy of every SEND frame received.
func (b *Broker) Sent() []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Sent(nil), b.sent...)
}

// Subscriptions returns the destinations with at least one subscriber.
func (b *Broker) Subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := map[string]bool{}
	var out []string
	for c := range b.conns {
		for _, dest := range c.subs {
			if !seen[dest] {
				seen[dest] = true
				out = append(out, dest)
			}
		}
	}
	return out
}

// Subscribers returns the number of subscriptions on destination.
func (b *Broker) Subscribers(destination string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for c := range b.conns {
		for _, dest := range c.subs {
			if dest == destination {
				n++
			}
		}
	}
	return n
}

// Connections returns the number of open client connections.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// ConnectAuth returns the Authorization header of each CONNECT frame.
func (b *Broker) ConnectAuth() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.connectAuth...)
}

// HandshakeAuth returns the Authorization header of each websocket upgrade.
func (b *Broker) HandshakeAuth() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.handshakeAuth...)
}

// WaitFor polls cond until it returns true or timeout elapses.
func (b *Broker) WaitFor(timeout time.Duration, cond func(b *Broker) bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond(b) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// WaitForSubscription waits until destination has a subscriber.
func (b *Broker) WaitForSubscription(destination string, timeout time.Duration) bool {
	return b.WaitFor(timeout, func(b *Broker) bool {
		for _, d := range b.Subscriptions() {
			if d == destination {
				return true
			}
		}
		return false
	})
}

// WaitForUnsubscribe waits until destination has no subscriber.
func (b *Broker) WaitForUnsubscribe(destination string, timeout time.Duration) bool {
	return b.WaitFor(timeout, func(b *Broker) bool {
		for _, d := range b.Subscriptions() {
			if d == destination {
				return false
			}
		}
		return true
	})
}
