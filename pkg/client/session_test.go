package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"ripple/internal/realtime"
	v1 "ripple/pkg/wire/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// severListener records every accepted connection so tests can cut them at
// the TCP level, the way a dropped network path would. Closing at this level
// also reaches websocket connections, which leave the HTTP server's own
// tracking when the upgrade hijacks them.
type severListener struct {
	net.Listener

	mu    sync.Mutex
	conns []net.Conn
}

func (l *severListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.conns = append(l.conns, conn)
	l.mu.Unlock()
	return conn, nil
}

func (l *severListener) severAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, conn := range l.conns {
		_ = conn.Close()
	}
	l.conns = l.conns[:0]
}

type testBackend struct {
	srv  *httptest.Server
	hub  *realtime.Hub
	link *severListener
	url  string
}

// startBackend runs a real gateway over an in-memory store seeded with members
// A (alice) and B (bob) sharing room "7", A alone in room "9".
func startBackend(t *testing.T) *testBackend {
	t.Helper()
	ctx := context.Background()

	store := realtime.NewInMemoryStore()
	for _, m := range []realtime.Member{
		{ID: "A", Username: "alice"},
		{ID: "B", Username: "bob"},
	} {
		if err := store.UpsertMember(ctx, m); err != nil {
			t.Fatalf("UpsertMember: %v", err)
		}
	}
	for _, room := range []string{"7", "9"} {
		if err := store.CreateRoom(ctx, room, "room-"+room); err != nil {
			t.Fatalf("CreateRoom: %v", err)
		}
	}
	for _, pair := range [][2]string{{"7", "A"}, {"7", "B"}, {"9", "A"}} {
		if err := store.AddRoomMember(ctx, pair[0], pair[1]); err != nil {
			t.Fatalf("AddRoomMember: %v", err)
		}
	}

	hub := realtime.NewHub(testLogger())
	verifier := realtime.StaticVerifier{
		"tok-a": {UserID: "A", Username: "alice"},
		"tok-b": {UserID: "B", Username: "bob"},
	}
	g := realtime.NewWSGateway(testLogger(), hub, store, verifier, realtime.WSGatewayConfig{})

	srv := httptest.NewUnstartedServer(g)
	link := &severListener{Listener: srv.Listener}
	srv.Listener = link
	srv.Start()
	t.Cleanup(srv.Close)

	return &testBackend{
		srv:  srv,
		hub:  hub,
		link: link,
		url:  "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func staticTokens(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

func newConnected(t *testing.T, wsURL, token string, opts ...Option) *Session {
	t.Helper()

	opts = append([]Option{WithLogger(testLogger())}, opts...)
	s, err := NewSession(wsURL, staticTokens(token), opts...)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Disconnect)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s
}

func awaitSubscribers(t *testing.T, hub *realtime.Hub, topic v1.Topic, n int) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Subscribers(topic) == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("topic %s never reached %d subscribers", topic.String(), n)
}

func awaitConnected(t *testing.T, s *Session, want bool) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if s.IsConnected() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("IsConnected never became %v", want)
}

func TestNewSessionValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewSession("http://example.com/ws", staticTokens("x")); err == nil {
		t.Fatalf("http scheme accepted")
	}
	if _, err := NewSession("ws://example.com/ws", nil); err == nil {
		t.Fatalf("nil token source accepted")
	}
	if _, err := NewSession("ws://example.com/ws", staticTokens("x")); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	t.Parallel()

	b := startBackend(t)
	s := newConnected(t, b.url, "tok-a")

	if !s.IsConnected() {
		t.Fatalf("IsConnected=false after Connect")
	}
	if s.SessionID() == "" {
		t.Fatalf("empty session id after ack")
	}

	// Idempotent while connected.
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}

	s.Disconnect()
	if s.IsConnected() {
		t.Fatalf("IsConnected=true after Disconnect")
	}
	if s.SessionID() != "" {
		t.Fatalf("session id survived Disconnect")
	}

	// No-op when already down.
	s.Disconnect()
}

func TestConnectAuthRejected(t *testing.T) {
	t.Parallel()

	b := startBackend(t)

	s, err := NewSession(b.url, staticTokens("bogus"), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Connect(ctx); !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("err=%v want ErrAuthRejected", err)
	}
	if s.IsConnected() {
		t.Fatalf("connected after rejected handshake")
	}
}

func TestConnectTransportUnavailable(t *testing.T) {
	t.Parallel()

	b := startBackend(t)
	b.srv.Close()

	s, err := NewSession(b.url, staticTokens("tok-a"), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Connect(ctx); !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("err=%v want ErrTransportUnavailable", err)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	t.Parallel()

	s, err := NewSession("ws://127.0.0.1:1/ws", staticTokens("tok-a"), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	draft := v1.MessageDraft{Content: "hi", ContentKind: v1.ContentText}
	if err := s.Send(context.Background(), "7", draft); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err=%v want ErrNotConnected", err)
	}
	if err := s.MarkSeen(context.Background(), "7", "m1"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err=%v want ErrNotConnected", err)
	}
}

func TestSubscribeWhileDisconnectedIsDropped(t *testing.T) {
	t.Parallel()

	s, err := NewSession("ws://127.0.0.1:1/ws", staticTokens("tok-a"), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	s.SubscribeMessages("k", "7", func(v1.ChatMessage) {})
	if got := s.SubscriptionCount(); got != 0 {
		t.Fatalf("SubscriptionCount=%d want=0", got)
	}
}

func TestSubscribeDeliversMessages(t *testing.T) {
	t.Parallel()

	b := startBackend(t)
	s := newConnected(t, b.url, "tok-a")

	got := make(chan v1.ChatMessage, 4)
	s.SubscribeMessages("room-7", "7", func(m v1.ChatMessage) { got <- m })
	awaitSubscribers(t, b.hub, v1.RoomTopic("7"), 1)

	draft := v1.MessageDraft{Content: "hello", ContentKind: v1.ContentText}
	if err := s.Send(context.Background(), "7", draft); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case m := <-got:
		if m.Content != "hello" || m.SenderID != "A" || m.RoomID != "7" {
			t.Fatalf("message=%+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no delivery")
	}
}

func TestSubscribeKeyReplacement(t *testing.T) {
	t.Parallel()

	b := startBackend(t)
	s := newConnected(t, b.url, "tok-a")

	var stale atomic.Int64
	got := make(chan v1.ChatMessage, 4)

	s.SubscribeMessages("k", "7", func(v1.ChatMessage) { stale.Add(1) })
	s.SubscribeMessages("k", "7", func(m v1.ChatMessage) { got <- m })
	awaitSubscribers(t, b.hub, v1.RoomTopic("7"), 1)

	if got := s.SubscriptionCount(); got != 1 {
		t.Fatalf("SubscriptionCount=%d want=1", got)
	}

	draft := v1.MessageDraft{Content: "once", ContentKind: v1.ContentText}
	if err := s.Send(context.Background(), "7", draft); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatalf("no delivery to replacement handler")
	}
	if n := stale.Load(); n != 0 {
		t.Fatalf("replaced handler invoked %d times", n)
	}
	select {
	case <-got:
		t.Fatalf("duplicate delivery after key replacement")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	b := startBackend(t)
	s := newConnected(t, b.url, "tok-a")

	got := make(chan v1.ChatMessage, 4)
	s.SubscribeMessages("k", "7", func(m v1.ChatMessage) { got <- m })
	awaitSubscribers(t, b.hub, v1.RoomTopic("7"), 1)

	s.Unsubscribe("k")
	awaitSubscribers(t, b.hub, v1.RoomTopic("7"), 0)
	if n := s.SubscriptionCount(); n != 0 {
		t.Fatalf("SubscriptionCount=%d want=0", n)
	}

	draft := v1.MessageDraft{Content: "unheard", ContentKind: v1.ContentText}
	if err := s.Send(context.Background(), "7", draft); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case m := <-got:
		t.Fatalf("delivery after Unsubscribe: %+v", m)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestUnsubscribeKeepsSharedTopic(t *testing.T) {
	t.Parallel()

	b := startBackend(t)
	s := newConnected(t, b.url, "tok-a")

	k1 := make(chan v1.ChatMessage, 4)
	k2 := make(chan v1.ChatMessage, 4)
	s.SubscribeMessages("k1", "7", func(m v1.ChatMessage) { k1 <- m })
	s.SubscribeMessages("k2", "7", func(m v1.ChatMessage) { k2 <- m })
	awaitSubscribers(t, b.hub, v1.RoomTopic("7"), 1)
	if n := s.SubscriptionCount(); n != 2 {
		t.Fatalf("SubscriptionCount=%d want=2", n)
	}

	// Removing one key must not tear down the topic the sibling still holds.
	s.Unsubscribe("k1")
	if n := s.SubscriptionCount(); n != 1 {
		t.Fatalf("SubscriptionCount=%d want=1", n)
	}
	if n := b.hub.Subscribers(v1.RoomTopic("7")); n != 1 {
		t.Fatalf("server subscribers=%d want=1 while k2 holds the topic", n)
	}

	draft := v1.MessageDraft{Content: "still here", ContentKind: v1.ContentText}
	if err := s.Send(context.Background(), "7", draft); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case m := <-k2:
		if m.Content != "still here" {
			t.Fatalf("message=%+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("surviving key lost delivery")
	}
	select {
	case m := <-k1:
		t.Fatalf("removed key still delivered: %+v", m)
	case <-time.After(200 * time.Millisecond):
	}

	// The last reference going away releases the topic on the wire.
	s.Unsubscribe("k2")
	awaitSubscribers(t, b.hub, v1.RoomTopic("7"), 0)
}

func TestCrossSessionDelivery(t *testing.T) {
	t.Parallel()

	b := startBackend(t)
	sa := newConnected(t, b.url, "tok-a")
	sb := newConnected(t, b.url, "tok-b")

	msgs := make(chan v1.ChatMessage, 4)
	notes := make(chan v1.Notification, 4)
	sb.SubscribeMessages("room-7", "7", func(m v1.ChatMessage) { msgs <- m })
	sb.SubscribeNotifications("inbox", "B", func(n v1.Notification) { notes <- n })
	awaitSubscribers(t, b.hub, v1.RoomTopic("7"), 1)
	awaitSubscribers(t, b.hub, v1.NotificationsTopic("B"), 1)

	draft := v1.MessageDraft{Content: "hey bob", ContentKind: v1.ContentText}
	if err := sa.Send(context.Background(), "7", draft); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case m := <-msgs:
		if m.SenderID != "A" || m.Content != "hey bob" {
			t.Fatalf("message=%+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no room delivery")
	}
	select {
	case n := <-notes:
		if n.Kind != v1.NotifyNewMessage || n.RoomID != "7" {
			t.Fatalf("notification=%+v", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no notification delivery")
	}
}

func TestStatusDeliveryOnPeerConnect(t *testing.T) {
	t.Parallel()

	b := startBackend(t)
	sa := newConnected(t, b.url, "tok-a")

	statuses := make(chan v1.RoomStatus, 4)
	sa.SubscribeStatus("presence-7", "7", func(st v1.RoomStatus) { statuses <- st })
	awaitSubscribers(t, b.hub, v1.StatusTopic("7"), 1)

	sb := newConnected(t, b.url, "tok-b")

	select {
	case st := <-statuses:
		if st.UserID != "B" || st.Status != v1.StatusOnline {
			t.Fatalf("status=%+v", st)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no online status")
	}

	sb.Disconnect()

	select {
	case st := <-statuses:
		if st.UserID != "B" || st.Status != v1.StatusOffline {
			t.Fatalf("status=%+v", st)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no offline status")
	}
}

func TestDisconnectClearsSubscriptions(t *testing.T) {
	t.Parallel()

	b := startBackend(t)
	s := newConnected(t, b.url, "tok-a")

	s.SubscribeMessages("k1", "7", func(v1.ChatMessage) {})
	s.SubscribeStatus("k2", "7", func(v1.RoomStatus) {})
	awaitSubscribers(t, b.hub, v1.RoomTopic("7"), 1)

	s.Disconnect()
	if n := s.SubscriptionCount(); n != 0 {
		t.Fatalf("SubscriptionCount=%d want=0 after Disconnect", n)
	}
}

func TestAutoReconnectReadsFreshCredential(t *testing.T) {
	t.Parallel()

	b := startBackend(t)

	var reads atomic.Int64
	tokens := func(context.Context) (string, error) {
		reads.Add(1)
		return "tok-a", nil
	}

	s, err := NewSession(b.url, tokens,
		WithLogger(testLogger()),
		WithRetryDelay(50*time.Millisecond),
		WithDialTimeout(2*time.Second),
	)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Disconnect)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	firstID := s.SessionID()

	b.link.severAll()
	awaitConnected(t, s, false)
	awaitConnected(t, s, true)

	if s.SessionID() == firstID || s.SessionID() == "" {
		t.Fatalf("session id not refreshed: %q vs %q", s.SessionID(), firstID)
	}
	if n := reads.Load(); n < 2 {
		t.Fatalf("credential reads=%d want>=2", n)
	}
}

func TestAutoReconnectResubscribes(t *testing.T) {
	t.Parallel()

	b := startBackend(t)

	s := newConnected(t, b.url, "tok-a",
		WithRetryDelay(50*time.Millisecond),
		WithResubscribe(true),
	)

	got := make(chan v1.ChatMessage, 4)
	s.SubscribeMessages("room-7", "7", func(m v1.ChatMessage) { got <- m })
	awaitSubscribers(t, b.hub, v1.RoomTopic("7"), 1)

	b.link.severAll()
	awaitConnected(t, s, false)
	awaitConnected(t, s, true)

	// The held subscription is replayed on the new transport.
	awaitSubscribers(t, b.hub, v1.RoomTopic("7"), 1)

	draft := v1.MessageDraft{Content: "after the storm", ContentKind: v1.ContentText}
	if err := s.Send(context.Background(), "7", draft); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case m := <-got:
		if m.Content != "after the storm" {
			t.Fatalf("message=%+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no delivery after resubscribe")
	}
}

func TestAutoReconnectWithoutResubscribeHoldsRegistryInactive(t *testing.T) {
	t.Parallel()

	b := startBackend(t)

	s := newConnected(t, b.url, "tok-a", WithRetryDelay(50*time.Millisecond))

	s.SubscribeMessages("room-7", "7", func(v1.ChatMessage) {})
	awaitSubscribers(t, b.hub, v1.RoomTopic("7"), 1)

	b.link.severAll()
	awaitConnected(t, s, false)
	awaitConnected(t, s, true)

	// The entry survives for inspection but is not replayed on the wire.
	if n := s.SubscriptionCount(); n != 1 {
		t.Fatalf("SubscriptionCount=%d want=1", n)
	}
	awaitSubscribers(t, b.hub, v1.RoomTopic("7"), 0)
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	t.Parallel()

	var dials atomic.Int64
	s, err := NewSession("ws://127.0.0.1:1/ws", staticTokens("tok-a"),
		WithLogger(testLogger()),
		WithRetryDelay(20*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	realDial := s.dial
	s.dial = func(ctx context.Context, u string) (conn *websocket.Conn, resp *http.Response, err error) {
		dials.Add(1)
		return realDial(ctx, u)
	}

	// Simulate an established session losing its transport.
	s.mu.Lock()
	s.state = StateConnected
	gen := s.gen
	s.mu.Unlock()
	s.transportLost(gen)

	s.mu.Lock()
	pending := s.retryPending
	s.mu.Unlock()
	if !pending {
		t.Fatalf("no retry scheduled after transport loss")
	}

	// A stale generation must not schedule a second timer or change state.
	s.transportLost(gen)

	s.Disconnect()

	s.mu.Lock()
	pending = s.retryPending
	s.mu.Unlock()
	if pending {
		t.Fatalf("retry still pending after Disconnect")
	}

	before := dials.Load()
	time.Sleep(100 * time.Millisecond)
	if after := dials.Load(); after != before {
		t.Fatalf("dial attempted after Disconnect: before=%d after=%d", before, after)
	}
}

func TestUnsubscribeAll(t *testing.T) {
	t.Parallel()

	b := startBackend(t)
	s := newConnected(t, b.url, "tok-a")

	s.SubscribeMessages("k1", "7", func(v1.ChatMessage) {})
	s.SubscribeStatus("k2", "7", func(v1.RoomStatus) {})
	s.SubscribeNotifications("k3", "A", func(v1.Notification) {})
	awaitSubscribers(t, b.hub, v1.RoomTopic("7"), 1)
	awaitSubscribers(t, b.hub, v1.StatusTopic("7"), 1)
	awaitSubscribers(t, b.hub, v1.NotificationsTopic("A"), 1)

	s.UnsubscribeAll()
	if n := s.SubscriptionCount(); n != 0 {
		t.Fatalf("SubscriptionCount=%d want=0", n)
	}
	awaitSubscribers(t, b.hub, v1.RoomTopic("7"), 0)
	awaitSubscribers(t, b.hub, v1.StatusTopic("7"), 0)
	awaitSubscribers(t, b.hub, v1.NotificationsTopic("A"), 0)
}
