// Package client is the Ripple client SDK: an authenticated, auto-reconnecting
// websocket session that multiplexes room, presence, and notification topics
// over one physical connection.
//
// Concurrency model: event delivery is single-threaded per Session. Each
// inbound envelope is fully parsed and its handlers invoked before the next
// one is admitted, so handlers for one Session are never re-entered and
// per-topic order matches transport receive order.
package client

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"

	v1 "ripple/pkg/wire/v1"
)

// WSSubprotocol must match the server's negotiated subprotocol.
const WSSubprotocol = "ripple.v1"

// State is the session connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// TokenSource supplies the bearer credential. It is re-read on every connect
// attempt, so a refreshed credential is honored on reconnect.
type TokenSource func(ctx context.Context) (string, error)

type dialFunc func(ctx context.Context, u string) (*websocket.Conn, *http.Response, error)

const (
	defaultRetryDelay   = 5 * time.Second
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	maxReadBytes        = 64 << 10
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger (defaults to slog.Default).
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithRetryDelay overrides the fixed delay between reconnect attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.retryDelay = d
		}
	}
}

// WithResubscribe makes the session replay its held topic subscriptions after
// an automatic reconnect. Off by default: the caller re-subscribes through its
// own lifecycle. Explicit Disconnect always clears the registry either way.
func WithResubscribe(on bool) Option {
	return func(s *Session) { s.resubscribe = on }
}

// WithDialTimeout bounds each reconnect dial attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.dialTimeout = d
		}
	}
}

// Session is one client's authenticated connection lifecycle.
// At most one physical transport is active per Session at any time.
type Session struct {
	wsURL  string
	tokens TokenSource
	log    *slog.Logger

	retryDelay   time.Duration
	dialTimeout  time.Duration
	writeTimeout time.Duration
	resubscribe  bool

	dial dialFunc // replaceable in tests

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	gen          uint64 // bumped on every connection change; stale loops check it
	reg          *registry
	sessionID    string
	retryPending bool
	retryTimer   *time.Timer

	writeMu sync.Mutex // serializes frame writes on the shared conn
}

// NewSession constructs a Session for a ws:// or wss:// endpoint.
func NewSession(wsURL string, tokens TokenSource, opts ...Option) (*Session, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if tokens == nil {
		return nil, errors.New("nil token source")
	}

	s := &Session{
		wsURL:        wsURL,
		tokens:       tokens,
		log:          slog.Default(),
		retryDelay:   defaultRetryDelay,
		dialTimeout:  defaultDialTimeout,
		writeTimeout: defaultWriteTimeout,
		reg:          newRegistry(),
	}
	s.dial = func(ctx context.Context, u string) (*websocket.Conn, *http.Response, error) {
		return websocket.Dial(ctx, u, &websocket.DialOptions{
			Subprotocols: []string{WSSubprotocol},
		})
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// IsConnected reflects only the last known acknowledged state.
// It does not probe the transport.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected
}

// SessionID returns the server-assigned id of the current session, if any.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Connect establishes the authenticated transport and resolves only after the
// server acknowledges the session. Idempotent when already connecting or
// connected. The credential is read at call time, not cached.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.cancelRetryLocked()
	gen := s.gen
	s.mu.Unlock()

	conn, ack, err := s.establish(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen || s.state != StateConnecting {
		// Disconnect raced this connect; the session stays down.
		if conn != nil {
			_ = conn.CloseNow()
		}
		return fmt.Errorf("%w: disconnected during connect", ErrTransportUnavailable)
	}

	if err != nil {
		s.state = StateDisconnected
		return err
	}

	s.adoptConnLocked(conn, ack)
	return nil
}

// Disconnect tears down the transport, cancels any pending reconnect timer,
// and clears the registry without remote cancellation side effects.
// No-op if already disconnected. Terminal until Connect is called again.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDisconnected && !s.retryPending {
		return
	}

	s.cancelRetryLocked()
	s.gen++ // invalidates in-flight connects and read loops
	conn := s.conn
	s.conn = nil
	s.sessionID = ""
	s.state = StateDisconnected
	s.reg.clear()

	if conn != nil {
		_ = conn.CloseNow()
	}
	s.log.Info("session.disconnected", "reason", "explicit")
}

// ---- connection establishment ----

// establish reads the credential, dials, and waits for the server's ack.
func (s *Session) establish(ctx context.Context) (*websocket.Conn, v1.SessionAckPayload, error) {
	token, err := s.tokens(ctx)
	if err != nil {
		return nil, v1.SessionAckPayload{}, fmt.Errorf("%w: read credential: %v", ErrTransportUnavailable, err)
	}

	q := url.Values{}
	q.Set("Authorization", "Bearer "+token)
	dialURL := s.wsURL + "?" + q.Encode()

	conn, resp, err := s.dial(ctx, dialURL)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, v1.SessionAckPayload{}, fmt.Errorf("%w: handshake refused (%d)", ErrAuthRejected, resp.StatusCode)
		}
		return nil, v1.SessionAckPayload{}, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	conn.SetReadLimit(maxReadBytes)

	// The session is established only once the server says so.
	_, data, err := conn.Read(ctx)
	if err != nil {
		_ = conn.CloseNow()
		return nil, v1.SessionAckPayload{}, fmt.Errorf("%w: awaiting ack: %v", ErrTransportUnavailable, err)
	}

	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != v1.TypeSessionAck {
		_ = conn.CloseNow()
		return nil, v1.SessionAckPayload{}, fmt.Errorf("%w: unexpected handshake reply", ErrTransportUnavailable)
	}

	var ack v1.SessionAckPayload
	if err := env.DecodePayload(&ack); err != nil {
		_ = conn.CloseNow()
		return nil, v1.SessionAckPayload{}, fmt.Errorf("%w: malformed ack", ErrTransportUnavailable)
	}

	return conn, ack, nil
}

// adoptConnLocked installs an established connection. Caller holds s.mu.
func (s *Session) adoptConnLocked(conn *websocket.Conn, ack v1.SessionAckPayload) {
	s.conn = conn
	s.sessionID = ack.SessionID
	s.state = StateConnected
	s.gen++
	gen := s.gen

	go s.readLoop(conn, gen)

	s.log.Info("session.connected", "session_id", ack.SessionID, "user_id", ack.UserID)
}

// ---- reconnect policy ----

// transportLost handles an unexpected closure observed by the read loop of
// generation gen. Exactly one reconnect attempt is scheduled after the fixed
// delay; the outstanding-timer flag prevents stacking on repeated flapping.
func (s *Session) transportLost(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		// Explicit disconnect or a newer connection already superseded us.
		return
	}

	s.state = StateDisconnected
	s.conn = nil
	s.sessionID = ""
	s.gen++
	s.reg.invalidate()

	s.log.Info("session.transport.lost")
	s.scheduleRetryLocked()
}

// scheduleRetryLocked arms the single reconnect timer. Caller holds s.mu.
func (s *Session) scheduleRetryLocked() {
	if s.retryPending {
		return
	}
	s.retryPending = true
	s.retryTimer = time.AfterFunc(s.retryDelay, s.retry)
	s.log.Info("session.reconnect.scheduled", "delay", s.retryDelay.String())
}

func (s *Session) cancelRetryLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.retryPending = false
}

// retry runs one reconnect attempt. The next attempt is scheduled only after
// this one fully resolves or fails. Attempts are unlimited.
func (s *Session) retry() {
	s.mu.Lock()
	if !s.retryPending {
		// Disconnect or Connect canceled this attempt after the timer fired.
		s.mu.Unlock()
		return
	}
	s.retryPending = false
	s.retryTimer = nil
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	gen := s.gen
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.dialTimeout)
	conn, ack, err := s.establish(ctx)
	cancel()

	s.mu.Lock()
	if s.gen != gen || s.state != StateConnecting {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.CloseNow()
		}
		return
	}

	if err != nil {
		s.state = StateDisconnected
		s.scheduleRetryLocked()
		s.mu.Unlock()
		s.log.Info("session.reconnect.fail", "err", err)
		return
	}

	s.adoptConnLocked(conn, ack)

	var replay []*subscription
	if s.resubscribe {
		replay = s.reg.all()
		for _, sub := range replay {
			sub.active = true
		}
	}
	s.mu.Unlock()

	for _, sub := range replay {
		if err := s.sendEnvelope(context.Background(), s.subscribeEnvelope(sub.topic)); err != nil {
			s.log.Warn("session.resubscribe.fail", "key", sub.key, "err", err)
		}
	}
}

// ---- inbound dispatch ----

// readLoop is the single dispatch goroutine for one physical connection.
func (s *Session) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			s.transportLost(gen)
			return
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Malformed payloads are isolated per message and never abort the loop.
			s.log.Warn("session.codec.drop", "err", err)
			continue
		}

		switch env.Type {
		case v1.TypeEvent:
			s.dispatch(gen, env)
		case v1.TypeError:
			var p v1.ErrorPayload
			if err := env.DecodePayload(&p); err == nil {
				s.log.Warn("session.server.error", "code", p.Code, "message", p.Message)
			}
		default:
			// session_ack duplicates and unknown types are ignored.
		}
	}
}

// dispatch invokes the handlers subscribed to the envelope's topic, in order,
// on the read goroutine. Events admitted after a disconnect began fail the
// generation check and are dropped.
func (s *Session) dispatch(gen uint64, env v1.Envelope) {
	s.mu.Lock()
	if s.gen != gen || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	subs := s.reg.forTopic(env.Topic)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(env)
	}
}

// ---- subscriptions ----

// SubscribeMessages registers a chat-message handler for a room under key.
// Silent no-op while disconnected. Re-using a key cancels the prior
// subscription first so delivery is never duplicated.
func (s *Session) SubscribeMessages(key, roomID string, h func(v1.ChatMessage)) {
	s.subscribe(key, v1.RoomTopic(roomID), func(env v1.Envelope) {
		var m v1.ChatMessage
		if err := env.DecodePayload(&m); err != nil {
			s.log.Warn("session.codec.drop", "topic", env.Topic, "err", err)
			return
		}
		h(m)
	})
}

// SubscribeStatus registers a presence handler for a room under key.
func (s *Session) SubscribeStatus(key, roomID string, h func(v1.RoomStatus)) {
	s.subscribe(key, v1.StatusTopic(roomID), func(env v1.Envelope) {
		var p v1.RoomStatus
		if err := env.DecodePayload(&p); err != nil {
			s.log.Warn("session.codec.drop", "topic", env.Topic, "err", err)
			return
		}
		h(p)
	})
}

// SubscribeNotifications registers a notification handler for a user under key.
func (s *Session) SubscribeNotifications(key, userID string, h func(v1.Notification)) {
	s.subscribe(key, v1.NotificationsTopic(userID), func(env v1.Envelope) {
		var n v1.Notification
		if err := env.DecodePayload(&n); err != nil {
			s.log.Warn("session.codec.drop", "topic", env.Topic, "err", err)
			return
		}
		h(n)
	})
}

func (s *Session) subscribe(key string, topic v1.Topic, deliver func(v1.Envelope)) {
	s.mu.Lock()
	if s.state != StateConnected {
		// Not connected: nothing is retained. Callers re-subscribe through
		// their own lifecycle, or opt into WithResubscribe.
		s.mu.Unlock()
		s.log.Info("session.subscribe.dropped", "key", key, "topic", topic.String())
		return
	}
	sub := &subscription{key: key, topic: topic, deliver: deliver, active: true}
	prior := s.reg.put(sub)
	// The prior entry's topic is cancelled on the wire only when no surviving
	// entry still references it; the replacement entry itself counts, so
	// re-subscribing a key to the same topic never opens a delivery gap.
	cancelPrior := prior != nil && prior.active && len(s.reg.forTopic(prior.topic.String())) == 0
	var priorTopic v1.Topic
	if cancelPrior {
		priorTopic = prior.topic
	}
	s.mu.Unlock()

	if cancelPrior {
		_ = s.sendEnvelope(context.Background(), s.unsubscribeEnvelope(priorTopic))
	}
	if err := s.sendEnvelope(context.Background(), s.subscribeEnvelope(topic)); err != nil {
		s.log.Warn("session.subscribe.send_fail", "key", key, "err", err)
	}
}

// Unsubscribe cancels and removes the subscription under key. No-op otherwise.
// The topic stays subscribed on the wire while another registry entry still
// references it, so removing one key never silences a sibling.
func (s *Session) Unsubscribe(key string) {
	s.mu.Lock()
	sub := s.reg.remove(key)
	connected := s.state == StateConnected
	shared := sub != nil && len(s.reg.forTopic(sub.topic.String())) > 0
	s.mu.Unlock()

	if sub != nil && sub.active && connected && !shared {
		_ = s.sendEnvelope(context.Background(), s.unsubscribeEnvelope(sub.topic))
	}
}

// UnsubscribeAll cancels every subscription, then clears the registry.
func (s *Session) UnsubscribeAll() {
	s.mu.Lock()
	subs := s.reg.all()
	s.reg.clear()
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected {
		return
	}
	cancelled := make(map[string]bool, len(subs))
	for _, sub := range subs {
		path := sub.topic.String()
		if !sub.active || cancelled[path] {
			continue
		}
		cancelled[path] = true
		_ = s.sendEnvelope(context.Background(), s.unsubscribeEnvelope(sub.topic))
	}
}

// SubscriptionCount reports the number of held registry entries.
func (s *Session) SubscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.len()
}

// ---- actions ----

// Send posts a new message draft into a room.
func (s *Session) Send(ctx context.Context, roomID string, draft v1.MessageDraft) error {
	if err := draft.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(draft)
	if err != nil {
		return err
	}
	env := v1.NewEnvelope(v1.TypeAct, newULID(), v1.SendAction(roomID).String(), time.Now().UTC(), payload)
	return s.sendEnvelope(ctx, env)
}

// MarkSeen marks a message as seen by this session's user.
func (s *Session) MarkSeen(ctx context.Context, roomID, messageID string) error {
	env := v1.NewEnvelope(v1.TypeAct, newULID(), v1.SeenAction(roomID, messageID).String(), time.Now().UTC(), nil)
	return s.sendEnvelope(ctx, env)
}

// ---- wire helpers ----

func (s *Session) subscribeEnvelope(topic v1.Topic) v1.Envelope {
	return v1.NewEnvelope(v1.TypeSubscribe, newULID(), topic.String(), time.Now().UTC(), nil)
}

func (s *Session) unsubscribeEnvelope(topic v1.Topic) v1.Envelope {
	return v1.NewEnvelope(v1.TypeUnsubscribe, newULID(), topic.String(), time.Now().UTC(), nil)
}

func (s *Session) sendEnvelope(ctx context.Context, env v1.Envelope) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.Write(wctx, websocket.MessageText, b)
}

func newULID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), rand.Reader)
	if err != nil {
		return ""
	}
	return id.String()
}
