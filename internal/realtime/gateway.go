// Package realtime contains Ripple's websocket gateway, topic fan-out hub,
// domain router, presence tracker, and message persistence primitives.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	v1 "ripple/pkg/wire/v1"
)

const (
	// WSSubprotocol is the negotiated websocket subprotocol.
	WSSubprotocol = "ripple.v1"

	// AuthQueryParam carries the bearer credential on the handshake URL.
	AuthQueryParam = "Authorization"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// WSGatewayConfig tunes per-connection behavior. Zero values take defaults.
type WSGatewayConfig struct {
	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// WSGateway is the websocket entrypoint for Ripple realtime.
//
// It verifies the bearer credential before the HTTP upgrade, acknowledges the
// session over the wire, and then routes validated envelopes to the Hub,
// Router, and Presence tracker. Per-message parse failures are isolated: they
// produce an error envelope and never abort the connection's event loop.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	store    Store
	router   *Router
	presence *Presence
	verifier TokenVerifier

	cfg WSGatewayConfig
}

// NewWSGateway constructs a gateway. When hub/store are nil, in-memory
// implementations are used for dev.
func NewWSGateway(log *slog.Logger, hub *Hub, store Store, verifier TokenVerifier, cfg WSGatewayConfig) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log)
	}
	if store == nil {
		store = NewInMemoryStore()
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = wsDefaultWriteTimeout
	}
	if cfg.ReadIdleTimeout <= 0 {
		cfg.ReadIdleTimeout = wsDefaultReadIdle
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = wsDefaultSendQueueSize
	}
	if cfg.SendQueueSize < wsMinSendQueueSize {
		cfg.SendQueueSize = wsMinSendQueueSize
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = heartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = heartbeatTimeout
	}
	if cfg.RateEvents <= 0 {
		cfg.RateEvents = rateLimitEvents
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = rateLimitWindow
	}

	return &WSGateway{
		log:      log,
		hub:      hub,
		store:    store,
		router:   NewRouter(log, store, hub),
		presence: NewPresence(log, store, hub),
		verifier: verifier,
		cfg:      cfg,
	}
}

// Router exposes the domain router (used by app wiring and tests).
func (g *WSGateway) Router() *Router { return g.router }

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates, upgrades, acknowledges, and runs the session loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	// Authorization before upgrade: a refused handshake never becomes a session.
	identity, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{WSSubprotocol},
		// The SDK is not a browser; the bearer credential is the trust anchor.
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != WSSubprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", WSSubprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	now := time.Now().UTC()
	sessionID, err := NewSessionID(now)
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}

	client := NewClient(identity.UserID, identity.Username, sessionID, g.cfg.SendQueueSize)
	member := Member{ID: identity.UserID, Username: identity.Username}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Presence: snapshot once, replay the same set on disconnect.
	rooms := g.presence.SessionOnline(ctx, member)

	metricSessionsActive.Inc()

	var closeOnce sync.Once

	// shutdown is idempotent. Registry removal happens before client.Close so
	// no envelope admitted afterwards can reach this session's handlers.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.DropSession(sessionID)
			g.presence.SessionOffline(member, rooms)
			metricSessionsActive.Dec()

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	// The remote ack that resolves a client's connect call.
	ackPayload, _ := json.Marshal(v1.SessionAckPayload{SessionID: sessionID, UserID: identity.UserID})
	if !g.enqueue(ctx, client, v1.NewEnvelope(v1.TypeSessionAck, sessionID, "", now, ackPayload)) {
		shutdown(websocket.StatusInternalError, "ack backpressure")
		return
	}

	g.log.Info("ws.session.established", "session_id", sessionID, "user_id", identity.UserID)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				metricCodecFailuresTotal.Inc()
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeSubscribe:
			if err := g.onSubscribe(ctx, client, env.Topic); err != nil {
				g.trySendError(ctx, client, "subscribe_failed", err.Error())
			}

		case v1.TypeUnsubscribe:
			topic, err := v1.ParseTopic(env.Topic)
			if err != nil {
				g.trySendError(ctx, client, "bad_topic", err.Error())
				continue readLoop
			}
			g.hub.Unsubscribe(topic, sessionID)

		case v1.TypeAct:
			if err := g.onAct(ctx, client, env); err != nil {
				g.trySendError(ctx, client, actErrCode(err), err.Error())
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) authenticate(r *http.Request) (Identity, error) {
	if g.verifier == nil {
		return Identity{}, fmt.Errorf("%w: no verifier configured", ErrAuthRejected)
	}
	tok, err := BearerToken(r.URL.Query().Get(AuthQueryParam))
	if err != nil {
		return Identity{}, err
	}
	return g.verifier.Verify(tok)
}

// onSubscribe authorizes and registers a topic subscription.
// Room topics require membership; a notification topic belongs to its user alone.
func (g *WSGateway) onSubscribe(ctx context.Context, client *Client, path string) error {
	topic, err := v1.ParseTopic(path)
	if err != nil {
		return err
	}

	switch topic.Kind {
	case v1.KindMessages, v1.KindStatus:
		ok, err := g.store.IsMember(ctx, topic.RoomID, client.UserID)
		if err != nil {
			return fmt.Errorf("membership check: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: user=%s room=%s", ErrNotAMember, client.UserID, topic.RoomID)
		}
	case v1.KindNotifications:
		if topic.UserID != client.UserID {
			return fmt.Errorf("%w: notifications are per-user", ErrNotAMember)
		}
	}

	g.hub.Subscribe(topic, client)
	return nil
}

func (g *WSGateway) onAct(ctx context.Context, client *Client, env v1.Envelope) error {
	action, err := v1.ParseAction(env.Topic)
	if err != nil {
		return err
	}

	switch action.Kind {
	case v1.ActSend:
		var draft v1.MessageDraft
		if err := env.DecodePayload(&draft); err != nil {
			metricCodecFailuresTotal.Inc()
			return err
		}
		_, err := g.router.SendMessage(ctx, client.UserID, action.RoomID, draft)
		return err

	case v1.ActSeen:
		_, err := g.router.MarkSeen(ctx, client.UserID, action.RoomID, action.MessageID)
		return err

	default:
		return fmt.Errorf("%w: %s", v1.ErrBadAction, env.Topic)
	}
}

func actErrCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownSender):
		return "unknown_sender"
	case errors.Is(err, ErrNotAMember):
		return "not_a_member"
	case errors.Is(err, ErrMessageNotFound):
		return "message_not_found"
	default:
		return "act_failed"
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := v1.NewEnvelope(v1.TypeError, "", "", time.Now().UTC(), p)
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, errBadJSON{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

// errBadJSON marks a decode failure so classification does not depend on
// error strings.
type errBadJSON struct{ err error }

func (e errBadJSON) Error() string { return e.err.Error() }
func (e errBadJSON) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if err == nil {
		return readErrUnknown
	}
	var bad errBadJSON
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) ||
		strings.Contains(err.Error(), "use of closed network connection") {
		return readErrConnClosed
	}
	return readErrUnknown
}
