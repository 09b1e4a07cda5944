package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	v1 "ripple/pkg/wire/v1"
)

// Router is the server-side domain logic: it validates inbound chat actions,
// applies them to the Store, and publishes the resulting events to topics.
//
// Failure policy: validation failures (ErrUnknownSender, ErrNotAMember,
// ErrMessageNotFound) are returned to the caller and never partially applied.
// Broadcast is best-effort fan-out; a disconnected session simply misses the event.
type Router struct {
	log   *slog.Logger
	store Store
	hub   *Hub
}

// NewRouter constructs a Router.
func NewRouter(log *slog.Logger, store Store, hub *Hub) *Router {
	return &Router{log: log, store: store, hub: hub}
}

// SendMessage validates, persists, and broadcasts a new chat message.
// Authorization precedes persistence: a non-member never produces a stored
// message or a broadcast.
func (r *Router) SendMessage(ctx context.Context, senderIdentity, roomID string, draft v1.MessageDraft) (Message, error) {
	if err := draft.Validate(); err != nil {
		metricActionsTotal.WithLabelValues("send", "invalid").Inc()
		return Message{}, err
	}
	if len([]rune(draft.Content)) > maxContentChars {
		metricActionsTotal.WithLabelValues("send", "invalid").Inc()
		return Message{}, fmt.Errorf("content too long: max=%d chars", maxContentChars)
	}

	sender, err := r.store.FindMemberByIdentity(ctx, senderIdentity)
	if err != nil {
		metricActionsTotal.WithLabelValues("send", "unknown_sender").Inc()
		return Message{}, err
	}

	ok, err := r.store.IsMember(ctx, roomID, sender.ID)
	if err != nil {
		return Message{}, err
	}
	if !ok {
		metricActionsTotal.WithLabelValues("send", "not_a_member").Inc()
		return Message{}, fmt.Errorf("%w: user=%s room=%s", ErrNotAMember, sender.ID, roomID)
	}

	msg, err := r.store.SaveMessage(ctx, SaveMessageInput{
		RoomID:      roomID,
		SenderID:    sender.ID,
		SenderName:  sender.Username,
		Content:     strings.TrimSpace(draft.Content),
		ContentKind: draft.ContentKind,
		Now:         time.Now().UTC(),
	})
	if err != nil {
		return Message{}, fmt.Errorf("save message: %w", err)
	}

	r.publishMessage(msg)
	r.notifyNewMessage(ctx, msg)

	metricActionsTotal.WithLabelValues("send", "ok").Inc()
	r.log.Info("router.message.sent", "room_id", roomID, "message_id", msg.ID, "sender_id", sender.ID)
	return msg, nil
}

// MarkSeen unions the viewer into a message's seen-by set and re-broadcasts
// the converged message to the room. Idempotent: re-marking changes nothing.
func (r *Router) MarkSeen(ctx context.Context, viewerIdentity, roomID, messageID string) (Message, error) {
	viewer, err := r.store.FindMemberByIdentity(ctx, viewerIdentity)
	if err != nil {
		metricActionsTotal.WithLabelValues("seen", "unknown_sender").Inc()
		return Message{}, err
	}

	ok, err := r.store.IsMember(ctx, roomID, viewer.ID)
	if err != nil {
		return Message{}, err
	}
	if !ok {
		metricActionsTotal.WithLabelValues("seen", "not_a_member").Inc()
		return Message{}, fmt.Errorf("%w: user=%s room=%s", ErrNotAMember, viewer.ID, roomID)
	}

	msg, err := r.store.AddSeenBy(ctx, roomID, messageID, viewer.ID)
	if err != nil {
		metricActionsTotal.WithLabelValues("seen", "not_found").Inc()
		return Message{}, err
	}

	r.publishMessage(msg)

	metricActionsTotal.WithLabelValues("seen", "ok").Inc()
	r.log.Info("router.message.seen", "room_id", roomID, "message_id", messageID, "viewer_id", viewer.ID)
	return msg, nil
}

// publishMessage broadcasts a chat message event to the room's message topic.
func (r *Router) publishMessage(msg Message) {
	env, err := NewEventEnvelope(v1.RoomTopic(msg.RoomID), msg.ToWire())
	if err != nil {
		r.log.Error("router.publish.encode_fail", "message_id", msg.ID, "err", err)
		return
	}
	r.hub.Broadcast(v1.RoomTopic(msg.RoomID), env)
}

// notifyNewMessage fans a NEW_MESSAGE notification out to every room member
// except the sender. Best-effort: enumeration failure only logs.
func (r *Router) notifyNewMessage(ctx context.Context, msg Message) {
	members, err := r.store.ListRoomMembers(ctx, msg.RoomID)
	if err != nil {
		r.log.Error("router.notify.members_fail", "room_id", msg.RoomID, "err", err)
		return
	}

	for _, uid := range members {
		if uid == msg.SenderID {
			continue
		}

		id, err := NewULID(msg.CreatedAt)
		if err != nil {
			continue
		}
		n := v1.Notification{
			ID:        id,
			Kind:      v1.NotifyNewMessage,
			Title:     "New message from " + msg.SenderName,
			Body:      preview(msg),
			RoomID:    msg.RoomID,
			CreatedAt: msg.CreatedAt,
		}

		topic := v1.NotificationsTopic(uid)
		env, err := NewEventEnvelope(topic, n)
		if err != nil {
			continue
		}
		r.hub.Broadcast(topic, env)
	}
}

// ToWire converts a persisted message into its broadcast payload shape.
func (m Message) ToWire() v1.ChatMessage {
	seen := m.SeenBy
	if seen == nil {
		seen = []string{}
	}
	return v1.ChatMessage{
		ID:          m.ID,
		RoomID:      m.RoomID,
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		Content:     m.Content,
		ContentKind: m.ContentKind,
		SeenBy:      seen,
		CreatedAt:   m.CreatedAt,
	}
}

// NewEventEnvelope wraps a payload value into an event envelope for a topic.
func NewEventEnvelope(topic v1.Topic, payload any) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	now := time.Now().UTC()
	id, err := NewULID(now)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.NewEnvelope(v1.TypeEvent, id, topic.String(), now, raw), nil
}

func preview(m Message) string {
	if m.ContentKind != v1.ContentText {
		return string(m.ContentKind)
	}
	const max = 80
	runes := []rune(m.Content)
	if len(runes) <= max {
		return m.Content
	}
	return string(runes[:max]) + "…"
}
