package v1

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ContentKind tags the media type of a chat message body.
type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentImage ContentKind = "image"
	ContentVideo ContentKind = "video"
)

// ValidContentKind reports whether k is one of the wire-stable content kinds.
func ValidContentKind(k ContentKind) bool {
	switch k {
	case ContentText, ContentImage, ContentVideo:
		return true
	default:
		return false
	}
}

// ChatMessage is the broadcast representation of a persisted message.
// SeenBy carries the full seen-by set so every viewer converges on it.
type ChatMessage struct {
	ID          string      `json:"id"`
	RoomID      string      `json:"room_id"`
	SenderID    string      `json:"sender_id"`
	SenderName  string      `json:"sender_name"`
	Content     string      `json:"content"`
	ContentKind ContentKind `json:"content_kind"`
	SeenBy      []string    `json:"seen_by"`
	CreatedAt   time.Time   `json:"created_at"`
}

// PresenceStatus is the online/offline tag of a RoomStatus event.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// RoomStatus is an ephemeral presence event. It is never persisted.
type RoomStatus struct {
	UserID   string         `json:"user_id"`
	Username string         `json:"username"`
	RoomID   string         `json:"room_id"`
	Status   PresenceStatus `json:"status"`
}

// NotificationKind tags the notification category.
type NotificationKind string

const (
	NotifyNewMessage NotificationKind = "NEW_MESSAGE"
	NotifyRoomInvite NotificationKind = "ROOM_INVITE"
	NotifySystem     NotificationKind = "SYSTEM"
)

// Notification is a per-user event. RoomID is the only optional field.
type Notification struct {
	ID        string           `json:"id"`
	Kind      NotificationKind `json:"kind"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	RoomID    string           `json:"room_id,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// MessageDraft is the client payload of a rooms/{id}/send action.
type MessageDraft struct {
	Content     string      `json:"content"`
	ContentKind ContentKind `json:"content_kind"`
}

// Validate checks draft shape before it leaves the client (and again server-side).
func (d MessageDraft) Validate() error {
	if strings.TrimSpace(d.Content) == "" {
		return errors.New("empty content")
	}
	if !ValidContentKind(d.ContentKind) {
		return fmt.Errorf("unknown content_kind: %q", d.ContentKind)
	}
	return nil
}

// SessionAckPayload confirms an established session.
type SessionAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
