package v1

import (
	"errors"
	"fmt"
	"strings"
)

// TopicKind discriminates the three delivery topic shapes.
type TopicKind string

const (
	// KindMessages is the room chat-message broadcast topic.
	KindMessages TopicKind = "messages"
	// KindStatus is the room presence topic.
	KindStatus TopicKind = "status"
	// KindNotifications is the per-user notification topic.
	KindNotifications TopicKind = "notifications"
)

// Topic is a parsed delivery topic path.
// Exactly one of RoomID / UserID is set, depending on Kind.
type Topic struct {
	Kind   TopicKind
	RoomID string
	UserID string
}

// String renders the canonical path form.
func (t Topic) String() string {
	switch t.Kind {
	case KindMessages:
		return "rooms/" + t.RoomID
	case KindStatus:
		return "rooms/" + t.RoomID + "/status"
	case KindNotifications:
		return "users/" + t.UserID + "/notifications"
	default:
		return ""
	}
}

// RoomTopic returns the chat-message topic for a room.
func RoomTopic(roomID string) Topic { return Topic{Kind: KindMessages, RoomID: roomID} }

// StatusTopic returns the presence topic for a room.
func StatusTopic(roomID string) Topic { return Topic{Kind: KindStatus, RoomID: roomID} }

// NotificationsTopic returns the notification topic for a user.
func NotificationsTopic(userID string) Topic {
	return Topic{Kind: KindNotifications, UserID: userID}
}

// ErrBadTopic is returned when a path does not match any topic shape.
var ErrBadTopic = errors.New("malformed topic path")

// ParseTopic parses a case-sensitive topic path:
//
//	rooms/{roomId}
//	rooms/{roomId}/status
//	users/{userId}/notifications
func ParseTopic(path string) (Topic, error) {
	parts := strings.Split(path, "/")

	switch {
	case len(parts) == 2 && parts[0] == "rooms" && parts[1] != "":
		return RoomTopic(parts[1]), nil
	case len(parts) == 3 && parts[0] == "rooms" && parts[1] != "" && parts[2] == "status":
		return StatusTopic(parts[1]), nil
	case len(parts) == 3 && parts[0] == "users" && parts[1] != "" && parts[2] == "notifications":
		return NotificationsTopic(parts[1]), nil
	default:
		return Topic{}, fmt.Errorf("%w: %q", ErrBadTopic, path)
	}
}

// ActionKind discriminates client-to-server action paths.
type ActionKind string

const (
	// ActSend posts a new message into a room.
	ActSend ActionKind = "send"
	// ActSeen marks a message as seen by the caller.
	ActSeen ActionKind = "seen"
)

// Action is a parsed client action path.
type Action struct {
	Kind      ActionKind
	RoomID    string
	MessageID string // set for ActSeen only
}

// String renders the canonical path form.
func (a Action) String() string {
	switch a.Kind {
	case ActSend:
		return "rooms/" + a.RoomID + "/send"
	case ActSeen:
		return "rooms/" + a.RoomID + "/messages/" + a.MessageID + "/seen"
	default:
		return ""
	}
}

// SendAction returns the send action path for a room.
func SendAction(roomID string) Action { return Action{Kind: ActSend, RoomID: roomID} }

// SeenAction returns the mark-seen action path for a message.
func SeenAction(roomID, messageID string) Action {
	return Action{Kind: ActSeen, RoomID: roomID, MessageID: messageID}
}

// ErrBadAction is returned when a path does not match any action shape.
var ErrBadAction = errors.New("malformed action path")

// ParseAction parses a case-sensitive action path:
//
//	rooms/{roomId}/send
//	rooms/{roomId}/messages/{messageId}/seen
func ParseAction(path string) (Action, error) {
	parts := strings.Split(path, "/")

	switch {
	case len(parts) == 3 && parts[0] == "rooms" && parts[1] != "" && parts[2] == "send":
		return SendAction(parts[1]), nil
	case len(parts) == 5 && parts[0] == "rooms" && parts[1] != "" &&
		parts[2] == "messages" && parts[3] != "" && parts[4] == "seen":
		return SeenAction(parts[1], parts[3]), nil
	default:
		return Action{}, fmt.Errorf("%w: %q", ErrBadAction, path)
	}
}
