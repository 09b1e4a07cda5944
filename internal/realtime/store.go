package realtime

import (
	"context"
	"time"

	v1 "ripple/pkg/wire/v1"
)

// Member is a resolved chat participant.
type Member struct {
	ID       string
	Username string
}

// Message is the canonical persisted message representation.
// SeenBy is append-only: ids are added, never removed, and the sender's id
// is present from creation.
type Message struct {
	ID          string
	RoomID      string
	SenderID    string
	SenderName  string
	Content     string
	ContentKind v1.ContentKind
	SeenBy      []string
	CreatedAt   time.Time
}

// SaveMessageInput describes a message persistence request.
type SaveMessageInput struct {
	RoomID      string
	SenderID    string
	SenderName  string
	Content     string
	ContentKind v1.ContentKind
	Now         time.Time
}

// Store is the persistence contract consumed by the Router and the presence tracker.
//
// Requirements:
//   - AddSeenBy is an atomic set-union per message: concurrent calls from
//     distinct viewers must never lose an update. It is scoped to a room so
//     a mismatched room/message pair mutates nothing.
//   - SaveMessage initializes the seen-by set to {sender}.
//   - ListRoomsForUser returns every room the user is a member of.
type Store interface {
	FindMemberByIdentity(ctx context.Context, identity string) (Member, error)
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	SaveMessage(ctx context.Context, in SaveMessageInput) (Message, error)
	AddSeenBy(ctx context.Context, roomID, messageID, userID string) (Message, error)
	ListRoomsForUser(ctx context.Context, userID string) ([]string, error)
	ListRoomMembers(ctx context.Context, roomID string) ([]string, error)
	Close() error
}

// Provisioner is the room/member management surface used by ops tooling and tests.
// Both bundled Store implementations provide it.
type Provisioner interface {
	UpsertMember(ctx context.Context, m Member) error
	CreateRoom(ctx context.Context, roomID, name string) error
	AddRoomMember(ctx context.Context, roomID, userID string) error
}
