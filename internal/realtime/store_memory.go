package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is the dev/test fallback when no database is configured.
// Seen-by sets are real sets under the store mutex, so AddSeenBy is an
// atomic union regardless of caller interleaving.
type InMemoryStore struct {
	mu       sync.Mutex
	members  map[string]Member              // user id -> member
	rooms    map[string]map[string]struct{} // room id -> member ids
	messages map[string]*memMessage         // message id -> message
}

type memMessage struct {
	msg    Message
	seenBy map[string]struct{}
}

// NewInMemoryStore constructs an empty in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		members:  make(map[string]Member),
		rooms:    make(map[string]map[string]struct{}),
		messages: make(map[string]*memMessage),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// UpsertMember registers or updates a member record.
func (s *InMemoryStore) UpsertMember(ctx context.Context, m Member) error {
	if m.ID == "" {
		return errors.New("missing member id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.members[m.ID] = m
	s.mu.Unlock()
	return nil
}

// CreateRoom registers a room. Creating an existing room is a no-op.
func (s *InMemoryStore) CreateRoom(ctx context.Context, roomID, _ string) error {
	if roomID == "" {
		return errors.New("missing room id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.rooms[roomID] == nil {
		s.rooms[roomID] = make(map[string]struct{})
	}
	s.mu.Unlock()
	return nil
}

// AddRoomMember adds a user to a room's membership.
func (s *InMemoryStore) AddRoomMember(ctx context.Context, roomID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.rooms[roomID]
	if room == nil {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if _, ok := s.members[userID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSender, userID)
	}
	room[userID] = struct{}{}
	return nil
}

// FindMemberByIdentity resolves an identity to a member record.
func (s *InMemoryStore) FindMemberByIdentity(ctx context.Context, identity string) (Member, error) {
	if err := ctx.Err(); err != nil {
		return Member{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[identity]
	if !ok {
		return Member{}, fmt.Errorf("%w: %s", ErrUnknownSender, identity)
	}
	return m, nil
}

// IsMember reports whether userID belongs to roomID.
func (s *InMemoryStore) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.rooms[roomID]
	if room == nil {
		return false, nil
	}
	_, ok := room[userID]
	return ok, nil
}

// SaveMessage persists a message with the seen-by set initialized to {sender}.
func (s *InMemoryStore) SaveMessage(ctx context.Context, in SaveMessageInput) (Message, error) {
	if in.RoomID == "" || in.SenderID == "" {
		return Message{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := NewULID(now)
	if err != nil {
		return Message{}, err
	}

	mm := &memMessage{
		msg: Message{
			ID:          id,
			RoomID:      in.RoomID,
			SenderID:    in.SenderID,
			SenderName:  in.SenderName,
			Content:     in.Content,
			ContentKind: in.ContentKind,
			CreatedAt:   now,
		},
		seenBy: map[string]struct{}{in.SenderID: {}},
	}

	s.mu.Lock()
	s.messages[id] = mm
	out := mm.snapshot()
	s.mu.Unlock()

	return out, nil
}

// AddSeenBy unions userID into the message's seen-by set. Idempotent.
func (s *InMemoryStore) AddSeenBy(ctx context.Context, roomID, messageID, userID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mm := s.messages[messageID]
	if mm == nil || mm.msg.RoomID != roomID {
		return Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	mm.seenBy[userID] = struct{}{}
	return mm.snapshot(), nil
}

// ListRoomMembers returns the ids of a room's members, sorted.
func (s *InMemoryStore) ListRoomMembers(ctx context.Context, roomID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.rooms[roomID]
	if room == nil {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}

	out := make([]string, 0, len(room))
	for id := range room {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// ListRoomsForUser returns the ids of every room the user belongs to, sorted.
func (s *InMemoryStore) ListRoomsForUser(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for roomID, members := range s.rooms {
		if _, ok := members[userID]; ok {
			out = append(out, roomID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// snapshot copies the message with a sorted seen-by slice.
// Must be called with the store mutex held.
func (m *memMessage) snapshot() Message {
	out := m.msg
	out.SeenBy = make([]string, 0, len(m.seenBy))
	for id := range m.seenBy {
		out.SeenBy = append(out.SeenBy, id)
	}
	sort.Strings(out.SeenBy)
	return out
}
