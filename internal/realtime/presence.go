package realtime

import (
	"context"
	"log/slog"

	v1 "ripple/pkg/wire/v1"
)

// Presence observes session connect/disconnect and fans online/offline
// events out to the status topic of every room the user belongs to.
//
// The room set is snapshotted once at connect time and the same snapshot is
// replayed on disconnect, so a subscriber can never observe an "online"
// without a matching "offline" for the same rooms.
type Presence struct {
	log   *slog.Logger
	store Store
	hub   *Hub
}

// NewPresence constructs a presence tracker.
func NewPresence(log *slog.Logger, store Store, hub *Hub) *Presence {
	return &Presence{log: log, store: store, hub: hub}
}

// SessionOnline publishes "online" to every room the member belongs to and
// returns the room snapshot for the matching SessionOffline call.
func (p *Presence) SessionOnline(ctx context.Context, member Member) []string {
	rooms, err := p.store.ListRoomsForUser(ctx, member.ID)
	if err != nil {
		p.log.Error("presence.rooms_fail", "user_id", member.ID, "err", err)
		return nil
	}

	p.publish(member, rooms, v1.StatusOnline)
	return rooms
}

// SessionOffline publishes "offline" to the rooms snapshotted at connect time.
// Presence events are not persisted: late joiners see only future events.
func (p *Presence) SessionOffline(member Member, rooms []string) {
	p.publish(member, rooms, v1.StatusOffline)
}

func (p *Presence) publish(member Member, rooms []string, status v1.PresenceStatus) {
	for _, roomID := range rooms {
		topic := v1.StatusTopic(roomID)
		env, err := NewEventEnvelope(topic, v1.RoomStatus{
			UserID:   member.ID,
			Username: member.Username,
			RoomID:   roomID,
			Status:   status,
		})
		if err != nil {
			p.log.Error("presence.encode_fail", "room_id", roomID, "err", err)
			continue
		}
		p.hub.Broadcast(topic, env)
	}

	p.log.Info("presence.published",
		"user_id", member.ID, "status", string(status), "rooms", len(rooms))
}
