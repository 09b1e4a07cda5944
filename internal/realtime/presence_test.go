package realtime

import (
	"context"
	"reflect"
	"testing"

	v1 "ripple/pkg/wire/v1"
)

func TestPresenceOnlineOfflineSymmetry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := seedStore(t)
	hub := NewHub(testLogger())
	presence := NewPresence(testLogger(), store, hub)

	watch7 := NewClient("B", "bob", "sess-b", 8)
	watch9 := NewClient("B", "bob", "sess-b2", 8)
	hub.Subscribe(v1.StatusTopic("7"), watch7)
	hub.Subscribe(v1.StatusTopic("9"), watch9)

	alice := Member{ID: "A", Username: "alice"}
	rooms := presence.SessionOnline(ctx, alice)
	if !reflect.DeepEqual(rooms, []string{"7", "9"}) {
		t.Fatalf("snapshot=%v want=[7 9]", rooms)
	}

	for _, c := range []*Client{watch7, watch9} {
		env := recvEnvelope(t, c.Send)
		var got v1.RoomStatus
		if err := env.DecodePayload(&got); err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		if got.UserID != "A" || got.Status != v1.StatusOnline {
			t.Fatalf("status event=%+v", got)
		}
	}

	// Membership changes mid-session must not desymmetrize the fan-out:
	// offline replays the connect-time snapshot.
	if err := store.CreateRoom(ctx, "11", ""); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := store.AddRoomMember(ctx, "11", "A"); err != nil {
		t.Fatalf("AddRoomMember: %v", err)
	}

	presence.SessionOffline(alice, rooms)

	offline := map[string]v1.PresenceStatus{}
	for _, c := range []*Client{watch7, watch9} {
		env := recvEnvelope(t, c.Send)
		var got v1.RoomStatus
		if err := env.DecodePayload(&got); err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		offline[got.RoomID] = got.Status
	}
	want := map[string]v1.PresenceStatus{"7": v1.StatusOffline, "9": v1.StatusOffline}
	if !reflect.DeepEqual(offline, want) {
		t.Fatalf("offline=%v want=%v", offline, want)
	}
}
