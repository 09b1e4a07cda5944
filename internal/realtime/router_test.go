package realtime

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	v1 "ripple/pkg/wire/v1"
)

func newTestRouter(t *testing.T) (*Router, *InMemoryStore, *Hub) {
	t.Helper()
	store := seedStore(t)
	hub := NewHub(testLogger())
	return NewRouter(testLogger(), store, hub), store, hub
}

func TestSendMessagePersistsAndBroadcasts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	router, _, hub := newTestRouter(t)

	viewer := NewClient("B", "bob", "sess-b", 8)
	hub.Subscribe(v1.RoomTopic("7"), viewer)

	msg, err := router.SendMessage(ctx, "A", "7", v1.MessageDraft{Content: "hi", ContentKind: v1.ContentText})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !reflect.DeepEqual(msg.SeenBy, []string{"A"}) {
		t.Fatalf("seen_by=%v want=[A]", msg.SeenBy)
	}

	env := recvEnvelope(t, viewer.Send)
	if env.Type != v1.TypeEvent || env.Topic != "rooms/7" {
		t.Fatalf("envelope type=%s topic=%s", env.Type, env.Topic)
	}
	var got v1.ChatMessage
	if err := env.DecodePayload(&got); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if got.ID != msg.ID || got.Content != "hi" || got.ContentKind != v1.ContentText {
		t.Fatalf("broadcast message=%+v", got)
	}
	if !reflect.DeepEqual(got.SeenBy, []string{"A"}) {
		t.Fatalf("broadcast seen_by=%v want=[A]", got.SeenBy)
	}
}

func TestSendMessageNonMemberRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	router, store, hub := newTestRouter(t)

	viewer := NewClient("A", "alice", "sess-a", 8)
	hub.Subscribe(v1.RoomTopic("7"), viewer)

	// C exists but is not in room 7.
	_, err := router.SendMessage(ctx, "C", "7", v1.MessageDraft{Content: "hi", ContentKind: v1.ContentText})
	if !errors.Is(err, ErrNotAMember) {
		t.Fatalf("err=%v want ErrNotAMember", err)
	}

	// Authorization precedes persistence: nothing stored, nothing broadcast.
	if got := len(store.messages); got != 0 {
		t.Fatalf("persisted %d messages, want 0", got)
	}
	if got := len(viewer.Send); got != 0 {
		t.Fatalf("broadcast %d envelopes, want 0", got)
	}
}

func TestSendMessageUnknownSender(t *testing.T) {
	t.Parallel()

	router, _, _ := newTestRouter(t)

	_, err := router.SendMessage(context.Background(), "ghost", "7",
		v1.MessageDraft{Content: "hi", ContentKind: v1.ContentText})
	if !errors.Is(err, ErrUnknownSender) {
		t.Fatalf("err=%v want ErrUnknownSender", err)
	}
}

func TestSendMessageInvalidDraft(t *testing.T) {
	t.Parallel()

	router, store, _ := newTestRouter(t)

	cases := []v1.MessageDraft{
		{Content: "", ContentKind: v1.ContentText},
		{Content: "hi", ContentKind: "gif"},
	}
	for _, draft := range cases {
		if _, err := router.SendMessage(context.Background(), "A", "7", draft); err == nil {
			t.Fatalf("draft %+v: expected error", draft)
		}
	}
	if got := len(store.messages); got != 0 {
		t.Fatalf("persisted %d messages, want 0", got)
	}
}

func TestMarkSeenBroadcastsConvergedSet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	router, _, hub := newTestRouter(t)

	viewer := NewClient("A", "alice", "sess-a", 8)
	hub.Subscribe(v1.RoomTopic("7"), viewer)

	msg, err := router.SendMessage(ctx, "A", "7", v1.MessageDraft{Content: "hi", ContentKind: v1.ContentText})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	recvEnvelope(t, viewer.Send) // the send broadcast

	updated, err := router.MarkSeen(ctx, "B", "7", msg.ID)
	if err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	if !reflect.DeepEqual(updated.SeenBy, []string{"A", "B"}) {
		t.Fatalf("seen_by=%v want=[A B]", updated.SeenBy)
	}

	env := recvEnvelope(t, viewer.Send)
	var got v1.ChatMessage
	if err := env.DecodePayload(&got); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if !reflect.DeepEqual(got.SeenBy, []string{"A", "B"}) {
		t.Fatalf("broadcast seen_by=%v want=[A B]", got.SeenBy)
	}
}

func TestMarkSeenValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	router, _, _ := newTestRouter(t)

	msg, err := router.SendMessage(ctx, "A", "7", v1.MessageDraft{Content: "hi", ContentKind: v1.ContentText})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if _, err := router.MarkSeen(ctx, "C", "7", msg.ID); !errors.Is(err, ErrNotAMember) {
		t.Fatalf("non-member err=%v want ErrNotAMember", err)
	}
	if _, err := router.MarkSeen(ctx, "B", "7", "no-such-id"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("missing message err=%v want ErrMessageNotFound", err)
	}
	if _, err := router.MarkSeen(ctx, "ghost", "7", msg.ID); !errors.Is(err, ErrUnknownSender) {
		t.Fatalf("unknown viewer err=%v want ErrUnknownSender", err)
	}
}

func TestMarkSeenConcurrentViewersConverge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	router, store, _ := newTestRouter(t)

	// A room with many viewers.
	if err := store.CreateRoom(ctx, "big", ""); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	const viewers = 16
	ids := make([]string, 0, viewers)
	for i := 0; i < viewers; i++ {
		id := fmt.Sprintf("v%02d", i)
		ids = append(ids, id)
		if err := store.UpsertMember(ctx, Member{ID: id, Username: id}); err != nil {
			t.Fatalf("UpsertMember: %v", err)
		}
		if err := store.AddRoomMember(ctx, "big", id); err != nil {
			t.Fatalf("AddRoomMember: %v", err)
		}
	}

	msg, err := router.SendMessage(ctx, "v00", "big", v1.MessageDraft{Content: "hi", ContentKind: v1.ContentText})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := router.MarkSeen(ctx, id, "big", msg.ID); err != nil {
				t.Errorf("MarkSeen(%s): %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	final, err := store.AddSeenBy(ctx, "big", msg.ID, "v00")
	if err != nil {
		t.Fatalf("AddSeenBy: %v", err)
	}
	if !reflect.DeepEqual(final.SeenBy, ids) {
		t.Fatalf("seen_by=%v want=%v", final.SeenBy, ids)
	}
}

func TestNotificationFanoutExcludesSender(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	router, _, hub := newTestRouter(t)

	aNotify := NewClient("A", "alice", "sess-a", 8)
	bNotify := NewClient("B", "bob", "sess-b", 8)
	hub.Subscribe(v1.NotificationsTopic("A"), aNotify)
	hub.Subscribe(v1.NotificationsTopic("B"), bNotify)

	if _, err := router.SendMessage(ctx, "A", "7", v1.MessageDraft{Content: "hi", ContentKind: v1.ContentText}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	env := recvEnvelope(t, bNotify.Send)
	var n v1.Notification
	if err := env.DecodePayload(&n); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if n.Kind != v1.NotifyNewMessage || n.RoomID != "7" {
		t.Fatalf("notification=%+v", n)
	}

	if got := len(aNotify.Send); got != 0 {
		t.Fatalf("sender received %d notifications, want 0", got)
	}
}
