package message

import (
	"context"
	"errors"
	"testing"

	"github.com/campuslink/chat-app/internal/db/dbtest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(dbtest.Open(t))
}

func TestCreate_AssignsIDAndDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, created, err := s.Create(ctx, DirectMessage{SenderID: "a", ReceiverID: "b", Content: "hi"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !created || m.ID == 0 {
		t.Fatalf("expected a new row, got created=%v id=%d", created, m.ID)
	}
	if m.Seen {
		t.Error("new message must be unseen")
	}
	if m.Timestamp.IsZero() {
		t.Error("expected a server timestamp")
	}
}

func TestCreate_ClientMsgIDIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	in := DirectMessage{SenderID: "a", ReceiverID: "b", Content: "hi", ClientMsgID: "tmp-1"}

	first, created, err := s.Create(ctx, in)
	if err != nil || !created {
		t.Fatalf("first Create: created=%v err=%v", created, err)
	}
	second, created, err := s.Create(ctx, in)
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if created {
		t.Error("resend with the same client id must not create a row")
	}
	if second.ID != first.ID {
		t.Errorf("expected id %d, got %d", first.ID, second.ID)
	}

	// Same client id from another sender is a different message.
	other, created, err := s.Create(ctx, DirectMessage{SenderID: "c", ReceiverID: "b", Content: "hi", ClientMsgID: "tmp-1"})
	if err != nil || !created || other.ID == first.ID {
		t.Errorf("other sender: created=%v id=%d err=%v", created, other.ID, err)
	}
}

func TestMarkSeen_OnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m, _, _ := s.Create(ctx, DirectMessage{SenderID: "a", ReceiverID: "b", Content: "hi"})

	changed, err := s.MarkSeen(ctx, m.ID)
	if err != nil || !changed {
		t.Fatalf("first MarkSeen: changed=%v err=%v", changed, err)
	}
	changed, err = s.MarkSeen(ctx, m.ID)
	if err != nil || changed {
		t.Fatalf("second MarkSeen: changed=%v err=%v", changed, err)
	}
	got, err := s.Get(ctx, m.ID)
	if err != nil || !got.Seen {
		t.Fatalf("Get after MarkSeen: %+v %v", got, err)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), 999999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHistory_OrderedAndScoped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, c := range []string{"1", "2", "3"} {
		if _, _, err := s.Create(ctx, DirectMessage{SenderID: "a", ReceiverID: "b", Content: c}); err != nil {
			t.Fatal(err)
		}
	}
	s.Create(ctx, DirectMessage{SenderID: "b", ReceiverID: "a", Content: "4"})
	s.Create(ctx, DirectMessage{SenderID: "a", ReceiverID: "z", Content: "elsewhere"})

	got, err := s.History(ctx, "b", "a", 50)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	want := []string{"1", "2", "3", "4"}
	if len(got) != len(want) {
		t.Fatalf("History returned %d messages, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Content != w {
			t.Errorf("history[%d] = %q, want %q", i, got[i].Content, w)
		}
	}

	last2, _ := s.History(ctx, "a", "b", 2)
	if len(last2) != 2 || last2[0].Content != "3" || last2[1].Content != "4" {
		t.Errorf("limited history = %+v", last2)
	}
}

func TestUnseenAndLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Create(ctx, DirectMessage{SenderID: "b", ReceiverID: "a", Content: "from b 1"})
	m2, _, _ := s.Create(ctx, DirectMessage{SenderID: "b", ReceiverID: "a", Content: "from b 2"})
	s.Create(ctx, DirectMessage{SenderID: "a", ReceiverID: "c", Content: "to c"})
	s.MarkSeen(ctx, m2.ID)

	unseen, err := s.Unseen(ctx, "a")
	if err != nil {
		t.Fatalf("Unseen: %v", err)
	}
	if len(unseen) != 1 || unseen[0].Content != "from b 1" {
		t.Errorf("unseen = %+v", unseen)
	}

	latest, err := s.LatestPerCounterpart(ctx, "a")
	if err != nil {
		t.Fatalf("LatestPerCounterpart: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected 2 counterparts, got %d", len(latest))
	}
	byCounterpart := map[string]string{}
	for _, m := range latest {
		byCounterpart[m.Counterpart("a")] = m.Content
	}
	if byCounterpart["b"] != "from b 2" || byCounterpart["c"] != "to c" {
		t.Errorf("latest = %v", byCounterpart)
	}
}

func TestCounterpart(t *testing.T) {
	m := DirectMessage{SenderID: "a", ReceiverID: "b"}
	if m.Counterpart("a") != "b" || m.Counterpart("b") != "a" || m.Counterpart("x") != "" {
		t.Error("Counterpart mismatch")
	}
	if !m.Involves("a") || m.Involves("x") {
		t.Error("Involves mismatch")
	}
}
