package client

import (
	"errors"
	"testing"
	"time"

	"github.com/campuslink/chat-app/internal/message"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func server(id int64, from, to, content string, at time.Duration) message.DirectMessage {
	return message.DirectMessage{ID: id, SenderID: from, ReceiverID: to, Content: content, Timestamp: t0.Add(at)}
}

func TestTranscript_DoubleSendShowsOnce(t *testing.T) {
	tr := NewTranscript()
	first, added := tr.AddOptimistic("me", "bob", "hi", t0)
	if !added {
		t.Fatal("first send not added")
	}
	second, added := tr.AddOptimistic("me", "bob", "hi", t0.Add(400*time.Millisecond))
	if added || second.TempID != first.TempID {
		t.Fatal("second identical send inside the window was not reused")
	}

	tr.Merge(server(10, "me", "bob", "hi", 200*time.Millisecond))

	got := tr.Entries()
	if len(got) != 1 {
		t.Fatalf("entries = %d, want 1", len(got))
	}
	if got[0].State != Confirmed || got[0].ServerID != 10 || got[0].TempID != first.TempID {
		t.Errorf("entry = %+v", got[0])
	}
}

func TestTranscript_Merge(t *testing.T) {
	tests := []struct {
		name      string
		incoming  []message.DirectMessage
		wantLen   int
		wantState State
	}{
		{
			name:      "echo confirms pending",
			incoming:  []message.DirectMessage{server(1, "me", "bob", "hi", 500*time.Millisecond)},
			wantLen:   1,
			wantState: Confirmed,
		},
		{
			name:      "echo outside window appends",
			incoming:  []message.DirectMessage{server(1, "me", "bob", "hi", 2*time.Second)},
			wantLen:   2,
			wantState: Pending,
		},
		{
			name:      "different content appends",
			incoming:  []message.DirectMessage{server(1, "me", "bob", "hello", 0)},
			wantLen:   2,
			wantState: Pending,
		},
		{
			name: "same id twice",
			incoming: []message.DirectMessage{
				server(1, "me", "bob", "hi", 0),
				server(1, "me", "bob", "hi", 0),
			},
			wantLen:   1,
			wantState: Confirmed,
		},
		{
			name: "second persisted copy is an alias",
			incoming: []message.DirectMessage{
				server(1, "me", "bob", "hi", 0),
				server(2, "me", "bob", "hi", 300*time.Millisecond),
				server(2, "me", "bob", "hi", 300*time.Millisecond),
			},
			wantLen:   1,
			wantState: Confirmed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTranscript()
			e, _ := tr.AddOptimistic("me", "bob", "hi", t0)
			for _, m := range tt.incoming {
				tr.Merge(m)
			}
			if n := tr.Len(); n != tt.wantLen {
				t.Errorf("len = %d, want %d", n, tt.wantLen)
			}
			got, _ := tr.Get(e.TempID)
			if got.State != tt.wantState {
				t.Errorf("optimistic state = %v, want %v", got.State, tt.wantState)
			}
		})
	}
}

func TestTranscript_ClientMsgIDMatchesAcrossClockSkew(t *testing.T) {
	tr := NewTranscript()
	e, _ := tr.AddOptimistic("me", "bob", "hi", t0)

	m := server(7, "me", "bob", "hi", 5*time.Second)
	m.ClientMsgID = e.TempID
	tr.Merge(m)

	got, _ := tr.Get(e.TempID)
	if tr.Len() != 1 || got.ServerID != 7 || !got.Timestamp.Equal(m.Timestamp) {
		t.Errorf("entry = %+v (len %d)", got, tr.Len())
	}
}

func TestTranscript_HistoryKeepsPending(t *testing.T) {
	tr := NewTranscript()
	tr.Merge(server(1, "bob", "me", "hey", 0))
	pending, _ := tr.AddOptimistic("me", "bob", "still sending", t0.Add(time.Minute))

	tr.MergeHistory([]message.DirectMessage{
		server(1, "bob", "me", "hey", 0),
		server(2, "bob", "me", "you there?", 30*time.Second),
	})

	got := tr.Entries()
	if len(got) != 3 {
		t.Fatalf("entries = %d, want 3", len(got))
	}
	if got[1].Content != "you there?" || got[2].TempID != pending.TempID || got[2].State != Pending {
		t.Errorf("order = %q, %q, %q", got[0].Content, got[1].Content, got[2].Content)
	}
}

func TestTranscript_FailRetryDiscard(t *testing.T) {
	tr := NewTranscript()
	e, _ := tr.AddOptimistic("me", "bob", "hi", t0)
	boom := errors.New("boom")

	if !tr.Fail(e.TempID, boom) {
		t.Fatal("Fail returned false")
	}
	got, _ := tr.Get(e.TempID)
	if got.State != Failed || !errors.Is(got.Err, boom) {
		t.Errorf("after Fail = %+v", got)
	}
	if tr.Fail(e.TempID, boom) {
		t.Error("failed twice")
	}

	// A failed entry does not block a fresh identical send.
	if _, added := tr.AddOptimistic("me", "bob", "hi", t0); !added {
		t.Error("identical send after failure was swallowed")
	}

	if _, ok := tr.Retry(e.TempID, t0.Add(time.Second)); !ok {
		t.Fatal("Retry returned false")
	}
	if got, _ := tr.Get(e.TempID); got.State != Pending || got.Err != nil {
		t.Errorf("after Retry = %+v", got)
	}
	if tr.Discard(e.TempID) {
		t.Error("discarded a pending entry")
	}
	tr.Fail(e.TempID, boom)
	if !tr.Discard(e.TempID) {
		t.Error("Discard returned false")
	}
	if _, ok := tr.Get(e.TempID); ok {
		t.Error("discarded entry still visible")
	}
}

func TestTranscript_LateEchoResolvesFailure(t *testing.T) {
	tr := NewTranscript()
	e, _ := tr.AddOptimistic("me", "bob", "hi", t0)
	tr.Fail(e.TempID, errors.New("timeout"))

	tr.Merge(server(3, "me", "bob", "hi", 100*time.Millisecond))

	got, _ := tr.Get(e.TempID)
	if got.State != Confirmed || got.Err != nil || tr.Len() != 1 {
		t.Errorf("entry = %+v", got)
	}
}

func TestTranscript_OrderTiesByInsertion(t *testing.T) {
	tr := NewTranscript()
	tr.Merge(server(2, "bob", "me", "b", 0))
	tr.Merge(server(1, "bob", "me", "a", 0))
	tr.Merge(server(3, "bob", "me", "earlier", -time.Second))

	got := tr.Entries()
	if got[0].Content != "earlier" || got[1].Content != "b" || got[2].Content != "a" {
		t.Errorf("order = %q, %q, %q", got[0].Content, got[1].Content, got[2].Content)
	}
}

func TestTranscript_MarkSeen(t *testing.T) {
	tr := NewTranscript()
	tr.Merge(server(1, "me", "bob", "hi", 0))
	if !tr.MarkSeen(1) || tr.MarkSeen(1) {
		t.Error("MarkSeen should change state exactly once")
	}
	if tr.MarkSeen(99) {
		t.Error("unknown id marked")
	}
}
