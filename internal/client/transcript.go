package client

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campuslink/chat-app/internal/message"
)

// DedupWindow is how far apart two identical messages may be and still be
// treated as the same send.
const DedupWindow = time.Second

// State is the lifecycle of a transcript entry.
type State int

const (
	Pending State = iota
	Confirmed
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Entry is one message as the local user sees it. TempID is set for
// messages sent from here; ServerID once the server has persisted it.
type Entry struct {
	TempID      string
	ServerID    int64
	SenderID    string
	ReceiverID  string
	Content     string
	Timestamp   time.Time
	Seen        bool
	IsAnonymous bool
	State       State
	Err         error

	seq uint64
}

func (e *Entry) same(sender, receiver, content string) bool {
	return e.SenderID == sender && e.ReceiverID == receiver && e.Content == content
}

// Transcript reconciles optimistic sends with server records for one
// conversation. No message is shown twice: a server record matching a
// pending entry confirms it in place, and a second copy of a confirmed
// message is remembered as an alias and dropped.
type Transcript struct {
	mu       sync.Mutex
	entries  []*Entry
	byServer map[int64]*Entry
	seq      uint64
}

func NewTranscript() *Transcript {
	return &Transcript{byServer: make(map[int64]*Entry)}
}

// AddOptimistic inserts a pending entry for a message about to be sent and
// reports whether it was added. An identical pending or confirmed entry
// within DedupWindow is returned instead of adding a duplicate.
func (t *Transcript) AddOptimistic(sender, receiver, content string, now time.Time) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		if e.State != Failed && e.same(sender, receiver, content) && within(e.Timestamp, now) {
			return *e, false
		}
	}
	t.seq++
	e := &Entry{
		TempID:     uuid.NewString(),
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
		Timestamp:  now,
		State:      Pending,
		seq:        t.seq,
	}
	t.entries = append(t.entries, e)
	return *e, true
}

// Merge folds one server record in. It reports whether the visible
// transcript changed.
func (t *Transcript) Merge(m message.DirectMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.merge(m)
}

// MergeHistory folds a fetched history in. Nothing is removed; pending and
// failed entries survive.
func (t *Transcript) MergeHistory(msgs []message.DirectMessage) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range msgs {
		if t.merge(m) {
			n++
		}
	}
	return n
}

func (t *Transcript) merge(m message.DirectMessage) bool {
	if e, ok := t.byServer[m.ID]; ok {
		if m.Seen && !e.Seen {
			e.Seen = true
			return true
		}
		return false
	}

	if e := t.match(m); e != nil {
		t.byServer[m.ID] = e
		if e.ServerID != 0 {
			// Already confirmed under another id: a duplicate persisted copy.
			return false
		}
		e.ServerID = m.ID
		e.Timestamp = m.Timestamp
		e.Seen = m.Seen
		e.IsAnonymous = m.IsAnonymous
		e.State = Confirmed
		e.Err = nil
		return true
	}

	t.seq++
	e := &Entry{
		ServerID:    m.ID,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Content:     m.Content,
		Timestamp:   m.Timestamp,
		Seen:        m.Seen,
		IsAnonymous: m.IsAnonymous,
		State:       Confirmed,
		seq:         t.seq,
	}
	t.entries = append(t.entries, e)
	t.byServer[m.ID] = e
	return true
}

// match finds the local entry m is a copy of. A client message id equal to
// a TempID wins; otherwise the closest unconfirmed entry with the same
// sender, receiver and content inside the window, then the closest
// confirmed one.
func (t *Transcript) match(m message.DirectMessage) *Entry {
	if m.ClientMsgID != "" {
		for _, e := range t.entries {
			if e.TempID == m.ClientMsgID {
				return e
			}
		}
	}
	var open, done *Entry
	for _, e := range t.entries {
		if !e.same(m.SenderID, m.ReceiverID, m.Content) || !within(e.Timestamp, m.Timestamp) {
			continue
		}
		if e.ServerID == 0 {
			if open == nil || closer(e, open, m.Timestamp) {
				open = e
			}
		} else if done == nil || closer(e, done, m.Timestamp) {
			done = e
		}
	}
	if open != nil {
		return open
	}
	return done
}

func closer(a, b *Entry, at time.Time) bool {
	return absDur(a.Timestamp.Sub(at)) < absDur(b.Timestamp.Sub(at))
}

func within(a, b time.Time) bool {
	return absDur(a.Sub(b)) <= DedupWindow
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// Fail marks the pending entry tempID failed with err. It stays visible
// until retried or discarded.
func (t *Transcript) Fail(tempID string, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.byTemp(tempID)
	if e == nil || e.State != Pending {
		return false
	}
	e.State = Failed
	e.Err = err
	return true
}

// Retry moves a failed entry back to pending and returns it for resending.
func (t *Transcript) Retry(tempID string, now time.Time) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.byTemp(tempID)
	if e == nil || e.State != Failed {
		return Entry{}, false
	}
	e.State = Pending
	e.Err = nil
	e.Timestamp = now
	return *e, true
}

// Discard removes a failed entry.
func (t *Transcript) Discard(tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		if e.TempID == tempID && e.State == Failed {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return true
		}
	}
	return false
}

// MarkSeen sets Seen on the entry with server id id.
func (t *Transcript) MarkSeen(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byServer[id]
	if !ok || e.Seen {
		return false
	}
	e.Seen = true
	return true
}

// Get returns the entry with the given temp id.
func (t *Transcript) Get(tempID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.byTemp(tempID); e != nil {
		return *e, true
	}
	return Entry{}, false
}

func (t *Transcript) byTemp(tempID string) *Entry {
	if tempID == "" {
		return nil
	}
	for _, e := range t.entries {
		if e.TempID == tempID {
			return e
		}
	}
	return nil
}

// Entries returns a copy of the transcript ordered by timestamp, ties in
// insertion order.
func (t *Transcript) Entries() []Entry {
	t.mu.Lock()
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = *e
	}
	t.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Len returns the number of visible entries.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
