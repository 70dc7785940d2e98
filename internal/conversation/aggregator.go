// Package conversation derives the conversation list (one summary per
// counterpart, ranked by recency, with unread counts) by folding the direct
// message stream seen by one identity. Nothing here is persisted: the list
// can always be rebuilt by replaying messages.
package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/campuslink/chat-app/internal/message"
)

// Placeholder names used until a counterpart's profile resolves.
const (
	PlaceholderName      = "User"
	PlaceholderAnonymous = "Anonymous"
)

// Summary is one row of the conversation list.
type Summary struct {
	CounterpartID   string    `json:"counterpartId"`
	Name            string    `json:"name"`
	Email           string    `json:"email,omitempty"`
	IsAnonymous     bool      `json:"isAnonymous"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	UnreadCount     int       `json:"unreadCount"`
}

// Profile is the display data of a counterpart account.
type Profile struct {
	Name  string
	Email string
}

// Resolver looks up counterpart profiles. Accounts live outside this
// system, so lookups may fail and are retried.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (Profile, error)
}

type entry struct {
	summary  Summary
	lastID   int64
	unread   map[int64]time.Time // message id -> message timestamp
	resolved bool
}

// Aggregator folds messages for a single identity. It is safe for
// concurrent use: pushes and REST refreshes may arrive on different
// goroutines.
type Aggregator struct {
	mu      sync.Mutex
	self    string
	open    string
	entries map[string]*entry
}

func New(self string) *Aggregator {
	return &Aggregator{
		self:    self,
		entries: make(map[string]*entry),
	}
}

// Apply folds one new or updated message into the list. It returns false if
// the message does not involve self.
func (a *Aggregator) Apply(m message.DirectMessage) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.apply(m)
}

func (a *Aggregator) apply(m message.DirectMessage) bool {
	cp := m.Counterpart(a.self)
	if cp == "" || cp == a.self {
		return false
	}

	e := a.entry(cp)
	if e.summary.LastMessageTime.IsZero() ||
		m.Timestamp.After(e.summary.LastMessageTime) ||
		(m.Timestamp.Equal(e.summary.LastMessageTime) && m.ID > e.lastID) {
		e.summary.LastMessage = m.Content
		e.summary.LastMessageTime = m.Timestamp
		e.lastID = m.ID
		if m.SenderID == cp {
			e.summary.IsAnonymous = m.IsAnonymous
			if !e.resolved {
				e.summary.Name = placeholder(m.IsAnonymous)
			}
		}
	}

	if m.ReceiverID == a.self && m.ID != 0 {
		switch {
		case m.Seen:
			delete(e.unread, m.ID)
		case cp != a.open:
			e.unread[m.ID] = m.Timestamp
		}
	}
	e.summary.UnreadCount = len(e.unread)
	return true
}

func (a *Aggregator) entry(cp string) *entry {
	e, ok := a.entries[cp]
	if !ok {
		e = &entry{
			summary: Summary{CounterpartID: cp, Name: PlaceholderName},
			unread:  make(map[int64]time.Time),
		}
		a.entries[cp] = e
	}
	return e
}

func placeholder(anonymous bool) string {
	if anonymous {
		return PlaceholderAnonymous
	}
	return PlaceholderName
}

// Open makes cp the open conversation, zeroes its unread count and returns
// the message ids the caller should mark seen, ascending.
func (a *Aggregator) Open(cp string) []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.open = cp
	e, ok := a.entries[cp]
	if !ok {
		return nil
	}
	ids := make([]int64, 0, len(e.unread))
	for id := range e.unread {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	e.unread = make(map[int64]time.Time)
	e.summary.UnreadCount = 0
	return ids
}

// Close clears the open conversation.
func (a *Aggregator) Close() {
	a.mu.Lock()
	a.open = ""
	a.mu.Unlock()
}

// OpenConversation returns the currently open counterpart, or "".
func (a *Aggregator) OpenConversation() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

// MarkSeen removes a message from whichever unread set holds it.
func (a *Aggregator) MarkSeen(id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.entries {
		if _, ok := e.unread[id]; ok {
			delete(e.unread, id)
			e.summary.UnreadCount = len(e.unread)
			return
		}
	}
}

// Load folds a message snapshot: the latest message per counterpart and
// every unseen message addressed to self. Newer local state is kept; see
// rebuildUnread for how unread sets are reconciled.
func (a *Aggregator) Load(latest, unseen []message.DirectMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()

	covered := make(map[string]time.Time, len(latest))
	for _, m := range latest {
		if cp := m.Counterpart(a.self); cp != "" {
			covered[cp] = later(covered[cp], m.Timestamp)
		}
		a.apply(m)
	}
	a.rebuildUnread(covered, unseen)
}

// Refresh merges summaries fetched over REST. A summary replaces the local
// last message only if it is newer; resolved names are kept. Unread sets are
// reconciled as in Load.
func (a *Aggregator) Refresh(summaries []Summary, unseen []message.DirectMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()

	covered := make(map[string]time.Time, len(summaries))
	for _, s := range summaries {
		if s.CounterpartID == "" || s.CounterpartID == a.self || s.LastMessageTime.IsZero() {
			continue
		}
		covered[s.CounterpartID] = later(covered[s.CounterpartID], s.LastMessageTime)
		e := a.entry(s.CounterpartID)
		if e.summary.LastMessageTime.IsZero() || s.LastMessageTime.After(e.summary.LastMessageTime) {
			e.summary.LastMessage = s.LastMessage
			e.summary.LastMessageTime = s.LastMessageTime
			e.summary.IsAnonymous = s.IsAnonymous
			e.lastID = 0
			if !e.resolved {
				e.summary.Name = placeholder(s.IsAnonymous)
			}
		}
	}
	a.rebuildUnread(covered, unseen)
}

// rebuildUnread trusts the snapshot only up to what it covered: a local
// unread id is dropped when its message is no newer than the snapshot's
// latest message with that counterpart. Anything pushed after the snapshot
// was taken stays unread. The snapshot's unseen messages are then re-added.
func (a *Aggregator) rebuildUnread(covered map[string]time.Time, unseen []message.DirectMessage) {
	for cp, e := range a.entries {
		cut, ok := covered[cp]
		if !ok {
			continue
		}
		for id, at := range e.unread {
			if !at.After(cut) {
				delete(e.unread, id)
			}
		}
		e.summary.UnreadCount = len(e.unread)
	}
	for _, m := range unseen {
		if m.Seen {
			continue
		}
		a.apply(m)
	}
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// Unread returns cp's unread count.
func (a *Aggregator) Unread(cp string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[cp]; ok {
		return len(e.unread)
	}
	return 0
}

// List returns the summaries, most recent first.
func (a *Aggregator) List() []Summary {
	a.mu.Lock()
	out := make([]Summary, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.summary)
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageTime.Equal(out[j].LastMessageTime) {
			return out[i].LastMessageTime.After(out[j].LastMessageTime)
		}
		return out[i].CounterpartID < out[j].CounterpartID
	})
	return out
}

// ResolvePending looks up every counterpart still showing a placeholder and
// returns how many resolved. Failures keep the placeholder for a later try.
// Anonymous counterparts are never resolved.
func (a *Aggregator) ResolvePending(ctx context.Context, r Resolver) int {
	a.mu.Lock()
	var pending []string
	for cp, e := range a.entries {
		if !e.resolved && !e.summary.IsAnonymous {
			pending = append(pending, cp)
		}
	}
	a.mu.Unlock()

	n := 0
	for _, cp := range pending {
		p, err := r.Resolve(ctx, cp)
		if err != nil {
			continue
		}
		a.mu.Lock()
		if e, ok := a.entries[cp]; ok && !e.summary.IsAnonymous {
			if p.Name != "" {
				e.summary.Name = p.Name
			}
			e.summary.Email = p.Email
			e.resolved = true
			n++
		}
		a.mu.Unlock()
	}
	return n
}
