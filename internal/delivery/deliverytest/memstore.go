// Package deliverytest provides in-memory doubles for delivery.Service
// collaborators.
package deliverytest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/campuslink/chat-app/internal/message"
)

// MemStore is an in-memory delivery.MessageStore.
type MemStore struct {
	mu     sync.Mutex
	msgs   []message.DirectMessage
	nextID int64
	Now    func() time.Time
	Err    error // returned by every call when set
}

func NewMemStore() *MemStore {
	return &MemStore{Now: time.Now}
}

func (s *MemStore) Create(_ context.Context, m message.DirectMessage) (message.DirectMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return message.DirectMessage{}, false, s.Err
	}
	if m.ClientMsgID != "" {
		for _, e := range s.msgs {
			if e.SenderID == m.SenderID && e.ClientMsgID == m.ClientMsgID {
				return e, false, nil
			}
		}
	}
	s.nextID++
	m.ID = s.nextID
	m.Timestamp = s.Now()
	m.Seen = false
	s.msgs = append(s.msgs, m)
	return m, true, nil
}

func (s *MemStore) Get(_ context.Context, id int64) (message.DirectMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return message.DirectMessage{}, s.Err
	}
	for _, m := range s.msgs {
		if m.ID == id {
			return m, nil
		}
	}
	return message.DirectMessage{}, message.ErrNotFound
}

func (s *MemStore) MarkSeen(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			if s.msgs[i].Seen {
				return false, nil
			}
			s.msgs[i].Seen = true
			return true, nil
		}
	}
	return false, message.ErrNotFound
}

func (s *MemStore) History(_ context.Context, u1, u2 string, limit int) ([]message.DirectMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []message.DirectMessage
	for _, m := range s.msgs {
		if (m.SenderID == u1 && m.ReceiverID == u2) || (m.SenderID == u2 && m.ReceiverID == u1) {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemStore) Unseen(_ context.Context, userID string) ([]message.DirectMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []message.DirectMessage
	for _, m := range s.msgs {
		if m.ReceiverID == userID && !m.Seen {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemStore) LatestPerCounterpart(_ context.Context, userID string) ([]message.DirectMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	latest := map[string]message.DirectMessage{}
	for _, m := range s.msgs {
		cp := m.Counterpart(userID)
		if cp == "" {
			continue
		}
		latest[cp] = m
	}
	out := make([]message.DirectMessage, 0, len(latest))
	for _, m := range latest {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// Recorder is a delivery.Broadcaster that keeps every event.
type Recorder struct {
	mu     sync.Mutex
	Events []Event
}

// Event is one recorded broadcast.
type Event struct {
	Room string
	Data []byte
}

func (r *Recorder) Broadcast(room string, data []byte) {
	r.mu.Lock()
	r.Events = append(r.Events, Event{Room: room, Data: data})
	r.mu.Unlock()
}

// Rooms returns the room of every recorded event in order.
func (r *Recorder) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.Room
	}
	return out
}

// Snapshot returns a copy of the recorded events.
func (r *Recorder) Snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.Events...)
}
