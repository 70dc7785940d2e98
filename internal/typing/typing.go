// Package typing carries the ephemeral "is typing" signal: the server-side
// relay that forwards it to the receiver's room, and the client-side tracker
// that expires it after a fixed window. Signals are never persisted.
package typing

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/campuslink/chat-app/internal/protocol"
)

// Window is how long a receiver shows "is typing" after the last signal.
const Window = 3 * time.Second

// Broadcaster multicasts a server event to a named room.
type Broadcaster interface {
	Broadcast(room string, data []byte)
}

// Limiter drops signal floods per sender. *ratelimit.KeyedLimiter
// satisfies it.
type Limiter interface {
	Allow(key string) bool
}

// Relay forwards typing signals from authenticated senders.
type Relay struct {
	limiter Limiter
	bus     Broadcaster
}

// NewRelay returns a relay. A nil limiter disables throttling.
func NewRelay(limiter Limiter, bus Broadcaster) *Relay {
	return &Relay{limiter: limiter, bus: bus}
}

// Signal relays senderID's typing to receiverID's room. Signals from
// unauthenticated connections, with a sender other than the authenticated
// identity, without a receiver, or over the rate are dropped silently. It
// reports whether the signal was relayed.
func (r *Relay) Signal(authID, senderID, receiverID string) bool {
	if authID == "" || senderID != authID || receiverID == "" || receiverID == senderID {
		return false
	}
	if r.limiter != nil && !r.limiter.Allow(senderID) {
		return false
	}
	data, err := protocol.NewServerMessage(protocol.TypeUserTyping, protocol.UserTypingMsg{SenderID: senderID})
	if err != nil {
		log.Printf("[typing] build user_typing: %v", err)
		return false
	}
	r.bus.Broadcast(protocol.UserRoom(receiverID), data)
	return true
}

// Tracker records the last typing signal per sender on the receiving side.
// Entries expire by time alone.
type Tracker struct {
	mu     sync.Mutex
	last   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

// NewTracker returns a tracker with the given window. Zero uses Window; a
// nil now uses time.Now.
func NewTracker(window time.Duration, now func() time.Time) *Tracker {
	if window <= 0 {
		window = Window
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{last: make(map[string]time.Time), window: window, now: now}
}

// Signal records that senderID is typing now.
func (t *Tracker) Signal(senderID string) {
	t.mu.Lock()
	t.last[senderID] = t.now()
	t.mu.Unlock()
}

// IsTyping reports whether senderID signalled within the window.
func (t *Tracker) IsTyping(senderID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.last[senderID]
	if !ok {
		return false
	}
	if t.now().Sub(at) >= t.window {
		delete(t.last, senderID)
		return false
	}
	return true
}

// Clear drops senderID, e.g. when their message arrives.
func (t *Tracker) Clear(senderID string) {
	t.mu.Lock()
	delete(t.last, senderID)
	t.mu.Unlock()
}

// Active returns the senders currently typing, sorted.
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var out []string
	for id, at := range t.last {
		if now.Sub(at) >= t.window {
			delete(t.last, id)
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
