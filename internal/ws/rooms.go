package ws

import "sync"

// Rooms tracks which local connections belong to which room. A connection
// may sit in any number of rooms; every room membership ends when the
// connection is removed.
type Rooms struct {
	mu      sync.RWMutex
	members map[string]map[string]*Connection // room -> conn ID -> conn
	joined  map[string]map[string]struct{}    // conn ID -> rooms
}

func NewRooms() *Rooms {
	return &Rooms{
		members: make(map[string]map[string]*Connection),
		joined:  make(map[string]map[string]struct{}),
	}
}

// Join adds c to room. It returns false if c was already a member.
func (r *Rooms) Join(room string, c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[room]
	if !ok {
		m = make(map[string]*Connection)
		r.members[room] = m
	}
	if _, exists := m[c.ID]; exists {
		return false
	}
	m[c.ID] = c

	j, ok := r.joined[c.ID]
	if !ok {
		j = make(map[string]struct{})
		r.joined[c.ID] = j
	}
	j[room] = struct{}{}
	return true
}

// LeaveAll removes c from every room it joined.
func (r *Rooms) LeaveAll(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for room := range r.joined[connID] {
		m := r.members[room]
		delete(m, connID)
		if len(m) == 0 {
			delete(r.members, room)
		}
	}
	delete(r.joined, connID)
}

// Members returns a snapshot of the connections in room.
func (r *Rooms) Members(room string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := r.members[room]
	out := make([]*Connection, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

// In reports whether connID is a member of room.
func (r *Rooms) In(room, connID string) bool {
	r.mu.RLock()
	_, ok := r.members[room][connID]
	r.mu.RUnlock()
	return ok
}

// Deliver writes data to every member of room and returns how many writes
// succeeded. Failed connections are left for the read loop and heartbeat to
// evict.
func (r *Rooms) Deliver(room string, data []byte) int {
	n := 0
	for _, c := range r.Members(room) {
		if err := c.WriteMessage(data); err == nil {
			n++
		}
	}
	return n
}
