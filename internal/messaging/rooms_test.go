package messaging

import (
	"errors"
	"testing"
)

type recordingDeliverer struct {
	rooms []string
	data  []string
}

func (r *recordingDeliverer) Deliver(room string, data []byte) int {
	r.rooms = append(r.rooms, room)
	r.data = append(r.data, string(data))
	return 1
}

// loopback publishes straight back into the bus, like a single-node NATS.
type loopback struct {
	bus  *RoomBus
	fail error
}

func (l *loopback) Publish(_ string, data []byte) error {
	if l.fail != nil {
		return l.fail
	}
	return l.bus.handle(data)
}

func TestRoomBus_RoundTrip(t *testing.T) {
	local := &recordingDeliverer{}
	lb := &loopback{}
	bus := NewRoomBus(lb, local)
	lb.bus = bus

	bus.Broadcast("user:42", []byte(`{"type":"receive_message","id":1}`))

	if len(local.rooms) != 1 || local.rooms[0] != "user:42" {
		t.Fatalf("rooms = %v", local.rooms)
	}
	if local.data[0] != `{"type":"receive_message","id":1}` {
		t.Errorf("data = %s", local.data[0])
	}
}

func TestRoomBus_PublishFailureDeliversLocally(t *testing.T) {
	local := &recordingDeliverer{}
	bus := NewRoomBus(&loopback{fail: errors.New("nats: connection closed")}, local)

	bus.Broadcast("anonymous-chat", []byte(`{"type":"anonymous-message"}`))

	if len(local.rooms) != 1 || local.rooms[0] != "anonymous-chat" {
		t.Fatalf("expected local fallback delivery, got %v", local.rooms)
	}
}

func TestRoomBus_RejectsMalformed(t *testing.T) {
	bus := NewRoomBus(nil, &recordingDeliverer{})
	if err := bus.handle([]byte(`nope`)); err == nil {
		t.Error("expected decode error")
	}
	if err := bus.handle([]byte(`{"data":{}}`)); err == nil {
		t.Error("expected missing room error")
	}
}
