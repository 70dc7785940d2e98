package messaging

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"
)

// LocalDeliverer writes an event to the members of a room connected to this
// instance and returns how many received it.
type LocalDeliverer interface {
	Deliver(room string, data []byte) int
}

// Publisher is the subset of NATSClient the room bus publishes through.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// roomEvent is the wire form of a room broadcast on SubjectRoom.
type roomEvent struct {
	Room string          `json:"room"`
	Data json.RawMessage `json:"data"`
}

// RoomBus fans room events out to every server instance. Each instance,
// including the publisher, delivers to its own local members when the event
// comes back from NATS.
type RoomBus struct {
	pub   Publisher
	local LocalDeliverer
}

func NewRoomBus(pub Publisher, local LocalDeliverer) *RoomBus {
	return &RoomBus{pub: pub, local: local}
}

// Broadcast publishes data for room. If the publish fails the event is still
// delivered to local members so a NATS outage degrades to single-instance
// delivery.
func (b *RoomBus) Broadcast(room string, data []byte) {
	payload, err := json.Marshal(roomEvent{Room: room, Data: data})
	if err == nil {
		err = b.pub.Publish(SubjectRoom, payload)
	}
	if err != nil {
		log.Printf("[nats] room publish %s failed, delivering locally: %v", room, err)
		b.local.Deliver(room, data)
	}
}

// HandleMsg is the SubjectRoom subscription handler.
func (b *RoomBus) HandleMsg(msg *nats.Msg) {
	if err := b.handle(msg.Data); err != nil {
		log.Printf("[nats] %v", err)
	}
}

func (b *RoomBus) handle(payload []byte) error {
	var ev roomEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("room event decode: %w", err)
	}
	if ev.Room == "" {
		return fmt.Errorf("room event without room")
	}
	b.local.Deliver(ev.Room, ev.Data)
	return nil
}

// Start subscribes the bus to SubjectRoom on client.
func (b *RoomBus) Start(client *NATSClient) error {
	return client.Subscribe(SubjectRoom, b.HandleMsg)
}
