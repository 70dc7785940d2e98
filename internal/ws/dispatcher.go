package ws

import (
	"errors"
	"log"

	"github.com/campuslink/chat-app/internal/metrics"
	"github.com/campuslink/chat-app/internal/protocol"
)

// MessageHandler receives the struct ParseClientMessage decoded for its
// type, e.g. protocol.SendMessageMsg.
type MessageHandler func(conn *Connection, msg interface{})

// Push error codes for frames that never reach a handler.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
)

// MessageDispatcher routes client frames by their "type". Handlers are
// registered once at startup; ping is answered here.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register sets the handler for msgType, replacing any earlier one. It is
// not safe to call once frames are flowing.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the Server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		metrics.FramesTotal.WithLabelValues("invalid").Inc()
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		if errors.Is(err, protocol.ErrUnknownType) {
			d.SendError(conn, CodeUnsupportedType, "unsupported message type")
		} else {
			d.SendError(conn, CodeParseError, "invalid message format")
		}
		return
	}
	metrics.FramesTotal.WithLabelValues(msgType).Inc()

	if msgType == protocol.TypePing {
		conn.touch()
		d.Send(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: no handler for type=%q conn=%s", msgType, conn.ID)
		d.SendError(conn, CodeUnsupportedType, "unsupported message type")
		return
	}
	handler(conn, msg)
}

// SendError sends an "error" event to conn.
func (d *MessageDispatcher) SendError(conn *Connection, code, message string) {
	d.Send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// Send writes one event to conn. Failures are logged; the read loop or the
// heartbeat removes dead connections.
func (d *MessageDispatcher) Send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: failed to build %s conn=%s: %v", msgType, conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send %s conn=%s: %v", msgType, conn.ID, err)
	}
}
