// Package protocol defines the push-channel events exchanged between clients
// and the server. Every frame is a JSON object with a "type" discriminator;
// the remaining fields depend on the event.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned by ParseClientMessage for a well-formed frame
// whose type is not a client event.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// ---------------------------------------------------------------------------
// Event names
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	TypeJoin             = "join"
	TypeJoinRoom         = "join-room"
	TypeSendMessage      = "send_message"
	TypeTyping           = "typing"
	TypeAnonymousMessage = "anonymous-message"
	TypePing             = "ping"
)

// Server -> Client events. TypeAnonymousMessage is also relayed server ->
// client when a room post is accepted.
const (
	TypeReceiveMessage   = "receive_message"
	TypeMessageSent      = "message_sent"
	TypeMessageError     = "message_error"
	TypeMessageSeen      = "message_seen"
	TypeUserTyping       = "user_typing"
	TypeAnonymousFlagged = "anonymous-flagged"
	TypeAnonymousError   = "anonymous_error"
	TypeError            = "error"
	TypePong             = "pong"
)

// AnonymousRoom is the only shared room a client may join by name.
const AnonymousRoom = "anonymous-chat"

// UserRoom returns the private room every connection of userID joins.
func UserRoom(userID string) string {
	return "user:" + userID
}

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw frame for deferred decoding.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw frame and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

// JoinMsg asks to join the private room of UserID. It must match the
// identity the connection authenticated as.
type JoinMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// JoinRoomMsg asks to join a shared room by name.
type JoinRoomMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// SendMessageMsg submits a direct message. ClientMsgID is optional and makes
// a resend idempotent.
type SendMessageMsg struct {
	Type        string `json:"type"`
	SenderID    string `json:"senderId"`
	ReceiverID  string `json:"receiverId"`
	Content     string `json:"content"`
	IsAnonymous bool   `json:"isAnonymous"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

// TypingMsg signals that SenderID is typing to ReceiverID.
type TypingMsg struct {
	Type       string `json:"type"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// AnonymousPostMsg submits a post to the anonymous room.
type AnonymousPostMsg struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	GuestID string `json:"guestId"`
}

// PingMsg is a client keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client
// ---------------------------------------------------------------------------

// receive_message, message_sent and anonymous-message carry the persisted
// record itself, flattened next to "type".

// MessageErrorMsg tells the originating connection that a send failed.
type MessageErrorMsg struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

// MessageSeenMsg tells the sender that the receiver has seen a message.
type MessageSeenMsg struct {
	Type      string `json:"type"`
	MessageID int64  `json:"messageId"`
	ReaderID  string `json:"readerId"`
}

// UserTypingMsg relays a typing signal to the receiver.
type UserTypingMsg struct {
	Type     string `json:"type"`
	SenderID string `json:"senderId"`
}

// AnonymousFlaggedMsg announces that a room post crossed the report
// threshold.
type AnonymousFlaggedMsg struct {
	Type        string `json:"type"`
	MessageID   int64  `json:"messageId"`
	ReportCount int    `json:"reportCount"`
}

// AnonymousErrorMsg rejects a room post sent over the push channel. Status
// mirrors the HTTP status the REST path would have returned.
type AnonymousErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// ErrorMsg reports a protocol or authorization error.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg answers a ping.
type PongMsg struct {
	Type string `json:"type"`
}

func decodeAs[T any](raw json.RawMessage) (interface{}, error) {
	var m T
	err := json.Unmarshal(raw, &m)
	return m, err
}

// clientDecoders lists every type a client may send; server-only types are
// not in it.
var clientDecoders = map[string]func(json.RawMessage) (interface{}, error){
	TypeJoin:             decodeAs[JoinMsg],
	TypeJoinRoom:         decodeAs[JoinRoomMsg],
	TypeSendMessage:      decodeAs[SendMessageMsg],
	TypeTyping:           decodeAs[TypingMsg],
	TypeAnonymousMessage: decodeAs[AnonymousPostMsg],
	TypePing:             decodeAs[PingMsg],
}

// ParseClientMessage decodes a client frame into its typed struct. Unknown
// and server-only types wrap ErrUnknownType.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}
	decode, ok := clientDecoders[env.Type]
	if !ok {
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	msg, err := decode(env.Raw)
	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage marshals payload and injects msgType under "type".
// Payload must encode to a JSON object.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewClientMessage is the client-side counterpart of NewServerMessage.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	return NewServerMessage(msgType, payload)
}

// PeekType returns the "type" of a frame without decoding the rest.
func PeekType(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}
