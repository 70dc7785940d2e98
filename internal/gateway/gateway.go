// Package gateway binds push-channel events to the messaging services. Each
// handler runs on a ws worker goroutine, authorizes against the identity the
// connection authenticated as, and answers the originating connection only;
// room fan-out happens inside the services.
package gateway

import (
	"context"
	"log"
	"time"

	"github.com/campuslink/chat-app/internal/anonymous"
	"github.com/campuslink/chat-app/internal/apperr"
	"github.com/campuslink/chat-app/internal/delivery"
	"github.com/campuslink/chat-app/internal/message"
	"github.com/campuslink/chat-app/internal/protocol"
	"github.com/campuslink/chat-app/internal/ws"
)

// handlerTimeout bounds the persistence work done for a single event.
const handlerTimeout = 10 * time.Second

// Rooms is the room membership the handlers manage. *ws.Server satisfies it.
type Rooms interface {
	Join(c *ws.Connection, room string) bool
	InRoom(c *ws.Connection, room string) bool
}

// DirectSender is the delivery pipeline.
type DirectSender interface {
	Send(ctx context.Context, authID string, req delivery.SendRequest) (message.DirectMessage, error)
}

// RoomPoster is the anonymous room pipeline.
type RoomPoster interface {
	Post(ctx context.Context, posterID string, req anonymous.PostRequest) (anonymous.Message, error)
}

// TypingRelay forwards typing signals.
type TypingRelay interface {
	Signal(authID, senderID, receiverID string) bool
}

// Gateway holds the handler dependencies.
type Gateway struct {
	d      *ws.MessageDispatcher
	rooms  Rooms
	direct DirectSender
	room   RoomPoster
	typing TypingRelay
}

func New(d *ws.MessageDispatcher, rooms Rooms, direct DirectSender, room RoomPoster, typing TypingRelay) *Gateway {
	return &Gateway{d: d, rooms: rooms, direct: direct, room: room, typing: typing}
}

// Register installs every client event handler on the dispatcher.
func (g *Gateway) Register() {
	g.d.Register(protocol.TypeJoin, g.handleJoin)
	g.d.Register(protocol.TypeJoinRoom, g.handleJoinRoom)
	g.d.Register(protocol.TypeSendMessage, g.handleSendMessage)
	g.d.Register(protocol.TypeTyping, g.handleTyping)
	g.d.Register(protocol.TypeAnonymousMessage, g.handleAnonymousMessage)
}

func (g *Gateway) handleJoin(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.JoinMsg)
	if !ok {
		return
	}
	if !conn.Authenticated() {
		g.d.SendError(conn, string(apperr.CodeUnauthenticated), "authentication required")
		return
	}
	if m.UserID != conn.UserID() {
		log.Printf("[gateway] conn=%s user=%s tried to join user room of %s", conn.ID, conn.UserID(), m.UserID)
		g.d.SendError(conn, string(apperr.CodeForbidden), "cannot join another user's room")
		return
	}
	g.rooms.Join(conn, protocol.UserRoom(m.UserID))
}

func (g *Gateway) handleJoinRoom(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.JoinRoomMsg)
	if !ok {
		return
	}
	if m.Room != protocol.AnonymousRoom {
		g.d.SendError(conn, string(apperr.CodeForbidden), "unknown room")
		return
	}
	g.rooms.Join(conn, m.Room)
}

func (g *Gateway) handleSendMessage(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	saved, err := g.direct.Send(ctx, conn.UserID(), delivery.SendRequest{
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Content:     m.Content,
		IsAnonymous: m.IsAnonymous,
		ClientMsgID: m.ClientMsgID,
	})
	if err != nil {
		g.d.Send(conn, protocol.TypeMessageError, protocol.MessageErrorMsg{
			Code:        string(apperr.CodeOf(err)),
			Message:     apperr.PublicMessage(err),
			ClientMsgID: m.ClientMsgID,
		})
		return
	}
	g.d.Send(conn, protocol.TypeMessageSent, saved)
}

func (g *Gateway) handleTyping(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.TypingMsg)
	if !ok {
		return
	}
	g.typing.Signal(conn.UserID(), m.SenderID, m.ReceiverID)
}

func (g *Gateway) handleAnonymousMessage(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.AnonymousPostMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	saved, err := g.room.Post(ctx, conn.UserID(), anonymous.PostRequest{Content: m.Content, GuestID: m.GuestID})
	if err != nil {
		code := anonymous.RejectionReason(err)
		if code == "" {
			code = string(apperr.CodeOf(err))
		}
		g.d.Send(conn, protocol.TypeAnonymousError, protocol.AnonymousErrorMsg{
			Code:    code,
			Message: apperr.PublicMessage(err),
			Status:  apperr.HTTPStatus(err),
		})
		return
	}

	// Room members got the broadcast; a sender outside the room still gets
	// its acceptance.
	if !g.rooms.InRoom(conn, protocol.AnonymousRoom) {
		g.d.Send(conn, protocol.TypeAnonymousMessage, saved)
	}
}
