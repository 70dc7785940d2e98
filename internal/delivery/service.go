// Package delivery is the single path through which a direct message becomes
// durable and is fanned out to both parties' rooms, plus the read-side
// operations (history, unseen, seen-marking, conversation list) that enforce
// the same party checks.
package delivery

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/campuslink/chat-app/internal/apperr"
	"github.com/campuslink/chat-app/internal/conversation"
	"github.com/campuslink/chat-app/internal/message"
	"github.com/campuslink/chat-app/internal/metrics"
	"github.com/campuslink/chat-app/internal/protocol"
)

const (
	DefaultMaxLength    = 2000
	DefaultHistoryLimit = 200
	MaxHistoryLimit     = 1000
)

// MessageStore is the persistence the pipeline needs. *message.Store
// satisfies it.
type MessageStore interface {
	Create(ctx context.Context, m message.DirectMessage) (message.DirectMessage, bool, error)
	Get(ctx context.Context, id int64) (message.DirectMessage, error)
	MarkSeen(ctx context.Context, id int64) (bool, error)
	History(ctx context.Context, user1, user2 string, limit int) ([]message.DirectMessage, error)
	Unseen(ctx context.Context, userID string) ([]message.DirectMessage, error)
	LatestPerCounterpart(ctx context.Context, userID string) ([]message.DirectMessage, error)
}

// Broadcaster multicasts a server event to a named room.
type Broadcaster interface {
	Broadcast(room string, data []byte)
}

// SendRequest is a direct message submission from either transport.
type SendRequest struct {
	SenderID    string `json:"senderId"`
	ReceiverID  string `json:"receiverId"`
	Content     string `json:"content"`
	IsAnonymous bool   `json:"isAnonymous"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

// Service runs the delivery pipeline.
type Service struct {
	store     MessageStore
	bus       Broadcaster
	maxLength int
	locks     *pairLocks
}

func NewService(store MessageStore, bus Broadcaster, maxLength int) *Service {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Service{
		store:     store,
		bus:       bus,
		maxLength: maxLength,
		locks:     newPairLocks(),
	}
}

// Send authorizes, validates, persists and broadcasts one message. The
// returned record carries the server id and timestamp. On any error nothing
// has been broadcast.
func (s *Service) Send(ctx context.Context, authID string, req SendRequest) (message.DirectMessage, error) {
	if authID == "" {
		return message.DirectMessage{}, apperr.Unauthenticated("authentication required")
	}
	if req.SenderID == "" {
		req.SenderID = authID
	}
	if req.SenderID != authID {
		return message.DirectMessage{}, apperr.Forbidden("sender does not match authenticated user")
	}

	content, err := s.validate(req)
	if err != nil {
		return message.DirectMessage{}, err
	}

	unlock := s.locks.lock(req.SenderID, req.ReceiverID)
	defer unlock()

	start := time.Now()
	m, created, err := s.store.Create(ctx, message.DirectMessage{
		SenderID:    req.SenderID,
		ReceiverID:  req.ReceiverID,
		Content:     content,
		IsAnonymous: req.IsAnonymous,
		ClientMsgID: req.ClientMsgID,
	})
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		log.Printf("[delivery] persist %s->%s failed: %v", req.SenderID, req.ReceiverID, err)
		return message.DirectMessage{}, apperr.Internal("failed to save message", err)
	}
	if created {
		metrics.MessagesTotal.WithLabelValues("direct").Inc()
	} else {
		metrics.MessagesTotal.WithLabelValues("duplicate").Inc()
	}

	s.broadcast(m)
	metrics.DeliveryLatency.Observe(time.Since(start).Seconds())
	return m, nil
}

func (s *Service) validate(req SendRequest) (string, error) {
	if req.ReceiverID == "" {
		return "", apperr.InvalidArg("receiverId is required")
	}
	if req.ReceiverID == req.SenderID {
		return "", apperr.InvalidArg("cannot message yourself")
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return "", apperr.InvalidArg("content must not be empty")
	}
	if !utf8.ValidString(content) {
		return "", apperr.InvalidArg("content must be valid UTF-8")
	}
	if utf8.RuneCountInString(content) > s.maxLength {
		return "", apperr.InvalidArg("content too long")
	}
	if len(req.ClientMsgID) > 64 {
		return "", apperr.InvalidArg("clientMsgId too long")
	}
	return content, nil
}

// broadcast sends the persisted record to the receiver's room and echoes it
// to the sender's room.
func (s *Service) broadcast(m message.DirectMessage) {
	data, err := protocol.NewServerMessage(protocol.TypeReceiveMessage, m)
	if err != nil {
		log.Printf("[delivery] build receive_message id=%d: %v", m.ID, err)
		return
	}
	s.bus.Broadcast(protocol.UserRoom(m.ReceiverID), data)
	s.bus.Broadcast(protocol.UserRoom(m.SenderID), data)
}

// MarkSeen flips a message to seen. Only the receiver may do so; repeating
// the call is a no-op. The sender's room hears about the first transition.
func (s *Service) MarkSeen(ctx context.Context, authID string, id int64) (message.DirectMessage, error) {
	m, err := s.store.Get(ctx, id)
	if errors.Is(err, message.ErrNotFound) {
		return message.DirectMessage{}, apperr.NotFound("message not found")
	}
	if err != nil {
		return message.DirectMessage{}, apperr.Internal("failed to load message", err)
	}
	if m.ReceiverID != authID {
		return message.DirectMessage{}, apperr.Forbidden("only the receiver can mark a message seen")
	}

	changed, err := s.store.MarkSeen(ctx, id)
	if err != nil {
		return message.DirectMessage{}, apperr.Internal("failed to mark seen", err)
	}
	m.Seen = true

	if changed {
		data, err := protocol.NewServerMessage(protocol.TypeMessageSeen, protocol.MessageSeenMsg{
			MessageID: m.ID,
			ReaderID:  authID,
		})
		if err == nil {
			s.bus.Broadcast(protocol.UserRoom(m.SenderID), data)
		}
	}
	return m, nil
}

// History returns the conversation between user1 and user2, oldest first.
// The caller must be one of them.
func (s *Service) History(ctx context.Context, authID, user1, user2 string, limit int) ([]message.DirectMessage, error) {
	if authID != user1 && authID != user2 {
		return nil, apperr.Forbidden("not a participant of this conversation")
	}
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	msgs, err := s.store.History(ctx, user1, user2, limit)
	if err != nil {
		return nil, apperr.Internal("failed to load history", err)
	}
	return nonNil(msgs), nil
}

// Unseen returns the unseen messages addressed to userID, which must be the
// caller.
func (s *Service) Unseen(ctx context.Context, authID, userID string) ([]message.DirectMessage, error) {
	if authID != userID {
		return nil, apperr.Forbidden("cannot read another user's unseen messages")
	}
	msgs, err := s.store.Unseen(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("failed to load unseen messages", err)
	}
	return nonNil(msgs), nil
}

// Conversations folds the caller's latest message per counterpart and unseen
// messages into the ranked conversation list.
func (s *Service) Conversations(ctx context.Context, authID string) ([]conversation.Summary, error) {
	latest, err := s.store.LatestPerCounterpart(ctx, authID)
	if err != nil {
		return nil, apperr.Internal("failed to load conversations", err)
	}
	unseen, err := s.store.Unseen(ctx, authID)
	if err != nil {
		return nil, apperr.Internal("failed to load conversations", err)
	}
	agg := conversation.New(authID)
	agg.Load(latest, unseen)
	return agg.List(), nil
}

func nonNil(msgs []message.DirectMessage) []message.DirectMessage {
	if msgs == nil {
		return []message.DirectMessage{}
	}
	return msgs
}
