package client

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/campuslink/chat-app/internal/conversation"
	"github.com/campuslink/chat-app/internal/delivery"
	"github.com/campuslink/chat-app/internal/message"
	"github.com/campuslink/chat-app/internal/protocol"
	"github.com/campuslink/chat-app/internal/typing"
)

// refetchTimeout bounds the work done by the reconnect hook.
const refetchTimeout = 10 * time.Second

// Backend is the REST surface a Session needs. *API satisfies it.
type Backend interface {
	SendMessage(ctx context.Context, req delivery.SendRequest) (message.DirectMessage, error)
	History(ctx context.Context, user1, user2 string) ([]message.DirectMessage, error)
	MarkSeen(ctx context.Context, id int64) error
	Unseen(ctx context.Context, userID string) ([]message.DirectMessage, error)
	Conversations(ctx context.Context) ([]conversation.Summary, error)
}

// Session is one signed-in user's view: a transcript per counterpart, the
// conversation list and who is typing. Pushes and REST results both flow
// through it, so the same message arriving twice is shown once.
type Session struct {
	conn *Conn
	api  Backend
	self string
	now  func() time.Time

	mu          sync.Mutex
	transcripts map[string]*Transcript
	resolver    conversation.Resolver

	convs  *conversation.Aggregator
	typing *typing.Tracker
}

// NewSession wires a session for self onto conn. It registers the push
// handlers and a reconnect hook that refetches what was missed.
func NewSession(conn *Conn, api Backend, self string) *Session {
	s := &Session{
		conn:        conn,
		api:         api,
		self:        self,
		now:         time.Now,
		transcripts: make(map[string]*Transcript),
		convs:       conversation.New(self),
		typing:      typing.NewTracker(typing.Window, nil),
	}
	conn.On(protocol.TypeReceiveMessage, s.handleMessage)
	conn.On(protocol.TypeMessageSent, s.handleMessage)
	conn.On(protocol.TypeMessageSeen, s.handleSeen)
	conn.On(protocol.TypeUserTyping, s.handleTyping)
	conn.On(protocol.TypeMessageError, s.handleMessageError)
	conn.OnReconnect(s.refetch)
	return s
}

// SetResolver sets the profile lookup used by Refresh.
func (s *Session) SetResolver(r conversation.Resolver) {
	s.mu.Lock()
	s.resolver = r
	s.mu.Unlock()
}

func (s *Session) transcript(cp string) *Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transcripts[cp]
	if !ok {
		t = NewTranscript()
		s.transcripts[cp] = t
	}
	return t
}

// SendDirect shows the message optimistically, fires it over the push
// channel and persists it over REST. The REST result is authoritative: if it
// fails the entry is marked failed and the error returned, even when the
// push already went out.
func (s *Session) SendDirect(ctx context.Context, receiverID, content string) (Entry, error) {
	t := s.transcript(receiverID)
	e, added := t.AddOptimistic(s.self, receiverID, content, s.now())
	if !added {
		return e, nil
	}
	return s.deliver(ctx, t, e)
}

// Retry resends a failed message.
func (s *Session) Retry(ctx context.Context, receiverID, tempID string) (Entry, error) {
	t := s.transcript(receiverID)
	e, ok := t.Retry(tempID, s.now())
	if !ok {
		return Entry{}, errors.New("client: no failed message with that id")
	}
	return s.deliver(ctx, t, e)
}

// Discard drops a failed message.
func (s *Session) Discard(receiverID, tempID string) bool {
	return s.transcript(receiverID).Discard(tempID)
}

func (s *Session) deliver(ctx context.Context, t *Transcript, e Entry) (Entry, error) {
	err := s.conn.Send(protocol.TypeSendMessage, protocol.SendMessageMsg{
		SenderID:    e.SenderID,
		ReceiverID:  e.ReceiverID,
		Content:     e.Content,
		ClientMsgID: e.TempID,
	})
	if err != nil && !errors.Is(err, ErrDisconnected) {
		log.Printf("[client] push send_message: %v", err)
	}

	saved, err := s.api.SendMessage(ctx, delivery.SendRequest{
		SenderID:    e.SenderID,
		ReceiverID:  e.ReceiverID,
		Content:     e.Content,
		ClientMsgID: e.TempID,
	})
	if err != nil {
		t.Fail(e.TempID, err)
		got, _ := t.Get(e.TempID)
		return got, err
	}
	s.ingest(saved)
	got, _ := t.Get(e.TempID)
	return got, nil
}

func (s *Session) ingest(m message.DirectMessage) {
	cp := m.Counterpart(s.self)
	if cp == "" || cp == s.self {
		return
	}
	s.transcript(cp).Merge(m)
	s.convs.Apply(m)
}

// OpenConversation opens cp: its unread count drops to zero, its history is
// fetched and merged, and every unseen message from cp is marked seen.
func (s *Session) OpenConversation(ctx context.Context, cp string) error {
	ids := s.convs.Open(cp)

	history, err := s.api.History(ctx, s.self, cp)
	if err != nil {
		return err
	}
	t := s.transcript(cp)
	t.MergeHistory(history)
	for _, m := range history {
		s.convs.Apply(m)
	}

	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, m := range history {
		if m.ReceiverID == s.self && !m.Seen {
			seen[m.ID] = true
		}
	}

	var errs []error
	for id := range seen {
		if err := s.api.MarkSeen(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		t.MarkSeen(id)
		s.convs.MarkSeen(id)
	}
	return errors.Join(errs...)
}

// CloseConversation clears the open conversation.
func (s *Session) CloseConversation() {
	s.convs.Close()
}

// Refresh reloads the conversation list over REST and resolves any
// counterparts still showing placeholder names.
func (s *Session) Refresh(ctx context.Context) error {
	var (
		summaries []conversation.Summary
		unseen    []message.DirectMessage
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		summaries, err = s.api.Conversations(gctx)
		return err
	})
	g.Go(func() (err error) {
		unseen, err = s.api.Unseen(gctx, s.self)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	s.convs.Refresh(summaries, unseen)

	s.mu.Lock()
	r := s.resolver
	s.mu.Unlock()
	if r != nil {
		s.convs.ResolvePending(ctx, r)
	}
	return nil
}

func (s *Session) refetch() {
	ctx, cancel := context.WithTimeout(context.Background(), refetchTimeout)
	defer cancel()

	if cp := s.convs.OpenConversation(); cp != "" {
		history, err := s.api.History(ctx, s.self, cp)
		if err != nil {
			log.Printf("[client] refetch history with %s: %v", cp, err)
		} else {
			s.transcript(cp).MergeHistory(history)
			for _, m := range history {
				s.convs.Apply(m)
			}
		}
	}
	if err := s.Refresh(ctx); err != nil {
		log.Printf("[client] refresh conversations: %v", err)
	}
}

// Transcript returns the entries of the conversation with cp.
func (s *Session) Transcript(cp string) []Entry {
	return s.transcript(cp).Entries()
}

// Conversations returns the conversation list, most recent first.
func (s *Session) Conversations() []conversation.Summary {
	return s.convs.List()
}

// IsTyping reports whether cp is typing to self.
func (s *Session) IsTyping(cp string) bool {
	return s.typing.IsTyping(cp)
}

// SendTyping tells receiverID that self is typing.
func (s *Session) SendTyping(receiverID string) error {
	return s.conn.Send(protocol.TypeTyping, protocol.TypingMsg{SenderID: s.self, ReceiverID: receiverID})
}

func (s *Session) handleMessage(raw json.RawMessage) {
	var m message.DirectMessage
	if err := json.Unmarshal(raw, &m); err != nil || m.ID == 0 {
		return
	}
	s.ingest(m)
	if m.SenderID != s.self {
		s.typing.Clear(m.SenderID)
	}
}

func (s *Session) handleSeen(raw json.RawMessage) {
	var m protocol.MessageSeenMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	s.transcript(m.ReaderID).MarkSeen(m.MessageID)
}

func (s *Session) handleTyping(raw json.RawMessage) {
	var m protocol.UserTypingMsg
	if err := json.Unmarshal(raw, &m); err != nil || m.SenderID == "" {
		return
	}
	s.typing.Signal(m.SenderID)
}

// handleMessageError only logs: the REST result of the same send decides
// the entry's state.
func (s *Session) handleMessageError(raw json.RawMessage) {
	var m protocol.MessageErrorMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	log.Printf("[client] push send rejected: %s %s (clientMsgId=%s)", m.Code, m.Message, m.ClientMsgID)
}
