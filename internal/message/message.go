// Package message holds the direct-message entity and its PostgreSQL store.
package message

import "time"

// DirectMessage is a persisted 1:1 message. It is immutable apart from Seen,
// which only ever goes from false to true.
type DirectMessage struct {
	ID          int64     `json:"id"`
	SenderID    string    `json:"senderId"`
	ReceiverID  string    `json:"receiverId"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	Seen        bool      `json:"seen"`
	IsAnonymous bool      `json:"isAnonymous"`
	ClientMsgID string    `json:"clientMsgId,omitempty"`
}

// Counterpart returns the other party of m from self's point of view, or ""
// if self is not a party.
func (m DirectMessage) Counterpart(self string) string {
	switch self {
	case m.SenderID:
		return m.ReceiverID
	case m.ReceiverID:
		return m.SenderID
	}
	return ""
}

// Involves reports whether userID is the sender or the receiver.
func (m DirectMessage) Involves(userID string) bool {
	return m.SenderID == userID || m.ReceiverID == userID
}
