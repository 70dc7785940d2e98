package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a message id does not exist.
var ErrNotFound = errors.New("message: not found")

// Store persists direct messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const columns = `id, sender_id, receiver_id, content, created_at, seen, is_anonymous, COALESCE(client_msg_id, '')`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row scanner) (DirectMessage, error) {
	var m DirectMessage
	err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Timestamp, &m.Seen, &m.IsAnonymous, &m.ClientMsgID)
	return m, err
}

func scanAll(rows *sql.Rows) ([]DirectMessage, error) {
	defer rows.Close()
	var out []DirectMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Create inserts m and returns the stored row with its server id and
// timestamp. When m carries a ClientMsgID already stored for the same
// sender, the existing row is returned and created is false.
func (s *Store) Create(ctx context.Context, m DirectMessage) (DirectMessage, bool, error) {
	var clientID interface{}
	if m.ClientMsgID != "" {
		clientID = m.ClientMsgID
	}

	const insert = `
		INSERT INTO direct_messages (sender_id, receiver_id, content, is_anonymous, client_msg_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sender_id, client_msg_id) WHERE client_msg_id IS NOT NULL DO NOTHING
		RETURNING ` + columns

	saved, err := scanMessage(s.db.QueryRowContext(ctx, insert, m.SenderID, m.ReceiverID, m.Content, m.IsAnonymous, clientID))
	if err == nil {
		return saved, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return DirectMessage{}, false, fmt.Errorf("message: insert: %w", err)
	}

	const existing = `SELECT ` + columns + ` FROM direct_messages WHERE sender_id = $1 AND client_msg_id = $2`
	saved, err = scanMessage(s.db.QueryRowContext(ctx, existing, m.SenderID, m.ClientMsgID))
	if err != nil {
		return DirectMessage{}, false, fmt.Errorf("message: load duplicate: %w", err)
	}
	return saved, false, nil
}

// Get returns a single message.
func (s *Store) Get(ctx context.Context, id int64) (DirectMessage, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM direct_messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return DirectMessage{}, ErrNotFound
	}
	if err != nil {
		return DirectMessage{}, fmt.Errorf("message: get: %w", err)
	}
	return m, nil
}

// MarkSeen sets seen on an unseen message. changed is false when the message
// was already seen.
func (s *Store) MarkSeen(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE direct_messages SET seen = TRUE WHERE id = $1 AND NOT seen`, id)
	if err != nil {
		return false, fmt.Errorf("message: mark seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("message: mark seen: %w", err)
	}
	return n == 1, nil
}

// History returns the most recent limit messages between two users in
// ascending (timestamp, id) order.
func (s *Store) History(ctx context.Context, user1, user2 string, limit int) ([]DirectMessage, error) {
	const q = `
		SELECT * FROM (
			SELECT ` + columns + `
			FROM direct_messages
			WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		) recent
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, user1, user2, limit)
	if err != nil {
		return nil, fmt.Errorf("message: history: %w", err)
	}
	out, err := scanAll(rows)
	if err != nil {
		return nil, fmt.Errorf("message: history scan: %w", err)
	}
	return out, nil
}

// Unseen returns every unseen message addressed to userID, oldest first.
func (s *Store) Unseen(ctx context.Context, userID string) ([]DirectMessage, error) {
	const q = `SELECT ` + columns + ` FROM direct_messages
		WHERE receiver_id = $1 AND NOT seen
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("message: unseen: %w", err)
	}
	out, err := scanAll(rows)
	if err != nil {
		return nil, fmt.Errorf("message: unseen scan: %w", err)
	}
	return out, nil
}

// LatestPerCounterpart returns, for each user userID has exchanged messages
// with, the most recent message of that conversation.
func (s *Store) LatestPerCounterpart(ctx context.Context, userID string) ([]DirectMessage, error) {
	const query = `
		SELECT DISTINCT ON (counterpart)
		       id, sender_id, receiver_id, content, created_at, seen, is_anonymous, COALESCE(client_msg_id, '')
		FROM (
			SELECT d.*, CASE WHEN d.sender_id = $1 THEN d.receiver_id ELSE d.sender_id END AS counterpart
			FROM direct_messages d
			WHERE d.sender_id = $1 OR d.receiver_id = $1
		) t
		ORDER BY counterpart, created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("message: latest: %w", err)
	}
	out, err := scanAll(rows)
	if err != nil {
		return nil, fmt.Errorf("message: latest scan: %w", err)
	}
	return out, nil
}
