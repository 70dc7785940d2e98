// Package anonymous implements the shared pseudonymous room: its Postgres
// store and the moderation pipeline every post passes through.
package anonymous

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a room message id does not exist.
var ErrNotFound = errors.New("anonymous: message not found")

// Message is a post in the anonymous room. PosterUserID is kept for
// moderation and never serialized to clients.
type Message struct {
	ID           int64     `json:"id"`
	GuestID      string    `json:"guestId"`
	PosterUserID string    `json:"-"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
	ReportCount  int       `json:"reportCount"`
	Flagged      bool      `json:"flagged"`
}

// Store persists room messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const selectMessage = `
	SELECT m.id, m.guest_id, m.poster_user_id, m.content, m.created_at, m.flagged,
	       (SELECT COUNT(*) FROM anonymous_reports r WHERE r.message_id = m.id)
	FROM anonymous_messages m`

func scan(row interface{ Scan(...interface{}) error }) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.GuestID, &m.PosterUserID, &m.Content, &m.Timestamp, &m.Flagged, &m.ReportCount)
	return m, err
}

// Create stores an accepted post. The timestamp is assigned by the database.
func (s *Store) Create(ctx context.Context, m Message) (Message, error) {
	const q = `
		INSERT INTO anonymous_messages (guest_id, poster_user_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	if err := s.db.QueryRowContext(ctx, q, m.GuestID, m.PosterUserID, m.Content).Scan(&m.ID, &m.Timestamp); err != nil {
		return Message{}, fmt.Errorf("anonymous: insert: %w", err)
	}
	m.ReportCount = 0
	m.Flagged = false
	return m, nil
}

// Get returns one post with its current report count.
func (s *Store) Get(ctx context.Context, id int64) (Message, error) {
	m, err := scan(s.db.QueryRowContext(ctx, selectMessage+` WHERE m.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("anonymous: get: %w", err)
	}
	return m, nil
}

// Recent returns the newest limit posts in ascending time order.
func (s *Store) Recent(ctx context.Context, limit int) ([]Message, error) {
	q := `SELECT * FROM (` + selectMessage + ` ORDER BY m.created_at DESC, m.id DESC LIMIT $1) recent
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("anonymous: recent: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("anonymous: recent scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Flag marks a post as flagged. flipped is true only for the call that
// changed it; a flagged post is never unflagged.
func (s *Store) Flag(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE anonymous_messages SET flagged = TRUE WHERE id = $1 AND NOT flagged`, id)
	if err != nil {
		return false, fmt.Errorf("anonymous: flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("anonymous: flag: %w", err)
	}
	return n == 1, nil
}
