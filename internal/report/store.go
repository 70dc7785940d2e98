// Package report provides PostgreSQL-backed storage for community reports
// against anonymous room posts. A reporter can report a given post once;
// repeat reports are accepted but not counted again.
package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MinReasonLength is the shortest reason accepted, after trimming.
const MinReasonLength = 3

// ErrInvalidReason is returned for reasons shorter than MinReasonLength.
var ErrInvalidReason = errors.New("report: reason too short")

// Report is a single community report.
type Report struct {
	ID              int64     `json:"id"`
	MessageID       int64     `json:"messageId"`
	ReporterUserID  string    `json:"-"`
	ReportedGuestID string    `json:"reportedGuestId,omitempty"`
	Reason          string    `json:"reason"`
	Timestamp       time.Time `json:"timestamp"`
}

// Store manages reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// NormalizeReason trims reason and validates its length.
func NormalizeReason(reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if len([]rune(reason)) < MinReasonLength {
		return "", ErrInvalidReason
	}
	return reason, nil
}

// Create inserts a report. created is false when this reporter had already
// reported the message; r is left unchanged in that case.
func (s *Store) Create(ctx context.Context, r *Report) (bool, error) {
	reason, err := NormalizeReason(r.Reason)
	if err != nil {
		return false, err
	}
	r.Reason = reason

	const query = `
		INSERT INTO anonymous_reports (message_id, reporter_user_id, reported_guest_id, reason)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id, reporter_user_id) DO NOTHING
		RETURNING id, created_at`

	err = s.db.QueryRowContext(ctx, query, r.MessageID, r.ReporterUserID, r.ReportedGuestID, r.Reason).
		Scan(&r.ID, &r.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("report: insert: %w", err)
	}
	return true, nil
}

// Count returns the number of distinct reports filed against a message.
func (s *Store) Count(ctx context.Context, messageID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM anonymous_reports WHERE message_id = $1`, messageID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count: %w", err)
	}
	return count, nil
}
