// Package ban stores per-account moderation state (muted, banned) in Redis.
// State is set only by administrative action and consulted before any
// anonymous room post is accepted:
//
//	Key:   ban:<user_id>  / mute:<user_id>
//	Value: <reason>
//	TTL:   none unless a duration is given
package ban

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// BanPrefix is the Redis key prefix for ban records.
	BanPrefix = "ban:"

	// MutePrefix is the Redis key prefix for mute records.
	MutePrefix = "mute:"
)

// State is the moderation state of one account.
type State struct {
	Muted  bool `json:"muted"`
	Banned bool `json:"banned"`
}

// Store manages moderation records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// State returns both flags for userID in a single round trip. Redis errors
// are returned; callers decide whether to fail open or closed.
func (s *Store) State(ctx context.Context, userID string) (State, error) {
	vals, err := s.client.MGet(ctx, BanPrefix+userID, MutePrefix+userID).Result()
	if err != nil {
		return State{}, fmt.Errorf("ban: state: %w", err)
	}
	return State{
		Banned: vals[0] != nil,
		Muted:  vals[1] != nil,
	}, nil
}

// Ban bans userID. A zero duration never expires.
func (s *Store) Ban(ctx context.Context, userID string, duration time.Duration, reason string) error {
	return s.set(ctx, BanPrefix+userID, duration, reason)
}

// Unban removes a ban immediately.
func (s *Store) Unban(ctx context.Context, userID string) error {
	return s.client.Del(ctx, BanPrefix+userID).Err()
}

// Mute mutes userID. A zero duration never expires.
func (s *Store) Mute(ctx context.Context, userID string, duration time.Duration, reason string) error {
	return s.set(ctx, MutePrefix+userID, duration, reason)
}

// Unmute removes a mute immediately.
func (s *Store) Unmute(ctx context.Context, userID string) error {
	return s.client.Del(ctx, MutePrefix+userID).Err()
}

func (s *Store) set(ctx context.Context, key string, duration time.Duration, reason string) error {
	if reason == "" {
		reason = "admin"
	}
	if err := s.client.Set(ctx, key, reason, duration).Err(); err != nil {
		return fmt.Errorf("ban: set %s: %w", key, err)
	}
	return nil
}
