// Package ratelimit provides the rate limiters used by the push channel and
// the anonymous room: a Redis fixed window for connection attempts, a Redis
// sorted-set sliding window for per-identity posting caps, an in-memory
// sliding window with the same semantics for single-process deployments and
// tests, and per-key token buckets for ephemeral signals.
package ratelimit

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is a cap of Limit events per Window for keys under the Key prefix.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleConnect caps upgrade attempts per client address.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: time.Minute}

	// RuleAnonymous caps anonymous room posts per identity.
	RuleAnonymous = Rule{Key: "rl:anon:", Limit: 10, Window: time.Minute}
)

// fixedScript counts a hit and starts the window on the first one, in one
// round trip, so a crash between the two never leaves a key without a TTL.
var fixedScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Limiter is a fixed-window counter in Redis.
type Limiter struct {
	client *redis.Client
}

func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow counts one hit for identifier under rule. Redis errors fail open:
// the hit is allowed and the error returned for the caller to log or count.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier
	n, err := fixedScript.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int()
	if err != nil {
		log.Printf("[ratelimit] fixed window error key=%s: %v (failing open)", key, err)
		return true, err
	}
	return n <= rule.Limit, nil
}

// Remaining is how many hits identifier has left in its current window.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	n, err := l.client.Get(ctx, rule.Key+identifier).Int()
	switch {
	case errors.Is(err, redis.Nil):
		return rule.Limit, nil
	case err != nil:
		return rule.Limit, err
	case n >= rule.Limit:
		return 0, nil
	}
	return rule.Limit - n, nil
}

// Bound is a Limiter fixed to one rule.
type Bound struct {
	limiter *Limiter
	rule    Rule
}

// For binds l to rule so callers can hold a single-rule limiter.
func (l *Limiter) For(rule Rule) *Bound {
	return &Bound{limiter: l, rule: rule}
}

func (b *Bound) Allow(ctx context.Context, identifier string) (bool, error) {
	return b.limiter.Allow(ctx, identifier, b.rule)
}
