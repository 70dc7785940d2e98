package ratelimit

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingScript admits a request when fewer than ARGV[3] members scored
// within the last ARGV[2] ms remain in the set. Rejected requests are not
// recorded.
var slidingScript = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
  return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// SlidingWindow caps requests per identity over a trailing window, shared by
// every server instance through Redis.
type SlidingWindow struct {
	client *redis.Client
	rule   Rule
	now    func() time.Time
}

// NewSlidingWindow creates a Redis sliding-window limiter for rule.
func NewSlidingWindow(client *redis.Client, rule Rule) *SlidingWindow {
	return &SlidingWindow{client: client, rule: rule, now: time.Now}
}

// Release undoes one reserved hit. It is safe to call more than once.
type Release func(ctx context.Context)

func noRelease(context.Context) {}

// Allow records a request for identity and reports whether it is within the
// cap. Redis errors fail open.
func (w *SlidingWindow) Allow(ctx context.Context, identity string) (bool, error) {
	_, ok, err := w.Reserve(ctx, identity)
	return ok, err
}

// Reserve is Allow with an undo: the returned Release removes the hit again,
// for requests that turn out not to count against the cap.
func (w *SlidingWindow) Reserve(ctx context.Context, identity string) (Release, bool, error) {
	key := w.rule.Key + identity
	now := w.now().UnixMilli()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	res, err := slidingScript.Run(ctx, w.client, []string{key},
		now, w.rule.Window.Milliseconds(), w.rule.Limit, member).Int()
	if err != nil {
		log.Printf("[ratelimit] sliding window error key=%s: %v (failing open)", key, err)
		return noRelease, true, err
	}
	if res != 1 {
		return noRelease, false, nil
	}
	return func(ctx context.Context) {
		if err := w.client.ZRem(ctx, key, member).Err(); err != nil {
			log.Printf("[ratelimit] release key=%s: %v", key, err)
		}
	}, true, nil
}

// LocalWindow is the in-process equivalent of SlidingWindow. State is keyed
// by identity and owned by the instance.
type LocalWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	swept  time.Time
	now    func() time.Time
}

// NewLocalWindow creates an in-memory sliding window. A nil now uses
// time.Now.
func NewLocalWindow(limit int, window time.Duration, now func() time.Time) *LocalWindow {
	if now == nil {
		now = time.Now
	}
	return &LocalWindow{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    now,
	}
}

// Allow records a request for identity if it is within the cap.
func (w *LocalWindow) Allow(ctx context.Context, identity string) (bool, error) {
	_, ok, err := w.Reserve(ctx, identity)
	return ok, err
}

// Reserve records a request like Allow and returns a Release that removes it.
func (w *LocalWindow) Reserve(_ context.Context, identity string) (Release, bool, error) {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if now.Sub(w.swept) >= w.window {
		for id := range w.hits {
			w.trim(id, now)
		}
		w.swept = now
	}
	hits := w.trim(identity, now)
	if len(hits) >= w.limit {
		return noRelease, false, nil
	}
	w.hits[identity] = append(hits, now)

	var once sync.Once
	return func(context.Context) {
		once.Do(func() { w.release(identity, now) })
	}, true, nil
}

// trim drops hits that left the window. Identities with none left are
// forgotten. Callers hold w.mu. Reserve also trims every identity once per
// window so that ones which never return are dropped too.
func (w *LocalWindow) trim(identity string, now time.Time) []time.Time {
	cutoff := now.Add(-w.window)
	hits := w.hits[identity]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) == 0 {
		delete(w.hits, identity)
		return nil
	}
	w.hits[identity] = hits
	return hits
}

func (w *LocalWindow) release(identity string, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	hits := w.hits[identity]
	for i := len(hits) - 1; i >= 0; i-- {
		if hits[i].Equal(at) {
			hits = append(hits[:i], hits[i+1:]...)
			break
		}
	}
	if len(hits) == 0 {
		delete(w.hits, identity)
		return
	}
	w.hits[identity] = hits
}

// Tracked returns how many identities currently hold hits.
func (w *LocalWindow) Tracked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.hits)
}

// Reset forgets all recorded requests for identity.
func (w *LocalWindow) Reset(identity string) {
	w.mu.Lock()
	delete(w.hits, identity)
	w.mu.Unlock()
}
