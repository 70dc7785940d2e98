package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter keeps one token bucket per key and evicts buckets that have
// been idle for ten minutes.
type KeyedLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*keyedEntry
	stopCh  chan struct{}
	once    sync.Once
}

type keyedEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyedLimiter allows perSecond events per key with the given burst. The
// cleanup goroutine runs every cleanupInterval until Stop is called.
func NewKeyedLimiter(perSecond float64, burst int, cleanupInterval time.Duration) *KeyedLimiter {
	if burst <= 0 {
		burst = 1
	}
	k := &KeyedLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		entries: make(map[string]*keyedEntry),
		stopCh:  make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go k.cleanupLoop(cleanupInterval)
	}
	return k
}

func (k *KeyedLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			k.evictIdle(time.Now().Add(-10 * time.Minute))
		case <-k.stopCh:
			return
		}
	}
}

func (k *KeyedLimiter) evictIdle(cutoff time.Time) {
	k.mu.Lock()
	for key, e := range k.entries {
		if e.lastSeen.Before(cutoff) {
			delete(k.entries, key)
		}
	}
	k.mu.Unlock()
}

// Allow reports whether an event for key may happen now.
func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.entries[key] = e
	}
	e.lastSeen = time.Now()
	k.mu.Unlock()
	return e.limiter.Allow()
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (k *KeyedLimiter) Stop() {
	k.once.Do(func() { close(k.stopCh) })
}
