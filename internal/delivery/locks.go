package delivery

import "sync"

// pairLocks serializes sends per sender->receiver pair. Entries are
// reference counted and dropped when the last holder unlocks.
type pairLocks struct {
	mu    sync.Mutex
	locks map[string]*pairLock
}

type pairLock struct {
	mu   sync.Mutex
	refs int
}

func newPairLocks() *pairLocks {
	return &pairLocks{locks: make(map[string]*pairLock)}
}

func (p *pairLocks) lock(sender, receiver string) (unlock func()) {
	key := sender + "\x00" + receiver

	p.mu.Lock()
	l, ok := p.locks[key]
	if !ok {
		l = &pairLock{}
		p.locks[key] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, key)
		}
		p.mu.Unlock()
	}
}

func (p *pairLocks) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}
