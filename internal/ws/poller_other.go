//go:build !linux

package ws

import (
	"bufio"
	"sync"
)

// watchPoller is the portable fallback: one goroutine per connection peeks
// through a bufio.Reader, which blocks for data without consuming it. The
// server then reads the frame from the same buffer.
type watchPoller struct {
	ready chan *Connection
	done  chan struct{}
	once  sync.Once

	mu   sync.Mutex
	arms map[*Connection]chan struct{}
}

func newPoller() (poller, error) {
	return &watchPoller{
		ready: make(chan *Connection, 128),
		done:  make(chan struct{}),
		arms:  make(map[*Connection]chan struct{}),
	}, nil
}

func (p *watchPoller) Add(c *Connection) error {
	br := bufio.NewReader(c.Conn)
	c.reader = br

	arm := make(chan struct{}, 1)
	arm <- struct{}{}
	p.mu.Lock()
	p.arms[c] = arm
	p.mu.Unlock()

	go p.watch(c, br, arm)
	return nil
}

func (p *watchPoller) watch(c *Connection, br *bufio.Reader, arm <-chan struct{}) {
	for {
		select {
		case _, ok := <-arm:
			if !ok {
				return
			}
		case <-p.done:
			return
		}

		// An error is reported as readiness too; the read path then sees
		// the closed socket and removes the connection.
		_, err := br.Peek(1)
		select {
		case p.ready <- c:
		case <-p.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (p *watchPoller) Rearm(c *Connection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	arm, ok := p.arms[c]
	if !ok {
		return errPollerClosed
	}
	select {
	case arm <- struct{}{}:
	default:
	}
	return nil
}

func (p *watchPoller) Remove(c *Connection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if arm, ok := p.arms[c]; ok {
		close(arm)
		delete(p.arms, c)
	}
	return nil
}

func (p *watchPoller) Wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-p.ready:
	case <-p.done:
		return nil, errPollerClosed
	}

	conns := []*Connection{first}
	for {
		select {
		case c := <-p.ready:
			conns = append(conns, c)
		default:
			return conns, nil
		}
	}
}

func (p *watchPoller) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
