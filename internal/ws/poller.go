package ws

import "errors"

// poller reports connections that have a frame waiting. A connection is
// reported at most once per arm; the server calls Rearm after reading, so
// two workers never read the same socket.
type poller interface {
	Add(c *Connection) error
	Rearm(c *Connection) error
	Remove(c *Connection) error
	// Wait blocks until some connections are readable. It may return an
	// empty slice when its internal timeout elapses.
	Wait() ([]*Connection, error)
	Close() error
}

var errPollerClosed = errors.New("ws: poller closed")
