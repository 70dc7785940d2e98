// Package client is the Go client of the chat service: a push-channel
// connection manager with bounded reconnection, a REST client, and the
// session that keeps a local transcript and conversation list consistent
// with what the server persisted.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/campuslink/chat-app/internal/apperr"
	"github.com/campuslink/chat-app/internal/auth"
	"github.com/campuslink/chat-app/internal/protocol"
)

var (
	ErrDisconnected = errors.New("client: not connected")
	ErrUnauthorized = errors.New("client: credential rejected")
	ErrClosed       = errors.New("client: closed")

	errSuperseded = errors.New("client: superseded by a newer connect")
)

// DialFunc opens a push channel to url presenting credential.
type DialFunc func(ctx context.Context, url, credential string) (net.Conn, error)

// Options configures a Conn.
type Options struct {
	URL               string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	DialTimeout       time.Duration
	Dial              DialFunc
}

// DefaultOptions returns the reconnection policy used by the web client:
// five attempts one second apart.
func DefaultOptions(url string) Options {
	return Options{
		URL:               url,
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		DialTimeout:       10 * time.Second,
		Dial:              DialWS,
	}
}

// DialWS dials with gobwas/ws, sending the credential as a bearer header. A
// 401 from the handshake is reported as ErrUnauthorized.
func DialWS(ctx context.Context, url, credential string) (net.Conn, error) {
	d := ws.Dialer{}
	if credential != "" {
		d.Header = ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + credential},
		})
	}
	conn, _, _, err := d.Dial(ctx, url)
	if err != nil {
		var status ws.StatusError
		if errors.As(err, &status) && int(status) == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

// Conn owns at most one live push channel. Connecting with a new credential
// replaces the channel; losing it involuntarily starts bounded reconnection.
// After a (re)connect the manager re-joins the identity's room and any shared
// rooms joined earlier.
type Conn struct {
	opts Options

	mu         sync.Mutex
	conn       net.Conn
	gen        uint64
	credential string
	identity   auth.Identity
	rooms      map[string]struct{}
	closed     bool

	writeMu sync.Mutex

	hmu         sync.RWMutex
	handlers    map[string]func(json.RawMessage)
	onReconnect []func()
}

// NewConn returns a disconnected manager. Zero fields in opts take their
// DefaultOptions values.
func NewConn(opts Options) *Conn {
	def := DefaultOptions(opts.URL)
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = def.ReconnectAttempts
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = def.ReconnectDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = def.DialTimeout
	}
	if opts.Dial == nil {
		opts.Dial = def.Dial
	}
	return &Conn{
		opts:     opts,
		rooms:    make(map[string]struct{}),
		handlers: make(map[string]func(json.RawMessage)),
	}
}

// On registers the handler for a server event type, replacing any previous
// one. Handlers run on the read goroutine and must not block.
func (c *Conn) On(msgType string, handler func(json.RawMessage)) {
	c.hmu.Lock()
	c.handlers[msgType] = handler
	c.hmu.Unlock()
}

// OnReconnect registers a hook run after every successful reconnection,
// typically to refetch history missed while offline.
func (c *Conn) OnReconnect(fn func()) {
	c.hmu.Lock()
	c.onReconnect = append(c.onReconnect, fn)
	c.hmu.Unlock()
}

// Connect opens the push channel for credential. An empty credential
// connects anonymously. Calling it again with the same credential while
// connected is a no-op; a different credential closes the old channel first.
func (c *Conn) Connect(ctx context.Context, credential string) error {
	var id auth.Identity
	if credential != "" {
		var err error
		if id, err = auth.Peek(credential); err != nil {
			return err
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil && c.credential == credential {
		c.mu.Unlock()
		return nil
	}
	c.dropLocked()
	c.credential = credential
	c.identity = id
	gen := c.gen
	c.mu.Unlock()

	nc, err := c.opts.Dial(ctx, c.opts.URL, credential)
	if err != nil {
		return err
	}
	return c.install(nc, gen)
}

// Identity returns the identity bound by the last Connect.
func (c *Conn) Identity() auth.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Connected reports whether a channel is live.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes one client event. It fails with ErrDisconnected while no
// channel is live; nothing is queued.
func (c *Conn) Send(msgType string, payload interface{}) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	nc := c.conn
	c.mu.Unlock()
	if nc == nil {
		return ErrDisconnected
	}
	return c.write(nc, data)
}

// JoinRoom joins a shared room now and after every reconnect.
func (c *Conn) JoinRoom(room string) error {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
	return c.Send(protocol.TypeJoinRoom, protocol.JoinRoomMsg{Room: room})
}

// Close closes the channel and stops any reconnection for good.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.dropLocked()
	return nil
}

func (c *Conn) dropLocked() {
	c.gen++
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// install makes nc the live channel if nothing replaced the attempt started
// at generation gen, then starts its reader and re-joins rooms.
func (c *Conn) install(nc net.Conn, gen uint64) error {
	c.mu.Lock()
	if c.closed || c.gen != gen {
		closed := c.closed
		c.mu.Unlock()
		nc.Close()
		if closed {
			return ErrClosed
		}
		return errSuperseded
	}
	c.gen++
	gen = c.gen
	c.conn = nc
	id := c.identity
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()

	go c.readLoop(nc, gen)

	if id.UserID != "" {
		if err := c.sendOn(nc, protocol.TypeJoin, protocol.JoinMsg{UserID: id.UserID}); err != nil {
			return err
		}
	}
	for _, r := range rooms {
		if err := c.sendOn(nc, protocol.TypeJoinRoom, protocol.JoinRoomMsg{Room: r}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) sendOn(nc net.Conn, msgType string, payload interface{}) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return err
	}
	return c.write(nc, data)
}

func (c *Conn) write(nc net.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(nc, ws.OpText, data); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

func (c *Conn) readLoop(nc net.Conn, gen uint64) {
	for {
		data, err := wsutil.ReadServerText(nc)
		if err != nil {
			c.lost(nc, gen, err)
			return
		}
		typ, err := protocol.PeekType(data)
		if err != nil {
			continue
		}
		if typ == protocol.TypeError && isAuthError(data) {
			log.Printf("[client] server rejected credential, not reconnecting")
			c.mu.Lock()
			if c.gen == gen {
				c.dropLocked()
			}
			c.mu.Unlock()
			c.dispatch(typ, data)
			return
		}
		c.dispatch(typ, data)
	}
}

func (c *Conn) dispatch(typ string, data []byte) {
	c.hmu.RLock()
	h := c.handlers[typ]
	c.hmu.RUnlock()
	if h != nil {
		h(json.RawMessage(data))
	}
}

func isAuthError(data []byte) bool {
	var m protocol.ErrorMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return false
	}
	return m.Code == string(apperr.CodeUnauthenticated)
}

// lost handles a read failure. Failures of channels that were closed on
// purpose or already replaced are ignored.
func (c *Conn) lost(nc net.Conn, gen uint64, err error) {
	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.gen++
	gen = c.gen
	cred := c.credential
	c.mu.Unlock()

	nc.Close()
	log.Printf("[client] connection lost: %v", err)
	go c.reconnect(cred, gen)
}

func (c *Conn) reconnect(credential string, gen uint64) {
	for attempt := 1; attempt <= c.opts.ReconnectAttempts; attempt++ {
		time.Sleep(c.opts.ReconnectDelay)

		c.mu.Lock()
		stale := c.closed || c.gen != gen
		c.mu.Unlock()
		if stale {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
		nc, err := c.opts.Dial(ctx, c.opts.URL, credential)
		cancel()
		if err != nil {
			log.Printf("[client] reconnect attempt %d/%d: %v", attempt, c.opts.ReconnectAttempts, err)
			if errors.Is(err, ErrUnauthorized) {
				return
			}
			continue
		}
		if err := c.install(nc, gen); err != nil {
			// A failed rejoin surfaces as a read error on the new channel,
			// which starts the next cycle.
			if !errors.Is(err, ErrClosed) && !errors.Is(err, errSuperseded) {
				log.Printf("[client] rejoin after reconnect: %v", err)
			}
			return
		}

		c.hmu.RLock()
		hooks := append([]func(){}, c.onReconnect...)
		c.hmu.RUnlock()
		for _, fn := range hooks {
			fn()
		}
		return
	}
	log.Printf("[client] giving up after %d reconnect attempts", c.opts.ReconnectAttempts)
}
