// Package ws handles the push channel: upgrading HTTP connections after
// checking their token, tracking room membership, reading frames through
// epoll and a bounded worker pool, and delivering room events to local
// connections.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/campuslink/chat-app/internal/auth"
	"github.com/campuslink/chat-app/internal/metrics"
	"github.com/campuslink/chat-app/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// TokenVerifier checks a bearer token presented at upgrade time.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// ConnectLimiter caps upgrade attempts per client address.
type ConnectLimiter interface {
	Allow(ctx context.Context, identifier string) (bool, error)
}

// Server is the WebSocket server built on gobwas/ws. It upgrades HTTP
// connections, registers them with a poller (epoll on Linux) and hands ready
// connections to a bounded worker pool that reads one frame each.
type Server struct {
	config       ServerConfig
	poll         poller
	conns        *ConnectionManager
	rooms        *Rooms
	verifier     TokenVerifier
	limiter      ConnectLimiter
	workerPool   chan struct{} // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(conn *Connection)
	httpServer   *http.Server
	done         chan struct{}
	closeOnce    sync.Once
	startedAt    time.Time
	checks       []namedCheck
}

// HealthCheck pings one dependency for /health.
type HealthCheck func(ctx context.Context) error

type namedCheck struct {
	name  string
	check HealthCheck
}

// NewServer creates a Server. The onMessage function is called from a worker
// goroutine whenever a complete WebSocket text frame is received.
func NewServer(config ServerConfig, verifier TokenVerifier, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		rooms:      NewRooms(),
		verifier:   verifier,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
}

// SetConnectLimiter enables per-address throttling of upgrade attempts.
func (s *Server) SetConnectLimiter(l ConnectLimiter) {
	s.limiter = l
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Start creates the poller, starts the event loop and heartbeat, and serves
// handler (which is expected to route the upgrade path to s) until Shutdown.
func (s *Server) Start(handler http.Handler) error {
	var err error
	s.poll, err = newPoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}

	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.startEventLoop()
	go s.heartbeat()

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// ServeHTTP is the upgrade endpoint. A missing token yields an anonymous
// connection placed in the anonymous room; an invalid token is refused with
// 401 before the upgrade; a valid token places the connection in the user's
// private room.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil {
		ok, _ := s.limiter.Allow(r.Context(), clientIP(r))
		if !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	var identity auth.Identity
	if token := auth.TokenFromRequest(r); token != "" {
		id, err := s.verifier.Verify(token)
		if err != nil {
			log.Printf("ws: rejected upgrade from %s: %v", clientIP(r), err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		identity = id
	}

	if s.poll == nil {
		http.Error(w, "server not started", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := &Connection{
		ID:         uuid.New().String(),
		Conn:       conn,
		Identity:   identity,
		CreatedAt:  time.Now(),
		WriteLimit: s.config.WriteTimeout,
	}
	s.Register(c)

	if err := s.poll.Add(c); err != nil {
		log.Printf("ws: poller add failed for conn %s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}

	log.Printf("ws: new connection id=%s user=%q (total=%d)",
		c.ID, c.UserID(), s.conns.Count())
}

// Register adds c to the registry and its default room.
func (s *Server) Register(c *Connection) {
	if c.lastSeen.Load() == 0 {
		c.touch()
	}
	s.conns.Add(c)
	metrics.ConnectionsActive.Inc()
	if c.Authenticated() {
		s.rooms.Join(protocol.UserRoom(c.UserID()), c)
	} else {
		s.rooms.Join(protocol.AnonymousRoom, c)
	}
}

// Join adds c to room. Joining twice is a no-op.
func (s *Server) Join(c *Connection, room string) bool {
	return s.rooms.Join(room, c)
}

// Deliver writes data to the local members of room.
func (s *Server) Deliver(room string, data []byte) int {
	return s.rooms.Deliver(room, data)
}

// Broadcast delivers to local members only. Multi-instance deployments wrap
// the server in a messaging.RoomBus.
func (s *Server) Broadcast(room string, data []byte) {
	s.rooms.Deliver(room, data)
}

// Rooms exposes the room registry.
func (s *Server) Rooms() *Rooms {
	return s.rooms
}

// AddHealthCheck registers a dependency check reported by HandleHealth.
// Call it before Start.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checks = append(s.checks, namedCheck{name: name, check: check})
}

// HandleHealth reports the connection count, uptime and every registered
// dependency. Any failing dependency turns the answer into a 503.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := struct {
		Status      string            `json:"status"`
		Connections int               `json:"connections"`
		Uptime      string            `json:"uptime"`
		Checks      map[string]string `json:"checks,omitempty"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	code := http.StatusOK
	if len(s.checks) > 0 {
		resp.Checks = make(map[string]string, len(s.checks))
	}
	for _, c := range s.checks {
		if err := c.check(ctx); err != nil {
			resp.Checks[c.name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop waits on the poller and hands each ready connection to a
// worker, blocking when the pool is full.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !isEINTR(err) {
				log.Printf("ws: poller wait error: %v", err)
			}
			continue
		}

		for _, c := range conns {
			c := c
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection and re-arms it.
func (s *Server) handleConn(c *Connection) {
	if !s.readFrame(c) {
		return
	}
	if err := s.poll.Rearm(c); err != nil {
		s.RemoveConnection(c)
	}
}

// readFrame reads and dispatches a single frame. It reports false when the
// connection was removed.
func (s *Server) readFrame(c *Connection) bool {
	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer c.Conn.SetReadDeadline(time.Time{})
	}

	header, reader, err := wsutil.NextReader(c.source(), ws.StateServerSide)
	if err != nil {
		// Readiness without a frame; try again on the next event.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		s.RemoveConnection(c)
		return false
	}
	c.touch()

	if header.OpCode.IsControl() {
		// Answers pings, drains pongs and echoes close.
		c.writeMu.Lock()
		err := wsutil.ControlFrameHandler(c.Conn, ws.StateServerSide)(header, reader)
		c.writeMu.Unlock()
		if err != nil {
			s.RemoveConnection(c)
			return false
		}
		return true
	}

	data := make([]byte, header.Length)
	if _, err := io.ReadFull(reader, data); err != nil {
		s.RemoveConnection(c)
		return false
	}
	if len(data) > 0 && s.onMessage != nil {
		s.onMessage(c, data)
	}
	return true
}

// RemoveConnection removes a connection from the poller, its rooms and the
// connection manager, and closes the underlying network connection. It is
// safe to call more than once for the same connection.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poll != nil {
		_ = s.poll.Remove(c)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	s.rooms.LeaveAll(c.ID)
	metrics.ConnectionsActive.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	log.Printf("ws: connection closed id=%s user=%q (total=%d)", c.ID, c.UserID(), s.conns.Count())
}

// Connections returns the ConnectionManager for external access to
// connection state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop to exit, closes
// all active connections, and releases the poller.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	s.closeOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.poll != nil {
		_ = s.poll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// clientIP prefers the first X-Forwarded-For hop set by the load balancer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.EINTR) ||
		err.Error() == "interrupted system call"
}

// InRoom reports whether c is a member of room.
func (s *Server) InRoom(c *Connection, room string) bool {
	return s.rooms.In(room, c.ID)
}
