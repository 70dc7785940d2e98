package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/campuslink/chat-app/internal/auth"
	"github.com/campuslink/chat-app/internal/protocol"
)

// pipeConn returns a Connection backed by net.Pipe and a channel carrying
// every text frame the client side receives.
func pipeConn(t *testing.T, id string, identity auth.Identity) (*Connection, <-chan string) {
	t.Helper()
	server, client := net.Pipe()
	frames := make(chan string, 16)
	go func() {
		defer close(frames)
		for {
			data, err := wsutil.ReadServerText(client)
			if err != nil {
				return
			}
			frames <- string(data)
		}
	}()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return &Connection{ID: id, Conn: server, Identity: identity}, frames
}

func recv(t *testing.T, frames <-chan string) string {
	t.Helper()
	select {
	case f, ok := <-frames:
		if !ok {
			t.Fatal("connection closed")
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return ""
}

func TestRegister_DefaultRooms(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil)

	anon, _ := pipeConn(t, "c1", auth.Identity{})
	user, _ := pipeConn(t, "c2", auth.Identity{UserID: "42"})
	s.Register(anon)
	s.Register(user)

	if !s.Rooms().In(protocol.AnonymousRoom, "c1") {
		t.Error("anonymous connection not in anonymous room")
	}
	if s.Rooms().In(protocol.AnonymousRoom, "c2") {
		t.Error("authenticated connection auto-joined anonymous room")
	}
	if !s.Rooms().In(protocol.UserRoom("42"), "c2") {
		t.Error("authenticated connection not in its user room")
	}
}

func TestDeliver_ReachesEveryTabOfUser(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil)

	tab1, f1 := pipeConn(t, "t1", auth.Identity{UserID: "7"})
	tab2, f2 := pipeConn(t, "t2", auth.Identity{UserID: "7"})
	other, f3 := pipeConn(t, "t3", auth.Identity{UserID: "8"})
	s.Register(tab1)
	s.Register(tab2)
	s.Register(other)

	if n := s.Deliver(protocol.UserRoom("7"), []byte(`{"type":"receive_message"}`)); n != 2 {
		t.Fatalf("delivered to %d, want 2", n)
	}
	recv(t, f1)
	recv(t, f2)
	select {
	case f := <-f3:
		t.Errorf("unexpected frame to other user: %s", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestJoin_Idempotent(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil)
	c, frames := pipeConn(t, "c1", auth.Identity{UserID: "1"})
	s.Register(c)

	if !s.Join(c, protocol.AnonymousRoom) {
		t.Fatal("first join should add")
	}
	if s.Join(c, protocol.AnonymousRoom) {
		t.Fatal("second join should be a no-op")
	}
	if n := s.Deliver(protocol.AnonymousRoom, []byte(`{"type":"anonymous-message"}`)); n != 1 {
		t.Fatalf("delivered %d, want 1", n)
	}
	recv(t, frames)
}

func TestRemoveConnection_LeavesRooms(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil)
	c, _ := pipeConn(t, "c1", auth.Identity{UserID: "1"})
	s.Register(c)
	s.Join(c, protocol.AnonymousRoom)

	var gone *Connection
	s.SetOnDisconnect(func(c *Connection) { gone = c })

	s.RemoveConnection(c)
	s.RemoveConnection(c)

	if gone != c {
		t.Error("disconnect callback not invoked")
	}
	if s.Connections().Count() != 0 {
		t.Errorf("count = %d", s.Connections().Count())
	}
	if s.Rooms().In(protocol.AnonymousRoom, "c1") || s.Rooms().In(protocol.UserRoom("1"), "c1") {
		t.Error("removed connection still in a room")
	}
}

type stubVerifier struct{}

func (stubVerifier) Verify(token string) (auth.Identity, error) {
	if token == "good" {
		return auth.Identity{UserID: "1"}, nil
	}
	return auth.Identity{}, auth.ErrInvalidToken
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (bool, error) { return false, nil }

func TestServeHTTP_RejectsBeforeUpgrade(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		query   string
		limiter ConnectLimiter
		want    int
	}{
		{"bad header token", "Bearer nope", "", nil, http.StatusUnauthorized},
		{"bad query token", "", "?token=nope", nil, http.StatusUnauthorized},
		{"rate limited", "", "", denyLimiter{}, http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(DefaultServerConfig(), stubVerifier{}, nil)
			if tt.limiter != nil {
				s.SetConnectLimiter(tt.limiter)
			}
			r := httptest.NewRequest(http.MethodGet, "/ws"+tt.query, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			s.ServeHTTP(w, r)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.5:5123"
	if got := clientIP(r); got != "10.0.0.5" {
		t.Errorf("clientIP = %q", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientIP(r); got != "203.0.113.9" {
		t.Errorf("clientIP with XFF = %q", got)
	}
}

func TestDispatch_Errors(t *testing.T) {
	d := NewMessageDispatcher()
	c, frames := pipeConn(t, "c1", auth.Identity{})

	d.Dispatch(c, []byte(`not json`))
	if f := recv(t, frames); !strings.Contains(f, `"parse_error"`) {
		t.Errorf("malformed frame: %s", f)
	}

	d.Dispatch(c, []byte(`{"type":"receive_message"}`))
	if f := recv(t, frames); !strings.Contains(f, `"unsupported_type"`) {
		t.Errorf("server-only type: %s", f)
	}

	d.Dispatch(c, []byte(`{"type":"ping"}`))
	if f := recv(t, frames); !strings.Contains(f, `"pong"`) {
		t.Errorf("ping: %s", f)
	}

	var got interface{}
	d.Register(protocol.TypeTyping, func(_ *Connection, msg interface{}) { got = msg })
	d.Dispatch(c, []byte(`{"type":"typing","senderId":"a","receiverId":"b"}`))
	if m, ok := got.(protocol.TypingMsg); !ok || m.ReceiverID != "b" {
		t.Errorf("handler got %#v", got)
	}
}

func TestIsEINTR(t *testing.T) {
	if isEINTR(nil) || isEINTR(errors.New("boom")) {
		t.Error("false positive")
	}
	if !isEINTR(errors.New("interrupted system call")) {
		t.Error("missed EINTR message")
	}
}

func TestReadFrame_DispatchesText(t *testing.T) {
	got := make(chan string, 1)
	s := NewServer(DefaultServerConfig(), nil, func(_ *Connection, data []byte) { got <- string(data) })
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	c := &Connection{ID: "c1", Conn: server}
	s.Register(c)

	go wsutil.WriteClientText(client, []byte(`{"type":"ping"}`))
	if !s.readFrame(c) {
		t.Fatal("connection removed")
	}
	if f := <-got; f != `{"type":"ping"}` {
		t.Errorf("dispatched %q", f)
	}
	if c.LastSeen().IsZero() {
		t.Error("read did not update LastSeen")
	}
}

func TestReadFrame_CloseRemoves(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil)
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	c := &Connection{ID: "c1", Conn: server, Identity: auth.Identity{UserID: "1"}}
	s.Register(c)

	go func() {
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = ws.WriteFrame(client, ws.MaskFrameInPlace(ws.NewCloseFrame(body)))
		_, _ = ws.ReadFrame(client)
	}()
	if s.readFrame(c) {
		t.Fatal("close frame should remove the connection")
	}
	if s.Connections().Count() != 0 || s.Rooms().In(protocol.UserRoom("1"), "c1") {
		t.Error("connection still registered")
	}
}

func TestSweep_EvictsSilentConnections(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil)
	stale, _ := pipeConn(t, "stale", auth.Identity{UserID: "1"})
	fresh, _ := pipeConn(t, "fresh", auth.Identity{UserID: "2"})
	s.Register(stale)
	s.Register(fresh)
	stale.lastSeen.Store(time.Now().Add(-time.Hour).UnixNano())

	if n := s.sweep(time.Now()); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if s.Connections().Get("stale") != nil {
		t.Error("silent connection kept")
	}
	if s.Connections().Get("fresh") == nil {
		t.Error("live connection evicted")
	}
}

func TestHandleHealth_Checks(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil)
	s.AddHealthCheck("postgres", func(context.Context) error { return nil })

	w := httptest.NewRecorder()
	s.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"postgres":"ok"`) {
		t.Fatalf("healthy = %d %s", w.Code, w.Body)
	}

	s.AddHealthCheck("redis", func(context.Context) error { return errors.New("connection refused") })
	w = httptest.NewRecorder()
	s.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), `"degraded"`) {
		t.Errorf("degraded = %d %s", w.Code, w.Body)
	}
}
