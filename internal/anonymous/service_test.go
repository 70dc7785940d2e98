package anonymous

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/campuslink/chat-app/internal/apperr"
	"github.com/campuslink/chat-app/internal/auth"
	"github.com/campuslink/chat-app/internal/ban"
	"github.com/campuslink/chat-app/internal/moderation"
	"github.com/campuslink/chat-app/internal/protocol"
	"github.com/campuslink/chat-app/internal/ratelimit"
	"github.com/campuslink/chat-app/internal/report"
)

type memMessages struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (s *memMessages) Create(_ context.Context, m Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Message{}, s.err
	}
	m.ID = int64(len(s.msgs) + 1)
	m.Timestamp = time.Now()
	s.msgs = append(s.msgs, m)
	return m, nil
}

func (s *memMessages) Get(_ context.Context, id int64) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 1 || int(id) > len(s.msgs) {
		return Message{}, ErrNotFound
	}
	return s.msgs[id-1], nil
}

func (s *memMessages) Recent(_ context.Context, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]Message(nil), s.msgs...)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memMessages) Flag(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.msgs[id-1].Flagged {
		return false, nil
	}
	s.msgs[id-1].Flagged = true
	return true, nil
}

type memReports struct {
	mu   sync.Mutex
	seen map[[2]interface{}]bool
	n    map[int64]int
}

func (r *memReports) Create(_ context.Context, rep *report.Report) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = map[[2]interface{}]bool{}
		r.n = map[int64]int{}
	}
	key := [2]interface{}{rep.MessageID, rep.ReporterUserID}
	if r.seen[key] {
		return false, nil
	}
	r.seen[key] = true
	r.n[rep.MessageID]++
	return true, nil
}

func (r *memReports) Count(_ context.Context, id int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n[id], nil
}

type memStates struct {
	states map[string]ban.State
	err    error
}

func (m *memStates) State(_ context.Context, id string) (ban.State, error) {
	if m.err != nil {
		return ban.State{}, m.err
	}
	return m.states[id], nil
}

func (m *memStates) set(id string, f func(*ban.State)) error {
	if m.states == nil {
		m.states = map[string]ban.State{}
	}
	st := m.states[id]
	f(&st)
	m.states[id] = st
	return nil
}

func (m *memStates) Ban(_ context.Context, id string, _ time.Duration, _ string) error {
	return m.set(id, func(s *ban.State) { s.Banned = true })
}
func (m *memStates) Unban(_ context.Context, id string) error {
	return m.set(id, func(s *ban.State) { s.Banned = false })
}
func (m *memStates) Mute(_ context.Context, id string, _ time.Duration, _ string) error {
	return m.set(id, func(s *ban.State) { s.Muted = true })
}
func (m *memStates) Unmute(_ context.Context, id string) error {
	return m.set(id, func(s *ban.State) { s.Muted = false })
}

type recorder struct {
	mu     sync.Mutex
	events [][]byte
}

func (r *recorder) Broadcast(room string, data []byte) {
	if room != protocol.AnonymousRoom {
		panic("unexpected room " + room)
	}
	r.mu.Lock()
	r.events = append(r.events, data)
	r.mu.Unlock()
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		typ, _ := protocol.PeekType(e)
		out = append(out, typ)
	}
	return out
}

type fixture struct {
	svc      *Service
	messages *memMessages
	states   *memStates
	bus      *recorder
}

func newFixture() *fixture {
	f := &fixture{messages: &memMessages{}, states: &memStates{}, bus: &recorder{}}
	limiter := ratelimit.NewLocalWindow(10, time.Minute, nil)
	f.svc = NewService(DefaultConfig(), f.messages, &memReports{}, f.states, limiter,
		moderation.NewFilterWithTerms([]string{"badword"}), f.bus)
	return f
}

func post(f *fixture, user, content string) (Message, error) {
	return f.svc.Post(context.Background(), user, PostRequest{Content: content, GuestID: "Guest-42"})
}

func TestPost_AcceptedAndBroadcast(t *testing.T) {
	f := newFixture()
	m, err := post(f, "u1", "  hello room  ")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if m.ID == 0 || m.Content != "hello room" || m.PosterUserID != "u1" {
		t.Errorf("message = %+v", m)
	}
	if got := f.bus.types(); len(got) != 1 || got[0] != protocol.TypeAnonymousMessage {
		t.Fatalf("broadcasts = %v", got)
	}
	if strings.Contains(string(f.bus.events[0]), "u1") {
		t.Errorf("poster id leaked: %s", f.bus.events[0])
	}
}

func TestPost_BannedAlwaysForbidden(t *testing.T) {
	f := newFixture()
	f.states.Ban(context.Background(), "u1", 0, "")

	for _, content := range []string{"hello", "", "badword", strings.Repeat("x", 900)} {
		_, err := post(f, "u1", content)
		if apperr.HTTPStatus(err) != 403 {
			t.Errorf("content %.10q: status %d, want 403", content, apperr.HTTPStatus(err))
		}
		if RejectionReason(err) != RejectBanned {
			t.Errorf("reason = %q", RejectionReason(err))
		}
	}
	if len(f.bus.types()) != 0 {
		t.Error("banned post broadcast")
	}
}

func TestPost_Muted(t *testing.T) {
	f := newFixture()
	f.states.Mute(context.Background(), "u1", 0, "")
	_, err := post(f, "u1", "hello")
	if apperr.HTTPStatus(err) != 403 || RejectionReason(err) != RejectMuted {
		t.Errorf("err = %v", err)
	}
}

func TestPost_StateLookupFailsClosed(t *testing.T) {
	f := newFixture()
	f.states.err = errors.New("redis: connection refused")
	_, err := post(f, "u1", "hello")
	if apperr.HTTPStatus(err) != 503 {
		t.Errorf("status = %d, want 503", apperr.HTTPStatus(err))
	}
}

func TestPost_EleventhInAMinuteRateLimited(t *testing.T) {
	f := newFixture()
	for i := 0; i < 10; i++ {
		if _, err := post(f, "u1", "message"); err != nil {
			t.Fatalf("post %d: %v", i+1, err)
		}
	}
	_, err := post(f, "u1", "message")
	if apperr.HTTPStatus(err) != 429 {
		t.Fatalf("11th post status = %d, want 429", apperr.HTTPStatus(err))
	}
	if _, err := post(f, "u2", "message"); err != nil {
		t.Errorf("other identity limited: %v", err)
	}
}

func TestPost_RejectedPostsDoNotUseQuota(t *testing.T) {
	f := newFixture()
	for i := 0; i < 10; i++ {
		if _, err := post(f, "u1", "badword"); apperr.HTTPStatus(err) != 400 {
			t.Fatalf("filtered post %d: status %d, want 400", i+1, apperr.HTTPStatus(err))
		}
	}
	if _, err := post(f, "u1", "  "); apperr.HTTPStatus(err) != 400 {
		t.Fatalf("empty post status = %d", apperr.HTTPStatus(err))
	}

	f.messages.err = errors.New("db down")
	for i := 0; i < 10; i++ {
		post(f, "u1", "hello clean")
	}
	f.messages.err = nil

	m, err := post(f, "u1", "hello clean")
	if err != nil {
		t.Fatalf("clean post after rejections: status %d (%v)", apperr.HTTPStatus(err), err)
	}
	if m.ID == 0 {
		t.Errorf("message = %+v", m)
	}
}

func TestPost_ContentValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		guest   string
	}{
		{"empty", "   ", "g"},
		{"too long", strings.Repeat("a", 501), "g"},
		{"no guest id", "hi", " "},
		{"keyword", "you BADWORD", "g"},
		{"leet keyword", "b4dw0rd", "g"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			_, err := f.svc.Post(context.Background(), "u1", PostRequest{Content: tt.content, GuestID: tt.guest})
			if apperr.HTTPStatus(err) != 400 {
				t.Errorf("status = %d, want 400 (err %v)", apperr.HTTPStatus(err), err)
			}
			if len(f.messages.msgs) != 0 {
				t.Error("rejected post persisted")
			}
		})
	}
}

func TestPost_MaxLengthCountsRunes(t *testing.T) {
	f := newFixture()
	if _, err := post(f, "u1", strings.Repeat("ü", 500)); err != nil {
		t.Errorf("500 runes rejected: %v", err)
	}
}

func TestPost_RequiresAuthentication(t *testing.T) {
	f := newFixture()
	if _, err := post(f, "", "hello"); apperr.HTTPStatus(err) != 401 {
		t.Errorf("err = %v", err)
	}
}

type fnScorer func(ctx context.Context) (float64, error)

func (f fnScorer) Score(ctx context.Context, _ string) (float64, error) { return f(ctx) }

func TestPost_Scorer(t *testing.T) {
	tests := []struct {
		name   string
		scorer fnScorer
		want   int
	}{
		{"toxic", func(context.Context) (float64, error) { return 0.9, nil }, 400},
		{"at threshold", func(context.Context) (float64, error) { return 0.7, nil }, 200},
		{"error fails open", func(context.Context) (float64, error) { return 0, errors.New("503") }, 200},
		{"timeout fails open", func(ctx context.Context) (float64, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		}, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.svc.cfg.ScoreTimeout = 20 * time.Millisecond
			f.svc.SetScorer(tt.scorer)
			_, err := post(f, "u1", "hello")
			if got := apperr.HTTPStatus(err); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPost_PersistFailure(t *testing.T) {
	f := newFixture()
	f.messages.err = errors.New("db down")
	_, err := post(f, "u1", "hello")
	if apperr.HTTPStatus(err) != 500 {
		t.Errorf("status = %d", apperr.HTTPStatus(err))
	}
	if len(f.bus.types()) != 0 {
		t.Error("broadcast after persistence failure")
	}
}

func TestReport_FlagThreshold(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m, _ := post(f, "poster", "hello")

	for i, reporter := range []string{"r1", "r2"} {
		res, err := f.svc.Report(ctx, reporter, m.ID, ReportRequest{Reason: "spam"})
		if err != nil {
			t.Fatal(err)
		}
		if res.Flagged || res.ReportCount != i+1 {
			t.Fatalf("after %d reports: %+v", i+1, res)
		}
	}

	res, _ := f.svc.Report(ctx, "r3", m.ID, ReportRequest{Reason: "harassment"})
	if !res.Flagged || res.ReportCount != 3 {
		t.Fatalf("third report: %+v", res)
	}

	res, _ = f.svc.Report(ctx, "r4", m.ID, ReportRequest{Reason: "something else"})
	if !res.Flagged {
		t.Error("flag reverted")
	}

	flaggedEvents := 0
	for _, typ := range f.bus.types() {
		if typ == protocol.TypeAnonymousFlagged {
			flaggedEvents++
		}
	}
	if flaggedEvents != 1 {
		t.Errorf("anonymous-flagged broadcast %d times, want 1", flaggedEvents)
	}

	recent, _ := f.svc.Recent(ctx, 0)
	if len(recent) != 1 || !recent[0].Flagged {
		t.Errorf("recent = %+v", recent)
	}
}

func TestReport_SameReporterCountsOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m, _ := post(f, "poster", "hello")

	for i := 0; i < 3; i++ {
		f.svc.Report(ctx, "r1", m.ID, ReportRequest{Reason: "spam"})
	}
	res, _ := f.svc.Report(ctx, "r1", m.ID, ReportRequest{Reason: "spam"})
	if res.ReportCount != 1 || res.Flagged || res.Counted {
		t.Errorf("result = %+v", res)
	}
}

func TestReport_Errors(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m, _ := post(f, "poster", "hello")

	if _, err := f.svc.Report(ctx, "r1", m.ID, ReportRequest{Reason: " a "}); apperr.HTTPStatus(err) != 400 {
		t.Errorf("short reason: %v", err)
	}
	if _, err := f.svc.Report(ctx, "r1", 999, ReportRequest{Reason: "spam"}); apperr.HTTPStatus(err) != 404 {
		t.Errorf("unknown message: %v", err)
	}
	if _, err := f.svc.Report(ctx, "", m.ID, ReportRequest{Reason: "spam"}); apperr.HTTPStatus(err) != 401 {
		t.Errorf("anonymous reporter: %v", err)
	}
}

func TestModerate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	admin := auth.Identity{UserID: "admin", Role: auth.RoleAdmin}

	if _, err := f.svc.Moderate(ctx, auth.Identity{UserID: "u2"}, ActionBan, "u1", 0, ""); apperr.HTTPStatus(err) != 403 {
		t.Errorf("non-admin: %v", err)
	}
	st, err := f.svc.Moderate(ctx, admin, ActionMute, "u1", time.Hour, "flooding")
	if err != nil || !st.Muted {
		t.Fatalf("mute = %+v, %v", st, err)
	}
	if _, err := post(f, "u1", "hello"); apperr.HTTPStatus(err) != 403 {
		t.Errorf("muted post: %v", err)
	}
	st, _ = f.svc.Moderate(ctx, admin, ActionUnmute, "u1", 0, "")
	if st.Muted {
		t.Error("still muted")
	}
	if _, err := post(f, "u1", "hello"); err != nil {
		t.Errorf("unmuted post: %v", err)
	}
	if _, err := f.svc.Moderate(ctx, admin, Action("shadowban"), "u1", 0, ""); apperr.HTTPStatus(err) != 400 {
		t.Errorf("unknown action: %v", err)
	}
}

func TestMessageJSONHidesPoster(t *testing.T) {
	b, _ := json.Marshal(Message{ID: 1, GuestID: "g", PosterUserID: "secret", Content: "x"})
	if strings.Contains(string(b), "secret") {
		t.Errorf("json = %s", b)
	}
}
