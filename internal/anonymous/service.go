package anonymous

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/campuslink/chat-app/internal/apperr"
	"github.com/campuslink/chat-app/internal/auth"
	"github.com/campuslink/chat-app/internal/ban"
	"github.com/campuslink/chat-app/internal/metrics"
	"github.com/campuslink/chat-app/internal/moderation"
	"github.com/campuslink/chat-app/internal/protocol"
	"github.com/campuslink/chat-app/internal/ratelimit"
	"github.com/campuslink/chat-app/internal/report"
)

// MessageStore persists room posts. *Store satisfies it.
type MessageStore interface {
	Create(ctx context.Context, m Message) (Message, error)
	Get(ctx context.Context, id int64) (Message, error)
	Recent(ctx context.Context, limit int) ([]Message, error)
	Flag(ctx context.Context, id int64) (bool, error)
}

// ReportStore persists reports. *report.Store satisfies it.
type ReportStore interface {
	Create(ctx context.Context, r *report.Report) (bool, error)
	Count(ctx context.Context, messageID int64) (int, error)
}

// StateStore holds per-account moderation state. *ban.Store satisfies it.
type StateStore interface {
	State(ctx context.Context, userID string) (ban.State, error)
	Ban(ctx context.Context, userID string, duration time.Duration, reason string) error
	Unban(ctx context.Context, userID string) error
	Mute(ctx context.Context, userID string, duration time.Duration, reason string) error
	Unmute(ctx context.Context, userID string) error
}

// RateLimiter caps posts per identity. Both ratelimit.SlidingWindow and
// ratelimit.LocalWindow satisfy it. A reserved hit is released unless the
// post is persisted, so only accepted posts count against the cap.
type RateLimiter interface {
	Reserve(ctx context.Context, identity string) (ratelimit.Release, bool, error)
}

// Broadcaster multicasts a server event to a named room.
type Broadcaster interface {
	Broadcast(room string, data []byte)
}

// Config tunes the moderation pipeline.
type Config struct {
	MaxLength         int           // runes, after trimming
	MaxGuestIDLength  int           // runes
	FlagThreshold     int           // reports needed to flag a post
	RecentLimit       int           // default page for Recent
	ScoreTimeout      time.Duration // bound on the external scorer
	ToxicityThreshold float64       // scores above this are rejected
}

// DefaultConfig returns the room defaults: 500 runes, flagged at 3 reports,
// scorer bounded at 8s and rejecting above 0.7.
func DefaultConfig() Config {
	return Config{
		MaxLength:         500,
		MaxGuestIDLength:  64,
		FlagThreshold:     3,
		RecentLimit:       100,
		ScoreTimeout:      8 * time.Second,
		ToxicityThreshold: 0.7,
	}
}

// Rejection reasons, used as the push error code and metric label.
const (
	RejectBanned      = "banned"
	RejectMuted       = "muted"
	RejectRateLimited = "rate_limited"
	RejectInvalid     = "invalid"
	RejectToxic       = "toxic"
	RejectUnavailable = "unavailable"
)

// Service runs the anonymous room: the acceptance pipeline for posts,
// community reports and the administrative state changes.
type Service struct {
	cfg      Config
	messages MessageStore
	reports  ReportStore
	states   StateStore
	limiter  RateLimiter
	filter   *moderation.Filter
	scorer   moderation.Scorer
	bus      Broadcaster
}

func NewService(cfg Config, messages MessageStore, reports ReportStore, states StateStore,
	limiter RateLimiter, filter *moderation.Filter, bus Broadcaster) *Service {
	return &Service{
		cfg:      cfg,
		messages: messages,
		reports:  reports,
		states:   states,
		limiter:  limiter,
		filter:   filter,
		bus:      bus,
	}
}

// SetScorer enables the external toxicity check.
func (s *Service) SetScorer(scorer moderation.Scorer) {
	s.scorer = scorer
}

// PostRequest is a room post submission. Timestamp is accepted for
// compatibility and ignored; the server assigns the time.
type PostRequest struct {
	Content   string     `json:"content"`
	GuestID   string     `json:"guestId"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Rejection is the error returned when the pipeline refuses a post. Reason
// is one of the Reject* constants or a moderation filter reason.
type Rejection struct {
	Reason string
	Err    error
}

func (r *Rejection) Error() string { return r.Err.Error() }
func (r *Rejection) Unwrap() error { return r.Err }

func reject(reason string, err error) error {
	metrics.AnonymousRejected.WithLabelValues(reason).Inc()
	return &Rejection{Reason: reason, Err: err}
}

// RejectionReason returns the pipeline reason carried by err, or "".
func RejectionReason(err error) string {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Reason
	}
	return ""
}

// Post runs the acceptance pipeline for posterID, stopping at the first
// failing step: moderation state, rate limit, content checks, content
// filter, then persistence and broadcast.
func (s *Service) Post(ctx context.Context, posterID string, req PostRequest) (Message, error) {
	if posterID == "" {
		return Message{}, apperr.Unauthenticated("authentication required to post")
	}

	state, err := s.states.State(ctx, posterID)
	if err != nil {
		log.Printf("[anon] moderation state lookup for %s failed: %v", posterID, err)
		return Message{}, reject(RejectUnavailable, apperr.Unavailable("moderation state unavailable", err))
	}
	if state.Banned {
		return Message{}, reject(RejectBanned, apperr.Forbidden("you are banned from the anonymous room"))
	}
	if state.Muted {
		return Message{}, reject(RejectMuted, apperr.Forbidden("you are muted in the anonymous room"))
	}

	release, allowed, err := s.limiter.Reserve(ctx, posterID)
	if err != nil {
		log.Printf("[anon] rate limiter error for %s: %v (allowing)", posterID, err)
	}
	if !allowed {
		return Message{}, reject(RejectRateLimited, apperr.RateLimited("too many messages, slow down"))
	}
	persisted := false
	defer func() {
		if !persisted && release != nil {
			release(context.WithoutCancel(ctx))
		}
	}()

	content := strings.TrimSpace(req.Content)
	guestID := strings.TrimSpace(req.GuestID)
	switch {
	case content == "":
		return Message{}, reject(RejectInvalid, apperr.InvalidArg("content must not be empty"))
	case !utf8.ValidString(content):
		return Message{}, reject(RejectInvalid, apperr.InvalidArg("content must be valid UTF-8"))
	case utf8.RuneCountInString(content) > s.cfg.MaxLength:
		return Message{}, reject(RejectInvalid, apperr.InvalidArg(fmt.Sprintf("content exceeds %d characters", s.cfg.MaxLength)))
	case guestID == "":
		return Message{}, reject(RejectInvalid, apperr.InvalidArg("guestId is required"))
	case utf8.RuneCountInString(guestID) > s.cfg.MaxGuestIDLength:
		return Message{}, reject(RejectInvalid, apperr.InvalidArg("guestId too long"))
	}

	if res := s.filter.Check(content); res.Blocked {
		log.Printf("[anon] blocked post from %s: %s (%s)", posterID, res.Reason, res.Term)
		return Message{}, reject(res.Reason, apperr.InvalidArg("message contains inappropriate content"))
	}
	if s.toxic(ctx, content) {
		return Message{}, reject(RejectToxic, apperr.InvalidArg("message contains inappropriate content"))
	}

	m, err := s.messages.Create(ctx, Message{
		GuestID:      guestID,
		PosterUserID: posterID,
		Content:      content,
	})
	if err != nil {
		log.Printf("[anon] persist post from %s failed: %v", posterID, err)
		return Message{}, apperr.Internal("failed to save message", err)
	}
	persisted = true
	metrics.MessagesTotal.WithLabelValues("anonymous").Inc()

	if data, err := protocol.NewServerMessage(protocol.TypeAnonymousMessage, m); err == nil {
		s.bus.Broadcast(protocol.AnonymousRoom, data)
	}
	return m, nil
}

// toxic consults the scorer within ScoreTimeout. Errors and timeouts count
// as not toxic.
func (s *Service) toxic(ctx context.Context, content string) bool {
	if s.scorer == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ScoreTimeout)
	defer cancel()

	start := time.Now()
	score, err := s.scorer.Score(ctx, content)
	metrics.ScoreLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		log.Printf("[anon] toxicity scorer failed, allowing: %v", err)
		return false
	}
	return score > s.cfg.ToxicityThreshold
}

// Recent returns the latest room posts, oldest first, with flagged derived
// from the report count.
func (s *Service) Recent(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 || limit > s.cfg.RecentLimit {
		limit = s.cfg.RecentLimit
	}
	msgs, err := s.messages.Recent(ctx, limit)
	if err != nil {
		return nil, apperr.Internal("failed to load messages", err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	for i := range msgs {
		msgs[i].Flagged = msgs[i].Flagged || msgs[i].ReportCount >= s.cfg.FlagThreshold
	}
	return msgs, nil
}

// ReportRequest is a report submission.
type ReportRequest struct {
	Reason          string `json:"reason"`
	ReportedGuestID string `json:"reportedGuestId"`
}

// ReportResult is the post's report state after a report.
type ReportResult struct {
	MessageID   int64 `json:"messageId"`
	ReportCount int   `json:"reportCount"`
	Flagged     bool  `json:"flagged"`
	Counted     bool  `json:"counted"`
}

// Report files reporterID's report against a post. A reporter counts once
// per post. When the count reaches the flag threshold the post is flagged
// for good and the room is told.
func (s *Service) Report(ctx context.Context, reporterID string, messageID int64, req ReportRequest) (ReportResult, error) {
	if reporterID == "" {
		return ReportResult{}, apperr.Unauthenticated("authentication required to report")
	}
	reason, err := report.NormalizeReason(req.Reason)
	if err != nil {
		return ReportResult{}, apperr.InvalidArg(fmt.Sprintf("reason must be at least %d characters", report.MinReasonLength))
	}

	m, err := s.messages.Get(ctx, messageID)
	if errors.Is(err, ErrNotFound) {
		return ReportResult{}, apperr.NotFound("message not found")
	}
	if err != nil {
		return ReportResult{}, apperr.Internal("failed to load message", err)
	}

	guestID := strings.TrimSpace(req.ReportedGuestID)
	if guestID == "" {
		guestID = m.GuestID
	}
	created, err := s.reports.Create(ctx, &report.Report{
		MessageID:       messageID,
		ReporterUserID:  reporterID,
		ReportedGuestID: guestID,
		Reason:          reason,
	})
	if err != nil {
		return ReportResult{}, apperr.Internal("failed to save report", err)
	}
	if created {
		metrics.ReportsTotal.Inc()
	}

	count, err := s.reports.Count(ctx, messageID)
	if err != nil {
		return ReportResult{}, apperr.Internal("failed to count reports", err)
	}

	flagged := m.Flagged
	if count >= s.cfg.FlagThreshold {
		flagged = true
		flipped, err := s.messages.Flag(ctx, messageID)
		if err != nil {
			log.Printf("[anon] flag message %d failed: %v", messageID, err)
		}
		if flipped {
			metrics.FlaggedTotal.Inc()
			log.Printf("[anon] message %d flagged after %d reports", messageID, count)
			if data, err := protocol.NewServerMessage(protocol.TypeAnonymousFlagged, protocol.AnonymousFlaggedMsg{
				MessageID:   messageID,
				ReportCount: count,
			}); err == nil {
				s.bus.Broadcast(protocol.AnonymousRoom, data)
			}
		}
	}

	return ReportResult{MessageID: messageID, ReportCount: count, Flagged: flagged, Counted: created}, nil
}

// Action is an administrative moderation action.
type Action string

const (
	ActionMute   Action = "mute"
	ActionUnmute Action = "unmute"
	ActionBan    Action = "ban"
	ActionUnban  Action = "unban"
)

// Moderate applies action to userID. Only admins may call it. A zero
// duration is permanent.
func (s *Service) Moderate(ctx context.Context, actor auth.Identity, action Action, userID string, duration time.Duration, reason string) (ban.State, error) {
	if !actor.IsAdmin() {
		return ban.State{}, apperr.Forbidden("admin role required")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ban.State{}, apperr.InvalidArg("userId is required")
	}
	if duration < 0 {
		return ban.State{}, apperr.InvalidArg("duration must not be negative")
	}

	var err error
	switch action {
	case ActionMute:
		err = s.states.Mute(ctx, userID, duration, reason)
	case ActionUnmute:
		err = s.states.Unmute(ctx, userID)
	case ActionBan:
		err = s.states.Ban(ctx, userID, duration, reason)
	case ActionUnban:
		err = s.states.Unban(ctx, userID)
	default:
		return ban.State{}, apperr.InvalidArg(fmt.Sprintf("unknown action %q", action))
	}
	if err != nil {
		return ban.State{}, apperr.Unavailable("moderation state unavailable", err)
	}
	log.Printf("[anon] %s applied %s to %s (duration=%s)", actor.UserID, action, userID, duration)

	state, err := s.states.State(ctx, userID)
	if err != nil {
		return ban.State{}, apperr.Unavailable("moderation state unavailable", err)
	}
	return state, nil
}
