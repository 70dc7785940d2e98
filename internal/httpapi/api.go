// Package httpapi serves the REST endpoints under /api. Handlers decode the
// request, call a service with the caller's identity and encode the result;
// authorization and validation live in the services.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/campuslink/chat-app/internal/anonymous"
	"github.com/campuslink/chat-app/internal/apperr"
	"github.com/campuslink/chat-app/internal/auth"
	"github.com/campuslink/chat-app/internal/ban"
	"github.com/campuslink/chat-app/internal/conversation"
	"github.com/campuslink/chat-app/internal/delivery"
	"github.com/campuslink/chat-app/internal/message"
)

const maxBodyBytes = 64 << 10

// Verifier validates bearer tokens. *auth.Verifier satisfies it.
type Verifier interface {
	Verify(token string) (auth.Identity, error)
}

// DirectService is the direct message pipeline. *delivery.Service
// satisfies it.
type DirectService interface {
	Send(ctx context.Context, authID string, req delivery.SendRequest) (message.DirectMessage, error)
	MarkSeen(ctx context.Context, authID string, id int64) (message.DirectMessage, error)
	History(ctx context.Context, authID, user1, user2 string, limit int) ([]message.DirectMessage, error)
	Unseen(ctx context.Context, authID, userID string) ([]message.DirectMessage, error)
	Conversations(ctx context.Context, authID string) ([]conversation.Summary, error)
}

// RoomService is the anonymous room pipeline. *anonymous.Service
// satisfies it.
type RoomService interface {
	Post(ctx context.Context, posterID string, req anonymous.PostRequest) (anonymous.Message, error)
	Recent(ctx context.Context, limit int) ([]anonymous.Message, error)
	Report(ctx context.Context, reporterID string, messageID int64, req anonymous.ReportRequest) (anonymous.ReportResult, error)
	Moderate(ctx context.Context, actor auth.Identity, action anonymous.Action, userID string, duration time.Duration, reason string) (ban.State, error)
}

// API holds the handler dependencies.
type API struct {
	verifier Verifier
	direct   DirectService
	room     RoomService
}

func New(verifier Verifier, direct DirectService, room RoomService) *API {
	return &API{verifier: verifier, direct: direct, room: room}
}

// Register mounts the endpoints on r, which is expected to be the /api
// subrouter.
func (a *API) Register(r *mux.Router) {
	r.Use(a.authenticate)

	r.HandleFunc("/messages/send", a.requireAuth(a.sendMessage)).Methods(http.MethodPost)
	r.HandleFunc("/messages/history/{user1Id}/{user2Id}", a.requireAuth(a.history)).Methods(http.MethodGet)
	r.HandleFunc("/messages/seen/{messageId:[0-9]+}", a.requireAuth(a.markSeen)).Methods(http.MethodPut)
	r.HandleFunc("/messages/unseen/{userId}", a.requireAuth(a.unseen)).Methods(http.MethodGet)
	r.HandleFunc("/messages/conversations", a.requireAuth(a.conversations)).Methods(http.MethodGet)

	r.HandleFunc("/anonymous-messages", a.recentAnonymous).Methods(http.MethodGet)
	r.HandleFunc("/anonymous-messages", a.requireAuth(a.postAnonymous)).Methods(http.MethodPost)
	r.HandleFunc("/anonymous-messages/{id:[0-9]+}/report", a.requireAuth(a.report)).Methods(http.MethodPost)

	r.HandleFunc("/moderation/{action}/{userId}", a.requireAuth(a.moderate)).Methods(http.MethodPost)
}

// ---------------------------------------------------------------------------
// Identity
// ---------------------------------------------------------------------------

type identityKey struct{}

// authenticate binds the bearer identity to the request. A request without
// a token continues anonymously; an invalid token is refused.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := auth.TokenFromRequest(r)
		if tok == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := a.verifier.Verify(tok)
		if err != nil {
			writeError(w, apperr.Unauthenticated("invalid or expired token"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if identity(r).UserID == "" {
			writeError(w, apperr.Unauthenticated("authentication required"))
			return
		}
		next(w, r)
	}
}

func identity(r *http.Request) auth.Identity {
	id, _ := r.Context().Value(identityKey{}).(auth.Identity)
	return id
}

// ---------------------------------------------------------------------------
// Direct messages
// ---------------------------------------------------------------------------

func (a *API) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req delivery.SendRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := a.direct.Send(r.Context(), identity(r).UserID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) history(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	vars := mux.Vars(r)
	msgs, err := a.direct.History(r.Context(), identity(r).UserID, vars["user1Id"], vars["user2Id"], limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *API) markSeen(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["messageId"], 10, 64)
	if err != nil {
		writeError(w, apperr.InvalidArg("invalid message id"))
		return
	}
	m, err := a.direct.MarkSeen(r.Context(), identity(r).UserID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) unseen(w http.ResponseWriter, r *http.Request) {
	msgs, err := a.direct.Unseen(r.Context(), identity(r).UserID, mux.Vars(r)["userId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *API) conversations(w http.ResponseWriter, r *http.Request) {
	list, err := a.direct.Conversations(r.Context(), identity(r).UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// ---------------------------------------------------------------------------
// Anonymous room
// ---------------------------------------------------------------------------

func (a *API) recentAnonymous(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := a.room.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *API) postAnonymous(w http.ResponseWriter, r *http.Request) {
	var req anonymous.PostRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := a.room.Post(r.Context(), identity(r).UserID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) report(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, apperr.InvalidArg("invalid message id"))
		return
	}
	var req anonymous.ReportRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := a.room.Report(r.Context(), identity(r).UserID, id, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type moderateRequest struct {
	DurationSeconds int64  `json:"durationSeconds"`
	Reason          string `json:"reason"`
}

func (a *API) moderate(w http.ResponseWriter, r *http.Request) {
	var req moderateRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	vars := mux.Vars(r)
	state, err := a.room.Moderate(r.Context(), identity(r), anonymous.Action(vars["action"]), vars["userId"],
		time.Duration(req.DurationSeconds)*time.Second, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Printf("[http] %v", err)
	}
	writeJSON(w, status, errorBody{
		Error:  apperr.PublicMessage(err),
		Code:   string(apperr.CodeOf(err)),
		Reason: anonymous.RejectionReason(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.InvalidArg("request body is required")
		}
		return apperr.InvalidArg("invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, apperr.InvalidArg(name + " must be a non-negative integer")
	}
	return n, nil
}
