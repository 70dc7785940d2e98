package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/campuslink/chat-app/internal/anonymous"
	"github.com/campuslink/chat-app/internal/conversation"
	"github.com/campuslink/chat-app/internal/delivery"
	"github.com/campuslink/chat-app/internal/message"
)

// APIError is a non-2xx response from the REST API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"error"`
	Reason  string `json:"reason,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
}

// API calls the REST endpoints under /api with a bearer credential.
type API struct {
	base  string
	token string
	hc    *http.Client
}

// NewAPI returns a client for baseURL (scheme and host, no /api suffix). A
// nil hc uses a client with a 10s timeout.
func NewAPI(baseURL, token string, hc *http.Client) *API {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &API{base: strings.TrimRight(baseURL, "/"), token: token, hc: hc}
}

// SendMessage persists a direct message.
func (a *API) SendMessage(ctx context.Context, req delivery.SendRequest) (message.DirectMessage, error) {
	var m message.DirectMessage
	err := a.do(ctx, http.MethodPost, "/api/messages/send", req, &m)
	return m, err
}

// History returns the conversation between user1 and user2, oldest first.
func (a *API) History(ctx context.Context, user1, user2 string) ([]message.DirectMessage, error) {
	var msgs []message.DirectMessage
	p := "/api/messages/history/" + url.PathEscape(user1) + "/" + url.PathEscape(user2)
	err := a.do(ctx, http.MethodGet, p, nil, &msgs)
	return msgs, err
}

// MarkSeen marks a received message seen.
func (a *API) MarkSeen(ctx context.Context, id int64) error {
	return a.do(ctx, http.MethodPut, "/api/messages/seen/"+strconv.FormatInt(id, 10), nil, nil)
}

// Unseen returns the unseen messages addressed to userID.
func (a *API) Unseen(ctx context.Context, userID string) ([]message.DirectMessage, error) {
	var msgs []message.DirectMessage
	err := a.do(ctx, http.MethodGet, "/api/messages/unseen/"+url.PathEscape(userID), nil, &msgs)
	return msgs, err
}

// Conversations returns the caller's conversation summaries.
func (a *API) Conversations(ctx context.Context) ([]conversation.Summary, error) {
	var out []conversation.Summary
	err := a.do(ctx, http.MethodGet, "/api/messages/conversations", nil, &out)
	return out, err
}

// AnonymousMessages returns recent anonymous room posts.
func (a *API) AnonymousMessages(ctx context.Context) ([]anonymous.Message, error) {
	var out []anonymous.Message
	err := a.do(ctx, http.MethodGet, "/api/anonymous-messages", nil, &out)
	return out, err
}

// PostAnonymous posts to the anonymous room.
func (a *API) PostAnonymous(ctx context.Context, req anonymous.PostRequest) (anonymous.Message, error) {
	var m anonymous.Message
	err := a.do(ctx, http.MethodPost, "/api/anonymous-messages", req, &m)
	return m, err
}

// Report reports an anonymous room post.
func (a *API) Report(ctx context.Context, id int64, req anonymous.ReportRequest) (anonymous.ReportResult, error) {
	var res anonymous.ReportResult
	p := "/api/anonymous-messages/" + strconv.FormatInt(id, 10) + "/report"
	err := a.do(ctx, http.MethodPost, p, req, &res)
	return res, err
}

func (a *API) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, body)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.hc.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(apiErr); err != nil {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s %s: %w", method, path, err)
	}
	return nil
}
