package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Scorer rates text toxicity in [0,1]. Callers bound the call with a context
// deadline and treat any error as a score of zero.
type Scorer interface {
	Score(ctx context.Context, text string) (float64, error)
}

// HTTPScorer calls a hosted text-classification model that answers with
// [{"label":..,"score":..}] or [[{"label":..,"score":..}]].
type HTTPScorer struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPScorer returns a scorer for the model at url. An empty token
// disables scoring: Score returns 0 without a request.
func NewHTTPScorer(url, token string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

type labelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

func (s *HTTPScorer) Score(ctx context.Context, text string) (float64, error) {
	if s.token == "" {
		return 0, nil
	}

	body, err := json.Marshal(map[string]string{"inputs": text})
	if err != nil {
		return 0, fmt.Errorf("moderation: marshal score request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("moderation: build score request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("moderation: score request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return 0, fmt.Errorf("moderation: scorer returned %s", resp.Status)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("moderation: read score response: %w", err)
	}
	return parseScores(raw)
}

// parseScores returns the highest score in either response shape.
func parseScores(raw []byte) (float64, error) {
	var flat []labelScore
	if err := json.Unmarshal(raw, &flat); err == nil && len(flat) > 0 {
		return maxScore(flat), nil
	}
	var nested [][]labelScore
	if err := json.Unmarshal(raw, &nested); err == nil && len(nested) > 0 && len(nested[0]) > 0 {
		return maxScore(nested[0]), nil
	}
	return 0, errors.New("moderation: unrecognized score response")
}

func maxScore(scores []labelScore) float64 {
	best := 0.0
	for _, s := range scores {
		if s.Score > best {
			best = s.Score
		}
	}
	return best
}

// Requester is the request/reply transport NATSScorer sends through.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// NATSScorer delegates scoring to the moderator worker over request/reply.
type NATSScorer struct {
	transport Requester
	subject   string
}

func NewNATSScorer(transport Requester, subject string) *NATSScorer {
	return &NATSScorer{transport: transport, subject: subject}
}

func (s *NATSScorer) Score(ctx context.Context, text string) (float64, error) {
	data, err := json.Marshal(ScoreRequest{Text: text})
	if err != nil {
		return 0, fmt.Errorf("moderation: marshal score request: %w", err)
	}
	reply, err := s.transport.Request(ctx, s.subject, data)
	if err != nil {
		return 0, fmt.Errorf("moderation: score request: %w", err)
	}
	var res ScoreResult
	if err := json.Unmarshal(reply, &res); err != nil {
		return 0, fmt.Errorf("moderation: decode score reply: %w", err)
	}
	if res.Error != "" {
		return 0, fmt.Errorf("moderation: worker: %s", res.Error)
	}
	if res.Blocked {
		return 1, nil
	}
	return res.Score, nil
}

// Evaluate runs the worker-side check: the wordlist first, then the scorer.
// A scorer failure is reported in Error with a zero score.
func Evaluate(ctx context.Context, f *Filter, scorer Scorer, text string) ScoreResult {
	if r := f.Check(text); r.Blocked {
		return ScoreResult{Score: 1, Blocked: true, Term: r.Term}
	}
	if scorer == nil {
		return ScoreResult{}
	}
	score, err := scorer.Score(ctx, text)
	if err != nil {
		return ScoreResult{Error: err.Error()}
	}
	return ScoreResult{Score: score}
}
