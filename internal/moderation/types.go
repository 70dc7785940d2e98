package moderation

// ScoreRequest is sent on moderation.check by servers that delegate
// toxicity scoring to the moderator worker.
type ScoreRequest struct {
	Text string `json:"text"`
}

// ScoreResult is the worker's reply. Score is in [0,1]; Blocked is set when
// the worker's own wordlist matched. Error is non-empty when the worker
// could not score the text.
type ScoreResult struct {
	Score   float64 `json:"score"`
	Blocked bool    `json:"blocked,omitempty"`
	Term    string  `json:"term,omitempty"`
	Error   string  `json:"error,omitempty"`
}
