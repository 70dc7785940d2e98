package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"invalid", InvalidArg("bad"), http.StatusBadRequest},
		{"not found", NotFound("missing"), http.StatusNotFound},
		{"forbidden", Forbidden("no"), http.StatusForbidden},
		{"unauthenticated", Unauthenticated("who"), http.StatusUnauthorized},
		{"rate limited", RateLimited("slow down"), http.StatusTooManyRequests},
		{"unavailable", Unavailable("down", errors.New("dial")), http.StatusServiceUnavailable},
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("delivery: send: %w", Forbidden("no")), http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestPublicMessage_HidesCause(t *testing.T) {
	err := Internal("could not save message", errors.New("pq: connection refused"))
	if got := PublicMessage(err); got != "could not save message" {
		t.Errorf("PublicMessage = %q", got)
	}
	if got := PublicMessage(errors.New("pq: secret")); got != "internal error" {
		t.Errorf("PublicMessage(plain) = %q", got)
	}
	if !errors.Is(err, err.(*Error).Cause) {
		t.Error("expected Unwrap to expose the cause")
	}
}

func TestIs(t *testing.T) {
	if !Is(RateLimited("x"), CodeRateLimited) {
		t.Error("expected rate limited code")
	}
	if Is(nil, CodeInternal) {
		t.Error("nil error must not match any code")
	}
}
