// Package auth verifies the bearer credentials issued by the accounts
// service. Tokens are never issued here; Sign exists for tests and tooling.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin is the role claim that unlocks moderation endpoints.
const RoleAdmin = "admin"

var (
	ErrMissingToken = errors.New("auth: missing token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims is the JWT payload the accounts service issues.
type Claims struct {
	UserID string `json:"id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the authenticated principal bound to a request or connection.
type Identity struct {
	UserID string
	Role   string
}

func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// Verifier validates HMAC-signed tokens.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses the token and returns the identity it carries. Expired,
// malformed, or non-HMAC tokens all fail with ErrInvalidToken.
func (v *Verifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.UserID == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: claims.UserID, Role: claims.Role}, nil
}

// Sign issues a token for the given identity. Only tests and the dev tooling
// call this.
func (v *Verifier) Sign(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: id.UserID,
		Role:   id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// falling back to the "token" query parameter used by browser WebSocket
// clients that cannot set headers.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Peek reads the identity from a token without checking its signature.
// Clients use it to learn which user room to join; servers must Verify.
func Peek(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: claims.UserID, Role: claims.Role}, nil
}
