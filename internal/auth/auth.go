// Package auth defines the authentication boundary: something that turns a
// connect-time credential into a verified numeric user id. The real identity
// service lives elsewhere; this package ships only the boundary and a static
// implementation for tests and single-node development.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var ErrInvalidToken = errors.New("invalid token")

type Authenticator interface {
	// Authenticate returns the verified user id for the credential, or
	// ErrInvalidToken.
	Authenticate(ctx context.Context, token string) (int64, error)
}

// StaticTokens is a fixed token to user-id map.
type StaticTokens map[string]int64

func (s StaticTokens) Authenticate(_ context.Context, token string) (int64, error) {
	userID, ok := s[token]
	if !ok {
		return 0, ErrInvalidToken
	}
	return userID, nil
}

// TokenFromRequest extracts the credential from an upgrade request: the
// Authorization bearer header, or the token query parameter for browser
// WebSocket clients that cannot set headers.
func TokenFromRequest(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok && token != "" {
			return token, true
		}
		return "", false
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}
