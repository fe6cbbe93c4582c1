package storefront

import (
	"context"
	"errors"
	"net/http"
	"sync"
)

// ErrUnauthenticated is returned for user-scoped calls without a session.
var ErrUnauthenticated = errors.New("storefront: not signed in")

// AuthProvider supplies request headers for the current session.
type AuthProvider interface {
	Header(ctx context.Context) (http.Header, error)
}

// TokenAuth is a bearer-token session.
type TokenAuth struct {
	mu     sync.RWMutex
	token  string
	userID string
}

// NewTokenAuth creates a session. An empty token means signed out.
func NewTokenAuth(token, userID string) *TokenAuth {
	return &TokenAuth{token: token, userID: userID}
}

func (a *TokenAuth) Header(context.Context) (http.Header, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.token == "" {
		return nil, ErrUnauthenticated
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+a.token)
	return h, nil
}

// SignIn replaces the session.
func (a *TokenAuth) SignIn(token, userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token, a.userID = token, userID
}

// SignOut drops the session.
func (a *TokenAuth) SignOut() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token, a.userID = "", ""
}

// UserID returns the signed-in user, or "" when signed out.
func (a *TokenAuth) UserID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.userID
}
