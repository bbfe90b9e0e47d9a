package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultTokenTTL = 24 * time.Hour
	tokenBytes      = 32

	authBearer = "bearer_token"
	authBasic  = "basic_auth"
	authOpen   = "open"
)

// Credentials is the dashboard's basic-auth seed account. A zero value
// disables authentication entirely.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) configured() bool {
	return c.Username != ""
}

func (c Credentials) match(username, password string) bool {
	if !c.configured() {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(c.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(c.Password)) == 1
	return userOK && passOK
}

type tokenInfo struct {
	userID    string
	expiresAt time.Time
	lastUsed  time.Time
}

// TokenStore issues and validates dashboard bearer tokens. Tokens live in
// memory only; a restart invalidates every outstanding token.
type TokenStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	tokens map[string]*tokenInfo
}

// NewTokenStore builds a store whose tokens expire after ttl. A
// non-positive ttl reads 24 hours.
func NewTokenStore(ttl time.Duration) *TokenStore {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenStore{ttl: ttl, tokens: make(map[string]*tokenInfo)}
}

// Issue mints a fresh token for userID and returns it with its expiry.
func (ts *TokenStore) Issue(userID string) (string, time.Time) {
	token := newToken()
	expires := time.Now().Add(ts.ttl)

	ts.mu.Lock()
	ts.tokens[token] = &tokenInfo{userID: userID, expiresAt: expires, lastUsed: time.Now()}
	ts.mu.Unlock()
	return token, expires
}

// Validate resolves a token to its user. Expired tokens are dropped on
// contact.
func (ts *TokenStore) Validate(token string) (string, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	info, ok := ts.tokens[token]
	if !ok {
		return "", false
	}
	now := time.Now()
	if now.After(info.expiresAt) {
		delete(ts.tokens, token)
		return "", false
	}
	info.lastUsed = now
	return info.userID, true
}

// Revoke removes a token, reporting whether it existed.
func (ts *TokenStore) Revoke(token string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, ok := ts.tokens[token]; !ok {
		return false
	}
	delete(ts.tokens, token)
	return true
}

func newToken() string {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("server: read random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

type authUser struct {
	ID     string
	Method string
}

type ctxKey int

const userContextKey ctxKey = 0

func withUser(ctx context.Context, u authUser) context.Context {
	return context.WithValue(ctx, userContextKey, u)
}

func userFrom(ctx context.Context) authUser {
	if u, ok := ctx.Value(userContextKey).(authUser); ok {
		return u
	}
	return authUser{ID: "anonymous", Method: authOpen}
}

// identify resolves the caller from a bearer token or basic credentials.
func (s *Server) identify(r *http.Request) (authUser, bool) {
	if token, ok := bearerToken(r); ok {
		if userID, valid := s.tokens.Validate(token); valid {
			return authUser{ID: userID, Method: authBearer}, true
		}
	}
	if username, password, ok := r.BasicAuth(); ok && s.cfg.Credentials.match(username, password) {
		return authUser{ID: username, Method: authBasic}, true
	}
	return authUser{}, false
}

// requireAuth gates a route behind the token store or the basic seed. With
// no credentials configured every caller passes as anonymous.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.Credentials.configured() {
			next.ServeHTTP(w, r.WithContext(withUser(r.Context(), authUser{ID: "anonymous", Method: authOpen})))
			return
		}
		if u, ok := s.identify(r); ok {
			next.ServeHTTP(w, r.WithContext(withUser(r.Context(), u)))
			return
		}
		w.Header().Set("WWW-Authenticate", `Bearer realm="dashboard"`)
		s.respondError(w, http.StatusUnauthorized, "authentication required")
	})
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):], true
	}
	return "", false
}
