package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// TokenSource returns the bearer token that guards /status, /entities and
// /sync. config.APIToken backed by the secret store is the production
// source.
type TokenSource func() (string, error)

// StaticToken is a TokenSource that always returns tok.
func StaticToken(tok string) TokenSource {
	return func() (string, error) { return tok, nil }
}

// tokenCacheTTL bounds how long a token read from the secret store is
// trusted before it is read again, so a token replaced in the secret store
// takes effect on a running server.
const tokenCacheTTL = time.Minute

// cachedToken wraps src so the secret store is read at most once per ttl.
// A failed read keeps serving the last good token.
type cachedToken struct {
	src TokenSource
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	tok     string
	fetched time.Time
}

func newCachedToken(src TokenSource, ttl time.Duration) *cachedToken {
	return &cachedToken{src: src, ttl: ttl, now: time.Now}
}

func (c *cachedToken) get() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tok != "" && c.now().Sub(c.fetched) < c.ttl {
		return c.tok, nil
	}
	tok, err := c.src()
	if err != nil {
		if c.tok != "" {
			slog.Warn("re-reading API token failed, keeping the previous one", "error", err)
			return c.tok, nil
		}
		return "", err
	}
	c.tok, c.fetched = tok, c.now()
	return tok, nil
}

// requireToken rejects requests whose bearer token does not match the one
// held by tokens. An empty token never authenticates.
func requireToken(tokens *cachedToken) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			want, err := tokens.get()
			if err != nil {
				slog.Error("API token unavailable", "error", err)
				httpError(w, http.StatusServiceUnavailable, "api_error", "API token unavailable")
				return
			}
			got, ok := bearer(r)
			if !ok || want == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				slog.Debug("rejected management request", "path", r.URL.Path, "remote", r.RemoteAddr)
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearer(r *http.Request) (string, bool) {
	scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}
