// Package auth guards the mutating admin endpoints with a bearer token
// whose bcrypt hash is kept in config.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrNoToken = errors.New("admin token not configured")

// NewToken returns a random URL-safe token.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func HashToken(token string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	return string(b), err
}

type Guard struct {
	hash []byte
}

// NewGuard accepts a bcrypt hash. An empty hash rejects every request.
func NewGuard(hash string) *Guard {
	return &Guard{hash: []byte(hash)}
}

func (g *Guard) Check(token string) error {
	if len(g.hash) == 0 {
		return ErrNoToken
	}
	return bcrypt.CompareHashAndPassword(g.hash, []byte(token))
}

func (g *Guard) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearer(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="slotwatch"`)
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if err := g.Check(token); err != nil {
			if errors.Is(err, ErrNoToken) {
				http.Error(w, err.Error(), http.StatusForbidden)
				return
			}
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}
