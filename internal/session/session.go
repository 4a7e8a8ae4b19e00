// Package session holds the shared upstream session (cookies plus CSRF
// token) and refreshes it under single-flight.
package session

import (
	"context"
	"net/http"
	"time"
)

// CSRFHeader carries the token on every upstream request.
const CSRFHeader = "X-Csrf-Token"

type Session struct {
	Token      string
	Cookies    []*http.Cookie
	AcquiredAt time.Time

	// Generation increases on every acquire or refresh. Callers pass the
	// generation they saw fail to Manager.Refresh.
	Generation uint64
}

// Apply attaches the session cookies and CSRF token to req.
func (s Session) Apply(req *http.Request) {
	for _, c := range s.Cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	if s.Token != "" {
		req.Header.Set(CSRFHeader, s.Token)
	}
}

// Provider obtains sessions. How it does so is opaque to callers.
type Provider interface {
	Acquire(ctx context.Context) (Session, error)
	Refresh(ctx context.Context) (Session, error)
}

// Cache persists a session across restarts.
type Cache interface {
	Load(ctx context.Context) (Session, bool, error)
	Save(ctx context.Context, s Session) error
}
