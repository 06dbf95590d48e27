// session.go

// Session issuance and cookie management.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/tupalle/idlink/internal/store"
)

// ErrSessionIssueFailed means the session store could not invalidate the prior
// session or create the new one.
var ErrSessionIssueFailed = errors.New("session issue failed")

// CookieConfig controls the session cookie.
// With an empty Domain the cookie is host-only and uses the __Host- prefix.
type CookieConfig struct {
	Domain string
}

// Name returns the session cookie name. Browsers reject __Host- cookies that carry a Domain.
func (c CookieConfig) Name() string {
	if c.Domain == "" {
		return "__Host-session"
	}
	return "session"
}

// IssuedSession is what the client receives after a successful login.
type IssuedSession struct {
	Handle    string // cookie value
	CSRFToken string // base64url, echoed back in X-CSRF-Token
	ExpiresAt time.Time
}

// SessionIssuer creates sessions bound to an account and provider link.
type SessionIssuer struct {
	sessions SessionStore
	ttl      time.Duration
	now      func() time.Time
}

// NewSessionIssuer returns an issuer whose sessions live for ttl.
func NewSessionIssuer(sessions SessionStore, ttl time.Duration) *SessionIssuer {
	return &SessionIssuer{sessions: sessions, ttl: ttl, now: time.Now}
}

// Issue invalidates priorHandle (if any) and creates a fresh session.
// Always mints a new handle so a pre-login handle planted by an attacker never
// becomes authenticated.
func (i *SessionIssuer) Issue(ctx context.Context, priorHandle string, account *store.Account, link *store.ProviderLink) (*IssuedSession, error) {
	if priorHandle != "" {
		if err := i.sessions.InvalidateSession(ctx, priorHandle); err != nil {
			return nil, fmt.Errorf("%w: invalidating prior session: %w", ErrSessionIssueFailed, err)
		}
	}

	csrfToken, err := GenerateCSRFToken()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionIssueFailed, err)
	}

	issuedAt := i.now().UTC()
	sc := store.SessionContext{
		AccountID: account.ID,
		Username:  account.Username,
		Roles:     slices.Clone(account.Roles),
		CSRFToken: csrfToken[:],
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(i.ttl),
	}
	if link != nil {
		id := link.ID
		sc.ProviderLinkID = &id
	}

	handle, err := i.sessions.CreateSession(ctx, sc, i.ttl)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionIssueFailed, err)
	}
	return &IssuedSession{
		Handle:    handle,
		CSRFToken: base64.RawURLEncoding.EncodeToString(csrfToken[:]),
		ExpiresAt: sc.ExpiresAt,
	}, nil
}

// SetSessionCookie writes the session cookie with HttpOnly, Secure, SameSite=Lax.
func SetSessionCookie(w http.ResponseWriter, cfg CookieConfig, handle string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.Name(),
		Value:    handle,
		Path:     "/",
		Domain:   cfg.Domain,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
	})
}

// ClearSessionCookie overwrites the session cookie with MaxAge=-1 to trigger browser deletion.
func ClearSessionCookie(w http.ResponseWriter, cfg CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.Name(),
		Value:    "",
		Path:     "/",
		Domain:   cfg.Domain,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
