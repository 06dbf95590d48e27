// handler.go -- AuthHandler and the store interfaces it consumes.
package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/tupalle/idlink/internal/store"
)

// AccountStore defines the account lookups and writes used while linking.
// Satisfied by store.Tx -- defined here (at consumer) per Go convention.
type AccountStore interface {
	FindAccountByID(ctx context.Context, id uuid.UUID) (*store.Account, error)
	FindAccountByUsername(ctx context.Context, username string) (*store.Account, error)
	FindAccountByEmail(ctx context.Context, email string) (*store.Account, error)

	// SaveAccount upserts by ID. Returns store.ErrConflict on a taken username or email.
	SaveAccount(ctx context.Context, a *store.Account) error
}

// LinkStore defines provider-link operations.
// Satisfied by store.Tx.
type LinkStore interface {
	FindLinkByProviderAndSubject(ctx context.Context, provider, subject string) (*store.ProviderLink, error)
	FindLinksByAccountID(ctx context.Context, accountID uuid.UUID) ([]*store.ProviderLink, error)

	// SaveLink upserts by ID. Returns store.ErrConflict on a duplicate (provider, subject).
	SaveLink(ctx context.Context, l *store.ProviderLink) error
}

// IdentityStore runs account and link work atomically.
// Satisfied by *store.PostgresStore and testutil.MemIdentityStore.
type IdentityStore interface {
	// RunInTx commits fn's writes together or not at all.
	RunInTx(ctx context.Context, fn func(tx store.Tx) error) error

	// Queries returns non-transactional read access.
	Queries() store.Tx
}

// SessionStore defines session operations.
// Satisfied by *store.RedisStore.
type SessionStore interface {
	// CreateSession stores sc for ttl and returns the opaque client handle.
	CreateSession(ctx context.Context, sc store.SessionContext, ttl time.Duration) (string, error)

	// GetSession returns store.ErrNotFound for unknown or expired handles.
	GetSession(ctx context.Context, handle string) (*store.SessionContext, error)

	// InvalidateSession is a no-op for unknown handles.
	InvalidateSession(ctx context.Context, handle string) error
}

var (
	_ AccountStore = store.Tx(nil)
	_ LinkStore    = store.Tx(nil)
)

// HealthChecker pings one backing service.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Authenticator runs the Google callback flow.
// Satisfied by *CallbackService.
type Authenticator interface {
	Handle(ctx context.Context, req CallbackRequest) (Outcome, *IssuedSession)
}

// AuthHandler holds dependencies for all /auth/* HTTP handlers and middleware.
type AuthHandler struct {
	Callback   Authenticator
	Identities IdentityStore
	Sessions   SessionStore
	Cookie     CookieConfig

	// Pinged by GET /health.
	DB    HealthChecker
	Cache HealthChecker
}

// Me handles GET /auth/me -- returns the session's username, roles and linked providers.
// Requires RequireAuth upstream.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	var ls LinkStore = h.Identities.Queries()
	links, err := ls.FindLinksByAccountID(r.Context(), sess.AccountID)
	if err != nil {
		logError(r, "failed to list provider links", "error", err, "account_id", sess.AccountID)
		InternalServerError(w, r, err)
		return
	}

	providers := []string{}
	seen := map[string]bool{}
	for _, l := range links {
		if !seen[l.Provider] {
			seen[l.Provider] = true
			providers = append(providers, l.Provider)
		}
	}

	writeJSON(w, http.StatusOK, struct {
		AccountID string   `json:"account_id"`
		Username  string   `json:"username"`
		Roles     []string `json:"roles"`
		Providers []string `json:"providers"`
	}{sess.AccountID.String(), sess.Username, sess.Roles, providers})
}

// Logout handles POST /auth/logout -- invalidates the current session and clears the cookie.
// Requires RequireAuth and CSRFMiddleware upstream.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	handle, ok := SessionHandleFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	if err := h.Sessions.InvalidateSession(r.Context(), handle); err != nil {
		logError(r, "failed to invalidate session", "error", err)
		InternalServerError(w, r, err)
		return
	}

	ClearSessionCookie(w, h.Cookie)
	if sess, ok := SessionFromContext(r.Context()); ok {
		logInfo(r, "user logged out", "account_id", sess.AccountID)
	}
	OK(w, "logged out")
}
