// middleware.go

// Session authentication middleware.
package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tupalle/idlink/internal/store"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const sessionKey contextKey = "session"
const sessionHandleKey contextKey = "session_handle"

// SessionFromContext retrieves the authenticated session from context.
// Returns nil and false if RequireAuth hasn't run.
func SessionFromContext(ctx context.Context) (*store.SessionContext, bool) {
	sess, ok := ctx.Value(sessionKey).(*store.SessionContext)
	return sess, ok
}

// SessionHandleFromContext retrieves the raw session handle (cookie value) from context.
// Returns "" and false if RequireAuth hasn't run.
func SessionHandleFromContext(ctx context.Context) (string, bool) {
	handle, ok := ctx.Value(sessionHandleKey).(string)
	return handle, ok
}

// RequireAuth validates the session cookie against the session store.
// Injects the session and its handle into context on success; returns 401 on failure.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(h.Cookie.Name())
		if err != nil {
			logWarn(r, "require auth failed", "reason", "missing_session_cookie")
			Unauthorized(w, r, "unauthorized")
			return
		}
		if cookie.Value == "" {
			logWarn(r, "require auth failed", "reason", "empty_session_cookie")
			Unauthorized(w, r, "unauthorized")
			return
		}

		sess, err := h.Sessions.GetSession(r.Context(), cookie.Value)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				logWarn(r, "require auth failed", "reason", "session_not_found")
			} else {
				logError(r, "require auth failed fetching session", "error", err)
			}
			Unauthorized(w, r, "unauthorized")
			return
		}
		// Redis TTL normally removes these first.
		if !sess.ExpiresAt.IsZero() && !time.Now().Before(sess.ExpiresAt) {
			logWarn(r, "require auth failed", "reason", "session_expired")
			Unauthorized(w, r, "unauthorized")
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey, sess)
		ctx = context.WithValue(ctx, sessionHandleKey, cookie.Value)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
