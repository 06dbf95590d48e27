// logging.go -- Request-scoped logging helpers.
//
// Adds request context (request id, IP, method, path) to every handler log line.
package auth

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// reqAttrs returns standard request-scoped attributes for logging.
// The user agent is included only at debug level.
func reqAttrs(r *http.Request) []any {
	attrs := []any{
		"ip", r.RemoteAddr,
		"method", r.Method,
		"path", r.URL.Path,
	}
	if id := middleware.GetReqID(r.Context()); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	if slog.Default().Enabled(r.Context(), slog.LevelDebug) {
		attrs = append(attrs, "user_agent", r.UserAgent())
	}
	return attrs
}

func logAt(r *http.Request, level slog.Level, msg string, args ...any) {
	slog.Log(r.Context(), level, msg, append(reqAttrs(r), args...)...)
}

func logInfo(r *http.Request, msg string, args ...any)  { logAt(r, slog.LevelInfo, msg, args...) }
func logWarn(r *http.Request, msg string, args ...any)  { logAt(r, slog.LevelWarn, msg, args...) }
func logError(r *http.Request, msg string, args ...any) { logAt(r, slog.LevelError, msg, args...) }
