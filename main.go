package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tupalle/idlink/internal/auth"
	"github.com/tupalle/idlink/internal/config"
	"github.com/tupalle/idlink/internal/oauth"
	"github.com/tupalle/idlink/internal/store"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

// Idle per-IP buckets are forgotten after limiterIdle; checked every limiterSweepEvery.
const (
	limiterIdle       = 10 * time.Minute
	limiterSweepEvery = time.Minute
)

func main() {
	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	addSrc := cfg.LogLevel == slog.LevelDebug

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: addSrc,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes (ps, rdb) always execute before os.Exit.
	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	defer ps.Close()

	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	if err := ps.Migrate(ctx, migrationsFS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Create shared Redis client; all Redis structs share one connection pool.
	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to set up redis client: %w", err)
	}
	defer rdb.Close()
	rs := store.NewRedisStore(rdb)

	// One client for token exchange, discovery and key fetches; the timeout bounds each call.
	googleClient := &http.Client{Timeout: cfg.GoogleHTTPTimeout}
	endpoints, err := googleEndpoints(ctx, cfg, googleClient, oauth.GoogleIssuer)
	if err != nil {
		return fmt.Errorf("failed to resolve google endpoints: %w", err)
	}
	google := oauth.NewGoogle(oauth.GoogleConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		Endpoints:    endpoints,
		Issuers:      cfg.GoogleIssuers,
		ClockSkew:    cfg.TokenClockSkew,
		HTTPClient:   googleClient,
	})

	h := newAuthHandler(cfg, google, ps, rs, ps, rs)
	limiter := auth.NewIPRateLimiter(cfg.CallbackRateRPS, cfg.CallbackRateBurst)

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{Handler: buildRouter(h, limiter, cfg.TrustProxy)}

	// Limiter sweep goroutine; drops buckets for IPs idle past limiterIdle.
	// Cancelled via sweepCtx when run() returns.
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go func() {
		ticker := time.NewTicker(limiterSweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := limiter.Sweep(limiterIdle); n > 0 {
					slog.Debug("rate limiter sweep complete", "removed", n)
				}
			case <-sweepCtx.Done():
				return
			}
		}
	}()

	// Start server in a goroutine; run() continues past this.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("idlink listening", "addr", ln.Addr().String(),
			"token_url", endpoints.TokenURL, "certs_url", endpoints.CertsURL)
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	// Wait for server error or shutdown signal from ctx.
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Shutdown stops accepting connections and waits for in-flight requests,
	// including any linking run that outlived its client.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// googleEndpoints picks the token and certs URLs: published defaults, replaced
// by issuer's discovery document when enabled, then by explicit env overrides.
func googleEndpoints(ctx context.Context, cfg *config.Config, client *http.Client, issuer string) (oauth.Endpoints, error) {
	endpoints := oauth.DefaultGoogleEndpoints()
	if cfg.GoogleDiscovery {
		discovered, err := oauth.Discover(ctx, client, issuer)
		if err != nil {
			return oauth.Endpoints{}, err
		}
		endpoints = discovered
	}
	if cfg.GoogleTokenURL != "" {
		endpoints.TokenURL = cfg.GoogleTokenURL
	}
	if cfg.GoogleCertsURL != "" {
		endpoints.CertsURL = cfg.GoogleCertsURL
	}
	return endpoints, nil
}

// newAuthHandler assembles the callback pipeline over the given stores.
func newAuthHandler(cfg *config.Config, google *oauth.Google, ids auth.IdentityStore, sessions auth.SessionStore, db, cache auth.HealthChecker) *auth.AuthHandler {
	return &auth.AuthHandler{
		Callback: &auth.CallbackService{
			Exchanger:   google.Exchanger,
			Verifier:    google.Verifier,
			Linker:      auth.NewLinker(ids),
			Issuer:      auth.NewSessionIssuer(sessions, cfg.SessionTTL),
			RedirectURI: cfg.GoogleRedirectURI,
		},
		Identities: ids,
		Sessions:   sessions,
		Cookie:     auth.CookieConfig{Domain: cfg.CookieDomain},
		DB:         db,
		Cache:      cache,
	}
}

// buildRouter wires all routes and middleware.
// Called from run() and smoke tests. trustProxy enables RealIP, which rewrites
// RemoteAddr from X-Forwarded-For / X-Real-IP; only set it behind a proxy that
// overwrites those headers, since the callback limiter keys on RemoteAddr.
func buildRouter(h *auth.AuthHandler, limiter *auth.IPRateLimiter, trustProxy bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.CheckHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.With(limiter.Middleware).Post("/auth/google/callback", h.GoogleCallback)

	// Authentication required routes
	r.Group(func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Get("/auth/me", h.Me)

		// CSRF reads token injected by RequireAuth above
		// DO NOT RUN CSRF BEFORE RequireAuth
		r.With(h.CSRFMiddleware).Post("/auth/logout", h.Logout)
	})

	return r
}
