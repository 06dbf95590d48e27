// config.go

// Environment variable loading and validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all env configuration vars for the service.
type Config struct {
	DatabaseURL  string
	RedisURL     string
	Port         string
	CookieDomain string
	LogLevel     slog.Level

	// Google client registration. All three are required.
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURI  string

	// Google endpoints. Empty values fall back to the published Google URLs,
	// or to discovery when GoogleDiscovery is set.
	GoogleTokenURL  string
	GoogleCertsURL  string
	GoogleIssuers   []string
	GoogleDiscovery bool

	// GoogleHTTPTimeout bounds each call to the token and certs endpoints.
	GoogleHTTPTimeout time.Duration

	// TrustProxy makes client IPs come from X-Forwarded-For / X-Real-IP.
	// Default false: the socket peer address is used.
	TrustProxy bool

	// TokenClockSkew is added to an ID token's expiry. Default 0.
	TokenClockSkew time.Duration

	SessionTTL time.Duration

	// Per-IP limit on POST /auth/google/callback.
	// Defaults: 5 rps, burst 10.
	CallbackRateRPS   float64
	CallbackRateBurst int
}

// LoadConfig reads environment variables and returns a validated Config.
// A .env file in the working directory is loaded first if present; real
// environment variables win over it.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{}

	required := []struct {
		key string
		dst *string
	}{
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"REDIS_URL", &cfg.RedisURL},
		{"GOOGLE_CLIENT_ID", &cfg.GoogleClientID},
		{"GOOGLE_CLIENT_SECRET", &cfg.GoogleClientSecret},
		{"GOOGLE_REDIRECT_URI", &cfg.GoogleRedirectURI},
	}
	for _, r := range required {
		*r.dst = os.Getenv(r.key)
		if *r.dst == "" {
			return nil, fmt.Errorf("%s is required", r.key)
		}
	}

	// Attempt to get port num, default to 7865
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "7865"
	}

	cfg.CookieDomain = os.Getenv("COOKIE_DOMAIN")
	cfg.TrustProxy = os.Getenv("TRUST_PROXY") == "true"

	// Parse log level, default to info
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	cfg.GoogleTokenURL = os.Getenv("GOOGLE_TOKEN_URL")
	cfg.GoogleCertsURL = os.Getenv("GOOGLE_CERTS_URL")
	cfg.GoogleIssuers = envList("GOOGLE_ISSUERS")
	cfg.GoogleDiscovery = os.Getenv("GOOGLE_DISCOVERY") == "true"

	// Endpoint overrides carry tokens and keys; refuse plain HTTP.
	for key, v := range map[string]string{
		"GOOGLE_TOKEN_URL": cfg.GoogleTokenURL,
		"GOOGLE_CERTS_URL": cfg.GoogleCertsURL,
	} {
		if v != "" && !strings.HasPrefix(v, "https://") {
			return nil, fmt.Errorf("%s must start with https://", key)
		}
	}

	cfg.GoogleHTTPTimeout = envDuration("GOOGLE_HTTP_TIMEOUT", 10*time.Second)
	cfg.TokenClockSkew = envNonNegDuration("TOKEN_CLOCK_SKEW", 0)
	cfg.SessionTTL = envDuration("SESSION_TTL", 24*time.Hour)

	cfg.CallbackRateRPS = envFloat("CALLBACK_RATE_RPS", 5)
	cfg.CallbackRateBurst = envInt("CALLBACK_RATE_BURST", 10)

	return cfg, nil
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envFloat reads an env var as a positive float64, returning def if missing or unparseable.
func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

// envNonNegDuration is envDuration but accepts zero.
func envNonNegDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

// envList splits a comma-separated env var, dropping blanks. Returns nil if unset.
func envList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
