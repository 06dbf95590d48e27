// main_test.go
//
// Level 3 smoke tests
// chi wiring via httptest.NewServer with in-memory stores.
// Catches middleware ordering, route grouping, and real HTTP cookie/header behavior
// that httptest.NewRecorder cannot exercise.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tupalle/idlink/internal/auth"
	"github.com/tupalle/idlink/internal/config"
	"github.com/tupalle/idlink/internal/oauth"
	"github.com/tupalle/idlink/internal/store"
	"github.com/tupalle/idlink/internal/testutil"
)

// --- Smoke mocks ---

// smokeAuthenticator accepts exactly one ID token and issues a real session for a fixed account.
type smokeAuthenticator struct {
	issuer  *auth.SessionIssuer
	account *store.Account
}

func (s *smokeAuthenticator) Handle(ctx context.Context, req auth.CallbackRequest) (auth.Outcome, *auth.IssuedSession) {
	if req.IDToken != "good-token" {
		return auth.Outcome{Message: auth.MessageFailed}, nil
	}
	sess, err := s.issuer.Issue(ctx, req.PriorSession, s.account, nil)
	if err != nil {
		return auth.Outcome{Message: auth.MessageFailed}, nil
	}
	return auth.Outcome{Username: s.account.Username, Message: auth.MessageSuccess, Success: true}, sess
}

type smokeHealth struct{ err error }

func (s smokeHealth) CheckHealth(context.Context) error { return s.err }

// --- Helpers ---

// newSmokeServer serves buildRouter over in-memory stores with a generous rate limit.
func newSmokeServer(t *testing.T) *httptest.Server {
	t.Helper()
	return newSmokeServerWithLimit(t, auth.NewIPRateLimiter(1000, 1000), false)
}

func newSmokeServerWithLimit(t *testing.T, limiter *auth.IPRateLimiter, trustProxy bool) *httptest.Server {
	t.Helper()
	ids := testutil.NewMemIdentityStore()
	account := ids.AddAccount(store.Account{Username: "smoke", Enabled: true, Roles: []string{store.RoleUser}})
	sessions := testutil.NewMemSessionStore()

	h := &auth.AuthHandler{
		Callback: &smokeAuthenticator{
			issuer:  auth.NewSessionIssuer(sessions, time.Hour),
			account: account,
		},
		Identities: ids,
		Sessions:   sessions,
		DB:         smokeHealth{},
		Cache:      smokeHealth{},
	}
	srv := httptest.NewServer(buildRouter(h, limiter, trustProxy))
	t.Cleanup(srv.Close)
	return srv
}

// doSmokeLogin posts the accepted ID token and returns the session cookie value and CSRF token.
func doSmokeLogin(t *testing.T, serverURL string) (string, string) {
	t.Helper()
	resp, err := http.Post(serverURL+"/auth/google/callback", "application/json",
		strings.NewReader(`{"idToken":"good-token"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cookie string
	for _, c := range resp.Cookies() {
		if c.Name == "__Host-session" {
			cookie = c.Value
		}
	}
	require.NotEmpty(t, cookie, "__Host-session cookie not set")

	var body struct {
		Username  string `json:"username"`
		CSRFToken string `json:"csrf_token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "smoke", body.Username)
	require.NotEmpty(t, body.CSRFToken)
	return cookie, body.CSRFToken
}

func doLogout(t *testing.T, serverURL, cookie, csrf string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, serverURL+"/auth/logout", nil)
	require.NoError(t, err)
	if cookie != "" {
		req.Header.Set("Cookie", "__Host-session="+cookie)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// --- Smoke tests ---

func TestSmoke_Health(t *testing.T) {
	srv := newSmokeServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, map[string]string{"postgres": "ok", "redis": "ok"}, body)
}

func TestSmoke_Metrics(t *testing.T) {
	srv := newSmokeServer(t)

	// Drive one failed callback so the outcome counter has a sample.
	resp, err := http.Post(srv.URL+"/auth/google/callback", "application/json", strings.NewReader(`{"idToken":"bad"}`))
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "go_goroutines")
}

func TestSmoke_CallbackRejected(t *testing.T) {
	srv := newSmokeServer(t)

	resp, err := http.Post(srv.URL+"/auth/google/callback", "application/json", strings.NewReader(`{"idToken":"bad"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, resp.Cookies())
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Nil(t, body["username"])
	assert.Equal(t, auth.MessageFailed, body["message"])
	assert.Equal(t, false, body["success"])
}

func TestSmoke_CallbackMethodNotAllowed(t *testing.T) {
	srv := newSmokeServer(t)

	resp, err := http.Get(srv.URL + "/auth/google/callback")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSmoke_CallbackRateLimited(t *testing.T) {
	srv := newSmokeServerWithLimit(t, auth.NewIPRateLimiter(0.001, 2), false)

	statuses := make([]int, 0, 3)
	for range 3 {
		resp, err := http.Post(srv.URL+"/auth/google/callback", "application/json", strings.NewReader(`{"idToken":"bad"}`))
		require.NoError(t, err)
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests}, statuses)

	// Only the callback is limited.
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// postCallbackFrom posts a rejected callback carrying X-Forwarded-For: xff and returns the status.
func postCallbackFrom(t *testing.T, serverURL, xff string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, serverURL+"/auth/google/callback", strings.NewReader(`{"idToken":"bad"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", xff)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

// Without a trusted proxy, forwarding headers are ignored and every request
// from the same socket peer shares one bucket.
func TestSmoke_CallbackRateLimitIgnoresForwardedFor(t *testing.T) {
	srv := newSmokeServerWithLimit(t, auth.NewIPRateLimiter(0.001, 1), false)

	statuses := make([]int, 0, 5)
	for i := range 5 {
		statuses = append(statuses, postCallbackFrom(t, srv.URL, fmt.Sprintf("10.0.0.%d", i)))
	}
	assert.Equal(t, []int{
		http.StatusUnauthorized,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
	}, statuses)
}

// Behind a trusted proxy the forwarded client address picks the bucket.
func TestSmoke_CallbackRateLimitTrustedProxy(t *testing.T) {
	srv := newSmokeServerWithLimit(t, auth.NewIPRateLimiter(0.001, 1), true)

	assert.Equal(t, http.StatusUnauthorized, postCallbackFrom(t, srv.URL, "10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, postCallbackFrom(t, srv.URL, "10.0.0.1"))
	assert.Equal(t, http.StatusUnauthorized, postCallbackFrom(t, srv.URL, "10.0.0.2"))
}

// RequireAuth is wired to the protected route group.
func TestSmoke_ProtectedRoutesWithoutSession(t *testing.T) {
	srv := newSmokeServer(t)

	resp, err := http.Get(srv.URL + "/auth/me")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, http.StatusUnauthorized, doLogout(t, srv.URL, "", "").StatusCode)
}

// A valid session without the X-CSRF-Token header must be rejected with 403.
func TestSmoke_Logout_WithSessionButNoCSRF(t *testing.T) {
	srv := newSmokeServer(t)
	cookie, _ := doSmokeLogin(t, srv.URL)

	assert.Equal(t, http.StatusForbidden, doLogout(t, srv.URL, cookie, "").StatusCode)
}

// TestSmoke_FullRoundTrip verifies login -> me -> logout over real HTTP.
func TestSmoke_FullRoundTrip(t *testing.T) {
	srv := newSmokeServer(t)
	cookie, csrf := doSmokeLogin(t, srv.URL)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/auth/me", nil)
	require.NoError(t, err)
	req.Header.Set("Cookie", "__Host-session="+cookie)
	meResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var me struct {
		Username string `json:"username"`
	}
	require.NoError(t, json.NewDecoder(meResp.Body).Decode(&me))
	meResp.Body.Close()
	assert.Equal(t, http.StatusOK, meResp.StatusCode)
	assert.Equal(t, "smoke", me.Username)

	logoutResp := doLogout(t, srv.URL, cookie, csrf)
	require.Equal(t, http.StatusOK, logoutResp.StatusCode)

	var cleared *http.Cookie
	for _, c := range logoutResp.Cookies() {
		if c.Name == "__Host-session" {
			cleared = c
		}
	}
	require.NotNil(t, cleared, "__Host-session not found in logout response")
	assert.Equal(t, -1, cleared.MaxAge)

	// Session is gone server-side.
	assert.Equal(t, http.StatusUnauthorized, doLogout(t, srv.URL, cookie, csrf).StatusCode)
}

// --- googleEndpoints ---

func TestGoogleEndpoints(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		got, err := googleEndpoints(context.Background(), &config.Config{}, nil, oauth.GoogleIssuer)
		require.NoError(t, err)
		assert.Equal(t, oauth.DefaultGoogleEndpoints(), got)
	})

	t.Run("explicit overrides", func(t *testing.T) {
		cfg := &config.Config{GoogleTokenURL: "https://token.test", GoogleCertsURL: "https://certs.test"}
		got, err := googleEndpoints(context.Background(), cfg, nil, oauth.GoogleIssuer)
		require.NoError(t, err)
		assert.Equal(t, oauth.Endpoints{TokenURL: "https://token.test", CertsURL: "https://certs.test"}, got)
	})

	t.Run("discovery then override", func(t *testing.T) {
		srv := newDiscoveryServer(t)
		cfg := &config.Config{GoogleDiscovery: true, GoogleCertsURL: "https://certs.test"}
		got, err := googleEndpoints(context.Background(), cfg, srv.Client(), srv.URL)
		require.NoError(t, err)
		assert.Equal(t, srv.URL+"/token", got.TokenURL)
		assert.Equal(t, "https://certs.test", got.CertsURL)
	})

	t.Run("discovery failure", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()
		_, err := googleEndpoints(context.Background(), &config.Config{GoogleDiscovery: true}, srv.Client(), srv.URL)
		assert.Error(t, err)
	})
}

// newDiscoveryServer serves an OIDC discovery document whose issuer is the server itself.
func newDiscoveryServer(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 srv.URL,
			"authorization_endpoint": srv.URL + "/auth",
			"token_endpoint":         srv.URL + "/token",
			"jwks_uri":               srv.URL + "/certs",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// --- newAuthHandler ---

func TestNewAuthHandler_CookieAndStores(t *testing.T) {
	cfg := &config.Config{CookieDomain: "example.com", SessionTTL: time.Hour, GoogleRedirectURI: "https://app.example.com/cb"}
	google := oauth.NewGoogle(oauth.GoogleConfig{ClientID: "cid", Endpoints: oauth.DefaultGoogleEndpoints()})
	ids := testutil.NewMemIdentityStore()
	sessions := testutil.NewMemSessionStore()
	down := smokeHealth{errors.New("down")}

	h := newAuthHandler(cfg, google, ids, sessions, down, smokeHealth{})

	assert.Equal(t, "session", h.Cookie.Name())
	assert.Same(t, ids, h.Identities)
	assert.Same(t, sessions, h.Sessions)

	svc, ok := h.Callback.(*auth.CallbackService)
	require.True(t, ok)
	assert.Equal(t, "https://app.example.com/cb", svc.RedirectURI)
	assert.Same(t, google.Verifier, svc.Verifier)

	w := httptest.NewRecorder()
	h.CheckHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSmoke_MeReportsAccount(t *testing.T) {
	srv := newSmokeServer(t)
	cookie, _ := doSmokeLogin(t, srv.URL)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/auth/me", nil)
	require.NoError(t, err)
	req.Header.Set("Cookie", "__Host-session="+cookie)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		AccountID string   `json:"account_id"`
		Providers []string `json:"providers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	_, err = uuid.FromString(body.AccountID)
	assert.NoError(t, err)
	assert.Empty(t, body.Providers)
}
