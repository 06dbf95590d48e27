package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/tupalle/idlink/internal/oauth"
	"github.com/tupalle/idlink/internal/store"
)

// passHandler returns 200 when reached -- proves middleware let request through.
var passHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// stubExchanger returns a fixed token or error and counts calls.
type stubExchanger struct {
	token string
	err   error
	calls int
	code  string
}

func (s *stubExchanger) Exchange(_ context.Context, code, _ string) (string, error) {
	s.calls++
	s.code = code
	return s.token, s.err
}

// stubVerifier maps raw tokens to claims; unknown tokens fail with err (or ErrMalformedToken).
type stubVerifier struct {
	claims map[string]*oauth.Claims
	err    error
	calls  int
}

func (s *stubVerifier) Verify(_ context.Context, raw string) (*oauth.Claims, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	c, ok := s.claims[raw]
	if !ok {
		return nil, oauth.ErrMalformedToken
	}
	return c, nil
}

func claimsFor(p oauth.Profile) *oauth.Claims {
	c := &oauth.Claims{
		Email:   p.Email,
		Name:    p.Name,
		Picture: p.Picture,
	}
	c.Subject = p.Subject
	v := oauth.FlexibleBool(p.EmailVerified)
	c.EmailVerified = &v
	return c
}

// stubResolver returns a fixed account and records the context it was called with.
type stubResolver struct {
	account *store.Account
	link    *store.ProviderLink
	err     error
	calls   int
	ctxErr  error
}

func (s *stubResolver) Resolve(ctx context.Context, _ oauth.Profile) (*store.Account, *store.ProviderLink, error) {
	s.calls++
	s.ctxErr = ctx.Err()
	return s.account, s.link, s.err
}

// stubAuthenticator returns a canned outcome and records the request.
type stubAuthenticator struct {
	outcome Outcome
	session *IssuedSession
	got     CallbackRequest
}

func (s *stubAuthenticator) Handle(_ context.Context, req CallbackRequest) (Outcome, *IssuedSession) {
	s.got = req
	return s.outcome, s.session
}

// stubHealth returns err from CheckHealth.
type stubHealth struct{ err error }

func (s stubHealth) CheckHealth(context.Context) error { return s.err }

func testAccount() *store.Account {
	return &store.Account{
		ID:       uuid.Must(uuid.NewV7()),
		Username: "alice",
		Enabled:  true,
		Roles:    []string{store.RoleUser},
	}
}

// liveSession returns a session context valid for an hour with the given CSRF token.
func liveSession(accountID uuid.UUID, csrf []byte) store.SessionContext {
	now := time.Now().UTC()
	return store.SessionContext{
		AccountID: accountID,
		Username:  "alice",
		Roles:     []string{store.RoleUser},
		CSRFToken: csrf,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
}

// decodeBody unmarshals the recorder body into a generic map.
func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), "body: %s", w.Body.String())
	return m
}

// findCookie returns the named cookie from a response, or nil.
func findCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
