package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testClientID = "client-123.apps.googleusercontent.com"

type testKey struct {
	kid  string
	priv *rsa.PrivateKey
}

func newTestKey(t *testing.T, kid string) testKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return testKey{kid: kid, priv: priv}
}

func (k testKey) jwk() map[string]string {
	return map[string]string{
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"kid": k.kid,
		"n":   base64.RawURLEncoding.EncodeToString(k.priv.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(k.priv.E)).Bytes()),
	}
}

// certsServer serves a mutable JWKS document and counts requests.
type certsServer struct {
	*httptest.Server
	hits atomic.Int32

	mu     sync.Mutex
	body   []byte
	status int
	gate   chan struct{} // when non-nil, requests block until it is closed
}

func newCertsServer(t *testing.T, keys ...testKey) *certsServer {
	t.Helper()
	cs := &certsServer{status: http.StatusOK}
	cs.setKeys(keys...)
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.hits.Add(1)
		cs.mu.Lock()
		gate, body, status := cs.gate, cs.body, cs.status
		cs.mu.Unlock()
		if gate != nil {
			<-gate
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *certsServer) setKeys(keys ...testKey) {
	set := map[string][]map[string]string{"keys": {}}
	for _, k := range keys {
		set["keys"] = append(set["keys"], k.jwk())
	}
	body, _ := json.Marshal(set)
	cs.setResponse(http.StatusOK, body)
}

func (cs *certsServer) setResponse(status int, body []byte) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.status = status
	cs.body = body
}

// validClaims returns a claim set that passes every check for testClientID.
func validClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":            GoogleIssuer,
		"aud":            testClientID,
		"sub":            "110169484474386276334",
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
		"email":          "alice@example.com",
		"email_verified": true,
		"name":           "Alice Example",
		"given_name":     "Alice",
		"family_name":    "Example",
		"picture":        "https://example.com/alice.png",
	}
}

func signToken(t *testing.T, key testKey, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if key.kid != "" {
		tok.Header["kid"] = key.kid
	}
	raw, err := tok.SignedString(key.priv)
	require.NoError(t, err)
	return raw
}

// staticKeys resolves kids from a fixed map.
type staticKeys map[string]*rsa.PublicKey

func (s staticKeys) Get(_ context.Context, kid string) (*rsa.PublicKey, error) {
	if k, ok := s[kid]; ok {
		return k, nil
	}
	return nil, ErrUnknownSigningKey
}
