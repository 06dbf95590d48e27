// google.go -- Google endpoints, discovery, and the assembled verification pipeline.
package oauth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

const (
	GoogleIssuer   = "https://accounts.google.com"
	GoogleTokenURL = "https://oauth2.googleapis.com/token"
	GoogleCertsURL = "https://www.googleapis.com/oauth2/v3/certs"
)

// DefaultGoogleIssuers are the iss values Google puts in ID tokens.
var DefaultGoogleIssuers = []string{GoogleIssuer, "accounts.google.com"}

// Endpoints are the two URLs the callback flow talks to.
type Endpoints struct {
	TokenURL string
	CertsURL string
}

// DefaultGoogleEndpoints returns the fixed production endpoints.
func DefaultGoogleEndpoints() Endpoints {
	return Endpoints{TokenURL: GoogleTokenURL, CertsURL: GoogleCertsURL}
}

// Discover reads the token and JWKS endpoints from issuer's OIDC discovery document.
// Makes one outbound request; used at startup when discovery is enabled.
func Discover(ctx context.Context, client *http.Client, issuer string) (Endpoints, error) {
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}
	p, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return Endpoints{}, fmt.Errorf("oidc discovery: %w", err)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := p.Claims(&doc); err != nil {
		return Endpoints{}, fmt.Errorf("reading discovery document: %w", err)
	}
	if doc.JWKSURI == "" || p.Endpoint().TokenURL == "" {
		return Endpoints{}, fmt.Errorf("discovery document for %s lacks token or jwks endpoint", issuer)
	}
	return Endpoints{TokenURL: p.Endpoint().TokenURL, CertsURL: doc.JWKSURI}, nil
}

// GoogleConfig holds everything needed to build a Google pipeline.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	Endpoints    Endpoints
	Issuers      []string      // defaults to DefaultGoogleIssuers
	ClockSkew    time.Duration // allowance added to exp
	HTTPClient   *http.Client  // shared by exchange and key fetches
}

// Google bundles the exchanger, key cache and verifier for one client id.
// One instance is shared by all requests.
type Google struct {
	Exchanger *Exchanger
	Keys      *KeySet
	Verifier  *Verifier
}

// NewGoogle wires an Exchanger, KeySet and Verifier from cfg.
func NewGoogle(cfg GoogleConfig) *Google {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	issuers := cfg.Issuers
	if len(issuers) == 0 {
		issuers = DefaultGoogleIssuers
	}
	keys := NewKeySet(cfg.Endpoints.CertsURL, client)
	return &Google{
		Exchanger: NewExchanger(cfg.ClientID, cfg.ClientSecret, cfg.Endpoints.TokenURL, client),
		Keys:      keys,
		Verifier:  NewVerifier(keys, cfg.ClientID, issuers, cfg.ClockSkew),
	}
}
