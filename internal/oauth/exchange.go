// exchange.go -- Authorization code -> raw ID token, via the provider's token endpoint.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// Exchanger redeems authorization codes at a token endpoint.
// Client credentials are sent in the form body (client_secret_post).
type Exchanger struct {
	clientID     string
	clientSecret string
	tokenURL     string
	client       *http.Client
}

// NewExchanger returns an Exchanger that posts to tokenURL with client.
func NewExchanger(clientID, clientSecret, tokenURL string, client *http.Client) *Exchanger {
	if client == nil {
		client = http.DefaultClient
	}
	return &Exchanger{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		client:       client,
	}
}

// Exchange trades code for the raw ID token string in the token response.
// The token is returned unverified; pass it to Verifier.Verify.
// Any transport error, non-2xx status, or missing id_token is ErrCodeExchangeFailed.
func (e *Exchanger) Exchange(ctx context.Context, code, redirectURI string) (string, error) {
	cfg := &oauth2.Config{
		ClientID:     e.clientID,
		ClientSecret: e.clientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL:  e.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.client)

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) && rErr.Response != nil {
			// Body is not surfaced; it can echo the code back.
			return "", fmt.Errorf("%w: token endpoint returned status %d", ErrCodeExchangeFailed, rErr.Response.StatusCode)
		}
		return "", fmt.Errorf("%w: %w", ErrCodeExchangeFailed, err)
	}

	raw, ok := token.Extra("id_token").(string)
	if !ok || raw == "" {
		return "", fmt.Errorf("%w: no id_token in token response", ErrCodeExchangeFailed)
	}
	return raw, nil
}
