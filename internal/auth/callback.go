// callback.go -- Orchestrates one Google login: credential -> verified profile -> account -> session.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/tupalle/idlink/internal/metrics"
	"github.com/tupalle/idlink/internal/oauth"
	"github.com/tupalle/idlink/internal/store"
)

// ErrNoCredentialSupplied means the callback carried neither a code nor an ID token.
var ErrNoCredentialSupplied = errors.New("no credential supplied")

// Outcome messages returned to the client. Failure detail is kept in logs.
const (
	MessageSuccess      = "Google authentication successful"
	MessageNoCredential = "No valid token provided"
	MessageFailed       = "Google authentication failed"
)

// CallbackRequest is the input to one login attempt.
// IDToken wins when both credentials are present.
type CallbackRequest struct {
	Code         string
	IDToken      string
	PriorSession string // handle from the caller's existing cookie, if any
}

// Outcome is the client-facing result. Username is empty on failure.
type Outcome struct {
	Username string
	Message  string
	Success  bool
}

// CodeExchanger redeems an authorization code for a raw ID token.
// Satisfied by *oauth.Exchanger.
type CodeExchanger interface {
	Exchange(ctx context.Context, code, redirectURI string) (string, error)
}

// TokenVerifier validates a raw ID token.
// Satisfied by *oauth.Verifier.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*oauth.Claims, error)
}

// IdentityResolver maps a verified profile to an account and bound link.
// Satisfied by *Linker.
type IdentityResolver interface {
	Resolve(ctx context.Context, p oauth.Profile) (*store.Account, *store.ProviderLink, error)
}

// Issuer creates a session for a resolved account.
// Satisfied by *SessionIssuer.
type Issuer interface {
	Issue(ctx context.Context, priorHandle string, account *store.Account, link *store.ProviderLink) (*IssuedSession, error)
}

// CallbackService runs the full callback flow. Safe for concurrent use.
type CallbackService struct {
	Exchanger   CodeExchanger
	Verifier    TokenVerifier
	Linker      IdentityResolver
	Issuer      Issuer
	RedirectURI string
}

// Handle authenticates req. On success it returns the session to hand to the
// client; on any failure the session is nil and the Outcome carries a generic message.
func (s *CallbackService) Handle(ctx context.Context, req CallbackRequest) (Outcome, *IssuedSession) {
	account, sess, err := s.authenticate(ctx, req)
	if err != nil {
		reason := failureReason(err)
		metrics.CallbackOutcomes.WithLabelValues(reason).Inc()
		slog.WarnContext(ctx, "google authentication failed", "reason", reason, "error", err)

		if errors.Is(err, ErrNoCredentialSupplied) {
			return Outcome{Message: MessageNoCredential}, nil
		}
		return Outcome{Message: MessageFailed}, nil
	}

	metrics.CallbackOutcomes.WithLabelValues("success").Inc()
	return Outcome{Username: account.Username, Message: MessageSuccess, Success: true}, sess
}

func (s *CallbackService) authenticate(ctx context.Context, req CallbackRequest) (*store.Account, *IssuedSession, error) {
	raw := strings.TrimSpace(req.IDToken)
	if raw == "" {
		code := strings.TrimSpace(req.Code)
		if code == "" {
			return nil, nil, ErrNoCredentialSupplied
		}
		var err error
		raw, err = s.Exchanger.Exchange(ctx, code, s.RedirectURI)
		if err != nil {
			return nil, nil, err
		}
	}

	claims, err := s.Verifier.Verify(ctx, raw)
	if err != nil {
		return nil, nil, err
	}
	profile := oauth.ExtractProfile(claims)

	// Past this point writes are durable; a departing client must not abort them halfway.
	ctx = context.WithoutCancel(ctx)

	account, link, err := s.Linker.Resolve(ctx, profile)
	if err != nil {
		return nil, nil, err
	}

	sess, err := s.Issuer.Issue(ctx, req.PriorSession, account, link)
	if err != nil {
		return nil, nil, err
	}
	slog.InfoContext(ctx, "google authentication succeeded", "account_id", account.ID, "sub", profile.Subject)
	return account, sess, nil
}

// failureReason maps an error onto a stable label for logs and metrics.
func failureReason(err error) string {
	reasons := []struct {
		target error
		label  string
	}{
		{ErrNoCredentialSupplied, "no_credential"},
		{oauth.ErrCodeExchangeFailed, "code_exchange_failed"},
		{oauth.ErrKeyFetchFailed, "key_fetch_failed"},
		{oauth.ErrMalformedToken, "malformed_token"},
		{oauth.ErrUnknownSigningKey, "unknown_signing_key"},
		{oauth.ErrSignatureInvalid, "signature_invalid"},
		{oauth.ErrIssuerMismatch, "issuer_mismatch"},
		{oauth.ErrAudienceMismatch, "audience_mismatch"},
		{oauth.ErrTokenExpired, "token_expired"},
		{ErrLinkingConflict, "linking_conflict"},
		{ErrAccountPersistenceFailed, "account_persistence_failed"},
		{ErrSessionIssueFailed, "session_issue_failed"},
	}
	for _, r := range reasons {
		if errors.Is(err, r.target) {
			return r.label
		}
	}
	return "internal"
}
