// verifier.go -- RS256 ID token verification against a KeySet.
package oauth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KeyResolver returns the RSA public key for a kid. *KeySet satisfies it.
type KeyResolver interface {
	Get(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// Verifier checks signature, issuer, audience and expiry of ID tokens.
// Checks run in that order and the first failure is returned.
type Verifier struct {
	keys     KeyResolver
	clientID string
	issuers  []string
	skew     time.Duration
	parser   *jwt.Parser
	now      func() time.Time
}

// NewVerifier returns a Verifier that accepts tokens issued by one of issuers
// for clientID. skew extends expiry; zero means exp is compared exactly.
func NewVerifier(keys KeyResolver, clientID string, issuers []string, skew time.Duration) *Verifier {
	return &Verifier{
		keys:     keys,
		clientID: clientID,
		issuers:  issuers,
		skew:     skew,
		// Registered claims are checked by hand below so each failure maps
		// to its own error class.
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
		now: time.Now,
	}
}

// Verify validates raw and returns its claims.
// Nothing in the payload is trusted until the signature has been checked.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	if strings.Count(raw, ".") != 2 {
		return nil, fmt.Errorf("%w: expected three segments", ErrMalformedToken)
	}

	unverified, _, err := v.parser.ParseUnverified(raw, &Claims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: missing kid header", ErrMalformedToken)
	}

	key, err := v.keys.Get(ctx, kid)
	if err != nil {
		return nil, err
	}

	claims := &Claims{}
	_, err = v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}

	if !slices.Contains(v.issuers, claims.Issuer) {
		return nil, fmt.Errorf("%w: %q", ErrIssuerMismatch, claims.Issuer)
	}
	if !slices.Contains(claims.Audience, v.clientID) {
		return nil, fmt.Errorf("%w: %v", ErrAudienceMismatch, []string(claims.Audience))
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: no exp claim", ErrTokenExpired)
	}
	if !v.now().Before(claims.ExpiresAt.Add(v.skew)) {
		return nil, fmt.Errorf("%w: expired at %s", ErrTokenExpired, claims.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: empty sub", ErrMalformedToken)
	}
	return claims, nil
}
