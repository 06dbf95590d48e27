// errors.go -- Failure classes for code exchange and ID token verification.
// Callers classify with errors.Is; wrapped detail is for logs only.
package oauth

import "errors"

var (
	ErrCodeExchangeFailed = errors.New("code exchange failed")
	ErrKeyFetchFailed     = errors.New("signing key fetch failed")
	ErrMalformedToken     = errors.New("malformed token")
	ErrUnknownSigningKey  = errors.New("unknown signing key")
	ErrSignatureInvalid   = errors.New("token signature invalid")
	ErrIssuerMismatch     = errors.New("token issuer mismatch")
	ErrAudienceMismatch   = errors.New("token audience mismatch")
	ErrTokenExpired       = errors.New("token expired")
)
