// provider.go -- Verified claim set and the normalized profile derived from it.
package oauth

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the decoded payload of a Google ID token.
type Claims struct {
	jwt.RegisteredClaims
	Email         string        `json:"email,omitempty"`
	EmailVerified *FlexibleBool `json:"email_verified,omitempty"`
	Name          string        `json:"name,omitempty"`
	GivenName     string        `json:"given_name,omitempty"`
	FamilyName    string        `json:"family_name,omitempty"`
	Picture       string        `json:"picture,omitempty"`
	Locale        string        `json:"locale,omitempty"`
}

// FlexibleBool decodes a JSON boolean or the strings "true"/"false".
// Some Google tokens carry email_verified as a string.
type FlexibleBool bool

func (b *FlexibleBool) UnmarshalJSON(data []byte) error {
	switch strings.ToLower(strings.Trim(string(data), `"`)) {
	case "true":
		*b = true
	case "false", "null":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}

// Profile is the normalized identity taken from verified claims.
// Optional fields are empty strings when the claim was absent.
type Profile struct {
	Subject       string `json:"sub"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name,omitempty"`
	GivenName     string `json:"given_name,omitempty"`
	FamilyName    string `json:"family_name,omitempty"`
	Picture       string `json:"picture,omitempty"`
	Locale        string `json:"locale,omitempty"`
}

// ExtractProfile maps claims onto a Profile. Absent email_verified is false.
func ExtractProfile(c *Claims) Profile {
	p := Profile{
		Subject:    c.Subject,
		Email:      c.Email,
		Name:       c.Name,
		GivenName:  c.GivenName,
		FamilyName: c.FamilyName,
		Picture:    c.Picture,
		Locale:     c.Locale,
	}
	if c.EmailVerified != nil {
		p.EmailVerified = bool(*c.EmailVerified)
	}
	return p
}

// Snapshot serializes the profile for the provider link's raw_profile column.
func (p Profile) Snapshot() ([]byte, error) {
	return json.Marshal(p)
}
