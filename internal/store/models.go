// models.go -- Shared domain types for the store package.
// Used by both Postgres (accounts + provider links) and Redis (sessions).
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrNotFound is returned by lookups when no matching row or key exists.
// Callers use errors.Is to distinguish a true miss from an infrastructure failure.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write violates a uniqueness constraint
// (provider+subject, username, or email). Safe to retry after re-reading.
var ErrConflict = errors.New("unique constraint conflict")

// ProviderGoogle is the only provider name stored in provider_links.
const ProviderGoogle = "google"

// RoleUser is the default role assigned to every account created through a provider.
const RoleUser = "user"

// Account represents a row in the accounts table.
// Nullable columns are pointers; nil means SQL NULL.
// PasswordHash is empty for provider-only accounts.
type Account struct {
	ID            uuid.UUID
	Username      string
	Email         *string
	EmailVerified bool
	Enabled       bool
	Title         string
	PasswordHash  string
	Roles         []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ProviderLink represents a row in the provider_links table.
// (Provider, Subject) is unique. AccountID is nil only while a linking run is in progress.
type ProviderLink struct {
	ID            uuid.UUID
	Provider      string
	Subject       string
	ProviderEmail string
	EmailVerified bool
	DisplayName   *string
	PictureURL    *string
	RawProfile    []byte // JSON snapshot of the verified profile
	AccountID     *uuid.UUID
	LastLoginAt   time.Time
	CreatedAt     time.Time
}

// SessionContext is the JSON shape stored in Redis for an issued session.
// Roles is a snapshot taken at issuance; later role changes don't touch it.
type SessionContext struct {
	AccountID      uuid.UUID  `json:"account_id"`
	ProviderLinkID *uuid.UUID `json:"provider_link_id,omitempty"`
	Username       string     `json:"username"`
	Roles          []string   `json:"roles"`
	CSRFToken      []byte     `json:"csrf_token"`
	IssuedAt       time.Time  `json:"issued_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
}
