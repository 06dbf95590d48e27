// linker.go -- Maps a verified Google profile onto exactly one local account.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/tupalle/idlink/internal/metrics"
	"github.com/tupalle/idlink/internal/oauth"
	"github.com/tupalle/idlink/internal/store"
)

var (
	// ErrLinkingConflict means a uniqueness race persisted past the single retry.
	ErrLinkingConflict = errors.New("account linking conflict")

	// ErrAccountPersistenceFailed wraps any other store failure during linking.
	ErrAccountPersistenceFailed = errors.New("account persistence failed")
)

// DefaultTitle is the display title given to accounts created by a provider login.
const DefaultTitle = "Newbie Coder"

// fallbackUsername is the username base used when the profile email has no local part.
const fallbackUsername = "user"

// decisionKind enumerates the linking branches.
type decisionKind int

const (
	existingBound   decisionKind = iota + 1 // link exists and points at an account
	existingUnbound                         // link exists with no account; resume it
	autoLink                                // no link; verified email matches an account
	createNew                               // no link and nothing to attach to
)

func (k decisionKind) String() string {
	switch k {
	case existingBound:
		return "existing_bound"
	case existingUnbound:
		return "existing_unbound"
	case autoLink:
		return "auto_link"
	case createNew:
		return "create_new"
	}
	return "unknown"
}

// decision is the outcome of decide. link is the row to reuse (nil means insert one);
// account is the account to bind to (nil means create one).
type decision struct {
	kind    decisionKind
	link    *store.ProviderLink
	account *store.Account
}

// decide picks the linking branch. It performs no I/O.
// emailMatch is only honoured when the provider verified the email.
func decide(link *store.ProviderLink, bound, emailMatch *store.Account, p oauth.Profile) decision {
	verifiedMatch := p.EmailVerified && emailMatch != nil
	switch {
	case link != nil && bound != nil:
		return decision{kind: existingBound, link: link, account: bound}
	case link != nil:
		d := decision{kind: existingUnbound, link: link}
		if verifiedMatch {
			d.account = emailMatch
		}
		return d
	case verifiedMatch:
		return decision{kind: autoLink, account: emailMatch}
	default:
		return decision{kind: createNew}
	}
}

// Linker resolves profiles to accounts inside one store transaction per attempt.
type Linker struct {
	identities IdentityStore
	now        func() time.Time
	snapshot   func(oauth.Profile) ([]byte, error)
}

// NewLinker returns a Linker over ids.
func NewLinker(ids IdentityStore) *Linker {
	return &Linker{
		identities: ids,
		now:        time.Now,
		snapshot:   oauth.Profile.Snapshot,
	}
}

// Resolve returns the account and bound provider link for p, creating or
// attaching as needed. A uniqueness conflict retries the whole transaction once,
// which lets a concurrent login for the same subject converge on the row the
// other request committed.
func (l *Linker) Resolve(ctx context.Context, p oauth.Profile) (*store.Account, *store.ProviderLink, error) {
	if p.Subject == "" {
		return nil, nil, fmt.Errorf("%w: empty subject", oauth.ErrMalformedToken)
	}

	const maxAttempts = 2
	for attempt := 1; ; attempt++ {
		var account *store.Account
		var link *store.ProviderLink
		err := l.identities.RunInTx(ctx, func(tx store.Tx) error {
			var err error
			account, link, err = l.resolveTx(ctx, tx, p)
			return err
		})
		if err == nil {
			return account, link, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, nil, fmt.Errorf("%w: %w", ErrAccountPersistenceFailed, err)
		}
		if attempt == maxAttempts {
			return nil, nil, fmt.Errorf("%w: %w", ErrLinkingConflict, err)
		}
		metrics.LinkRetries.Inc()
		slog.WarnContext(ctx, "linking conflict, retrying", "provider", store.ProviderGoogle, "sub", p.Subject, "error", err)
	}
}

func (l *Linker) resolveTx(ctx context.Context, tx store.Tx, p oauth.Profile) (*store.Account, *store.ProviderLink, error) {
	link, err := tx.FindLinkByProviderAndSubject(ctx, store.ProviderGoogle, p.Subject)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("finding provider link: %w", err)
	}

	var bound *store.Account
	if link != nil && link.AccountID != nil {
		bound, err = tx.FindAccountByID(ctx, *link.AccountID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return nil, nil, fmt.Errorf("finding linked account: %w", err)
			}
			slog.WarnContext(ctx, "provider link points at missing account, relinking",
				"link_id", link.ID, "account_id", *link.AccountID)
		}
	}

	var emailMatch *store.Account
	if bound == nil && p.EmailVerified && p.Email != "" {
		emailMatch, err = findAccountByEmail(ctx, tx, p.Email)
		if err != nil {
			return nil, nil, err
		}
	}

	d := decide(link, bound, emailMatch, p)
	metrics.LinkDecisions.WithLabelValues(d.kind.String()).Inc()
	now := l.now().UTC()

	if d.kind == existingBound {
		d.link.LastLoginAt = now
		if err := tx.SaveLink(ctx, d.link); err != nil {
			return nil, nil, fmt.Errorf("updating provider link: %w", err)
		}
		slog.InfoContext(ctx, "provider login for linked account", "account_id", d.account.ID, "sub", p.Subject)
		return d.account, d.link, nil
	}

	link = d.link
	if link == nil {
		if link, err = l.newLink(ctx, p, now); err != nil {
			return nil, nil, err
		}
	} else {
		link.LastLoginAt = now
	}

	account := d.account
	if account == nil {
		if account, err = createAccount(ctx, tx, p); err != nil {
			return nil, nil, err
		}
	}

	link.AccountID = &account.ID
	if err := tx.SaveLink(ctx, link); err != nil {
		return nil, nil, fmt.Errorf("saving provider link: %w", err)
	}
	slog.InfoContext(ctx, "provider identity linked",
		"decision", d.kind.String(), "account_id", account.ID, "username", account.Username, "sub", p.Subject)
	return account, link, nil
}

// newLink builds an unsaved provider link for p.
func (l *Linker) newLink(ctx context.Context, p oauth.Profile, now time.Time) (*store.ProviderLink, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating link id: %w", err)
	}
	raw, err := l.snapshot(p)
	if err != nil {
		// Snapshot is informational; never blocks login.
		slog.WarnContext(ctx, "failed to serialize raw profile", "sub", p.Subject, "error", err)
		raw = []byte("{}")
	}
	return &store.ProviderLink{
		ID:            id,
		Provider:      store.ProviderGoogle,
		Subject:       p.Subject,
		ProviderEmail: p.Email,
		EmailVerified: p.EmailVerified,
		DisplayName:   strOrNil(p.Name),
		PictureURL:    strOrNil(p.Picture),
		RawProfile:    raw,
		LastLoginAt:   now,
	}, nil
}

// createAccount inserts a provider-only account for p.
// The email is stored unless another account already holds it; that can only
// happen for an unverified email, which must not take over the existing account.
func createAccount(ctx context.Context, tx store.Tx, p oauth.Profile) (*store.Account, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating account id: %w", err)
	}

	username, err := uniqueUsername(ctx, tx, usernameBase(p.Email))
	if err != nil {
		return nil, err
	}

	var email *string
	if p.Email != "" {
		holder, err := findAccountByEmail(ctx, tx, p.Email)
		if err != nil {
			return nil, err
		}
		if holder == nil {
			email = &p.Email
		} else {
			slog.InfoContext(ctx, "email held by another account, creating account without email",
				"holder_id", holder.ID, "sub", p.Subject)
		}
	}

	a := &store.Account{
		ID:            id,
		Username:      username,
		Email:         email,
		EmailVerified: p.EmailVerified,
		Enabled:       true,
		Title:         DefaultTitle,
		PasswordHash:  "",
		Roles:         []string{store.RoleUser},
	}
	if err := tx.SaveAccount(ctx, a); err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}
	return a, nil
}

// usernameBase returns the part of email before the first "@", or "user" if that is empty.
func usernameBase(email string) string {
	local, _, _ := strings.Cut(email, "@")
	local = strings.TrimSpace(local)
	if local == "" {
		return fallbackUsername
	}
	return local
}

// uniqueUsername returns base, or base1, base2, ... whichever is free first.
func uniqueUsername(ctx context.Context, accounts AccountStore, base string) (string, error) {
	candidate := base
	for n := 1; ; n++ {
		_, err := accounts.FindAccountByUsername(ctx, candidate)
		if errors.Is(err, store.ErrNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("checking username %q: %w", candidate, err)
		}
		candidate = base + strconv.Itoa(n)
	}
}

// findAccountByEmail returns nil without error when no account has email.
func findAccountByEmail(ctx context.Context, accounts AccountStore, email string) (*store.Account, error) {
	a, err := accounts.FindAccountByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding account by email: %w", err)
	}
	return a, nil
}

// strOrNil converts an empty string to nil; non-empty strings are returned as a pointer.
// Used to map optional profile fields to nullable DB columns.
func strOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
