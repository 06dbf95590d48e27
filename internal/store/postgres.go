// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and account/provider-link queries.
// Creates a connection pool at startup, shared across all handlers.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore is the durable store for accounts and provider links.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates and returns a verified connection pool
// to PostgreSQL wrapped in a store.
// Call once at startup from main.go...the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	// Create a pool w/ database url, return if err
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	// Ping db to make sure connection works
	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool and releases all resources.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings Postgres.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Tx is the account and provider-link query set. *PgTx implements it over
// either the pool or an open transaction.
type Tx interface {
	FindAccountByID(ctx context.Context, id uuid.UUID) (*Account, error)
	FindAccountByUsername(ctx context.Context, username string) (*Account, error)
	FindAccountByEmail(ctx context.Context, email string) (*Account, error)
	SaveAccount(ctx context.Context, a *Account) error
	FindLinkByProviderAndSubject(ctx context.Context, provider, subject string) (*ProviderLink, error)
	FindLinksByAccountID(ctx context.Context, accountID uuid.UUID) ([]*ProviderLink, error)
	SaveLink(ctx context.Context, l *ProviderLink) error
}

// RunInTx runs fn inside a single transaction. Every query fn makes through tx
// goes through that transaction. Commits if fn returns nil, rolls back otherwise.
// A unique violation anywhere in the transaction surfaces as ErrConflict.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&PgTx{q: tx})
	})
	return mapPgErr(err)
}

// Queries returns a Tx bound to the pool (no transaction) for read-only lookups.
func (s *PostgresStore) Queries() Tx {
	return &PgTx{q: s.pool}
}

// PgTx runs account and provider-link queries against a pool or an open transaction.
type PgTx struct {
	q querier
}

var _ Tx = (*PgTx)(nil)

const accountColumns = `id, username, email, email_verified, enabled, title, password_hash, roles, created_at, updated_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Username, &a.Email, &a.EmailVerified, &a.Enabled,
		&a.Title, &a.PasswordHash, &a.Roles, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, mapPgErr(err)
	}
	return &a, nil
}

// FindAccountByID fetches an account by primary key. Returns ErrNotFound if absent.
func (t *PgTx) FindAccountByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	return scanAccount(t.q.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
}

// FindAccountByUsername fetches an account by exact username. Returns ErrNotFound if absent.
func (t *PgTx) FindAccountByUsername(ctx context.Context, username string) (*Account, error) {
	return scanAccount(t.q.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE username = $1", username))
}

// FindAccountByEmail fetches an account by exact email. Returns ErrNotFound if absent.
func (t *PgTx) FindAccountByEmail(ctx context.Context, email string) (*Account, error) {
	return scanAccount(t.q.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE email = $1", email))
}

// SaveAccount upserts an account by id. The caller generates the UUID v7.
// Returns ErrConflict when username or email is already taken by another row.
func (t *PgTx) SaveAccount(ctx context.Context, a *Account) error {
	err := t.q.QueryRow(ctx, `
		INSERT INTO accounts (id, username, email, email_verified, enabled, title, password_hash, roles)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			email = EXCLUDED.email,
			email_verified = EXCLUDED.email_verified,
			enabled = EXCLUDED.enabled,
			title = EXCLUDED.title,
			password_hash = EXCLUDED.password_hash,
			roles = EXCLUDED.roles,
			updated_at = now()
		RETURNING created_at, updated_at`,
		a.ID, a.Username, a.Email, a.EmailVerified, a.Enabled, a.Title, a.PasswordHash, a.Roles,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	return mapPgErr(err)
}

const linkColumns = `id, provider, subject, provider_email, email_verified, display_name, picture_url, raw_profile, account_id, last_login_at, created_at`

func scanLink(row pgx.Row) (*ProviderLink, error) {
	var l ProviderLink
	err := row.Scan(&l.ID, &l.Provider, &l.Subject, &l.ProviderEmail, &l.EmailVerified,
		&l.DisplayName, &l.PictureURL, &l.RawProfile, &l.AccountID, &l.LastLoginAt, &l.CreatedAt)
	if err != nil {
		return nil, mapPgErr(err)
	}
	return &l, nil
}

// FindLinkByProviderAndSubject fetches the link for one provider identity. Returns ErrNotFound if absent.
func (t *PgTx) FindLinkByProviderAndSubject(ctx context.Context, provider, subject string) (*ProviderLink, error) {
	return scanLink(t.q.QueryRow(ctx,
		"SELECT "+linkColumns+" FROM provider_links WHERE provider = $1 AND subject = $2",
		provider, subject))
}

// FindLinksByAccountID lists every provider link bound to the account, oldest first.
func (t *PgTx) FindLinksByAccountID(ctx context.Context, accountID uuid.UUID) ([]*ProviderLink, error) {
	rows, err := t.q.Query(ctx,
		"SELECT "+linkColumns+" FROM provider_links WHERE account_id = $1 ORDER BY created_at",
		accountID)
	if err != nil {
		return nil, fmt.Errorf("querying provider links: %w", err)
	}
	defer rows.Close()

	var links []*ProviderLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning provider link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// SaveLink upserts a provider link by id.
// Inserting a second row for the same (provider, subject) returns ErrConflict.
func (t *PgTx) SaveLink(ctx context.Context, l *ProviderLink) error {
	err := t.q.QueryRow(ctx, `
		INSERT INTO provider_links (id, provider, subject, provider_email, email_verified,
			display_name, picture_url, raw_profile, account_id, last_login_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			provider_email = EXCLUDED.provider_email,
			email_verified = EXCLUDED.email_verified,
			display_name = EXCLUDED.display_name,
			picture_url = EXCLUDED.picture_url,
			raw_profile = EXCLUDED.raw_profile,
			account_id = EXCLUDED.account_id,
			last_login_at = EXCLUDED.last_login_at
		RETURNING created_at`,
		l.ID, l.Provider, l.Subject, l.ProviderEmail, l.EmailVerified,
		l.DisplayName, l.PictureURL, l.RawProfile, l.AccountID, l.LastLoginAt,
	).Scan(&l.CreatedAt)
	return mapPgErr(err)
}

// mapPgErr translates pgx errors into store sentinels, keeping the original in the chain.
func mapPgErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}
