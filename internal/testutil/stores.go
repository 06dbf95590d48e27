// stores.go
//
// In-memory implementations of auth.IdentityStore and auth.SessionStore.
// Imported by test files across packages to avoid duplicate fake definitions.
package testutil

import (
	"context"
	"encoding/base64"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/tupalle/idlink/internal/store"
)

// MemIdentityStore implements auth.IdentityStore over maps.
//
// Each RunInTx stages its writes privately and applies them at commit under a
// single lock. Uniqueness (username, email, provider+subject) is checked both
// when a write is staged and again at commit, so two overlapping transactions
// behave like Postgres: the second to commit gets store.ErrConflict and none of
// its writes land.
type MemIdentityStore struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]store.Account
	links    map[uuid.UUID]store.ProviderLink

	// Error injection...zero value means no error.
	FindErr        error // returned by every Find* call
	SaveAccountErr error
	SaveLinkErr    error

	// ConflictCommits forces the next N commits to fail with store.ErrConflict.
	ConflictCommits int

	// BeforeCommit runs after fn succeeds and before the commit check.
	// Tests use it to line up concurrent transactions.
	BeforeCommit func()

	txCount atomic.Int32
}

// NewMemIdentityStore returns an empty store.
func NewMemIdentityStore() *MemIdentityStore {
	return &MemIdentityStore{
		accounts: make(map[uuid.UUID]store.Account),
		links:    make(map[uuid.UUID]store.ProviderLink),
	}
}

// TxCount reports how many transactions RunInTx has started.
func (m *MemIdentityStore) TxCount() int { return int(m.txCount.Load()) }

// RunInTx runs fn against a staged view and commits its writes if fn returns nil.
func (m *MemIdentityStore) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	m.txCount.Add(1)
	tx := m.newTx(false)
	if err := fn(tx); err != nil {
		return err
	}
	if m.BeforeCommit != nil {
		m.BeforeCommit()
	}
	return m.commit(tx)
}

// Queries returns a view whose writes commit immediately.
func (m *MemIdentityStore) Queries() store.Tx {
	return m.newTx(true)
}

// AddAccount seeds a committed account. ID is generated when zero.
func (m *MemIdentityStore) AddAccount(a store.Account) *store.Account {
	if a.ID == uuid.Nil {
		a.ID = uuid.Must(uuid.NewV7())
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
		a.UpdatedAt = a.CreatedAt
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = cloneAccount(a)
	out := cloneAccount(a)
	return &out
}

// AddLink seeds a committed provider link. ID is generated when zero.
func (m *MemIdentityStore) AddLink(l store.ProviderLink) *store.ProviderLink {
	if l.ID == uuid.Nil {
		l.ID = uuid.Must(uuid.NewV7())
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[l.ID] = cloneLink(l)
	out := cloneLink(l)
	return &out
}

// Accounts returns a snapshot of committed accounts ordered by username.
func (m *MemIdentityStore) Accounts() []store.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, cloneAccount(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Links returns a snapshot of committed provider links ordered by subject.
func (m *MemIdentityStore) Links() []store.ProviderLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.ProviderLink, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, cloneLink(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}

func (m *MemIdentityStore) newTx(autocommit bool) *memTx {
	return &memTx{
		m:          m,
		autocommit: autocommit,
		accounts:   make(map[uuid.UUID]store.Account),
		links:      make(map[uuid.UUID]store.ProviderLink),
	}
}

// commit applies tx's staged writes or rejects all of them.
func (m *MemIdentityStore) commit(tx *memTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ConflictCommits > 0 {
		m.ConflictCommits--
		return fmt.Errorf("%w: injected", store.ErrConflict)
	}

	for _, a := range tx.accounts {
		if err := accountConflict(m.accounts, a); err != nil {
			return err
		}
	}
	for _, l := range tx.links {
		if err := linkConflict(m.links, l); err != nil {
			return err
		}
		if l.AccountID != nil {
			_, committed := m.accounts[*l.AccountID]
			_, staged := tx.accounts[*l.AccountID]
			if !committed && !staged {
				return fmt.Errorf("provider link %s references missing account %s", l.ID, *l.AccountID)
			}
		}
	}

	now := time.Now()
	for id, a := range tx.accounts {
		if prev, ok := m.accounts[id]; ok {
			a.CreatedAt = prev.CreatedAt
		} else if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		a.UpdatedAt = now
		m.accounts[id] = a
	}
	for id, l := range tx.links {
		if prev, ok := m.links[id]; ok {
			l.CreatedAt = prev.CreatedAt
		} else if l.CreatedAt.IsZero() {
			l.CreatedAt = now
		}
		m.links[id] = l
	}
	return nil
}

func accountConflict(existing map[uuid.UUID]store.Account, a store.Account) error {
	for id, e := range existing {
		if id == a.ID {
			continue
		}
		if e.Username == a.Username {
			return fmt.Errorf("%w: accounts_username_key", store.ErrConflict)
		}
		if e.Email != nil && a.Email != nil && *e.Email == *a.Email {
			return fmt.Errorf("%w: accounts_email_key", store.ErrConflict)
		}
	}
	return nil
}

func linkConflict(existing map[uuid.UUID]store.ProviderLink, l store.ProviderLink) error {
	for id, e := range existing {
		if id != l.ID && e.Provider == l.Provider && e.Subject == l.Subject {
			return fmt.Errorf("%w: provider_links_provider_subject_key", store.ErrConflict)
		}
	}
	return nil
}

// memTx reads staged rows first, then committed ones.
type memTx struct {
	m          *MemIdentityStore
	autocommit bool
	accounts   map[uuid.UUID]store.Account
	links      map[uuid.UUID]store.ProviderLink
}

var _ store.Tx = (*memTx)(nil)

// view returns the merged account and link maps. Caller must not hold m.mu.
func (t *memTx) view() (map[uuid.UUID]store.Account, map[uuid.UUID]store.ProviderLink) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	accounts := make(map[uuid.UUID]store.Account, len(t.m.accounts)+len(t.accounts))
	for id, a := range t.m.accounts {
		accounts[id] = a
	}
	for id, a := range t.accounts {
		accounts[id] = a
	}
	links := make(map[uuid.UUID]store.ProviderLink, len(t.m.links)+len(t.links))
	for id, l := range t.m.links {
		links[id] = l
	}
	for id, l := range t.links {
		links[id] = l
	}
	return accounts, links
}

func (t *memTx) findAccount(match func(store.Account) bool) (*store.Account, error) {
	if t.m.FindErr != nil {
		return nil, t.m.FindErr
	}
	accounts, _ := t.view()
	for _, a := range accounts {
		if match(a) {
			out := cloneAccount(a)
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) FindAccountByID(_ context.Context, id uuid.UUID) (*store.Account, error) {
	return t.findAccount(func(a store.Account) bool { return a.ID == id })
}

func (t *memTx) FindAccountByUsername(_ context.Context, username string) (*store.Account, error) {
	return t.findAccount(func(a store.Account) bool { return a.Username == username })
}

func (t *memTx) FindAccountByEmail(_ context.Context, email string) (*store.Account, error) {
	return t.findAccount(func(a store.Account) bool { return a.Email != nil && *a.Email == email })
}

func (t *memTx) SaveAccount(_ context.Context, a *store.Account) error {
	if t.m.SaveAccountErr != nil {
		return t.m.SaveAccountErr
	}
	accounts, _ := t.view()
	if err := accountConflict(accounts, *a); err != nil {
		return err
	}
	t.accounts[a.ID] = cloneAccount(*a)
	if t.autocommit {
		return t.flush()
	}
	return nil
}

func (t *memTx) FindLinkByProviderAndSubject(_ context.Context, provider, subject string) (*store.ProviderLink, error) {
	if t.m.FindErr != nil {
		return nil, t.m.FindErr
	}
	_, links := t.view()
	for _, l := range links {
		if l.Provider == provider && l.Subject == subject {
			out := cloneLink(l)
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) FindLinksByAccountID(_ context.Context, accountID uuid.UUID) ([]*store.ProviderLink, error) {
	if t.m.FindErr != nil {
		return nil, t.m.FindErr
	}
	_, links := t.view()
	var out []*store.ProviderLink
	for _, l := range links {
		if l.AccountID != nil && *l.AccountID == accountID {
			c := cloneLink(l)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) SaveLink(_ context.Context, l *store.ProviderLink) error {
	if t.m.SaveLinkErr != nil {
		return t.m.SaveLinkErr
	}
	_, links := t.view()
	if err := linkConflict(links, *l); err != nil {
		return err
	}
	t.links[l.ID] = cloneLink(*l)
	if t.autocommit {
		return t.flush()
	}
	return nil
}

// flush commits and clears the staged writes of an autocommit view.
func (t *memTx) flush() error {
	err := t.m.commit(t)
	clear(t.accounts)
	clear(t.links)
	return err
}

func cloneAccount(a store.Account) store.Account {
	a.Roles = slices.Clone(a.Roles)
	if a.Email != nil {
		e := *a.Email
		a.Email = &e
	}
	return a
}

func cloneLink(l store.ProviderLink) store.ProviderLink {
	l.RawProfile = slices.Clone(l.RawProfile)
	if l.AccountID != nil {
		id := *l.AccountID
		l.AccountID = &id
	}
	if l.DisplayName != nil {
		s := *l.DisplayName
		l.DisplayName = &s
	}
	if l.PictureURL != nil {
		s := *l.PictureURL
		l.PictureURL = &s
	}
	return l
}

// MemSessionStore implements auth.SessionStore over a map.
// Use *Err fields to inject errors for specific operations.
type MemSessionStore struct {
	CreateErr     error
	GetErr        error
	InvalidateErr error

	mu          sync.Mutex
	sessions    map[string]store.SessionContext
	ttls        map[string]time.Duration
	invalidated []string
}

// NewMemSessionStore returns an empty session store.
func NewMemSessionStore() *MemSessionStore {
	return &MemSessionStore{
		sessions: make(map[string]store.SessionContext),
		ttls:     make(map[string]time.Duration),
	}
}

func (s *MemSessionStore) CreateSession(_ context.Context, sc store.SessionContext, ttl time.Duration) (string, error) {
	if s.CreateErr != nil {
		return "", s.CreateErr
	}
	token, _, err := store.GenerateToken()
	if err != nil {
		return "", err
	}
	handle := base64.RawURLEncoding.EncodeToString(token[:])

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[handle] = sc
	s.ttls[handle] = ttl
	return handle, nil
}

func (s *MemSessionStore) GetSession(_ context.Context, handle string) (*store.SessionContext, error) {
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.sessions[handle]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sc, nil
}

func (s *MemSessionStore) InvalidateSession(_ context.Context, handle string) error {
	if s.InvalidateErr != nil {
		return s.InvalidateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, handle)
	delete(s.ttls, handle)
	s.invalidated = append(s.invalidated, handle)
	return nil
}

// Put seeds a session under handle.
func (s *MemSessionStore) Put(handle string, sc store.SessionContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[handle] = sc
}

// TTL returns the ttl a handle was created with.
func (s *MemSessionStore) TTL(handle string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ttl, ok := s.ttls[handle]
	return ttl, ok
}

// Len reports how many live sessions are stored.
func (s *MemSessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Invalidated lists handles passed to InvalidateSession, in call order.
func (s *MemSessionStore) Invalidated() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.invalidated)
}
