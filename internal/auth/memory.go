package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a thread-safe in-memory Store for tests and local runs.
// Every method copies records in and out so callers never share state.
type MemoryStore struct {
	mu sync.RWMutex

	users     map[string]*User
	overrides map[string]map[string]struct{}
	sessions  map[string]*Session
	keys      map[string]*APIKey
	keyHashes map[string]string

	fail error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*User),
		overrides: make(map[string]map[string]struct{}),
		sessions:  make(map[string]*Session),
		keys:      make(map[string]*APIKey),
		keyHashes: make(map[string]string),
	}
}

func (m *MemoryStore) Users() UserStore       { return memUsers{m} }
func (m *MemoryStore) Sessions() SessionStore { return memSessions{m} }
func (m *MemoryStore) APIKeys() APIKeyStore   { return memKeys{m} }

// SetFailure makes every subsequent call return err until reset with nil.
func (m *MemoryStore) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *MemoryStore) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fail
}

// Users -------------------------------------------------------------------

type memUsers struct{ m *MemoryStore }

func (s memUsers) Create(_ context.Context, u *User) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if _, ok := m.users[u.ID]; ok {
		return ErrConflict
	}
	for _, existing := range m.users {
		if strings.EqualFold(existing.Email, u.Email) || strings.EqualFold(existing.Handle, u.Handle) {
			return ErrConflict
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (s memUsers) Find(_ context.Context, id string) (*User, error) {
	m := s.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s memUsers) FindByLogin(_ context.Context, identifier string) (*User, error) {
	m := s.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	identifier = strings.ToLower(identifier)
	for _, u := range m.users {
		if strings.ToLower(u.Email) == identifier || strings.ToLower(u.Handle) == identifier {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s memUsers) update(id string, fn func(*User)) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	return nil
}

func (s memUsers) SetRole(_ context.Context, id string, role Role) error {
	return s.update(id, func(u *User) { u.Role = role; u.UpdatedAt = time.Now().UTC() })
}

func (s memUsers) SetActive(_ context.Context, id string, active bool) error {
	return s.update(id, func(u *User) { u.Active = active; u.UpdatedAt = time.Now().UTC() })
}

func (s memUsers) RecordLogin(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(u *User) {
		at := at.UTC()
		day := at.Truncate(24 * time.Hour)
		if u.DailyCallsDate == nil || !u.DailyCallsDate.Equal(day) {
			u.DailyCalls = 0
			u.DailyCallsDate = &day
		}
		u.DailyCalls++
		u.LastAuthenticatedAt = &at
	})
}

func (s memUsers) Overrides(_ context.Context, id string) ([]string, error) {
	m := s.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var out []string
	for scope := range m.overrides[id] {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out, nil
}

func (s memUsers) GrantOverride(_ context.Context, id, scope string) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	set, ok := m.overrides[id]
	if !ok {
		set = make(map[string]struct{})
		m.overrides[id] = set
	}
	set[scope] = struct{}{}
	return nil
}

func (s memUsers) RevokeOverride(_ context.Context, id, scope string) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	delete(m.overrides[id], scope)
	return nil
}

// Sessions ----------------------------------------------------------------

type memSessions struct{ m *MemoryStore }

func (s memSessions) Create(_ context.Context, sess *Session) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if _, ok := m.sessions[sess.TokenID]; ok {
		return ErrConflict
	}
	cp := *sess
	m.sessions[sess.TokenID] = &cp
	return nil
}

func (s memSessions) Find(_ context.Context, tokenID string) (*Session, error) {
	m := s.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	sess, ok := m.sessions[tokenID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s memSessions) Revoke(_ context.Context, tokenID string, at time.Time) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if sess, ok := m.sessions[tokenID]; ok && !sess.Revoked {
		sess.Revoked = true
		sess.RevokedAt = &at
	}
	return nil
}

func (s memSessions) RevokeByUser(_ context.Context, userID string, at time.Time) (int64, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return 0, m.fail
	}
	var n int64
	for _, sess := range m.sessions {
		if sess.UserID == userID && !sess.Revoked {
			sess.Revoked = true
			sess.RevokedAt = &at
			n++
		}
	}
	return n, nil
}

func (s memSessions) Rotate(_ context.Context, oldTokenID string, next *Session, at time.Time) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	old, ok := m.sessions[oldTokenID]
	if !ok || !old.Live(at) {
		return ErrSessionStale
	}
	if _, dup := m.sessions[next.TokenID]; dup {
		return ErrConflict
	}
	old.Revoked = true
	old.RevokedAt = &at
	cp := *next
	m.sessions[next.TokenID] = &cp
	return nil
}

// API keys ----------------------------------------------------------------

type memKeys struct{ m *MemoryStore }

func copyKey(k *APIKey) *APIKey {
	cp := *k
	cp.Scopes = append([]string(nil), k.Scopes...)
	return &cp
}

func (s memKeys) Create(_ context.Context, k *APIKey) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if _, ok := m.keys[k.ID]; ok {
		return ErrConflict
	}
	if _, ok := m.keyHashes[k.KeyHash]; ok {
		return ErrConflict
	}
	m.keys[k.ID] = copyKey(k)
	m.keyHashes[k.KeyHash] = k.ID
	return nil
}

func (s memKeys) Find(_ context.Context, id string) (*APIKey, error) {
	m := s.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	k, ok := m.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyKey(k), nil
}

func (s memKeys) FindByHash(_ context.Context, hash string) (*APIKey, error) {
	m := s.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	id, ok := m.keyHashes[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return copyKey(m.keys[id]), nil
}

func (s memKeys) ListByUser(_ context.Context, userID string) ([]*APIKey, error) {
	m := s.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var out []*APIKey
	for _, k := range m.keys {
		if k.UserID == userID {
			out = append(out, copyKey(k))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memKeys) Revoke(_ context.Context, id string, at time.Time) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if k, ok := m.keys[id]; ok && !k.Revoked {
		k.Revoked = true
		k.RevokedAt = &at
	}
	return nil
}

func (s memKeys) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if k, ok := m.keys[id]; ok {
		k.LastUsedAt = &at
	}
	return nil
}
