package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the access service.
type Store interface {
	Users() UserStore
	Sessions() SessionStore
	APIKeys() APIKeyStore
	Ping(ctx context.Context) error
}

// UserStore manages principals and their permission overrides.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	// FindByLogin matches the lower-cased email or handle.
	FindByLogin(ctx context.Context, identifier string) (*User, error)
	SetRole(ctx context.Context, id string, role Role) error
	SetActive(ctx context.Context, id string, active bool) error
	// RecordLogin stamps last_authenticated_at and bumps the daily call
	// counter, resetting it when the calendar day (UTC) changed.
	RecordLogin(ctx context.Context, id string, at time.Time) error
	Overrides(ctx context.Context, id string) ([]string, error)
	GrantOverride(ctx context.Context, id, scope string) error
	RevokeOverride(ctx context.Context, id, scope string) error
}

// SessionStore manages server-side sessions keyed by token identifier.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, tokenID string) (*Session, error)
	// Revoke is idempotent: missing or already revoked sessions are not errors.
	Revoke(ctx context.Context, tokenID string, at time.Time) error
	RevokeByUser(ctx context.Context, userID string, at time.Time) (int64, error)
	// Rotate revokes oldTokenID and inserts next atomically. It fails with
	// ErrSessionStale unless the old session was live at `at`.
	Rotate(ctx context.Context, oldTokenID string, next *Session, at time.Time) error
}

// APIKeyStore manages API key metadata. Lookup is by hash only.
type APIKeyStore interface {
	Create(ctx context.Context, k *APIKey) error
	Find(ctx context.Context, id string) (*APIKey, error)
	FindByHash(ctx context.Context, hash string) (*APIKey, error)
	ListByUser(ctx context.Context, userID string) ([]*APIKey, error)
	// Revoke is idempotent.
	Revoke(ctx context.Context, id string, at time.Time) error
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}
