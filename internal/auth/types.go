package auth

import (
	"strings"
	"time"
)

// Role is one of the closed set of principal roles.
type Role string

const (
	RoleAdministrator  Role = "administrator"
	RoleAnalyst        Role = "analyst"
	RoleViewer         Role = "viewer"
	RoleServiceAccount Role = "service-account"
)

// Roles lists every valid role.
var Roles = []Role{RoleAdministrator, RoleAnalyst, RoleViewer, RoleServiceAccount}

// ParseRole normalizes s and reports whether it names a known role.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.TrimSpace(strings.ToLower(s)))
	for _, known := range Roles {
		if r == known {
			return r, true
		}
	}
	return "", false
}

// User is a principal record. Users are deactivated, never deleted.
type User struct {
	ID                  string     `json:"id" db:"id"`
	Email               string     `json:"email" db:"email"`
	Handle              string     `json:"handle" db:"handle"`
	PasswordHash        string     `json:"-" db:"password_hash"`
	Role                Role       `json:"role" db:"role"`
	Active              bool       `json:"active" db:"active"`
	LastAuthenticatedAt *time.Time `json:"last_authenticated_at,omitempty" db:"last_authenticated_at"`
	DailyCalls          int64      `json:"daily_calls" db:"daily_calls"`
	DailyCallsDate      *time.Time `json:"-" db:"daily_calls_date"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at" db:"updated_at"`
}

// ClientMeta is recorded on sessions for audit purposes.
type ClientMeta struct {
	Address   string
	UserAgent string
}

// Session ties a live token pair to a principal. TokenID is embedded in both
// tokens of the pair and is never reused.
type Session struct {
	TokenID   string     `db:"token_id"`
	UserID    string     `db:"user_id"`
	IssuedAt  time.Time  `db:"issued_at"`
	ExpiresAt time.Time  `db:"expires_at"`
	Revoked   bool       `db:"revoked"`
	RevokedAt *time.Time `db:"revoked_at"`
	Address   string     `db:"client_address"`
	UserAgent string     `db:"client_agent"`
}

// Live reports whether the session can still back a token at now.
func (s *Session) Live(now time.Time) bool {
	return s != nil && !s.Revoked && now.Before(s.ExpiresAt)
}

// APIKey is the persisted metadata of a long-lived key. The plaintext secret
// is never stored; KeyHash is a one-way digest of it.
type APIKey struct {
	ID          string     `json:"id" db:"id"`
	UserID      string     `json:"owner_id" db:"user_id"`
	KeyHash     string     `json:"-" db:"key_hash"`
	Prefix      string     `json:"prefix" db:"prefix"`
	Scopes      []string   `json:"scopes" db:"-"`
	HourlyLimit int64      `json:"hourly_limit" db:"hourly_limit"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	Revoked     bool       `json:"revoked" db:"revoked"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	CreatedBy   string     `json:"created_by" db:"created_by"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
}

// Usable reports whether the key may authenticate at now.
func (k *APIKey) Usable(now time.Time) bool {
	if k == nil || k.Revoked {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}

// TokenPair is returned by login and refresh.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	TokenID          string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Principal is an authenticated caller with its effective scopes resolved
// for this request.
type Principal struct {
	User   *User
	Scopes Scopes
	Via    CredentialKind
	// KeyID or TokenID of the credential that authenticated the request.
	CredentialID string
}

// ID returns the principal's user id.
func (p Principal) ID() string {
	if p.User == nil {
		return ""
	}
	return p.User.ID
}

// OperatorPrincipal is the administrator identity used by out-of-band
// tooling. It does not exist in the store and cannot authenticate.
func OperatorPrincipal(name string) Principal {
	if name == "" {
		name = "cli"
	}
	return Principal{
		User:   &User{ID: "operator:" + name, Handle: name, Role: RoleAdministrator, Active: true},
		Scopes: RoleScopes(RoleAdministrator),
	}
}
