package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qazna-org/access/internal/ids"
	"github.com/qazna-org/access/internal/obs"
	"github.com/qazna-org/access/internal/ratelimit"
)

const (
	// APIKeyPrefix marks API keys so they can be told apart from bearer tokens.
	APIKeyPrefix     = "ak_"
	apiKeySecretLen  = 32
	apiKeyShownChars = 12

	defaultKeyHourlyLimit = 1000
	keyWindow             = time.Hour
)

// RateLimiter is the subset of ratelimit.Limiter the service depends on.
type RateLimiter interface {
	CheckAndIncrement(ctx context.Context, identifier string, ceiling int64, window time.Duration) (ratelimit.Decision, error)
}

// KeyManager issues, verifies and revokes API keys.
type KeyManager struct {
	keys    APIKeyStore
	users   UserStore
	limiter RateLimiter
	now     func() time.Time
	log     *logrus.Entry

	defaultHourlyLimit int64
}

// NewKeyManager wires a key manager. limiter may be nil to disable throttling.
func NewKeyManager(store Store, limiter RateLimiter, now func() time.Time) *KeyManager {
	if now == nil {
		now = time.Now
	}
	return &KeyManager{
		keys:               store.APIKeys(),
		users:              store.Users(),
		limiter:            limiter,
		now:                now,
		log:                obs.Component("apikeys"),
		defaultHourlyLimit: defaultKeyHourlyLimit,
	}
}

// KeySpec describes a key to create.
type KeySpec struct {
	OwnerID     string
	CreatedBy   string
	Scopes      []string
	TTL         time.Duration
	HourlyLimit int64
}

// Create generates a key, persists its hash and metadata, and returns the
// plaintext. The plaintext is not recoverable afterwards.
func (m *KeyManager) Create(ctx context.Context, spec KeySpec) (string, *APIKey, error) {
	scopes, err := ValidateScopes(spec.Scopes)
	if err != nil {
		return "", nil, err
	}
	if len(scopes) == 0 {
		return "", nil, fmt.Errorf("%w: at least one scope is required", ErrInvalidInput)
	}
	if spec.TTL < 0 || spec.HourlyLimit < 0 {
		return "", nil, fmt.Errorf("%w: ttl and hourly_limit must not be negative", ErrInvalidInput)
	}

	secret := make([]byte, apiKeySecretLen)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("generate api key: %w", err)
	}
	plaintext := APIKeyPrefix + base64.RawURLEncoding.EncodeToString(secret)

	now := m.now().UTC()
	key := &APIKey{
		ID:          ids.NewAt(now),
		UserID:      spec.OwnerID,
		KeyHash:     HashAPIKey(plaintext),
		Prefix:      plaintext[:apiKeyShownChars],
		Scopes:      scopes,
		HourlyLimit: spec.HourlyLimit,
		CreatedBy:   spec.CreatedBy,
		CreatedAt:   now,
	}
	if key.HourlyLimit == 0 {
		key.HourlyLimit = m.defaultHourlyLimit
	}
	if spec.TTL > 0 {
		exp := now.Add(spec.TTL)
		key.ExpiresAt = &exp
	}
	if err := m.keys.Create(ctx, key); err != nil {
		return "", nil, unavailable("create api key", err)
	}
	return plaintext, key, nil
}

// Verify resolves a presented key to its record and owner. Every rejection
// is ErrKeyInvalid; store outages are ErrDependencyUnavailable.
func (m *KeyManager) Verify(ctx context.Context, presented string) (*APIKey, *User, error) {
	presented = strings.TrimSpace(presented)
	if !strings.HasPrefix(presented, APIKeyPrefix) || len(presented) <= len(APIKeyPrefix) {
		m.reject("", "malformed key")
		return nil, nil, ErrKeyInvalid
	}
	key, err := m.keys.FindByHash(ctx, HashAPIKey(presented))
	if err != nil {
		if isMiss(err) {
			m.reject("", "unknown key")
			return nil, nil, ErrKeyInvalid
		}
		return nil, nil, unavailable("find api key", err)
	}
	now := m.now()
	if key.Revoked {
		m.reject(key.ID, "key revoked")
		return nil, nil, ErrKeyInvalid
	}
	if !key.Usable(now) {
		m.reject(key.ID, "key expired")
		return nil, nil, ErrKeyInvalid
	}
	owner, err := m.users.Find(ctx, key.UserID)
	if err != nil {
		if isMiss(err) {
			m.reject(key.ID, "owner missing")
			return nil, nil, ErrKeyInvalid
		}
		return nil, nil, unavailable("find key owner", err)
	}
	if !owner.Active {
		m.reject(key.ID, "owner inactive")
		return nil, nil, ErrKeyInvalid
	}
	if err := m.keys.TouchLastUsed(ctx, key.ID, now.UTC()); err != nil {
		m.log.WithError(err).WithField("key_id", key.ID).Warn("update key last_used_at")
	}
	return key, owner, nil
}

// Admit applies the key's hourly ceiling.
func (m *KeyManager) Admit(ctx context.Context, key *APIKey) error {
	if m.limiter == nil {
		return nil
	}
	d, err := m.limiter.CheckAndIncrement(ctx, "key:"+key.ID, key.HourlyLimit, keyWindow)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return &ThrottledError{Identifier: key.ID, Limit: d.Limit, RetryAfter: d.RetryAfter}
	}
	return nil
}

// Get loads key metadata by id.
func (m *KeyManager) Get(ctx context.Context, id string) (*APIKey, error) {
	key, err := m.keys.Find(ctx, id)
	if err != nil {
		if isMiss(err) {
			return nil, ErrNotFound
		}
		return nil, unavailable("find api key", err)
	}
	return key, nil
}

// List returns the keys owned by userID.
func (m *KeyManager) List(ctx context.Context, userID string) ([]*APIKey, error) {
	keys, err := m.keys.ListByUser(ctx, userID)
	if err != nil {
		return nil, unavailable("list api keys", err)
	}
	return keys, nil
}

// Revoke is an idempotent terminal transition.
func (m *KeyManager) Revoke(ctx context.Context, id string) error {
	if err := m.keys.Revoke(ctx, id, m.now().UTC()); err != nil {
		return unavailable("revoke api key", err)
	}
	return nil
}

func (m *KeyManager) reject(keyID, cause string) {
	m.log.WithFields(logrus.Fields{"key_id": keyID, "cause": cause}).Info("api key rejected")
}

// HashAPIKey returns the lookup digest of a plaintext key. It is unsalted so
// the same key always maps to the same api_keys.key_hash row.
func HashAPIKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
