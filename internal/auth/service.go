package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/qazna-org/access/internal/audit"
	"github.com/qazna-org/access/internal/obs"
)

const defaultRateWindow = time.Hour

// DefaultRoleCeilings are hourly request ceilings for bearer principals.
var DefaultRoleCeilings = map[Role]int64{
	RoleAdministrator:  10000,
	RoleAnalyst:        1000,
	RoleViewer:         500,
	RoleServiceAccount: 5000,
}

// Service is the single entry point for authentication and authorization.
type Service struct {
	store   Store
	users   UserStore
	tokens  *TokenIssuer
	keys    *KeyManager
	limiter RateLimiter
	now     func() time.Time
	log     *logrus.Entry

	tokenOpts []TokenOption
	ceilings  map[Role]int64
	window    time.Duration
	keyLimit  int64
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithTokenOptions passes options through to the token issuer.
func WithTokenOptions(opts ...TokenOption) ServiceOption {
	return func(s *Service) error {
		s.tokenOpts = append(s.tokenOpts, opts...)
		return nil
	}
}

// WithRateLimiter enables per-principal and per-key throttling.
func WithRateLimiter(l RateLimiter) ServiceOption {
	return func(s *Service) error {
		s.limiter = l
		return nil
	}
}

// WithRoleCeilings overrides hourly ceilings per role; missing roles keep
// their defaults.
func WithRoleCeilings(ceilings map[Role]int64) ServiceOption {
	return func(s *Service) error {
		for role, n := range ceilings {
			if _, ok := ParseRole(string(role)); !ok {
				return fmt.Errorf("auth: unknown role %q in ceilings", role)
			}
			if n < 0 {
				return fmt.Errorf("auth: negative ceiling for role %q", role)
			}
			s.ceilings[role] = n
		}
		return nil
	}
}

// WithRateWindow sets the fixed window used for principal ceilings.
func WithRateWindow(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d > 0 {
			s.window = d
		}
		return nil
	}
}

// WithDefaultKeyLimit sets the hourly ceiling for keys created without one.
func WithDefaultKeyLimit(n int64) ServiceOption {
	return func(s *Service) error {
		if n > 0 {
			s.keyLimit = n
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	svc := &Service{
		store:    store,
		users:    store.Users(),
		now:      time.Now,
		log:      obs.Component("access"),
		ceilings: make(map[Role]int64, len(DefaultRoleCeilings)),
		window:   defaultRateWindow,
		keyLimit: defaultKeyHourlyLimit,
	}
	for role, n := range DefaultRoleCeilings {
		svc.ceilings[role] = n
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	tokenOpts := append([]TokenOption{WithTokenClock(svc.now)}, svc.tokenOpts...)
	tokens, err := NewTokenIssuer(store.Sessions(), tokenOpts...)
	if err != nil {
		return nil, err
	}
	svc.tokens = tokens
	svc.keys = NewKeyManager(store, svc.limiter, svc.now)
	svc.keys.defaultHourlyLimit = svc.keyLimit
	return svc, nil
}

// Tokens exposes the token issuer.
func (s *Service) Tokens() *TokenIssuer { return s.tokens }

// Keys exposes the API key manager.
func (s *Service) Keys() *KeyManager { return s.keys }

// Ready reports whether the persistence collaborator answers.
func (s *Service) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Login verifies credentials and issues a token pair. Unknown identifiers,
// inactive accounts and wrong passwords all yield ErrAuthenticationFailed.
func (s *Service) Login(ctx context.Context, identifier, password string, meta ClientMeta) (TokenPair, *User, error) {
	pair, user, err := s.login(ctx, identifier, password, meta)
	s.outcome("login", err)
	return pair, user, err
}

func (s *Service) login(ctx context.Context, identifier, password string, meta ClientMeta) (TokenPair, *User, error) {
	identifier = strings.TrimSpace(strings.ToLower(identifier))
	fail := func(userID, cause string) (TokenPair, *User, error) {
		_ = audit.LogEvent(ctx, "auth.login.failed", map[string]any{
			"identifier": identifier,
			"user_id":    userID,
			"cause":      cause,
			"address":    meta.Address,
		})
		return TokenPair{}, nil, ErrAuthenticationFailed
	}
	if identifier == "" || password == "" {
		burnPasswordCheck(password)
		return fail("", "empty identifier or password")
	}

	user, err := s.users.FindByLogin(ctx, identifier)
	if err != nil {
		if isMiss(err) {
			burnPasswordCheck(password)
			return fail("", "unknown identifier")
		}
		return TokenPair{}, nil, unavailable("find principal", err)
	}
	passwordOK := VerifyPassword(password, user.PasswordHash)
	if !user.Active {
		return fail(user.ID, "principal inactive")
	}
	if !passwordOK {
		return fail(user.ID, "wrong password")
	}

	pair, err := s.tokens.Issue(ctx, user.ID, meta)
	if err != nil {
		return TokenPair{}, nil, err
	}
	now := s.now().UTC()
	if err := s.users.RecordLogin(ctx, user.ID, now); err != nil {
		s.log.WithError(err).WithField("user_id", user.ID).Warn("record login")
	} else {
		user.LastAuthenticatedAt = &now
	}
	_ = audit.LogEvent(audit.WithActor(ctx, user.ID), "auth.login.succeeded", map[string]any{
		"user_id":  user.ID,
		"token_id": pair.TokenID,
		"address":  meta.Address,
	})
	return pair, user, nil
}

// Refresh rotates the session behind refreshToken and returns a new pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta ClientMeta) (TokenPair, *User, error) {
	pair, user, err := s.refresh(ctx, refreshToken, meta)
	s.outcome("refresh", err)
	return pair, user, err
}

func (s *Service) refresh(ctx context.Context, refreshToken string, meta ClientMeta) (TokenPair, *User, error) {
	claims, err := s.tokens.VerifyRefresh(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, nil, err
	}
	user, err := s.activeUser(ctx, claims.Subject, ErrTokenInvalid)
	if err != nil {
		if errors.Is(err, ErrTokenInvalid) {
			_ = s.tokens.Revoke(ctx, claims.ID)
		}
		return TokenPair{}, nil, err
	}
	pair, err := s.tokens.Rotate(ctx, claims, meta)
	if err != nil {
		return TokenPair{}, nil, err
	}
	_ = audit.LogEvent(audit.WithActor(ctx, user.ID), "auth.token.refreshed", map[string]any{
		"previous_token_id": claims.ID,
		"token_id":          pair.TokenID,
	})
	return pair, user, nil
}

// Logout revokes the session referenced by an access or refresh token.
// Unverifiable tokens are ignored so logout is always idempotent.
func (s *Service) Logout(ctx context.Context, token string) error {
	tokenID, ok := s.tokens.SessionID(token)
	if !ok {
		s.log.Info("logout with unverifiable token ignored")
		s.outcome("logout", nil)
		return nil
	}
	err := s.tokens.Revoke(ctx, tokenID)
	s.outcome("logout", err)
	if err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "auth.logout", map[string]any{"token_id": tokenID})
	return nil
}

// AuthenticateRequest resolves a credential to a principal with effective
// scopes, applying the rate limit for the credential.
func (s *Service) AuthenticateRequest(ctx context.Context, cred Credential) (Principal, error) {
	var (
		p   Principal
		err error
	)
	switch cred.Kind {
	case CredentialBearer:
		p, err = s.authenticateBearer(ctx, cred.Secret)
	case CredentialAPIKey:
		p, err = s.authenticateKey(ctx, cred.Secret)
	default:
		err = ErrTokenInvalid
	}
	s.outcome("authenticate_"+cred.Kind.String(), err)
	return p, err
}

func (s *Service) authenticateBearer(ctx context.Context, token string) (Principal, error) {
	claims, err := s.tokens.VerifyAccess(ctx, token)
	if err != nil {
		return Principal{}, err
	}
	user, err := s.activeUser(ctx, claims.Subject, ErrTokenInvalid)
	if err != nil {
		return Principal{}, err
	}
	if err := s.throttle(ctx, "user:"+user.ID, s.ceilings[user.Role]); err != nil {
		return Principal{}, err
	}
	scopes, err := s.effectiveScopes(ctx, user)
	if err != nil {
		return Principal{}, err
	}
	return Principal{User: user, Scopes: scopes, Via: CredentialBearer, CredentialID: claims.ID}, nil
}

func (s *Service) authenticateKey(ctx context.Context, presented string) (Principal, error) {
	key, owner, err := s.keys.Verify(ctx, presented)
	if err != nil {
		return Principal{}, err
	}
	if err := s.keys.Admit(ctx, key); err != nil {
		return Principal{}, err
	}
	ownerScopes, err := s.effectiveScopes(ctx, owner)
	if err != nil {
		return Principal{}, err
	}
	return Principal{
		User:         owner,
		Scopes:       Intersect(key.Scopes, ownerScopes),
		Via:          CredentialAPIKey,
		CredentialID: key.ID,
	}, nil
}

func (s *Service) throttle(ctx context.Context, identifier string, ceiling int64) error {
	if s.limiter == nil {
		return nil
	}
	d, err := s.limiter.CheckAndIncrement(ctx, identifier, ceiling, s.window)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return &ThrottledError{Identifier: identifier, Limit: d.Limit, RetryAfter: d.RetryAfter}
	}
	return nil
}

// Authorize fails with ErrForbidden unless p's scopes satisfy required.
func (s *Service) Authorize(p Principal, required string) error {
	if HasPermission(p.Scopes, required) {
		return nil
	}
	s.log.WithFields(logrus.Fields{
		"user_id":  p.ID(),
		"via":      p.Via.String(),
		"required": required,
	}).Info("authorization denied")
	obs.AuthOutcome("authorize", "forbidden")
	return fmt.Errorf("%w: requires %s", ErrForbidden, required)
}

// EffectiveScopes resolves userID's role and overrides at call time.
func (s *Service) EffectiveScopes(ctx context.Context, userID string) (Scopes, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.effectiveScopes(ctx, user)
}

func (s *Service) effectiveScopes(ctx context.Context, user *User) (Scopes, error) {
	overrides, err := s.users.Overrides(ctx, user.ID)
	if err != nil {
		return nil, unavailable("load overrides", err)
	}
	return Resolve(user.Role, overrides), nil
}

// activeUser loads id and maps a miss or an inactive account to rejectWith.
func (s *Service) activeUser(ctx context.Context, id string, rejectWith error) (*User, error) {
	user, err := s.users.Find(ctx, id)
	if err != nil {
		if isMiss(err) {
			s.log.WithField("user_id", id).Info("credential references missing principal")
			return nil, rejectWith
		}
		return nil, unavailable("find principal", err)
	}
	if !user.Active {
		s.log.WithField("user_id", id).Info("credential references inactive principal")
		return nil, rejectWith
	}
	return user, nil
}

// NewUser describes a principal to register.
type NewUser struct {
	Email    string
	Handle   string
	Password string
	Role     Role
}

// RegisterUser creates an active principal.
func (s *Service) RegisterUser(ctx context.Context, in NewUser) (*User, error) {
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	handle := strings.TrimSpace(strings.ToLower(in.Handle))
	if handle == "" || strings.ContainsAny(handle, "@ \t") {
		return nil, fmt.Errorf("%w: handle is required and may not contain '@' or spaces", ErrInvalidInput)
	}
	role, ok := ParseRole(string(in.Role))
	if !ok {
		return nil, fmt.Errorf("%w: unsupported role %q", ErrInvalidInput, in.Role)
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	user := &User{
		ID:           uuid.NewString(),
		Email:        email,
		Handle:       handle,
		PasswordHash: hash,
		Role:         role,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: email or handle already registered", ErrConflict)
		}
		return nil, unavailable("create principal", err)
	}
	_ = audit.LogEvent(ctx, "principal.created", map[string]any{"user_id": user.ID, "role": string(role)})
	return user, nil
}

// GetUser loads a principal by id.
func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	user, err := s.users.Find(ctx, id)
	if err != nil {
		if isMiss(err) {
			return nil, ErrNotFound
		}
		return nil, unavailable("find principal", err)
	}
	return user, nil
}

// SetRole changes a principal's role; it applies to the next permission check.
func (s *Service) SetRole(ctx context.Context, id string, role Role) error {
	r, ok := ParseRole(string(role))
	if !ok {
		return fmt.Errorf("%w: unsupported role %q", ErrInvalidInput, role)
	}
	if err := s.users.SetRole(ctx, id, r); err != nil {
		return s.adminError("set role", err)
	}
	_ = audit.LogEvent(ctx, "principal.role_changed", map[string]any{"user_id": id, "role": string(r)})
	return nil
}

// SetActive activates or deactivates a principal. Deactivation revokes every
// live session of the principal.
func (s *Service) SetActive(ctx context.Context, id string, active bool) error {
	if err := s.users.SetActive(ctx, id, active); err != nil {
		return s.adminError("set active", err)
	}
	fields := map[string]any{"user_id": id, "active": active}
	if !active {
		n, err := s.tokens.RevokeAll(ctx, id)
		if err != nil {
			return err
		}
		fields["sessions_revoked"] = n
	}
	_ = audit.LogEvent(ctx, "principal.status_changed", fields)
	return nil
}

// GrantOverride adds an extra scope to a principal.
func (s *Service) GrantOverride(ctx context.Context, id, scope string) error {
	scopes, err := ValidateScopes([]string{scope})
	if err != nil {
		return err
	}
	if len(scopes) != 1 {
		return fmt.Errorf("%w: scope is required", ErrInvalidInput)
	}
	if err := s.users.GrantOverride(ctx, id, scopes[0]); err != nil {
		return s.adminError("grant override", err)
	}
	_ = audit.LogEvent(ctx, "principal.override_granted", map[string]any{"user_id": id, "scope": scopes[0]})
	return nil
}

// RevokeOverride removes an extra scope; removing an absent scope is a no-op.
func (s *Service) RevokeOverride(ctx context.Context, id, scope string) error {
	scope = strings.TrimSpace(strings.ToLower(scope))
	if err := s.users.RevokeOverride(ctx, id, scope); err != nil {
		return s.adminError("revoke override", err)
	}
	_ = audit.LogEvent(ctx, "principal.override_revoked", map[string]any{"user_id": id, "scope": scope})
	return nil
}

// RevokeSessions revokes every live session of userID.
func (s *Service) RevokeSessions(ctx context.Context, userID string) (int64, error) {
	n, err := s.tokens.RevokeAll(ctx, userID)
	if err != nil {
		return 0, err
	}
	_ = audit.LogEvent(ctx, "session.revoked_all", map[string]any{"user_id": userID, "count": n})
	return n, nil
}

// APIKeyRequest describes a key creation on behalf of OwnerID (defaults to
// the acting principal).
type APIKeyRequest struct {
	OwnerID     string
	Scopes      []string
	TTL         time.Duration
	HourlyLimit int64
}

// CreateAPIKey issues a key. The actor needs manage:api_keys, plus
// manage:users when acting for someone else. Every requested scope must be
// held by both the actor and the owner.
func (s *Service) CreateAPIKey(ctx context.Context, actor Principal, req APIKeyRequest) (string, *APIKey, error) {
	if err := s.Authorize(actor, ScopeManageAPIKeys); err != nil {
		return "", nil, err
	}
	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		ownerID = actor.ID()
	}
	if ownerID != actor.ID() {
		if err := s.Authorize(actor, ScopeManageUsers); err != nil {
			return "", nil, err
		}
	}
	owner, err := s.GetUser(ctx, ownerID)
	if err != nil {
		return "", nil, err
	}
	if !owner.Active {
		return "", nil, fmt.Errorf("%w: owner is inactive", ErrInvalidInput)
	}
	ownerScopes, err := s.effectiveScopes(ctx, owner)
	if err != nil {
		return "", nil, err
	}
	scopes, err := ValidateScopes(req.Scopes)
	if err != nil {
		return "", nil, err
	}
	for _, sc := range scopes {
		if !HasPermission(ownerScopes, sc) || !HasPermission(actor.Scopes, sc) {
			return "", nil, fmt.Errorf("%w: scope %s exceeds granted permissions", ErrForbidden, sc)
		}
	}
	plaintext, key, err := s.keys.Create(ctx, KeySpec{
		OwnerID:     owner.ID,
		CreatedBy:   actor.ID(),
		Scopes:      scopes,
		TTL:         req.TTL,
		HourlyLimit: req.HourlyLimit,
	})
	if err != nil {
		return "", nil, err
	}
	_ = audit.LogEvent(audit.WithActor(ctx, actor.ID()), "apikey.created", map[string]any{
		"key_id":       key.ID,
		"owner_id":     owner.ID,
		"scopes":       key.Scopes,
		"hourly_limit": key.HourlyLimit,
	})
	return plaintext, key, nil
}

// ListAPIKeys lists keys of ownerID (defaults to the actor).
func (s *Service) ListAPIKeys(ctx context.Context, actor Principal, ownerID string) ([]*APIKey, error) {
	if err := s.Authorize(actor, ScopeManageAPIKeys); err != nil {
		return nil, err
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		ownerID = actor.ID()
	}
	if ownerID != actor.ID() {
		if err := s.Authorize(actor, ScopeManageUsers); err != nil {
			return nil, err
		}
	}
	return s.keys.List(ctx, ownerID)
}

// RevokeAPIKey revokes keyID. Unknown keys are a no-op.
func (s *Service) RevokeAPIKey(ctx context.Context, actor Principal, keyID string) error {
	if err := s.Authorize(actor, ScopeManageAPIKeys); err != nil {
		return err
	}
	key, err := s.keys.Get(ctx, keyID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if key.UserID != actor.ID() {
		if err := s.Authorize(actor, ScopeManageUsers); err != nil {
			return err
		}
	}
	if err := s.keys.Revoke(ctx, key.ID); err != nil {
		return err
	}
	_ = audit.LogEvent(audit.WithActor(ctx, actor.ID()), "apikey.revoked", map[string]any{
		"key_id":   key.ID,
		"owner_id": key.UserID,
	})
	return nil
}

func (s *Service) adminError(op string, err error) error {
	if isMiss(err) {
		return ErrNotFound
	}
	return unavailable(op, err)
}

func (s *Service) outcome(op string, err error) {
	obs.AuthOutcome(op, Outcome(err))
}

// Outcome names the boundary outcome of err for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAuthenticationFailed):
		return "authentication_failed"
	case errors.Is(err, ErrTokenInvalid):
		return "token_invalid"
	case errors.Is(err, ErrKeyInvalid):
		return "key_invalid"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrThrottled):
		return "throttled"
	case errors.Is(err, ErrDependencyUnavailable):
		return "dependency_unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
