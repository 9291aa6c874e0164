package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/qazna-org/access/internal/ids"
	"github.com/qazna-org/access/internal/obs"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 14 * 24 * time.Hour
	defaultIssuer     = "qazna-access"
)

// TokenClass distinguishes the two tokens of a pair.
type TokenClass string

const (
	ClassAccess  TokenClass = "access"
	ClassRefresh TokenClass = "refresh"
)

// Claims are the signed contents of access and refresh tokens. ID (jti)
// carries the session token identifier.
type Claims struct {
	Class TokenClass `json:"typ"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies signed tokens backed by sessions.
type TokenIssuer struct {
	sessions SessionStore
	now      func() time.Time
	log      *logrus.Entry

	method     jwt.SigningMethod
	signKey    any
	verifyKey  any
	keyID      string
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// TokenOption configures a TokenIssuer.
type TokenOption func(*TokenIssuer) error

// WithHMACSecret signs tokens with HS256.
func WithHMACSecret(secret string) TokenOption {
	return func(t *TokenIssuer) error {
		secret = strings.TrimSpace(secret)
		if len(secret) < 32 {
			return errors.New("auth: token secret must be at least 32 bytes")
		}
		t.method = jwt.SigningMethodHS256
		t.signKey = []byte(secret)
		t.verifyKey = []byte(secret)
		return nil
	}
}

// WithRS256Keys signs with an RSA private key and verifies with its public key.
func WithRS256Keys(privatePEM, publicPEM string) TokenOption {
	return func(t *TokenIssuer) error {
		priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(strings.TrimSpace(privatePEM)))
		if err != nil {
			return fmt.Errorf("auth: parse private key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(strings.TrimSpace(publicPEM)))
		if err != nil {
			return fmt.Errorf("auth: parse public key: %w", err)
		}
		t.method = jwt.SigningMethodRS256
		t.signKey = priv
		t.verifyKey = pub
		return nil
	}
}

// WithKeyID sets the kid header on issued tokens.
func WithKeyID(kid string) TokenOption {
	return func(t *TokenIssuer) error {
		t.keyID = strings.TrimSpace(kid)
		return nil
	}
}

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) TokenOption {
	return func(t *TokenIssuer) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			t.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(t *TokenIssuer) error {
		if ttl > 0 {
			t.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token and session lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(t *TokenIssuer) error {
		if ttl > 0 {
			t.refreshTTL = ttl
		}
		return nil
	}
}

// WithTokenClock overrides the time source.
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(t *TokenIssuer) error {
		if fn != nil {
			t.now = fn
		}
		return nil
	}
}

// NewTokenIssuer builds an issuer. A signing key option is required.
func NewTokenIssuer(sessions SessionStore, opts ...TokenOption) (*TokenIssuer, error) {
	if sessions == nil {
		return nil, errors.New("auth: session store is required")
	}
	t := &TokenIssuer{
		sessions:   sessions,
		now:        time.Now,
		log:        obs.Component("tokens"),
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	if t.method == nil {
		return nil, errors.New("auth: no token signing key configured")
	}
	if t.refreshTTL < t.accessTTL {
		return nil, errors.New("auth: refresh ttl must not be shorter than access ttl")
	}
	return t, nil
}

// AccessTTL reports the configured access token lifetime.
func (t *TokenIssuer) AccessTTL() time.Duration { return t.accessTTL }

// Issue creates a session for userID and returns a signed token pair.
func (t *TokenIssuer) Issue(ctx context.Context, userID string, meta ClientMeta) (TokenPair, error) {
	sess := t.newSession(userID, meta)
	if err := t.sessions.Create(ctx, sess); err != nil {
		return TokenPair{}, unavailable("create session", err)
	}
	obs.SessionIssued()
	return t.sign(sess)
}

// VerifyAccess validates an access token and its backing session.
// Every rejection is ErrTokenInvalid; store outages are ErrDependencyUnavailable.
func (t *TokenIssuer) VerifyAccess(ctx context.Context, token string) (*Claims, error) {
	return t.verify(ctx, token, ClassAccess)
}

// VerifyRefresh validates a refresh token and its backing session.
func (t *TokenIssuer) VerifyRefresh(ctx context.Context, token string) (*Claims, error) {
	return t.verify(ctx, token, ClassRefresh)
}

// Refresh verifies a refresh token and rotates its session.
func (t *TokenIssuer) Refresh(ctx context.Context, refreshToken string, meta ClientMeta) (TokenPair, *Claims, error) {
	claims, err := t.VerifyRefresh(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, nil, err
	}
	pair, err := t.Rotate(ctx, claims, meta)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, claims, nil
}

// Rotate revokes the session named by claims and creates its successor in a
// single store transaction. Losing a concurrent rotation yields ErrTokenInvalid.
func (t *TokenIssuer) Rotate(ctx context.Context, claims *Claims, meta ClientMeta) (TokenPair, error) {
	next := t.newSession(claims.Subject, meta)
	err := t.sessions.Rotate(ctx, claims.ID, next, t.now().UTC())
	switch {
	case err == nil:
	case errors.Is(err, ErrSessionStale):
		t.reject(claims.ID, "session already rotated or revoked")
		return TokenPair{}, ErrTokenInvalid
	default:
		return TokenPair{}, unavailable("rotate session", err)
	}
	obs.SessionIssued()
	return t.sign(next)
}

// Revoke marks a session revoked. Unknown or already revoked ids are no-ops.
func (t *TokenIssuer) Revoke(ctx context.Context, tokenID string) error {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return nil
	}
	if err := t.sessions.Revoke(ctx, tokenID, t.now().UTC()); err != nil {
		return unavailable("revoke session", err)
	}
	return nil
}

// RevokeAll revokes every live session of userID.
func (t *TokenIssuer) RevokeAll(ctx context.Context, userID string) (int64, error) {
	n, err := t.sessions.RevokeByUser(ctx, userID, t.now().UTC())
	if err != nil {
		return 0, unavailable("revoke sessions", err)
	}
	return n, nil
}

// SessionID returns the session identifier of a token with a valid
// signature, ignoring expiry and class. Used by logout.
func (t *TokenIssuer) SessionID(token string) (string, bool) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims, t.keyFunc,
		jwt.WithValidMethods([]string{t.method.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil || claims.ID == "" {
		return "", false
	}
	return claims.ID, true
}

func (t *TokenIssuer) newSession(userID string, meta ClientMeta) *Session {
	now := t.now().UTC()
	return &Session{
		TokenID:   ids.NewAt(now),
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(t.refreshTTL),
		Address:   meta.Address,
		UserAgent: truncate(meta.UserAgent, 512),
	}
}

func (t *TokenIssuer) sign(sess *Session) (TokenPair, error) {
	accessExp := sess.IssuedAt.Add(t.accessTTL)
	access, err := t.signClaims(sess, ClassAccess, accessExp)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := t.signClaims(sess, ClassRefresh, sess.ExpiresAt)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenID:          sess.TokenID,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: sess.ExpiresAt,
	}, nil
}

func (t *TokenIssuer) signClaims(sess *Session, class TokenClass, exp time.Time) (string, error) {
	claims := Claims{
		Class: class,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   sess.UserID,
			ID:        sess.TokenID,
			IssuedAt:  jwt.NewNumericDate(sess.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token := jwt.NewWithClaims(t.method, claims)
	if t.keyID != "" {
		token.Header["kid"] = t.keyID
	}
	signed, err := token.SignedString(t.signKey)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", class, err)
	}
	return signed, nil
}

func (t *TokenIssuer) keyFunc(tok *jwt.Token) (any, error) {
	if tok.Method.Alg() != t.method.Alg() {
		return nil, fmt.Errorf("unexpected signing method %s", tok.Method.Alg())
	}
	return t.verifyKey, nil
}

func (t *TokenIssuer) verify(ctx context.Context, token string, class TokenClass) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenInvalid
	}
	// Stateless checks first so forged or expired tokens never reach the store.
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, t.keyFunc,
		jwt.WithValidMethods([]string{t.method.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		t.reject(claims.ID, err.Error())
		return nil, ErrTokenInvalid
	}
	if claims.Class != class {
		t.reject(claims.ID, "token class mismatch: "+string(claims.Class))
		return nil, ErrTokenInvalid
	}
	if claims.ID == "" || strings.TrimSpace(claims.Subject) == "" {
		t.reject(claims.ID, "missing subject or session id")
		return nil, ErrTokenInvalid
	}

	sess, err := t.sessions.Find(ctx, claims.ID)
	if err != nil {
		if isMiss(err) {
			t.reject(claims.ID, "session not found")
			return nil, ErrTokenInvalid
		}
		return nil, unavailable("find session", err)
	}
	if sess.UserID != claims.Subject {
		t.reject(claims.ID, "session owner mismatch")
		return nil, ErrTokenInvalid
	}
	if sess.Revoked {
		t.reject(claims.ID, "session revoked")
		return nil, ErrTokenInvalid
	}
	if !t.now().Before(sess.ExpiresAt) {
		t.reject(claims.ID, "session expired")
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (t *TokenIssuer) reject(tokenID, cause string) {
	t.log.WithFields(logrus.Fields{"token_id": tokenID, "cause": cause}).Info("token rejected")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
