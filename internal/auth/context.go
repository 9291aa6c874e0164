package auth

import "context"

type ctxKey int

const principalKey ctxKey = iota

// ContextWithPrincipal attaches the authenticated principal to ctx.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the principal set by ContextWithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok || p.User == nil {
		return Principal{}, false
	}
	return p, true
}

// AuthorizeContext checks required against the principal carried by ctx.
// A context without one fails with ErrTokenInvalid.
func (s *Service) AuthorizeContext(ctx context.Context, required string) (Principal, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return Principal{}, ErrTokenInvalid
	}
	return p, s.Authorize(p, required)
}
