package httpapi

import (
	"net/http"

	"github.com/qazna-org/access/internal/audit"
	"github.com/qazna-org/access/internal/auth"
)

// Authenticate resolves the request credential to a principal or answers
// 401, 429 or 503.
func (a *API) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, err := auth.ParseCredential(r.Header.Get("Authorization"), r.Header.Get("X-API-Key"))
		if err != nil {
			unauthorized(w, r, "authentication required")
			return
		}
		principal, err := a.svc.AuthenticateRequest(r.Context(), cred)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = audit.WithActor(ctx, principal.ID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope rejects principals whose scopes do not satisfy scope.
// It must run after Authenticate.
func (a *API) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := a.svc.AuthorizeContext(r.Context(), scope); err != nil {
				writeServiceError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func principalOf(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}
