package auth

import (
	"fmt"
	"sort"
	"strings"
)

// Scope strings have the form action:resource.
const (
	ScopeReadCompanies   = "read:companies"
	ScopeWriteCompanies  = "write:companies"
	ScopeReadFinancials  = "read:financials"
	ScopeWriteFinancials = "write:financials"
	ScopeReadReports     = "read:reports"
	ScopeWriteReports    = "write:reports"
	ScopeManageUsers     = "manage:users"
	ScopeManageAPIKeys   = "manage:api_keys"

	ScopeReadAll   = "read:*"
	ScopeWriteAll  = "write:*"
	ScopeManageAll = "manage:*"
)

// Catalog is the closed, versioned list of grantable scopes.
var Catalog = []string{
	ScopeReadCompanies, ScopeWriteCompanies,
	ScopeReadFinancials, ScopeWriteFinancials,
	ScopeReadReports, ScopeWriteReports,
	ScopeManageUsers, ScopeManageAPIKeys,
	ScopeReadAll, ScopeWriteAll, ScopeManageAll,
}

var catalogSet = newScopes(Catalog...)

// roleScopes is built once and never mutated.
var roleScopes = map[Role]Scopes{
	RoleAdministrator: newScopes(ScopeReadAll, ScopeWriteAll, ScopeManageAll),
	RoleAnalyst: newScopes(
		ScopeReadCompanies, ScopeWriteCompanies,
		ScopeReadFinancials,
		ScopeReadReports, ScopeWriteReports,
		ScopeManageAPIKeys,
	),
	RoleViewer:         newScopes(ScopeReadCompanies, ScopeReadFinancials, ScopeReadReports),
	RoleServiceAccount: newScopes(ScopeReadCompanies, ScopeReadFinancials, ScopeWriteFinancials),
}

// Scopes is an immutable-by-convention set of scope strings.
type Scopes map[string]struct{}

func newScopes(values ...string) Scopes {
	s := make(Scopes, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

// Has reports whether the set satisfies required, honouring action:* wildcards.
func (s Scopes) Has(required string) bool {
	return HasPermission(s, required)
}

// List returns the scopes sorted.
func (s Scopes) List() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the effective scopes for role plus additive overrides.
// It allocates a fresh set on every call; callers may not share results
// across requests.
func Resolve(role Role, overrides []string) Scopes {
	base := roleScopes[role]
	out := make(Scopes, len(base)+len(overrides))
	for k := range base {
		out[k] = struct{}{}
	}
	for _, o := range overrides {
		if o = strings.TrimSpace(o); o != "" {
			out[o] = struct{}{}
		}
	}
	return out
}

// RoleScopes returns a copy of the default scopes for role.
func RoleScopes(role Role) Scopes {
	return Resolve(role, nil)
}

// HasPermission reports whether effective satisfies required by exact match
// or by an action:* wildcard for the same action.
func HasPermission(effective Scopes, required string) bool {
	if _, ok := effective[required]; ok {
		return true
	}
	action, _, ok := splitScope(required)
	if !ok {
		return false
	}
	_, ok = effective[action+":*"]
	return ok
}

// Intersect returns the members of requested satisfied by allowed.
func Intersect(requested []string, allowed Scopes) Scopes {
	out := make(Scopes, len(requested))
	for _, r := range requested {
		if HasPermission(allowed, r) {
			out[r] = struct{}{}
		}
	}
	return out
}

// ValidateScopes normalizes and checks scopes against the catalog.
func ValidateScopes(scopes []string) ([]string, error) {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, raw := range scopes {
		s := strings.TrimSpace(strings.ToLower(raw))
		if s == "" {
			continue
		}
		if _, ok := catalogSet[s]; !ok {
			return nil, fmt.Errorf("%w: unknown scope %q", ErrInvalidInput, raw)
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func splitScope(scope string) (action, resource string, ok bool) {
	action, resource, ok = strings.Cut(scope, ":")
	if !ok || action == "" || resource == "" {
		return "", "", false
	}
	return action, resource, true
}
