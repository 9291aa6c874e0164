package auth

import (
	"errors"
	"reflect"
	"testing"
)

func TestResolveRoleTable(t *testing.T) {
	cases := []struct {
		role  Role
		allow []string
		deny  []string
	}{
		{RoleAdministrator, []string{ScopeManageUsers, ScopeWriteFinancials, "read:anything"}, nil},
		{RoleAnalyst, []string{ScopeReadCompanies, ScopeWriteReports, ScopeManageAPIKeys}, []string{ScopeWriteFinancials, ScopeManageUsers}},
		{RoleViewer, []string{ScopeReadReports}, []string{ScopeWriteCompanies, ScopeManageAPIKeys}},
		{RoleServiceAccount, []string{ScopeWriteFinancials}, []string{ScopeReadReports, ScopeManageUsers}},
		{Role("auditor"), nil, []string{ScopeReadCompanies}},
	}
	for _, tc := range cases {
		scopes := Resolve(tc.role, nil)
		for _, s := range tc.allow {
			if !HasPermission(scopes, s) {
				t.Fatalf("%s: expected %s", tc.role, s)
			}
		}
		for _, s := range tc.deny {
			if HasPermission(scopes, s) {
				t.Fatalf("%s: unexpected %s", tc.role, s)
			}
		}
	}
}

func TestResolveIsDeterministicAndFresh(t *testing.T) {
	a := Resolve(RoleViewer, []string{ScopeWriteReports})
	b := Resolve(RoleViewer, []string{ScopeWriteReports})
	if !reflect.DeepEqual(a.List(), b.List()) {
		t.Fatalf("resolve not deterministic: %v vs %v", a.List(), b.List())
	}
	a[ScopeManageUsers] = struct{}{}
	if Resolve(RoleViewer, nil).Has(ScopeManageUsers) {
		t.Fatalf("mutating a resolved set leaked into the role table")
	}
	if !b.Has(ScopeWriteReports) {
		t.Fatalf("override not applied")
	}
}

func TestHasPermissionWildcard(t *testing.T) {
	s := newScopes("read:*")
	if !HasPermission(s, ScopeReadFinancials) {
		t.Fatalf("read:* should satisfy read:financials")
	}
	if HasPermission(s, ScopeWriteFinancials) {
		t.Fatalf("read:* must not satisfy write:financials")
	}
	if HasPermission(s, "malformed") {
		t.Fatalf("malformed scope satisfied")
	}
}

func TestIntersect(t *testing.T) {
	got := Intersect([]string{ScopeReadCompanies, ScopeWriteCompanies}, RoleScopes(RoleViewer))
	if !reflect.DeepEqual(got.List(), []string{ScopeReadCompanies}) {
		t.Fatalf("unexpected intersection: %v", got.List())
	}
}

func TestValidateScopes(t *testing.T) {
	got, err := ValidateScopes([]string{" Read:Companies", "read:companies", "", "manage:api_keys"})
	if err != nil {
		t.Fatalf("ValidateScopes: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"manage:api_keys", "read:companies"}) {
		t.Fatalf("unexpected scopes: %v", got)
	}
	if _, err := ValidateScopes([]string{"delete:everything"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
