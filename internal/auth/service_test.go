package auth

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestLoginThenAccess(t *testing.T) {
	f := newFixture(t)
	alice := f.register(t, "alice", RoleAnalyst)

	pair, user, err := f.svc.Login(context.Background(), "alice", "correct horse", ClientMeta{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if user.ID != alice.ID || user.LastAuthenticatedAt == nil {
		t.Fatalf("unexpected login user: %+v", user)
	}

	p := f.bearer(t, pair.AccessToken)
	if p.ID() != alice.ID || p.Via != CredentialBearer || p.CredentialID != pair.TokenID {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if !reflect.DeepEqual(p.Scopes.List(), RoleScopes(RoleAnalyst).List()) {
		t.Fatalf("expected analyst scopes, got %v", p.Scopes.List())
	}

	stored, err := f.svc.GetUser(context.Background(), alice.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if stored.DailyCalls != 1 {
		t.Fatalf("expected daily counter 1, got %d", stored.DailyCalls)
	}
}

func TestLoginByEmailIsCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	f.register(t, "bob", RoleViewer)
	if _, _, err := f.svc.Login(context.Background(), "  BOB@Example.com ", "correct horse", ClientMeta{}); err != nil {
		t.Fatalf("Login by email: %v", err)
	}
}

func TestLoginFailuresCollapse(t *testing.T) {
	f := newFixture(t)
	carol := f.register(t, "carol", RoleViewer)
	f.register(t, "dave", RoleViewer)
	if err := f.svc.SetActive(context.Background(), carol.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	cases := map[string][2]string{
		"unknown identifier": {"mallory", "correct horse"},
		"inactive account":   {"carol", "correct horse"},
		"wrong password":     {"dave", "wrong"},
		"empty password":     {"dave", ""},
	}
	for name, in := range cases {
		_, _, err := f.svc.Login(context.Background(), in[0], in[1], ClientMeta{})
		if err != ErrAuthenticationFailed {
			t.Fatalf("%s: expected bare ErrAuthenticationFailed, got %v", name, err)
		}
	}
}

func TestLoginFailsClosedOnStoreOutage(t *testing.T) {
	f := newFixture(t)
	f.register(t, "erin", RoleViewer)
	f.store.SetFailure(errors.New("connection refused"))
	if _, _, err := f.svc.Login(context.Background(), "erin", "correct horse", ClientMeta{}); !errors.Is(err, ErrDependencyUnavailable) {
		t.Fatalf("expected ErrDependencyUnavailable, got %v", err)
	}
}

func TestExpiredAccessValidRefresh(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", RoleAnalyst)
	pair := f.login(t, "alice")

	f.clock.Advance(defaultAccessTTL + time.Second)
	_, err := f.svc.AuthenticateRequest(context.Background(), Credential{Kind: CredentialBearer, Secret: pair.AccessToken})
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}

	next, _, err := f.svc.Refresh(context.Background(), pair.RefreshToken, ClientMeta{})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	f.bearer(t, next.AccessToken)
}

func TestConcurrentRefreshHasOneWinner(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", RoleAnalyst)
	pair := f.login(t, "alice")

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		invalid int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _, err := f.svc.Refresh(context.Background(), pair.RefreshToken, ClientMeta{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrTokenInvalid):
				invalid++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	if wins != 1 || invalid != callers-1 {
		t.Fatalf("expected exactly one winner, got wins=%d invalid=%d", wins, invalid)
	}
}

func TestRefreshRejectsDeactivatedPrincipal(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "alice", RoleAnalyst)
	pair := f.login(t, "alice")
	if err := f.svc.SetActive(context.Background(), u.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, _, err := f.svc.Refresh(context.Background(), pair.RefreshToken, ClientMeta{}); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", RoleAnalyst)
	pair := f.login(t, "alice")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := f.svc.Logout(ctx, pair.RefreshToken); err != nil {
			t.Fatalf("Logout #%d: %v", i+1, err)
		}
	}
	if err := f.svc.Logout(ctx, "not-a-token"); err != nil {
		t.Fatalf("Logout garbage: %v", err)
	}
	if _, err := f.svc.AuthenticateRequest(ctx, Credential{Kind: CredentialBearer, Secret: pair.AccessToken}); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("access token survived logout: %v", err)
	}
}

func TestLogoutAcceptsExpiredToken(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", RoleAnalyst)
	pair := f.login(t, "alice")
	f.clock.Advance(defaultAccessTTL + time.Minute)
	if err := f.svc.Logout(context.Background(), pair.AccessToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, _, err := f.svc.Refresh(context.Background(), pair.RefreshToken, ClientMeta{}); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("refresh after logout: %v", err)
	}
}

func TestRoleChangeAppliesOnNextCheck(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "alice", RoleAnalyst)
	pair := f.login(t, "alice")

	p := f.bearer(t, pair.AccessToken)
	if err := f.svc.Authorize(p, ScopeWriteCompanies); err != nil {
		t.Fatalf("analyst should write companies: %v", err)
	}
	if err := f.svc.SetRole(context.Background(), u.ID, RoleViewer); err != nil {
		t.Fatalf("SetRole: %v", err)
	}
	p = f.bearer(t, pair.AccessToken)
	if err := f.svc.Authorize(p, ScopeWriteCompanies); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden after downgrade, got %v", err)
	}
}

func TestOverridesAreAdditive(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "vic", RoleViewer)
	ctx := context.Background()
	if err := f.svc.GrantOverride(ctx, u.ID, ScopeWriteReports); err != nil {
		t.Fatalf("GrantOverride: %v", err)
	}
	scopes, err := f.svc.EffectiveScopes(ctx, u.ID)
	if err != nil {
		t.Fatalf("EffectiveScopes: %v", err)
	}
	if !scopes.Has(ScopeWriteReports) || !scopes.Has(ScopeReadReports) {
		t.Fatalf("unexpected scopes: %v", scopes.List())
	}
	if err := f.svc.GrantOverride(ctx, u.ID, "drop:tables"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := f.svc.RevokeOverride(ctx, u.ID, ScopeWriteReports); err != nil {
		t.Fatalf("RevokeOverride: %v", err)
	}
	scopes, _ = f.svc.EffectiveScopes(ctx, u.ID)
	if scopes.Has(ScopeWriteReports) {
		t.Fatalf("override not revoked")
	}
}

func TestKeyScopeNarrowerThanRole(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", RoleAnalyst)
	ctx := context.Background()
	alice := f.bearer(t, f.login(t, "alice").AccessToken)

	plaintext, key, err := f.svc.CreateAPIKey(ctx, alice, APIKeyRequest{Scopes: []string{ScopeReadCompanies}})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if key.KeyHash == plaintext || key.Prefix != plaintext[:12] {
		t.Fatalf("unexpected key metadata: %+v", key)
	}

	p, err := f.svc.AuthenticateRequest(ctx, Credential{Kind: CredentialAPIKey, Secret: plaintext})
	if err != nil {
		t.Fatalf("AuthenticateRequest(key): %v", err)
	}
	if err := f.svc.Authorize(p, ScopeReadCompanies); err != nil {
		t.Fatalf("key should read companies: %v", err)
	}
	if err := f.svc.Authorize(p, ScopeWriteCompanies); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := f.svc.Authorize(alice, ScopeWriteCompanies); err != nil {
		t.Fatalf("alice's own token should write companies: %v", err)
	}
}

func TestCreateAPIKeyChecksPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", RoleAnalyst)
	bob := f.register(t, "bob", RoleViewer)
	f.register(t, "root", RoleAdministrator)
	alice := f.bearer(t, f.login(t, "alice").AccessToken)
	viewer := f.bearer(t, f.login(t, "bob").AccessToken)
	admin := f.bearer(t, f.login(t, "root").AccessToken)

	if _, _, err := f.svc.CreateAPIKey(ctx, viewer, APIKeyRequest{Scopes: []string{ScopeReadCompanies}}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("viewer without manage:api_keys: %v", err)
	}
	if _, _, err := f.svc.CreateAPIKey(ctx, alice, APIKeyRequest{Scopes: []string{ScopeWriteFinancials}}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("scope beyond role: %v", err)
	}
	if _, _, err := f.svc.CreateAPIKey(ctx, alice, APIKeyRequest{OwnerID: bob.ID, Scopes: []string{ScopeReadCompanies}}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("creating for another owner without manage:users: %v", err)
	}
	if _, _, err := f.svc.CreateAPIKey(ctx, admin, APIKeyRequest{OwnerID: bob.ID, Scopes: []string{ScopeWriteCompanies}}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("scope beyond owner's role: %v", err)
	}
	_, key, err := f.svc.CreateAPIKey(ctx, admin, APIKeyRequest{OwnerID: bob.ID, Scopes: []string{ScopeReadReports}})
	if err != nil {
		t.Fatalf("admin create for bob: %v", err)
	}
	if key.UserID != bob.ID || key.CreatedBy != admin.ID() {
		t.Fatalf("unexpected ownership: %+v", key)
	}
	if _, _, err := f.svc.CreateAPIKey(ctx, alice, APIKeyRequest{Scopes: nil}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty scopes: %v", err)
	}
}

func TestAPIKeyRevokeAndExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", RoleAnalyst)
	alice := f.bearer(t, f.login(t, "alice").AccessToken)

	plaintext, key, err := f.svc.CreateAPIKey(ctx, alice, APIKeyRequest{Scopes: []string{ScopeReadCompanies}, TTL: time.Hour})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	cred := Credential{Kind: CredentialAPIKey, Secret: plaintext}

	f.clock.Advance(2 * time.Hour)
	if _, err := f.svc.AuthenticateRequest(ctx, cred); !errors.Is(err, ErrKeyInvalid) {
		t.Fatalf("expired key accepted: %v", err)
	}

	plaintext, key, err = f.svc.CreateAPIKey(ctx, alice, APIKeyRequest{Scopes: []string{ScopeReadCompanies}})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	cred = Credential{Kind: CredentialAPIKey, Secret: plaintext}
	for i := 0; i < 2; i++ {
		if err := f.svc.RevokeAPIKey(ctx, alice, key.ID); err != nil {
			t.Fatalf("RevokeAPIKey #%d: %v", i+1, err)
		}
	}
	if err := f.svc.RevokeAPIKey(ctx, alice, "missing"); err != nil {
		t.Fatalf("RevokeAPIKey unknown: %v", err)
	}
	if _, err := f.svc.AuthenticateRequest(ctx, cred); !errors.Is(err, ErrKeyInvalid) {
		t.Fatalf("revoked key accepted: %v", err)
	}
	if _, err := f.svc.AuthenticateRequest(ctx, Credential{Kind: CredentialAPIKey, Secret: "ak_unknown"}); !errors.Is(err, ErrKeyInvalid) {
		t.Fatalf("unknown key accepted: %v", err)
	}

	keys, err := f.svc.ListAPIKeys(ctx, alice, "")
	if err != nil {
		t.Fatalf("ListAPIKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
}

func TestAPIKeyRejectedWhenOwnerInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.register(t, "alice", RoleAnalyst)
	alice := f.bearer(t, f.login(t, "alice").AccessToken)
	plaintext, _, err := f.svc.CreateAPIKey(ctx, alice, APIKeyRequest{Scopes: []string{ScopeReadCompanies}})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if err := f.svc.SetActive(ctx, u.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, err := f.svc.AuthenticateRequest(ctx, Credential{Kind: CredentialAPIKey, Secret: plaintext}); !errors.Is(err, ErrKeyInvalid) {
		t.Fatalf("expected ErrKeyInvalid, got %v", err)
	}
}

func TestRevokeAPIKeyOfAnotherOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", RoleAnalyst)
	f.register(t, "amy", RoleAnalyst)
	alice := f.bearer(t, f.login(t, "alice").AccessToken)
	amy := f.bearer(t, f.login(t, "amy").AccessToken)
	_, key, err := f.svc.CreateAPIKey(ctx, alice, APIKeyRequest{Scopes: []string{ScopeReadCompanies}})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if err := f.svc.RevokeAPIKey(ctx, amy, key.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestAPIKeyHourlyCeiling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", RoleAnalyst)
	alice := f.bearer(t, f.login(t, "alice").AccessToken)
	plaintext, _, err := f.svc.CreateAPIKey(ctx, alice, APIKeyRequest{Scopes: []string{ScopeReadCompanies}, HourlyLimit: 2})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	cred := Credential{Kind: CredentialAPIKey, Secret: plaintext}
	for i := 0; i < 2; i++ {
		if _, err := f.svc.AuthenticateRequest(ctx, cred); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	_, err = f.svc.AuthenticateRequest(ctx, cred)
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
	retry, ok := RetryAfter(err)
	if !ok || retry <= 0 || retry > time.Hour {
		t.Fatalf("unexpected retry hint %v %v", retry, ok)
	}
	f.clock.Advance(retry)
	if _, err := f.svc.AuthenticateRequest(ctx, cred); err != nil {
		t.Fatalf("next window should allow: %v", err)
	}
}

func TestBearerRoleCeiling(t *testing.T) {
	f := newFixture(t, WithRoleCeilings(map[Role]int64{RoleViewer: 1}))
	f.register(t, "vic", RoleViewer)
	pair := f.login(t, "vic")
	f.bearer(t, pair.AccessToken)
	_, err := f.svc.AuthenticateRequest(context.Background(), Credential{Kind: CredentialBearer, Secret: pair.AccessToken})
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
}

func TestWithRoleCeilingsRejectsUnknownRole(t *testing.T) {
	_, err := NewService(NewMemoryStore(),
		WithTokenOptions(WithHMACSecret(testSecret)),
		WithRoleCeilings(map[Role]int64{"auditor": 5}))
	if err == nil {
		t.Fatalf("expected error for unknown role")
	}
}

func TestRegisterUserValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", RoleAnalyst)

	bad := []NewUser{
		{Email: "no-at-sign", Handle: "x", Password: "pw", Role: RoleViewer},
		{Email: "x@example.com", Handle: "has space", Password: "pw", Role: RoleViewer},
		{Email: "x@example.com", Handle: "x", Password: "pw", Role: "root"},
		{Email: "x@example.com", Handle: "x", Password: "", Role: RoleViewer},
	}
	for i, in := range bad {
		if _, err := f.svc.RegisterUser(ctx, in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
	_, err := f.svc.RegisterUser(ctx, NewUser{Email: "ALICE@example.com", Handle: "alice2", Password: "pw", Role: RoleViewer})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := f.svc.GetUser(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := f.svc.SetRole(ctx, "missing", RoleViewer); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeactivationRevokesSessions(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "alice", RoleAnalyst)
	a := f.login(t, "alice")
	b := f.login(t, "alice")
	if err := f.svc.SetActive(context.Background(), u.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if err := f.svc.SetActive(context.Background(), u.ID, true); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	for _, tok := range []string{a.AccessToken, b.AccessToken} {
		if _, err := f.svc.AuthenticateRequest(context.Background(), Credential{Kind: CredentialBearer, Secret: tok}); !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("session survived deactivation: %v", err)
		}
	}
}

func TestRevokeSessions(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "alice", RoleAnalyst)
	f.login(t, "alice")
	f.login(t, "alice")
	n, err := f.svc.RevokeSessions(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("RevokeSessions: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 revoked sessions, got %d", n)
	}
}

func TestOutcomeNames(t *testing.T) {
	cases := map[error]string{
		nil:                                      "ok",
		ErrAuthenticationFailed:                  "authentication_failed",
		&ThrottledError{RetryAfter: time.Second}: "throttled",
		unavailable("op", errors.New("x")):       "dependency_unavailable",
		errors.New("boom"):                       "error",
		context.Canceled:                         "canceled",
	}
	for err, want := range cases {
		if got := Outcome(err); got != want {
			t.Fatalf("Outcome(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestAuthorizeContext(t *testing.T) {
	f := newFixture(t)
	f.register(t, "vera", RoleViewer)
	p := f.bearer(t, f.login(t, "vera").AccessToken)

	if _, err := f.svc.AuthorizeContext(context.Background(), ScopeManageUsers); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("bare context: expected ErrTokenInvalid, got %v", err)
	}
	ctx := ContextWithPrincipal(context.Background(), p)
	if got, err := f.svc.AuthorizeContext(ctx, "read:reports"); err != nil || got.ID() != p.ID() {
		t.Fatalf("read:reports: principal=%v err=%v", got.ID(), err)
	}
	if _, err := f.svc.AuthorizeContext(ctx, ScopeManageUsers); !errors.Is(err, ErrForbidden) {
		t.Fatalf("manage:users: expected ErrForbidden, got %v", err)
	}
}

func TestOperatorPrincipalIsAdministrator(t *testing.T) {
	op := OperatorPrincipal("")
	if op.ID() != "operator:cli" {
		t.Fatalf("unexpected operator id %q", op.ID())
	}
	for _, scope := range []string{ScopeManageUsers, ScopeManageAPIKeys, "read:financials"} {
		if !op.Scopes.Has(scope) {
			t.Fatalf("operator lacks %s", scope)
		}
	}
}
