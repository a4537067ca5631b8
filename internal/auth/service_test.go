package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"retailops.org/internal/events"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeTenants map[string]bool

func (f fakeTenants) TenantActive(_ context.Context, tenantID string) (bool, error) {
	active, ok := f[tenantID]
	if !ok {
		return false, ErrNotFound
	}
	return active, nil
}

type fixture struct {
	authority *Authority
	directory *Directory
	store     *MemoryStore
	outbox    *events.MemoryOutbox
	tenants   fakeTenants
	now       time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		outbox:  events.NewMemoryOutbox(),
		tenants: fakeTenants{"t1": true},
		now:     time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.store = NewMemoryStore(f.outbox)
	clock := func() time.Time { return f.now }
	base := []Option{
		WithHMACSecret(testSecret),
		WithClock(clock),
		WithTenants(f.tenants),
		WithEmitter(f.outbox),
	}
	authority, err := NewAuthority(f.store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	f.authority = authority
	dir, err := NewDirectory(f.store)
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	f.directory = dir.WithClock(clock).WithRevoker(authority)
	return f
}

func (f *fixture) register(t *testing.T, username string, roles ...string) User {
	t.Helper()
	u, err := f.directory.RegisterUser(context.Background(), "root", NewUser{
		TenantID: "t1",
		Username: username,
		Email:    username + "@example.com",
		FullName: strings.ToUpper(username[:1]) + username[1:],
		Password: "correct horse",
		Roles:    roles,
	})
	if err != nil {
		t.Fatalf("RegisterUser(%s): %v", username, err)
	}
	return u
}

func (f *fixture) login(t *testing.T, login string) Session {
	t.Helper()
	s, err := f.authority.IssueToken(context.Background(), Credentials{Login: login, Password: "correct horse"})
	if err != nil {
		t.Fatalf("IssueToken(%s): %v", login, err)
	}
	return s
}

func TestIssueTokenEmbedsCurrentRoles(t *testing.T) {
	f := newFixture(t)
	alice := f.register(t, "alice", "staff")

	session := f.login(t, "alice")
	if session.TokenType != "Bearer" {
		t.Fatalf("unexpected token type %q", session.TokenType)
	}
	if !session.ExpiresAt.After(session.IssuedAt) {
		t.Fatalf("expiry %v must follow issuance %v", session.ExpiresAt, session.IssuedAt)
	}
	if session.RefreshToken == "" {
		t.Fatalf("expected refresh token")
	}

	claims, err := f.authority.Validate(session.AccessToken)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.UserID() != alice.ID || claims.Username != "alice" || claims.TenantID != "t1" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if !slices.Equal(claims.Roles, []string{RoleStaff}) {
		t.Fatalf("expected roles [STAFF], got %v", claims.Roles)
	}
	if !claims.HasPermission(PermStockView) || claims.HasPermission(PermUsersManage) {
		t.Fatalf("unexpected permissions %v", claims.Permissions)
	}
	if claims.Issuer != defaultIssuer {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
}

func TestIssueTokenByEmail(t *testing.T) {
	f := newFixture(t)
	f.register(t, "bob", "cashier")
	session := f.login(t, "BOB@example.com")
	if session.User.Username != "bob" {
		t.Fatalf("expected bob, got %s", session.User.Username)
	}
}

func TestIssueTokenFailures(t *testing.T) {
	f := newFixture(t)
	carol := f.register(t, "carol", "staff")
	ctx := context.Background()

	if _, err := f.authority.IssueToken(ctx, Credentials{Login: "carol", Password: "wrong password"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := f.authority.IssueToken(ctx, Credentials{Login: "nobody", Password: "correct horse"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown user, got %v", err)
	}
	if _, err := f.authority.IssueToken(ctx, Credentials{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for empty request, got %v", err)
	}

	f.tenants["t1"] = false
	_, err := f.authority.IssueToken(ctx, Credentials{Login: "carol", Password: "correct horse"})
	if !errors.Is(err, ErrTenantInactive) || !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected tenant inactive, got %v", err)
	}
	f.tenants["t1"] = true

	if _, err := f.directory.DeactivateUser(ctx, "root", carol.ID); err != nil {
		t.Fatalf("DeactivateUser: %v", err)
	}
	_, err = f.authority.IssueToken(ctx, Credentials{Login: "carol", Password: "correct horse"})
	if !errors.Is(err, ErrAccountInactive) || errors.Is(err, ErrTenantInactive) {
		t.Fatalf("expected account inactive, got %v", err)
	}
}

func TestIssueTokenRecordsAttempts(t *testing.T) {
	f := newFixture(t)
	f.register(t, "dave", "staff")
	ctx := context.Background()
	_, _ = f.authority.IssueToken(ctx, Credentials{Login: "dave", Password: "nope nope"})
	f.login(t, "dave")

	var attempts []events.AuthAttemptPayload
	for _, evt := range f.outbox.Events() {
		if evt.Type != events.TypeAuthAttempt {
			continue
		}
		var p events.AuthAttemptPayload
		if err := evt.Decode(&p); err != nil {
			t.Fatalf("decode attempt: %v", err)
		}
		attempts = append(attempts, p)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0].Success || attempts[0].Reason != "invalid_credentials" {
		t.Fatalf("unexpected failed attempt %+v", attempts[0])
	}
	if !attempts[1].Success || attempts[1].Method != "password" {
		t.Fatalf("unexpected successful attempt %+v", attempts[1])
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	f := newFixture(t, WithAccessTTL(5*time.Minute))
	f.register(t, "erin", "staff")
	session := f.login(t, "erin")

	f.now = f.now.Add(5*time.Minute + time.Second)
	if _, err := f.authority.Validate(session.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expired token, got %v", err)
	}
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	f := newFixture(t)
	f.register(t, "frank", "staff")
	session := f.login(t, "frank")

	other, err := NewVerifier(WithHMACSecret(strings.Repeat("z", 32)), WithClock(func() time.Time { return f.now }))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if _, err := other.Validate(session.AccessToken); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected signature invalid, got %v", err)
	}
}

func TestValidateRejectsMalformedToken(t *testing.T) {
	f := newFixture(t)
	for _, raw := range []string{"", "abc", "a.b.c"} {
		if _, err := f.authority.Validate(raw); !errors.Is(err, ErrTokenMalformed) {
			t.Fatalf("Validate(%q): expected malformed, got %v", raw, err)
		}
	}
}

func TestRS256RoundTripWithPublicKeyVerifier(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	store := NewMemoryStore(nil)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	authority, err := NewAuthority(store, WithRSAKey(key), WithKeyID("k1"), WithClock(clock))
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	dir, _ := NewDirectory(store)
	if _, err := dir.RegisterUser(context.Background(), "", NewUser{
		TenantID: "t1", Username: "gina", Email: "gina@example.com", Password: "correct horse", Roles: []string{"admin"},
	}); err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	session, err := authority.IssueToken(context.Background(), Credentials{Login: "gina", Password: "correct horse"})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	verifier, err := NewVerifier(WithRSAKey(key), WithKeyID("k1"), WithClock(clock))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	claims, err := verifier.Validate(session.AccessToken)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !claims.HasRole(RoleAdmin) {
		t.Fatalf("expected ADMIN, got %v", claims.Roles)
	}

	rotated, _ := NewVerifier(WithRSAKey(key), WithKeyID("k2"), WithClock(clock))
	if _, err := rotated.Validate(session.AccessToken); err == nil {
		t.Fatalf("expected key id mismatch to fail")
	}
}

func TestRefreshRotatesAndPicksUpRoleChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hank := f.register(t, "hank", "staff")
	first := f.login(t, "hank")

	if _, err := f.directory.GrantRole(ctx, "root", hank.ID, "manager"); err != nil {
		t.Fatalf("GrantRole: %v", err)
	}

	// The live token keeps the roles it was minted with.
	stale, err := f.authority.Validate(first.AccessToken)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if stale.HasRole(RoleManager) {
		t.Fatalf("issued token must not reflect later grants: %v", stale.Roles)
	}

	f.now = f.now.Add(time.Minute)
	second, err := f.authority.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	fresh, err := f.authority.Validate(second.AccessToken)
	if err != nil {
		t.Fatalf("Validate refreshed: %v", err)
	}
	if !fresh.HasRole(RoleManager) || !fresh.HasRole(RoleStaff) {
		t.Fatalf("refreshed token missing roles: %v", fresh.Roles)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatalf("refresh token was not rotated")
	}
	if _, err := f.authority.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected old refresh token to be rejected, got %v", err)
	}
}

func TestRefreshFailures(t *testing.T) {
	f := newFixture(t, WithRefreshTTL(time.Hour))
	ctx := context.Background()
	ivan := f.register(t, "ivan", "staff")

	for _, raw := range []string{"", "garbage", "unknown.secret"} {
		if _, err := f.authority.Refresh(ctx, raw); !errors.Is(err, ErrInvalidRefreshToken) {
			t.Fatalf("Refresh(%q): expected invalid refresh token, got %v", raw, err)
		}
	}

	expiring := f.login(t, "ivan")
	f.now = f.now.Add(2 * time.Hour)
	if _, err := f.authority.Refresh(ctx, expiring.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected expired refresh token to fail, got %v", err)
	}

	tampered := f.login(t, "ivan")
	id := strings.SplitN(tampered.RefreshToken, ".", 2)[0]
	if _, err := f.authority.Refresh(ctx, id+".forged"); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected forged secret to fail, got %v", err)
	}
	if _, err := f.authority.Refresh(ctx, tampered.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("forged attempt must revoke the token, got %v", err)
	}

	live := f.login(t, "ivan")
	f.tenants["t1"] = false
	if _, err := f.authority.Refresh(ctx, live.RefreshToken); !errors.Is(err, ErrTenantInactive) {
		t.Fatalf("expected tenant inactive on refresh, got %v", err)
	}
	f.tenants["t1"] = true

	if _, err := f.directory.DeactivateUser(ctx, "root", ivan.ID); err != nil {
		t.Fatalf("DeactivateUser: %v", err)
	}
	if _, err := f.authority.Refresh(ctx, live.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("deactivation must revoke refresh tokens, got %v", err)
	}
}

func TestConcurrentRefreshRotatesOnce(t *testing.T) {
	f := newFixture(t)
	f.register(t, "judy", "staff")
	session := f.login(t, "judy")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.authority.Refresh(context.Background(), session.RefreshToken); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one successful refresh, got %d", wins)
	}
}

// brokenRotation fails the rotation write the first time it is asked.
type brokenRotation struct {
	*MemoryStore
	failed bool
}

func (b *brokenRotation) RotateRefreshToken(ctx context.Context, oldID string, next RefreshToken) (bool, error) {
	if !b.failed {
		b.failed = true
		return false, errors.New("connection reset")
	}
	return b.MemoryStore.RotateRefreshToken(ctx, oldID, next)
}

func TestRefreshWriteFailureKeepsOldToken(t *testing.T) {
	f := newFixture(t)
	f.register(t, "kim", "staff")
	session := f.login(t, "kim")

	authority, err := NewAuthority(&brokenRotation{MemoryStore: f.store},
		WithHMACSecret(testSecret),
		WithClock(func() time.Time { return f.now }),
		WithTenants(f.tenants),
	)
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	ctx := context.Background()
	if _, err := authority.Refresh(ctx, session.RefreshToken); err == nil {
		t.Fatal("expected the failed write to surface")
	}
	rotated, err := authority.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("old refresh token must survive a failed rotation: %v", err)
	}
	if _, err := authority.Refresh(ctx, session.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("rotated token must be revoked, got %v", err)
	}
	if _, err := authority.Refresh(ctx, rotated.RefreshToken); err != nil {
		t.Fatalf("new refresh token: %v", err)
	}
}

func TestMemoryRotateRefreshTokenIsAllOrNothing(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	for _, id := range []string{"rt-old", "rt-taken"} {
		if err := s.CreateRefreshToken(ctx, RefreshToken{ID: id, UserID: "u1", ExpiresAt: now.Add(time.Hour)}); err != nil {
			t.Fatalf("CreateRefreshToken: %v", err)
		}
	}
	if _, err := s.RotateRefreshToken(ctx, "rt-old", RefreshToken{ID: "rt-taken", UserID: "u1"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if old, _ := s.RefreshTokenByID(ctx, "rt-old"); old.Revoked {
		t.Fatal("failed rotation must not revoke the old token")
	}
	if ok, err := s.RotateRefreshToken(ctx, "rt-old", RefreshToken{ID: "rt-new", UserID: "u1"}); !ok || err != nil {
		t.Fatalf("rotate = %v, %v", ok, err)
	}
	if ok, err := s.RotateRefreshToken(ctx, "rt-old", RefreshToken{ID: "rt-newer", UserID: "u1"}); ok || err != nil {
		t.Fatalf("second rotate = %v, %v", ok, err)
	}
	if _, err := s.RefreshTokenByID(ctx, "rt-newer"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("losing rotation must store nothing, got %v", err)
	}
}

func TestUnknownLoginStillVerifiesAPassword(t *testing.T) {
	f := newFixture(t)
	f.register(t, "lena", "staff")

	var hashes []string
	verifyPassword = func(hash, password string) error {
		hashes = append(hashes, hash)
		return VerifyPassword(hash, password)
	}
	t.Cleanup(func() { verifyPassword = VerifyPassword })

	ctx := context.Background()
	if _, err := f.authority.IssueToken(ctx, Credentials{Login: "nobody", Password: "correct horse"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := f.authority.IssueToken(ctx, Credentials{Login: "lena", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if len(hashes) != 2 || hashes[0] != unknownUserHash() || !strings.HasPrefix(hashes[0], "$argon2id$") {
		t.Fatalf("unknown login must cost one argon2id verification, got %v", hashes)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.register(t, "kate", "staff")
	session := f.login(t, "kate")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := f.authority.Revoke(ctx, session.RefreshToken); err != nil {
			t.Fatalf("Revoke #%d: %v", i+1, err)
		}
	}
	if err := f.authority.Revoke(ctx, "not-a-token"); err != nil {
		t.Fatalf("Revoke malformed: %v", err)
	}
	if _, err := f.authority.Refresh(ctx, session.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected revoked token to fail refresh, got %v", err)
	}
}

func TestTenantDeactivationKeepsIssuedTokensValid(t *testing.T) {
	f := newFixture(t)
	f.register(t, "liam", "staff")
	session := f.login(t, "liam")

	f.tenants["t1"] = false
	if _, err := f.authority.Validate(session.AccessToken); err != nil {
		t.Fatalf("issued token should stay valid until expiry: %v", err)
	}
	_, err := f.authority.IssueToken(context.Background(), Credentials{Login: "liam", Password: "correct horse"})
	if !errors.Is(err, ErrTenantInactive) {
		t.Fatalf("expected tenant inactive, got %v", err)
	}
}

func TestNewAuthorityRequiresSigningKey(t *testing.T) {
	if _, err := NewAuthority(NewMemoryStore(nil)); !errors.Is(err, ErrNoSigningKey) {
		t.Fatalf("expected ErrNoSigningKey, got %v", err)
	}
	if _, err := NewAuthority(NewMemoryStore(nil), WithHMACSecret("short")); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
}
