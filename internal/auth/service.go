package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"retailops.org/internal/events"
	"retailops.org/internal/ids"
	"retailops.org/internal/obs"
)

// EventSource names this component on emitted envelopes.
const EventSource = "auth-service"

// Authority issues, refreshes and revokes sessions. Validation is inherited
// from the embedded Verifier and never touches the store.
type Authority struct {
	*Verifier
	store      Store
	tenants    TenantLookup
	emitter    events.Emitter
	logger     *slog.Logger
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewAuthority constructs an Authority; a signing key option is required.
func NewAuthority(store Store, opts ...Option) (*Authority, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	v, err := newVerifier(o)
	if err != nil {
		return nil, err
	}
	if !v.CanSign() {
		return nil, ErrNoSigningKey
	}
	logger := o.logger
	if logger == nil {
		logger = obs.Logger()
	}
	return &Authority{
		Verifier:   v,
		store:      store,
		tenants:    o.tenants,
		emitter:    o.emitter,
		logger:     logger,
		accessTTL:  o.accessTTL,
		refreshTTL: o.refreshTTL,
	}, nil
}

// IssueToken exchanges credentials for a session carrying the user's current
// roles and permissions.
func (a *Authority) IssueToken(ctx context.Context, creds Credentials) (Session, error) {
	login := strings.TrimSpace(creds.Login)
	session, userID, err := a.issue(ctx, login, creds.Password)
	a.recordAttempt(ctx, "password", login, userID, err)
	return session, err
}

func (a *Authority) issue(ctx context.Context, login, password string) (Session, string, error) {
	if login == "" || password == "" {
		return Session{}, "", ErrInvalidCredentials
	}
	user, err := a.store.UserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = verifyPassword(unknownUserHash(), password)
			return Session{}, "", ErrInvalidCredentials
		}
		return Session{}, "", err
	}
	if err := verifyPassword(user.PasswordHash, password); err != nil {
		return Session{}, user.ID, ErrInvalidCredentials
	}
	if err := a.checkStanding(ctx, user); err != nil {
		return Session{}, user.ID, err
	}
	session, err := a.mint(ctx, user, func(rec RefreshToken) error {
		return a.store.CreateRefreshToken(ctx, rec)
	})
	return session, user.ID, err
}

// Refresh rotates a refresh token. Roles and account standing are re-read so
// the new access token reflects grants made since the last issuance.
func (a *Authority) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	session, userID, err := a.refresh(ctx, refreshToken)
	a.recordAttempt(ctx, "refresh", "", userID, err)
	return session, err
}

func (a *Authority) refresh(ctx context.Context, raw string) (Session, string, error) {
	tokenID, secret, err := splitRefreshToken(raw)
	if err != nil {
		return Session{}, "", ErrInvalidRefreshToken
	}
	record, err := a.store.RefreshTokenByID(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, "", ErrInvalidRefreshToken
		}
		return Session{}, "", err
	}
	if record.Revoked || !a.now().Before(record.ExpiresAt) {
		return Session{}, record.UserID, ErrInvalidRefreshToken
	}
	if !secureCompareHash(record.TokenHash, secret) {
		_, _ = a.store.RevokeRefreshToken(ctx, record.ID)
		return Session{}, record.UserID, ErrInvalidRefreshToken
	}

	user, err := a.store.UserByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, record.UserID, ErrInvalidRefreshToken
		}
		return Session{}, record.UserID, err
	}
	if err := a.checkStanding(ctx, user); err != nil {
		return Session{}, user.ID, err
	}

	// The old token is revoked only together with storing its successor, so
	// a failed write leaves the caller holding a usable token.
	session, err := a.mint(ctx, user, func(rec RefreshToken) error {
		rotated, err := a.store.RotateRefreshToken(ctx, record.ID, rec)
		if err != nil {
			return err
		}
		if !rotated {
			// Lost a race with a concurrent refresh of the same token.
			return ErrInvalidRefreshToken
		}
		return nil
	})
	return session, user.ID, err
}

// Revoke invalidates a refresh token. Unknown, malformed and already revoked
// tokens are accepted silently.
func (a *Authority) Revoke(ctx context.Context, refreshToken string) error {
	tokenID, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return nil
	}
	record, err := a.store.RefreshTokenByID(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if record.Revoked || !secureCompareHash(record.TokenHash, secret) {
		return nil
	}
	_, err = a.store.RevokeRefreshToken(ctx, record.ID)
	return err
}

// RevokeAll invalidates every refresh token of a user.
func (a *Authority) RevokeAll(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return a.store.RevokeUserRefreshTokens(ctx, userID)
}

func (a *Authority) checkStanding(ctx context.Context, user User) error {
	if !user.Active {
		return ErrAccountInactive
	}
	if a.tenants == nil || user.TenantID == "" {
		return nil
	}
	active, err := a.tenants.TenantActive(ctx, user.TenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrTenantInactive
		}
		return fmt.Errorf("tenant lookup: %w", err)
	}
	if !active {
		return ErrTenantInactive
	}
	return nil
}

// mint signs an access token and hands the new refresh token record to
// persist before returning the session.
func (a *Authority) mint(ctx context.Context, user User, persist func(RefreshToken) error) (Session, error) {
	roleNames := normalizeRoles(user.Roles)
	perms, err := a.store.PermissionsOf(ctx, roleNames)
	if err != nil {
		return Session{}, fmt.Errorf("resolve permissions: %w", err)
	}

	now := a.now().UTC().Truncate(time.Second)
	exp := now.Add(a.accessTTL)
	claims := Claims{
		Username:    user.Username,
		TenantID:    user.TenantID,
		Roles:       roleNames,
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	access, err := a.sign(claims)
	if err != nil {
		return Session{}, err
	}

	refresh, record, err := a.generateRefreshToken(user.ID, now)
	if err != nil {
		return Session{}, err
	}
	if err := persist(record); err != nil {
		return Session{}, err
	}
	return Session{
		AccessToken:      access,
		TokenType:        "Bearer",
		RefreshToken:     refresh,
		IssuedAt:         now,
		ExpiresAt:        exp,
		RefreshExpiresAt: record.ExpiresAt,
		User:             user,
		Roles:            roleNames,
		Permissions:      perms,
	}, nil
}

func (a *Authority) generateRefreshToken(userID string, now time.Time) (string, RefreshToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", RefreshToken{}, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	tokenID := ids.NewAt(now)
	rec := RefreshToken{
		ID:        tokenID,
		UserID:    userID,
		TokenHash: hashSecret(secret),
		ExpiresAt: now.Add(a.refreshTTL),
		CreatedAt: now,
	}
	return tokenID + "." + secret, rec, nil
}

func (a *Authority) recordAttempt(ctx context.Context, method, login, userID string, err error) {
	outcome, reason := "success", ""
	if err != nil {
		outcome, reason = "failure", attemptReason(err)
	}
	obs.AuthAttempts.WithLabelValues(method, outcome, reason).Inc()
	if a.emitter == nil {
		return
	}
	subject := userID
	if subject == "" {
		subject = login
	}
	if subject == "" {
		subject = "anonymous"
	}
	evt, eerr := events.New(events.Spec{
		Type:        events.TypeAuthAttempt,
		Source:      EventSource,
		SubjectType: events.SubjectUser,
		SubjectID:   subject,
		Action:      method,
		Actor:       userID,
		Payload: events.AuthAttemptPayload{
			Login:   login,
			UserID:  userID,
			Success: err == nil,
			Reason:  reason,
			Method:  method,
		},
	}, a.now())
	if eerr == nil {
		eerr = a.emitter.Append(ctx, evt)
	}
	if eerr != nil {
		a.logger.ErrorContext(ctx, "auth attempt event not recorded",
			"module", "auth.authority",
			"method", method,
			"user_id", userID,
			"error", eerr,
		)
	}
}

func attemptReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrTenantInactive):
		return "tenant_inactive"
	case errors.Is(err, ErrAccountInactive):
		return "account_inactive"
	case errors.Is(err, ErrInvalidRefreshToken):
		return "invalid_refresh_token"
	default:
		return "error"
	}
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secureCompareHash(expectedHash, secret string) bool {
	actual := hashSecret(secret)
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
