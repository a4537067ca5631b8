package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier checks session tokens using only its key material. It never
// consults a store, so validation is lock-free and a token stays valid until
// it expires even if the user's roles change in the meantime.
type Verifier struct {
	issuer    string
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	keyID     string
	leeway    time.Duration
	now       func() time.Time
	parser    *jwt.Parser
}

// NewVerifier builds a validator from HS256 or RS256 key options.
func NewVerifier(opts ...Option) (*Verifier, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return newVerifier(o)
}

func newVerifier(o *options) (*Verifier, error) {
	v := &Verifier{
		issuer: o.issuer,
		keyID:  o.keyID,
		leeway: o.leeway,
		now:    o.now,
	}
	switch {
	case o.publicKey != nil:
		v.method = jwt.SigningMethodRS256
		v.verifyKey = o.publicKey
		if o.privateKey != nil {
			v.signKey = o.privateKey
		}
	case len(o.hmacSecret) > 0:
		v.method = jwt.SigningMethodHS256
		v.verifyKey = o.hmacSecret
		v.signKey = o.hmacSecret
	default:
		return nil, ErrNoSigningKey
	}
	v.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
	)
	return v, nil
}

// Validate verifies signature, issuer and expiry and returns the claims.
func (v *Verifier) Validate(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, fmt.Errorf("%w: empty token", ErrTokenMalformed)
	}
	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if v.keyID != "" {
			if kid, _ := t.Header["kid"].(string); kid != "" && kid != v.keyID {
				return nil, fmt.Errorf("unknown key id %q", kid)
			}
		}
		return v.verifyKey, nil
	})
	if err != nil {
		return Claims{}, classify(err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, fmt.Errorf("%w: subject missing", ErrTokenMalformed)
	}
	if claims.IssuedAt == nil || !claims.ExpiresAt.After(claims.IssuedAt.Time) {
		return Claims{}, fmt.Errorf("%w: expiry must follow issued-at", ErrTokenMalformed)
	}
	claims.Roles = normalizeRoles(claims.Roles)
	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	default:
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
}

// CanSign reports whether this verifier also holds signing material.
func (v *Verifier) CanSign() bool { return v.signKey != nil }

func (v *Verifier) sign(claims Claims) (string, error) {
	if v.signKey == nil {
		return "", ErrNoSigningKey
	}
	token := jwt.NewWithClaims(v.method, claims)
	if v.keyID != "" {
		token.Header["kid"] = v.keyID
	}
	signed, err := token.SignedString(v.signKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
