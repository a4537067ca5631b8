package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"retailops.org/internal/events"
)

const (
	defaultIssuer     = "retailops-auth"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14
)

type options struct {
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	leeway     time.Duration
	now        func() time.Time

	hmacSecret []byte
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	keyID      string

	tenants TenantLookup
	emitter events.Emitter
	logger  *slog.Logger
}

// Option configures the Authority and Verifier.
type Option func(*options) error

func defaultOptions() *options {
	return &options{
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
}

// WithHMACSecret signs and verifies tokens with HS256.
func WithHMACSecret(secret string) Option {
	return func(o *options) error {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			return nil
		}
		if len(secret) < 32 {
			return errors.New("auth: hmac secret must be at least 32 bytes")
		}
		o.hmacSecret = []byte(secret)
		return nil
	}
}

// WithRS256Keys configures RSA keys used for signing and verifying JWTs.
func WithRS256Keys(privatePEM, publicPEM string) Option {
	return func(o *options) error {
		privatePEM = strings.TrimSpace(privatePEM)
		publicPEM = strings.TrimSpace(publicPEM)
		if privatePEM == "" || publicPEM == "" {
			return errors.New("auth: both private and public keys are required")
		}
		priv, err := parseRSAPrivateKey(privatePEM)
		if err != nil {
			return fmt.Errorf("auth: parse private key: %w", err)
		}
		pub, err := parseRSAPublicKey(publicPEM)
		if err != nil {
			return fmt.Errorf("auth: parse public key: %w", err)
		}
		o.privateKey = priv
		o.publicKey = pub
		return nil
	}
}

// WithRS256PublicKey configures verification only; services other than the
// token authority never hold the private key.
func WithRS256PublicKey(publicPEM string) Option {
	return func(o *options) error {
		pub, err := parseRSAPublicKey(strings.TrimSpace(publicPEM))
		if err != nil {
			return fmt.Errorf("auth: parse public key: %w", err)
		}
		o.publicKey = pub
		return nil
	}
}

// WithRSAKey uses an in-memory key pair, e.g. an ephemeral development key.
func WithRSAKey(key *rsa.PrivateKey) Option {
	return func(o *options) error {
		if key == nil {
			return errors.New("auth: rsa key is nil")
		}
		o.privateKey = key
		o.publicKey = &key.PublicKey
		return nil
	}
}

// WithKeyID sets the key identifier embedded into JWT headers.
func WithKeyID(kid string) Option {
	return func(o *options) error {
		o.keyID = strings.TrimSpace(kid)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) Option {
	return func(o *options) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			o.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(o *options) error {
		if ttl > 0 {
			o.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(o *options) error {
		if ttl > 0 {
			o.refreshTTL = ttl
		}
		return nil
	}
}

// WithLeeway tolerates clock skew between issuer and validators.
func WithLeeway(d time.Duration) Option {
	return func(o *options) error {
		if d >= 0 {
			o.leeway = d
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(o *options) error {
		if fn != nil {
			o.now = fn
		}
		return nil
	}
}

// WithTenants enables tenant status checks at issuance and refresh.
func WithTenants(t TenantLookup) Option {
	return func(o *options) error {
		o.tenants = t
		return nil
	}
}

// WithEmitter records auth.attempt events.
func WithEmitter(e events.Emitter) Option {
	return func(o *options) error {
		o.emitter = e
		return nil
	}
}

// WithLogger overrides the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) error {
		o.logger = l
		return nil
	}
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}
