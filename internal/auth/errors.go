package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: resource conflict")
	ErrInvalidInput = errors.New("auth: invalid input")

	ErrInvalidCredentials  = errors.New("auth: invalid credentials")
	ErrAccountInactive     = errors.New("auth: account inactive")
	ErrTokenExpired        = errors.New("auth: token expired")
	ErrTokenMalformed      = errors.New("auth: token malformed")
	ErrSignatureInvalid    = errors.New("auth: token signature invalid")
	ErrInvalidRefreshToken = errors.New("auth: invalid refresh token")
	ErrUnauthenticated     = errors.New("auth: unauthenticated")
	ErrForbidden           = errors.New("auth: forbidden")
	ErrNoSigningKey        = errors.New("auth: no signing key configured")

	// ErrTenantInactive also matches ErrAccountInactive.
	ErrTenantInactive = fmt.Errorf("%w: tenant inactive", ErrAccountInactive)
)
