package gateauth

import (
	"errors"
	"fmt"

	"github.com/MrEthical07/gateauth/store"
)

var (
	// ErrValidation is returned for malformed input such as an unparseable email.
	ErrValidation = errors.New("invalid request")
	// ErrPasswordPolicy is returned when a new password does not satisfy the policy.
	ErrPasswordPolicy = fmt.Errorf("%w: password policy violation", ErrValidation)
	// ErrPasswordReuse is returned when a password change keeps the current password.
	ErrPasswordReuse = errors.New("new password must be different from current password")
	// ErrDuplicateIdentity is returned when the email is already registered.
	ErrDuplicateIdentity = errors.New("identity already exists")
	// ErrInvalidCredentials covers both an unknown email and a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountUnverified  = errors.New("account unverified")
	ErrUserNotFound       = errors.New("user not found")
	ErrUnknownRole        = errors.New("unknown role")

	ErrTokenExpired      = errors.New("token expired")
	ErrTokenMalformed    = errors.New("token malformed")
	ErrTokenBadSignature = errors.New("token signature invalid")
	// ErrRefreshInvalid is returned for a well-formed refresh token that the
	// store does not know.
	ErrRefreshInvalid = errors.New("invalid refresh token")
	// ErrTokenReuseDetected is returned when a consumed refresh token is
	// presented again. Its family is revoked by then; the client must log in.
	ErrTokenReuseDetected = errors.New("refresh token reuse detected")
	ErrRefreshRevoked     = errors.New("refresh token revoked")

	ErrResetTokenInvalidOrExpired   = errors.New("password reset token invalid or expired")
	ErrVerificationInvalidOrExpired = errors.New("email verification token invalid or expired")
	// ErrFeatureDisabled is returned by reset and verification operations
	// switched off in Config.
	ErrFeatureDisabled = errors.New("feature disabled")

	ErrPermissionDenied = errors.New("permission denied")
	ErrRateLimited      = errors.New("rate limited")
	// ErrStorageUnavailable wraps every storage failure. It is never retried
	// by the engine.
	ErrStorageUnavailable = store.ErrUnavailable
	ErrEngineNotReady     = errors.New("engine not initialized")
)
