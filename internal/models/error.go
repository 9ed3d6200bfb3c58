package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Credential and account state errors
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account is temporarily locked")
	ErrAccountDisabled    = errors.New("account is disabled")

	// Token errors. ErrTokenReused is security-critical: it means a stale
	// refresh token was presented and the whole family has been revoked.
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenReused    = errors.New("refresh token reuse detected")
	ErrSessionRevoked = errors.New("session has been revoked")

	// MFA errors
	ErrMFARequired       = errors.New("mfa verification required")
	ErrMFAEnrollRequired = errors.New("mfa enrollment required")
	ErrNoSuchMethod      = errors.New("mfa method not found")
	ErrChallengeExpired  = errors.New("mfa challenge expired")
	ErrChallengeMismatch = errors.New("mfa challenge mismatch")
	ErrInvalidProof      = errors.New("invalid mfa proof")
	ErrCloneDetected     = errors.New("authenticator clone detected")
	ErrCodeReplayed      = errors.New("totp code already consumed")

	// Anomaly gate decision
	ErrAnomalyDenied = errors.New("login denied by anomaly policy")

	// ErrStorageUnavailable surfaces after the bounded durable-write retry
	// budget is exhausted. The action it accompanies must not be reported
	// as successful once this is returned.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
