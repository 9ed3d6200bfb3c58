package models

import (
	"time"
)

// MFA method kinds
const (
	MFAKindTOTP     = "totp"
	MFAKindWebAuthn = "webauthn"
)

// MFAMethod is a tagged variant over TOTP and WebAuthn. A user may hold at
// most one TOTP method and any number of WebAuthn methods. A method stays
// pending until the first successful proof; pending methods expire.
type MFAMethod struct {
	ID     string
	UserID string
	Kind   string // MFAKindTOTP or MFAKindWebAuthn
	Name   string // Human-readable label ("Authenticator app", "YubiKey 5")

	// TOTP variant
	TOTPSecretEncrypted []byte // AES-256-GCM encrypted secret
	TOTPSecretNonce     []byte // GCM nonce (12 bytes)
	TOTPLastStep        int64  // Last consumed time step, for replay rejection

	// WebAuthn variant
	CredentialID []byte
	PublicKey    []byte // Raw credential blob as stored by the webauthn library
	SignCount    uint32 // Monotonic authenticator counter

	CreatedAt  time.Time
	VerifiedAt *time.Time // nil while pending
	LastUsedAt *time.Time
}

// Active reports whether the method has completed enrollment.
func (m *MFAMethod) Active() bool {
	return m.VerifiedAt != nil
}

// MFAChallenge is a single-use server-side challenge with a bounded lifetime.
// For WebAuthn it carries the library session data; TOTP enrollments use it
// only to bound the pending window.
type MFAChallenge struct {
	ID        string
	UserID    string
	Kind      string
	Purpose   string // "enroll" or "assert"
	Data      []byte // Serialized webauthn.SessionData, nil for TOTP
	CreatedAt time.Time
	ExpiresAt time.Time
}

// MFARequiredResponse is returned from login when step-up verification is
// demanded before tokens are granted.
type MFARequiredResponse struct {
	MFARequired    bool     `json:"mfa_required"`
	EnrollRequired bool     `json:"enroll_required,omitempty"`
	Methods        []string `json:"methods"`
	MFAToken       string   `json:"mfa_token"` // Short-lived JWT scoping the step-up flow
}
