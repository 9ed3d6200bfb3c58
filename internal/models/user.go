package models

import (
	"time"
)

type User struct {
	ID                string
	Email             string
	PasswordHash      string
	Name              string
	Role              string // "user", "admin"
	Status            string // "active", "disabled" (soft-disable only, never hard-deleted)
	TOTPEnabled       bool
	WebAuthnEnabled   bool
	LockedUntil       *time.Time // Temporary lockout expiration
	PasswordChangedAt *time.Time // When the credential was last rotated; sessions predating it are revoked at rotation time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// MFAEnrolled reports whether the user has at least one active MFA method.
func (u *User) MFAEnrolled() bool {
	return u.TOTPEnabled || u.WebAuthnEnabled
}
