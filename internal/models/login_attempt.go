package models

import "time"

// LoginAttempt records a single credential verification outcome. Failed
// attempts feed both the lockout policy and the anomaly gate.
type LoginAttempt struct {
	ID                string
	Email             string
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
	AttemptTime       time.Time
	Success           bool
	FailureReason     *string
	ExpiresAt         time.Time
}
