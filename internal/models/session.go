package models

import "time"

// Session is one refresh-token family: a device/browser instance whose refresh
// token is rotated on every use. Exactly one live refresh-token hash is valid
// per session at any time; rotation replaces it atomically.
type Session struct {
	ID               string
	UserID           string
	FamilyID         string // Shared across rotations, stable for the session lifetime
	RefreshTokenHash string // SHA-256 of the current live refresh secret
	IPAddress        string
	UserAgent        string
	DeviceFingerprint string
	GeoLat           *float64
	GeoLon           *float64
	Revoked          bool
	RevokedReason    *string
	CreatedAt        time.Time
	LastUsedAt       time.Time
	ExpiresAt        time.Time
}

// Expired reports whether the session's refresh lifetime has elapsed.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// DeviceMeta carries per-request device context captured at the edge. Geo
// coordinates are resolved by an upstream collaborator and may be absent.
type DeviceMeta struct {
	IPAddress   string
	UserAgent   string
	Fingerprint string
	GeoLat      *float64
	GeoLon      *float64
}
