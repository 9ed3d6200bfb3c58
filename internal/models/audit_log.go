package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types for audit logging. Security escalations carry the "suspicious"
// suffix so downstream consumers can alert on them without parsing details.
const (
	AuditEventLoginSuccess      = "login_success"
	AuditEventLoginFailed       = "login_failed"
	AuditEventLoginDenied       = "login_denied"
	AuditEventStepUpRequired    = "step_up_required"
	AuditEventAccountLocked     = "account_locked"
	AuditEventRegister          = "register"
	AuditEventPasswordChanged   = "password_changed"
	AuditEventTokenRefreshed    = "token_refreshed"
	AuditEventLogout            = "logout"
	AuditEventSessionRevoked    = "session_revoked"
	AuditEventMFAEnrollStarted  = "mfa_enroll_started"
	AuditEventMFAEnrolled       = "mfa_enrolled"
	AuditEventMFARemoved        = "mfa_method_removed"
	AuditEventMFAVerified       = "mfa_verified"
	AuditEventMFAFailed         = "mfa_failed"
	AuditEventTokenReuse        = "token_reuse_suspicious"
	AuditEventCloneDetected     = "authenticator_clone_suspicious"
	AuditEventGap               = "feed_gap" // Synthetic: live subscriber missed events
)

// AuditLog is an append-only security event record. Entries are immutable
// once written; retention is an external concern.
type AuditLog struct {
	ID        uuid.UUID    `json:"id"`
	EventType string       `json:"event_type"`
	UserID    *uuid.UUID   `json:"user_id"` // nil for pre-auth events
	IPAddress *string      `json:"ip_address"`
	UserAgent *string      `json:"user_agent"`
	Details   AuditDetails `json:"details"`
	CreatedAt time.Time    `json:"timestamp"`
}

// AuditDetails holds the structured event payload, stored as JSONB.
type AuditDetails map[string]interface{}

// Scan implements sql.Scanner for JSONB
func (d *AuditDetails) Scan(value interface{}) error {
	if value == nil {
		*d = make(AuditDetails)
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return ErrBadRequest
	}

	var m map[string]interface{}
	if err := json.Unmarshal(bytes, &m); err != nil {
		return err
	}
	*d = AuditDetails(m)
	return nil
}

// Value implements driver.Valuer for JSONB
func (d AuditDetails) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

// AuditFilter narrows audit queries for the admin surface and the exporter.
type AuditFilter struct {
	EventType string
	UserID    *uuid.UUID
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}
