package models

import "github.com/golang-jwt/jwt/v5"

// Token types
const (
	TokenTypeAccess = "access"
	TokenTypeMFA    = "mfa" // Short-lived step-up token bridging login and MFA verification
)

// TokenClaims are the claims embedded in signed access and step-up tokens.
// Access-token verification is stateless except for the session revocation
// lookup keyed by SessionID.
type TokenClaims struct {
	Type      string `json:"typ"`
	UserID    string `json:"uid"`
	Role      string `json:"role"`
	SessionID string `json:"sid,omitempty"`
	FamilyID  string `json:"fid,omitempty"`

	// Step-up context, present only on TokenTypeMFA tokens.
	StepUp bool `json:"step_up,omitempty"`

	jwt.RegisteredClaims
}

// TokenPair is what login and refresh return on success.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}
