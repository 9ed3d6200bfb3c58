package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Thanush-07/aegis/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenManager signs and validates the stateless tokens: short-lived access
// tokens and the even shorter-lived step-up tokens that bridge a login into
// MFA verification. Refresh tokens are opaque, not JWTs; see NewRefreshToken.
type TokenManager struct {
	secret            []byte
	accessTokenExpiry time.Duration
	mfaTokenExpiry    time.Duration
}

// NewTokenManager creates a new TokenManager
func NewTokenManager(secret string, accessExpiry, mfaExpiry time.Duration) *TokenManager {
	return &TokenManager{
		secret:            []byte(secret),
		accessTokenExpiry: accessExpiry,
		mfaTokenExpiry:    mfaExpiry,
	}
}

// GenerateAccessToken mints a signed bearer token embedding the user's
// identity, role, and the session/family it belongs to.
func (tm *TokenManager) GenerateAccessToken(user *models.User, session *models.Session) (string, error) {
	now := time.Now()
	claims := &models.TokenClaims{
		Type:      models.TokenTypeAccess,
		UserID:    user.ID,
		Role:      user.Role,
		SessionID: session.ID,
		FamilyID:  session.FamilyID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.accessTokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}

	return tokenString, nil
}

// GenerateMFAToken mints the short-lived token that scopes a step-up flow to
// one authenticated-but-unverified login attempt.
func (tm *TokenManager) GenerateMFAToken(user *models.User, stepUp bool) (string, error) {
	now := time.Now()
	claims := &models.TokenClaims{
		Type:   models.TokenTypeMFA,
		UserID: user.ID,
		Role:   user.Role,
		StepUp: stepUp,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.mfaTokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign mfa token: %w", err)
	}

	return tokenString, nil
}

// ValidateToken verifies a token's signature and expiry and returns its
// claims. Expiry maps to ErrTokenExpired so handlers can emit the client's
// refresh-and-retry trigger.
func (tm *TokenManager) ValidateToken(tokenString string) (*models.TokenClaims, error) {
	claims := &models.TokenClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, models.ErrTokenExpired
		}
		return nil, models.ErrUnauthorized
	}

	if !token.Valid {
		return nil, models.ErrUnauthorized
	}

	if claims.Type == "" {
		return nil, models.ErrUnauthorized
	}

	return claims, nil
}

// NewRefreshToken builds the opaque refresh credential "sessionID.secret".
// Only the secret's hash is stored; the session id half lets rotation find
// the row without a table scan.
func NewRefreshToken(sessionID, secret string) string {
	return sessionID + "." + secret
}

// SplitRefreshToken parses a presented refresh token into its halves.
func SplitRefreshToken(token string) (sessionID, secret string, err error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", models.ErrUnauthorized
	}
	return parts[0], parts[1], nil
}
