package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/Thanush-07/aegis/internal/models"
	pkghttp "github.com/Thanush-07/aegis/pkg/http"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// IdentityContextKey is the key for the authenticated identity in context
	IdentityContextKey contextKey = "identity"
)

// SessionRevocationChecker reports whether a session has been revoked.
// Access tokens verify statelessly except for this one lookup: a valid
// signature over a revoked session must still fail.
type SessionRevocationChecker interface {
	IsRevoked(ctx context.Context, sessionID string) (bool, error)
}

// Authenticate validates bearer access tokens, rejects revoked sessions, and
// injects the authenticated identity into the request context.
func Authenticate(tm *TokenManager, sessions SessionRevocationChecker) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				pkghttp.WriteUnauthorized(w, "Missing or malformed authorization header")
				return
			}

			claims, err := tm.ValidateToken(tokenString)
			if err != nil {
				if errors.Is(err, models.ErrTokenExpired) {
					pkghttp.WriteTokenExpired(w)
					return
				}
				pkghttp.WriteUnauthorized(w, "Invalid token")
				return
			}

			// Step-up tokens only open the MFA verification endpoints
			if claims.Type != models.TokenTypeAccess {
				pkghttp.WriteUnauthorized(w, "Invalid token")
				return
			}

			revoked, err := sessions.IsRevoked(r.Context(), claims.SessionID)
			if err != nil {
				if errors.Is(err, models.ErrNotFound) {
					pkghttp.WriteUnauthorized(w, "Invalid token")
					return
				}
				// Fail closed: a token we cannot check is a token we refuse
				pkghttp.WriteError(w, http.StatusServiceUnavailable, "unavailable", "Unable to verify token status")
				return
			}
			if revoked {
				pkghttp.WriteUnauthorized(w, "Invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), IdentityContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole enforces role-based access; must sit inside Authenticate.
func RequireRole(role string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := IdentityFromContext(r.Context())
			if claims == nil {
				pkghttp.WriteUnauthorized(w, "Unauthorized")
				return
			}

			if claims.Role != role {
				pkghttp.WriteForbidden(w, "Insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IdentityFromContext returns the authenticated identity, or nil outside an
// authenticated request.
func IdentityFromContext(ctx context.Context) *models.TokenClaims {
	claims, _ := ctx.Value(IdentityContextKey).(*models.TokenClaims)
	return claims
}

// bearerToken extracts the raw credential from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}

	return parts[1], true
}
