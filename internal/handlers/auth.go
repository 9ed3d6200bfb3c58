package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/Thanush-07/aegis/internal/auth"
	"github.com/Thanush-07/aegis/internal/models"
	"github.com/Thanush-07/aegis/internal/services"
	pkghttp "github.com/Thanush-07/aegis/pkg/http"
)

// AuthServiceInterface defines the interface for auth business logic
type AuthServiceInterface interface {
	Login(ctx context.Context, email, password string, meta models.DeviceMeta) (*services.LoginResult, error)
	Register(ctx context.Context, email, password, name string, meta models.DeviceMeta) (*services.LoginResult, error)
	Refresh(ctx context.Context, refreshToken string, meta models.DeviceMeta) (*services.LoginResult, error)
	Logout(ctx context.Context, claims *models.TokenClaims, meta models.DeviceMeta) error
	LogoutAll(ctx context.Context, claims *models.TokenClaims, meta models.DeviceMeta) error
	ChangePassword(ctx context.Context, claims *models.TokenClaims, currentPassword, newPassword string, meta models.DeviceMeta) error
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	service  AuthServiceInterface
	ipConfig *pkghttp.IPConfig
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(service AuthServiceInterface, ipConfig *pkghttp.IPConfig) *AuthHandler {
	return &AuthHandler{
		service:  service,
		ipConfig: ipConfig,
	}
}

// Request DTOs

// LoginRequest represents the request body for login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// RegisterRequest represents the request body for registration
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Name     string `json:"name" validate:"required,min=1,max=100"`
}

// RefreshTokenRequest represents the request body for token refresh
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// ChangePasswordRequest represents the request body for a password change
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required"`
}

// TokenResponse is the success shape for login, refresh, and MFA completion.
type TokenResponse struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	User         *UserResponse `json:"user,omitempty"`
}

// UserResponse is the public view of an account.
type UserResponse struct {
	ID              string `json:"id"`
	Email           string `json:"email"`
	Name            string `json:"name"`
	Role            string `json:"role"`
	TOTPEnabled     bool   `json:"totp_enabled"`
	WebAuthnEnabled bool   `json:"webauthn_enabled"`
}

func newUserResponse(user *models.User) *UserResponse {
	return &UserResponse{
		ID:              user.ID,
		Email:           user.Email,
		Name:            user.Name,
		Role:            user.Role,
		TOTPEnabled:     user.TOTPEnabled,
		WebAuthnEnabled: user.WebAuthnEnabled,
	}
}

// deviceMeta builds the per-request device context handed to the services.
func deviceMeta(r *http.Request, ipConfig *pkghttp.IPConfig) models.DeviceMeta {
	ip := pkghttp.ExtractClientIP(r, ipConfig)
	ua := r.Header.Get("User-Agent")
	lat, lon := pkghttp.ExtractGeo(r)
	return models.DeviceMeta{
		IPAddress:   ip,
		UserAgent:   ua,
		Fingerprint: pkghttp.DeviceFingerprint(ip, ua),
		GeoLat:      lat,
		GeoLon:      lon,
	}
}

// writeLoginResult renders either the token pair or the MFA-required shape.
func writeLoginResult(w http.ResponseWriter, status int, result *services.LoginResult) {
	if result.MFA != nil {
		pkghttp.WriteJSON(w, http.StatusOK, result.MFA)
		return
	}
	pkghttp.WriteJSON(w, status, TokenResponse{
		AccessToken:  result.Tokens.AccessToken,
		RefreshToken: result.Tokens.RefreshToken,
		User:         newUserResponse(result.User),
	})
}

// Login handles user login
// @Summary User login
// @Accept json
// @Param request body LoginRequest true "Login request"
// @Produce json
// @Success 200 {object} TokenResponse
// @Failure 400 {object} pkghttp.ErrorResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Failure 429 {object} pkghttp.ErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.service.Login(r.Context(), req.Email, req.Password, deviceMeta(r, h.ipConfig))
	if err != nil {
		switch {
		case errors.Is(err, models.ErrAccountLocked):
			pkghttp.WriteTooManyRequests(w, "Too many failed login attempts. Please try again later.")
		case errors.Is(err, models.ErrStorageUnavailable):
			pkghttp.WriteError(w, http.StatusServiceUnavailable, "unavailable", "Service temporarily unavailable")
		case errors.Is(err, models.ErrInvalidCredentials),
			errors.Is(err, models.ErrAnomalyDenied),
			errors.Is(err, models.ErrAccountDisabled):
			// One generic failure for every rejection; the distinctions
			// live only in the audit trail.
			pkghttp.WriteUnauthorized(w, "Authentication failed")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	writeLoginResult(w, http.StatusOK, result)
}

// Register handles user registration
// @Summary User registration
// @Accept json
// @Param request body RegisterRequest true "Register request"
// @Produce json
// @Success 201 {object} TokenResponse
// @Failure 400 {object} pkghttp.ErrorResponse
// @Failure 409 {object} pkghttp.ErrorResponse
// @Router /auth/register [post]
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	req.Name = strings.TrimSpace(req.Name)

	result, err := h.service.Register(r.Context(), req.Email, req.Password, req.Name, deviceMeta(r, h.ipConfig))
	if err != nil {
		switch {
		case errors.Is(err, models.ErrConflict):
			pkghttp.WriteConflict(w, "Email already registered")
		case strings.Contains(err.Error(), "invalid password"):
			pkghttp.WriteBadRequest(w, "Password does not meet requirements")
		case errors.Is(err, models.ErrStorageUnavailable):
			pkghttp.WriteError(w, http.StatusServiceUnavailable, "unavailable", "Service temporarily unavailable")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	writeLoginResult(w, http.StatusCreated, result)
}

// Refresh handles token rotation
// @Summary Rotate refresh token
// @Accept json
// @Param request body RefreshTokenRequest true "Refresh token request"
// @Produce json
// @Success 200 {object} TokenResponse
// @Failure 400 {object} pkghttp.ErrorResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.service.Refresh(r.Context(), req.RefreshToken, deviceMeta(r, h.ipConfig))
	if err != nil {
		switch {
		case errors.Is(err, models.ErrTokenExpired):
			pkghttp.WriteTokenExpired(w)
		case errors.Is(err, models.ErrStorageUnavailable):
			pkghttp.WriteError(w, http.StatusServiceUnavailable, "unavailable", "Service temporarily unavailable")
		case errors.Is(err, models.ErrUnauthorized),
			errors.Is(err, models.ErrTokenReused),
			errors.Is(err, models.ErrSessionRevoked):
			// Reuse and revocation are not distinguished for the caller.
			pkghttp.WriteUnauthorized(w, "Authentication failed")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	writeLoginResult(w, http.StatusOK, result)
}

// Logout revokes the current session
// @Summary User logout
// @Security BearerAuth
// @Success 204
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := auth.IdentityFromContext(r.Context())
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	if err := h.service.Logout(r.Context(), claims, deviceMeta(r, h.ipConfig)); err != nil {
		if errors.Is(err, models.ErrStorageUnavailable) {
			pkghttp.WriteError(w, http.StatusServiceUnavailable, "unavailable", "Service temporarily unavailable")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// LogoutAll revokes every session the user holds
// @Summary Logout from all devices
// @Security BearerAuth
// @Success 204
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /auth/logout-all [post]
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims := auth.IdentityFromContext(r.Context())
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	if err := h.service.LogoutAll(r.Context(), claims, deviceMeta(r, h.ipConfig)); err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ChangePassword rotates the caller's credential
// @Summary Change password
// @Security BearerAuth
// @Accept json
// @Param request body ChangePasswordRequest true "Change password request"
// @Success 204
// @Failure 400 {object} pkghttp.ErrorResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /users/me/password [post]
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims := auth.IdentityFromContext(r.Context())
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	err := h.service.ChangePassword(r.Context(), claims, req.CurrentPassword, req.NewPassword, deviceMeta(r, h.ipConfig))
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidCredentials):
			pkghttp.WriteUnauthorized(w, "Authentication failed")
		case strings.Contains(err.Error(), "invalid password"):
			pkghttp.WriteBadRequest(w, "Password does not meet requirements")
		case errors.Is(err, models.ErrStorageUnavailable):
			pkghttp.WriteError(w, http.StatusServiceUnavailable, "unavailable", "Service temporarily unavailable")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
