package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Thanush-07/aegis/internal/auth"
	"github.com/Thanush-07/aegis/internal/models"
	"github.com/Thanush-07/aegis/internal/services"
	pkghttp "github.com/Thanush-07/aegis/pkg/http"
)

// MFAServiceInterface defines the interface for MFA business logic
type MFAServiceInterface interface {
	BeginEnroll(ctx context.Context, userID, kind, name string, meta models.DeviceMeta) (*services.EnrollChallenge, error)
	ConfirmEnroll(ctx context.Context, userID, kind string, proof []byte, name string, meta models.DeviceMeta) error
	BeginAssert(ctx context.Context, userID, kind string) (*services.AssertChallenge, error)
	BeginLoginAssert(ctx context.Context, mfaToken, kind string) (*services.AssertChallenge, error)
	BeginLoginEnroll(ctx context.Context, mfaToken, kind, name string, meta models.DeviceMeta) (*services.EnrollChallenge, error)
	CompleteLogin(ctx context.Context, mfaToken, kind string, proof []byte, meta models.DeviceMeta) (*services.LoginResult, error)
	CompleteLoginEnroll(ctx context.Context, mfaToken, kind string, proof []byte, name string, meta models.DeviceMeta) (*services.LoginResult, error)
	ListMethods(ctx context.Context, userID string) ([]*models.MFAMethod, error)
	RemoveMethod(ctx context.Context, userID, methodID string, meta models.DeviceMeta) error
}

// MFAHandler handles MFA enrollment, verification, and the step-up login
// completion endpoints.
type MFAHandler struct {
	service  MFAServiceInterface
	ipConfig *pkghttp.IPConfig
}

func NewMFAHandler(service MFAServiceInterface, ipConfig *pkghttp.IPConfig) *MFAHandler {
	return &MFAHandler{
		service:  service,
		ipConfig: ipConfig,
	}
}

// Request DTOs

// BeginEnrollRequest starts enrollment of a new factor
type BeginEnrollRequest struct {
	Kind string `json:"kind" validate:"required,oneof=totp webauthn"`
	Name string `json:"name" validate:"omitempty,max=100"`
}

// ConfirmEnrollRequest proves control of a pending factor
type ConfirmEnrollRequest struct {
	Kind  string          `json:"kind" validate:"required,oneof=totp webauthn"`
	Name  string          `json:"name" validate:"omitempty,max=100"`
	Proof json.RawMessage `json:"proof" validate:"required"`
}

// LoginChallengeRequest asks for assertion options during a step-up login
type LoginChallengeRequest struct {
	MFAToken string `json:"mfa_token" validate:"required"`
	Kind     string `json:"kind" validate:"required,oneof=totp webauthn"`
}

// LoginVerifyRequest completes a step-up login with a factor proof
type LoginVerifyRequest struct {
	MFAToken string          `json:"mfa_token" validate:"required"`
	Kind     string          `json:"kind" validate:"required,oneof=totp webauthn"`
	Proof    json.RawMessage `json:"proof" validate:"required"`
}

// LoginEnrollRequest starts mandatory enrollment during a step-up login
type LoginEnrollRequest struct {
	MFAToken string `json:"mfa_token" validate:"required"`
	Kind     string `json:"kind" validate:"required,oneof=totp webauthn"`
	Name     string `json:"name" validate:"omitempty,max=100"`
}

// LoginEnrollConfirmRequest completes a mandatory mid-login enrollment
type LoginEnrollConfirmRequest struct {
	MFAToken string          `json:"mfa_token" validate:"required"`
	Kind     string          `json:"kind" validate:"required,oneof=totp webauthn"`
	Name     string          `json:"name" validate:"omitempty,max=100"`
	Proof    json.RawMessage `json:"proof" validate:"required"`
}

// MFAMethodResponse is the settings view of an enrolled method
type MFAMethodResponse struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
}

// proofBytes normalizes the proof field: TOTP codes arrive as JSON strings,
// WebAuthn responses as JSON objects passed through verbatim.
func proofBytes(raw json.RawMessage) []byte {
	var code string
	if err := json.Unmarshal(raw, &code); err == nil {
		return []byte(code)
	}
	return []byte(raw)
}

// writeMFAError maps verification failures onto responses. Everything the
// client must not distinguish collapses to one generic 401.
func writeMFAError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrTokenExpired):
		pkghttp.WriteTokenExpired(w)
	case errors.Is(err, models.ErrChallengeExpired):
		pkghttp.WriteError(w, http.StatusUnauthorized, "challenge_expired", "Challenge expired, request a new one")
	case errors.Is(err, models.ErrNoSuchMethod):
		pkghttp.WriteNotFound(w, "No such method")
	case errors.Is(err, models.ErrConflict):
		pkghttp.WriteConflict(w, "Method already enrolled")
	case errors.Is(err, models.ErrStorageUnavailable):
		pkghttp.WriteError(w, http.StatusServiceUnavailable, "unavailable", "Service temporarily unavailable")
	case errors.Is(err, models.ErrBadRequest):
		pkghttp.WriteBadRequest(w, "Invalid request")
	case errors.Is(err, models.ErrInvalidProof),
		errors.Is(err, models.ErrCodeReplayed),
		errors.Is(err, models.ErrCloneDetected),
		errors.Is(err, models.ErrChallengeMismatch),
		errors.Is(err, models.ErrUnauthorized):
		pkghttp.WriteUnauthorized(w, "Verification failed")
	default:
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}

// BeginEnroll starts enrollment for the authenticated user
// @Summary Begin MFA enrollment
// @Security BearerAuth
// @Accept json
// @Param request body BeginEnrollRequest true "Begin enrollment request"
// @Produce json
// @Success 200 {object} services.EnrollChallenge
// @Router /mfa/enroll [post]
func (h *MFAHandler) BeginEnroll(w http.ResponseWriter, r *http.Request) {
	claims := auth.IdentityFromContext(r.Context())
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req BeginEnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	challenge, err := h.service.BeginEnroll(r.Context(), claims.UserID, req.Kind, req.Name, deviceMeta(r, h.ipConfig))
	if err != nil {
		writeMFAError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, challenge)
}

// ConfirmEnroll activates a pending method with its first proof
// @Summary Confirm MFA enrollment
// @Security BearerAuth
// @Accept json
// @Param request body ConfirmEnrollRequest true "Confirm enrollment request"
// @Success 204
// @Router /mfa/enroll/confirm [post]
func (h *MFAHandler) ConfirmEnroll(w http.ResponseWriter, r *http.Request) {
	claims := auth.IdentityFromContext(r.Context())
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req ConfirmEnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	err := h.service.ConfirmEnroll(r.Context(), claims.UserID, req.Kind, proofBytes(req.Proof), req.Name, deviceMeta(r, h.ipConfig))
	if err != nil {
		writeMFAError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListMethods returns the caller's enrolled methods
// @Summary List MFA methods
// @Security BearerAuth
// @Produce json
// @Success 200 {array} MFAMethodResponse
// @Router /mfa/methods [get]
func (h *MFAHandler) ListMethods(w http.ResponseWriter, r *http.Request) {
	claims := auth.IdentityFromContext(r.Context())
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	methods, err := h.service.ListMethods(r.Context(), claims.UserID)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	out := make([]MFAMethodResponse, 0, len(methods))
	for _, m := range methods {
		out = append(out, MFAMethodResponse{
			ID:         m.ID,
			Kind:       m.Kind,
			Name:       m.Name,
			CreatedAt:  m.CreatedAt,
			LastUsedAt: m.LastUsedAt,
		})
	}

	pkghttp.WriteJSON(w, http.StatusOK, out)
}

// RemoveMethod deletes one of the caller's methods
// @Summary Remove an MFA method
// @Security BearerAuth
// @Success 204
// @Router /mfa/methods/{id} [delete]
func (h *MFAHandler) RemoveMethod(w http.ResponseWriter, r *http.Request) {
	claims := auth.IdentityFromContext(r.Context())
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	methodID := chi.URLParam(r, "id")
	if methodID == "" {
		pkghttp.WriteBadRequest(w, "Method id is required")
		return
	}

	err := h.service.RemoveMethod(r.Context(), claims.UserID, methodID, deviceMeta(r, h.ipConfig))
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			pkghttp.WriteNotFound(w, "No such method")
		case errors.Is(err, models.ErrForbidden):
			pkghttp.WriteForbidden(w, "Insufficient permissions")
		default:
			writeMFAError(w, err)
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// LoginChallenge returns assertion options during a step-up login
// @Summary Request an MFA challenge during login
// @Accept json
// @Param request body LoginChallengeRequest true "Challenge request"
// @Produce json
// @Success 200 {object} services.AssertChallenge
// @Router /auth/mfa/challenge [post]
func (h *MFAHandler) LoginChallenge(w http.ResponseWriter, r *http.Request) {
	var req LoginChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	challenge, err := h.service.BeginLoginAssert(r.Context(), req.MFAToken, req.Kind)
	if err != nil {
		writeMFAError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, challenge)
}

// LoginVerify completes a step-up login
// @Summary Verify an MFA factor during login
// @Accept json
// @Param request body LoginVerifyRequest true "Verify request"
// @Produce json
// @Success 200 {object} TokenResponse
// @Router /auth/mfa/verify [post]
func (h *MFAHandler) LoginVerify(w http.ResponseWriter, r *http.Request) {
	var req LoginVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.service.CompleteLogin(r.Context(), req.MFAToken, req.Kind, proofBytes(req.Proof), deviceMeta(r, h.ipConfig))
	if err != nil {
		writeMFAError(w, err)
		return
	}

	writeLoginResult(w, http.StatusOK, result)
}

// LoginEnroll starts mandatory enrollment during a step-up login
// @Summary Begin MFA enrollment during login
// @Accept json
// @Param request body LoginEnrollRequest true "Enroll request"
// @Produce json
// @Success 200 {object} services.EnrollChallenge
// @Router /auth/mfa/enroll [post]
func (h *MFAHandler) LoginEnroll(w http.ResponseWriter, r *http.Request) {
	var req LoginEnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	challenge, err := h.service.BeginLoginEnroll(r.Context(), req.MFAToken, req.Kind, req.Name, deviceMeta(r, h.ipConfig))
	if err != nil {
		writeMFAError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, challenge)
}

// LoginEnrollConfirm completes a mandatory mid-login enrollment and issues
// the withheld session
// @Summary Confirm MFA enrollment during login
// @Accept json
// @Param request body LoginEnrollConfirmRequest true "Enroll confirm request"
// @Produce json
// @Success 200 {object} TokenResponse
// @Router /auth/mfa/enroll/confirm [post]
func (h *MFAHandler) LoginEnrollConfirm(w http.ResponseWriter, r *http.Request) {
	var req LoginEnrollConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.service.CompleteLoginEnroll(r.Context(), req.MFAToken, req.Kind, proofBytes(req.Proof), req.Name, deviceMeta(r, h.ipConfig))
	if err != nil {
		writeMFAError(w, err)
		return
	}

	writeLoginResult(w, http.StatusOK, result)
}
