package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Thanush-07/aegis/internal/auth"
	"github.com/Thanush-07/aegis/internal/models"
	"github.com/Thanush-07/aegis/internal/services"
	pkghttp "github.com/Thanush-07/aegis/pkg/http"
)

// SessionServiceInterface defines the interface for session management
type SessionServiceInterface interface {
	List(ctx context.Context, userID, currentSessionID string) ([]*services.SessionInfo, error)
	Revoke(ctx context.Context, claims *models.TokenClaims, sessionID string, meta models.DeviceMeta) error
}

// SessionHandler exposes the device-management surface.
type SessionHandler struct {
	service  SessionServiceInterface
	ipConfig *pkghttp.IPConfig
}

func NewSessionHandler(service SessionServiceInterface, ipConfig *pkghttp.IPConfig) *SessionHandler {
	return &SessionHandler{
		service:  service,
		ipConfig: ipConfig,
	}
}

// List returns the caller's sessions across devices
// @Summary List sessions
// @Security BearerAuth
// @Produce json
// @Success 200 {array} services.SessionInfo
// @Router /sessions [get]
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := auth.IdentityFromContext(r.Context())
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	sessions, err := h.service.List(r.Context(), claims.UserID, claims.SessionID)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, sessions)
}

// Revoke kills one session by id
// @Summary Revoke a session
// @Security BearerAuth
// @Success 204
// @Failure 403 {object} pkghttp.ErrorResponse
// @Failure 404 {object} pkghttp.ErrorResponse
// @Router /sessions/{id} [delete]
func (h *SessionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	claims := auth.IdentityFromContext(r.Context())
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		pkghttp.WriteBadRequest(w, "Session id is required")
		return
	}

	err := h.service.Revoke(r.Context(), claims, sessionID, deviceMeta(r, h.ipConfig))
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			pkghttp.WriteNotFound(w, "No such session")
		case errors.Is(err, models.ErrForbidden):
			pkghttp.WriteForbidden(w, "Insufficient permissions")
		case errors.Is(err, models.ErrStorageUnavailable):
			pkghttp.WriteError(w, http.StatusServiceUnavailable, "unavailable", "Service temporarily unavailable")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
