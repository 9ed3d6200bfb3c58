package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/Thanush-07/aegis/internal/auth"
	"github.com/Thanush-07/aegis/internal/models"
	pkghttp "github.com/Thanush-07/aegis/pkg/http"
)

// UserReader looks up accounts for the profile endpoint
type UserReader interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

type UserHandler struct {
	users UserReader
}

func NewUserHandler(users UserReader) *UserHandler {
	return &UserHandler{users: users}
}

// Me returns the authenticated user's profile
// @Summary Current user profile
// @Security BearerAuth
// @Produce json
// @Success 200 {object} UserResponse
// @Router /users/me [get]
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims := auth.IdentityFromContext(r.Context())
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	user, err := h.users.GetByID(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "User not found")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, newUserResponse(user))
}
