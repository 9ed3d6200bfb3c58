package handlers

import (
	"context"
	"net/http"

	"github.com/Thanush-07/aegis/internal/services"
	pkghttp "github.com/Thanush-07/aegis/pkg/http"
)

// AdminServiceInterface defines the interface for admin metrics
type AdminServiceInterface interface {
	Metrics(ctx context.Context) (*services.SecurityMetrics, error)
}

type AdminHandler struct {
	service AdminServiceInterface
}

func NewAdminHandler(service AdminServiceInterface) *AdminHandler {
	return &AdminHandler{service: service}
}

// Metrics returns the operational counter snapshot
// @Summary Security metrics
// @Security BearerAuth
// @Produce json
// @Success 200 {object} services.SecurityMetrics
// @Router /admin/metrics [get]
func (h *AdminHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.service.Metrics(r.Context())
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, metrics)
}
