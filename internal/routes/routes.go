package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/Thanush-07/aegis/internal/auth"
	"github.com/Thanush-07/aegis/internal/handlers"
	"github.com/Thanush-07/aegis/internal/middleware"
	pkghttp "github.com/Thanush-07/aegis/pkg/http"
)

// Handlers bundles everything RegisterRoutes mounts.
type Handlers struct {
	Auth     *handlers.AuthHandler
	MFA      *handlers.MFAHandler
	Sessions *handlers.SessionHandler
	Users    *handlers.UserHandler
	Audit    *handlers.AuditHandler
	Admin    *handlers.AdminHandler
}

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	h Handlers,
	tokenManager *auth.TokenManager,
	sessions auth.SessionRevocationChecker,
	toucher middleware.SessionToucher,
	ipConfig *pkghttp.IPConfig,
) {
	loginLimit := middleware.RateLimitByIPAndPath(middleware.DefaultLoginRateLimit(), ipConfig)
	refreshLimit := middleware.RateLimitByIP(middleware.DefaultRefreshRateLimit(), ipConfig)

	// Public routes - no authentication required
	router.Group(func(r chi.Router) {
		r.With(loginLimit).Post("/auth/login", h.Auth.Login)
		r.With(loginLimit).Post("/auth/register", h.Auth.Register)
		r.With(refreshLimit).Post("/auth/refresh", h.Auth.Refresh)

		// Step-up login flow, scoped by the mfa_token in the body
		r.With(loginLimit).Post("/auth/mfa/challenge", h.MFA.LoginChallenge)
		r.With(loginLimit).Post("/auth/mfa/verify", h.MFA.LoginVerify)
		r.With(loginLimit).Post("/auth/mfa/enroll", h.MFA.LoginEnroll)
		r.With(loginLimit).Post("/auth/mfa/enroll/confirm", h.MFA.LoginEnrollConfirm)
	})

	// Protected routes - authentication required
	router.Group(func(r chi.Router) {
		r.Use(auth.Authenticate(tokenManager, sessions))
		r.Use(middleware.TouchSession(toucher, ipConfig))

		r.Post("/auth/logout", h.Auth.Logout)
		r.Post("/auth/logout-all", h.Auth.LogoutAll)

		r.Get("/users/me", h.Users.Me)
		r.Post("/users/me/password", h.Auth.ChangePassword)

		r.Post("/mfa/enroll", h.MFA.BeginEnroll)
		r.Post("/mfa/enroll/confirm", h.MFA.ConfirmEnroll)
		r.Get("/mfa/methods", h.MFA.ListMethods)
		r.Delete("/mfa/methods/{id}", h.MFA.RemoveMethod)

		r.Get("/sessions", h.Sessions.List)
		r.Delete("/sessions/{id}", h.Sessions.Revoke)

		// Admin-only routes
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole("admin"))
			r.Get("/admin/audit", h.Audit.List)
			r.Get("/admin/audit/export", h.Audit.Export)
			r.Get("/admin/audit/feed", h.Audit.Feed)
			r.Get("/admin/metrics", h.Admin.Metrics)
		})
	})
}
