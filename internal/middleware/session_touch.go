package middleware

import (
	"context"
	"net/http"

	"github.com/Thanush-07/aegis/internal/auth"
	"github.com/Thanush-07/aegis/internal/models"
	pkghttp "github.com/Thanush-07/aegis/pkg/http"
)

// SessionToucher refreshes last-seen metadata for a session.
type SessionToucher interface {
	Touch(ctx context.Context, sessionID string, meta models.DeviceMeta)
}

// TouchSession updates the caller's session activity on every authenticated
// request. Must sit inside Authenticate; does nothing for anonymous traffic.
func TouchSession(toucher SessionToucher, ipConfig *pkghttp.IPConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if claims := auth.IdentityFromContext(r.Context()); claims != nil && claims.SessionID != "" {
				ip := pkghttp.ExtractClientIP(r, ipConfig)
				toucher.Touch(r.Context(), claims.SessionID, models.DeviceMeta{
					IPAddress: ip,
					UserAgent: r.Header.Get("User-Agent"),
				})
			}
			next.ServeHTTP(w, r)
		})
	}
}
