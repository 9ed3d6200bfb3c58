package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/httprate"

	pkghttp "github.com/Thanush-07/aegis/pkg/http"
)

// RateLimitConfig bounds request volume per client IP within a window.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// DefaultLoginRateLimit applies to the credential-bearing endpoints. The
// ceiling sits above the account lockout threshold so the lockout, not the
// limiter, triggers first for a single targeted account.
func DefaultLoginRateLimit() RateLimitConfig {
	return RateLimitConfig{Requests: 10, Window: time.Minute}
}

// DefaultRefreshRateLimit is looser: well-behaved clients refresh on a
// timer and occasional bursts after reconnects are normal.
func DefaultRefreshRateLimit() RateLimitConfig {
	return RateLimitConfig{Requests: 60, Window: time.Minute}
}

// RateLimitByIP limits requests per client IP. Keyed on the address the
// same way the services see it, so audit rows and limiter buckets agree.
func RateLimitByIP(config RateLimitConfig, ipConfig *pkghttp.IPConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.Requests,
		config.Window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return pkghttp.ExtractClientIP(r, ipConfig), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			pkghttp.WriteTooManyRequests(w, "Rate limit exceeded")
		}),
	)
}

// RateLimitByIPAndPath buckets per endpoint as well, so hammering login
// does not starve refresh for the same address.
func RateLimitByIPAndPath(config RateLimitConfig, ipConfig *pkghttp.IPConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.Requests,
		config.Window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			var b strings.Builder
			b.WriteString(pkghttp.ExtractClientIP(r, ipConfig))
			b.WriteString(":")
			b.WriteString(r.URL.Path)
			return b.String(), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			pkghttp.WriteTooManyRequests(w, "Rate limit exceeded")
		}),
	)
}
