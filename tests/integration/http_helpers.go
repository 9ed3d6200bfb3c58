package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/Thanush-07/aegis/internal/anomaly"
	"github.com/Thanush-07/aegis/internal/auth"
	"github.com/Thanush-07/aegis/internal/config"
	"github.com/Thanush-07/aegis/internal/database"
	"github.com/Thanush-07/aegis/internal/handlers"
	middlewareCustom "github.com/Thanush-07/aegis/internal/middleware"
	"github.com/Thanush-07/aegis/internal/repositories"
	"github.com/Thanush-07/aegis/internal/routes"
	"github.com/Thanush-07/aegis/internal/services"
	pkghttp "github.com/Thanush-07/aegis/pkg/http"
	pkglogger "github.com/Thanush-07/aegis/pkg/logger"
)

// TestServer wraps httptest.Server with a real database and the full
// service stack wired the way production wires it.
type TestServer struct {
	Server *httptest.Server
	DB     *database.DB
	Config *config.Config

	TokenManager *auth.TokenManager
	Broadcaster  *services.Broadcaster
}

// TestConfig returns settings tuned for fast test runs: a zero timing
// envelope and short backoffs.
func TestConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:           "0",
			Env:            "test",
			AllowedOrigins: []string{},
			TrustedProxies: []string{},
		},
		Auth: config.AuthConfig{
			JWTSecret:           "test-secret-32-characters-long-ok",
			AccessTokenExpiry:   15 * time.Minute,
			RefreshTokenExpiry:  7 * 24 * time.Hour,
			MFATokenExpiry:      5 * time.Minute,
			ChallengeTTL:        2 * time.Minute,
			PendingEnrollTTL:    15 * time.Minute,
			MaxFailedAttempts:   5,
			LockoutDuration:     15 * time.Minute,
			LockoutWindow:       15 * time.Minute,
			MaxAttemptsPerIP:    100,
			TimingDelayBaseMs:   0,
			TimingDelayRandomMs: 0,
			CleanupInterval:     time.Hour,
		},
		TOTP: config.TOTPConfig{
			Issuer:        "AegisTest",
			EncryptionKey: bytesRepeat(0x5a, 32),
		},
		WebAuthn: config.WebAuthnConfig{
			RPID:          "localhost",
			RPDisplayName: "Aegis Test",
			RPOrigins:     []string{"http://localhost"},
		},
		Anomaly: config.AnomalyConfig{
			StepUpThreshold: 25,
			DenyThreshold:   70,
		},
		Audit: config.AuditConfig{
			WriteRetries:     2,
			WriteBackoff:     time.Millisecond,
			SubscriberBuffer: 16,
			RetentionDays:    30,
		},
	}
}

func bytesRepeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

// NewTestServer wires the full HTTP stack over a real database.
func NewTestServer(db *database.DB) (*TestServer, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg := TestConfig()

	userRepo := repositories.NewUserRepository(db)
	sessionRepo := repositories.NewSessionRepository(db)
	methodRepo := repositories.NewMFAMethodRepository(db)
	challengeRepo := repositories.NewMFAChallengeRepository(db)
	attemptRepo := repositories.NewLoginAttemptRepository(db)
	auditRepo := repositories.NewAuditLogRepository(db)

	tokenManager := auth.NewTokenManager(
		cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpiry, cfg.Auth.MFATokenExpiry)

	totpManager, err := auth.NewTOTPManager(cfg.TOTP.EncryptionKey, cfg.TOTP.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create totp manager: %w", err)
	}
	webauthnManager, err := auth.NewWebAuthnManager(cfg.WebAuthn)
	if err != nil {
		return nil, fmt.Errorf("failed to create webauthn manager: %w", err)
	}

	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:   cfg.Auth.TimingDelayBaseMs,
		RandomDelayMs: cfg.Auth.TimingDelayRandomMs,
	})

	gate := anomaly.NewGate(anomaly.DefaultWeights(), anomaly.Thresholds{
		StepUp: cfg.Anomaly.StepUpThreshold,
		Deny:   cfg.Anomaly.DenyThreshold,
	})

	broadcaster := services.NewBroadcaster(cfg.Audit.SubscriberBuffer)
	auditService := services.NewAuditService(auditRepo, broadcaster, pkglogger.NewAuditLogger(logger), logger)
	auditService.SetWritePolicy(cfg.Audit.WriteRetries, cfg.Audit.WriteBackoff)

	lockoutService := services.NewLockoutService(attemptRepo, cfg.Auth, logger)
	authService := services.NewAuthService(
		userRepo, sessionRepo, methodRepo,
		lockoutService, auditService, gate,
		tokenManager, timingDelay,
		cfg.Auth.RefreshTokenExpiry, logger,
	)
	mfaService := services.NewMFAService(
		userRepo, methodRepo, challengeRepo,
		auditService, totpManager, webauthnManager,
		tokenManager, authService, cfg.Auth, logger,
	)
	sessionService := services.NewSessionService(sessionRepo, auditService, logger)
	adminService := services.NewAdminService(userRepo, sessionRepo, auditService, broadcaster)

	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	h := routes.Handlers{
		Auth:     handlers.NewAuthHandler(authService, ipConfig),
		MFA:      handlers.NewMFAHandler(mfaService, ipConfig),
		Sessions: handlers.NewSessionHandler(sessionService, ipConfig),
		Users:    handlers.NewUserHandler(userRepo),
		Audit:    handlers.NewAuditHandler(auditService, cfg.Server.AllowedOrigins, logger),
		Admin:    handlers.NewAdminHandler(adminService),
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		routes.RegisterRoutes(r, h, tokenManager, sessionRepo, sessionService, ipConfig)
	})

	return &TestServer{
		Server:       httptest.NewServer(r),
		DB:           db,
		Config:       cfg,
		TokenManager: tokenManager,
		Broadcaster:  broadcaster,
	}, nil
}

// Close shuts down the HTTP server
func (ts *TestServer) Close() {
	ts.Server.Close()
}

// PostJSON sends a JSON body, optionally with a bearer token, and returns
// the status code plus decoded response body.
func (ts *TestServer) PostJSON(path string, body interface{}, bearer string) (int, map[string]interface{}, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequest(http.MethodPost, ts.Server.URL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	return ts.do(req)
}

// GetJSON sends a GET, optionally with a bearer token.
func (ts *TestServer) GetJSON(path, bearer string) (int, map[string]interface{}, error) {
	req, err := http.NewRequest(http.MethodGet, ts.Server.URL+path, nil)
	if err != nil {
		return 0, nil, err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	return ts.do(req)
}

// GetJSONList sends a GET whose response body is a JSON array.
func (ts *TestServer) GetJSONList(path, bearer string) (int, []interface{}, error) {
	req, err := http.NewRequest(http.MethodGet, ts.Server.URL+path, nil)
	if err != nil {
		return 0, nil, err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := ts.Server.Client().Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}

	var decoded []interface{}
	_ = json.Unmarshal(raw, &decoded)
	return resp.StatusCode, decoded, nil
}

// Delete sends a DELETE, optionally with a bearer token.
func (ts *TestServer) Delete(path, bearer string) (int, map[string]interface{}, error) {
	req, err := http.NewRequest(http.MethodDelete, ts.Server.URL+path, nil)
	if err != nil {
		return 0, nil, err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	return ts.do(req)
}

func (ts *TestServer) do(req *http.Request) (int, map[string]interface{}, error) {
	resp, err := ts.Server.Client().Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}

	var decoded map[string]interface{}
	if len(raw) > 0 {
		// Non-JSON bodies (204s, NDJSON exports) are fine to skip
		_ = json.Unmarshal(raw, &decoded)
	}

	return resp.StatusCode, decoded, nil
}
