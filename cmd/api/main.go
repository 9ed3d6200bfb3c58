package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Thanush-07/aegis/internal/anomaly"
	"github.com/Thanush-07/aegis/internal/auth"
	"github.com/Thanush-07/aegis/internal/background"
	"github.com/Thanush-07/aegis/internal/config"
	"github.com/Thanush-07/aegis/internal/database"
	"github.com/Thanush-07/aegis/internal/handlers"
	middlewareCustom "github.com/Thanush-07/aegis/internal/middleware"
	"github.com/Thanush-07/aegis/internal/models"
	"github.com/Thanush-07/aegis/internal/repositories"
	"github.com/Thanush-07/aegis/internal/routes"
	"github.com/Thanush-07/aegis/internal/services"
	pkgauth "github.com/Thanush-07/aegis/pkg/auth"
	pkghttp "github.com/Thanush-07/aegis/pkg/http"
	pkglogger "github.com/Thanush-07/aegis/pkg/logger"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Initialize repositories
	userRepo := repositories.NewUserRepository(db)
	sessionRepo := repositories.NewSessionRepository(db)
	methodRepo := repositories.NewMFAMethodRepository(db)
	challengeRepo := repositories.NewMFAChallengeRepository(db)
	attemptRepo := repositories.NewLoginAttemptRepository(db)
	auditRepo := repositories.NewAuditLogRepository(db)

	// Token, TOTP, and WebAuthn managers
	tokenManager := auth.NewTokenManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.MFATokenExpiry,
	)

	totpManager, err := auth.NewTOTPManager(cfg.TOTP.EncryptionKey, cfg.TOTP.Issuer)
	if err != nil {
		logger.Error("failed to initialize totp manager", slog.Any("error", err))
		os.Exit(1)
	}

	webauthnManager, err := auth.NewWebAuthnManager(cfg.WebAuthn)
	if err != nil {
		logger.Error("failed to initialize webauthn manager", slog.Any("error", err))
		os.Exit(1)
	}

	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:   cfg.Auth.TimingDelayBaseMs,
		RandomDelayMs: cfg.Auth.TimingDelayRandomMs,
	})

	// Anomaly gate
	gate := anomaly.NewGate(anomaly.DefaultWeights(), anomaly.Thresholds{
		StepUp: cfg.Anomaly.StepUpThreshold,
		Deny:   cfg.Anomaly.DenyThreshold,
	})

	// Audit pipeline: durable writes first, live feed second
	broadcaster := services.NewBroadcaster(cfg.Audit.SubscriberBuffer)
	auditService := services.NewAuditService(auditRepo, broadcaster, pkglogger.NewAuditLogger(logger), logger)
	auditService.SetWritePolicy(cfg.Audit.WriteRetries, cfg.Audit.WriteBackoff)

	// Initialize services
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

	// Initialize handlers
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	h := routes.Handlers{
		Auth:     handlers.NewAuthHandler(authService, ipConfig),
		MFA:      handlers.NewMFAHandler(mfaService, ipConfig),
		Sessions: handlers.NewSessionHandler(sessionService, ipConfig),
		Users:    handlers.NewUserHandler(userRepo),
		Audit:    handlers.NewAuditHandler(auditService, cfg.Server.AllowedOrigins, logger),
		Admin:    handlers.NewAdminHandler(adminService),
	}

	// Bootstrap first admin user if configured
	bootstrapCtx, bootstrapCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ensureAdminUser(bootstrapCtx, userRepo, logger); err != nil {
		logger.Error("failed to ensure admin user", slog.Any("error", err))
	}
	bootstrapCancel()

	// Setup CORS middleware
	corsConfig := middlewareCustom.DefaultCORSConfig(cfg.Server.AllowedOrigins)

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(corsConfig))
	router.Use(middlewareCustom.RequestLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	router.Route("/api/v1", func(r chi.Router) {
		routes.RegisterRoutes(r, h, tokenManager, sessionRepo, sessionService, ipConfig)
	})

	// Health check with database
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","database":"down"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","database":"up"}`))
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start cleanup task
	cleanupManager := background.NewCleanupManager(
		sessionRepo, challengeRepo, methodRepo, attemptRepo, auditRepo,
		logger, cfg.Auth.CleanupInterval, cfg.Auth.PendingEnrollTTL, cfg.Audit.RetentionDays,
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

// ensureAdminUser creates the first admin user if ADMIN_EMAIL and ADMIN_PASSWORD are set
func ensureAdminUser(ctx context.Context, userRepo *repositories.UserRepository, logger *slog.Logger) error {
	adminEmail := os.Getenv("ADMIN_EMAIL")
	adminPassword := os.Getenv("ADMIN_PASSWORD")

	if adminEmail == "" || adminPassword == "" {
		logger.Info("no ADMIN_EMAIL or ADMIN_PASSWORD set, skipping admin user creation")
		return nil
	}

	_, err := userRepo.GetByEmail(ctx, adminEmail)
	if err == nil {
		logger.Info("admin user already exists")
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to check if admin exists: %w", err)
	}

	if err := pkgauth.ValidatePassword(adminPassword); err != nil {
		return fmt.Errorf("ADMIN_PASSWORD rejected: %w", err)
	}

	hashedPassword, err := pkgauth.HashPassword(adminPassword)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	now := time.Now()
	admin := &models.User{
		Email:             adminEmail,
		PasswordHash:      hashedPassword,
		Name:              "Admin",
		Role:              "admin",
		Status:            "active",
		PasswordChangedAt: &now,
	}

	if _, err := userRepo.Create(ctx, admin); err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}

	logger.Info("admin user created successfully")
	return nil
}
