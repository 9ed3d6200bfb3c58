package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/Thanush-07/aegis/internal/config"
	"github.com/Thanush-07/aegis/internal/models"
)

type LoginAttemptRepository interface {
	RecordAttempt(ctx context.Context, attempt *models.LoginAttempt) error
	GetFailedAttemptCount(ctx context.Context, email string, since time.Time) (int, error)
	GetFailedAttemptCountByIP(ctx context.Context, ipAddress string, since time.Time) (int, error)
	GetLastSuccessTime(ctx context.Context, email string) (*time.Time, error)
}

// LockoutService enforces the brute-force lockout policy. It counts recent
// failures per account and per source address inside a sliding window and
// denies further attempts past the configured ceilings. Counting errors
// fail open so a storage hiccup never blocks every login.
type LockoutService struct {
	attempts LoginAttemptRepository
	logger   *slog.Logger

	maxFailedAttempts int
	maxAttemptsPerIP  int
	window            time.Duration
	lockoutDuration   time.Duration
	retention         time.Duration
}

func NewLockoutService(attempts LoginAttemptRepository, cfg config.AuthConfig, logger *slog.Logger) *LockoutService {
	return &LockoutService{
		attempts:          attempts,
		logger:            logger,
		maxFailedAttempts: cfg.MaxFailedAttempts,
		maxAttemptsPerIP:  cfg.MaxAttemptsPerIP,
		window:            cfg.LockoutWindow,
		lockoutDuration:   cfg.LockoutDuration,
		retention:         24 * time.Hour,
	}
}

// Check reports whether a login attempt for this email from this address
// may proceed. Returns models.ErrAccountLocked when either ceiling is hit.
func (s *LockoutService) Check(ctx context.Context, email, ipAddress string) error {
	since := time.Now().Add(-s.window)

	emailCount, err := s.attempts.GetFailedAttemptCount(ctx, email, since)
	if err != nil {
		s.logger.Error("failed to count login failures by email", slog.String("error", err.Error()))
		return nil
	}
	if emailCount >= s.maxFailedAttempts {
		return models.ErrAccountLocked
	}

	ipCount, err := s.attempts.GetFailedAttemptCountByIP(ctx, ipAddress, since)
	if err != nil {
		s.logger.Error("failed to count login failures by ip", slog.String("error", err.Error()))
		return nil
	}
	if ipCount >= s.maxAttemptsPerIP {
		return models.ErrAccountLocked
	}

	return nil
}

// RecordAttempt persists one verification outcome. Recording is best effort;
// an attempt that cannot be stored must not fail the login itself.
func (s *LockoutService) RecordAttempt(ctx context.Context, email string, meta models.DeviceMeta, success bool, failureReason string) {
	attempt := &models.LoginAttempt{
		Email:             email,
		IPAddress:         meta.IPAddress,
		UserAgent:         meta.UserAgent,
		DeviceFingerprint: meta.Fingerprint,
		Success:           success,
		ExpiresAt:         time.Now().Add(s.retention),
	}
	if failureReason != "" {
		attempt.FailureReason = &failureReason
	}

	if err := s.attempts.RecordAttempt(ctx, attempt); err != nil {
		s.logger.Error("failed to record login attempt", slog.String("error", err.Error()))
	}
}

// RecentFailures returns the windowed failure count for an email. Used as
// an anomaly scoring input, so errors degrade to zero rather than failing
// the login.
func (s *LockoutService) RecentFailures(ctx context.Context, email string) int {
	count, err := s.attempts.GetFailedAttemptCount(ctx, email, time.Now().Add(-s.window))
	if err != nil {
		s.logger.Error("failed to count recent failures", slog.String("error", err.Error()))
		return 0
	}
	return count
}

// LastSuccess returns when the account last logged in successfully, or nil
// when no success is on record. An anomaly scoring input, so errors degrade
// to nil rather than failing the login.
func (s *LockoutService) LastSuccess(ctx context.Context, email string) *time.Time {
	last, err := s.attempts.GetLastSuccessTime(ctx, email)
	if err != nil {
		s.logger.Error("failed to look up last successful login", slog.String("error", err.Error()))
		return nil
	}
	return last
}

// LockedUntil computes when a fresh lockout triggered now would expire.
func (s *LockoutService) LockedUntil(now time.Time) time.Time {
	return now.Add(s.lockoutDuration)
}
