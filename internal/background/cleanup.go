package background

import (
	"context"
	"log/slog"
	"time"
)

// SessionCleaner removes sessions whose retention period has passed.
type SessionCleaner interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// ChallengeCleaner removes MFA challenges past their TTL.
type ChallengeCleaner interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// PendingMethodCleaner removes enrollments that were begun but never
// confirmed.
type PendingMethodCleaner interface {
	DeleteExpiredPending(ctx context.Context, olderThan time.Time) (int64, error)
}

// AttemptCleaner removes login attempt rows past their retention window.
type AttemptCleaner interface {
	DeleteExpiredAttempts(ctx context.Context) (int64, error)
}

// AuditCleaner enforces the audit retention policy.
type AuditCleaner interface {
	Cleanup(ctx context.Context, olderThanDays int) (int64, error)
}

// CleanupManager periodically removes expired rows: dead sessions, stale
// challenges, abandoned enrollments, old login attempts, and audit rows
// beyond retention. Each sweep is independent; one failing does not stop
// the others.
type CleanupManager struct {
	sessions       SessionCleaner
	challenges     ChallengeCleaner
	pendingMethods PendingMethodCleaner
	attempts       AttemptCleaner
	audit          AuditCleaner

	logger             *slog.Logger
	interval           time.Duration
	pendingEnrollTTL   time.Duration
	auditRetentionDays int

	stopCh chan struct{}
}

func NewCleanupManager(
	sessions SessionCleaner,
	challenges ChallengeCleaner,
	pendingMethods PendingMethodCleaner,
	attempts AttemptCleaner,
	audit AuditCleaner,
	logger *slog.Logger,
	interval time.Duration,
	pendingEnrollTTL time.Duration,
	auditRetentionDays int,
) *CleanupManager {
	return &CleanupManager{
		sessions:           sessions,
		challenges:         challenges,
		pendingMethods:     pendingMethods,
		attempts:           attempts,
		audit:              audit,
		logger:             logger,
		interval:           interval,
		pendingEnrollTTL:   pendingEnrollTTL,
		auditRetentionDays: auditRetentionDays,
		stopCh:             make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called or the context ends.
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.runCleanup(ctx)

	for {
		select {
		case <-ticker.C:
			cm.runCleanup(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

func (cm *CleanupManager) runCleanup(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cm.sweep(cleanupCtx, "sessions", func(ctx context.Context) (int64, error) {
		return cm.sessions.DeleteExpired(ctx)
	})
	cm.sweep(cleanupCtx, "mfa_challenges", func(ctx context.Context) (int64, error) {
		return cm.challenges.DeleteExpired(ctx)
	})
	cm.sweep(cleanupCtx, "pending_mfa_methods", func(ctx context.Context) (int64, error) {
		return cm.pendingMethods.DeleteExpiredPending(ctx, time.Now().Add(-cm.pendingEnrollTTL))
	})
	cm.sweep(cleanupCtx, "login_attempts", func(ctx context.Context) (int64, error) {
		return cm.attempts.DeleteExpiredAttempts(ctx)
	})
	if cm.auditRetentionDays > 0 {
		cm.sweep(cleanupCtx, "audit_logs", func(ctx context.Context) (int64, error) {
			return cm.audit.Cleanup(ctx, cm.auditRetentionDays)
		})
	}
}

func (cm *CleanupManager) sweep(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	rows, err := fn(ctx)
	if err != nil {
		cm.logger.Error("cleanup sweep failed",
			slog.String("sweep", name),
			slog.Any("error", err))
		return
	}
	if rows > 0 {
		cm.logger.Info("cleanup sweep completed",
			slog.String("sweep", name),
			slog.Int64("rows_deleted", rows))
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	close(cm.stopCh)
}
