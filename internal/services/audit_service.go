package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Thanush-07/aegis/internal/models"
	"github.com/Thanush-07/aegis/pkg/logger"
)

type AuditLogRepository interface {
	Create(ctx context.Context, entry *models.AuditLog) (*models.AuditLog, error)
	List(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, error)
	Count(ctx context.Context, filter models.AuditFilter) (int64, error)
	Stream(ctx context.Context, filter models.AuditFilter, fn func(*models.AuditLog) error) error
	CountSince(ctx context.Context, eventTypes []string, since time.Time) (int64, error)
}

// AuditEntry is the write-side shape of an audit event before persistence.
type AuditEntry struct {
	EventType string
	UserID    *uuid.UUID
	IPAddress string
	UserAgent string
	Success   bool
	Details   models.AuditDetails
}

// AuditService is the single write path for security events. Durable
// persistence comes first; the structured log line and the live feed are
// emitted only after the row is committed, so every event a client ever
// sees is recoverable from storage.
type AuditService struct {
	repo        AuditLogRepository
	broadcaster *Broadcaster
	auditLogger *logger.AuditLogger
	logger      *slog.Logger

	maxRetries int
	backoff    time.Duration
}

func NewAuditService(repo AuditLogRepository, broadcaster *Broadcaster, auditLogger *logger.AuditLogger, log *slog.Logger) *AuditService {
	return &AuditService{
		repo:        repo,
		broadcaster: broadcaster,
		auditLogger: auditLogger,
		logger:      log,
		maxRetries:  3,
		backoff:     50 * time.Millisecond,
	}
}

// SetWritePolicy overrides the durable-write retry budget.
func (s *AuditService) SetWritePolicy(retries int, backoff time.Duration) {
	if retries > 0 {
		s.maxRetries = retries
	}
	if backoff > 0 {
		s.backoff = backoff
	}
}

// Record persists the event, then mirrors it to the structured log and the
// live feed. If storage stays down through the retry budget the caller gets
// models.ErrStorageUnavailable and must treat the guarded action as failed.
func (s *AuditService) Record(ctx context.Context, entry AuditEntry) error {
	row := &models.AuditLog{
		EventType: entry.EventType,
		UserID:    entry.UserID,
		Details:   entry.Details,
	}
	if entry.IPAddress != "" {
		row.IPAddress = &entry.IPAddress
	}
	if entry.UserAgent != "" {
		row.UserAgent = &entry.UserAgent
	}

	created, err := s.persist(ctx, row)
	if err != nil {
		s.logger.Error("audit write failed after retries",
			slog.String("event_type", entry.EventType),
			slog.String("error", err.Error()),
		)
		return models.ErrStorageUnavailable
	}

	logged := logger.AuditEvent{
		EventType: entry.EventType,
		IPAddress: entry.IPAddress,
		UserAgent: entry.UserAgent,
		Success:   entry.Success,
		Metadata:  make(map[string]string, len(entry.Details)),
	}
	if entry.UserID != nil {
		logged.UserID = entry.UserID.String()
	}
	for key, val := range entry.Details {
		logged.Metadata[key] = fmt.Sprintf("%v", val)
	}
	s.auditLogger.LogEvent(logged)

	s.broadcaster.Publish(created)
	return nil
}

func (s *AuditService) persist(ctx context.Context, row *models.AuditLog) (*models.AuditLog, error) {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.backoff * time.Duration(attempt)):
			}
		}

		created, err := s.repo.Create(ctx, row)
		if err == nil {
			return created, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("persisting audit event: %w", lastErr)
}

// Query returns one page of matching events, newest first, plus the total
// match count for pagination.
func (s *AuditService) Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, int64, error) {
	entries, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("listing audit events: %w", err)
	}

	total, err := s.repo.Count(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("counting audit events: %w", err)
	}

	return entries, total, nil
}

// Export walks every matching event oldest first, invoking fn per row, so
// large ranges stream without buffering the full result set.
func (s *AuditService) Export(ctx context.Context, filter models.AuditFilter, fn func(*models.AuditLog) error) error {
	return s.repo.Stream(ctx, filter, fn)
}

func (s *AuditService) CountSince(ctx context.Context, eventTypes []string, since time.Time) (int64, error) {
	return s.repo.CountSince(ctx, eventTypes, since)
}

func (s *AuditService) Subscribe() *Subscriber {
	return s.broadcaster.Subscribe()
}
