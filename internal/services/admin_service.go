package services

import (
	"context"
	"time"

	"github.com/Thanush-07/aegis/internal/models"
)

type UserCounter interface {
	Count(ctx context.Context) (int64, error)
}

type SessionCounter interface {
	CountActive(ctx context.Context) (int64, error)
}

// SecurityMetrics is the admin dashboard snapshot.
type SecurityMetrics struct {
	TotalUsers      int64 `json:"total_users"`
	ActiveSessions  int64 `json:"active_sessions"`
	FailedLogins24h int64 `json:"failed_logins_24h"`
	Suspicious24h   int64 `json:"suspicious_events_24h"`
	LiveSubscribers int   `json:"live_subscribers"`
}

// AdminService aggregates operational counters for the admin surface.
type AdminService struct {
	users       UserCounter
	sessions    SessionCounter
	audit       *AuditService
	broadcaster *Broadcaster
}

func NewAdminService(users UserCounter, sessions SessionCounter, audit *AuditService, broadcaster *Broadcaster) *AdminService {
	return &AdminService{users: users, sessions: sessions, audit: audit, broadcaster: broadcaster}
}

func (s *AdminService) Metrics(ctx context.Context) (*SecurityMetrics, error) {
	users, err := s.users.Count(ctx)
	if err != nil {
		return nil, err
	}

	sessions, err := s.sessions.CountActive(ctx)
	if err != nil {
		return nil, err
	}

	since := time.Now().Add(-24 * time.Hour)

	failed, err := s.audit.CountSince(ctx, []string{models.AuditEventLoginFailed, models.AuditEventLoginDenied}, since)
	if err != nil {
		return nil, err
	}

	suspicious, err := s.audit.CountSince(ctx, []string{models.AuditEventTokenReuse, models.AuditEventCloneDetected}, since)
	if err != nil {
		return nil, err
	}

	return &SecurityMetrics{
		TotalUsers:      users,
		ActiveSessions:  sessions,
		FailedLogins24h: failed,
		Suspicious24h:   suspicious,
		LiveSubscribers: s.broadcaster.SubscriberCount(),
	}, nil
}
