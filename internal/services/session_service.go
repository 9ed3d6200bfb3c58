package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/Thanush-07/aegis/internal/models"
)

// SessionInfo is the device-listing view of a session. The token hash never
// leaves the service layer.
type SessionInfo struct {
	ID         string    `json:"id"`
	IPAddress  string    `json:"ip_address"`
	UserAgent  string    `json:"user_agent"`
	Current    bool      `json:"current"`
	Revoked    bool      `json:"revoked"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// SessionService is the device-management surface over the session registry.
type SessionService struct {
	sessions SessionRepository
	audit    *AuditService
	logger   *slog.Logger
}

func NewSessionService(sessions SessionRepository, audit *AuditService, logger *slog.Logger) *SessionService {
	return &SessionService{sessions: sessions, audit: audit, logger: logger}
}

// List returns the user's sessions with the caller's own marked current.
func (s *SessionService) List(ctx context.Context, userID, currentSessionID string) ([]*SessionInfo, error) {
	sessions, err := s.sessions.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	infos := make([]*SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, &SessionInfo{
			ID:         sess.ID,
			IPAddress:  sess.IPAddress,
			UserAgent:  sess.UserAgent,
			Current:    sess.ID == currentSessionID,
			Revoked:    sess.Revoked,
			CreatedAt:  sess.CreatedAt,
			LastUsedAt: sess.LastUsedAt,
			ExpiresAt:  sess.ExpiresAt,
		})
	}
	return infos, nil
}

// Revoke kills one session the caller owns. Admins may revoke any session.
func (s *SessionService) Revoke(ctx context.Context, claims *models.TokenClaims, sessionID string, meta models.DeviceMeta) error {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.UserID != claims.UserID && claims.Role != "admin" {
		return models.ErrForbidden
	}

	if err := s.sessions.Revoke(ctx, sessionID, "revoked_by_user"); err != nil {
		return err
	}

	return s.audit.Record(ctx, AuditEntry{
		EventType: models.AuditEventSessionRevoked,
		UserID:    userUUID(session.UserID),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   true,
		Details:   models.AuditDetails{"session_id": sessionID, "revoked_by": claims.UserID},
	})
}

// Touch refreshes last-seen metadata on an authenticated request. Failures
// only degrade the device listing, never the request.
func (s *SessionService) Touch(ctx context.Context, sessionID string, meta models.DeviceMeta) {
	if sessionID == "" {
		return
	}
	if err := s.sessions.Touch(ctx, sessionID, meta); err != nil {
		s.logger.Debug("session touch failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
}
