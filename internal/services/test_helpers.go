package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Thanush-07/aegis/internal/models"
	"github.com/Thanush-07/aegis/pkg/logger"
)

// Function-field mocks. Tests set only the fields they exercise; unset
// fields return zero values or ErrNotFound where a lookup is implied.

type mockUserRepo struct {
	GetByIDFunc          func(ctx context.Context, id string) (*models.User, error)
	GetByEmailFunc       func(ctx context.Context, email string) (*models.User, error)
	CreateFunc           func(ctx context.Context, user *models.User) (*models.User, error)
	RotateCredentialFunc func(ctx context.Context, userID, newHash string) error
	SetLockedUntilFunc   func(ctx context.Context, userID string, until *time.Time) error
	SetMFAFlagsFunc      func(ctx context.Context, userID string, totp, webauthn bool) error
}

func (m *mockUserRepo) GetByID(ctx context.Context, id string) (*models.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *mockUserRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.GetByEmailFunc != nil {
		return m.GetByEmailFunc(ctx, email)
	}
	return nil, models.ErrNotFound
}

func (m *mockUserRepo) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, user)
	}
	user.ID = uuid.New().String()
	return user, nil
}

func (m *mockUserRepo) RotateCredential(ctx context.Context, userID, newHash string) error {
	if m.RotateCredentialFunc != nil {
		return m.RotateCredentialFunc(ctx, userID, newHash)
	}
	return nil
}

func (m *mockUserRepo) SetLockedUntil(ctx context.Context, userID string, until *time.Time) error {
	if m.SetLockedUntilFunc != nil {
		return m.SetLockedUntilFunc(ctx, userID, until)
	}
	return nil
}

func (m *mockUserRepo) SetMFAFlags(ctx context.Context, userID string, totp, webauthn bool) error {
	if m.SetMFAFlagsFunc != nil {
		return m.SetMFAFlagsFunc(ctx, userID, totp, webauthn)
	}
	return nil
}

type mockSessionRepo struct {
	CreateFunc           func(ctx context.Context, session *models.Session) (*models.Session, error)
	GetByIDFunc          func(ctx context.Context, id string) (*models.Session, error)
	RotateTokenFunc      func(ctx context.Context, sessionID, presentedHash, newHash string, meta models.DeviceMeta) (bool, error)
	RevokeFunc           func(ctx context.Context, sessionID, reason string) error
	RevokeFamilyFunc     func(ctx context.Context, familyID, reason string) error
	RevokeAllForUserFunc func(ctx context.Context, userID, reason string) error
	IsRevokedFunc        func(ctx context.Context, sessionID string) (bool, error)
	ListByUserFunc       func(ctx context.Context, userID string) ([]*models.Session, error)
	RecentHistoryFunc    func(ctx context.Context, userID string, limit int) ([]*models.Session, error)
	TouchFunc            func(ctx context.Context, sessionID string, meta models.DeviceMeta) error
}

func (m *mockSessionRepo) Create(ctx context.Context, session *models.Session) (*models.Session, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, session)
	}
	session.ID = uuid.New().String()
	session.FamilyID = uuid.New().String()
	session.CreatedAt = time.Now()
	session.LastUsedAt = session.CreatedAt
	return session, nil
}

func (m *mockSessionRepo) GetByID(ctx context.Context, id string) (*models.Session, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *mockSessionRepo) RotateToken(ctx context.Context, sessionID, presentedHash, newHash string, meta models.DeviceMeta) (bool, error) {
	if m.RotateTokenFunc != nil {
		return m.RotateTokenFunc(ctx, sessionID, presentedHash, newHash, meta)
	}
	return true, nil
}

func (m *mockSessionRepo) Revoke(ctx context.Context, sessionID, reason string) error {
	if m.RevokeFunc != nil {
		return m.RevokeFunc(ctx, sessionID, reason)
	}
	return nil
}

func (m *mockSessionRepo) RevokeFamily(ctx context.Context, familyID, reason string) error {
	if m.RevokeFamilyFunc != nil {
		return m.RevokeFamilyFunc(ctx, familyID, reason)
	}
	return nil
}

func (m *mockSessionRepo) RevokeAllForUser(ctx context.Context, userID, reason string) error {
	if m.RevokeAllForUserFunc != nil {
		return m.RevokeAllForUserFunc(ctx, userID, reason)
	}
	return nil
}

func (m *mockSessionRepo) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	if m.IsRevokedFunc != nil {
		return m.IsRevokedFunc(ctx, sessionID)
	}
	return false, nil
}

func (m *mockSessionRepo) ListByUser(ctx context.Context, userID string) ([]*models.Session, error) {
	if m.ListByUserFunc != nil {
		return m.ListByUserFunc(ctx, userID)
	}
	return nil, nil
}

func (m *mockSessionRepo) RecentHistory(ctx context.Context, userID string, limit int) ([]*models.Session, error) {
	if m.RecentHistoryFunc != nil {
		return m.RecentHistoryFunc(ctx, userID, limit)
	}
	return nil, nil
}

func (m *mockSessionRepo) Touch(ctx context.Context, sessionID string, meta models.DeviceMeta) error {
	if m.TouchFunc != nil {
		return m.TouchFunc(ctx, sessionID, meta)
	}
	return nil
}

type mockMFAMethodRepo struct {
	CreateFunc            func(ctx context.Context, method *models.MFAMethod) (*models.MFAMethod, error)
	GetByIDFunc           func(ctx context.Context, id string) (*models.MFAMethod, error)
	GetTOTPFunc           func(ctx context.Context, userID string) (*models.MFAMethod, error)
	ListActiveByUserFunc  func(ctx context.Context, userID string) ([]*models.MFAMethod, error)
	GetByCredentialIDFunc func(ctx context.Context, credentialID []byte) (*models.MFAMethod, error)
	ActivateFunc          func(ctx context.Context, id string) error
	ConsumeTOTPStepFunc   func(ctx context.Context, id string, step int64) (bool, error)
	AdvanceSignCountFunc  func(ctx context.Context, id string, count uint32) (bool, error)
	DeleteFunc            func(ctx context.Context, id string) error
}

func (m *mockMFAMethodRepo) Create(ctx context.Context, method *models.MFAMethod) (*models.MFAMethod, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, method)
	}
	method.ID = uuid.New().String()
	method.CreatedAt = time.Now()
	return method, nil
}

func (m *mockMFAMethodRepo) GetByID(ctx context.Context, id string) (*models.MFAMethod, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *mockMFAMethodRepo) GetTOTP(ctx context.Context, userID string) (*models.MFAMethod, error) {
	if m.GetTOTPFunc != nil {
		return m.GetTOTPFunc(ctx, userID)
	}
	return nil, models.ErrNotFound
}

func (m *mockMFAMethodRepo) ListActiveByUser(ctx context.Context, userID string) ([]*models.MFAMethod, error) {
	if m.ListActiveByUserFunc != nil {
		return m.ListActiveByUserFunc(ctx, userID)
	}
	return nil, nil
}

func (m *mockMFAMethodRepo) GetByCredentialID(ctx context.Context, credentialID []byte) (*models.MFAMethod, error) {
	if m.GetByCredentialIDFunc != nil {
		return m.GetByCredentialIDFunc(ctx, credentialID)
	}
	return nil, models.ErrNotFound
}

func (m *mockMFAMethodRepo) Activate(ctx context.Context, id string) error {
	if m.ActivateFunc != nil {
		return m.ActivateFunc(ctx, id)
	}
	return nil
}

func (m *mockMFAMethodRepo) ConsumeTOTPStep(ctx context.Context, id string, step int64) (bool, error) {
	if m.ConsumeTOTPStepFunc != nil {
		return m.ConsumeTOTPStepFunc(ctx, id, step)
	}
	return true, nil
}

func (m *mockMFAMethodRepo) AdvanceSignCount(ctx context.Context, id string, count uint32) (bool, error) {
	if m.AdvanceSignCountFunc != nil {
		return m.AdvanceSignCountFunc(ctx, id, count)
	}
	return true, nil
}

func (m *mockMFAMethodRepo) Delete(ctx context.Context, id string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, id)
	}
	return nil
}

type mockMFAChallengeRepo struct {
	CreateFunc           func(ctx context.Context, c *models.MFAChallenge) (*models.MFAChallenge, error)
	ConsumeFunc          func(ctx context.Context, userID, kind, purpose string) (*models.MFAChallenge, error)
	HadRecentExpiredFunc func(ctx context.Context, userID, kind, purpose string) (bool, error)
}

func (m *mockMFAChallengeRepo) Create(ctx context.Context, c *models.MFAChallenge) (*models.MFAChallenge, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, c)
	}
	c.ID = uuid.New().String()
	c.CreatedAt = time.Now()
	return c, nil
}

func (m *mockMFAChallengeRepo) Consume(ctx context.Context, userID, kind, purpose string) (*models.MFAChallenge, error) {
	if m.ConsumeFunc != nil {
		return m.ConsumeFunc(ctx, userID, kind, purpose)
	}
	return nil, models.ErrNotFound
}

func (m *mockMFAChallengeRepo) HadRecentExpired(ctx context.Context, userID, kind, purpose string) (bool, error) {
	if m.HadRecentExpiredFunc != nil {
		return m.HadRecentExpiredFunc(ctx, userID, kind, purpose)
	}
	return false, nil
}

type mockLoginAttemptRepo struct {
	RecordAttemptFunc             func(ctx context.Context, attempt *models.LoginAttempt) error
	GetFailedAttemptCountFunc     func(ctx context.Context, email string, since time.Time) (int, error)
	GetFailedAttemptCountByIPFunc func(ctx context.Context, ipAddress string, since time.Time) (int, error)
	GetLastSuccessTimeFunc        func(ctx context.Context, email string) (*time.Time, error)
}

func (m *mockLoginAttemptRepo) RecordAttempt(ctx context.Context, attempt *models.LoginAttempt) error {
	if m.RecordAttemptFunc != nil {
		return m.RecordAttemptFunc(ctx, attempt)
	}
	return nil
}

func (m *mockLoginAttemptRepo) GetFailedAttemptCount(ctx context.Context, email string, since time.Time) (int, error) {
	if m.GetFailedAttemptCountFunc != nil {
		return m.GetFailedAttemptCountFunc(ctx, email, since)
	}
	return 0, nil
}

func (m *mockLoginAttemptRepo) GetFailedAttemptCountByIP(ctx context.Context, ipAddress string, since time.Time) (int, error) {
	if m.GetFailedAttemptCountByIPFunc != nil {
		return m.GetFailedAttemptCountByIPFunc(ctx, ipAddress, since)
	}
	return 0, nil
}

func (m *mockLoginAttemptRepo) GetLastSuccessTime(ctx context.Context, email string) (*time.Time, error) {
	if m.GetLastSuccessTimeFunc != nil {
		return m.GetLastSuccessTimeFunc(ctx, email)
	}
	return nil, nil
}

// mockAuditRepo records created entries in memory so tests can assert on
// the durable stream. Safe for concurrent use.
type mockAuditRepo struct {
	mu      sync.Mutex
	entries []*models.AuditLog

	CreateFunc     func(ctx context.Context, entry *models.AuditLog) (*models.AuditLog, error)
	ListFunc       func(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, error)
	CountFunc      func(ctx context.Context, filter models.AuditFilter) (int64, error)
	StreamFunc     func(ctx context.Context, filter models.AuditFilter, fn func(*models.AuditLog) error) error
	CountSinceFunc func(ctx context.Context, eventTypes []string, since time.Time) (int64, error)
}

func (m *mockAuditRepo) Create(ctx context.Context, entry *models.AuditLog) (*models.AuditLog, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, entry)
	}
	entry.ID = uuid.New()
	entry.CreatedAt = time.Now()
	m.mu.Lock()
	m.entries = append(m.entries, entry)
	m.mu.Unlock()
	return entry, nil
}

func (m *mockAuditRepo) List(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, filter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.AuditLog(nil), m.entries...), nil
}

func (m *mockAuditRepo) Count(ctx context.Context, filter models.AuditFilter) (int64, error) {
	if m.CountFunc != nil {
		return m.CountFunc(ctx, filter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.entries)), nil
}

func (m *mockAuditRepo) Stream(ctx context.Context, filter models.AuditFilter, fn func(*models.AuditLog) error) error {
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, filter, fn)
	}
	m.mu.Lock()
	entries := append([]*models.AuditLog(nil), m.entries...)
	m.mu.Unlock()
	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockAuditRepo) CountSince(ctx context.Context, eventTypes []string, since time.Time) (int64, error) {
	if m.CountSinceFunc != nil {
		return m.CountSinceFunc(ctx, eventTypes, since)
	}
	return 0, nil
}

func (m *mockAuditRepo) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		types = append(types, e.EventType)
	}
	return types
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestAuditService wires a real AuditService over the in-memory repo so
// service tests exercise the durable-first ordering for free.
func newTestAuditService(repo *mockAuditRepo) (*AuditService, *Broadcaster) {
	broadcaster := NewBroadcaster(16)
	svc := NewAuditService(repo, broadcaster, logger.NewAuditLogger(discardLogger()), discardLogger())
	svc.backoff = time.Millisecond
	return svc, broadcaster
}
