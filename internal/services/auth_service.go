package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Thanush-07/aegis/internal/anomaly"
	"github.com/Thanush-07/aegis/internal/auth"
	"github.com/Thanush-07/aegis/internal/models"
	pkgauth "github.com/Thanush-07/aegis/pkg/auth"
	pkglogger "github.com/Thanush-07/aegis/pkg/logger"
)

type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
	RotateCredential(ctx context.Context, userID, newHash string) error
	SetLockedUntil(ctx context.Context, userID string, until *time.Time) error
	SetMFAFlags(ctx context.Context, userID string, totp, webauthn bool) error
}

type SessionRepository interface {
	Create(ctx context.Context, session *models.Session) (*models.Session, error)
	GetByID(ctx context.Context, id string) (*models.Session, error)
	RotateToken(ctx context.Context, sessionID, presentedHash, newHash string, meta models.DeviceMeta) (bool, error)
	Revoke(ctx context.Context, sessionID, reason string) error
	RevokeFamily(ctx context.Context, familyID, reason string) error
	RevokeAllForUser(ctx context.Context, userID, reason string) error
	IsRevoked(ctx context.Context, sessionID string) (bool, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Session, error)
	RecentHistory(ctx context.Context, userID string, limit int) ([]*models.Session, error)
	Touch(ctx context.Context, sessionID string, meta models.DeviceMeta) error
}

type MFAMethodReader interface {
	ListActiveByUser(ctx context.Context, userID string) ([]*models.MFAMethod, error)
}

// dummyHash burns a bcrypt comparison when the email does not resolve, so
// unknown and known accounts cost the same before the timing envelope.
const dummyHash = "$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW"

const anomalyHistoryLimit = 10

// LoginResult is the union of the two login outcomes. Exactly one of Tokens
// or MFA is set; Tokens non-nil means the session was issued.
type LoginResult struct {
	User    *models.User
	Session *models.Session
	Tokens  *models.TokenPair
	MFA     *models.MFARequiredResponse
}

// AuthService orchestrates credential verification, the anomaly gate, and
// refresh-token family lifecycle.
type AuthService struct {
	users    UserRepository
	sessions SessionRepository
	methods  MFAMethodReader
	lockout  *LockoutService
	audit    *AuditService
	gate     *anomaly.Gate
	tokens   *auth.TokenManager
	timing   *auth.TimingDelay
	logger   *slog.Logger

	refreshExpiry time.Duration
}

func NewAuthService(
	users UserRepository,
	sessions SessionRepository,
	methods MFAMethodReader,
	lockout *LockoutService,
	audit *AuditService,
	gate *anomaly.Gate,
	tokens *auth.TokenManager,
	timing *auth.TimingDelay,
	refreshExpiry time.Duration,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		users:         users,
		sessions:      sessions,
		methods:       methods,
		lockout:       lockout,
		audit:         audit,
		gate:          gate,
		tokens:        tokens,
		timing:        timing,
		refreshExpiry: refreshExpiry,
		logger:        logger,
	}
}

// Login verifies credentials, scores the attempt, and either issues tokens,
// demands step-up MFA, or denies. Every failure shares one generic error and
// one response-time envelope so callers cannot distinguish unknown accounts
// from wrong passwords.
func (s *AuthService) Login(ctx context.Context, email, password string, meta models.DeviceMeta) (*LoginResult, error) {
	start := time.Now()
	email = strings.ToLower(strings.TrimSpace(email))

	result, err := s.login(ctx, start, email, password, meta)
	if err != nil {
		s.timing.WaitFrom(start, false)
		return nil, err
	}
	s.timing.WaitFrom(start, true)
	return result, nil
}

func (s *AuthService) login(ctx context.Context, start time.Time, email, password string, meta models.DeviceMeta) (*LoginResult, error) {
	if err := s.lockout.Check(ctx, email, meta.IPAddress); err != nil {
		s.lockout.RecordAttempt(ctx, email, meta, false, "locked_out")
		if auditErr := s.audit.Record(ctx, AuditEntry{
			EventType: models.AuditEventAccountLocked,
			IPAddress: meta.IPAddress,
			UserAgent: meta.UserAgent,
			Details:   models.AuditDetails{"email": email},
		}); auditErr != nil {
			return nil, auditErr
		}
		return nil, models.ErrAccountLocked
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			_ = pkgauth.ComparePassword(dummyHash, password)
			s.lockout.RecordAttempt(ctx, email, meta, false, "unknown_email")
			return nil, s.failLogin(ctx, nil, email, meta, "unknown_email")
		}
		return nil, err
	}

	if user.Status != "active" {
		s.lockout.RecordAttempt(ctx, email, meta, false, "account_disabled")
		return nil, s.failLogin(ctx, user, email, meta, "account_disabled")
	}
	if user.LockedUntil != nil && user.LockedUntil.After(start) {
		s.lockout.RecordAttempt(ctx, email, meta, false, "locked_out")
		return nil, s.failLogin(ctx, user, email, meta, "locked_out")
	}

	if err := pkgauth.ComparePassword(user.PasswordHash, password); err != nil {
		s.lockout.RecordAttempt(ctx, email, meta, false, "bad_password")
		s.maybeLock(ctx, user, email)
		return nil, s.failLogin(ctx, user, email, meta, "bad_password")
	}

	assessment := s.assess(ctx, user, email, meta)

	switch assessment.Decision {
	case anomaly.Deny:
		s.lockout.RecordAttempt(ctx, email, meta, false, "anomaly_denied")
		if auditErr := s.audit.Record(ctx, AuditEntry{
			EventType: models.AuditEventLoginDenied,
			UserID:    userUUID(user.ID),
			IPAddress: meta.IPAddress,
			UserAgent: meta.UserAgent,
			Details: models.AuditDetails{
				"score":   assessment.Score,
				"factors": assessment.TriggeredFactors,
			},
		}); auditErr != nil {
			return nil, auditErr
		}
		return nil, models.ErrAnomalyDenied

	case anomaly.StepUp:
		if auditErr := s.audit.Record(ctx, AuditEntry{
			EventType: models.AuditEventStepUpRequired,
			UserID:    userUUID(user.ID),
			IPAddress: meta.IPAddress,
			UserAgent: meta.UserAgent,
			Success:   true,
			Details: models.AuditDetails{
				"score":   assessment.Score,
				"factors": assessment.TriggeredFactors,
			},
		}); auditErr != nil {
			return nil, auditErr
		}
		return s.requireMFA(ctx, user, true)
	}

	// Allowed by the gate. Users with MFA enrolled still verify a factor
	// before tokens are granted.
	if user.MFAEnrolled() {
		return s.requireMFA(ctx, user, false)
	}

	result, err := s.IssueSession(ctx, user, meta)
	if err != nil {
		return nil, err
	}

	if auditErr := s.audit.Record(ctx, AuditEntry{
		EventType: models.AuditEventLoginSuccess,
		UserID:    userUUID(user.ID),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   true,
		Details:   models.AuditDetails{"session_id": result.Session.ID},
	}); auditErr != nil {
		// The audit trail could not record the login; the session must not
		// outlive the gap.
		_ = s.sessions.Revoke(ctx, result.Session.ID, "audit_unavailable")
		return nil, auditErr
	}

	s.lockout.RecordAttempt(ctx, email, meta, true, "")
	return result, nil
}

// failLogin emits the audit event for a failed credential check and returns
// the generic credential error. All callers look identical to the client.
func (s *AuthService) failLogin(ctx context.Context, user *models.User, email string, meta models.DeviceMeta, reason string) error {
	s.logger.Warn("login failed",
		slog.String("email", pkglogger.SanitizedEmail(email)),
		slog.String("ip", meta.IPAddress),
		slog.String("reason", reason),
	)

	entry := AuditEntry{
		EventType: models.AuditEventLoginFailed,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Details:   models.AuditDetails{"email": email, "reason": reason},
	}
	if user != nil {
		entry.UserID = userUUID(user.ID)
	}
	if auditErr := s.audit.Record(ctx, entry); auditErr != nil {
		return auditErr
	}
	return models.ErrInvalidCredentials
}

// maybeLock applies a temporary account lock when this failure crossed the
// policy ceiling. Best effort; the attempt already failed either way.
func (s *AuthService) maybeLock(ctx context.Context, user *models.User, email string) {
	if s.lockout.RecentFailures(ctx, email)+1 < s.lockout.maxFailedAttempts {
		return
	}
	until := s.lockout.LockedUntil(time.Now())
	if err := s.users.SetLockedUntil(ctx, user.ID, &until); err != nil {
		s.logger.Error("failed to apply account lock", slog.String("error", err.Error()))
	}
}

func (s *AuthService) assess(ctx context.Context, user *models.User, email string, meta models.DeviceMeta) anomaly.Assessment {
	history, err := s.sessions.RecentHistory(ctx, user.ID, anomalyHistoryLimit)
	if err != nil {
		s.logger.Error("failed to load session history for scoring", slog.String("error", err.Error()))
		history = nil
	}

	return s.gate.Score(anomaly.Input{
		Meta:           meta,
		History:        history,
		RecentFailures: s.lockout.RecentFailures(ctx, email),
		LastSuccess:    s.lockout.LastSuccess(ctx, email),
		Now:            time.Now(),
	})
}

// requireMFA builds the step-up response: a short-lived token scoping the
// verification flow plus the set of methods the user can answer with.
func (s *AuthService) requireMFA(ctx context.Context, user *models.User, stepUp bool) (*LoginResult, error) {
	mfaToken, err := s.tokens.GenerateMFAToken(user, stepUp)
	if err != nil {
		return nil, err
	}

	kinds := make([]string, 0, 2)
	methods, err := s.methods.ListActiveByUser(ctx, user.ID)
	if err != nil {
		s.logger.Error("failed to list mfa methods", slog.String("error", err.Error()))
	}
	seen := make(map[string]bool)
	for _, m := range methods {
		if !seen[m.Kind] {
			seen[m.Kind] = true
			kinds = append(kinds, m.Kind)
		}
	}

	return &LoginResult{
		User: user,
		MFA: &models.MFARequiredResponse{
			MFARequired:    true,
			EnrollRequired: len(kinds) == 0,
			Methods:        kinds,
			MFAToken:       mfaToken,
		},
	}, nil
}

// IssueSession opens a fresh refresh-token family for the device and mints
// the token pair. Also the final step of a completed MFA flow.
func (s *AuthService) IssueSession(ctx context.Context, user *models.User, meta models.DeviceMeta) (*LoginResult, error) {
	secret, err := pkgauth.NewRefreshSecret()
	if err != nil {
		return nil, err
	}

	session, err := s.sessions.Create(ctx, &models.Session{
		UserID:            user.ID,
		RefreshTokenHash:  pkgauth.HashRefreshSecret(secret),
		IPAddress:         meta.IPAddress,
		UserAgent:         meta.UserAgent,
		DeviceFingerprint: meta.Fingerprint,
		GeoLat:            meta.GeoLat,
		GeoLon:            meta.GeoLon,
		ExpiresAt:         time.Now().Add(s.refreshExpiry),
	})
	if err != nil {
		return nil, err
	}

	accessToken, err := s.tokens.GenerateAccessToken(user, session)
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		User:    user,
		Session: session,
		Tokens: &models.TokenPair{
			AccessToken:  accessToken,
			RefreshToken: auth.NewRefreshToken(session.ID, secret),
		},
	}, nil
}

// Refresh rotates the refresh token. A presented token that is no longer the
// live one is treated as theft evidence: the whole family is revoked and the
// reuse is audited before the caller sees the same generic unauthorized
// error as any other invalid token.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, meta models.DeviceMeta) (*LoginResult, error) {
	sessionID, secret, err := auth.SplitRefreshToken(refreshToken)
	if err != nil {
		return nil, models.ErrUnauthorized
	}

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrUnauthorized
		}
		return nil, err
	}

	if session.Revoked {
		return nil, models.ErrSessionRevoked
	}
	if session.Expired(time.Now()) {
		return nil, models.ErrTokenExpired
	}

	newSecret, err := pkgauth.NewRefreshSecret()
	if err != nil {
		return nil, err
	}

	won, err := s.sessions.RotateToken(ctx, sessionID,
		pkgauth.HashRefreshSecret(secret), pkgauth.HashRefreshSecret(newSecret), meta)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, s.handleReuse(ctx, session, meta)
	}

	user, err := s.users.GetByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if user.Status != "active" {
		_ = s.sessions.RevokeAllForUser(ctx, user.ID, "account_disabled")
		return nil, models.ErrUnauthorized
	}

	accessToken, err := s.tokens.GenerateAccessToken(user, session)
	if err != nil {
		return nil, err
	}

	if auditErr := s.audit.Record(ctx, AuditEntry{
		EventType: models.AuditEventTokenRefreshed,
		UserID:    userUUID(user.ID),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   true,
		Details:   models.AuditDetails{"session_id": session.ID, "family_id": session.FamilyID},
	}); auditErr != nil {
		// The rotation is already durable but unrecorded. Kill the family
		// rather than hand out tokens the trail never saw.
		_ = s.sessions.RevokeFamily(ctx, session.FamilyID, "audit_unavailable")
		return nil, auditErr
	}

	return &LoginResult{
		User:    user,
		Session: session,
		Tokens: &models.TokenPair{
			AccessToken:  accessToken,
			RefreshToken: auth.NewRefreshToken(session.ID, newSecret),
		},
	}, nil
}

// handleReuse contains a losing rotation. The session may have been revoked
// between our read and the swap; only a stale-hash miss on a live session is
// reuse.
func (s *AuthService) handleReuse(ctx context.Context, session *models.Session, meta models.DeviceMeta) error {
	current, err := s.sessions.GetByID(ctx, session.ID)
	if err == nil && current.Revoked {
		return models.ErrSessionRevoked
	}

	if err := s.sessions.RevokeFamily(ctx, session.FamilyID, "token_reuse"); err != nil {
		s.logger.Error("failed to revoke family after reuse",
			slog.String("family_id", session.FamilyID),
			slog.String("error", err.Error()),
		)
	}

	if auditErr := s.audit.Record(ctx, AuditEntry{
		EventType: models.AuditEventTokenReuse,
		UserID:    userUUID(session.UserID),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Details: models.AuditDetails{
			"session_id": session.ID,
			"family_id":  session.FamilyID,
		},
	}); auditErr != nil {
		return auditErr
	}

	return models.ErrTokenReused
}

// Logout revokes the session the presented access token belongs to.
func (s *AuthService) Logout(ctx context.Context, claims *models.TokenClaims, meta models.DeviceMeta) error {
	if err := s.sessions.Revoke(ctx, claims.SessionID, "logout"); err != nil {
		return err
	}

	return s.audit.Record(ctx, AuditEntry{
		EventType: models.AuditEventLogout,
		UserID:    userUUID(claims.UserID),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   true,
		Details:   models.AuditDetails{"session_id": claims.SessionID},
	})
}

// LogoutAll revokes every session the user holds, across all devices.
func (s *AuthService) LogoutAll(ctx context.Context, claims *models.TokenClaims, meta models.DeviceMeta) error {
	if err := s.sessions.RevokeAllForUser(ctx, claims.UserID, "logout_all"); err != nil {
		return err
	}

	return s.audit.Record(ctx, AuditEntry{
		EventType: models.AuditEventLogout,
		UserID:    userUUID(claims.UserID),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   true,
		Details:   models.AuditDetails{"scope": "all_sessions"},
	})
}

// Register creates an account and logs the new user straight in.
func (s *AuthService) Register(ctx context.Context, email, password, name string, meta models.DeviceMeta) (*LoginResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	if err := pkgauth.ValidatePassword(password); err != nil {
		return nil, err
	}

	hash, err := pkgauth.HashPassword(password)
	if err != nil {
		return nil, err
	}

	user, err := s.users.Create(ctx, &models.User{
		Email:        email,
		PasswordHash: hash,
		Name:         name,
	})
	if err != nil {
		return nil, err
	}

	result, err := s.IssueSession(ctx, user, meta)
	if err != nil {
		return nil, err
	}

	if auditErr := s.audit.Record(ctx, AuditEntry{
		EventType: models.AuditEventRegister,
		UserID:    userUUID(user.ID),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   true,
		Details:   models.AuditDetails{"email": email},
	}); auditErr != nil {
		_ = s.sessions.Revoke(ctx, result.Session.ID, "audit_unavailable")
		return nil, auditErr
	}

	return result, nil
}

// ChangePassword rotates the credential and revokes every other session, so
// a stolen password stops working everywhere but the device that changed it.
func (s *AuthService) ChangePassword(ctx context.Context, claims *models.TokenClaims, currentPassword, newPassword string, meta models.DeviceMeta) error {
	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		return err
	}

	if err := pkgauth.ComparePassword(user.PasswordHash, currentPassword); err != nil {
		return models.ErrInvalidCredentials
	}

	if err := pkgauth.ValidatePassword(newPassword); err != nil {
		return err
	}

	hash, err := pkgauth.HashPassword(newPassword)
	if err != nil {
		return err
	}

	if err := s.users.RotateCredential(ctx, user.ID, hash); err != nil {
		return err
	}

	sessions, err := s.sessions.ListByUser(ctx, user.ID)
	if err == nil {
		for _, sess := range sessions {
			if sess.ID == claims.SessionID || sess.Revoked {
				continue
			}
			if revErr := s.sessions.Revoke(ctx, sess.ID, "password_changed"); revErr != nil {
				s.logger.Error("failed to revoke session after password change",
					slog.String("session_id", sess.ID),
					slog.String("error", revErr.Error()),
				)
			}
		}
	}

	return s.audit.Record(ctx, AuditEntry{
		EventType: models.AuditEventPasswordChanged,
		UserID:    userUUID(user.ID),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   true,
		Details:   models.AuditDetails{},
	})
}

// userUUID converts a textual user id to the audit row's nullable uuid.
// Malformed ids degrade to nil rather than blocking the event.
func userUUID(id string) *uuid.UUID {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil
	}
	return &parsed
}
