package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thanush-07/aegis/internal/anomaly"
	"github.com/Thanush-07/aegis/internal/auth"
	"github.com/Thanush-07/aegis/internal/config"
	"github.com/Thanush-07/aegis/internal/models"
	pkgauth "github.com/Thanush-07/aegis/pkg/auth"
)

const testPassword = "Correct-horse-battery-staple-9"

func testTokenManager() *auth.TokenManager {
	return auth.NewTokenManager("test-secret-at-least-sixteen-chars", 15*time.Minute, 5*time.Minute)
}

func testUser(t *testing.T) *models.User {
	t.Helper()
	hash, err := pkgauth.HashPassword(testPassword)
	require.NoError(t, err)
	return &models.User{
		ID:           "11111111-1111-1111-1111-111111111111",
		Email:        "alice@example.com",
		PasswordHash: hash,
		Name:         "Alice",
		Role:         "user",
		Status:       "active",
	}
}

type authFixture struct {
	users    *mockUserRepo
	sessions *mockSessionRepo
	methods  *mockMFAMethodRepo
	attempts *mockLoginAttemptRepo
	auditLog *mockAuditRepo
	svc      *AuthService
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	f := &authFixture{
		users:    &mockUserRepo{},
		sessions: &mockSessionRepo{},
		methods:  &mockMFAMethodRepo{},
		attempts: &mockLoginAttemptRepo{},
		auditLog: &mockAuditRepo{},
	}

	auditSvc, _ := newTestAuditService(f.auditLog)
	lockout := NewLockoutService(f.attempts, config.AuthConfig{
		MaxFailedAttempts: 5,
		MaxAttemptsPerIP:  20,
		LockoutWindow:     15 * time.Minute,
		LockoutDuration:   15 * time.Minute,
	}, discardLogger())
	gate := anomaly.NewGate(anomaly.DefaultWeights(), anomaly.Thresholds{StepUp: 25, Deny: 70})

	f.svc = NewAuthService(
		f.users, f.sessions, f.methods,
		lockout, auditSvc, gate,
		testTokenManager(),
		auth.NewTimingDelay(auth.TimingConfig{}),
		7*24*time.Hour,
		discardLogger(),
	)
	return f
}

func testMeta() models.DeviceMeta {
	return models.DeviceMeta{
		IPAddress:   "203.0.113.10",
		UserAgent:   "test-agent",
		Fingerprint: "fp-1",
	}
}

func TestLogin_Success(t *testing.T) {
	f := newAuthFixture(t)
	user := testUser(t)
	f.users.GetByEmailFunc = func(_ context.Context, email string) (*models.User, error) {
		assert.Equal(t, "alice@example.com", email)
		return user, nil
	}

	result, err := f.svc.Login(context.Background(), "Alice@Example.com", testPassword, testMeta())

	require.NoError(t, err)
	require.NotNil(t, result.Tokens)
	assert.Nil(t, result.MFA)
	assert.NotEmpty(t, result.Tokens.AccessToken)
	assert.NotEmpty(t, result.Tokens.RefreshToken)
	assert.Contains(t, f.auditLog.eventTypes(), models.AuditEventLoginSuccess)
}

func TestLogin_UnknownEmail(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.svc.Login(context.Background(), "nobody@example.com", testPassword, testMeta())

	assert.ErrorIs(t, err, models.ErrInvalidCredentials)
	assert.Contains(t, f.auditLog.eventTypes(), models.AuditEventLoginFailed)
}

func TestLogin_WrongPassword(t *testing.T) {
	f := newAuthFixture(t)
	user := testUser(t)
	f.users.GetByEmailFunc = func(context.Context, string) (*models.User, error) {
		return user, nil
	}

	_, err := f.svc.Login(context.Background(), user.Email, "not-the-password", testMeta())

	assert.ErrorIs(t, err, models.ErrInvalidCredentials)
	assert.Contains(t, f.auditLog.eventTypes(), models.AuditEventLoginFailed)
}

func TestLogin_DisabledAccount(t *testing.T) {
	f := newAuthFixture(t)
	user := testUser(t)
	user.Status = "disabled"
	f.users.GetByEmailFunc = func(context.Context, string) (*models.User, error) {
		return user, nil
	}

	_, err := f.svc.Login(context.Background(), user.Email, testPassword, testMeta())

	// Same generic error as a bad password; account state is not leaked.
	assert.ErrorIs(t, err, models.ErrInvalidCredentials)
}

func TestLogin_LockedOut(t *testing.T) {
	f := newAuthFixture(t)
	f.attempts.GetFailedAttemptCountFunc = func(context.Context, string, time.Time) (int, error) {
		return 5, nil
	}

	_, err := f.svc.Login(context.Background(), "alice@example.com", testPassword, testMeta())

	assert.ErrorIs(t, err, models.ErrAccountLocked)
	assert.Contains(t, f.auditLog.eventTypes(), models.AuditEventAccountLocked)
}

func TestLogin_MFAEnrolledRequiresVerification(t *testing.T) {
	f := newAuthFixture(t)
	user := testUser(t)
	user.TOTPEnabled = true
	f.users.GetByEmailFunc = func(context.Context, string) (*models.User, error) {
		return user, nil
	}
	f.methods.ListActiveByUserFunc = func(context.Context, string) ([]*models.MFAMethod, error) {
		now := time.Now()
		return []*models.MFAMethod{{Kind: models.MFAKindTOTP, VerifiedAt: &now}}, nil
	}

	result, err := f.svc.Login(context.Background(), user.Email, testPassword, testMeta())

	require.NoError(t, err)
	assert.Nil(t, result.Tokens)
	require.NotNil(t, result.MFA)
	assert.True(t, result.MFA.MFARequired)
	assert.False(t, result.MFA.EnrollRequired)
	assert.Equal(t, []string{models.MFAKindTOTP}, result.MFA.Methods)
	assert.NotEmpty(t, result.MFA.MFAToken)
}

func TestLogin_AnomalyStepUp(t *testing.T) {
	f := newAuthFixture(t)
	user := testUser(t)
	f.users.GetByEmailFunc = func(context.Context, string) (*models.User, error) {
		return user, nil
	}
	// History from a different address and device makes this attempt novel
	// on both axes: 25 + 25 crosses the step-up threshold.
	f.sessions.RecentHistoryFunc = func(context.Context, string, int) ([]*models.Session, error) {
		return []*models.Session{{
			IPAddress:         "198.51.100.1",
			DeviceFingerprint: "fp-other",
			LastUsedAt:        time.Now().Add(-1 * time.Hour),
		}}, nil
	}

	result, err := f.svc.Login(context.Background(), user.Email, testPassword, testMeta())

	require.NoError(t, err)
	require.NotNil(t, result.MFA)
	assert.True(t, result.MFA.MFARequired)
	assert.True(t, result.MFA.EnrollRequired) // no methods enrolled yet
	assert.Contains(t, f.auditLog.eventTypes(), models.AuditEventStepUpRequired)
}

func TestLogin_AnomalyDeny(t *testing.T) {
	f := newAuthFixture(t)
	user := testUser(t)
	f.users.GetByEmailFunc = func(context.Context, string) (*models.User, error) {
		return user, nil
	}
	// Novel IP and device plus an implausible jump from Sydney minutes ago.
	lat, lon := -33.87, 151.21
	f.sessions.RecentHistoryFunc = func(context.Context, string, int) ([]*models.Session, error) {
		return []*models.Session{{
			IPAddress:         "198.51.100.1",
			DeviceFingerprint: "fp-other",
			GeoLat:            &lat,
			GeoLon:            &lon,
			LastUsedAt:        time.Now().Add(-10 * time.Minute),
		}}, nil
	}
	meta := testMeta()
	nyLat, nyLon := 40.71, -74.0
	meta.GeoLat, meta.GeoLon = &nyLat, &nyLon

	_, err := f.svc.Login(context.Background(), user.Email, testPassword, meta)

	assert.ErrorIs(t, err, models.ErrAnomalyDenied)
	assert.Contains(t, f.auditLog.eventTypes(), models.AuditEventLoginDenied)
}

func TestLogin_AuditUnavailableFailsLogin(t *testing.T) {
	f := newAuthFixture(t)
	user := testUser(t)
	f.users.GetByEmailFunc = func(context.Context, string) (*models.User, error) {
		return user, nil
	}
	f.auditLog.CreateFunc = func(context.Context, *models.AuditLog) (*models.AuditLog, error) {
		return nil, assert.AnError
	}
	var revokedSession string
	f.sessions.RevokeFunc = func(_ context.Context, sessionID, reason string) error {
		revokedSession = sessionID
		assert.Equal(t, "audit_unavailable", reason)
		return nil
	}

	_, err := f.svc.Login(context.Background(), user.Email, testPassword, testMeta())

	assert.ErrorIs(t, err, models.ErrStorageUnavailable)
	assert.NotEmpty(t, revokedSession, "session must not survive an unrecorded login")
}

func TestRefresh_Success(t *testing.T) {
	f := newAuthFixture(t)
	user := testUser(t)

	secret, err := pkgauth.NewRefreshSecret()
	require.NoError(t, err)
	session := &models.Session{
		ID:               "22222222-2222-2222-2222-222222222222",
		UserID:           user.ID,
		FamilyID:         "fam-1",
		RefreshTokenHash: pkgauth.HashRefreshSecret(secret),
		ExpiresAt:        time.Now().Add(time.Hour),
		LastUsedAt:       time.Now(),
	}

	f.users.GetByIDFunc = func(context.Context, string) (*models.User, error) { return user, nil }
	f.sessions.GetByIDFunc = func(context.Context, string) (*models.Session, error) { return session, nil }
	f.sessions.RotateTokenFunc = func(_ context.Context, sessionID, presentedHash, newHash string, _ models.DeviceMeta) (bool, error) {
		assert.Equal(t, session.ID, sessionID)
		assert.Equal(t, session.RefreshTokenHash, presentedHash)
		assert.NotEqual(t, presentedHash, newHash)
		return true, nil
	}

	result, err := f.svc.Refresh(context.Background(), auth.NewRefreshToken(session.ID, secret), testMeta())

	require.NoError(t, err)
	require.NotNil(t, result.Tokens)
	newSessionID, _, err := auth.SplitRefreshToken(result.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, session.ID, newSessionID)
	assert.Contains(t, f.auditLog.eventTypes(), models.AuditEventTokenRefreshed)
}

func TestRefresh_ReuseRevokesFamily(t *testing.T) {
	f := newAuthFixture(t)

	session := &models.Session{
		ID:               "22222222-2222-2222-2222-222222222222",
		UserID:           "11111111-1111-1111-1111-111111111111",
		FamilyID:         "fam-1",
		RefreshTokenHash: pkgauth.HashRefreshSecret("current-secret"),
		ExpiresAt:        time.Now().Add(time.Hour),
	}

	f.sessions.GetByIDFunc = func(context.Context, string) (*models.Session, error) { return session, nil }
	f.sessions.RotateTokenFunc = func(context.Context, string, string, string, models.DeviceMeta) (bool, error) {
		return false, nil
	}
	var revokedFamily string
	f.sessions.RevokeFamilyFunc = func(_ context.Context, familyID, reason string) error {
		revokedFamily = familyID
		assert.Equal(t, "token_reuse", reason)
		return nil
	}

	_, err := f.svc.Refresh(context.Background(), auth.NewRefreshToken(session.ID, "stale-secret"), testMeta())

	assert.ErrorIs(t, err, models.ErrTokenReused)
	assert.Equal(t, "fam-1", revokedFamily)
	assert.Contains(t, f.auditLog.eventTypes(), models.AuditEventTokenReuse)
}

func TestRefresh_RevokedSession(t *testing.T) {
	f := newAuthFixture(t)
	f.sessions.GetByIDFunc = func(context.Context, string) (*models.Session, error) {
		return &models.Session{
			ID:        "s1",
			Revoked:   true,
			ExpiresAt: time.Now().Add(time.Hour),
		}, nil
	}

	_, err := f.svc.Refresh(context.Background(), auth.NewRefreshToken("s1", "secret"), testMeta())

	assert.ErrorIs(t, err, models.ErrSessionRevoked)
}

func TestRefresh_ExpiredSession(t *testing.T) {
	f := newAuthFixture(t)
	f.sessions.GetByIDFunc = func(context.Context, string) (*models.Session, error) {
		return &models.Session{
			ID:        "s1",
			ExpiresAt: time.Now().Add(-time.Minute),
		}, nil
	}

	_, err := f.svc.Refresh(context.Background(), auth.NewRefreshToken("s1", "secret"), testMeta())

	assert.ErrorIs(t, err, models.ErrTokenExpired)
}

func TestRefresh_MalformedToken(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.svc.Refresh(context.Background(), "not-a-refresh-token", testMeta())

	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

// Two concurrent rotations of the same token must resolve to exactly one
// winner; the loser is treated as reuse.
func TestRefresh_ConcurrentRotationExactlyOneWins(t *testing.T) {
	f := newAuthFixture(t)
	user := testUser(t)

	secret, err := pkgauth.NewRefreshSecret()
	require.NoError(t, err)

	var mu sync.Mutex
	currentHash := pkgauth.HashRefreshSecret(secret)
	revoked := false

	session := &models.Session{
		ID:        "22222222-2222-2222-2222-222222222222",
		UserID:    user.ID,
		FamilyID:  "fam-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}

	f.users.GetByIDFunc = func(context.Context, string) (*models.User, error) { return user, nil }
	f.sessions.GetByIDFunc = func(context.Context, string) (*models.Session, error) {
		mu.Lock()
		defer mu.Unlock()
		copied := *session
		copied.RefreshTokenHash = currentHash
		copied.Revoked = revoked
		return &copied, nil
	}
	f.sessions.RotateTokenFunc = func(_ context.Context, _, presentedHash, newHash string, _ models.DeviceMeta) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		if revoked || presentedHash != currentHash {
			return false, nil
		}
		currentHash = newHash
		return true, nil
	}
	f.sessions.RevokeFamilyFunc = func(context.Context, string, string) error {
		mu.Lock()
		defer mu.Unlock()
		revoked = true
		return nil
	}

	token := auth.NewRefreshToken(session.ID, secret)
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := f.svc.Refresh(context.Background(), token, testMeta())
			results <- err
		}()
	}

	var wins, reuses int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			wins++
		default:
			reuses++
		}
	}

	assert.Equal(t, 1, wins, "exactly one rotation may win")
	assert.Equal(t, 1, reuses)
}

func TestLogout_RevokesSessionAndAudits(t *testing.T) {
	f := newAuthFixture(t)
	var revoked string
	f.sessions.RevokeFunc = func(_ context.Context, sessionID, reason string) error {
		revoked = sessionID
		assert.Equal(t, "logout", reason)
		return nil
	}

	claims := &models.TokenClaims{UserID: "11111111-1111-1111-1111-111111111111", SessionID: "s1"}
	err := f.svc.Logout(context.Background(), claims, testMeta())

	require.NoError(t, err)
	assert.Equal(t, "s1", revoked)
	assert.Contains(t, f.auditLog.eventTypes(), models.AuditEventLogout)
}

func TestChangePassword_RevokesOtherSessions(t *testing.T) {
	f := newAuthFixture(t)
	user := testUser(t)
	f.users.GetByIDFunc = func(context.Context, string) (*models.User, error) { return user, nil }
	f.sessions.ListByUserFunc = func(context.Context, string) ([]*models.Session, error) {
		return []*models.Session{
			{ID: "current", UserID: user.ID},
			{ID: "other", UserID: user.ID},
			{ID: "dead", UserID: user.ID, Revoked: true},
		}, nil
	}
	var revokedIDs []string
	f.sessions.RevokeFunc = func(_ context.Context, sessionID, _ string) error {
		revokedIDs = append(revokedIDs, sessionID)
		return nil
	}

	claims := &models.TokenClaims{UserID: user.ID, SessionID: "current"}
	err := f.svc.ChangePassword(context.Background(), claims, testPassword, "A-new-strong-password-42", testMeta())

	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, revokedIDs)
	assert.Contains(t, f.auditLog.eventTypes(), models.AuditEventPasswordChanged)
}

func TestChangePassword_WrongCurrentPassword(t *testing.T) {
	f := newAuthFixture(t)
	user := testUser(t)
	f.users.GetByIDFunc = func(context.Context, string) (*models.User, error) { return user, nil }

	claims := &models.TokenClaims{UserID: user.ID, SessionID: "current"}
	err := f.svc.ChangePassword(context.Background(), claims, "wrong", "A-new-strong-password-42", testMeta())

	assert.ErrorIs(t, err, models.ErrInvalidCredentials)
}

func TestRegister_IssuesSession(t *testing.T) {
	f := newAuthFixture(t)

	result, err := f.svc.Register(context.Background(), "Bob@Example.com", testPassword, "Bob", testMeta())

	require.NoError(t, err)
	require.NotNil(t, result.Tokens)
	assert.Equal(t, "bob@example.com", result.User.Email)
	assert.Contains(t, f.auditLog.eventTypes(), models.AuditEventRegister)
}
