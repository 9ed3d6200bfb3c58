package integration

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thanush-07/aegis/internal/models"
)

var testDB *TestDB

func TestMain(m *testing.M) {
	ctx := context.Background()

	db, err := SetupTestDatabase(ctx)
	if err != nil {
		log.Fatalf("failed to set up test database: %v", err)
	}
	testDB = db

	code := m.Run()

	if err := testDB.Teardown(ctx); err != nil {
		log.Printf("teardown: %v", err)
	}
	os.Exit(code)
}

// newServer resets the database and returns a fresh stack so rate limiter
// state never carries over between tests.
func newServer(t *testing.T) *TestServer {
	t.Helper()
	require.NoError(t, testDB.CleanupTables(context.Background()))

	ts, err := NewTestServer(testDB.DB)
	require.NoError(t, err)
	t.Cleanup(ts.Close)
	return ts
}

func tokensFrom(t *testing.T, body map[string]interface{}) (access, refresh string) {
	t.Helper()
	access, _ = body["access_token"].(string)
	refresh, _ = body["refresh_token"].(string)
	require.NotEmpty(t, access)
	require.NotEmpty(t, refresh)
	return access, refresh
}

func sessionIDOf(t *testing.T, refreshToken string) string {
	t.Helper()
	parts := strings.SplitN(refreshToken, ".", 2)
	require.Len(t, parts, 2)
	return parts[0]
}

func TestRegisterAndLogin(t *testing.T) {
	ts := newServer(t)
	user := NewTestUser()

	status, body, err := ts.PostJSON("/api/v1/auth/register", user.RegisterBody(), "")
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, status, "body: %v", body)
	access, _ := tokensFrom(t, body)

	status, me, err := ts.GetJSON("/api/v1/users/me", access)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, user.Email, me["email"])
	assert.Equal(t, "user", me["role"])

	// A second login issues an independent session.
	status, body, err = ts.PostJSON("/api/v1/auth/login", user.LoginBody(), "")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status, "body: %v", body)
	tokensFrom(t, body)

	count, err := CountAuditEvents(context.Background(), testDB.DB, models.AuditEventLoginSuccess)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, int64(1))
}

func TestRegisterDuplicateEmail(t *testing.T) {
	ts := newServer(t)
	user := NewTestUser()

	status, _, err := ts.PostJSON("/api/v1/auth/register", user.RegisterBody(), "")
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, status)

	status, body, err := ts.PostJSON("/api/v1/auth/register", user.RegisterBody(), "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, status, "body: %v", body)
}

func TestWrongPasswordIsGeneric(t *testing.T) {
	ts := newServer(t)
	user := NewTestUser()

	status, _, err := ts.PostJSON("/api/v1/auth/register", user.RegisterBody(), "")
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, status)

	wrong := map[string]string{"email": user.Email, "password": "WrongPassword1"}
	status, body, err := ts.PostJSON("/api/v1/auth/login", wrong, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)

	// An unknown account fails identically to a wrong password.
	unknown := map[string]string{"email": "nobody@example.com", "password": "WrongPassword1"}
	status2, body2, err := ts.PostJSON("/api/v1/auth/login", unknown, "")
	require.NoError(t, err)
	assert.Equal(t, status, status2)
	assert.Equal(t, body["error"], body2["error"])
	assert.Equal(t, body["message"], body2["message"])
}

func TestRefreshRotationAndReuseDetection(t *testing.T) {
	ts := newServer(t)
	ctx := context.Background()
	user := NewTestUser()

	status, body, err := ts.PostJSON("/api/v1/auth/register", user.RegisterBody(), "")
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, status)
	_, refresh1 := tokensFrom(t, body)
	sessionID := sessionIDOf(t, refresh1)

	// Normal rotation: new pair, old secret retired.
	status, body, err = ts.PostJSON("/api/v1/auth/refresh", map[string]string{"refresh_token": refresh1}, "")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status, "body: %v", body)
	_, refresh2 := tokensFrom(t, body)
	require.NotEqual(t, refresh1, refresh2)
	assert.Equal(t, sessionID, sessionIDOf(t, refresh2), "rotation stays within the session family")

	// Replaying the retired token is treated as theft evidence.
	status, body, err = ts.PostJSON("/api/v1/auth/refresh", map[string]string{"refresh_token": refresh1}, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Authentication failed", body["message"])

	revoked, reason, err := SessionState(ctx, testDB.DB, sessionID)
	require.NoError(t, err)
	assert.True(t, revoked, "reuse revokes the whole family")
	if assert.NotNil(t, reason) {
		assert.Contains(t, *reason, "reuse")
	}

	count, err := CountAuditEvents(ctx, testDB.DB, models.AuditEventTokenReuse)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, int64(1))

	// The current token died with the family.
	status, _, err = ts.PostJSON("/api/v1/auth/refresh", map[string]string{"refresh_token": refresh2}, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	ts := newServer(t)
	ctx := context.Background()
	user := NewTestUser()

	status, _, err := ts.PostJSON("/api/v1/auth/register", user.RegisterBody(), "")
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, status)

	wrong := map[string]string{"email": user.Email, "password": "WrongPassword1"}
	for i := 0; i < ts.Config.Auth.MaxFailedAttempts; i++ {
		status, _, err = ts.PostJSON("/api/v1/auth/login", wrong, "")
		require.NoError(t, err)
		require.Equal(t, http.StatusUnauthorized, status, "attempt %d", i+1)
	}

	// Threshold reached: even the correct password is refused now.
	status, body, err := ts.PostJSON("/api/v1/auth/login", user.LoginBody(), "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, status, "body: %v", body)

	count, err := CountAuditEvents(ctx, testDB.DB, models.AuditEventLoginFailed)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, int64(ts.Config.Auth.MaxFailedAttempts))
}

func TestLogoutRevokesSession(t *testing.T) {
	ts := newServer(t)
	user := NewTestUser()

	status, body, err := ts.PostJSON("/api/v1/auth/register", user.RegisterBody(), "")
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, status)
	access, refresh := tokensFrom(t, body)

	status, _, err = ts.PostJSON("/api/v1/auth/logout", nil, access)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, status)

	// The access token is rejected as soon as its session is gone.
	status, _, err = ts.GetJSON("/api/v1/users/me", access)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)

	// And the refresh token cannot resurrect it.
	status, _, err = ts.PostJSON("/api/v1/auth/refresh", map[string]string{"refresh_token": refresh}, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestSessionListAndRevoke(t *testing.T) {
	ts := newServer(t)
	user := NewTestUser()

	status, body, err := ts.PostJSON("/api/v1/auth/register", user.RegisterBody(), "")
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, status)
	access1, refresh1 := tokensFrom(t, body)
	session1 := sessionIDOf(t, refresh1)

	status, body, err = ts.PostJSON("/api/v1/auth/login", user.LoginBody(), "")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	_, refresh2 := tokensFrom(t, body)
	session2 := sessionIDOf(t, refresh2)
	require.NotEqual(t, session1, session2)

	status, sessions, err := ts.GetJSONList("/api/v1/sessions", access1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, sessions, 2)

	currentCount := 0
	for _, raw := range sessions {
		entry := raw.(map[string]interface{})
		if entry["current"] == true {
			currentCount++
			assert.Equal(t, session1, entry["id"])
		}
	}
	assert.Equal(t, 1, currentCount)

	// Revoking the other device kills its refresh capability.
	status, _, err = ts.Delete("/api/v1/sessions/"+session2, access1)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, status)

	status, _, err = ts.PostJSON("/api/v1/auth/refresh", map[string]string{"refresh_token": refresh2}, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAdminEndpointsRequireRole(t *testing.T) {
	ts := newServer(t)
	ctx := context.Background()
	user := NewTestUser()

	status, body, err := ts.PostJSON("/api/v1/auth/register", user.RegisterBody(), "")
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, status)
	access, _ := tokensFrom(t, body)

	status, _, err = ts.GetJSON("/api/v1/admin/audit", access)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, status)

	// Seed an admin and log in as them.
	admin := NewTestUser()
	_, err = SeedUser(ctx, testDB.DB, admin.Email, admin.Password, "admin")
	require.NoError(t, err)

	status, body, err = ts.PostJSON("/api/v1/auth/login", admin.LoginBody(), "")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status, "body: %v", body)
	adminAccess, _ := tokensFrom(t, body)

	status, auditBody, err := ts.GetJSON("/api/v1/admin/audit", adminAccess)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)

	entries, ok := auditBody["entries"].([]interface{})
	require.True(t, ok, "body: %v", auditBody)
	assert.NotEmpty(t, entries, "registration and logins produce audit rows")

	status, metrics, err := ts.GetJSON("/api/v1/admin/metrics", adminAccess)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	assert.NotNil(t, metrics["total_users"])
}

func TestChangePasswordInvalidatesOldCredential(t *testing.T) {
	ts := newServer(t)
	user := NewTestUser()

	status, body, err := ts.PostJSON("/api/v1/auth/register", user.RegisterBody(), "")
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, status)
	access, _ := tokensFrom(t, body)

	newPassword := "RotatedPassword9"
	status, _, err = ts.PostJSON("/api/v1/users/me/password", map[string]string{
		"current_password": user.Password,
		"new_password":     newPassword,
	}, access)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, status)

	// Password changes revoke other sessions; give the registry a moment.
	time.Sleep(50 * time.Millisecond)

	status, _, err = ts.PostJSON("/api/v1/auth/login", user.LoginBody(), "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body, err = ts.PostJSON("/api/v1/auth/login", map[string]string{
		"email": user.Email, "password": newPassword,
	}, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status, "body: %v", body)
}
