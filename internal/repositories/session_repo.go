package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/Thanush-07/aegis/internal/database"
	"github.com/Thanush-07/aegis/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SessionRepository manages refresh-token families. The live token hash on
// each row is the only hot shared state in the system; rotation goes through
// an atomic compare-and-swap so concurrent rotations cannot both win.
type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(db *database.DB) *SessionRepository {
	return &SessionRepository{pool: db.Pool}
}

const sessionColumns = `id, user_id, family_id, refresh_token_hash, ip_address, user_agent, device_fingerprint, geo_lat, geo_lon, revoked, revoked_reason, created_at, last_used_at, expires_at`

func scanSessionRow(scanner rowScanner) (*models.Session, error) {
	var s models.Session

	err := scanner.Scan(
		&s.ID, &s.UserID, &s.FamilyID, &s.RefreshTokenHash,
		&s.IPAddress, &s.UserAgent, &s.DeviceFingerprint,
		&s.GeoLat, &s.GeoLon,
		&s.Revoked, &s.RevokedReason,
		&s.CreatedAt, &s.LastUsedAt, &s.ExpiresAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &s, nil
}

func scanSessionRows(rows pgx.Rows) ([]*models.Session, error) {
	defer rows.Close()

	sessions := make([]*models.Session, 0)

	for rows.Next() {
		s, err := scanSessionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}

	return sessions, nil
}

// Create opens a new refresh-token family for a device.
func (r *SessionRepository) Create(ctx context.Context, session *models.Session) (*models.Session, error) {
	session.ID = uuid.New().String()
	if session.FamilyID == "" {
		session.FamilyID = uuid.New().String()
	}

	now := time.Now()
	session.CreatedAt = now
	session.LastUsedAt = now

	query := `
		INSERT INTO sessions (id, user_id, family_id, refresh_token_hash, ip_address, user_agent, device_fingerprint, geo_lat, geo_lon, revoked, created_at, last_used_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, $10, $11, $12)
		RETURNING ` + sessionColumns

	return scanSessionRow(r.pool.QueryRow(ctx, query,
		session.ID, session.UserID, session.FamilyID, session.RefreshTokenHash,
		session.IPAddress, session.UserAgent, session.DeviceFingerprint,
		session.GeoLat, session.GeoLon,
		session.CreatedAt, session.LastUsedAt, session.ExpiresAt,
	))
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return scanSessionRow(r.pool.QueryRow(ctx, query, id))
}

// RotateToken atomically swaps the live refresh-token hash. The WHERE clause
// is the compare half of the CAS: it matches only if the presented hash is
// still the live one and the session is not revoked. Exactly one of any set
// of concurrent rotations can observe a match.
//
// Returns (true, nil) on a won swap and (false, nil) when the presented hash
// lost the race or is stale; the caller decides whether that is reuse.
func (r *SessionRepository) RotateToken(ctx context.Context, sessionID, presentedHash, newHash string, meta models.DeviceMeta) (bool, error) {
	query := `
		UPDATE sessions
		SET refresh_token_hash = $1, ip_address = $2, user_agent = $3, device_fingerprint = $4, geo_lat = $5, geo_lon = $6, last_used_at = NOW()
		WHERE id = $7 AND refresh_token_hash = $8 AND revoked = FALSE
	`

	tag, err := r.pool.Exec(ctx, query,
		newHash, meta.IPAddress, meta.UserAgent, meta.Fingerprint, meta.GeoLat, meta.GeoLon,
		sessionID, presentedHash,
	)
	if err != nil {
		return false, database.MapPostgresError(err)
	}

	return tag.RowsAffected() == 1, nil
}

// Revoke marks one session permanently revoked. Idempotent.
func (r *SessionRepository) Revoke(ctx context.Context, sessionID, reason string) error {
	query := `
		UPDATE sessions SET revoked = TRUE, revoked_reason = COALESCE(revoked_reason, $1)
		WHERE id = $2
	`

	_, err := r.pool.Exec(ctx, query, reason, sessionID)
	return database.MapPostgresError(err)
}

// RevokeFamily revokes every session sharing a family id. Used for theft
// containment when a stale refresh token is replayed.
func (r *SessionRepository) RevokeFamily(ctx context.Context, familyID, reason string) error {
	query := `
		UPDATE sessions SET revoked = TRUE, revoked_reason = COALESCE(revoked_reason, $1)
		WHERE family_id = $2
	`

	_, err := r.pool.Exec(ctx, query, reason, familyID)
	return database.MapPostgresError(err)
}

// RevokeAllForUser revokes every session belonging to a user. Idempotent.
func (r *SessionRepository) RevokeAllForUser(ctx context.Context, userID, reason string) error {
	query := `
		UPDATE sessions SET revoked = TRUE, revoked_reason = COALESCE(revoked_reason, $1)
		WHERE user_id = $2 AND revoked = FALSE
	`

	_, err := r.pool.Exec(ctx, query, reason, userID)
	return database.MapPostgresError(err)
}

// IsRevoked reports the revoked flag for access-token verification.
func (r *SessionRepository) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	var revoked bool
	err := r.pool.QueryRow(ctx, `SELECT revoked FROM sessions WHERE id = $1`, sessionID).Scan(&revoked)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return revoked, nil
}

// ListByUser returns a user's sessions, live first, for the device listing UI.
func (r *SessionRepository) ListByUser(ctx context.Context, userID string) ([]*models.Session, error) {
	query := `
		SELECT ` + sessionColumns + ` FROM sessions
		WHERE user_id = $1
		ORDER BY revoked ASC, last_used_at DESC
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}

	return scanSessionRows(rows)
}

// RecentHistory returns the user's most recent sessions for anomaly scoring.
func (r *SessionRepository) RecentHistory(ctx context.Context, userID string, limit int) ([]*models.Session, error) {
	query := `
		SELECT ` + sessionColumns + ` FROM sessions
		WHERE user_id = $1
		ORDER BY last_used_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query session history: %w", err)
	}

	return scanSessionRows(rows)
}

// Touch updates last-seen metadata without rotating the token.
func (r *SessionRepository) Touch(ctx context.Context, sessionID string, meta models.DeviceMeta) error {
	query := `
		UPDATE sessions SET ip_address = $1, user_agent = $2, device_fingerprint = $3, last_used_at = NOW()
		WHERE id = $4 AND revoked = FALSE
	`

	_, err := r.pool.Exec(ctx, query, meta.IPAddress, meta.UserAgent, meta.Fingerprint, sessionID)
	return database.MapPostgresError(err)
}

// DeleteExpired removes sessions past their refresh lifetime.
func (r *SessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountActive counts live sessions for the admin metrics surface.
func (r *SessionRepository) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sessions WHERE revoked = FALSE AND expires_at > NOW()`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}
