package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/Thanush-07/aegis/internal/database"
	"github.com/Thanush-07/aegis/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MFAChallengeRepository stores outstanding single-use challenges. Consuming
// a challenge deletes it in the same statement, so a challenge can never be
// redeemed twice even under concurrent verification attempts.
type MFAChallengeRepository struct {
	pool *pgxpool.Pool
}

func NewMFAChallengeRepository(db *database.DB) *MFAChallengeRepository {
	return &MFAChallengeRepository{pool: db.Pool}
}

const mfaChallengeColumns = `id, user_id, kind, purpose, data, created_at, expires_at`

func (r *MFAChallengeRepository) Create(ctx context.Context, c *models.MFAChallenge) (*models.MFAChallenge, error) {
	c.ID = uuid.New().String()
	c.CreatedAt = time.Now()

	query := `
		INSERT INTO mfa_challenges (id, user_id, kind, purpose, data, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + mfaChallengeColumns

	var out models.MFAChallenge
	err := r.pool.QueryRow(ctx, query,
		c.ID, c.UserID, c.Kind, c.Purpose, c.Data, c.CreatedAt, c.ExpiresAt,
	).Scan(&out.ID, &out.UserID, &out.Kind, &out.Purpose, &out.Data, &out.CreatedAt, &out.ExpiresAt)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &out, nil
}

// Consume removes and returns the newest live challenge matching the user,
// kind, and purpose. ErrNotFound means no outstanding challenge exists;
// callers map an expired-but-recent one to ErrChallengeExpired.
func (r *MFAChallengeRepository) Consume(ctx context.Context, userID, kind, purpose string) (*models.MFAChallenge, error) {
	query := `
		DELETE FROM mfa_challenges
		WHERE id = (
			SELECT id FROM mfa_challenges
			WHERE user_id = $1 AND kind = $2 AND purpose = $3 AND expires_at > NOW()
			ORDER BY created_at DESC
			LIMIT 1
		)
		RETURNING ` + mfaChallengeColumns

	var out models.MFAChallenge
	err := r.pool.QueryRow(ctx, query, userID, kind, purpose).
		Scan(&out.ID, &out.UserID, &out.Kind, &out.Purpose, &out.Data, &out.CreatedAt, &out.ExpiresAt)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &out, nil
}

// HadRecentExpired reports whether an expired challenge exists for the tuple,
// distinguishing ChallengeExpired from ChallengeMismatch.
func (r *MFAChallengeRepository) HadRecentExpired(ctx context.Context, userID, kind, purpose string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM mfa_challenges
			WHERE user_id = $1 AND kind = $2 AND purpose = $3 AND expires_at <= NOW()
		)
	`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, userID, kind, purpose).Scan(&exists); err != nil {
		return false, database.MapPostgresError(err)
	}
	return exists, nil
}

// DeleteExpired abandons challenges past their TTL.
func (r *MFAChallengeRepository) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM mfa_challenges WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired challenges: %w", err)
	}
	return tag.RowsAffected(), nil
}
