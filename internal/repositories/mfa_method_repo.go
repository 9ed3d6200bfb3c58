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

type MFAMethodRepository struct {
	pool *pgxpool.Pool
}

func NewMFAMethodRepository(db *database.DB) *MFAMethodRepository {
	return &MFAMethodRepository{pool: db.Pool}
}

const mfaMethodColumns = `id, user_id, kind, name, totp_secret_encrypted, totp_secret_nonce, totp_last_step, credential_id, public_key, sign_count, created_at, verified_at, last_used_at`

func scanMFAMethodRow(scanner rowScanner) (*models.MFAMethod, error) {
	var m models.MFAMethod

	err := scanner.Scan(
		&m.ID, &m.UserID, &m.Kind, &m.Name,
		&m.TOTPSecretEncrypted, &m.TOTPSecretNonce, &m.TOTPLastStep,
		&m.CredentialID, &m.PublicKey, &m.SignCount,
		&m.CreatedAt, &m.VerifiedAt, &m.LastUsedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &m, nil
}

func scanMFAMethodRows(rows pgx.Rows) ([]*models.MFAMethod, error) {
	defer rows.Close()

	methods := make([]*models.MFAMethod, 0)

	for rows.Next() {
		m, err := scanMFAMethodRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mfa method: %w", err)
		}
		methods = append(methods, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mfa method rows: %w", err)
	}

	return methods, nil
}

// Create inserts a pending method. A second pending TOTP method for the same
// user replaces the first: restarting setup discards the abandoned secret.
func (r *MFAMethodRepository) Create(ctx context.Context, m *models.MFAMethod) (*models.MFAMethod, error) {
	if m.Kind == models.MFAKindTOTP {
		// At most one TOTP method per user; drop any unverified leftover first
		if _, err := r.pool.Exec(ctx,
			`DELETE FROM mfa_methods WHERE user_id = $1 AND kind = $2 AND verified_at IS NULL`,
			m.UserID, models.MFAKindTOTP,
		); err != nil {
			return nil, database.MapPostgresError(err)
		}
	}

	m.ID = uuid.New().String()
	m.CreatedAt = time.Now()

	query := `
		INSERT INTO mfa_methods (id, user_id, kind, name, totp_secret_encrypted, totp_secret_nonce, totp_last_step, credential_id, public_key, sign_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING ` + mfaMethodColumns

	return scanMFAMethodRow(r.pool.QueryRow(ctx, query,
		m.ID, m.UserID, m.Kind, m.Name,
		m.TOTPSecretEncrypted, m.TOTPSecretNonce, m.TOTPLastStep,
		m.CredentialID, m.PublicKey, m.SignCount,
		m.CreatedAt,
	))
}

func (r *MFAMethodRepository) GetByID(ctx context.Context, id string) (*models.MFAMethod, error) {
	query := `SELECT ` + mfaMethodColumns + ` FROM mfa_methods WHERE id = $1`
	return scanMFAMethodRow(r.pool.QueryRow(ctx, query, id))
}

// GetTOTP returns the user's single TOTP method, verified or pending.
func (r *MFAMethodRepository) GetTOTP(ctx context.Context, userID string) (*models.MFAMethod, error) {
	query := `SELECT ` + mfaMethodColumns + ` FROM mfa_methods WHERE user_id = $1 AND kind = $2`
	return scanMFAMethodRow(r.pool.QueryRow(ctx, query, userID, models.MFAKindTOTP))
}

// ListActiveByUser returns verified methods only.
func (r *MFAMethodRepository) ListActiveByUser(ctx context.Context, userID string) ([]*models.MFAMethod, error) {
	query := `
		SELECT ` + mfaMethodColumns + ` FROM mfa_methods
		WHERE user_id = $1 AND verified_at IS NOT NULL
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mfa methods: %w", err)
	}

	return scanMFAMethodRows(rows)
}

// GetByCredentialID resolves a WebAuthn method from an assertion.
func (r *MFAMethodRepository) GetByCredentialID(ctx context.Context, credentialID []byte) (*models.MFAMethod, error) {
	query := `SELECT ` + mfaMethodColumns + ` FROM mfa_methods WHERE credential_id = $1`
	return scanMFAMethodRow(r.pool.QueryRow(ctx, query, credentialID))
}

// Activate transitions a pending method to active.
func (r *MFAMethodRepository) Activate(ctx context.Context, id string) error {
	query := `UPDATE mfa_methods SET verified_at = NOW() WHERE id = $1 AND verified_at IS NULL`

	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ConsumeTOTPStep records the time step a code was accepted for, atomically.
// The strict inequality in the WHERE clause rejects any attempt to consume
// a step at or below the last-consumed one: that is a replay.
func (r *MFAMethodRepository) ConsumeTOTPStep(ctx context.Context, id string, step int64) (bool, error) {
	query := `
		UPDATE mfa_methods SET totp_last_step = $1, last_used_at = NOW()
		WHERE id = $2 AND totp_last_step < $1
	`

	tag, err := r.pool.Exec(ctx, query, step, id)
	if err != nil {
		return false, database.MapPostgresError(err)
	}

	return tag.RowsAffected() == 1, nil
}

// AdvanceSignCount stores a new authenticator counter, atomically rejecting
// non-increasing values. A false return signals a possible cloned
// authenticator and must be treated as a hard failure by the caller.
func (r *MFAMethodRepository) AdvanceSignCount(ctx context.Context, id string, count uint32) (bool, error) {
	query := `
		UPDATE mfa_methods SET sign_count = $1, last_used_at = NOW()
		WHERE id = $2 AND sign_count < $1
	`

	tag, err := r.pool.Exec(ctx, query, int64(count), id)
	if err != nil {
		return false, database.MapPostgresError(err)
	}

	return tag.RowsAffected() == 1, nil
}

func (r *MFAMethodRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM mfa_methods WHERE id = $1`, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeleteExpiredPending discards enrollments that were never confirmed within
// the pending window.
func (r *MFAMethodRepository) DeleteExpiredPending(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `DELETE FROM mfa_methods WHERE verified_at IS NULL AND created_at < $1`

	tag, err := r.pool.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired pending methods: %w", err)
	}
	return tag.RowsAffected(), nil
}
