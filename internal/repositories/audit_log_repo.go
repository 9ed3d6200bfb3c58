package repositories

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Thanush-07/aegis/internal/database"
	"github.com/Thanush-07/aegis/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLogRepository is the append-only durable half of the audit pipeline.
// Rows are never updated or deleted outside of retention cleanup.
type AuditLogRepository struct {
	pool *pgxpool.Pool
}

func NewAuditLogRepository(db *database.DB) *AuditLogRepository {
	return &AuditLogRepository{pool: db.Pool}
}

const auditColumns = `id, event_type, user_id, ip_address, user_agent, details, created_at`

func scanAuditLogRow(row rowScanner) (*models.AuditLog, error) {
	var log models.AuditLog

	err := row.Scan(
		&log.ID, &log.EventType, &log.UserID,
		&log.IPAddress, &log.UserAgent, &log.Details, &log.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &log, nil
}

func scanAuditLogRows(rows pgx.Rows) ([]*models.AuditLog, error) {
	defer rows.Close()

	logs := make([]*models.AuditLog, 0)

	for rows.Next() {
		log, err := scanAuditLogRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log rows: %w", err)
	}

	return logs, nil
}

// Create appends a new audit entry.
func (r *AuditLogRepository) Create(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error) {
	query := `
		INSERT INTO audit_logs (event_type, user_id, ip_address, user_agent, details)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + auditColumns

	result, err := scanAuditLogRow(r.pool.QueryRow(
		ctx, query,
		log.EventType, log.UserID, log.IPAddress, log.UserAgent, log.Details,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create audit log: %w", err)
	}

	return result, nil
}

// buildFilterClause translates an AuditFilter into a WHERE fragment.
func buildFilterClause(filter models.AuditFilter) (string, []interface{}) {
	conditions := make([]string, 0, 4)
	args := make([]interface{}, 0, 4)

	if filter.EventType != "" {
		args = append(args, filter.EventType)
		conditions = append(conditions, "event_type = $"+strconv.Itoa(len(args)))
	}
	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		conditions = append(conditions, "user_id = $"+strconv.Itoa(len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		conditions = append(conditions, "created_at >= $"+strconv.Itoa(len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		conditions = append(conditions, "created_at <= $"+strconv.Itoa(len(args)))
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// List returns a filtered, paginated page of entries, newest first.
func (r *AuditLogRepository) List(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, error) {
	where, args := buildFilterClause(filter)

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	limitPos := len(args)
	args = append(args, filter.Offset)
	offsetPos := len(args)

	query := `SELECT ` + auditColumns + ` FROM audit_logs` + where +
		` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(limitPos) + ` OFFSET $` + strconv.Itoa(offsetPos)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}

	return scanAuditLogRows(rows)
}

// Count returns the total matching a filter, for pagination metadata.
func (r *AuditLogRepository) Count(ctx context.Context, filter models.AuditFilter) (int64, error) {
	where, args := buildFilterClause(filter)

	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_logs`+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit logs: %w", err)
	}

	return count, nil
}

// Stream walks all entries matching a filter oldest-first, invoking fn per
// row. The external formatter consumes the flat record sequence; a non-nil
// error from fn aborts the walk.
func (r *AuditLogRepository) Stream(ctx context.Context, filter models.AuditFilter, fn func(*models.AuditLog) error) error {
	where, args := buildFilterClause(filter)

	query := `SELECT ` + auditColumns + ` FROM audit_logs` + where + ` ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to stream audit logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		log, err := scanAuditLogRow(rows)
		if err != nil {
			return fmt.Errorf("failed to scan audit log: %w", err)
		}
		if err := fn(log); err != nil {
			return err
		}
	}

	return rows.Err()
}

// CountSince counts entries of the given event types newer than a cutoff,
// feeding the admin metrics surface.
func (r *AuditLogRepository) CountSince(ctx context.Context, eventTypes []string, since time.Time) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM audit_logs WHERE event_type = ANY($1) AND created_at >= $2`,
		eventTypes, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit logs: %w", err)
	}
	return count, nil
}

// Cleanup archives nothing here; it only drops entries past the retention
// horizon, which is an external policy decision passed in as days.
func (r *AuditLogRepository) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	query := `
		DELETE FROM audit_logs
		WHERE created_at < CURRENT_TIMESTAMP - INTERVAL '1 day' * $1
	`

	result, err := r.pool.Exec(ctx, query, olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audit logs: %w", err)
	}

	return result.RowsAffected(), nil
}
