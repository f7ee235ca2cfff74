package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/leadnova/leadnova/internal/memory"
)

// AuditLog is the append-only agent_activity_log table.
type AuditLog struct {
	db *sql.DB
}

var _ memory.AuditLog = (*AuditLog)(nil)

func NewAuditLog(db *sql.DB) *AuditLog {
	return &AuditLog{db: db}
}

func (a *AuditLog) HealthCheck(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping audit db: %w", err)
	}
	return nil
}

// Log appends record. A zero CreatedAt falls back to the database clock.
func (a *AuditLog) Log(ctx context.Context, record memory.AuditRecord) error {
	if record.ActionType == "" {
		return fmt.Errorf("audit action type is required")
	}
	query := `
INSERT INTO agent_activity_log (user_id, session_id, action_type, user_query, query_spec, result_summary, final_response, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, now()))`
	if _, err := a.db.ExecContext(ctx, query,
		record.UserID,
		record.SessionID,
		string(record.ActionType),
		record.UserQuery,
		nullString(record.QuerySpec),
		nullString(record.ResultSummary),
		nullString(record.FinalResponse),
		sql.NullTime{Time: record.CreatedAt.UTC(), Valid: !record.CreatedAt.IsZero()},
	); err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// ListAfter returns up to limit records with id greater than afterID in id
// order.
func (a *AuditLog) ListAfter(ctx context.Context, afterID int64, limit int) ([]memory.AuditRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	rows, err := a.db.QueryContext(ctx, `
SELECT audit_id, user_id, session_id, action_type, user_query,
       COALESCE(query_spec, ''), COALESCE(result_summary, ''), COALESCE(final_response, ''), created_at
FROM agent_activity_log
WHERE audit_id > $1
ORDER BY audit_id ASC
LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]memory.AuditRecord, 0)
	for rows.Next() {
		var record memory.AuditRecord
		var actionType string
		if err := rows.Scan(
			&record.ID,
			&record.UserID,
			&record.SessionID,
			&actionType,
			&record.UserQuery,
			&record.QuerySpec,
			&record.ResultSummary,
			&record.FinalResponse,
			&record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		record.ActionType = memory.ActionType(actionType)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return records, nil
}

// Watermark returns the last archived audit id for name, or zero.
func (a *AuditLog) Watermark(ctx context.Context, name string) (int64, error) {
	var lastID int64
	err := a.db.QueryRowContext(ctx, `
SELECT last_audit_id
FROM audit_archive_watermark
WHERE name = $1`, name).Scan(&lastID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get archive watermark: %w", err)
	}
	return lastID, nil
}

func (a *AuditLog) SetWatermark(ctx context.Context, name string, lastID int64, at time.Time) error {
	if _, err := a.db.ExecContext(ctx, `
INSERT INTO audit_archive_watermark (name, last_audit_id, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (name)
DO UPDATE SET last_audit_id = EXCLUDED.last_audit_id, updated_at = EXCLUDED.updated_at`, name, lastID, at.UTC()); err != nil {
		return fmt.Errorf("set archive watermark: %w", err)
	}
	return nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
