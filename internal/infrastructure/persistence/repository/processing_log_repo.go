package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/application/port"
	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
)

// ProcessingLogRepository stores pipeline step logs. It doubles as the
// pipeline's audit sink.
type ProcessingLogRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewProcessingLogRepository creates a new processing log repository
func NewProcessingLogRepository(db *sql.DB, logger *zap.Logger) *ProcessingLogRepository {
	return &ProcessingLogRepository{
		db:     sqlx.NewDb(db, "sqlite3"),
		logger: logger,
	}
}

type processingLogRow struct {
	ID            int64         `db:"id"`
	OrgID         string        `db:"org_id"`
	EmailID       string        `db:"email_id"`
	Step          string        `db:"step"`
	Status        string        `db:"status"`
	Details       string        `db:"details"`
	CorrelationID string        `db:"correlation_id"`
	ElapsedMs     sql.NullInt64 `db:"elapsed_ms"`
	CreatedAt     time.Time     `db:"created_at"`
}

// Create inserts a step log
func (r *ProcessingLogRepository) Create(ctx context.Context, log *entity.ProcessingLog) error {
	details := "{}"
	if len(log.Details) > 0 {
		b, err := json.Marshal(log.Details)
		if err != nil {
			return fmt.Errorf("failed to encode log details: %w", err)
		}
		details = string(b)
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO processing_logs (
			org_id, email_id, step, status, details, correlation_id, elapsed_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		log.OrgID,
		log.EmailID,
		log.Step,
		string(log.Status),
		details,
		log.CorrelationID,
		log.ElapsedMs,
		log.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create processing log: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	log.ID = id
	return nil
}

// ListByEmail returns the step logs of one email in insertion order
func (r *ProcessingLogRepository) ListByEmail(ctx context.Context, orgID, emailID string) ([]*entity.ProcessingLog, error) {
	var rows []processingLogRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, org_id, email_id, step, status, details, correlation_id, elapsed_ms, created_at
		FROM processing_logs
		WHERE org_id = ? AND email_id = ?
		ORDER BY id ASC
	`, orgID, emailID)
	if err != nil {
		return nil, fmt.Errorf("failed to list processing logs: %w", err)
	}

	logs := make([]*entity.ProcessingLog, 0, len(rows))
	for _, row := range rows {
		log := &entity.ProcessingLog{
			ID:            row.ID,
			OrgID:         row.OrgID,
			EmailID:       row.EmailID,
			Step:          row.Step,
			Status:        entity.StepStatus(row.Status),
			CorrelationID: row.CorrelationID,
			CreatedAt:     row.CreatedAt,
		}
		if row.ElapsedMs.Valid {
			ms := row.ElapsedMs.Int64
			log.ElapsedMs = &ms
		}
		if row.Details != "" && row.Details != "{}" {
			if err := json.Unmarshal([]byte(row.Details), &log.Details); err != nil {
				r.logger.Warn("Undecodable processing log details", zap.Int64("id", row.ID), zap.Error(err))
			}
		}
		logs = append(logs, log)
	}
	return logs, nil
}

// LogStep records a step and never fails the caller
func (r *ProcessingLogRepository) LogStep(ctx context.Context, entry *entity.ProcessingLog) {
	if err := r.Create(ctx, entry); err != nil {
		r.logger.Warn("Failed to write processing log",
			zap.String("org_id", entry.OrgID),
			zap.String("email_id", entry.EmailID),
			zap.String("step", entry.Step),
			zap.Error(err))
	}
}

var (
	_ port.ProcessingLogRepository = (*ProcessingLogRepository)(nil)
	_ port.AuditSink               = (*ProcessingLogRepository)(nil)
)
