package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/garyjia/receipt-pipeline/internal/application/port"
	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
	"github.com/garyjia/receipt-pipeline/internal/infrastructure/persistence/sqlite"
	"go.uber.org/zap"
)

// IdempotencyRepository implements port.IdempotencyRepository on sqlite
type IdempotencyRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewIdempotencyRepository creates a new idempotency repository
func NewIdempotencyRepository(db *sql.DB, logger *zap.Logger) *IdempotencyRepository {
	return &IdempotencyRepository{
		db:     db,
		logger: logger,
	}
}

// Insert adds rec unless its key is taken. The unique index on
// (org_id, alias, message_id) makes the check and the insert one statement.
func (r *IdempotencyRepository) Insert(ctx context.Context, rec *entity.IdempotencyRecord) (bool, error) {
	query := `
		INSERT INTO idempotency_records (
			id, org_id, alias, message_id, email_id, raw_ref,
			provider, processed_at, correlation_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (org_id, alias, message_id) DO NOTHING
	`

	result, err := r.getExecutor(ctx).ExecContext(ctx, query,
		rec.ID,
		rec.OrgID,
		rec.Alias,
		rec.MessageID,
		rec.EmailID,
		rec.RawRef,
		rec.Provider,
		rec.ProcessedAt.UTC(),
		rec.CorrelationID,
	)
	if err != nil {
		r.logger.Error("Failed to insert idempotency record",
			zap.String("org_id", rec.OrgID),
			zap.String("alias", rec.Alias),
			zap.Error(err))
		return false, fmt.Errorf("failed to insert idempotency record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected == 1, nil
}

// FindByKey returns the record for the key, or nil
func (r *IdempotencyRepository) FindByKey(ctx context.Context, orgID, alias, messageID string) (*entity.IdempotencyRecord, error) {
	query := `
		SELECT id, org_id, alias, message_id, email_id, raw_ref,
			provider, processed_at, correlation_id
		FROM idempotency_records
		WHERE org_id = ? AND alias = ? AND message_id = ?
	`

	var rec entity.IdempotencyRecord
	var emailID, rawRef, correlationID sql.NullString

	err := r.getExecutor(ctx).QueryRowContext(ctx, query, orgID, alias, messageID).Scan(
		&rec.ID,
		&rec.OrgID,
		&rec.Alias,
		&rec.MessageID,
		&emailID,
		&rawRef,
		&rec.Provider,
		&rec.ProcessedAt,
		&correlationID,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to find idempotency record",
			zap.String("org_id", orgID),
			zap.String("alias", alias),
			zap.Error(err))
		return nil, fmt.Errorf("failed to find idempotency record: %w", err)
	}

	rec.EmailID = nullStringPtr(emailID)
	rec.RawRef = nullStringPtr(rawRef)
	rec.CorrelationID = nullStringPtr(correlationID)
	return &rec, nil
}

// SetEmailID attaches the email id created for the record
func (r *IdempotencyRepository) SetEmailID(ctx context.Context, id, emailID string) error {
	result, err := r.getExecutor(ctx).ExecContext(ctx,
		`UPDATE idempotency_records SET email_id = ? WHERE id = ?`, emailID, id)
	if err != nil {
		return fmt.Errorf("failed to set email id: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("idempotency record not found: %s", id)
	}
	return nil
}

// DeleteOlderThan removes records processed before cutoff
func (r *IdempotencyRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.getExecutor(ctx).ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE processed_at < ?`, cutoff.UTC())
	if err != nil {
		r.logger.Error("Failed to delete idempotency records", zap.Time("cutoff", cutoff), zap.Error(err))
		return 0, fmt.Errorf("failed to delete idempotency records: %w", err)
	}
	return result.RowsAffected()
}

func (r *IdempotencyRepository) getExecutor(ctx context.Context) sqlite.Executor {
	return sqlite.ExecutorFor(ctx, r.db)
}

var _ port.IdempotencyRepository = (*IdempotencyRepository)(nil)
