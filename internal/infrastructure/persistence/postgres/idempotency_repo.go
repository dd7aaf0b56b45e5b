// Package postgres provides a Postgres-backed idempotency store for
// deployments that run several pipeline instances against one database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/application/port"
	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
)

// IdempotencyRepository implements port.IdempotencyRepository on Postgres
type IdempotencyRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Connect opens a pool for dsn and verifies it
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return pool, nil
}

// NewIdempotencyRepository creates the repository and ensures its table
// exists
func NewIdempotencyRepository(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (*IdempotencyRepository, error) {
	r := &IdempotencyRepository{pool: pool, logger: logger}
	if err := r.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure idempotency schema: %w", err)
	}
	logger.Info("Postgres idempotency store initialised")
	return r, nil
}

func (r *IdempotencyRepository) ensureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_records (
			id             TEXT PRIMARY KEY,
			org_id         TEXT NOT NULL,
			alias          TEXT NOT NULL,
			message_id     TEXT NOT NULL,
			email_id       TEXT,
			raw_ref        TEXT,
			provider       TEXT NOT NULL DEFAULT '',
			processed_at   TIMESTAMPTZ NOT NULL,
			correlation_id TEXT,
			UNIQUE (org_id, alias, message_id)
		);
		CREATE INDEX IF NOT EXISTS idx_idempotency_processed_at ON idempotency_records(processed_at);
	`)
	return err
}

// Insert adds rec unless its key is taken
func (r *IdempotencyRepository) Insert(ctx context.Context, rec *entity.IdempotencyRecord) (bool, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO idempotency_records
			(id, org_id, alias, message_id, email_id, raw_ref, provider, processed_at, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (org_id, alias, message_id) DO NOTHING
		RETURNING id
	`, rec.ID, rec.OrgID, rec.Alias, rec.MessageID, rec.EmailID, rec.RawRef,
		rec.Provider, rec.ProcessedAt, rec.CorrelationID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		r.logger.Error("Failed to insert idempotency record",
			zap.String("org_id", rec.OrgID),
			zap.String("alias", rec.Alias),
			zap.Error(err))
		return false, fmt.Errorf("insert idempotency record: %w", err)
	}
	return true, nil
}

// FindByKey returns the record for the key, or nil
func (r *IdempotencyRepository) FindByKey(ctx context.Context, orgID, alias, messageID string) (*entity.IdempotencyRecord, error) {
	var rec entity.IdempotencyRecord
	err := r.pool.QueryRow(ctx, `
		SELECT id, org_id, alias, message_id, email_id, raw_ref, provider, processed_at, correlation_id
		FROM idempotency_records
		WHERE org_id = $1 AND alias = $2 AND message_id = $3
	`, orgID, alias, messageID).Scan(
		&rec.ID, &rec.OrgID, &rec.Alias, &rec.MessageID, &rec.EmailID,
		&rec.RawRef, &rec.Provider, &rec.ProcessedAt, &rec.CorrelationID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find idempotency record: %w", err)
	}
	return &rec, nil
}

// SetEmailID attaches the email id created for the record
func (r *IdempotencyRepository) SetEmailID(ctx context.Context, id, emailID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE idempotency_records SET email_id = $1 WHERE id = $2`, emailID, id)
	if err != nil {
		return fmt.Errorf("set email id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("idempotency record not found: %s", id)
	}
	return nil
}

// DeleteOlderThan removes records processed before cutoff
func (r *IdempotencyRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ port.IdempotencyRepository = (*IdempotencyRepository)(nil)
