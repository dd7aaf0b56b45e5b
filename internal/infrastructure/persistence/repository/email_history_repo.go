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

// EmailHistoryRepository implements port.EmailHistoryRepository
type EmailHistoryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewEmailHistoryRepository creates a new email history repository
func NewEmailHistoryRepository(db *sql.DB, logger *zap.Logger) *EmailHistoryRepository {
	return &EmailHistoryRepository{
		db:     db,
		logger: logger,
	}
}

const emailHistoryColumns = `id, org_id, message_id, content_hash, fingerprint, sender, subject, created_at`

// Create stores the identity signals of a processed email
func (r *EmailHistoryRepository) Create(ctx context.Context, rec *entity.EmailRecord) error {
	query := `INSERT INTO email_history (` + emailHistoryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := r.getExecutor(ctx).ExecContext(ctx, query,
		rec.ID,
		rec.OrgID,
		rec.MessageID,
		rec.ContentHash,
		rec.Fingerprint,
		rec.Sender,
		rec.Subject,
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		r.logger.Error("Failed to create email history record",
			zap.String("org_id", rec.OrgID),
			zap.String("email_id", rec.ID),
			zap.Error(err))
		return fmt.Errorf("failed to create email history: %w", err)
	}
	return nil
}

// FindByMessageID returns the earliest record with the message id
func (r *EmailHistoryRepository) FindByMessageID(ctx context.Context, orgID, messageID string) (*entity.EmailRecord, error) {
	if messageID == "" {
		return nil, nil
	}
	return r.findOne(ctx, "message_id", `WHERE org_id = ? AND message_id = ?`, orgID, messageID)
}

// FindByContentHash returns the earliest record with the content hash
func (r *EmailHistoryRepository) FindByContentHash(ctx context.Context, orgID, hash string) (*entity.EmailRecord, error) {
	if hash == "" {
		return nil, nil
	}
	return r.findOne(ctx, "content_hash", `WHERE org_id = ? AND content_hash = ?`, orgID, hash)
}

// FindByFingerprint returns the earliest record with the fingerprint created
// at or after since
func (r *EmailHistoryRepository) FindByFingerprint(ctx context.Context, orgID, fingerprint string, since time.Time) (*entity.EmailRecord, error) {
	if fingerprint == "" {
		return nil, nil
	}
	return r.findOne(ctx, "fingerprint",
		`WHERE org_id = ? AND fingerprint = ? AND created_at >= ?`, orgID, fingerprint, since.UTC())
}

func (r *EmailHistoryRepository) findOne(ctx context.Context, signal, where string, args ...interface{}) (*entity.EmailRecord, error) {
	query := `SELECT ` + emailHistoryColumns + ` FROM email_history ` + where + ` ORDER BY created_at ASC LIMIT 1`

	var rec entity.EmailRecord
	err := r.getExecutor(ctx).QueryRowContext(ctx, query, args...).Scan(
		&rec.ID,
		&rec.OrgID,
		&rec.MessageID,
		&rec.ContentHash,
		&rec.Fingerprint,
		&rec.Sender,
		&rec.Subject,
		&rec.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to query email history", zap.String("signal", signal), zap.Error(err))
		return nil, fmt.Errorf("failed to query email history by %s: %w", signal, err)
	}
	return &rec, nil
}

func (r *EmailHistoryRepository) getExecutor(ctx context.Context) sqlite.Executor {
	return sqlite.ExecutorFor(ctx, r.db)
}

var _ port.EmailHistoryRepository = (*EmailHistoryRepository)(nil)
