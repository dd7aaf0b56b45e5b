package port

import (
	"context"
	"time"

	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
)

// TransactionManager runs fn inside a database transaction carried on ctx
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// IdempotencyRepository persists idempotency records keyed on
// (org_id, alias, message_id)
type IdempotencyRepository interface {
	// Insert creates rec if no record with the same key exists. It reports
	// false, nil when the key is already taken.
	Insert(ctx context.Context, rec *entity.IdempotencyRecord) (bool, error)
	FindByKey(ctx context.Context, orgID, alias, messageID string) (*entity.IdempotencyRecord, error)
	SetEmailID(ctx context.Context, id, emailID string) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// EmailHistoryRepository stores the identity signals of processed emails
type EmailHistoryRepository interface {
	Create(ctx context.Context, rec *entity.EmailRecord) error
	FindByMessageID(ctx context.Context, orgID, messageID string) (*entity.EmailRecord, error)
	FindByContentHash(ctx context.Context, orgID, hash string) (*entity.EmailRecord, error)
	FindByFingerprint(ctx context.Context, orgID, fingerprint string, since time.Time) (*entity.EmailRecord, error)
}

// TransactionRepository is the org-scoped transaction store
type TransactionRepository interface {
	Create(ctx context.Context, orgID, emailID string, fields entity.TransactionFields) (string, error)
	Get(ctx context.Context, id, orgID string) (*entity.Transaction, error)
	Update(ctx context.Context, id, orgID, userID string, upd entity.TransactionUpdate) (bool, error)
	Stats(ctx context.Context, orgID string, rng *entity.DateRange) (*entity.TransactionStats, error)
	List(ctx context.Context, orgID string, rng *entity.DateRange) ([]*entity.Transaction, error)
}

// MerchantMappingRepository stores learned merchant overrides. Names are
// passed already normalized.
type MerchantMappingRepository interface {
	FindByName(ctx context.Context, orgID, name string) (*entity.MerchantMapping, error)
	FindByPrefix(ctx context.Context, orgID, name string) (*entity.MerchantMapping, error)
	Upsert(ctx context.Context, m *entity.MerchantMapping) error
	IncrementUsage(ctx context.Context, id int64) error
}

// ProcessingLogRepository persists pipeline step logs
type ProcessingLogRepository interface {
	Create(ctx context.Context, log *entity.ProcessingLog) error
	ListByEmail(ctx context.Context, orgID, emailID string) ([]*entity.ProcessingLog, error)
}
