package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/application/port"
	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
)

// MappingRepository implements port.MerchantMappingRepository
type MappingRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewMappingRepository creates a new merchant mapping repository
func NewMappingRepository(db *sql.DB, logger *zap.Logger) *MappingRepository {
	return &MappingRepository{
		db:     sqlx.NewDb(db, "sqlite3"),
		logger: logger,
	}
}

const mappingColumns = `id, org_id, merchant_name, display_name, category, subcategory, usage_count, created_at, updated_at`

// FindByName returns the mapping whose merchant_name equals name
func (r *MappingRepository) FindByName(ctx context.Context, orgID, name string) (*entity.MerchantMapping, error) {
	var m entity.MerchantMapping
	query := `SELECT ` + mappingColumns + ` FROM merchant_mappings WHERE org_id = ? AND merchant_name = ?`
	err := r.db.GetContext(ctx, &m, query, orgID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find merchant mapping: %w", err)
	}
	return &m, nil
}

// FindByPrefix returns the mapping whose merchant_name is the longest prefix
// of name on a word boundary, or that starts with name followed by a space.
// "starbucks" matches a stored "starbucks coffee" and "starbucks coffee #123"
// matches a stored "starbucks".
func (r *MappingRepository) FindByPrefix(ctx context.Context, orgID, name string) (*entity.MerchantMapping, error) {
	if name == "" {
		return nil, nil
	}
	var m entity.MerchantMapping
	query := `
		SELECT ` + mappingColumns + `
		FROM merchant_mappings
		WHERE org_id = ?
			AND (
				? LIKE replace(replace(replace(merchant_name, '\', '\\'), '%', '\%'), '_', '\_') || ' %' ESCAPE '\'
				OR merchant_name LIKE ? ESCAPE '\'
			)
		ORDER BY length(merchant_name) DESC, usage_count DESC
		LIMIT 1
	`
	err := r.db.GetContext(ctx, &m, query, orgID, name, escapeLike(name)+" %")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find merchant mapping by prefix: %w", err)
	}
	return &m, nil
}

// Upsert creates or replaces the mapping for (org_id, merchant_name)
func (r *MappingRepository) Upsert(ctx context.Context, m *entity.MerchantMapping) error {
	now := time.Now().UTC()
	query := `
		INSERT INTO merchant_mappings (
			org_id, merchant_name, display_name, category, subcategory,
			usage_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (org_id, merchant_name) DO UPDATE SET
			display_name = excluded.display_name,
			category = excluded.category,
			subcategory = excluded.subcategory,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		m.OrgID, m.MerchantName, m.DisplayName, m.Category, m.Subcategory, now, now)
	if err != nil {
		r.logger.Error("Failed to upsert merchant mapping",
			zap.String("org_id", m.OrgID),
			zap.String("merchant", m.MerchantName),
			zap.Error(err))
		return fmt.Errorf("failed to upsert merchant mapping: %w", err)
	}
	return nil
}

// IncrementUsage bumps the usage counter of a mapping
func (r *MappingRepository) IncrementUsage(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE merchant_mappings SET usage_count = usage_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to increment mapping usage: %w", err)
	}
	return nil
}

var _ port.MerchantMappingRepository = (*MappingRepository)(nil)
