// Package mapping applies an organization's learned merchant overrides to
// extracted receipt data.
package mapping

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/application/port"
	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
	"github.com/garyjia/receipt-pipeline/pkg/utils"
)

// Applier looks up and applies merchant mappings. Store errors never reach
// the caller.
type Applier struct {
	repo   port.MerchantMappingRepository
	logger *zap.Logger
}

// NewApplier creates a mapping applier
func NewApplier(repo port.MerchantMappingRepository, logger *zap.Logger) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{repo: repo, logger: logger}
}

// Lookup finds the mapping for merchant: exact normalized name first, then
// the prefix match. It returns nil on a miss or a store error.
func (a *Applier) Lookup(ctx context.Context, merchant, orgID string) *entity.MerchantMapping {
	name := utils.NormalizeName(merchant)
	if name == "" || name == strings.ToLower(entity.MerchantUnknown) {
		return nil
	}

	m, err := a.repo.FindByName(ctx, orgID, name)
	if err != nil {
		a.logger.Warn("Merchant mapping lookup failed", zap.String("org_id", orgID), zap.Error(err))
		return nil
	}
	if m != nil {
		return m
	}

	m, err = a.repo.FindByPrefix(ctx, orgID, name)
	if err != nil {
		a.logger.Warn("Merchant mapping prefix lookup failed", zap.String("org_id", orgID), zap.Error(err))
		return nil
	}
	return m
}

// Apply overrides category, subcategory and display name from the matching
// mapping. On a miss the receipt comes back unchanged with a nil mapping.
func (a *Applier) Apply(ctx context.Context, receipt entity.ReceiptData, orgID string) (entity.ReceiptData, *entity.MerchantMapping) {
	m := a.Lookup(ctx, receipt.Merchant, orgID)
	if m == nil {
		return receipt, nil
	}

	out := receipt
	if m.Category != "" {
		out.Category = m.Category
	}
	if m.Subcategory != "" {
		out.Subcategory = m.Subcategory
	}
	if m.DisplayName != "" {
		out.Merchant = m.DisplayName
	}

	if err := a.repo.IncrementUsage(ctx, m.ID); err != nil {
		a.logger.Warn("Failed to record mapping usage", zap.Int64("mapping_id", m.ID), zap.Error(err))
	}

	a.logger.Debug("Merchant mapping applied",
		zap.String("org_id", orgID),
		zap.Int64("mapping_id", m.ID),
		zap.String("category", out.Category))
	return out, m
}

// Learn records a reviewer's category choice for merchant so later receipts
// pick it up
func (a *Applier) Learn(ctx context.Context, orgID, merchant, category, subcategory string) error {
	name := utils.NormalizeName(merchant)
	if name == "" || strings.TrimSpace(category) == "" {
		return nil
	}
	return a.repo.Upsert(ctx, &entity.MerchantMapping{
		OrgID:        orgID,
		MerchantName: name,
		DisplayName:  strings.TrimSpace(merchant),
		Category:     category,
		Subcategory:  subcategory,
	})
}
