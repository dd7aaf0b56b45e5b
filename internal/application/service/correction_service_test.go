package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
	"github.com/garyjia/receipt-pipeline/internal/domain/failure"
	"github.com/garyjia/receipt-pipeline/pkg/utils"
)

type correctableTransactions struct {
	mockTransactions
	stored    map[string]*entity.Transaction
	updateErr error
	updates   int
}

func (m *correctableTransactions) Get(ctx context.Context, id, orgID string) (*entity.Transaction, error) {
	tx, ok := m.stored[id]
	if !ok || tx.OrgID != orgID {
		return nil, nil
	}
	copied := *tx
	return &copied, nil
}

func (m *correctableTransactions) Update(ctx context.Context, id, orgID, userID string, upd entity.TransactionUpdate) (bool, error) {
	m.updates++
	if m.updateErr != nil {
		return false, m.updateErr
	}
	tx, ok := m.stored[id]
	if !ok || tx.OrgID != orgID {
		return false, nil
	}
	if upd.Merchant != nil {
		tx.Merchant = *upd.Merchant
	}
	if upd.Category != nil {
		tx.Category = *upd.Category
	}
	if upd.Subcategory != nil {
		tx.Subcategory = *upd.Subcategory
	}
	if upd.Notes != nil {
		tx.Notes = *upd.Notes
	}
	tx.UpdatedBy = userID
	return true, nil
}

type learnCall struct {
	orgID, merchant, category, subcategory string
}

type mockLearner struct {
	calls []learnCall
	err   error
}

func (m *mockLearner) Learn(ctx context.Context, orgID, merchant, category, subcategory string) error {
	m.calls = append(m.calls, learnCall{orgID, merchant, category, subcategory})
	return m.err
}

func newCorrectableTransactions() *correctableTransactions {
	return &correctableTransactions{stored: map[string]*entity.Transaction{
		"tx-1": {ID: "tx-1", OrgID: "org-1", Merchant: "Blue Bottle Coffee", Category: entity.CategoryOther},
	}}
}

func strPtr(s string) *string { return &s }

func TestCorrectionService_Correct(t *testing.T) {
	tests := []struct {
		name         string
		orgID        string
		id           string
		userID       string
		upd          entity.TransactionUpdate
		updateErr    error
		learnErr     error
		wantErr      error
		wantKind     failure.Kind
		wantCategory string
		wantLearned  []learnCall
	}{
		{
			name:         "category correction is learned",
			orgID:        "org-1",
			id:           "tx-1",
			userID:       "ou_123",
			upd:          entity.TransactionUpdate{Category: strPtr("Meals"), Subcategory: strPtr("Coffee")},
			wantCategory: "Meals",
			wantLearned:  []learnCall{{"org-1", "Blue Bottle Coffee", "Meals", "Coffee"}},
		},
		{
			name:         "corrected merchant is learned with the category",
			orgID:        "org-1",
			id:           "tx-1",
			userID:       "ou_123",
			upd:          entity.TransactionUpdate{Merchant: strPtr("Blue Bottle"), Category: strPtr("Meals")},
			wantCategory: "Meals",
			wantLearned:  []learnCall{{"org-1", "Blue Bottle", "Meals", ""}},
		},
		{
			name:         "notes only does not learn",
			orgID:        "org-1",
			id:           "tx-1",
			userID:       "ou_123",
			upd:          entity.TransactionUpdate{Notes: strPtr("team offsite")},
			wantCategory: entity.CategoryOther,
		},
		{
			name:         "learning failure keeps the correction",
			orgID:        "org-1",
			id:           "tx-1",
			userID:       "ou_123",
			upd:          entity.TransactionUpdate{Category: strPtr("Meals")},
			learnErr:     errors.New("database is locked"),
			wantCategory: "Meals",
			wantLearned:  []learnCall{{"org-1", "Blue Bottle Coffee", "Meals", ""}},
		},
		{
			name:    "other org is not found",
			orgID:   "org-2",
			id:      "tx-1",
			userID:  "ou_123",
			upd:     entity.TransactionUpdate{Category: strPtr("Meals")},
			wantErr: ErrTransactionNotFound,
		},
		{
			name:     "missing user",
			orgID:    "org-1",
			id:       "tx-1",
			upd:      entity.TransactionUpdate{Category: strPtr("Meals")},
			wantKind: failure.KindValidationFailed,
		},
		{
			name:      "store validation error",
			orgID:     "org-1",
			id:        "tx-1",
			userID:    "ou_123",
			upd:       entity.TransactionUpdate{Category: strPtr(" ")},
			updateErr: failure.New(failure.KindValidationFailed, "transaction.update", "category cannot be empty"),
			wantKind:  failure.KindValidationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txs := newCorrectableTransactions()
			txs.updateErr = tt.updateErr
			learner := &mockLearner{err: tt.learnErr}
			tm := &recordingTx{}
			svc := NewCorrectionService(txs, learner, tm, utils.NewKVLogger(zap.NewNop()))

			got, err := svc.Correct(context.Background(), tt.orgID, tt.id, tt.userID, tt.upd)

			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
			case tt.wantKind != "":
				assert.Equal(t, tt.wantKind, failure.KindOf(err))
				assert.Nil(t, got)
			default:
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.Equal(t, tt.wantCategory, got.Category)
				assert.Equal(t, tt.userID, got.UpdatedBy)
				assert.Equal(t, 1, tm.calls)
				assert.Zero(t, tm.failed)
			}
			assert.Equal(t, tt.wantLearned, learner.calls)
		})
	}
}

func TestCorrectionService_WithoutLearnerOrTransactionManager(t *testing.T) {
	txs := newCorrectableTransactions()
	svc := NewCorrectionService(txs, nil, nil, utils.NewKVLogger(zap.NewNop()))

	got, err := svc.Correct(context.Background(), "org-1", "tx-1", "ou_123",
		entity.TransactionUpdate{Category: strPtr("Travel")})

	require.NoError(t, err)
	assert.Equal(t, "Travel", got.Category)
	assert.Equal(t, 1, txs.updates)
}
