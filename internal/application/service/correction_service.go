package service

import (
	"context"
	"errors"
	"strings"

	"github.com/garyjia/receipt-pipeline/internal/application/port"
	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
	"github.com/garyjia/receipt-pipeline/internal/domain/failure"
)

const opCorrect = "transaction.correct"

// ErrTransactionNotFound is returned when the transaction does not exist in the org
var ErrTransactionNotFound = errors.New("transaction not found")

// MappingLearner remembers a reviewer's category choice for a merchant
type MappingLearner interface {
	Learn(ctx context.Context, orgID, merchant, category, subcategory string) error
}

// CorrectionService applies reviewer corrections to stored transactions
type CorrectionService interface {
	// Correct updates the transaction and returns it as stored. A corrected
	// category is learned for the merchant so later receipts pick it up.
	Correct(ctx context.Context, orgID, id, userID string, upd entity.TransactionUpdate) (*entity.Transaction, error)
}

type correctionServiceImpl struct {
	transactions port.TransactionRepository
	learner      MappingLearner
	tx           port.TransactionManager
	logger       Logger
}

// NewCorrectionService creates a new CorrectionService. learner and tx may be nil.
func NewCorrectionService(transactions port.TransactionRepository, learner MappingLearner, tx port.TransactionManager, logger Logger) CorrectionService {
	return &correctionServiceImpl{
		transactions: transactions,
		learner:      learner,
		tx:           tx,
		logger:       logger,
	}
}

func (s *correctionServiceImpl) Correct(ctx context.Context, orgID, id, userID string, upd entity.TransactionUpdate) (*entity.Transaction, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, failure.New(failure.KindValidationFailed, opCorrect, "user id is required")
	}

	var updated *entity.Transaction
	err := s.inTx(ctx, func(ctx context.Context) error {
		ok, err := s.transactions.Update(ctx, id, orgID, userID, upd)
		if err != nil {
			return err
		}
		if !ok {
			return ErrTransactionNotFound
		}
		updated, err = s.transactions.Get(ctx, id, orgID)
		if err != nil {
			return err
		}
		if updated == nil {
			return ErrTransactionNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	learned := false
	if upd.Category != nil && s.learner != nil {
		if err := s.learner.Learn(ctx, orgID, updated.Merchant, updated.Category, updated.Subcategory); err != nil {
			s.logger.Warn("Failed to learn merchant mapping", "org_id", orgID, "transaction_id", id, "error", err)
		} else {
			learned = true
		}
	}

	s.logger.Info("Transaction corrected",
		"org_id", orgID,
		"transaction_id", id,
		"updated_by", userID,
		"mapping_learned", learned)
	return updated, nil
}

func (s *correctionServiceImpl) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.tx == nil {
		return fn(ctx)
	}
	return s.tx.WithTransaction(ctx, fn)
}
