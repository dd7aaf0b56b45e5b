package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/application/port"
	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
	"github.com/garyjia/receipt-pipeline/internal/domain/failure"
	"github.com/garyjia/receipt-pipeline/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/receipt-pipeline/pkg/utils"
)

// TransactionRepository implements port.TransactionRepository. Every query
// is scoped by org_id.
type TransactionRepository struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *sql.DB, logger *zap.Logger) *TransactionRepository {
	return &TransactionRepository{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

const opUpdate = "transaction.update"

const transactionColumns = `
	id, org_id, email_id, date, amount, currency, merchant, last4,
	category, subcategory, notes, confidence, explanation, fallback_used,
	status, correlation_id, updated_by, created_at, updated_at`

// Create inserts a transaction in PENDING_REVIEW and returns its id
func (r *TransactionRepository) Create(ctx context.Context, orgID, emailID string, fields entity.TransactionFields) (string, error) {
	query := `INSERT INTO transactions (` + transactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	id := uuid.NewString()
	now := r.now().UTC()

	_, err := r.getExecutor(ctx).ExecContext(ctx, query,
		id,
		orgID,
		emailID,
		fields.Date,
		fields.Amount,
		fields.Currency,
		fields.Merchant,
		fields.Last4,
		fields.Category,
		fields.Subcategory,
		fields.Notes,
		fields.Confidence,
		fields.Explanation,
		fields.FallbackUsed,
		entity.TransactionStatusPending,
		fields.CorrelationID,
		"",
		now,
		now,
	)
	if err != nil {
		r.logger.Error("Failed to create transaction",
			zap.String("org_id", orgID),
			zap.String("email_id", emailID),
			zap.Error(err))
		return "", fmt.Errorf("failed to create transaction: %w", err)
	}

	return id, nil
}

// Get returns the transaction, or nil when it does not exist in orgID
func (r *TransactionRepository) Get(ctx context.Context, id, orgID string) (*entity.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ? AND org_id = ?`

	tx, err := scanTransaction(r.getExecutor(ctx).QueryRowContext(ctx, query, id, orgID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get transaction", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// Update applies the non-nil fields of upd. It reports false when the
// transaction does not exist in orgID.
func (r *TransactionRepository) Update(ctx context.Context, id, orgID, userID string, upd entity.TransactionUpdate) (bool, error) {
	if err := validateUpdate(upd); err != nil {
		return false, err
	}

	var sets []string
	var args []interface{}
	add := func(column string, value interface{}) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if upd.Merchant != nil {
		add("merchant", utils.SanitizeString(*upd.Merchant))
	}
	if upd.Category != nil {
		add("category", *upd.Category)
	}
	if upd.Subcategory != nil {
		add("subcategory", *upd.Subcategory)
	}
	if upd.Notes != nil {
		add("notes", utils.SanitizeString(*upd.Notes))
	}
	if upd.Amount != nil {
		add("amount", *upd.Amount)
	}
	if upd.Status != nil {
		add("status", *upd.Status)
	}
	add("updated_by", userID)
	add("updated_at", r.now().UTC())

	query := `UPDATE transactions SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND org_id = ?`
	args = append(args, id, orgID)

	result, err := r.getExecutor(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to update transaction",
			zap.String("id", id),
			zap.String("org_id", orgID),
			zap.Error(err))
		return false, fmt.Errorf("failed to update transaction: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

func validateUpdate(upd entity.TransactionUpdate) error {
	if upd.Amount != nil {
		if err := utils.ValidateAmount(*upd.Amount); err != nil {
			return failure.Wrap(failure.KindValidationFailed, opUpdate, err)
		}
	}
	if upd.Category != nil && strings.TrimSpace(*upd.Category) == "" {
		return failure.New(failure.KindValidationFailed, opUpdate, "category cannot be empty")
	}
	if upd.Status != nil {
		switch *upd.Status {
		case entity.TransactionStatusPending, entity.TransactionStatusApproved, entity.TransactionStatusRejected:
		default:
			return failure.New(failure.KindValidationFailed, opUpdate, "invalid status: "+string(*upd.Status))
		}
	}
	return nil
}

// Stats summarizes the org's transactions, optionally within rng
func (r *TransactionRepository) Stats(ctx context.Context, orgID string, rng *entity.DateRange) (*entity.TransactionStats, error) {
	where, args := rangeFilter(orgID, rng)
	exec := r.getExecutor(ctx)

	stats := &entity.TransactionStats{
		TotalByCurrency: make(map[string]float64),
		CountByCategory: make(map[string]int),
	}

	var avg sql.NullFloat64
	err := exec.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(fallback_used), 0), AVG(confidence) FROM transactions `+where, args...,
	).Scan(&stats.Count, &stats.FallbackCount, &avg)
	if err != nil {
		r.logger.Error("Failed to compute transaction stats", zap.String("org_id", orgID), zap.Error(err))
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	if avg.Valid {
		stats.AverageConfidence = avg.Float64
	}

	rows, err := exec.QueryContext(ctx,
		`SELECT currency, SUM(amount) FROM transactions `+where+` GROUP BY currency`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to sum amounts: %w", err)
	}
	for rows.Next() {
		var currency string
		var total float64
		if err := rows.Scan(&currency, &total); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan currency total: %w", err)
		}
		stats.TotalByCurrency[currency] = total
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to sum amounts: %w", err)
	}

	rows, err = exec.QueryContext(ctx,
		`SELECT category, COUNT(*) FROM transactions `+where+` GROUP BY category`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count categories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var category string
		var count int
		if err := rows.Scan(&category, &count); err != nil {
			return nil, fmt.Errorf("failed to scan category count: %w", err)
		}
		stats.CountByCategory[category] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to count categories: %w", err)
	}

	return stats, nil
}

// List returns the org's transactions ordered by date, optionally within rng
func (r *TransactionRepository) List(ctx context.Context, orgID string, rng *entity.DateRange) ([]*entity.Transaction, error) {
	where, args := rangeFilter(orgID, rng)
	query := `SELECT ` + transactionColumns + ` FROM transactions ` + where + ` ORDER BY date ASC, created_at ASC`

	rows, err := r.getExecutor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list transactions", zap.String("org_id", orgID), zap.Error(err))
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []*entity.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func rangeFilter(orgID string, rng *entity.DateRange) (string, []interface{}) {
	where := "WHERE org_id = ?"
	args := []interface{}{orgID}
	if rng != nil {
		if rng.From != "" {
			where += " AND date >= ?"
			args = append(args, rng.From)
		}
		if rng.To != "" {
			where += " AND date <= ?"
			args = append(args, rng.To)
		}
	}
	return where, args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*entity.Transaction, error) {
	var tx entity.Transaction
	var last4 sql.NullString
	err := row.Scan(
		&tx.ID,
		&tx.OrgID,
		&tx.EmailID,
		&tx.Date,
		&tx.Amount,
		&tx.Currency,
		&tx.Merchant,
		&last4,
		&tx.Category,
		&tx.Subcategory,
		&tx.Notes,
		&tx.Confidence,
		&tx.Explanation,
		&tx.FallbackUsed,
		&tx.Status,
		&tx.CorrelationID,
		&tx.UpdatedBy,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Last4 = nullStringPtr(last4)
	return &tx, nil
}

func (r *TransactionRepository) getExecutor(ctx context.Context) sqlite.Executor {
	return sqlite.ExecutorFor(ctx, r.db)
}

var _ port.TransactionRepository = (*TransactionRepository)(nil)
