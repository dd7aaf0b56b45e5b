package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
	"github.com/garyjia/receipt-pipeline/internal/domain/failure"
	"github.com/garyjia/receipt-pipeline/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/receipt-pipeline/migrations"
	"github.com/garyjia/receipt-pipeline/pkg/database"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.New(database.Config{Path: database.MemoryPath}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = database.NewMigrator(db, zap.NewNop()).RunMigrations(migrations.FS)
	require.NoError(t, err)
	return db.DB
}

func strPtr(s string) *string { return &s }

func TestIdempotencyRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewIdempotencyRepository(newTestDB(t), zap.NewNop())
	processed := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	rec := &entity.IdempotencyRecord{
		ID:          "rec-1",
		OrgID:       "o1",
		Alias:       "a",
		MessageID:   "m1",
		RawRef:      strPtr("raw/m1.eml"),
		Provider:    "mailgun",
		ProcessedAt: processed,
	}

	inserted, err := repo.Insert(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	again := *rec
	again.ID = "rec-2"
	inserted, err = repo.Insert(ctx, &again)
	require.NoError(t, err)
	assert.False(t, inserted)

	found, err := repo.FindByKey(ctx, "o1", "a", "m1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "rec-1", found.ID)
	assert.Equal(t, "raw/m1.eml", *found.RawRef)
	assert.Nil(t, found.EmailID)
	assert.Nil(t, found.CorrelationID)
	assert.True(t, processed.Equal(found.ProcessedAt))

	missing, err := repo.FindByKey(ctx, "o1", "b", "m1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, repo.SetEmailID(ctx, "rec-1", "email-1"))
	found, err = repo.FindByKey(ctx, "o1", "a", "m1")
	require.NoError(t, err)
	assert.Equal(t, "email-1", *found.EmailID)
	assert.Error(t, repo.SetEmailID(ctx, "nope", "email-1"))

	n, err := repo.DeleteOlderThan(ctx, processed.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = repo.DeleteOlderThan(ctx, processed.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEmailHistoryRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewEmailHistoryRepository(newTestDB(t), zap.NewNop())
	created := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(ctx, &entity.EmailRecord{
		ID:          "email-1",
		OrgID:       "o1",
		MessageID:   "<m1@shop>",
		ContentHash: "hash-1",
		Fingerprint: "fp-1",
		Sender:      "receipts@shop.example.com",
		Subject:     "Your receipt",
		CreatedAt:   created,
	}))

	rec, err := repo.FindByMessageID(ctx, "o1", "<m1@shop>")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "email-1", rec.ID)

	rec, err = repo.FindByMessageID(ctx, "o2", "<m1@shop>")
	require.NoError(t, err)
	assert.Nil(t, rec)

	rec, err = repo.FindByContentHash(ctx, "o1", "hash-1")
	require.NoError(t, err)
	assert.NotNil(t, rec)

	rec, err = repo.FindByContentHash(ctx, "o1", "")
	require.NoError(t, err)
	assert.Nil(t, rec)

	rec, err = repo.FindByFingerprint(ctx, "o1", "fp-1", created.Add(-time.Hour))
	require.NoError(t, err)
	assert.NotNil(t, rec)

	rec, err = repo.FindByFingerprint(ctx, "o1", "fp-1", created.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func sampleFields() entity.TransactionFields {
	return entity.TransactionFields{
		Date:          "2024-03-14",
		Amount:        12.75,
		Currency:      "USD",
		Merchant:      "Blue Bottle Coffee",
		Last4:         strPtr("4242"),
		Category:      "Meals",
		Confidence:    92,
		Explanation:   "Extracted from receipt",
		CorrelationID: "corr-1",
	}
}

func TestTransactionRepository_CreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	repo := NewTransactionRepository(newTestDB(t), zap.NewNop())

	id, err := repo.Create(ctx, "o1", "email-1", sampleFields())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	tx, err := repo.Get(ctx, id, "o1")
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, "Blue Bottle Coffee", tx.Merchant)
	assert.Equal(t, 12.75, tx.Amount)
	assert.Equal(t, "4242", *tx.Last4)
	assert.Equal(t, entity.TransactionStatusPending, tx.Status)
	assert.False(t, tx.FallbackUsed)

	other, err := repo.Get(ctx, id, "o2")
	require.NoError(t, err)
	assert.Nil(t, other, "rows of another org are invisible")

	category := "Travel"
	amount := 13.5
	ok, err := repo.Update(ctx, id, "o1", "user-1", entity.TransactionUpdate{Category: &category, Amount: &amount})
	require.NoError(t, err)
	assert.True(t, ok)

	tx, err = repo.Get(ctx, id, "o1")
	require.NoError(t, err)
	assert.Equal(t, "Travel", tx.Category)
	assert.Equal(t, 13.5, tx.Amount)
	assert.Equal(t, "user-1", tx.UpdatedBy)

	ok, err = repo.Update(ctx, id, "o2", "user-2", entity.TransactionUpdate{Category: &category})
	require.NoError(t, err)
	assert.False(t, ok)

	bad := -1.0
	_, err = repo.Update(ctx, id, "o1", "user-1", entity.TransactionUpdate{Amount: &bad})
	assert.Equal(t, failure.KindValidationFailed, failure.KindOf(err))

	empty := " "
	_, err = repo.Update(ctx, id, "o1", "user-1", entity.TransactionUpdate{Category: &empty})
	assert.Equal(t, failure.KindValidationFailed, failure.KindOf(err))
}

func TestTransactionRepository_StatsAndList(t *testing.T) {
	ctx := context.Background()
	repo := NewTransactionRepository(newTestDB(t), zap.NewNop())

	rows := []entity.TransactionFields{
		{Date: "2024-03-01", Amount: 10, Currency: "USD", Merchant: "A", Category: "Meals", Confidence: 90},
		{Date: "2024-03-05", Amount: 5.5, Currency: "USD", Merchant: "B", Category: "Meals", Confidence: 70},
		{Date: "2024-03-09", Amount: 20, Currency: "EUR", Merchant: "C", Category: "Travel", Confidence: 30, FallbackUsed: true},
		{Date: "2024-04-01", Amount: 99, Currency: "USD", Merchant: "D", Category: "Software", Confidence: 80},
	}
	for _, f := range rows {
		_, err := repo.Create(ctx, "o1", "email", f)
		require.NoError(t, err)
	}
	_, err := repo.Create(ctx, "o2", "email", rows[0])
	require.NoError(t, err)

	stats, err := repo.Stats(ctx, "o1", &entity.DateRange{From: "2024-03-01", To: "2024-03-31"})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Count)
	assert.Equal(t, 1, stats.FallbackCount)
	assert.InDelta(t, 15.5, stats.TotalByCurrency["USD"], 0.001)
	assert.InDelta(t, 20, stats.TotalByCurrency["EUR"], 0.001)
	assert.Equal(t, 2, stats.CountByCategory["Meals"])
	assert.InDelta(t, 63.333, stats.AverageConfidence, 0.01)

	all, err := repo.List(ctx, "o1", nil)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "A", all[0].Merchant)
	assert.Equal(t, "D", all[3].Merchant)

	empty, err := repo.Stats(ctx, "o3", nil)
	require.NoError(t, err)
	assert.Zero(t, empty.Count)
	assert.Zero(t, empty.AverageConfidence)
}

func TestTransactionRepository_JoinsContextTransaction(t *testing.T) {
	ctx := context.Background()
	sqlDB := newTestDB(t)
	repo := NewTransactionRepository(sqlDB, zap.NewNop())
	txm := sqlite.NewDB(sqlDB, zap.NewNop())

	var id string
	err := txm.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		id, err = repo.Create(ctx, "o1", "email-1", sampleFields())
		require.NoError(t, err)
		return errors.New("abort")
	})
	require.Error(t, err)

	tx, err := repo.Get(ctx, id, "o1")
	require.NoError(t, err)
	assert.Nil(t, tx, "insert rolled back with the transaction")
}

func TestMappingRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMappingRepository(newTestDB(t), zap.NewNop())

	require.NoError(t, repo.Upsert(ctx, &entity.MerchantMapping{
		OrgID: "o1", MerchantName: "starbucks", DisplayName: "Starbucks", Category: "Meals", Subcategory: "Coffee",
	}))
	require.NoError(t, repo.Upsert(ctx, &entity.MerchantMapping{
		OrgID: "o1", MerchantName: "100%_pure", Category: "Shopping",
	}))

	m, err := repo.FindByName(ctx, "o1", "starbucks")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "Coffee", m.Subcategory)

	m, err = repo.FindByName(ctx, "o2", "starbucks")
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = repo.FindByPrefix(ctx, "o1", "starbucks store #1234")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "starbucks", m.MerchantName)

	m, err = repo.FindByPrefix(ctx, "o1", "starbuckshop")
	require.NoError(t, err)
	assert.Nil(t, m, "prefix must end on a word boundary")

	m, err = repo.FindByPrefix(ctx, "o1", "100xapure deluxe")
	require.NoError(t, err)
	assert.Nil(t, m, "wildcards in stored names match literally")

	require.NoError(t, repo.Upsert(ctx, &entity.MerchantMapping{
		OrgID: "o1", MerchantName: "starbucks", DisplayName: "Starbucks", Category: "Travel",
	}))
	m, err = repo.FindByName(ctx, "o1", "starbucks")
	require.NoError(t, err)
	assert.Equal(t, "Travel", m.Category)

	require.NoError(t, repo.IncrementUsage(ctx, m.ID))
	m, err = repo.FindByName(ctx, "o1", "starbucks")
	require.NoError(t, err)
	assert.Equal(t, 1, m.UsageCount)
}

func TestProcessingLogRepository(t *testing.T) {
	ctx := context.Background()
	sqlDB := newTestDB(t)
	repo := NewProcessingLogRepository(sqlDB, zap.NewNop())
	elapsed := int64(42)

	repo.LogStep(ctx, &entity.ProcessingLog{
		OrgID: "o1", EmailID: "e1", Step: "sanitize", Status: entity.StepStarted, CorrelationID: "c1",
	})
	repo.LogStep(ctx, &entity.ProcessingLog{
		OrgID: "o1", EmailID: "e1", Step: "sanitize", Status: entity.StepCompleted, CorrelationID: "c1",
		ElapsedMs: &elapsed, Details: map[string]interface{}{"flags": float64(1)},
	})

	logs, err := repo.ListByEmail(ctx, "o1", "e1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, entity.StepStarted, logs[0].Status)
	assert.Nil(t, logs[0].ElapsedMs)
	assert.Equal(t, int64(42), *logs[1].ElapsedMs)
	assert.Equal(t, float64(1), logs[1].Details["flags"])

	none, err := repo.ListByEmail(ctx, "o2", "e1")
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, sqlDB.Close())
	assert.NotPanics(t, func() {
		repo.LogStep(ctx, &entity.ProcessingLog{OrgID: "o1", EmailID: "e1", Step: "x", Status: entity.StepFailed})
	})
}
