package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
)

// Set RECEIPT_TEST_POSTGRES_DSN to run against a real database
func newTestRepo(t *testing.T) *IdempotencyRepository {
	t.Helper()
	dsn := os.Getenv("RECEIPT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RECEIPT_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo, err := NewIdempotencyRepository(ctx, pool, zap.NewNop())
	require.NoError(t, err)
	return repo
}

func TestIdempotencyRepository_InsertIfAbsent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	org := "org-" + uuid.NewString()

	rec := &entity.IdempotencyRecord{
		ID:          uuid.NewString(),
		OrgID:       org,
		Alias:       "a",
		MessageID:   "m1",
		Provider:    "mailgun",
		ProcessedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	inserted, err := repo.Insert(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := *rec
	dup.ID = uuid.NewString()
	inserted, err = repo.Insert(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	found, err := repo.FindByKey(ctx, org, "a", "m1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, rec.ID, found.ID)

	require.NoError(t, repo.SetEmailID(ctx, rec.ID, "email-1"))
	found, err = repo.FindByKey(ctx, org, "a", "m1")
	require.NoError(t, err)
	assert.Equal(t, "email-1", *found.EmailID)

	n, err := repo.DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
}
