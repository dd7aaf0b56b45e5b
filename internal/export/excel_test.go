package export

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
)

type mockLister struct {
	listFunc func(ctx context.Context, orgID string, rng *entity.DateRange) ([]*entity.Transaction, error)
}

func (m *mockLister) List(ctx context.Context, orgID string, rng *entity.DateRange) ([]*entity.Transaction, error) {
	return m.listFunc(ctx, orgID, rng)
}

func sampleTransactions() []*entity.Transaction {
	last4 := "4242"
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return []*entity.Transaction{
		{ID: "tx-1", Date: "2024-03-01", Merchant: "Blue Bottle", Amount: 18.5, Currency: "USD", Category: "Meals",
			Last4: &last4, Confidence: 90, Status: entity.TransactionStatusPending, CreatedAt: created},
		{ID: "tx-2", Date: "2024-03-02", Merchant: "Uber", Amount: 21.5, Currency: "USD", Category: "Transportation",
			Confidence: 30, FallbackUsed: true, Status: entity.TransactionStatusPending, CreatedAt: created},
		{ID: "tx-3", Date: "2024-03-03", Merchant: "SNCF", Amount: 45, Currency: "EUR", Category: "Travel",
			Confidence: 85, Status: entity.TransactionStatusApproved, CreatedAt: created},
	}
}

func TestExcelExporter_Export(t *testing.T) {
	dir := t.TempDir()
	var gotOrg string
	var gotRange *entity.DateRange
	lister := &mockLister{listFunc: func(_ context.Context, orgID string, rng *entity.DateRange) ([]*entity.Transaction, error) {
		gotOrg, gotRange = orgID, rng
		return sampleTransactions(), nil
	}}

	exporter := NewExcelExporter(lister, filepath.Join(dir, "out"), zap.NewNop())
	exporter.now = func() time.Time { return time.Date(2024, 4, 1, 8, 30, 0, 0, time.UTC) }

	rng := &entity.DateRange{From: "2024-03-01", To: "2024-03-31"}
	path, err := exporter.Export(context.Background(), "acme/eu", rng)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "out", "transactions_acme_eu_20240401_083000.xlsx"), path)
	assert.Equal(t, "acme/eu", gotOrg)
	assert.Equal(t, rng, gotRange)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(sheetTransactions)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "ID", rows[0][0])
	assert.Equal(t, "tx-1", rows[1][0])
	assert.Equal(t, "Blue Bottle", rows[1][2])
	assert.Equal(t, "4242", rows[1][7])
	assert.Equal(t, "TRUE", rows[2][9])

	summary, err := f.GetRows(sheetSummary)
	require.NoError(t, err)
	require.Len(t, summary, 4)
	assert.Equal(t, []string{"Transactions", "3"}, summary[0])
	assert.Equal(t, "EUR", summary[2][0])
	assert.Equal(t, "45", summary[2][1])
	assert.Equal(t, "USD", summary[3][0])
	assert.Equal(t, "40", summary[3][1])
}

func TestExcelExporter_WriteTo(t *testing.T) {
	lister := &mockLister{listFunc: func(context.Context, string, *entity.DateRange) ([]*entity.Transaction, error) {
		return nil, nil
	}}
	exporter := NewExcelExporter(lister, t.TempDir(), zap.NewNop())

	var buf bytes.Buffer
	require.NoError(t, exporter.WriteTo(context.Background(), "acme", nil, &buf))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(sheetTransactions)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestExcelExporter_ListError(t *testing.T) {
	lister := &mockLister{listFunc: func(context.Context, string, *entity.DateRange) ([]*entity.Transaction, error) {
		return nil, errors.New("db down")
	}}
	exporter := NewExcelExporter(lister, t.TempDir(), zap.NewNop())

	_, err := exporter.Export(context.Background(), "acme", nil)
	assert.Error(t, err)
}
