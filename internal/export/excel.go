// Package export writes an organization's transactions to spreadsheets.
package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
)

const (
	sheetTransactions = "Transactions"
	sheetSummary      = "Summary"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

var header = []interface{}{
	"ID", "Date", "Merchant", "Amount", "Currency", "Category", "Subcategory",
	"Card Last4", "Confidence", "Fallback", "Status", "Notes", "Created At",
}

// TransactionLister is the read side of the transaction store used for exports
type TransactionLister interface {
	List(ctx context.Context, orgID string, rng *entity.DateRange) ([]*entity.Transaction, error)
}

// ExcelExporter writes xlsx workbooks of transactions
type ExcelExporter struct {
	transactions TransactionLister
	outputDir    string
	logger       *zap.Logger
	now          func() time.Time
}

// NewExcelExporter creates an exporter writing files into outputDir
func NewExcelExporter(transactions TransactionLister, outputDir string, logger *zap.Logger) *ExcelExporter {
	return &ExcelExporter{
		transactions: transactions,
		outputDir:    outputDir,
		logger:       logger,
		now:          time.Now,
	}
}

// Export writes the org's transactions in rng to a new file and returns its path
func (e *ExcelExporter) Export(ctx context.Context, orgID string, rng *entity.DateRange) (string, error) {
	if err := os.MkdirAll(e.outputDir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	name := fmt.Sprintf("transactions_%s_%s.xlsx",
		unsafeName.ReplaceAllString(orgID, "_"),
		e.now().UTC().Format("20060102_150405"))
	path := filepath.Join(e.outputDir, name)

	f, count, err := e.build(ctx, orgID, rng)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("failed to save workbook: %w", err)
	}

	e.logger.Info("Transactions exported",
		zap.String("org_id", orgID),
		zap.Int("rows", count),
		zap.String("path", path))
	return path, nil
}

// WriteTo streams the workbook to w instead of a file
func (e *ExcelExporter) WriteTo(ctx context.Context, orgID string, rng *entity.DateRange, w io.Writer) error {
	f, _, err := e.build(ctx, orgID, rng)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func (e *ExcelExporter) build(ctx context.Context, orgID string, rng *entity.DateRange) (*excelize.File, int, error) {
	txs, err := e.transactions.List(ctx, orgID, rng)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", sheetTransactions); err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to rename sheet: %w", err)
	}

	if err := writeTransactions(f, txs); err != nil {
		f.Close()
		return nil, 0, err
	}
	if err := writeSummary(f, txs); err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, len(txs), nil
}

func writeTransactions(f *excelize.File, txs []*entity.Transaction) error {
	if err := f.SetSheetRow(sheetTransactions, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}
	lastCol, _ := excelize.ColumnNumberToName(len(header))
	if err := f.SetCellStyle(sheetTransactions, "A1", lastCol+"1", bold); err != nil {
		return fmt.Errorf("failed to style header: %w", err)
	}

	for i, tx := range txs {
		last4 := ""
		if tx.Last4 != nil {
			last4 = *tx.Last4
		}
		row := []interface{}{
			tx.ID, tx.Date, tx.Merchant, tx.Amount, tx.Currency, tx.Category, tx.Subcategory,
			last4, tx.Confidence, tx.FallbackUsed, string(tx.Status), tx.Notes,
			tx.CreatedAt.UTC().Format(time.RFC3339),
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheetTransactions, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	_ = f.SetColWidth(sheetTransactions, "A", "A", 38)
	_ = f.SetColWidth(sheetTransactions, "C", "C", 28)
	_ = f.SetColWidth(sheetTransactions, "L", "L", 40)
	return nil
}

func writeSummary(f *excelize.File, txs []*entity.Transaction) error {
	if _, err := f.NewSheet(sheetSummary); err != nil {
		return fmt.Errorf("failed to create summary sheet: %w", err)
	}

	totals := make(map[string]float64)
	for _, tx := range txs {
		totals[tx.Currency] += tx.Amount
	}
	currencies := make([]string, 0, len(totals))
	for c := range totals {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)

	rows := [][]interface{}{
		{"Transactions", len(txs)},
		{"Currency", "Total"},
	}
	for _, c := range currencies {
		rows = append(rows, []interface{}{c, totals[c]})
	}
	for i := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(sheetSummary, cell, &rows[i]); err != nil {
			return fmt.Errorf("failed to write summary: %w", err)
		}
	}
	return nil
}
