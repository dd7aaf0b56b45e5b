package openai

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/application/port"
	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
	"github.com/garyjia/receipt-pipeline/internal/domain/failure"
	"github.com/garyjia/receipt-pipeline/internal/fallback"
)

const opExtract = "openai.extract"

// extractResponse mirrors the JSON requested by the extract prompt. The
// receipt field rules are checked by the caller.
type extractResponse struct {
	Date        string  `json:"date"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Merchant    string  `json:"merchant"`
	Last4       *string `json:"last4"`
	Category    string  `json:"category"`
	Subcategory string  `json:"subcategory"`
	Notes       string  `json:"notes"`
	Confidence  int     `json:"confidence"`
	Explanation string  `json:"explanation"`
}

// Extractor implements port.DataExtractor with a chat model
type Extractor struct {
	client     ChatClient
	model      string
	prompts    *PromptConfig
	categories string
	logger     *zap.Logger
}

var _ port.DataExtractor = (*Extractor)(nil)

// NewExtractor creates a new data extractor. The model is asked to choose
// among the fallback category names plus Other.
func NewExtractor(client ChatClient, model string, prompts *PromptConfig, logger *zap.Logger) *Extractor {
	names := make([]string, 0, len(fallback.DefaultCategories)+1)
	for _, c := range fallback.DefaultCategories {
		names = append(names, `"`+c.Name+`"`)
	}
	names = append(names, `"`+entity.CategoryOther+`"`)

	return &Extractor{
		client:     client,
		model:      model,
		prompts:    prompts,
		categories: strings.Join(names, ", "),
		logger:     logger,
	}
}

// Extract turns normalized receipt text into receipt data
func (e *Extractor) Extract(ctx context.Context, normalizedText string) (*entity.ReceiptData, error) {
	if strings.TrimSpace(normalizedText) == "" {
		return nil, failure.New(failure.KindExtractionFailed, opExtract, "empty input")
	}

	user, err := renderTemplate(e.prompts.Extract.UserTemplate, map[string]string{
		"Text":       normalizedText,
		"Categories": e.categories,
	})
	if err != nil {
		return nil, failure.Wrap(failure.KindExtractionFailed, opExtract, err)
	}

	var resp extractResponse
	if err := completeJSON(ctx, e.client, e.model, e.prompts.Extract, user, opExtract, failure.KindExtractionFailed, &resp, e.logger); err != nil {
		return nil, err
	}

	e.logger.Debug("Receipt extracted",
		zap.String("category", resp.Category),
		zap.Int("confidence", resp.Confidence))

	return &entity.ReceiptData{
		Date:        resp.Date,
		Amount:      resp.Amount,
		Currency:    resp.Currency,
		Merchant:    resp.Merchant,
		Last4:       resp.Last4,
		Category:    resp.Category,
		Subcategory: resp.Subcategory,
		Notes:       resp.Notes,
		Confidence:  resp.Confidence,
		Explanation: resp.Explanation,
	}, nil
}
