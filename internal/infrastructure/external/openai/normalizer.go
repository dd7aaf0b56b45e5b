package openai

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/application/port"
	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
	"github.com/garyjia/receipt-pipeline/internal/domain/failure"
)

const opNormalize = "openai.normalize"

type normalizeResponse struct {
	TranslatedText string `json:"translated_text"`
	SourceLanguage string `json:"source_language"`
	Confidence     int    `json:"confidence"`
}

// Normalizer implements port.LanguageNormalizer with a chat model
type Normalizer struct {
	client  ChatClient
	model   string
	prompts *PromptConfig
	logger  *zap.Logger
}

var _ port.LanguageNormalizer = (*Normalizer)(nil)

// NewNormalizer creates a new language normalizer
func NewNormalizer(client ChatClient, model string, prompts *PromptConfig, logger *zap.Logger) *Normalizer {
	return &Normalizer{client: client, model: model, prompts: prompts, logger: logger}
}

// Normalize detects the language of text and translates it to English
func (n *Normalizer) Normalize(ctx context.Context, text string) (*entity.TranslationResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, failure.New(failure.KindTranslationFailed, opNormalize, "empty input")
	}

	user, err := renderTemplate(n.prompts.Normalize.UserTemplate, map[string]string{"Text": text})
	if err != nil {
		return nil, failure.Wrap(failure.KindTranslationFailed, opNormalize, err)
	}

	var resp normalizeResponse
	if err := completeJSON(ctx, n.client, n.model, n.prompts.Normalize, user, opNormalize, failure.KindTranslationFailed, &resp, n.logger); err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.TranslatedText) == "" {
		return nil, failure.New(failure.KindTranslationFailed, opNormalize, "model returned no text")
	}

	lang := strings.ToLower(strings.TrimSpace(resp.SourceLanguage))
	if lang == "" {
		lang = "und"
	}

	n.logger.Debug("Text normalized",
		zap.String("source_language", lang),
		zap.Int("confidence", resp.Confidence),
		zap.Int("input_length", len(text)))

	return &entity.TranslationResult{
		TranslatedText: resp.TranslatedText,
		OriginalText:   text,
		SourceLanguage: lang,
		Confidence:     clampConfidence(resp.Confidence),
	}, nil
}

func clampConfidence(c int) int {
	switch {
	case c < 0:
		return 0
	case c > 100:
		return 100
	}
	return c
}
