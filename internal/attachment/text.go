package attachment

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
	"github.com/garyjia/receipt-pipeline/internal/htmltext"
	"github.com/garyjia/receipt-pipeline/internal/redact"
	"github.com/garyjia/receipt-pipeline/pkg/utils"
)

// MaxTextBytes bounds the text kept from one text attachment
const MaxTextBytes = 1 << 20

// TextProcessor reads plain text and CSV attachments
type TextProcessor struct{}

func NewTextProcessor() *TextProcessor { return &TextProcessor{} }

func (p *TextProcessor) Name() string { return "text" }

func (p *TextProcessor) CanProcess(att entity.EmailAttachment) bool {
	switch mediaType(att.ContentType) {
	case "text/plain", "text/csv":
		return true
	}
	switch extension(att.Filename) {
	case ".txt", ".csv":
		return true
	}
	return false
}

func (p *TextProcessor) Process(ctx context.Context, att entity.EmailAttachment) (entity.ExtractedContent, error) {
	out := entity.ExtractedContent{Filename: att.Filename}
	if !utf8.Valid(att.Content) {
		return out, fmt.Errorf("text attachment %s is not valid UTF-8", att.Filename)
	}

	data := att.Content
	if len(data) > MaxTextBytes {
		data = truncateUTF8(data, MaxTextBytes)
		out.Truncated = true
	}
	out.Text = redact.RedactKeepDomain(utils.SanitizeString(string(data)))
	return out, nil
}

// HTMLProcessor renders HTML attachments to text
type HTMLProcessor struct{}

func NewHTMLProcessor() *HTMLProcessor { return &HTMLProcessor{} }

func (p *HTMLProcessor) Name() string { return "html" }

func (p *HTMLProcessor) CanProcess(att entity.EmailAttachment) bool {
	if mediaType(att.ContentType) == "text/html" {
		return true
	}
	ext := extension(att.Filename)
	return ext == ".html" || ext == ".htm"
}

func (p *HTMLProcessor) Process(ctx context.Context, att entity.EmailAttachment) (entity.ExtractedContent, error) {
	out := entity.ExtractedContent{Filename: att.Filename}
	text, err := htmltext.ToText(string(att.Content))
	if err != nil {
		return out, fmt.Errorf("failed to parse HTML attachment: %w", err)
	}
	out.Text = redact.RedactKeepDomain(text)
	return out, nil
}

// truncateUTF8 cuts data to at most n bytes without splitting a rune
func truncateUTF8(data []byte, n int) []byte {
	if len(data) <= n {
		return data
	}
	for n > 0 && !utf8.RuneStart(data[n]) {
		n--
	}
	return data[:n]
}
