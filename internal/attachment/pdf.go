package attachment

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/gen2brain/go-fitz"
	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
	"github.com/garyjia/receipt-pipeline/internal/redact"
)

// DefaultMaxPDFPages bounds the pages read from one PDF
const DefaultMaxPDFPages = 20

// pdfActiveMarkers are PDF name objects that indicate active content
var pdfActiveMarkers = []string{"/JavaScript", "/EmbeddedFile", "/SubmitForm", "/Launch"}

// ActiveContentMarkers returns the active-content markers present in raw PDF
// bytes, in a fixed order
func ActiveContentMarkers(data []byte) []string {
	var found []string
	for _, m := range pdfActiveMarkers {
		if bytes.Contains(data, []byte(m)) {
			found = append(found, m)
		}
	}
	return found
}

// IsPDF reports whether att is a PDF by content type, extension or magic bytes
func IsPDF(att entity.EmailAttachment) bool {
	return mediaType(att.ContentType) == "application/pdf" ||
		extension(att.Filename) == ".pdf" ||
		bytes.HasPrefix(att.Content, []byte("%PDF-"))
}

// PDFProcessor extracts text from PDF attachments with MuPDF
type PDFProcessor struct {
	maxPages int
	logger   *zap.Logger
}

// NewPDFProcessor creates a PDF processor reading at most maxPages pages
func NewPDFProcessor(maxPages int, logger *zap.Logger) *PDFProcessor {
	if maxPages <= 0 {
		maxPages = DefaultMaxPDFPages
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PDFProcessor{maxPages: maxPages, logger: logger}
}

func (p *PDFProcessor) Name() string { return "pdf" }

func (p *PDFProcessor) CanProcess(att entity.EmailAttachment) bool {
	return IsPDF(att)
}

// Process rejects PDFs with active content, then reads the text of the first
// maxPages pages. PII in the text is redacted.
func (p *PDFProcessor) Process(ctx context.Context, att entity.EmailAttachment) (entity.ExtractedContent, error) {
	out := entity.ExtractedContent{Filename: att.Filename}

	if markers := ActiveContentMarkers(att.Content); len(markers) > 0 {
		return out, fmt.Errorf("pdf %s contains active content %s", att.Filename, strings.Join(markers, ", "))
	}

	doc, err := fitz.NewFromMemory(att.Content)
	if err != nil {
		return out, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	out.PageCount = pageCount
	limit := pageCount
	if limit > p.maxPages {
		limit = p.maxPages
		out.Truncated = true
	}

	var b strings.Builder
	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		text, err := doc.Text(i)
		if err != nil {
			p.logger.Warn("Failed to extract page text",
				zap.String("filename", att.Filename),
				zap.Int("page", i),
				zap.Error(err))
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.TrimSpace(text))
	}

	out.Text = redact.RedactKeepDomain(b.String())
	p.logger.Debug("PDF text extracted",
		zap.String("filename", att.Filename),
		zap.Int("pages", pageCount),
		zap.Bool("truncated", out.Truncated))
	return out, nil
}
