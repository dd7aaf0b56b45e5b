// Package attachment extracts text from email attachments.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
)

// Processor extracts text from one kind of attachment
type Processor interface {
	Name() string
	CanProcess(att entity.EmailAttachment) bool
	Process(ctx context.Context, att entity.EmailAttachment) (entity.ExtractedContent, error)
}

// ErrUnsupported is returned for attachments no processor accepts
var ErrUnsupported = errors.New("unsupported attachment type")

// Result is the outcome for one attachment, aligned with the input order
type Result struct {
	Filename  string
	Processor string
	Content   entity.ExtractedContent
	Err       error
}

// Registry dispatches attachments to the first processor that accepts them
type Registry struct {
	processors []Processor
	logger     *zap.Logger
}

// NewRegistry creates a registry. Processors are tried in order.
func NewRegistry(logger *zap.Logger, processors ...Processor) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{processors: processors, logger: logger}
}

// NewDefaultRegistry registers the PDF, text and HTML processors
func NewDefaultRegistry(logger *zap.Logger) *Registry {
	return NewRegistry(logger,
		NewPDFProcessor(DefaultMaxPDFPages, logger),
		NewTextProcessor(),
		NewHTMLProcessor(),
	)
}

// ProcessAll extracts every attachment. A failing attachment is reported in
// its Result and does not stop the others.
func (r *Registry) ProcessAll(ctx context.Context, atts []entity.EmailAttachment) []Result {
	results := make([]Result, len(atts))
	for i, att := range atts {
		results[i] = Result{Filename: att.Filename}

		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}

		p := r.find(att)
		if p == nil {
			results[i].Err = fmt.Errorf("%s: %w", att.Filename, ErrUnsupported)
			r.logger.Debug("No processor for attachment",
				zap.String("filename", att.Filename),
				zap.String("content_type", att.ContentType))
			continue
		}

		results[i].Processor = p.Name()
		content, err := p.Process(ctx, att)
		if err != nil {
			r.logger.Warn("Attachment processing failed",
				zap.String("processor", p.Name()),
				zap.String("filename", att.Filename),
				zap.Error(err))
			results[i].Err = err
			continue
		}
		results[i].Content = content
	}
	return results
}

func (r *Registry) find(att entity.EmailAttachment) Processor {
	for _, p := range r.processors {
		if p.CanProcess(att) {
			return p
		}
	}
	return nil
}

// mediaType returns the lower-cased media type without parameters
func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	return strings.ToLower(mt)
}

func extension(filename string) string {
	return strings.ToLower(filepath.Ext(filename))
}
