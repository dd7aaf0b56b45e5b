// Package mailparse turns raw RFC 5322 messages into entity.ParsedEmail.
package mailparse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/application/port"
	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
	"github.com/garyjia/receipt-pipeline/internal/domain/failure"
)

const (
	opParse = "mailparse.parse"

	// DefaultMaxMessageBytes bounds the raw message size accepted by Parse
	DefaultMaxMessageBytes = 25 << 20
)

// Parser parses raw MIME messages
type Parser struct {
	maxBytes int
	logger   *zap.Logger
	now      func() time.Time
}

var _ port.EmailParser = (*Parser)(nil)

// New creates a parser. maxBytes <= 0 selects DefaultMaxMessageBytes.
func New(maxBytes int, logger *zap.Logger) *Parser {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	return &Parser{maxBytes: maxBytes, logger: logger, now: time.Now}
}

// Parse walks every MIME part of raw. The first text/plain and text/html
// inline parts become the bodies; everything else with a filename or an
// attachment disposition becomes an attachment.
func (p *Parser) Parse(raw []byte) (*entity.ParsedEmail, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, failure.New(failure.KindEmailParseFailed, opParse, "empty message")
	}
	if len(raw) > p.maxBytes {
		return nil, failure.New(failure.KindEmailParseFailed, opParse,
			fmt.Sprintf("message exceeds %d bytes", p.maxBytes))
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, failure.Wrap(failure.KindEmailParseFailed, opParse, err)
	}
	if err != nil {
		p.logger.Warn("Unknown charset in message header", zap.Error(err))
	}
	defer mr.Close()

	email := &entity.ParsedEmail{
		Headers: collectHeaders(mr.Header),
	}
	if email.Headers["From"] == nil {
		return nil, failure.New(failure.KindEmailParseFailed, opParse, "missing From header")
	}

	email.From = firstAddress(mr.Header, "From")
	for _, key := range []string{"To", "Cc"} {
		if list, err := mr.Header.AddressList(key); err == nil {
			for _, a := range list {
				email.To = append(email.To, a.Address)
			}
		}
	}
	if subject, err := mr.Header.Subject(); err == nil {
		email.Subject = subject
	} else {
		email.Subject = mr.Header.Get("Subject")
	}
	if id, err := mr.Header.MessageID(); err == nil && id != "" {
		email.MessageID = "<" + id + ">"
	}
	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		email.ReceivedAt = date.UTC()
	} else {
		email.ReceivedAt = p.now().UTC()
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, failure.Wrap(failure.KindEmailParseFailed, opParse, err)
		}
		if part == nil {
			break
		}

		if err := p.readPart(email, part); err != nil {
			return nil, failure.Wrap(failure.KindEmailParseFailed, opParse, err)
		}
	}

	p.logger.Debug("Message parsed",
		zap.String("message_id", email.MessageID),
		zap.Int("attachments", len(email.Attachments)),
		zap.Int("text_length", len(email.Text)),
		zap.Int("html_length", len(email.HTML)))

	return email, nil
}

func (p *Parser) readPart(email *entity.ParsedEmail, part *mail.Part) error {
	body, err := io.ReadAll(part.Body)
	if err != nil {
		return fmt.Errorf("failed to read part: %w", err)
	}

	switch h := part.Header.(type) {
	case *mail.InlineHeader:
		ct, params, _ := h.ContentType()
		switch {
		case params["name"] != "":
			email.Attachments = append(email.Attachments, attachment(params["name"], ct, body))
		case ct == "text/plain" && email.Text == "":
			email.Text = string(body)
		case ct == "text/html" && email.HTML == "":
			email.HTML = string(body)
		case strings.HasPrefix(ct, "text/"):
			// Additional alternatives are ignored
		default:
			email.Attachments = append(email.Attachments, attachment("", ct, body))
		}
	case *mail.AttachmentHeader:
		ct, _, _ := h.ContentType()
		filename, err := h.Filename()
		if err != nil {
			p.logger.Warn("Failed to decode attachment filename", zap.Error(err))
		}
		email.Attachments = append(email.Attachments, attachment(filename, ct, body))
	}
	return nil
}

func attachment(filename, contentType string, body []byte) entity.EmailAttachment {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return entity.EmailAttachment{
		Filename:    filename,
		ContentType: contentType,
		Size:        int64(len(body)),
		Content:     body,
	}
}

func collectHeaders(h mail.Header) map[string][]string {
	headers := make(map[string][]string)
	fields := h.Fields()
	for fields.Next() {
		key := textproto.CanonicalMIMEHeaderKey(fields.Key())
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		headers[key] = append(headers[key], value)
	}
	return headers
}

func firstAddress(h mail.Header, key string) string {
	list, err := h.AddressList(key)
	if err == nil && len(list) > 0 {
		return list[0].Address
	}
	return strings.TrimSpace(h.Get(key))
}
