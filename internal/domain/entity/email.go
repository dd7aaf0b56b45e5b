package entity

import (
	"net/textproto"
	"time"
)

// EmailAttachment is a file carried by an inbound email
type EmailAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Content     []byte `json:"-"`
}

// ParsedEmail is an inbound email after MIME parsing. It is treated as
// immutable: sanitization produces a new copy via Clone.
type ParsedEmail struct {
	MessageID   string              `json:"message_id"`
	From        string              `json:"from"`
	To          []string            `json:"to"`
	Subject     string              `json:"subject"`
	Text        string              `json:"text"`
	HTML        string              `json:"html"`
	Attachments []EmailAttachment   `json:"attachments"`
	Headers     map[string][]string `json:"headers"`
	ReceivedAt  time.Time           `json:"received_at"`
}

// Header returns the first value of a header, matched case-insensitively
func (e *ParsedEmail) Header(name string) string {
	values := e.HeaderValues(name)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// HeaderValues returns all values of a header, matched case-insensitively
func (e *ParsedEmail) HeaderValues(name string) []string {
	if e.Headers == nil {
		return nil
	}
	if v, ok := e.Headers[name]; ok {
		return v
	}
	if v, ok := e.Headers[textproto.CanonicalMIMEHeaderKey(name)]; ok {
		return v
	}
	for k, v := range e.Headers {
		if textproto.CanonicalMIMEHeaderKey(k) == textproto.CanonicalMIMEHeaderKey(name) {
			return v
		}
	}
	return nil
}

// Clone returns a deep copy so callers can derive a modified email without
// touching the original
func (e *ParsedEmail) Clone() *ParsedEmail {
	if e == nil {
		return nil
	}
	out := *e
	if e.To != nil {
		out.To = append([]string(nil), e.To...)
	}
	if e.Attachments != nil {
		out.Attachments = make([]EmailAttachment, len(e.Attachments))
		for i, a := range e.Attachments {
			a.Content = append([]byte(nil), a.Content...)
			out.Attachments[i] = a
		}
	}
	if e.Headers != nil {
		out.Headers = make(map[string][]string, len(e.Headers))
		for k, v := range e.Headers {
			out.Headers[k] = append([]string(nil), v...)
		}
	}
	return &out
}

// EmailRecord is the identity of an email that produced a transaction, kept
// for duplicate detection
type EmailRecord struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"org_id"`
	MessageID   string    `json:"message_id"`
	ContentHash string    `json:"content_hash"`
	Fingerprint string    `json:"fingerprint"`
	Sender      string    `json:"sender"`
	Subject     string    `json:"subject"`
	CreatedAt   time.Time `json:"created_at"`
}
