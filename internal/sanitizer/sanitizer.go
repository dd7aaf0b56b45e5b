// Package sanitizer scans inbound emails for security threats. It redacts,
// removes or neutralizes dangerous content and reports every change.
package sanitizer

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/attachment"
	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
	"github.com/garyjia/receipt-pipeline/internal/redact"
)

// Defaults for Config
const (
	DefaultMaxAttachmentSize  = 10 * 1024 * 1024
	DefaultMaxReceivedHeaders = 10
)

// Config tunes the sanitizer
type Config struct {
	MaxAttachmentSize  int64
	MaxReceivedHeaders int
	DisposableDomains  []string
}

// DefaultConfig returns the production limits
func DefaultConfig() Config {
	return Config{
		MaxAttachmentSize:  DefaultMaxAttachmentSize,
		MaxReceivedHeaders: DefaultMaxReceivedHeaders,
		DisposableDomains:  DefaultDisposableDomains,
	}
}

// Result is the sanitized copy of an email plus the audit trail
type Result struct {
	Email   *entity.ParsedEmail
	Flags   []entity.SecurityFlag
	Actions []entity.SanitizationAction
}

// Sanitizer is safe for concurrent use
type Sanitizer struct {
	cfg        Config
	disposable map[string]bool
	logger     *zap.Logger
}

// New creates a sanitizer. Zero limits in cfg fall back to the defaults.
func New(cfg Config, logger *zap.Logger) *Sanitizer {
	if cfg.MaxAttachmentSize <= 0 {
		cfg.MaxAttachmentSize = DefaultMaxAttachmentSize
	}
	if cfg.MaxReceivedHeaders <= 0 {
		cfg.MaxReceivedHeaders = DefaultMaxReceivedHeaders
	}
	if cfg.DisposableDomains == nil {
		cfg.DisposableDomains = DefaultDisposableDomains
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	disposable := make(map[string]bool, len(cfg.DisposableDomains))
	for _, d := range cfg.DisposableDomains {
		disposable[strings.ToLower(strings.TrimSpace(d))] = true
	}
	return &Sanitizer{cfg: cfg, disposable: disposable, logger: logger}
}

// report accumulates flags and actions for one run
type report struct {
	flags   []entity.SecurityFlag
	actions []entity.SanitizationAction
}

func (r *report) flag(t entity.SecurityFlagType, sev entity.Severity, loc entity.Location, format string, args ...interface{}) {
	r.flags = append(r.flags, entity.SecurityFlag{
		Type:        t,
		Severity:    sev,
		Description: fmt.Sprintf(format, args...),
		Location:    loc,
	})
}

func (r *report) action(t entity.ActionType, loc entity.Location, format string, args ...interface{}) {
	r.actions = append(r.actions, entity.SanitizationAction{
		Type:        t,
		Description: fmt.Sprintf(format, args...),
		Location:    loc,
	})
}

// Sanitize returns a sanitized copy of email. The input is never modified.
// Flags are advisory: only attachments that fail validation are dropped.
func (s *Sanitizer) Sanitize(ctx context.Context, email *entity.ParsedEmail, orgID, correlationID string) Result {
	if email == nil {
		return Result{Email: &entity.ParsedEmail{}}
	}

	out := email.Clone()
	rep := &report{}

	out.Text = s.sanitizeText(out.Text, entity.LocationTextContent, rep)
	out.Subject = s.sanitizeText(out.Subject, entity.LocationSubject, rep)
	out.HTML = s.sanitizeHTML(out.HTML, rep)
	out.Attachments = s.validateAttachments(out.Attachments, rep)
	s.validateSender(out, rep)

	s.logger.Info("Email sanitized",
		zap.String("org_id", orgID),
		zap.String("correlation_id", correlationID),
		zap.Int("flags", len(rep.flags)),
		zap.Int("actions", len(rep.actions)),
		zap.Int("attachments_kept", len(out.Attachments)),
		zap.Int("attachments_dropped", len(email.Attachments)-len(out.Attachments)))

	return Result{Email: out, Flags: rep.flags, Actions: rep.actions}
}

// sanitizeText strips embedded scripts, neutralizes dangerous URIs, flags
// suspicious phrases and redacts PII
func (s *Sanitizer) sanitizeText(text string, loc entity.Location, rep *report) string {
	if text == "" {
		return text
	}

	if n := len(scriptBlockRe.FindAllStringIndex(text, -1)); n > 0 {
		text = scriptBlockRe.ReplaceAllString(text, "")
		rep.flag(entity.FlagMaliciousCode, entity.SeverityHigh, loc, "embedded script block (%d)", n)
		rep.action(entity.ActionRemoval, loc, "removed %d script block(s)", n)
	}
	if n := len(scriptOpenRe.FindAllStringIndex(text, -1)); n > 0 {
		text = scriptOpenRe.ReplaceAllString(text, "")
		rep.flag(entity.FlagMaliciousCode, entity.SeverityHigh, loc, "unterminated script tag (%d)", n)
		rep.action(entity.ActionRemoval, loc, "removed %d script tag(s)", n)
	}

	if n := len(dangerousURIRe.FindAllStringIndex(text, -1)); n > 0 {
		text = dangerousURIRe.ReplaceAllString(text, neutralizedScheme)
		rep.flag(entity.FlagMaliciousCode, entity.SeverityHigh, loc, "dangerous URI scheme (%d)", n)
		rep.action(entity.ActionNeutralization, loc, "neutralized %d dangerous URI(s)", n)
	}

	for _, p := range suspiciousPhrases {
		if p.re.MatchString(text) {
			rep.flag(p.flag, p.severity, loc, "suspicious phrase: %s", p.description)
		}
	}

	redacted, findings := redact.RedactWithFindings(text)
	for _, f := range findings {
		rep.action(entity.ActionRedaction, loc, "redacted %d %s value(s)", f.Count, f.Kind)
	}
	return redacted
}

func (s *Sanitizer) validateAttachments(atts []entity.EmailAttachment, rep *report) []entity.EmailAttachment {
	if len(atts) == 0 {
		return atts
	}

	kept := make([]entity.EmailAttachment, 0, len(atts))
	for _, att := range atts {
		size := att.Size
		if size < int64(len(att.Content)) {
			size = int64(len(att.Content))
		}
		name := att.Filename
		if name == "" {
			name = "(unnamed)"
		}

		switch {
		case size > s.cfg.MaxAttachmentSize:
			rep.flag(entity.FlagOversizedAttachment, entity.SeverityMedium, entity.LocationAttachment,
				"attachment %s is %d bytes (limit %d)", name, size, s.cfg.MaxAttachmentSize)
			rep.action(entity.ActionRemoval, entity.LocationAttachment, "removed oversized attachment %s", name)

		case isBlockedType(att):
			rep.flag(entity.FlagDangerousFileType, entity.SeverityHigh, entity.LocationAttachment,
				"attachment %s has a blocked file type", name)
			rep.action(entity.ActionRemoval, entity.LocationAttachment, "removed dangerous attachment %s", name)

		case attachment.IsPDF(att) && len(attachment.ActiveContentMarkers(att.Content)) > 0:
			markers := attachment.ActiveContentMarkers(att.Content)
			rep.flag(entity.FlagMaliciousCode, entity.SeverityHigh, entity.LocationAttachment,
				"PDF %s contains active content %s", name, strings.Join(markers, ", "))
			rep.action(entity.ActionRemoval, entity.LocationAttachment, "removed PDF with active content %s", name)

		default:
			kept = append(kept, att)
		}
	}
	return kept
}

func isBlockedType(att entity.EmailAttachment) bool {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(att.ContentType, ";", 2)[0]))
	if blockedContentTypes[ct] {
		return true
	}
	name := strings.ToLower(strings.TrimSpace(att.Filename))
	if i := strings.LastIndex(name, "."); i >= 0 && blockedExtensions[name[i:]] {
		return true
	}
	return false
}

func (s *Sanitizer) validateSender(email *entity.ParsedEmail, rep *report) {
	if domain := senderDomain(email.From); domain != "" && s.isDisposable(domain) {
		rep.flag(entity.FlagSuspiciousSender, entity.SeverityMedium, entity.LocationSender,
			"sender uses disposable email domain %s", domain)
	}
	if n := len(email.HeaderValues("Received")); n > s.cfg.MaxReceivedHeaders {
		rep.flag(entity.FlagSuspiciousSender, entity.SeverityLow, entity.LocationSender,
			"unusually long relay chain (%d Received headers)", n)
	}
}

func (s *Sanitizer) isDisposable(domain string) bool {
	for d := domain; d != ""; {
		if s.disposable[d] {
			return true
		}
		i := strings.Index(d, ".")
		if i < 0 {
			break
		}
		d = d[i+1:]
	}
	return false
}

func senderDomain(from string) string {
	addr := from
	if parsed, err := mail.ParseAddress(from); err == nil {
		addr = parsed.Address
	}
	i := strings.LastIndex(addr, "@")
	if i < 0 {
		return ""
	}
	return strings.ToLower(strings.Trim(addr[i+1:], " >"))
}
