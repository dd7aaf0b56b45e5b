package port

import (
	"context"

	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
)

// LanguageNormalizer detects the language of receipt text and translates it
// to English
type LanguageNormalizer interface {
	Normalize(ctx context.Context, text string) (*entity.TranslationResult, error)
}

// DataExtractor turns normalized receipt text into structured fields
type DataExtractor interface {
	Extract(ctx context.Context, normalizedText string) (*entity.ReceiptData, error)
}

// MessageSender delivers a plain text message to a chat or user
type MessageSender interface {
	SendText(ctx context.Context, receiveID, content string) error
}

// AuditSink records pipeline steps. It never fails the caller.
type AuditSink interface {
	LogStep(ctx context.Context, entry *entity.ProcessingLog)
}

// Notifier delivers notifications on a best-effort basis
type Notifier interface {
	NotifyUser(ctx context.Context, userID string, n *entity.Notification) error
	NotifyAdministrators(ctx context.Context, n *entity.Notification) error
}

// EmailParser turns a raw RFC 5322 message into a ParsedEmail
type EmailParser interface {
	Parse(raw []byte) (*entity.ParsedEmail, error)
}
