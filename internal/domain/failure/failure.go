// Package failure defines the closed set of error kinds the receipt pipeline
// reports, and the typed error that carries them.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a pipeline error
type Kind string

const (
	KindHmacVerificationFailed Kind = "HMAC_VERIFICATION_FAILED"
	KindEmailParseFailed       Kind = "EMAIL_PARSE_FAILED"
	KindTranslationFailed      Kind = "TRANSLATION_FAILED"
	KindExtractionFailed       Kind = "EXTRACTION_FAILED"
	KindRateLimitExceeded      Kind = "RATE_LIMIT_EXCEEDED"
	KindDatabaseError          Kind = "DATABASE_ERROR"
	KindCircuitOpen            Kind = "CIRCUIT_OPEN"
	KindValidationFailed       Kind = "VALIDATION_FAILED"
	KindTimeout                Kind = "TIMEOUT"
	KindUnknown                Kind = "UNKNOWN"
)

var validKinds = map[Kind]bool{
	KindHmacVerificationFailed: true,
	KindEmailParseFailed:       true,
	KindTranslationFailed:      true,
	KindExtractionFailed:       true,
	KindRateLimitExceeded:      true,
	KindDatabaseError:          true,
	KindCircuitOpen:            true,
	KindValidationFailed:       true,
	KindTimeout:                true,
	KindUnknown:                true,
}

// userMessages never include internal detail; they are safe to show end users
var userMessages = map[Kind]string{
	KindHmacVerificationFailed: "The request could not be authenticated.",
	KindEmailParseFailed:       "We had trouble reading your receipt email.",
	KindTranslationFailed:      "We had trouble understanding the language of your receipt.",
	KindExtractionFailed:       "We could not extract the receipt details automatically.",
	KindRateLimitExceeded:      "Too many requests. Please try again later.",
	KindDatabaseError:          "We could not save your receipt. Please try again later.",
	KindCircuitOpen:            "Receipt processing is temporarily degraded. Please try again later.",
	KindValidationFailed:       "The receipt details did not pass validation.",
	KindTimeout:                "Receipt processing took too long. Please try again later.",
	KindUnknown:                "Something went wrong while processing your receipt.",
}

// String returns the string representation of the kind
func (k Kind) String() string {
	return string(k)
}

// IsValid returns true if the kind is one of the declared kinds
func (k Kind) IsValid() bool {
	return validKinds[k]
}

// Error is a classified pipeline error
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// New creates a classified error without a cause
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: err.Error(), Err: err}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, failure.New(KindCircuitOpen, "", ""))
// works regardless of op or message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf classifies any error. Context deadlines map to KindTimeout, anything
// unclassified maps to KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Kind.IsValid() {
			return fe.Kind
		}
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// UserMessage returns the stable, end-user facing message for a kind
func UserMessage(kind Kind) string {
	if msg, ok := userMessages[kind]; ok {
		return msg
	}
	return userMessages[KindUnknown]
}
