package entity

import "github.com/garyjia/receipt-pipeline/internal/domain/failure"

// OutcomeKind tags the variant held by a ProcessingOutcome
type OutcomeKind string

const (
	OutcomeFull          OutcomeKind = "full"
	OutcomeFallback      OutcomeKind = "fallback"
	OutcomeDuplicate     OutcomeKind = "duplicate"
	OutcomeTerminalError OutcomeKind = "terminal_error"
)

// DuplicateInfo explains why a run was short-circuited as a duplicate
type DuplicateInfo struct {
	Reason          string `json:"reason"`
	ExistingEmailID string `json:"existing_email_id,omitempty"`
	Confidence      int    `json:"confidence"`
}

// TerminalFailure is the user-visible side of a run that produced nothing
type TerminalFailure struct {
	Kind        failure.Kind `json:"kind"`
	UserMessage string       `json:"user_message"`
}

// ProcessingOutcome is the result of one pipeline run. Exactly one of Result,
// Duplicate or Failure is set, selected by Kind.
type ProcessingOutcome struct {
	Kind          OutcomeKind          `json:"kind"`
	Result        *ProcessingResult    `json:"result,omitempty"`
	Duplicate     *DuplicateInfo       `json:"duplicate,omitempty"`
	Failure       *TerminalFailure     `json:"failure,omitempty"`
	EmailID       string               `json:"email_id"`
	TransactionID string               `json:"transaction_id,omitempty"`
	CorrelationID string               `json:"correlation_id"`
	Flags         []SecurityFlag       `json:"security_flags"`
	Actions       []SanitizationAction `json:"sanitization_actions"`
	States        []string             `json:"states"`
	ElapsedMs     int64                `json:"elapsed_ms"`
}

// FullOutcome wraps a result produced by the AI path
func FullOutcome(result *ProcessingResult) ProcessingOutcome {
	return ProcessingOutcome{Kind: OutcomeFull, Result: result}
}

// FallbackOutcome wraps a result produced by the fallback path
func FallbackOutcome(result *ProcessingResult) ProcessingOutcome {
	result.FallbackUsed = true
	result.ReceiptData.FallbackUsed = true
	return ProcessingOutcome{Kind: OutcomeFallback, Result: result}
}

// DuplicateOutcome reports a short-circuited duplicate
func DuplicateOutcome(info DuplicateInfo) ProcessingOutcome {
	return ProcessingOutcome{Kind: OutcomeDuplicate, Duplicate: &info}
}

// TerminalOutcome reports a run that could not produce anything reviewable
func TerminalOutcome(kind failure.Kind) ProcessingOutcome {
	return ProcessingOutcome{
		Kind:    OutcomeTerminalError,
		Failure: &TerminalFailure{Kind: kind, UserMessage: failure.UserMessage(kind)},
	}
}

// Succeeded is true for the variants that carry receipt data
func (o ProcessingOutcome) Succeeded() bool {
	return o.Kind == OutcomeFull || o.Kind == OutcomeFallback
}
