package pipeline

// State is a stage of one pipeline run
type State string

const (
	StateStart                State = "START"
	StateInputValidated       State = "INPUT_VALIDATED"
	StateParsed               State = "PARSED"
	StateDuplicateChecked     State = "DUPLICATE_CHECKED"
	StateSanitized            State = "SANITIZED"
	StateAttachmentsProcessed State = "ATTACHMENTS_PROCESSED"
	StateChainResolved        State = "CHAIN_RESOLVED"
	StateAINormalized         State = "AI_NORMALIZED"
	StateAIExtracted          State = "AI_EXTRACTED"
	StateMappingApplied       State = "MAPPING_APPLIED"
	StateFallbackPath         State = "FALLBACK_PATH"
	StateTransactionCreated   State = "TRANSACTION_CREATED"
	StateNotificationsSent    State = "NOTIFICATIONS_SENT"
	StateComplete             State = "COMPLETE"
	StateFailed               State = "FAILED"
)

var validStates = map[State]bool{
	StateStart:                true,
	StateInputValidated:       true,
	StateParsed:               true,
	StateDuplicateChecked:     true,
	StateSanitized:            true,
	StateAttachmentsProcessed: true,
	StateChainResolved:        true,
	StateAINormalized:         true,
	StateAIExtracted:          true,
	StateMappingApplied:       true,
	StateFallbackPath:         true,
	StateTransactionCreated:   true,
	StateNotificationsSent:    true,
	StateComplete:             true,
	StateFailed:               true,
}

var terminalStates = map[State]bool{
	StateComplete: true,
	StateFailed:   true,
}

// IsTerminal returns true if no transition leaves the state
func (s State) IsTerminal() bool {
	return terminalStates[s]
}

// String returns the string representation of the state
func (s State) String() string {
	return string(s)
}

// IsValid returns true if the state is a declared pipeline state
func (s State) IsValid() bool {
	return validStates[s]
}
