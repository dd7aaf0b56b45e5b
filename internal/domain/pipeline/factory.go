package pipeline

// fallbackStates may divert to the fallback path
var fallbackStates = []State{
	StateInputValidated,
	StateSanitized,
	StateAttachmentsProcessed,
	StateChainResolved,
	StateAINormalized,
	StateAIExtracted,
	StateMappingApplied,
}

// NewStateMachine builds the receipt pipeline state machine in StateStart.
//
// The main line runs Start through Complete. A duplicate jumps from
// DuplicateChecked to Complete. Every state from Sanitized up to
// MappingApplied may divert to FallbackPath, which rejoins the main line at
// TransactionCreated. InputValidated diverts there too when the raw message
// cannot be parsed. Input validation, parsing and the transaction store
// are the only failure exits.
func NewStateMachine() StateMachine {
	b := NewBuilder()

	b.Configure(StateStart).
		Permit(TriggerValidate, StateInputValidated).
		Permit(TriggerFail, StateFailed)

	b.Configure(StateInputValidated).
		Permit(TriggerParse, StateParsed).
		Permit(TriggerFail, StateFailed)

	b.Configure(StateParsed).
		Permit(TriggerCheckDuplicate, StateDuplicateChecked).
		Permit(TriggerFail, StateFailed)

	b.Configure(StateDuplicateChecked).
		Permit(TriggerSanitize, StateSanitized).
		Permit(TriggerDuplicateFound, StateComplete)

	b.Configure(StateSanitized).
		Permit(TriggerProcessAttachments, StateAttachmentsProcessed)

	b.Configure(StateAttachmentsProcessed).
		Permit(TriggerResolveChain, StateChainResolved)

	b.Configure(StateChainResolved).
		Permit(TriggerNormalize, StateAINormalized)

	b.Configure(StateAINormalized).
		Permit(TriggerExtract, StateAIExtracted)

	b.Configure(StateAIExtracted).
		Permit(TriggerApplyMapping, StateMappingApplied)

	b.Configure(StateMappingApplied).
		Permit(TriggerCreateTransaction, StateTransactionCreated)

	for _, s := range fallbackStates {
		b.Configure(s).Permit(TriggerUseFallback, StateFallbackPath)
	}

	b.Configure(StateFallbackPath).
		Permit(TriggerCreateTransaction, StateTransactionCreated).
		Permit(TriggerFail, StateFailed)

	b.Configure(StateTransactionCreated).
		Permit(TriggerNotify, StateNotificationsSent).
		Permit(TriggerFinish, StateComplete)

	b.Configure(StateNotificationsSent).
		Permit(TriggerFinish, StateComplete)

	return b.Build(StateStart)
}
