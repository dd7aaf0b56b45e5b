package pipeline

// Trigger is an event that moves a run to its next state
type Trigger string

const (
	TriggerValidate           Trigger = "VALIDATE"
	TriggerParse              Trigger = "PARSE"
	TriggerCheckDuplicate     Trigger = "CHECK_DUPLICATE"
	TriggerDuplicateFound     Trigger = "DUPLICATE_FOUND"
	TriggerSanitize           Trigger = "SANITIZE"
	TriggerProcessAttachments Trigger = "PROCESS_ATTACHMENTS"
	TriggerResolveChain       Trigger = "RESOLVE_CHAIN"
	TriggerNormalize          Trigger = "NORMALIZE"
	TriggerExtract            Trigger = "EXTRACT"
	TriggerApplyMapping       Trigger = "APPLY_MAPPING"
	TriggerUseFallback        Trigger = "USE_FALLBACK"
	TriggerCreateTransaction  Trigger = "CREATE_TRANSACTION"
	TriggerNotify             Trigger = "NOTIFY"
	TriggerFinish             Trigger = "FINISH"
	TriggerFail               Trigger = "FAIL"
)

// String returns the string representation of the trigger
func (t Trigger) String() string {
	return string(t)
}
