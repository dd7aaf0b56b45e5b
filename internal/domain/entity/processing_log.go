package entity

import "time"

// StepStatus is the status of one pipeline step in the audit log
type StepStatus string

const (
	StepStarted   StepStatus = "started"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// ProcessingLog is one audit row for a pipeline step
type ProcessingLog struct {
	ID            int64                  `json:"id"`
	OrgID         string                 `json:"org_id"`
	EmailID       string                 `json:"email_id"`
	Step          string                 `json:"step"`
	Status        StepStatus             `json:"status"`
	Details       map[string]interface{} `json:"details,omitempty"`
	CorrelationID string                 `json:"correlation_id"`
	ElapsedMs     *int64                 `json:"elapsed_ms,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}
