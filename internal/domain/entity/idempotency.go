package entity

import "time"

// IdempotencyRecord marks an (org, alias, message id) triple as seen. It is
// unique on that triple and only deleted by retention cleanup.
type IdempotencyRecord struct {
	ID            string    `json:"id"`
	OrgID         string    `json:"org_id"`
	Alias         string    `json:"alias"`
	MessageID     string    `json:"message_id"`
	EmailID       *string   `json:"email_id,omitempty"`
	RawRef        *string   `json:"raw_ref,omitempty"`
	Provider      string    `json:"provider"`
	ProcessedAt   time.Time `json:"processed_at"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
}
