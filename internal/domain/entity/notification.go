package entity

// NotificationType classifies a notification
type NotificationType string

const (
	NotificationSecurityAlert NotificationType = "SECURITY_ALERT"
	NotificationReviewNeeded  NotificationType = "REVIEW_NEEDED"
	NotificationProcessed     NotificationType = "RECEIPT_PROCESSED"
	NotificationFailure       NotificationType = "PROCESSING_FAILED"
)

// Notification is a message for a user or the administrators of an org
type Notification struct {
	Type          NotificationType  `json:"type"`
	OrgID         string            `json:"org_id"`
	Title         string            `json:"title"`
	Message       string            `json:"message"`
	EmailID       string            `json:"email_id,omitempty"`
	TransactionID string            `json:"transaction_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}
