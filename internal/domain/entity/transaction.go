package entity

import "time"

// TransactionStatus tracks review state of a stored transaction
type TransactionStatus string

const (
	TransactionStatusPending  TransactionStatus = "PENDING_REVIEW"
	TransactionStatusApproved TransactionStatus = "APPROVED"
	TransactionStatusRejected TransactionStatus = "REJECTED"
)

// Transaction is the persisted result of one processed receipt
type Transaction struct {
	ID            string            `json:"id"`
	OrgID         string            `json:"org_id"`
	EmailID       string            `json:"email_id"`
	Date          string            `json:"date"`
	Amount        float64           `json:"amount"`
	Currency      string            `json:"currency"`
	Merchant      string            `json:"merchant"`
	Last4         *string           `json:"last4,omitempty"`
	Category      string            `json:"category"`
	Subcategory   string            `json:"subcategory"`
	Notes         string            `json:"notes"`
	Confidence    int               `json:"confidence"`
	Explanation   string            `json:"explanation"`
	FallbackUsed  bool              `json:"fallback_used"`
	Status        TransactionStatus `json:"status"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	UpdatedBy     string            `json:"updated_by,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// TransactionFields is the writable part of a transaction
type TransactionFields struct {
	Date          string
	Amount        float64
	Currency      string
	Merchant      string
	Last4         *string
	Category      string
	Subcategory   string
	Notes         string
	Confidence    int
	Explanation   string
	FallbackUsed  bool
	CorrelationID string
}

// FieldsFromReceipt maps receipt data onto transaction fields
func FieldsFromReceipt(r ReceiptData, correlationID string) TransactionFields {
	return TransactionFields{
		Date:          r.Date,
		Amount:        r.Amount,
		Currency:      r.Currency,
		Merchant:      r.Merchant,
		Last4:         r.Last4,
		Category:      r.Category,
		Subcategory:   r.Subcategory,
		Notes:         r.Notes,
		Confidence:    r.Confidence,
		Explanation:   r.Explanation,
		FallbackUsed:  r.FallbackUsed,
		CorrelationID: correlationID,
	}
}

// TransactionUpdate carries a partial update; nil fields are left unchanged
type TransactionUpdate struct {
	Merchant    *string
	Category    *string
	Subcategory *string
	Notes       *string
	Amount      *float64
	Status      *TransactionStatus
}

// DateRange bounds a stats query, inclusive. Dates are YYYY-MM-DD.
type DateRange struct {
	From string
	To   string
}

// TransactionStats summarizes an organization's transactions
type TransactionStats struct {
	Count             int                `json:"count"`
	TotalByCurrency   map[string]float64 `json:"total_by_currency"`
	CountByCategory   map[string]int     `json:"count_by_category"`
	FallbackCount     int                `json:"fallback_count"`
	AverageConfidence float64            `json:"average_confidence"`
}
