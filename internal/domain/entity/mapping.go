package entity

import "time"

// MerchantMapping is a learned override of category data for a merchant.
// MerchantName is stored normalized (lower case, single spaces).
type MerchantMapping struct {
	ID           int64     `json:"id" db:"id"`
	OrgID        string    `json:"org_id" db:"org_id"`
	MerchantName string    `json:"merchant_name" db:"merchant_name"`
	DisplayName  string    `json:"display_name,omitempty" db:"display_name"`
	Category     string    `json:"category" db:"category"`
	Subcategory  string    `json:"subcategory,omitempty" db:"subcategory"`
	UsageCount   int       `json:"usage_count" db:"usage_count"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}
