package entity

// Category names used across the AI and fallback paths
const (
	CategoryOther   = "Other"
	MerchantUnknown = "Unknown"
)

// ReceiptData is the structured content of one receipt. The same shape is
// produced by the AI extractor and the fallback categorizer; FallbackUsed
// tells them apart.
type ReceiptData struct {
	Date         string  `json:"date"`
	Amount       float64 `json:"amount"`
	Currency     string  `json:"currency"`
	Merchant     string  `json:"merchant"`
	Last4        *string `json:"last4"`
	Category     string  `json:"category"`
	Subcategory  string  `json:"subcategory"`
	Notes        string  `json:"notes"`
	Confidence   int     `json:"confidence"`
	Explanation  string  `json:"explanation"`
	FallbackUsed bool    `json:"fallback_used"`
}

// Last4Value returns last4 or the empty string
func (r *ReceiptData) Last4Value() string {
	if r.Last4 == nil {
		return ""
	}
	return *r.Last4
}

// TranslationResult is the output of language normalization
type TranslationResult struct {
	TranslatedText string `json:"translated_text"`
	OriginalText   string `json:"original_text"`
	SourceLanguage string `json:"source_language"`
	Confidence     int    `json:"confidence"`
}

// ExtractedContent is text pulled out of one attachment
type ExtractedContent struct {
	Filename  string `json:"filename"`
	Text      string `json:"text"`
	PageCount int    `json:"page_count,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// ProcessingResult is the per-run result of the AI or fallback path. It is
// not persisted; the derived Transaction is.
type ProcessingResult struct {
	ReceiptData       ReceiptData        `json:"receipt_data"`
	TranslationResult *TranslationResult `json:"translation_result,omitempty"`
	ProcessingTimeMs  int64              `json:"processing_time_ms"`
	AppliedMapping    *MerchantMapping   `json:"applied_mapping,omitempty"`
	FallbackUsed      bool               `json:"fallback_used"`
}
