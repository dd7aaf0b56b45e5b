package entity

// ForwardedEmailChain describes the forwarding history recovered from an
// email body. It is derived once and not modified afterwards.
type ForwardedEmailChain struct {
	OriginalSender   string   `json:"original_sender"`
	ForwardedBy      []string `json:"forwarded_by"`
	OriginalDate     *string  `json:"original_date,omitempty"`
	OriginalSubject  string   `json:"original_subject,omitempty"`
	ChainDepth       int      `json:"chain_depth"`
	ExtractedContent string   `json:"extracted_content"`
}
