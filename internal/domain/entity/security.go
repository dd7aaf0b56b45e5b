package entity

// SecurityFlagType identifies the kind of threat a flag reports
type SecurityFlagType string

const (
	FlagPhishingAttempt     SecurityFlagType = "phishing_attempt"
	FlagSuspiciousLinks     SecurityFlagType = "suspicious_links"
	FlagFinancialFraud      SecurityFlagType = "financial_fraud"
	FlagMaliciousCode       SecurityFlagType = "malicious_code"
	FlagOversizedAttachment SecurityFlagType = "oversized_attachment"
	FlagDangerousFileType   SecurityFlagType = "dangerous_file_type"
	FlagSuspiciousSender    SecurityFlagType = "suspicious_sender"
)

// Severity grades a security flag
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Location names the part of the email a flag or action refers to
type Location string

const (
	LocationTextContent Location = "text_content"
	LocationHTMLContent Location = "html_content"
	LocationAttachment  Location = "attachment"
	LocationSender      Location = "sender"
	LocationSubject     Location = "subject"
)

// SecurityFlag is an advisory finding raised during sanitization
type SecurityFlag struct {
	Type        SecurityFlagType `json:"type"`
	Severity    Severity         `json:"severity"`
	Description string           `json:"description"`
	Location    Location         `json:"location"`
}

// ActionType identifies the kind of change sanitization made
type ActionType string

const (
	ActionRedaction      ActionType = "redaction"
	ActionRemoval        ActionType = "removal"
	ActionNeutralization ActionType = "neutralization"
)

// SanitizationAction records one change sanitization made to an email
type SanitizationAction struct {
	Type        ActionType `json:"type"`
	Description string     `json:"description"`
	Location    Location   `json:"location"`
}

// HasHighSeverity reports whether any flag is high severity
func HasHighSeverity(flags []SecurityFlag) bool {
	for _, f := range flags {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}
