package utils

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MaxAmount is the largest receipt amount accepted without review
const MaxAmount = 1_000_000

var (
	emailRegex    = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)
	last4Regex    = regexp.MustCompile(`^\d{4}$`)
	controlRegex  = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
)

// ValidateEmail validates an email address
func ValidateEmail(email string) error {
	if !emailRegex.MatchString(email) {
		return fmt.Errorf("invalid email format")
	}
	return nil
}

// ValidateAmount validates a receipt amount
func ValidateAmount(amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive: %.2f", amount)
	}
	if amount > MaxAmount {
		return fmt.Errorf("amount exceeds maximum limit: %.2f", amount)
	}
	return nil
}

// ValidateCurrency checks for an upper-case ISO 4217 style code
func ValidateCurrency(code string) error {
	if !currencyRegex.MatchString(code) {
		return fmt.Errorf("currency must be a 3-letter code: %q", code)
	}
	return nil
}

// ValidateISODate checks for a real calendar date in YYYY-MM-DD form
func ValidateISODate(date string) error {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return fmt.Errorf("date must be YYYY-MM-DD: %q", date)
	}
	return nil
}

// ValidateLast4 accepts nil or exactly four digits
func ValidateLast4(last4 *string) error {
	if last4 == nil {
		return nil
	}
	if !last4Regex.MatchString(*last4) {
		return fmt.Errorf("last4 must be exactly 4 digits")
	}
	return nil
}

// ValidateConfidence checks the 0-100 range
func ValidateConfidence(c int) error {
	if c < 0 || c > 100 {
		return fmt.Errorf("confidence out of range: %d", c)
	}
	return nil
}

// SanitizeString removes control characters, keeping tabs and newlines
func SanitizeString(s string) string {
	return controlRegex.ReplaceAllString(s, "")
}

// NormalizeName lower-cases s and collapses runs of whitespace
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
