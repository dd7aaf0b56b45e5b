// Package resilience provides retry with exponential backoff, per-operation
// circuit breaking and chunked batch execution.
package resilience

import (
	"math"
	"time"

	"github.com/garyjia/receipt-pipeline/internal/domain/failure"
)

// Policy names used by the pipeline
const (
	PolicyAITranslation = "ai_translation"
	PolicyAIExtraction  = "ai_extraction"
	PolicyDatabase      = "database"
	PolicyNotification  = "notification"
	PolicyDefault       = "default"
)

// Policy is a named retry configuration
type Policy struct {
	Name       string
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // cap on the exponential part
	Multiplier float64
	Jitter     time.Duration // upper bound of the random addition
	Retryable  []failure.Kind
}

// Override adjusts a policy for a single call
type Override func(*Policy)

// WithMaxRetries overrides the retry budget
func WithMaxRetries(n int) Override {
	return func(p *Policy) { p.MaxRetries = n }
}

// WithBaseDelay overrides the base delay
func WithBaseDelay(d time.Duration) Override {
	return func(p *Policy) { p.BaseDelay = d }
}

// WithMaxDelay overrides the delay cap
func WithMaxDelay(d time.Duration) Override {
	return func(p *Policy) { p.MaxDelay = d }
}

// WithJitter overrides the jitter bound
func WithJitter(d time.Duration) Override {
	return func(p *Policy) { p.Jitter = d }
}

// WithRetryable replaces the retryable kinds
func WithRetryable(kinds ...failure.Kind) Override {
	return func(p *Policy) { p.Retryable = kinds }
}

// DefaultPolicies returns the built-in named policies
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		PolicyAITranslation: {
			Name:       PolicyAITranslation,
			MaxRetries: 3,
			BaseDelay:  1 * time.Second,
			MaxDelay:   10 * time.Second,
			Multiplier: 2,
			Jitter:     500 * time.Millisecond,
			Retryable: []failure.Kind{
				failure.KindTranslationFailed,
				failure.KindRateLimitExceeded,
				failure.KindTimeout,
			},
		},
		PolicyAIExtraction: {
			Name:       PolicyAIExtraction,
			MaxRetries: 3,
			BaseDelay:  1 * time.Second,
			MaxDelay:   10 * time.Second,
			Multiplier: 2,
			Jitter:     500 * time.Millisecond,
			Retryable: []failure.Kind{
				failure.KindExtractionFailed,
				failure.KindValidationFailed,
				failure.KindRateLimitExceeded,
				failure.KindTimeout,
			},
		},
		PolicyDatabase: {
			Name:       PolicyDatabase,
			MaxRetries: 2,
			BaseDelay:  100 * time.Millisecond,
			MaxDelay:   1 * time.Second,
			Multiplier: 2,
			Jitter:     50 * time.Millisecond,
			Retryable: []failure.Kind{
				failure.KindDatabaseError,
				failure.KindTimeout,
			},
		},
		PolicyNotification: {
			Name:       PolicyNotification,
			MaxRetries: 2,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   5 * time.Second,
			Multiplier: 2,
			Jitter:     250 * time.Millisecond,
			Retryable: []failure.Kind{
				failure.KindRateLimitExceeded,
				failure.KindTimeout,
				failure.KindUnknown,
			},
		},
		PolicyDefault: {
			Name:       PolicyDefault,
			MaxRetries: 1,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   2 * time.Second,
			Multiplier: 2,
			Retryable:  []failure.Kind{failure.KindTimeout},
		},
	}
}

// IsRetryable reports whether errors of kind may be retried under p
func (p Policy) IsRetryable(kind failure.Kind) bool {
	for _, k := range p.Retryable {
		if k == kind {
			return true
		}
	}
	return false
}

// Backoff returns min(base * multiplier^attempt, max), without jitter.
// attempt is zero-based: the delay after the first failure uses attempt 0.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}

	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
