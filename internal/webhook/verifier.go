// Package webhook authenticates inbound email webhooks from mail providers.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/domain/failure"
)

const (
	opVerify = "webhook.verify"

	// DefaultReplayWindow is how far a signed timestamp may drift from now
	DefaultReplayWindow = 5 * time.Minute
)

// Supported providers
const (
	ProviderMailgun  = "mailgun"
	ProviderGeneric  = "generic"
	ProviderPostmark = "postmark"
)

// Signature headers per provider
const (
	HeaderMailgunTimestamp = "X-Mailgun-Timestamp"
	HeaderMailgunToken     = "X-Mailgun-Token"
	HeaderMailgunSignature = "X-Mailgun-Signature"
	HeaderTimestamp        = "X-Webhook-Timestamp"
	HeaderSignature        = "X-Webhook-Signature"
	HeaderPostmark         = "X-Postmark-Signature"
)

// Verifier checks provider HMAC signatures
type Verifier struct {
	secrets map[string]string
	window  time.Duration
	logger  *zap.Logger
}

// NewVerifier creates a verifier. secrets maps provider name to signing key;
// a provider without a key is rejected.
func NewVerifier(secrets map[string]string, window time.Duration, logger *zap.Logger) *Verifier {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	copied := make(map[string]string, len(secrets))
	for k, v := range secrets {
		copied[strings.ToLower(k)] = v
	}
	return &Verifier{secrets: copied, window: window, logger: logger}
}

// Verify authenticates body as sent by provider at now
func (v *Verifier) Verify(provider string, headers http.Header, body []byte, now time.Time) error {
	provider = strings.ToLower(provider)
	secret, ok := v.secrets[provider]
	if !ok || secret == "" {
		return v.reject(provider, "no signing key configured for provider")
	}

	switch provider {
	case ProviderMailgun:
		ts := headers.Get(HeaderMailgunTimestamp)
		token := headers.Get(HeaderMailgunToken)
		if err := v.checkTimestamp(provider, ts, now); err != nil {
			return err
		}
		if token == "" {
			return v.reject(provider, "missing token")
		}
		expected := sign(secret, []byte(ts+token))
		return v.compareHex(provider, headers.Get(HeaderMailgunSignature), expected)

	case ProviderGeneric:
		ts := headers.Get(HeaderTimestamp)
		if err := v.checkTimestamp(provider, ts, now); err != nil {
			return err
		}
		payload := make([]byte, 0, len(ts)+1+len(body))
		payload = append(payload, ts...)
		payload = append(payload, '.')
		payload = append(payload, body...)
		got := strings.TrimPrefix(headers.Get(HeaderSignature), "sha256=")
		return v.compareHex(provider, got, sign(secret, payload))

	case ProviderPostmark:
		got, err := base64.StdEncoding.DecodeString(headers.Get(HeaderPostmark))
		if err != nil || len(got) == 0 {
			return v.reject(provider, "missing or malformed signature")
		}
		if !hmac.Equal(got, sign(secret, body)) {
			return v.reject(provider, "signature mismatch")
		}
		return nil
	}

	return v.reject(provider, "unsupported provider")
}

func (v *Verifier) checkTimestamp(provider, raw string, now time.Time) error {
	if raw == "" {
		return v.reject(provider, "missing timestamp")
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return v.reject(provider, "malformed timestamp")
	}
	skew := now.Sub(time.Unix(secs, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.window {
		return v.reject(provider, "timestamp outside replay window")
	}
	return nil
}

func (v *Verifier) compareHex(provider, got string, expected []byte) error {
	decoded, err := hex.DecodeString(strings.TrimSpace(got))
	if err != nil || len(decoded) == 0 {
		return v.reject(provider, "missing or malformed signature")
	}
	if !hmac.Equal(decoded, expected) {
		return v.reject(provider, "signature mismatch")
	}
	return nil
}

func (v *Verifier) reject(provider, reason string) error {
	v.logger.Warn("Webhook verification failed",
		zap.String("provider", provider),
		zap.String("reason", reason))
	return failure.New(failure.KindHmacVerificationFailed, opVerify, fmt.Sprintf("%s: %s", provider, reason))
}

func sign(secret string, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}
