// Package duplicate classifies emails that repeat an already processed
// receipt, using identity and content signals independent of the routing
// alias.
package duplicate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/application/port"
	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
	"github.com/garyjia/receipt-pipeline/internal/forwarding"
	"github.com/garyjia/receipt-pipeline/internal/htmltext"
	"github.com/garyjia/receipt-pipeline/internal/redact"
)

// Reasons reported for a duplicate
const (
	ReasonMessageID   = "message_id"
	ReasonContentHash = "content_hash"
	ReasonFingerprint = "sender_subject_amount"
)

// Signal scores and the duplicate threshold. The fingerprint scores below the
// threshold on its own: a repeat purchase of the same amount from the same
// merchant is reported as a possible duplicate and still processed.
const (
	ScoreMessageID   = 100
	ScoreContentHash = 90
	ScoreFingerprint = 60
	Threshold        = 75
)

// DefaultWindow bounds how far back the fingerprint signal looks
const DefaultWindow = 72 * time.Hour

var amountRe = regexp.MustCompile(`[$€£¥₹]\s?(\d[\d,]*(?:\.\d{1,2})?)|(\d[\d,]*\.\d{2})\b`)

// Result is the duplicate classification of one email
type Result struct {
	IsDuplicate     bool   `json:"is_duplicate"`
	Reason          string `json:"reason,omitempty"`
	ExistingEmailID string `json:"existing_email_id,omitempty"`
	Confidence      int    `json:"confidence"`
}

// Detector scores emails against the org's email history
type Detector struct {
	repo   port.EmailHistoryRepository
	window time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewDetector creates a detector. A non-positive window uses DefaultWindow.
func NewDetector(repo port.EmailHistoryRepository, window time.Duration, logger *zap.Logger) *Detector {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{repo: repo, window: window, logger: logger, now: time.Now}
}

// IsDuplicate scores every available signal and keeps the strongest. Lookup
// errors skip the signal rather than fail the check.
func (d *Detector) IsDuplicate(ctx context.Context, email *entity.ParsedEmail, orgID, correlationID string) Result {
	var best Result
	if email == nil {
		return best
	}

	consider := func(reason string, score int, rec *entity.EmailRecord, err error) {
		if err != nil {
			d.logger.Warn("Duplicate signal lookup failed, skipping",
				zap.String("signal", reason),
				zap.String("org_id", orgID),
				zap.String("correlation_id", correlationID),
				zap.Error(err))
			return
		}
		if rec != nil && score > best.Confidence {
			best = Result{Reason: reason, ExistingEmailID: rec.ID, Confidence: score}
		}
	}

	if id := strings.TrimSpace(email.MessageID); id != "" {
		rec, err := d.repo.FindByMessageID(ctx, orgID, id)
		consider(ReasonMessageID, ScoreMessageID, rec, err)
	}

	if best.Confidence < ScoreContentHash {
		if hash := ContentHash(email); hash != "" {
			rec, err := d.repo.FindByContentHash(ctx, orgID, hash)
			consider(ReasonContentHash, ScoreContentHash, rec, err)
		}
	}

	if best.Confidence < ScoreFingerprint {
		if fp := Fingerprint(email); fp != "" {
			rec, err := d.repo.FindByFingerprint(ctx, orgID, fp, d.now().Add(-d.window))
			consider(ReasonFingerprint, ScoreFingerprint, rec, err)
		}
	}

	best.IsDuplicate = best.Confidence >= Threshold
	if best.IsDuplicate {
		d.logger.Info("Duplicate email detected",
			zap.String("org_id", orgID),
			zap.String("correlation_id", correlationID),
			zap.String("reason", best.Reason),
			zap.Int("confidence", best.Confidence),
			zap.String("existing_email_id", best.ExistingEmailID))
	} else if best.Reason != "" {
		d.logger.Info("Possible duplicate below threshold",
			zap.String("org_id", orgID),
			zap.String("correlation_id", correlationID),
			zap.String("reason", best.Reason),
			zap.Int("confidence", best.Confidence),
			zap.String("existing_email_id", best.ExistingEmailID))
	}
	return best
}

// Record stores the signals of email so later copies are recognised
func (d *Detector) Record(ctx context.Context, email *entity.ParsedEmail, orgID, emailID string) error {
	rec := &entity.EmailRecord{
		ID:          emailID,
		OrgID:       orgID,
		MessageID:   strings.TrimSpace(email.MessageID),
		ContentHash: ContentHash(email),
		Fingerprint: Fingerprint(email),
		Sender:      senderKey(email.From),
		Subject:     redact.Redact(email.Subject),
		CreatedAt:   d.now().UTC(),
	}
	return d.repo.Create(ctx, rec)
}

// ContentHash is the SHA-256 of the normalized body, or "" for an empty body
func ContentHash(email *entity.ParsedEmail) string {
	body := normalize(bodyText(email))
	if body == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// Fingerprint hashes sender, bare subject and the first amount in the body.
// It is "" when sender or amount is missing.
func Fingerprint(email *entity.ParsedEmail) string {
	sender := senderKey(email.From)
	amount := firstAmount(bodyText(email))
	if sender == "" || amount == "" {
		return ""
	}
	subject := normalize(forwarding.BareSubject(email.Subject))
	sum := sha256.Sum256([]byte(sender + "|" + subject + "|" + amount))
	return hex.EncodeToString(sum[:])
}

func bodyText(email *entity.ParsedEmail) string {
	if strings.TrimSpace(email.Text) != "" {
		return email.Text
	}
	if email.HTML == "" {
		return ""
	}
	text, err := htmltext.ToText(email.HTML)
	if err != nil {
		return ""
	}
	return text
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func senderKey(from string) string {
	from = strings.ToLower(strings.TrimSpace(from))
	if i, j := strings.LastIndex(from, "<"), strings.LastIndex(from, ">"); i >= 0 && j > i {
		from = from[i+1 : j]
	}
	return strings.TrimSpace(from)
}

func firstAmount(text string) string {
	m := amountRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	v := m[1]
	if v == "" {
		v = m[2]
	}
	return strings.ReplaceAll(v, ",", "")
}
