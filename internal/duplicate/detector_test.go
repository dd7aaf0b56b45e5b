package duplicate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
)

type mockHistoryRepo struct {
	records        []*entity.EmailRecord
	messageIDErr   error
	contentErr     error
	fingerprintErr error
	lastSince      time.Time
}

func (m *mockHistoryRepo) Create(ctx context.Context, rec *entity.EmailRecord) error {
	m.records = append(m.records, rec)
	return nil
}

func (m *mockHistoryRepo) FindByMessageID(ctx context.Context, orgID, messageID string) (*entity.EmailRecord, error) {
	if m.messageIDErr != nil {
		return nil, m.messageIDErr
	}
	for _, r := range m.records {
		if r.OrgID == orgID && r.MessageID == messageID {
			return r, nil
		}
	}
	return nil, nil
}

func (m *mockHistoryRepo) FindByContentHash(ctx context.Context, orgID, hash string) (*entity.EmailRecord, error) {
	if m.contentErr != nil {
		return nil, m.contentErr
	}
	for _, r := range m.records {
		if r.OrgID == orgID && r.ContentHash == hash {
			return r, nil
		}
	}
	return nil, nil
}

func (m *mockHistoryRepo) FindByFingerprint(ctx context.Context, orgID, fp string, since time.Time) (*entity.EmailRecord, error) {
	m.lastSince = since
	if m.fingerprintErr != nil {
		return nil, m.fingerprintErr
	}
	for _, r := range m.records {
		if r.OrgID == orgID && r.Fingerprint == fp && !r.CreatedAt.Before(since) {
			return r, nil
		}
	}
	return nil, nil
}

var fixedNow = time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestDetector(repo *mockHistoryRepo) *Detector {
	d := NewDetector(repo, 0, zap.NewNop())
	d.now = func() time.Time { return fixedNow }
	return d
}

func receiptEmail() *entity.ParsedEmail {
	return &entity.ParsedEmail{
		MessageID: "<abc@shop.example.com>",
		From:      "Shop <receipts@shop.example.com>",
		Subject:   "Your receipt",
		Text:      "Thanks for shopping.\nTotal: $42.50\n",
	}
}

func TestIsDuplicate_Signals(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(e *entity.ParsedEmail)
		wantDup    bool
		wantReason string
		wantScore  int
	}{
		{
			name:       "same message id",
			mutate:     func(e *entity.ParsedEmail) {},
			wantDup:    true,
			wantReason: ReasonMessageID,
			wantScore:  ScoreMessageID,
		},
		{
			name: "resent with new message id and reformatted body",
			mutate: func(e *entity.ParsedEmail) {
				e.MessageID = "<other@shop.example.com>"
				e.Text = "  THANKS for shopping.   Total: $42.50 "
			},
			wantDup:    true,
			wantReason: ReasonContentHash,
			wantScore:  ScoreContentHash,
		},
		{
			name: "forwarded copy with different body is only flagged",
			mutate: func(e *entity.ParsedEmail) {
				e.MessageID = "<fwd@corp.example>"
				e.Subject = "Fwd: Your receipt"
				e.Text = "see below\n\nTotal: $42.50"
			},
			wantDup:    false,
			wantReason: ReasonFingerprint,
			wantScore:  ScoreFingerprint,
		},
		{
			name: "repeat purchase of the same amount is kept",
			mutate: func(e *entity.ParsedEmail) {
				e.MessageID = "<order-2@shop.example.com>"
				e.Text = "Thanks for shopping again.\nOrder 1002\nTotal: $42.50\n"
			},
			wantDup:    false,
			wantReason: ReasonFingerprint,
			wantScore:  ScoreFingerprint,
		},
		{
			name: "different amount",
			mutate: func(e *entity.ParsedEmail) {
				e.MessageID = "<new@shop.example.com>"
				e.Text = "Total: $18.00"
			},
			wantDup: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockHistoryRepo{}
			d := newTestDetector(repo)
			require.NoError(t, d.Record(context.Background(), receiptEmail(), "org-1", "email-1"))

			e := receiptEmail()
			tt.mutate(e)
			res := d.IsDuplicate(context.Background(), e, "org-1", "corr")

			assert.Equal(t, tt.wantDup, res.IsDuplicate)
			assert.Equal(t, tt.wantReason, res.Reason)
			if tt.wantReason != "" {
				assert.Equal(t, tt.wantScore, res.Confidence)
				assert.Equal(t, "email-1", res.ExistingEmailID)
			}
		})
	}
}

func TestIsDuplicate_FingerprintAloneNeverCrossesThreshold(t *testing.T) {
	assert.Less(t, ScoreFingerprint, Threshold)
	assert.GreaterOrEqual(t, ScoreContentHash, Threshold)
	assert.GreaterOrEqual(t, ScoreMessageID, Threshold)
}

func TestIsDuplicate_OrgIsolation(t *testing.T) {
	repo := &mockHistoryRepo{}
	d := newTestDetector(repo)
	require.NoError(t, d.Record(context.Background(), receiptEmail(), "org-1", "email-1"))

	res := d.IsDuplicate(context.Background(), receiptEmail(), "org-2", "corr")
	assert.False(t, res.IsDuplicate)
}

func TestIsDuplicate_FingerprintWindow(t *testing.T) {
	repo := &mockHistoryRepo{}
	d := newTestDetector(repo)
	require.NoError(t, d.Record(context.Background(), receiptEmail(), "org-1", "email-1"))
	repo.records[0].CreatedAt = fixedNow.Add(-DefaultWindow - time.Hour)

	e := receiptEmail()
	e.MessageID = "<fwd@corp.example>"
	e.Text = "see below\n\nTotal: $42.50"

	res := d.IsDuplicate(context.Background(), e, "org-1", "corr")
	assert.False(t, res.IsDuplicate)
	assert.Empty(t, res.Reason)
	assert.Equal(t, fixedNow.Add(-DefaultWindow), repo.lastSince)
}

func TestIsDuplicate_LookupErrorsSkipSignal(t *testing.T) {
	repo := &mockHistoryRepo{messageIDErr: errors.New("db locked")}
	d := newTestDetector(repo)
	require.NoError(t, d.Record(context.Background(), receiptEmail(), "org-1", "email-1"))

	res := d.IsDuplicate(context.Background(), receiptEmail(), "org-1", "corr")
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, ReasonContentHash, res.Reason)

	repo.contentErr = errors.New("db locked")
	repo.fingerprintErr = errors.New("db locked")
	res = d.IsDuplicate(context.Background(), receiptEmail(), "org-1", "corr")
	assert.False(t, res.IsDuplicate)
	assert.Zero(t, res.Confidence)
}

func TestRecord_RedactsSubject(t *testing.T) {
	repo := &mockHistoryRepo{}
	d := newTestDetector(repo)
	e := receiptEmail()
	e.Subject = "Your code is 123456"

	require.NoError(t, d.Record(context.Background(), e, "org-1", "email-1"))
	require.Len(t, repo.records, 1)
	assert.Equal(t, "Your code is ******", repo.records[0].Subject)
	assert.Equal(t, "receipts@shop.example.com", repo.records[0].Sender)
	assert.NotEmpty(t, repo.records[0].ContentHash)
	assert.NotEmpty(t, repo.records[0].Fingerprint)
}

func TestFingerprint_RequiresSenderAndAmount(t *testing.T) {
	assert.Empty(t, Fingerprint(&entity.ParsedEmail{From: "a@b.example", Text: "no amount"}))
	assert.Empty(t, Fingerprint(&entity.ParsedEmail{Text: "Total $5.00"}))
	assert.NotEmpty(t, Fingerprint(&entity.ParsedEmail{From: "a@b.example", Text: "Total $5.00"}))
}

func TestContentHash_EmptyBody(t *testing.T) {
	assert.Empty(t, ContentHash(&entity.ParsedEmail{Text: "   "}))
}
