package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/application/port"
	"github.com/garyjia/receipt-pipeline/internal/attachment"
	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
	"github.com/garyjia/receipt-pipeline/internal/domain/failure"
	"github.com/garyjia/receipt-pipeline/internal/duplicate"
	"github.com/garyjia/receipt-pipeline/internal/fallback"
	"github.com/garyjia/receipt-pipeline/internal/idempotency"
	"github.com/garyjia/receipt-pipeline/internal/redact"
	"github.com/garyjia/receipt-pipeline/internal/resilience"
	"github.com/garyjia/receipt-pipeline/internal/sanitizer"
	"github.com/garyjia/receipt-pipeline/pkg/utils"
)

// Mocks

type mockIdempotency struct {
	mu        sync.Mutex
	checkFunc func(in idempotency.CheckInput) idempotency.CheckResult
	checks    int
	updates   []string
}

func (m *mockIdempotency) Check(ctx context.Context, in idempotency.CheckInput) idempotency.CheckResult {
	m.mu.Lock()
	m.checks++
	m.mu.Unlock()
	if m.checkFunc != nil {
		return m.checkFunc(in)
	}
	return idempotency.CheckResult{ShouldProcess: true, Reason: idempotency.ReasonNew, RecordID: "rec-1"}
}

func (m *mockIdempotency) UpdateWithEmailID(ctx context.Context, recordID, emailID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, recordID+":"+emailID)
}

type mockDuplicates struct {
	mu              sync.Mutex
	isDuplicateFunc func(email *entity.ParsedEmail) duplicate.Result
	calls           int
	recorded        []string
}

func (m *mockDuplicates) IsDuplicate(ctx context.Context, email *entity.ParsedEmail, orgID, correlationID string) duplicate.Result {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.isDuplicateFunc != nil {
		return m.isDuplicateFunc(email)
	}
	return duplicate.Result{}
}

func (m *mockDuplicates) Record(ctx context.Context, email *entity.ParsedEmail, orgID, emailID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = append(m.recorded, emailID)
	return nil
}

type mockNormalizer struct {
	mu            sync.Mutex
	normalizeFunc func(ctx context.Context, text string) (*entity.TranslationResult, error)
	calls         int
	lastInput     string
}

func (m *mockNormalizer) Normalize(ctx context.Context, text string) (*entity.TranslationResult, error) {
	m.mu.Lock()
	m.calls++
	m.lastInput = text
	m.mu.Unlock()
	if m.normalizeFunc != nil {
		return m.normalizeFunc(ctx, text)
	}
	return &entity.TranslationResult{TranslatedText: text, OriginalText: text, SourceLanguage: "en", Confidence: 95}, nil
}

func (m *mockNormalizer) input() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastInput
}

type mockExtractor struct {
	mu          sync.Mutex
	extractFunc func(ctx context.Context, text string) (*entity.ReceiptData, error)
	calls       int
}

func (m *mockExtractor) Extract(ctx context.Context, text string) (*entity.ReceiptData, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.extractFunc != nil {
		return m.extractFunc(ctx, text)
	}
	return &entity.ReceiptData{
		Date:        "2024-03-14",
		Amount:      42.5,
		Currency:    "usd",
		Merchant:    "Coffee Corner",
		Category:    "Meals",
		Confidence:  92,
		Explanation: "Total line and merchant header found",
	}, nil
}

type mockTransactions struct {
	mu         sync.Mutex
	createFunc func(call int, fields entity.TransactionFields) error
	calls      int
	created    []entity.TransactionFields
}

func (m *mockTransactions) Create(ctx context.Context, orgID, emailID string, fields entity.TransactionFields) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.createFunc != nil {
		if err := m.createFunc(m.calls, fields); err != nil {
			return "", err
		}
	}
	m.created = append(m.created, fields)
	return fmt.Sprintf("tx-%d", len(m.created)), nil
}

func (m *mockTransactions) Get(ctx context.Context, id, orgID string) (*entity.Transaction, error) {
	return nil, nil
}

func (m *mockTransactions) Update(ctx context.Context, id, orgID, userID string, upd entity.TransactionUpdate) (bool, error) {
	return false, nil
}

func (m *mockTransactions) Stats(ctx context.Context, orgID string, rng *entity.DateRange) (*entity.TransactionStats, error) {
	return &entity.TransactionStats{}, nil
}

func (m *mockTransactions) List(ctx context.Context, orgID string, rng *entity.DateRange) ([]*entity.Transaction, error) {
	return nil, nil
}

type mockNotifier struct {
	mu     sync.Mutex
	users  []*entity.Notification
	admins []*entity.Notification
}

func (m *mockNotifier) NotifyUser(ctx context.Context, userID string, n *entity.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = append(m.users, n)
	return nil
}

func (m *mockNotifier) NotifyAdministrators(ctx context.Context, n *entity.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admins = append(m.admins, n)
	return nil
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []*entity.ProcessingLog
}

func (a *recordingAudit) LogStep(ctx context.Context, entry *entity.ProcessingLog) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, entry)
}

func (a *recordingAudit) find(step string, status entity.StepStatus) *entity.ProcessingLog {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, l := range a.logs {
		if l.Step == step && l.Status == status {
			return l
		}
	}
	return nil
}

type mockMapper struct {
	applyFunc func(receipt entity.ReceiptData) (entity.ReceiptData, *entity.MerchantMapping)
}

func (m *mockMapper) Apply(ctx context.Context, receipt entity.ReceiptData, orgID string) (entity.ReceiptData, *entity.MerchantMapping) {
	if m.applyFunc != nil {
		return m.applyFunc(receipt)
	}
	return receipt, nil
}

type mockParser struct {
	parseFunc func(raw []byte) (*entity.ParsedEmail, error)
}

func (m *mockParser) Parse(raw []byte) (*entity.ParsedEmail, error) {
	return m.parseFunc(raw)
}

type recordingTx struct {
	calls  int
	failed int
}

func (m *recordingTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	m.calls++
	if err := fn(ctx); err != nil {
		m.failed++
		return err
	}
	return nil
}

// Fixture

type pipelineFixture struct {
	idem   *mockIdempotency
	dups   *mockDuplicates
	norm   *mockNormalizer
	ext    *mockExtractor
	txs    *mockTransactions
	notif  *mockNotifier
	audit  *recordingAudit
	mapper *mockMapper
	parser *mockParser
	tx     port.TransactionManager
	cfg    PipelineConfig
}

func newPipelineFixture() *pipelineFixture {
	return &pipelineFixture{
		idem:   &mockIdempotency{},
		dups:   &mockDuplicates{},
		norm:   &mockNormalizer{},
		ext:    &mockExtractor{},
		txs:    &mockTransactions{},
		notif:  &mockNotifier{},
		audit:  &recordingAudit{},
		mapper: &mockMapper{},
		parser: &mockParser{parseFunc: func([]byte) (*entity.ParsedEmail, error) { return receiptEmail(), nil }},
		cfg:    PipelineConfig{AITimeout: time.Second, BatchSize: 3},
	}
}

func (f *pipelineFixture) service() PipelineService {
	logger := zap.NewNop()
	engine := resilience.NewEngine(nil, logger,
		resilience.WithSleeper(func(context.Context, time.Duration) error { return nil }))

	return NewPipelineService(PipelineDeps{
		Parser:       f.parser,
		Tx:           f.tx,
		Idempotency:  f.idem,
		Duplicates:   f.dups,
		Sanitizer:    sanitizer.New(sanitizer.DefaultConfig(), logger),
		Attachments:  attachment.NewRegistry(logger, attachment.NewTextProcessor()),
		Normalizer:   f.norm,
		Extractor:    f.ext,
		Fallback:     fallback.NewCategorizer(logger),
		Mapper:       f.mapper,
		Transactions: f.txs,
		Notifier:     f.notif,
		Audit:        f.audit,
		Engine:       engine,
	}, f.cfg, utils.NewKVLogger(logger))
}

func receiptEmail() *entity.ParsedEmail {
	return &entity.ParsedEmail{
		MessageID: "<order-1001@coffeecorner.com>",
		From:      "Coffee Corner <receipts@coffeecorner.com>",
		Subject:   "Your receipt from Coffee Corner",
		Text:      "Thanks for your order.\nLatte $5.00\nTotal: $42.50\nPaid with card ending in 4242",
	}
}

func receiptJob() Job {
	return Job{
		OrgID:         "org-1",
		Alias:         "receipts",
		Provider:      "mailgun",
		UserID:        "ou_123",
		CorrelationID: "corr-1",
		Email:         receiptEmail(),
	}
}

func translationFailure(context.Context, string) (*entity.TranslationResult, error) {
	return nil, failure.New(failure.KindTranslationFailed, "test", "model unavailable")
}

func TestPipeline_FullPath(t *testing.T) {
	f := newPipelineFixture()

	out := f.service().Process(context.Background(), receiptJob())

	require.Equal(t, entity.OutcomeFull, out.Kind)
	require.NotNil(t, out.Result)
	assert.Equal(t, "tx-1", out.TransactionID)
	assert.Equal(t, "corr-1", out.CorrelationID)
	assert.NotEmpty(t, out.EmailID)
	assert.Equal(t, "USD", out.Result.ReceiptData.Currency)
	assert.False(t, out.Result.FallbackUsed)
	assert.Equal(t, []string{
		"START", "INPUT_VALIDATED", "PARSED", "DUPLICATE_CHECKED", "SANITIZED",
		"ATTACHMENTS_PROCESSED", "CHAIN_RESOLVED", "AI_NORMALIZED", "AI_EXTRACTED",
		"MAPPING_APPLIED", "TRANSACTION_CREATED", "NOTIFICATIONS_SENT", "COMPLETE",
	}, out.States)

	require.Len(t, f.txs.created, 1)
	assert.Equal(t, 42.5, f.txs.created[0].Amount)
	assert.Equal(t, "corr-1", f.txs.created[0].CorrelationID)
	assert.False(t, f.txs.created[0].FallbackUsed)

	assert.Equal(t, []string{"rec-1:" + out.EmailID}, f.idem.updates)
	assert.Equal(t, []string{out.EmailID}, f.dups.recorded)

	require.Len(t, f.notif.users, 1)
	assert.Equal(t, entity.NotificationProcessed, f.notif.users[0].Type)
	assert.Empty(t, f.notif.admins)

	assert.Contains(t, f.norm.input(), "Subject: Your receipt from Coffee Corner")
	assert.Contains(t, f.norm.input(), "Total: $42.50")

	assert.NotNil(t, f.audit.find(StepTransaction, entity.StepStarted))
	done := f.audit.find(StepTransaction, entity.StepCompleted)
	require.NotNil(t, done)
	assert.NotNil(t, done.ElapsedMs)
	assert.Equal(t, "corr-1", done.CorrelationID)
	assert.Equal(t, out.EmailID, done.EmailID)
	assert.NotNil(t, f.audit.find(StepAttachments, entity.StepSkipped))
}

func TestPipeline_IdempotencyDuplicateShortCircuits(t *testing.T) {
	f := newPipelineFixture()
	existing := "email-old"
	f.idem.checkFunc = func(in idempotency.CheckInput) idempotency.CheckResult {
		return idempotency.CheckResult{
			IsDuplicate:    true,
			Reason:         idempotency.ReasonDuplicate,
			ExistingRecord: &entity.IdempotencyRecord{ID: "rec-0", EmailID: &existing},
		}
	}

	out := f.service().Process(context.Background(), receiptJob())

	require.Equal(t, entity.OutcomeDuplicate, out.Kind)
	assert.Equal(t, DuplicateReasonIdempotency, out.Duplicate.Reason)
	assert.Equal(t, "email-old", out.Duplicate.ExistingEmailID)
	assert.Equal(t, 100, out.Duplicate.Confidence)
	assert.Equal(t, []string{"START", "INPUT_VALIDATED", "PARSED", "DUPLICATE_CHECKED", "COMPLETE"}, out.States)

	assert.Zero(t, f.dups.calls)
	assert.Zero(t, f.norm.calls)
	assert.Zero(t, f.txs.calls)
	assert.Empty(t, out.TransactionID)
	assert.Empty(t, f.notif.users)
	assert.NotNil(t, f.audit.find(StepSanitize, entity.StepSkipped))
}

func TestPipeline_ContentDuplicateShortCircuits(t *testing.T) {
	f := newPipelineFixture()
	f.dups.isDuplicateFunc = func(*entity.ParsedEmail) duplicate.Result {
		return duplicate.Result{
			IsDuplicate:     true,
			Reason:          duplicate.ReasonContentHash,
			ExistingEmailID: "email-9",
			Confidence:      duplicate.ScoreContentHash,
		}
	}

	out := f.service().Process(context.Background(), receiptJob())

	require.Equal(t, entity.OutcomeDuplicate, out.Kind)
	assert.Equal(t, duplicate.ReasonContentHash, out.Duplicate.Reason)
	assert.Equal(t, "email-9", out.Duplicate.ExistingEmailID)
	assert.Equal(t, 90, out.Duplicate.Confidence)
	assert.Nil(t, out.Flags)
	assert.Zero(t, f.norm.calls)
	assert.Zero(t, f.txs.calls)
	assert.Empty(t, f.idem.updates)
	assert.Empty(t, f.dups.recorded)
}

func TestPipeline_AIOutageUsesFallback(t *testing.T) {
	f := newPipelineFixture()
	f.norm.normalizeFunc = translationFailure

	out := f.service().Process(context.Background(), receiptJob())

	require.Equal(t, entity.OutcomeFallback, out.Kind)
	require.NotNil(t, out.Result)
	assert.True(t, out.Result.FallbackUsed)
	assert.True(t, out.Result.ReceiptData.FallbackUsed)
	assert.Equal(t, fallback.Confidence, out.Result.ReceiptData.Confidence)
	assert.Equal(t, 42.5, out.Result.ReceiptData.Amount)
	assert.Equal(t, "USD", out.Result.ReceiptData.Currency)
	assert.Equal(t, "tx-1", out.TransactionID)

	// first attempt plus three retries
	assert.Equal(t, 4, f.norm.calls)
	assert.Zero(t, f.ext.calls)

	assert.Contains(t, out.States, "FALLBACK_PATH")
	assert.NotContains(t, out.States, "AI_NORMALIZED")
	assert.Equal(t, "COMPLETE", out.States[len(out.States)-1])

	require.Len(t, f.txs.created, 1)
	assert.True(t, f.txs.created[0].FallbackUsed)

	require.Len(t, f.notif.users, 1)
	assert.Equal(t, entity.NotificationReviewNeeded, f.notif.users[0].Type)

	failed := f.audit.find(StepNormalize, entity.StepFailed)
	require.NotNil(t, failed)
	assert.Equal(t, "TRANSLATION_FAILED", failed.Details["kind"])
	assert.Equal(t, 4, failed.Details["attempts"])
}

func TestPipeline_AITimeoutUsesFallback(t *testing.T) {
	f := newPipelineFixture()
	f.cfg.AITimeout = 5 * time.Millisecond
	f.norm.normalizeFunc = func(ctx context.Context, _ string) (*entity.TranslationResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	out := f.service().Process(context.Background(), receiptJob())

	require.Equal(t, entity.OutcomeFallback, out.Kind)
	failed := f.audit.find(StepNormalize, entity.StepFailed)
	require.NotNil(t, failed)
	assert.Equal(t, "TIMEOUT", failed.Details["kind"])
	assert.Equal(t, 4, f.norm.calls)
}

func TestPipeline_ExtractionLeakingCardNumberFallsBack(t *testing.T) {
	f := newPipelineFixture()
	f.ext.extractFunc = func(context.Context, string) (*entity.ReceiptData, error) {
		return &entity.ReceiptData{
			Date:       "2024-03-14",
			Amount:     42.5,
			Currency:   "USD",
			Merchant:   "Coffee Corner",
			Category:   "Meals",
			Notes:      "charged to 4111 1111 1111 1111",
			Confidence: 90,
		}, nil
	}

	out := f.service().Process(context.Background(), receiptJob())

	require.Equal(t, entity.OutcomeFallback, out.Kind)
	assert.Equal(t, 4, f.ext.calls)
	assert.Contains(t, out.States, "AI_NORMALIZED")
	assert.NotContains(t, out.States, "AI_EXTRACTED")
	assert.Contains(t, out.States, "FALLBACK_PATH")

	require.Len(t, f.txs.created, 1)
	assert.NotContains(t, f.txs.created[0].Notes, "4111 1111 1111 1111")

	failed := f.audit.find(StepExtract, entity.StepFailed)
	require.NotNil(t, failed)
	assert.Equal(t, "VALIDATION_FAILED", failed.Details["kind"])
}

func TestPipeline_StoreFailureRetriesThroughFallback(t *testing.T) {
	f := newPipelineFixture()
	f.txs.createFunc = func(call int, _ entity.TransactionFields) error {
		if call <= 3 {
			return errors.New("database is locked")
		}
		return nil
	}

	out := f.service().Process(context.Background(), receiptJob())

	require.Equal(t, entity.OutcomeFallback, out.Kind)
	assert.Equal(t, 4, f.txs.calls)
	assert.Contains(t, out.States, "MAPPING_APPLIED")
	assert.Contains(t, out.States, "FALLBACK_PATH")
	assert.Contains(t, out.States, "TRANSACTION_CREATED")
	assert.Equal(t, fallback.Confidence, out.Result.ReceiptData.Confidence)
}

func TestPipeline_TransactionAndHistoryShareATransaction(t *testing.T) {
	f := newPipelineFixture()
	tx := &recordingTx{}
	f.tx = tx
	f.txs.createFunc = func(call int, _ entity.TransactionFields) error {
		if call == 1 {
			return errors.New("database is locked")
		}
		return nil
	}

	out := f.service().Process(context.Background(), receiptJob())

	require.Equal(t, entity.OutcomeFull, out.Kind)
	assert.Equal(t, 2, tx.calls)
	assert.Equal(t, 1, tx.failed)
	assert.Equal(t, []string{out.EmailID}, f.dups.recorded)
}

func TestPipeline_PlaceholderWhenFallbackCannotBeStored(t *testing.T) {
	f := newPipelineFixture()
	f.norm.normalizeFunc = translationFailure
	f.txs.createFunc = func(_ int, fields entity.TransactionFields) error {
		if fields.Confidence == fallback.Confidence {
			return errors.New("constraint failed")
		}
		return nil
	}

	out := f.service().Process(context.Background(), receiptJob())

	require.Equal(t, entity.OutcomeFallback, out.Kind)
	assert.Equal(t, fallback.PlaceholderConfidence, out.Result.ReceiptData.Confidence)
	assert.Equal(t, entity.CategoryOther, out.Result.ReceiptData.Category)
	assert.Equal(t, placeholderReason, out.Result.ReceiptData.Notes)
	require.Len(t, f.txs.created, 1)
	assert.Equal(t, fallback.PlaceholderConfidence, f.txs.created[0].Confidence)
}

func TestPipeline_TerminalWhenPlaceholderCannotBeStored(t *testing.T) {
	f := newPipelineFixture()
	f.norm.normalizeFunc = translationFailure
	f.txs.createFunc = func(int, entity.TransactionFields) error {
		return errors.New("disk I/O error")
	}

	out := f.service().Process(context.Background(), receiptJob())

	require.Equal(t, entity.OutcomeTerminalError, out.Kind)
	assert.Equal(t, failure.KindDatabaseError, out.Failure.Kind)
	assert.Equal(t, failure.UserMessage(failure.KindDatabaseError), out.Failure.UserMessage)
	assert.Equal(t, "FAILED", out.States[len(out.States)-1])
	assert.Contains(t, out.States, "FALLBACK_PATH")
	assert.Empty(t, out.TransactionID)

	require.Len(t, f.notif.users, 1)
	assert.Equal(t, entity.NotificationFailure, f.notif.users[0].Type)
}

func TestPipeline_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		job  Job
	}{
		{"missing org", Job{Email: receiptEmail()}},
		{"blank org", Job{OrgID: "  ", Email: receiptEmail()}},
		{"missing email", Job{OrgID: "org-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture()

			out := f.service().Process(context.Background(), tt.job)

			require.Equal(t, entity.OutcomeTerminalError, out.Kind)
			assert.Equal(t, failure.KindValidationFailed, out.Failure.Kind)
			assert.Equal(t, []string{"START", "FAILED"}, out.States)
			assert.Zero(t, f.idem.checks)
			assert.NotNil(t, f.audit.find(StepInputValidation, entity.StepFailed))
		})
	}
}

func TestPipeline_RawInput(t *testing.T) {
	t.Run("parsed", func(t *testing.T) {
		f := newPipelineFixture()
		job := receiptJob()
		job.Email = nil
		job.Raw = []byte("raw message")

		out := f.service().Process(context.Background(), job)

		assert.Equal(t, entity.OutcomeFull, out.Kind)
	})

	t.Run("blank input that cannot be parsed", func(t *testing.T) {
		f := newPipelineFixture()
		f.parser.parseFunc = parseFailure
		job := receiptJob()
		job.Email = nil
		job.Raw = []byte(" \r\n ")

		out := f.service().Process(context.Background(), job)

		require.Equal(t, entity.OutcomeTerminalError, out.Kind)
		assert.Equal(t, failure.KindEmailParseFailed, out.Failure.Kind)
		assert.Equal(t, []string{"START", "INPUT_VALIDATED", "FAILED"}, out.States)
		assert.Zero(t, f.idem.checks)
		assert.Zero(t, f.txs.calls)
	})
}

func parseFailure([]byte) (*entity.ParsedEmail, error) {
	return nil, failure.New(failure.KindEmailParseFailed, "mailparse", "malformed header")
}

func TestPipeline_UnparseableMessageFallsBack(t *testing.T) {
	raw := []byte("Content-Type: multipart/mixed; boundary=\n\n" +
		"Corner Deli\nCard 4532 1234 5678 9012\nTotal: $12.00\n\xff\xfe")

	t.Run("stored through fallback", func(t *testing.T) {
		f := newPipelineFixture()
		f.parser.parseFunc = parseFailure
		job := receiptJob()
		job.Email = nil
		job.Raw = raw

		out := f.service().Process(context.Background(), job)

		require.Equal(t, entity.OutcomeFallback, out.Kind)
		assert.Equal(t, []string{
			"START", "INPUT_VALIDATED", "FALLBACK_PATH", "TRANSACTION_CREATED", "NOTIFICATIONS_SENT", "COMPLETE",
		}, out.States)
		assert.Equal(t, 12.0, out.Result.ReceiptData.Amount)
		assert.True(t, out.Result.FallbackUsed)
		assert.Equal(t, "tx-1", out.TransactionID)
		require.Len(t, f.txs.created, 1)
		assert.NotContains(t, f.txs.created[0].Notes, "4532 1234 5678 9012")

		assert.Zero(t, f.idem.checks)
		assert.Zero(t, f.norm.calls)
		assert.NotNil(t, f.audit.find(StepParse, entity.StepFailed))
		assert.NotNil(t, f.audit.find(StepSanitize, entity.StepCompleted))
		require.Len(t, f.notif.users, 1)
		assert.Equal(t, entity.NotificationReviewNeeded, f.notif.users[0].Type)
	})

	t.Run("terminal when nothing can be stored", func(t *testing.T) {
		f := newPipelineFixture()
		f.parser.parseFunc = parseFailure
		f.txs.createFunc = func(int, entity.TransactionFields) error {
			return errors.New("disk I/O error")
		}
		job := receiptJob()
		job.Email = nil
		job.Raw = raw

		out := f.service().Process(context.Background(), job)

		require.Equal(t, entity.OutcomeTerminalError, out.Kind)
		assert.Equal(t, failure.KindEmailParseFailed, out.Failure.Kind)
		assert.Equal(t, []string{"START", "INPUT_VALIDATED", "FALLBACK_PATH", "FAILED"}, out.States)
	})
}

func TestPipeline_SplitCardNumberInHTMLIsRedacted(t *testing.T) {
	f := newPipelineFixture()
	job := receiptJob()
	job.Email = &entity.ParsedEmail{
		MessageID: "<html-1@shop.example>",
		From:      "Shop <orders@shop.example>",
		Subject:   "Receipt",
		HTML: "<html><body><p>Card <span>4532</span> <span>1234</span> " +
			"<span>5678</span> <span>9012</span></p><p>Total: $10.00</p></body></html>",
	}

	out := f.service().Process(context.Background(), job)

	require.Equal(t, entity.OutcomeFull, out.Kind)
	input := f.norm.input()
	assert.Contains(t, input, "Total: $10.00")
	assert.Contains(t, input, "****-****-****-9012")
	assert.False(t, redact.ContainsPAN(input), input)

	require.NotNil(t, out.Result.TranslationResult)
	assert.False(t, redact.ContainsPAN(out.Result.TranslationResult.OriginalText))
	assert.False(t, redact.ContainsPAN(out.Result.TranslationResult.TranslatedText))
}

func TestPipeline_TranslationEchoIsRedacted(t *testing.T) {
	f := newPipelineFixture()
	f.norm.normalizeFunc = func(context.Context, string) (*entity.TranslationResult, error) {
		return &entity.TranslationResult{
			OriginalText:   "Karte 4532 1234 5678 9012, Summe 42,50",
			TranslatedText: "Card 4532 1234 5678 9012, total 42.50, contact anna@shop.de",
			SourceLanguage: "de",
			Confidence:     90,
		}, nil
	}

	out := f.service().Process(context.Background(), receiptJob())

	require.Equal(t, entity.OutcomeFull, out.Kind)
	tr := out.Result.TranslationResult
	require.NotNil(t, tr)
	assert.Equal(t, "Karte ****-****-****-9012, Summe 42,50", tr.OriginalText)
	assert.Equal(t, "Card ****-****-****-9012, total 42.50, contact ***@shop.de", tr.TranslatedText)
	assert.Equal(t, "de", tr.SourceLanguage)
}

func TestPipeline_HighSeverityFlagsAlertAdministrators(t *testing.T) {
	f := newPipelineFixture()
	job := receiptJob()
	job.Email.HTML = "<p>Total: $42.50</p><script>steal()</script>"

	out := f.service().Process(context.Background(), job)

	require.Equal(t, entity.OutcomeFull, out.Kind)
	assert.True(t, entity.HasHighSeverity(out.Flags))
	require.Len(t, f.notif.admins, 1)
	assert.Equal(t, entity.NotificationSecurityAlert, f.notif.admins[0].Type)
	assert.Contains(t, f.notif.admins[0].Message, string(entity.FlagMaliciousCode))
	assert.Equal(t, out.TransactionID, f.notif.admins[0].TransactionID)
}

func TestPipeline_ForwardedChainAnnotatesContent(t *testing.T) {
	f := newPipelineFixture()
	job := receiptJob()
	job.Email = &entity.ParsedEmail{
		MessageID: "<fwd-1@company.com>",
		From:      "Jane Doe <jane@company.com>",
		Subject:   "Fwd: Your receipt",
		Text: "FYI for expenses\n\n" +
			"---------- Forwarded message ---------\n" +
			"From: Blue Bottle Coffee <receipts@bluebottle.com>\n" +
			"Sent: Thursday, March 14, 2024 9:12 AM\n" +
			"Subject: Your receipt\n" +
			"\n" +
			"Latte $5.50\n" +
			"Total $5.50\n",
	}

	out := f.service().Process(context.Background(), job)

	require.Equal(t, entity.OutcomeFull, out.Kind)
	input := f.norm.input()
	assert.Contains(t, input, "Latte $5.50")
	assert.NotContains(t, input, "FYI for expenses")
	assert.Contains(t, input, "[Forwarded email: original sender")
	assert.Contains(t, input, "@bluebottle.com")
	assert.Contains(t, input, "chain depth 1]")

	assert.Contains(t, input, "original sender ***@bluebottle.com; forwarded by ***@company.com")

	chain := f.audit.find(StepChain, entity.StepCompleted)
	require.NotNil(t, chain)
	assert.Equal(t, true, chain.Details["forwarded"])
	assert.Equal(t, "bluebottle.com", chain.Details["original_sender_domain"])
}

func TestPipeline_AttachmentTextIsIncluded(t *testing.T) {
	f := newPipelineFixture()
	job := receiptJob()
	job.Email.Attachments = []entity.EmailAttachment{{
		Filename:    "invoice.txt",
		ContentType: "text/plain",
		Size:        21,
		Content:     []byte("Invoice total: $99.00"),
	}}

	out := f.service().Process(context.Background(), job)

	require.Equal(t, entity.OutcomeFull, out.Kind)
	assert.Contains(t, f.norm.input(), "--- Attachment: invoice.txt ---\nInvoice total: $99.00")
	done := f.audit.find(StepAttachments, entity.StepCompleted)
	require.NotNil(t, done)
	assert.Equal(t, 1, done.Details["extracted"])
}

func TestPipeline_MappingOverridesCategory(t *testing.T) {
	f := newPipelineFixture()
	f.mapper.applyFunc = func(r entity.ReceiptData) (entity.ReceiptData, *entity.MerchantMapping) {
		m := &entity.MerchantMapping{ID: 7, MerchantName: "coffee corner", Category: "Client Meals"}
		r.Category = m.Category
		return r, m
	}

	out := f.service().Process(context.Background(), receiptJob())

	require.Equal(t, entity.OutcomeFull, out.Kind)
	require.NotNil(t, out.Result.AppliedMapping)
	assert.Equal(t, int64(7), out.Result.AppliedMapping.ID)
	require.Len(t, f.txs.created, 1)
	assert.Equal(t, "Client Meals", f.txs.created[0].Category)
}

func TestPipeline_NoUserSkipsUserNotification(t *testing.T) {
	f := newPipelineFixture()
	job := receiptJob()
	job.UserID = ""

	out := f.service().Process(context.Background(), job)

	require.Equal(t, entity.OutcomeFull, out.Kind)
	assert.Empty(t, f.notif.users)
	assert.NotContains(t, out.States, "NOTIFICATIONS_SENT")
	assert.NotNil(t, f.audit.find(StepNotify, entity.StepSkipped))
}

func TestProcessBatch_AlignedAndIsolated(t *testing.T) {
	f := newPipelineFixture()
	jobs := make([]Job, 7)
	for i := range jobs {
		jobs[i] = receiptJob()
		jobs[i].CorrelationID = fmt.Sprintf("corr-%d", i)
		jobs[i].UserID = ""
	}
	jobs[3].OrgID = ""

	outs := f.service().ProcessBatch(context.Background(), jobs, 0)

	require.Len(t, outs, len(jobs))
	for i, out := range outs {
		assert.Equal(t, jobs[i].CorrelationID, out.CorrelationID, "job %d", i)
		if i == 3 {
			assert.Equal(t, entity.OutcomeTerminalError, out.Kind)
			continue
		}
		assert.Equal(t, entity.OutcomeFull, out.Kind, "job %d", i)
	}
	assert.Equal(t, 6, f.txs.calls)
}

func TestRedactDetails(t *testing.T) {
	assert.Nil(t, redactDetails(nil))

	got := redactDetails(map[string]interface{}{
		"error":    "lookup failed for bob@example.com",
		"cause":    errors.New("smtp rejected alice@corp.io"),
		"attempts": 3,
	})

	assert.Equal(t, "lookup failed for ***@***.***", got["error"])
	assert.Equal(t, "smtp rejected ***@***.***", got["cause"])
	assert.Equal(t, 3, got["attempts"])
}
