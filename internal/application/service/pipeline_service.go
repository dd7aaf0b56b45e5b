package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/garyjia/receipt-pipeline/internal/application/port"
	"github.com/garyjia/receipt-pipeline/internal/attachment"
	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
	"github.com/garyjia/receipt-pipeline/internal/domain/failure"
	"github.com/garyjia/receipt-pipeline/internal/domain/pipeline"
	"github.com/garyjia/receipt-pipeline/internal/duplicate"
	"github.com/garyjia/receipt-pipeline/internal/extraction"
	"github.com/garyjia/receipt-pipeline/internal/fallback"
	"github.com/garyjia/receipt-pipeline/internal/forwarding"
	"github.com/garyjia/receipt-pipeline/internal/htmltext"
	"github.com/garyjia/receipt-pipeline/internal/idempotency"
	"github.com/garyjia/receipt-pipeline/internal/redact"
	"github.com/garyjia/receipt-pipeline/internal/resilience"
	"github.com/garyjia/receipt-pipeline/internal/sanitizer"
)

// Audit step names
const (
	StepInputValidation = "input_validation"
	StepParse           = "parse"
	StepIdempotency     = "idempotency_check"
	StepDuplicate       = "duplicate_check"
	StepSanitize        = "sanitize"
	StepAttachments     = "attachments"
	StepChain           = "chain_resolution"
	StepNormalize       = "ai_normalize"
	StepExtract         = "ai_extract"
	StepMapping         = "mapping"
	StepFallback        = "fallback"
	StepTransaction     = "transaction_create"
	StepNotify          = "notifications"
)

// Operation names, which are also the circuit breaker keys
const (
	OpNormalize   = "ai.normalize"
	OpExtract     = "ai.extract"
	OpTransaction = "transaction.create"
	opParse       = "pipeline.parse"
	opValidate    = "pipeline.validate"
)

// DuplicateReasonIdempotency marks a run stopped by the idempotency store
const DuplicateReasonIdempotency = "idempotency"

// DefaultAITimeout bounds a single AI call attempt
const DefaultAITimeout = 30 * time.Second

const placeholderReason = "Receipt could not be stored automatically; needs manual review"

// Job is one email to run through the pipeline. Either Email or Raw must be
// set; Raw is parsed with the configured EmailParser.
type Job struct {
	OrgID         string
	Alias         string
	Provider      string
	UserID        string
	EmailID       string
	CorrelationID string
	RawRef        string
	Raw           []byte
	Email         *entity.ParsedEmail
}

// IdempotencyChecker is the idempotency store as seen by the pipeline
type IdempotencyChecker interface {
	Check(ctx context.Context, in idempotency.CheckInput) idempotency.CheckResult
	UpdateWithEmailID(ctx context.Context, recordID, emailID string)
}

// DuplicateChecker finds emails that were already turned into transactions
type DuplicateChecker interface {
	IsDuplicate(ctx context.Context, email *entity.ParsedEmail, orgID, correlationID string) duplicate.Result
	Record(ctx context.Context, email *entity.ParsedEmail, orgID, emailID string) error
}

// MerchantMapper applies learned merchant overrides
type MerchantMapper interface {
	Apply(ctx context.Context, receipt entity.ReceiptData, orgID string) (entity.ReceiptData, *entity.MerchantMapping)
}

// PipelineConfig tunes the pipeline service
type PipelineConfig struct {
	AITimeout time.Duration
	BatchSize int
}

// PipelineDeps are the collaborators of the pipeline service. Parser,
// Normalizer, Extractor, Mapper, Notifier, Audit and Tx are optional.
// Without Tx the transaction and its email history row are written
// independently.
type PipelineDeps struct {
	Parser       port.EmailParser
	Tx           port.TransactionManager
	Idempotency  IdempotencyChecker
	Duplicates   DuplicateChecker
	Sanitizer    *sanitizer.Sanitizer
	Attachments  *attachment.Registry
	Normalizer   port.LanguageNormalizer
	Extractor    port.DataExtractor
	Fallback     *fallback.Categorizer
	Mapper       MerchantMapper
	Transactions port.TransactionRepository
	Notifier     port.Notifier
	Audit        port.AuditSink
	Engine       *resilience.Engine
}

// PipelineService turns inbound emails into transactions
type PipelineService interface {
	// Process runs one job to completion. It never returns an error: every
	// failure is expressed in the outcome.
	Process(ctx context.Context, job Job) entity.ProcessingOutcome

	// ProcessBatch runs jobs chunkSize at a time. Outcomes are aligned with
	// jobs and a failing job never stops the batch.
	ProcessBatch(ctx context.Context, jobs []Job, chunkSize int) []entity.ProcessingOutcome
}

type pipelineServiceImpl struct {
	deps   PipelineDeps
	cfg    PipelineConfig
	logger Logger
	now    func() time.Time
	newID  func() string
}

// NewPipelineService creates a new PipelineService
func NewPipelineService(deps PipelineDeps, cfg PipelineConfig, logger Logger) PipelineService {
	if cfg.AITimeout <= 0 {
		cfg.AITimeout = DefaultAITimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = resilience.DefaultChunkSize
	}
	return &pipelineServiceImpl{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// run is the per-job state. It is never shared between goroutines.
type run struct {
	job           Job
	emailID       string
	correlationID string
	email         *entity.ParsedEmail
	machine       pipeline.StateMachine
	start         time.Time
	recordID      string
	transactionID string
	flags         []entity.SecurityFlag
	actions       []entity.SanitizationAction
}

func (s *pipelineServiceImpl) Process(ctx context.Context, job Job) entity.ProcessingOutcome {
	r := &run{
		job:           job,
		emailID:       job.EmailID,
		correlationID: job.CorrelationID,
		machine:       pipeline.NewStateMachine(),
		start:         s.now(),
	}
	if r.emailID == "" {
		r.emailID = s.newID()
	}
	if r.correlationID == "" {
		r.correlationID = s.newID()
	}

	s.logger.Info("Pipeline started", "org_id", job.OrgID, "email_id", r.emailID, "correlation_id", r.correlationID)

	outcome := s.execute(ctx, r)
	outcome.EmailID = r.emailID
	outcome.TransactionID = r.transactionID
	outcome.CorrelationID = r.correlationID
	outcome.Flags = r.flags
	outcome.Actions = r.actions
	outcome.ElapsedMs = s.now().Sub(r.start).Milliseconds()
	for _, st := range r.machine.History() {
		outcome.States = append(outcome.States, st.String())
	}

	s.logger.Info("Pipeline finished",
		"org_id", job.OrgID,
		"email_id", r.emailID,
		"correlation_id", r.correlationID,
		"outcome", string(outcome.Kind),
		"transaction_id", r.transactionID,
		"elapsed_ms", outcome.ElapsedMs)
	return outcome
}

func (s *pipelineServiceImpl) ProcessBatch(ctx context.Context, jobs []Job, chunkSize int) []entity.ProcessingOutcome {
	if chunkSize <= 0 {
		chunkSize = s.cfg.BatchSize
	}
	out := make([]entity.ProcessingOutcome, len(jobs))
	resilience.Chunked(ctx, len(jobs), chunkSize, func(ctx context.Context, i int) {
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("Pipeline job panicked", "index", i, "org_id", jobs[i].OrgID, "panic", fmt.Sprint(p))
				out[i] = entity.TerminalOutcome(failure.KindUnknown)
			}
		}()
		out[i] = s.Process(ctx, jobs[i])
	})
	return out
}

func (s *pipelineServiceImpl) execute(ctx context.Context, r *run) entity.ProcessingOutcome {
	if err := s.validate(ctx, r); err != nil {
		return s.terminal(ctx, r, failure.KindValidationFailed, err)
	}
	s.fire(ctx, r, pipeline.TriggerValidate)

	email, err := s.parse(ctx, r)
	if err != nil {
		return s.unparsedFallback(ctx, r, err)
	}
	r.email = email
	s.fire(ctx, r, pipeline.TriggerParse)

	dup := s.checkDuplicates(ctx, r)
	s.fire(ctx, r, pipeline.TriggerCheckDuplicate)
	if dup != nil {
		s.audit(ctx, r, StepSanitize, entity.StepSkipped, map[string]interface{}{"reason": "duplicate"}, nil)
		s.fire(ctx, r, pipeline.TriggerDuplicateFound)
		return entity.DuplicateOutcome(*dup)
	}

	sanitized := s.sanitize(ctx, r)
	s.fire(ctx, r, pipeline.TriggerSanitize)

	attachmentText := s.processAttachments(ctx, r, sanitized)
	s.fire(ctx, r, pipeline.TriggerProcessAttachments)

	// Flattening HTML can join digits that were split across elements
	content := redact.RedactKeepDomain(s.resolveChain(ctx, r, sanitized) + attachmentText)
	s.fire(ctx, r, pipeline.TriggerResolveChain)

	aiStart := s.now()
	receipt, translation := s.runAI(ctx, r, content)
	if receipt == nil {
		return s.fallbackPath(ctx, r, content, translation, aiStart)
	}

	mapped, applied := s.applyMapping(ctx, r, *receipt)
	s.fire(ctx, r, pipeline.TriggerApplyMapping)

	if err := s.createTransaction(ctx, r, mapped); err != nil {
		return s.fallbackPath(ctx, r, content, translation, aiStart)
	}

	return s.finish(ctx, r, entity.FullOutcome(&entity.ProcessingResult{
		ReceiptData:       mapped,
		TranslationResult: redactTranslation(translation),
		ProcessingTimeMs:  s.now().Sub(aiStart).Milliseconds(),
		AppliedMapping:    applied,
	}))
}

func (s *pipelineServiceImpl) validate(ctx context.Context, r *run) error {
	st := s.begin(ctx, r, StepInputValidation)

	var err error
	switch {
	case strings.TrimSpace(r.job.OrgID) == "":
		err = failure.New(failure.KindValidationFailed, opValidate, "org id is required")
	case r.job.Email == nil && len(r.job.Raw) == 0:
		err = failure.New(failure.KindValidationFailed, opValidate, "email content is required")
	}
	if err != nil {
		st.end(entity.StepFailed, map[string]interface{}{"error": err.Error()})
		return err
	}
	st.end(entity.StepCompleted, nil)
	return nil
}

func (s *pipelineServiceImpl) parse(ctx context.Context, r *run) (*entity.ParsedEmail, error) {
	st := s.begin(ctx, r, StepParse)

	email := r.job.Email
	if email == nil {
		if s.deps.Parser == nil {
			err := failure.New(failure.KindEmailParseFailed, opParse, "no parser configured for raw input")
			st.end(entity.StepFailed, map[string]interface{}{"error": err.Error()})
			return nil, err
		}
		parsed, err := s.deps.Parser.Parse(r.job.Raw)
		if err != nil {
			st.end(entity.StepFailed, map[string]interface{}{"error": err.Error()})
			return nil, err
		}
		email = parsed
	}

	st.end(entity.StepCompleted, map[string]interface{}{
		"attachments":        len(email.Attachments),
		"has_html":           email.HTML != "",
		"message_id_present": email.MessageID != "",
	})
	return email, nil
}

// checkDuplicates runs the idempotency store and then the duplicate
// detector. It returns nil when the email should be processed.
func (s *pipelineServiceImpl) checkDuplicates(ctx context.Context, r *run) *entity.DuplicateInfo {
	if s.deps.Idempotency != nil {
		st := s.begin(ctx, r, StepIdempotency)
		res := s.deps.Idempotency.Check(ctx, idempotency.CheckInput{
			OrgID:         r.job.OrgID,
			Alias:         r.job.Alias,
			MessageID:     r.email.MessageID,
			Provider:      r.job.Provider,
			RawRef:        r.job.RawRef,
			CorrelationID: r.correlationID,
		})
		r.recordID = res.RecordID
		st.end(entity.StepCompleted, map[string]interface{}{"reason": res.Reason, "duplicate": res.IsDuplicate})

		if res.IsDuplicate {
			info := &entity.DuplicateInfo{Reason: DuplicateReasonIdempotency, Confidence: duplicate.ScoreMessageID}
			if res.ExistingRecord != nil && res.ExistingRecord.EmailID != nil {
				info.ExistingEmailID = *res.ExistingRecord.EmailID
			}
			s.logger.Info("Message already processed", "org_id", r.job.OrgID, "alias", r.job.Alias, "correlation_id", r.correlationID)
			return info
		}
	}

	if s.deps.Duplicates == nil {
		s.audit(ctx, r, StepDuplicate, entity.StepSkipped, map[string]interface{}{"reason": "no detector"}, nil)
		return nil
	}

	st := s.begin(ctx, r, StepDuplicate)
	res := s.deps.Duplicates.IsDuplicate(ctx, r.email, r.job.OrgID, r.correlationID)
	st.end(entity.StepCompleted, map[string]interface{}{
		"duplicate":  res.IsDuplicate,
		"reason":     res.Reason,
		"confidence": res.Confidence,
	})
	if !res.IsDuplicate {
		return nil
	}

	s.logger.Info("Duplicate email detected",
		"org_id", r.job.OrgID,
		"reason", res.Reason,
		"existing_email_id", res.ExistingEmailID,
		"correlation_id", r.correlationID)
	return &entity.DuplicateInfo{
		Reason:          res.Reason,
		ExistingEmailID: res.ExistingEmailID,
		Confidence:      res.Confidence,
	}
}

func (s *pipelineServiceImpl) sanitize(ctx context.Context, r *run) *entity.ParsedEmail {
	st := s.begin(ctx, r, StepSanitize)
	res := s.deps.Sanitizer.Sanitize(ctx, r.email, r.job.OrgID, r.correlationID)
	r.flags = res.Flags
	r.actions = res.Actions
	st.end(entity.StepCompleted, map[string]interface{}{
		"flags":         len(res.Flags),
		"actions":       len(res.Actions),
		"high_severity": entity.HasHighSeverity(res.Flags),
	})
	return res.Email
}

func (s *pipelineServiceImpl) processAttachments(ctx context.Context, r *run, email *entity.ParsedEmail) string {
	if len(email.Attachments) == 0 || s.deps.Attachments == nil {
		s.audit(ctx, r, StepAttachments, entity.StepSkipped, map[string]interface{}{"reason": "no attachments"}, nil)
		return ""
	}

	st := s.begin(ctx, r, StepAttachments)
	var b strings.Builder
	extracted, failed := 0, 0
	for _, res := range s.deps.Attachments.ProcessAll(ctx, email.Attachments) {
		if res.Err != nil {
			failed++
			continue
		}
		if strings.TrimSpace(res.Content.Text) == "" {
			continue
		}
		extracted++
		fmt.Fprintf(&b, "\n\n--- Attachment: %s ---\n%s", res.Filename, res.Content.Text)
	}
	st.end(entity.StepCompleted, map[string]interface{}{"extracted": extracted, "failed": failed})
	return b.String()
}

func (s *pipelineServiceImpl) resolveChain(ctx context.Context, r *run, email *entity.ParsedEmail) string {
	st := s.begin(ctx, r, StepChain)

	// Senders come from the parsed email; the sanitized body has them masked.
	chain := forwarding.Detect(r.email)
	if chain != nil {
		withContent := *chain
		withContent.ExtractedContent = ""
		if sc := forwarding.Detect(email); sc != nil {
			withContent.ExtractedContent = sc.ExtractedContent
		}
		chain = &withContent
	}
	text, html := forwarding.ExtractFromChain(chain, email)
	if strings.TrimSpace(text) == "" && html != "" {
		if converted, err := htmltext.ToText(html); err == nil {
			text = converted
		}
	}
	if email.Subject != "" {
		text = "Subject: " + email.Subject + "\n\n" + text
	}

	details := map[string]interface{}{"forwarded": chain != nil}
	if chain != nil {
		details["chain_depth"] = chain.ChainDepth
		details["original_sender_domain"] = addressDomain(chain.OriginalSender)
	}
	st.end(entity.StepCompleted, details)
	return text
}

// runAI normalizes and extracts through the retry engine. A nil receipt
// means the run must take the fallback path.
func (s *pipelineServiceImpl) runAI(ctx context.Context, r *run, content string) (*entity.ReceiptData, *entity.TranslationResult) {
	if s.deps.Normalizer == nil || s.deps.Extractor == nil {
		s.audit(ctx, r, StepNormalize, entity.StepSkipped, map[string]interface{}{"reason": "ai not configured"}, nil)
		return nil, nil
	}
	if strings.TrimSpace(content) == "" {
		s.audit(ctx, r, StepNormalize, entity.StepSkipped, map[string]interface{}{"reason": "empty content"}, nil)
		return nil, nil
	}

	st := s.begin(ctx, r, StepNormalize)
	tr := resilience.Execute(ctx, s.deps.Engine, OpNormalize, resilience.PolicyAITranslation,
		func(ctx context.Context) (*entity.TranslationResult, error) {
			actx, cancel := context.WithTimeout(ctx, s.cfg.AITimeout)
			defer cancel()
			res, err := s.deps.Normalizer.Normalize(actx, content)
			if err != nil {
				return nil, err
			}
			if res == nil {
				return nil, failure.New(failure.KindTranslationFailed, OpNormalize, "empty normalization result")
			}
			return res, nil
		})
	if tr.Err != nil {
		st.end(entity.StepFailed, aiFailureDetails(tr.Err, tr.Attempts))
		s.logger.Warn("Normalization failed, using fallback",
			"org_id", r.job.OrgID, "correlation_id", r.correlationID, "kind", failure.KindOf(tr.Err).String())
		return nil, nil
	}
	st.end(entity.StepCompleted, map[string]interface{}{
		"source_language": tr.Value.SourceLanguage,
		"attempts":        tr.Attempts,
	})
	s.fire(ctx, r, pipeline.TriggerNormalize)

	normalized := redact.RedactKeepDomain(tr.Value.TranslatedText)
	if strings.TrimSpace(normalized) == "" {
		normalized = content
	}

	st = s.begin(ctx, r, StepExtract)
	er := resilience.Execute(ctx, s.deps.Engine, OpExtract, resilience.PolicyAIExtraction,
		func(ctx context.Context) (*entity.ReceiptData, error) {
			actx, cancel := context.WithTimeout(ctx, s.cfg.AITimeout)
			defer cancel()
			receipt, err := s.deps.Extractor.Extract(actx, normalized)
			if err != nil {
				return nil, err
			}
			extraction.Normalize(receipt)
			if err := extraction.Validate(receipt); err != nil {
				return nil, err
			}
			return receipt, nil
		})
	if er.Err != nil {
		st.end(entity.StepFailed, aiFailureDetails(er.Err, er.Attempts))
		s.logger.Warn("Extraction failed, using fallback",
			"org_id", r.job.OrgID, "correlation_id", r.correlationID, "kind", failure.KindOf(er.Err).String())
		return nil, tr.Value
	}
	st.end(entity.StepCompleted, map[string]interface{}{
		"confidence": er.Value.Confidence,
		"category":   er.Value.Category,
		"attempts":   er.Attempts,
	})
	s.fire(ctx, r, pipeline.TriggerExtract)
	return er.Value, tr.Value
}

func aiFailureDetails(err error, attempts int) map[string]interface{} {
	return map[string]interface{}{
		"kind":     failure.KindOf(err).String(),
		"attempts": attempts,
		"error":    err.Error(),
	}
}

func (s *pipelineServiceImpl) applyMapping(ctx context.Context, r *run, receipt entity.ReceiptData) (entity.ReceiptData, *entity.MerchantMapping) {
	if s.deps.Mapper == nil {
		s.audit(ctx, r, StepMapping, entity.StepSkipped, nil, nil)
		return receipt, nil
	}
	st := s.begin(ctx, r, StepMapping)
	mapped, applied := s.deps.Mapper.Apply(ctx, receipt, r.job.OrgID)
	details := map[string]interface{}{"applied": applied != nil}
	if applied != nil {
		details["category"] = applied.Category
	}
	st.end(entity.StepCompleted, details)
	return mapped, applied
}

// fallbackPath stores the heuristic result, or a placeholder when that
// cannot be stored. Only a failure to store the placeholder is terminal.
func (s *pipelineServiceImpl) fallbackPath(ctx context.Context, r *run, content string, translation *entity.TranslationResult, aiStart time.Time) entity.ProcessingOutcome {
	receipt, err := s.storeFallback(ctx, r, content)
	if err != nil {
		return s.terminal(ctx, r, failure.KindDatabaseError, err)
	}

	return s.finish(ctx, r, entity.FallbackOutcome(&entity.ProcessingResult{
		ReceiptData:       receipt,
		TranslationResult: redactTranslation(translation),
		ProcessingTimeMs:  s.now().Sub(aiStart).Milliseconds(),
	}))
}

// unparsedFallback runs the fallback path over the raw bytes the parser
// rejected. The run ends in EMAIL_PARSE_FAILED only if nothing is stored.
func (s *pipelineServiceImpl) unparsedFallback(ctx context.Context, r *run, parseErr error) entity.ProcessingOutcome {
	body := strings.ToValidUTF8(string(r.job.Raw), "\uFFFD")
	if strings.TrimSpace(body) == "" {
		return s.terminal(ctx, r, failure.KindEmailParseFailed, parseErr)
	}

	r.email = &entity.ParsedEmail{Text: body, ReceivedAt: s.now().UTC()}
	sanitized := s.sanitize(ctx, r)
	content := redact.RedactKeepDomain(sanitized.Text)

	start := s.now()
	receipt, err := s.storeFallback(ctx, r, content)
	if err != nil {
		return s.terminal(ctx, r, failure.KindEmailParseFailed, parseErr)
	}
	s.logger.Warn("Stored receipt from unparseable message",
		"org_id", r.job.OrgID, "correlation_id", r.correlationID, "error", redact.Redact(parseErr.Error()))

	return s.finish(ctx, r, entity.FallbackOutcome(&entity.ProcessingResult{
		ReceiptData:      receipt,
		ProcessingTimeMs: s.now().Sub(start).Milliseconds(),
	}))
}

func (s *pipelineServiceImpl) storeFallback(ctx context.Context, r *run, content string) (entity.ReceiptData, error) {
	s.fire(ctx, r, pipeline.TriggerUseFallback)

	st := s.begin(ctx, r, StepFallback)
	receipt := s.deps.Fallback.ExtractFallback(content, r.job.OrgID, r.emailID, r.correlationID)
	st.end(entity.StepCompleted, map[string]interface{}{
		"category":     receipt.Category,
		"confidence":   receipt.Confidence,
		"amount_found": receipt.Amount > 0,
	})

	if err := s.createTransaction(ctx, r, receipt); err != nil {
		receipt = s.deps.Fallback.Placeholder(placeholderReason)
		if err := s.createTransaction(ctx, r, receipt); err != nil {
			return receipt, err
		}
	}
	return receipt, nil
}

func (s *pipelineServiceImpl) createTransaction(ctx context.Context, r *run, receipt entity.ReceiptData) error {
	st := s.begin(ctx, r, StepTransaction)
	fields := entity.FieldsFromReceipt(redactReceipt(receipt), r.correlationID)

	out := resilience.Execute(ctx, s.deps.Engine, OpTransaction, resilience.PolicyDatabase,
		func(ctx context.Context) (string, error) {
			var id string
			err := s.inTx(ctx, func(ctx context.Context) error {
				var err error
				id, err = s.deps.Transactions.Create(ctx, r.job.OrgID, r.emailID, fields)
				if err != nil {
					return err
				}
				if s.deps.Duplicates != nil {
					if err := s.deps.Duplicates.Record(ctx, r.email, r.job.OrgID, r.emailID); err != nil {
						s.logger.Warn("Failed to record email history", "email_id", r.emailID, "correlation_id", r.correlationID, "error", err)
					}
				}
				return nil
			})
			if err != nil {
				return "", failure.Wrap(failure.KindDatabaseError, OpTransaction, err)
			}
			return id, nil
		})
	if out.Err != nil {
		st.end(entity.StepFailed, map[string]interface{}{
			"kind":          failure.KindOf(out.Err).String(),
			"attempts":      out.Attempts,
			"fallback_used": receipt.FallbackUsed,
		})
		s.logger.Error("Failed to create transaction",
			"org_id", r.job.OrgID, "correlation_id", r.correlationID, "fallback_used", receipt.FallbackUsed, "error", out.Err)
		return out.Err
	}

	r.transactionID = out.Value
	st.end(entity.StepCompleted, map[string]interface{}{
		"transaction_id": out.Value,
		"fallback_used":  receipt.FallbackUsed,
		"confidence":     receipt.Confidence,
	})
	s.fire(ctx, r, pipeline.TriggerCreateTransaction)

	if s.deps.Idempotency != nil && r.recordID != "" {
		s.deps.Idempotency.UpdateWithEmailID(ctx, r.recordID, r.emailID)
	}
	return nil
}

func (s *pipelineServiceImpl) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.deps.Tx == nil {
		return fn(ctx)
	}
	return s.deps.Tx.WithTransaction(ctx, fn)
}

// redactReceipt masks PII left in free-text fields before storage
func redactReceipt(r entity.ReceiptData) entity.ReceiptData {
	r.Merchant = redact.Redact(r.Merchant)
	r.Subcategory = redact.Redact(r.Subcategory)
	r.Notes = redact.Redact(r.Notes)
	r.Explanation = redact.Redact(r.Explanation)
	return r
}

func redactTranslation(t *entity.TranslationResult) *entity.TranslationResult {
	if t == nil {
		return nil
	}
	out := *t
	out.OriginalText = redact.RedactKeepDomain(out.OriginalText)
	out.TranslatedText = redact.RedactKeepDomain(out.TranslatedText)
	return &out
}

func addressDomain(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return strings.ToLower(addr[i+1:])
	}
	return ""
}

type pendingNotification struct {
	admin bool
	n     *entity.Notification
}

func (s *pipelineServiceImpl) finish(ctx context.Context, r *run, outcome entity.ProcessingOutcome) entity.ProcessingOutcome {
	pending := s.notificationsFor(r, outcome)
	if len(pending) == 0 {
		s.audit(ctx, r, StepNotify, entity.StepSkipped, map[string]interface{}{"reason": "nothing to send"}, nil)
		s.fire(ctx, r, pipeline.TriggerFinish)
		return outcome
	}

	st := s.begin(ctx, r, StepNotify)
	sent, failed := 0, 0
	for _, p := range pending {
		var err error
		if p.admin {
			err = s.deps.Notifier.NotifyAdministrators(ctx, p.n)
		} else {
			err = s.deps.Notifier.NotifyUser(ctx, r.job.UserID, p.n)
		}
		if err != nil {
			failed++
			s.logger.Warn("Notification not delivered",
				"type", string(p.n.Type), "correlation_id", r.correlationID, "error", err)
			continue
		}
		sent++
	}
	st.end(entity.StepCompleted, map[string]interface{}{"sent": sent, "failed": failed})

	s.fire(ctx, r, pipeline.TriggerNotify)
	s.fire(ctx, r, pipeline.TriggerFinish)
	return outcome
}

func (s *pipelineServiceImpl) notificationsFor(r *run, outcome entity.ProcessingOutcome) []pendingNotification {
	if s.deps.Notifier == nil {
		return nil
	}

	var pending []pendingNotification
	if entity.HasHighSeverity(r.flags) {
		var types []string
		for _, f := range r.flags {
			if f.Severity == entity.SeverityHigh {
				types = append(types, string(f.Type))
			}
		}
		pending = append(pending, pendingNotification{admin: true, n: s.notification(r,
			entity.NotificationSecurityAlert,
			"Security alert on inbound receipt",
			"High severity findings: "+strings.Join(types, ", "))})
	}

	if r.job.UserID == "" || outcome.Result == nil {
		return pending
	}
	receipt := outcome.Result.ReceiptData
	if outcome.Kind == entity.OutcomeFallback {
		pending = append(pending, pendingNotification{n: s.notification(r,
			entity.NotificationReviewNeeded,
			"Receipt needs review",
			fmt.Sprintf("We could not read this receipt automatically. Please review the %s transaction from %s.",
				receipt.Category, receipt.Merchant))})
	} else {
		pending = append(pending, pendingNotification{n: s.notification(r,
			entity.NotificationProcessed,
			"Receipt processed",
			fmt.Sprintf("%s %.2f at %s, filed under %s.", receipt.Currency, receipt.Amount, receipt.Merchant, receipt.Category))})
	}
	return pending
}

func (s *pipelineServiceImpl) notification(r *run, typ entity.NotificationType, title, message string) *entity.Notification {
	return &entity.Notification{
		Type:          typ,
		OrgID:         r.job.OrgID,
		Title:         title,
		Message:       message,
		EmailID:       r.emailID,
		TransactionID: r.transactionID,
		CorrelationID: r.correlationID,
	}
}

func (s *pipelineServiceImpl) terminal(ctx context.Context, r *run, kind failure.Kind, err error) entity.ProcessingOutcome {
	if r.machine.CanFire(pipeline.TriggerFail) {
		s.fire(ctx, r, pipeline.TriggerFail)
	}
	s.logger.Error("Pipeline failed",
		"org_id", r.job.OrgID,
		"email_id", r.emailID,
		"correlation_id", r.correlationID,
		"kind", kind.String(),
		"error", redact.Redact(err.Error()))

	if s.deps.Notifier != nil && r.job.UserID != "" && r.job.OrgID != "" {
		n := s.notification(r, entity.NotificationFailure, "Receipt processing failed", failure.UserMessage(kind))
		if nerr := s.deps.Notifier.NotifyUser(ctx, r.job.UserID, n); nerr != nil {
			s.logger.Warn("Failure notification not delivered", "correlation_id", r.correlationID, "error", nerr)
		}
	}
	return entity.TerminalOutcome(kind)
}

func (s *pipelineServiceImpl) fire(ctx context.Context, r *run, trigger pipeline.Trigger) {
	from := r.machine.State()
	if err := r.machine.Fire(ctx, trigger); err != nil {
		s.logger.Error("Invalid pipeline transition",
			"from", from.String(), "trigger", trigger.String(), "correlation_id", r.correlationID, "error", err)
	}
}

// stepTimer measures one audited step
type stepTimer struct {
	s     *pipelineServiceImpl
	ctx   context.Context
	r     *run
	name  string
	start time.Time
}

func (s *pipelineServiceImpl) begin(ctx context.Context, r *run, step string) *stepTimer {
	s.audit(ctx, r, step, entity.StepStarted, nil, nil)
	return &stepTimer{s: s, ctx: ctx, r: r, name: step, start: s.now()}
}

func (t *stepTimer) end(status entity.StepStatus, details map[string]interface{}) {
	elapsed := t.s.now().Sub(t.start).Milliseconds()
	t.s.audit(t.ctx, t.r, t.name, status, details, &elapsed)
}

func (s *pipelineServiceImpl) audit(ctx context.Context, r *run, step string, status entity.StepStatus, details map[string]interface{}, elapsedMs *int64) {
	if s.deps.Audit == nil {
		return
	}
	s.deps.Audit.LogStep(ctx, &entity.ProcessingLog{
		OrgID:         r.job.OrgID,
		EmailID:       r.emailID,
		Step:          step,
		Status:        status,
		Details:       redactDetails(details),
		CorrelationID: r.correlationID,
		ElapsedMs:     elapsedMs,
		CreatedAt:     s.now().UTC(),
	})
}

// redactDetails returns a copy of details with every string value redacted
func redactDetails(details map[string]interface{}) map[string]interface{} {
	if len(details) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		switch val := v.(type) {
		case string:
			out[k] = redact.Redact(val)
		case error:
			out[k] = redact.Redact(val.Error())
		default:
			out[k] = v
		}
	}
	return out
}
