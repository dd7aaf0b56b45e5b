// Package idempotency guards the pipeline against processing the same
// (org, alias, message id) twice. Storage outages fail open.
package idempotency

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/application/port"
	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
)

// Check reasons
const (
	ReasonNew        = "new"
	ReasonDuplicate  = "duplicate"
	ReasonFailOpen   = "fail_open"
	ReasonInvalidKey = "invalid_key"
)

// CheckInput identifies an inbound message
type CheckInput struct {
	OrgID         string
	Alias         string
	MessageID     string
	Provider      string
	RawRef        string
	CorrelationID string
}

// CheckResult is the outcome of an idempotency check. RecordID is set when
// this call created the record.
type CheckResult struct {
	IsDuplicate    bool
	ExistingRecord *entity.IdempotencyRecord
	ShouldProcess  bool
	Reason         string
	RecordID       string
}

// Service checks and records idempotency keys
type Service struct {
	repo   port.IdempotencyRepository
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// NewService creates an idempotency service over repo
func NewService(repo port.IdempotencyRepository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Check looks the key up and creates the record if it is absent. Creation
// relies on the repository's atomic insert-if-absent, so of two concurrent
// checks for one key at most one reports ShouldProcess.
func (s *Service) Check(ctx context.Context, in CheckInput) CheckResult {
	fields := []zap.Field{
		zap.String("org_id", in.OrgID),
		zap.String("alias", in.Alias),
		zap.String("correlation_id", in.CorrelationID),
	}

	if strings.TrimSpace(in.OrgID) == "" || strings.TrimSpace(in.Alias) == "" || strings.TrimSpace(in.MessageID) == "" {
		s.logger.Warn("Idempotency key incomplete, processing without a record", fields...)
		return CheckResult{ShouldProcess: true, Reason: ReasonInvalidKey}
	}

	existing, err := s.repo.FindByKey(ctx, in.OrgID, in.Alias, in.MessageID)
	if err != nil {
		return s.failOpen("lookup", err, fields)
	}
	if existing != nil {
		s.logger.Info("Message already processed", append(fields, zap.String("record_id", existing.ID))...)
		return CheckResult{IsDuplicate: true, ExistingRecord: existing, Reason: ReasonDuplicate}
	}

	rec := &entity.IdempotencyRecord{
		ID:          s.newID(),
		OrgID:       in.OrgID,
		Alias:       in.Alias,
		MessageID:   in.MessageID,
		Provider:    in.Provider,
		ProcessedAt: s.now().UTC(),
	}
	if in.RawRef != "" {
		ref := in.RawRef
		rec.RawRef = &ref
	}
	if in.CorrelationID != "" {
		cid := in.CorrelationID
		rec.CorrelationID = &cid
	}

	inserted, err := s.repo.Insert(ctx, rec)
	if err != nil {
		return s.failOpen("insert", err, fields)
	}
	if !inserted {
		// lost the race to a concurrent check for the same key
		existing, err := s.repo.FindByKey(ctx, in.OrgID, in.Alias, in.MessageID)
		if err != nil {
			s.logger.Warn("Idempotency record exists but could not be loaded", append(fields, zap.Error(err))...)
		}
		return CheckResult{IsDuplicate: true, ExistingRecord: existing, Reason: ReasonDuplicate}
	}

	s.logger.Debug("Idempotency record created", append(fields, zap.String("record_id", rec.ID))...)
	return CheckResult{ShouldProcess: true, Reason: ReasonNew, RecordID: rec.ID}
}

func (s *Service) failOpen(stage string, err error, fields []zap.Field) CheckResult {
	s.logger.Warn("Idempotency store unavailable, failing open",
		append(fields, zap.String("stage", stage), zap.Error(err))...)
	return CheckResult{ShouldProcess: true, Reason: ReasonFailOpen}
}

// UpdateWithEmailID attaches the created email id to a record. Errors are
// logged and dropped.
func (s *Service) UpdateWithEmailID(ctx context.Context, recordID, emailID string) {
	if recordID == "" {
		return
	}
	if err := s.repo.SetEmailID(ctx, recordID, emailID); err != nil {
		s.logger.Warn("Failed to attach email id to idempotency record",
			zap.String("record_id", recordID),
			zap.String("email_id", emailID),
			zap.Error(err))
	}
}

// Cleanup deletes records processed more than olderThan ago
func (s *Service) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	n, err := s.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("Idempotency cleanup failed", zap.Time("cutoff", cutoff), zap.Error(err))
		return 0, err
	}
	s.logger.Info("Idempotency cleanup completed", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	return n, nil
}
