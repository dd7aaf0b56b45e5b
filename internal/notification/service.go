// Package notification delivers pipeline notifications to users and org
// administrators, rate limited per recipient and retried under the
// notification policy.
package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/application/port"
	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
	"github.com/garyjia/receipt-pipeline/internal/domain/failure"
	"github.com/garyjia/receipt-pipeline/internal/redact"
	"github.com/garyjia/receipt-pipeline/internal/resilience"
)

const operationSend = "notification.send"

// Config configures recipients
type Config struct {
	// AdminChatID receives administrator notifications. Empty disables them.
	AdminChatID string
}

// Service implements port.Notifier
type Service struct {
	sender  port.MessageSender
	limiter *Limiter
	engine  *resilience.Engine
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

// NewService creates a notification service
func NewService(sender port.MessageSender, limiter *Limiter, engine *resilience.Engine, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		sender:  sender,
		limiter: limiter,
		engine:  engine,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// NotifyUser sends n to userID
func (s *Service) NotifyUser(ctx context.Context, userID string, n *entity.Notification) error {
	if userID == "" {
		return fmt.Errorf("notify user: empty user id")
	}
	return s.send(ctx, "user:"+n.OrgID+":"+userID, userID, n)
}

// NotifyAdministrators sends n to the administrator chat
func (s *Service) NotifyAdministrators(ctx context.Context, n *entity.Notification) error {
	if s.cfg.AdminChatID == "" {
		s.logger.Debug("No administrator chat configured, dropping notification",
			zap.String("type", string(n.Type)))
		return nil
	}
	return s.send(ctx, "admin:"+n.OrgID, s.cfg.AdminChatID, n)
}

func (s *Service) send(ctx context.Context, limitKey, receiveID string, n *entity.Notification) error {
	if s.limiter != nil && !s.limiter.Allow(limitKey, s.now()) {
		s.logger.Warn("Notification rate limited",
			zap.String("type", string(n.Type)),
			zap.String("org_id", n.OrgID),
			zap.String("correlation_id", n.CorrelationID))
		return failure.New(failure.KindRateLimitExceeded, operationSend, "notification rate limit exceeded")
	}

	text := FormatText(n)
	out := resilience.Do(ctx, s.engine, operationSend, resilience.PolicyNotification, func(ctx context.Context) error {
		return s.sender.SendText(ctx, receiveID, text)
	})
	if !out.Success() {
		s.logger.Error("Failed to send notification",
			zap.String("type", string(n.Type)),
			zap.String("org_id", n.OrgID),
			zap.Int("attempts", out.Attempts),
			zap.Error(out.Err))
		return fmt.Errorf("send notification: %w", out.Err)
	}

	s.logger.Info("Notification sent",
		zap.String("type", string(n.Type)),
		zap.String("org_id", n.OrgID),
		zap.String("correlation_id", n.CorrelationID))
	return nil
}

// FormatText renders n as a plain text chat message. Title and message are
// redacted.
func FormatText(n *entity.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", n.Type, redact.Redact(n.Title))
	if n.Message != "" {
		b.WriteString(redact.Redact(n.Message))
		b.WriteString("\n")
	}
	if n.TransactionID != "" {
		fmt.Fprintf(&b, "Transaction: %s\n", n.TransactionID)
	}
	if n.EmailID != "" {
		fmt.Fprintf(&b, "Email: %s\n", n.EmailID)
	}
	if n.CorrelationID != "" {
		fmt.Fprintf(&b, "Reference: %s\n", n.CorrelationID)
	}
	return strings.TrimRight(b.String(), "\n")
}

var _ port.Notifier = (*Service)(nil)
