package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/application/port"
)

// MessageCreator is the IM endpoint used by Sender
type MessageCreator interface {
	Create(ctx context.Context, req *larkim.CreateMessageReq, options ...larkcore.RequestOptionFunc) (*larkim.CreateMessageResp, error)
}

// Sender implements port.MessageSender over Lark IM text messages
type Sender struct {
	messages MessageCreator
	logger   *zap.Logger
}

var _ port.MessageSender = (*Sender)(nil)

// NewSender creates a sender from an SDK client
func NewSender(client *lark.Client, logger *zap.Logger) *Sender {
	return NewSenderWithCreator(client.Im.Message, logger)
}

// NewSenderWithCreator creates a sender over an explicit IM endpoint
func NewSenderWithCreator(messages MessageCreator, logger *zap.Logger) *Sender {
	return &Sender{messages: messages, logger: logger}
}

// SendText sends content as a text message. Group chat IDs (oc_) are
// addressed by chat_id, everything else by open_id.
func (s *Sender) SendText(ctx context.Context, receiveID, content string) error {
	if receiveID == "" {
		return fmt.Errorf("receiveID cannot be empty")
	}
	if content == "" {
		return fmt.Errorf("content cannot be empty")
	}

	body, err := json.Marshal(map[string]string{"text": content})
	if err != nil {
		return fmt.Errorf("failed to marshal message content: %w", err)
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveIDType(receiveID)).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(receiveID).
			MsgType("text").
			Content(string(body)).
			Build()).
		Build()

	resp, err := s.messages.Create(ctx, req)
	if err != nil {
		s.logger.Error("Failed to send message",
			zap.String("receive_id", receiveID),
			zap.Error(err))
		return fmt.Errorf("failed to send message: %w", err)
	}

	if !resp.Success() {
		s.logger.Error("API returned failure",
			zap.String("receive_id", receiveID),
			zap.Int("code", resp.Code),
			zap.String("msg", resp.Msg))
		return fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}

	messageID := ""
	if resp.Data != nil && resp.Data.MessageId != nil {
		messageID = *resp.Data.MessageId
	}
	s.logger.Debug("Message sent",
		zap.String("message_id", messageID),
		zap.String("receive_id", receiveID))

	return nil
}

func receiveIDType(receiveID string) string {
	if strings.HasPrefix(receiveID, "oc_") {
		return "chat_id"
	}
	return "open_id"
}
