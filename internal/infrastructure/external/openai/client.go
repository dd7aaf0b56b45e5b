package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/domain/failure"
)

// ChatClient is the subset of the go-openai client used here
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewClient creates a go-openai client. baseURL overrides the API endpoint
// when set, for proxies and compatible gateways.
func NewClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// completeJSON sends one system/user exchange in JSON mode and decodes the
// reply into out. API errors are classified under kind unless they are
// rate limits or deadlines.
func completeJSON(ctx context.Context, client ChatClient, model string, p Prompt, user, op string, kind failure.Kind, out interface{}, logger *zap.Logger) error {
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: p.System},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		logger.Warn("OpenAI API call failed", zap.String("op", op), zap.Error(err))
		return classify(ctx, op, kind, err)
	}

	if len(resp.Choices) == 0 {
		return failure.New(kind, op, "no response from OpenAI")
	}

	content := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), out); err != nil {
		// Models occasionally wrap the object in prose or code fences
		if jsonStr := extractJSON(content); jsonStr != "" {
			if err := json.Unmarshal([]byte(jsonStr), out); err == nil {
				logger.Debug("Extracted JSON from response", zap.String("op", op))
				return nil
			}
		}
		logger.Warn("Failed to parse OpenAI response",
			zap.String("op", op),
			zap.Int("content_length", len(content)),
			zap.Error(err))
		return failure.Wrap(kind, op, fmt.Errorf("failed to parse response: %w", err))
	}
	return nil
}

func classify(ctx context.Context, op string, kind failure.Kind, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure.Wrap(failure.KindTimeout, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == http.StatusTooManyRequests {
		return failure.Wrap(failure.KindRateLimitExceeded, op, err)
	}
	return failure.Wrap(kind, op, err)
}

// extractJSON returns the first balanced JSON object in content
func extractJSON(content string) string {
	start := findJSONStart(content)
	if start < 0 {
		return ""
	}
	end := findJSONEnd(content, start)
	if end <= start {
		return ""
	}
	return content[start:end]
}

func findJSONStart(content string) int {
	for i := 0; i < len(content); i++ {
		if content[i] == '{' {
			return i
		}
	}
	return -1
}

// findJSONEnd returns the index after the brace closing the object opened
// at start, skipping braces inside strings
func findJSONEnd(content string, start int) int {
	if start < 0 || start >= len(content) || content[start] != '{' {
		return -1
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		c := content[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}
