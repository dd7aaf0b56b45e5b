package lark

import (
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"go.uber.org/zap"
)

// Config holds Lark app credentials
type Config struct {
	AppID     string
	AppSecret string
	// BaseURL overrides the open platform domain, e.g. for Feishu
	BaseURL string
}

// NewSDKClient creates a Lark SDK client with token caching enabled
func NewSDKClient(cfg Config, logger *zap.Logger) *lark.Client {
	opts := []lark.ClientOptionFunc{
		lark.WithLogLevel(larkcore.LogLevelInfo),
		lark.WithEnableTokenCache(true),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, lark.WithOpenBaseUrl(cfg.BaseURL))
	}

	logger.Info("Lark client configured", zap.String("app_id", cfg.AppID))
	return lark.NewClient(cfg.AppID, cfg.AppSecret, opts...)
}
