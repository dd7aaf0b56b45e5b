package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/config"
	"github.com/garyjia/receipt-pipeline/internal/container"
	"github.com/garyjia/receipt-pipeline/pkg/utils"
)

var Version = "dev"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "receiptctl",
		Short:         "Operate the receipt pipeline from the command line",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("RECEIPTS_CONFIG"), "path to the YAML config file")

	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(statusCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and a logger that never writes to stdout,
// which is reserved for command output
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Logger.OutputPath == "" || cfg.Logger.OutputPath == "stdout" {
		cfg.Logger.OutputPath = "stderr"
	}

	logger, err := utils.NewLogger(utils.LoggerConfig{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

// openContainer starts the container without the HTTP server and workers.
// The returned func closes it and flushes the logger.
func openContainer(ctx context.Context) (*container.Container, func(), error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	c, err := container.NewContainer(cfg, logger, container.WithoutServer())
	if err != nil {
		logger.Sync()
		return nil, nil, err
	}
	closeFn := func() {
		if err := c.Close(); err != nil {
			logger.Warn("Container closed with errors", zap.Error(err))
		}
		logger.Sync()
	}
	if err := c.Start(ctx); err != nil {
		closeFn()
		return nil, nil, err
	}
	return c, closeFn, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
