// Package container wires the receipt pipeline from configuration and owns
// the lifecycle of everything it opens.
package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/application/service"
	"github.com/garyjia/receipt-pipeline/internal/attachment"
	"github.com/garyjia/receipt-pipeline/internal/config"
	"github.com/garyjia/receipt-pipeline/internal/duplicate"
	"github.com/garyjia/receipt-pipeline/internal/export"
	"github.com/garyjia/receipt-pipeline/internal/fallback"
	"github.com/garyjia/receipt-pipeline/internal/idempotency"
	"github.com/garyjia/receipt-pipeline/internal/infrastructure/storage"
	httpif "github.com/garyjia/receipt-pipeline/internal/interfaces/http"
	"github.com/garyjia/receipt-pipeline/internal/mailparse"
	"github.com/garyjia/receipt-pipeline/internal/mapping"
	"github.com/garyjia/receipt-pipeline/internal/notification"
	"github.com/garyjia/receipt-pipeline/internal/resilience"
	"github.com/garyjia/receipt-pipeline/internal/sanitizer"
	"github.com/garyjia/receipt-pipeline/internal/webhook"
	"github.com/garyjia/receipt-pipeline/internal/worker"
	"github.com/garyjia/receipt-pipeline/pkg/utils"
)

// Container manages all application dependencies and lifecycle.
// Components are initialized in dependency order and torn down in reverse.
type Container struct {
	config *config.Config
	logger *zap.Logger
	serve  bool

	// Data
	database     *DatabaseBundle
	repositories *RepositoryBundle
	idempotency  *IdempotencyBundle
	idemService  *idempotency.Service

	// Resilience and external
	engine   *resilience.Engine
	notifier *notification.Service
	limiter  *notification.Limiter
	ai       *AIBundle

	// Application
	mapper      *mapping.Applier
	pipeline    service.PipelineService
	corrections service.CorrectionService
	rawStore    *storage.RawEmailStore
	exporter    *export.ExcelExporter
	verifier    *webhook.Verifier

	// Serving
	server  *httpif.Server
	workers *worker.Manager

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	ready  atomic.Bool
	closed atomic.Bool
}

// Option adjusts how the container starts
type Option func(*Container)

// WithoutServer skips the HTTP server and background workers. The CLI runs
// this way.
func WithoutServer() Option {
	return func(c *Container) { c.serve = false }
}

// HealthStatus represents the health of all components.
type HealthStatus struct {
	Overall    bool                       `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents health of a single component.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// NewContainer validates cfg. Call Start to initialize components.
func NewContainer(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Container{config: cfg, logger: logger, serve: true}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start initializes all components. On error, Close releases whatever was
// opened.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container has been closed")
	}
	if c.ready.Load() {
		return fmt.Errorf("container already started")
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Info("Starting container initialization")

	if err := c.initDatabase(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := c.initIdempotency(); err != nil {
		return fmt.Errorf("failed to initialize idempotency store: %w", err)
	}
	if err := c.initExternal(); err != nil {
		return fmt.Errorf("failed to initialize external clients: %w", err)
	}
	c.initPipeline()
	c.initStorage()

	if c.serve {
		c.initServer()
		if err := c.initWorkers(); err != nil {
			return fmt.Errorf("failed to start workers: %w", err)
		}
	}

	c.ready.Store(true)
	c.logger.Info("Container started",
		zap.String("idempotency_backend", c.idempotency.Backend),
		zap.Bool("notifications", c.notifier != nil),
		zap.String("model", c.config.OpenAI.Model),
		zap.Bool("serving", c.serve))
	return nil
}

func (c *Container) initDatabase() error {
	db, err := ProvideDatabase(c.config.Database, c.logger)
	if err != nil {
		return err
	}
	c.database = db
	c.repositories = ProvideRepositories(db.DB, c.logger)
	return nil
}

func (c *Container) initIdempotency() error {
	bundle, err := ProvideIdempotencyStore(c.ctx, c.config.Idempotency, c.repositories, c.logger)
	if err != nil {
		return err
	}
	c.idempotency = bundle
	c.idemService = idempotency.NewService(bundle.Repo, c.logger)
	return nil
}

func (c *Container) initExternal() error {
	c.engine = ProvideEngine(c.config, c.logger)
	c.notifier, c.limiter = ProvideNotifier(c.config.Notification, c.engine, c.logger)

	ai, err := ProvideAI(c.config.OpenAI, c.logger)
	if err != nil {
		return err
	}
	c.ai = ai
	return nil
}

func (c *Container) initPipeline() {
	c.mapper = mapping.NewApplier(c.repositories.Mappings, c.logger)
	deps := service.PipelineDeps{
		Parser:       mailparse.New(c.config.Pipeline.MaxMessageBytes, c.logger),
		Tx:           c.database.TransactionMgr,
		Idempotency:  c.idemService,
		Duplicates:   duplicate.NewDetector(c.repositories.EmailHistory, c.config.Duplicate.Window, c.logger),
		Sanitizer:    sanitizer.New(sanitizer.DefaultConfig(), c.logger),
		Attachments:  attachment.NewDefaultRegistry(c.logger),
		Fallback:     fallback.NewCategorizer(c.logger),
		Mapper:       c.mapper,
		Normalizer:   c.ai.Normalizer,
		Extractor:    c.ai.Extractor,
		Transactions: c.repositories.Transactions,
		Audit:        c.repositories.ProcessingLog,
		Engine:       c.engine,
	}
	// The notifier must stay an untyped nil when disabled
	if c.notifier != nil {
		deps.Notifier = c.notifier
	}

	c.pipeline = service.NewPipelineService(deps, service.PipelineConfig{
		AITimeout: c.config.Pipeline.AITimeout,
		BatchSize: c.config.Pipeline.BatchSize,
	}, utils.NewKVLogger(c.logger))

	c.corrections = service.NewCorrectionService(c.repositories.Transactions, c.mapper,
		c.database.TransactionMgr, utils.NewKVLogger(c.logger))
}

func (c *Container) initStorage() {
	c.rawStore = storage.NewRawEmailStore(c.config.Storage.RawDir, c.logger)
	c.exporter = export.NewExcelExporter(c.repositories.Transactions, c.config.Export.OutputDir, c.logger)
	c.verifier = webhook.NewVerifier(c.config.Webhook.Secrets, c.config.Webhook.ReplayWindow, c.logger)
}

func (c *Container) initServer() {
	c.server = httpif.NewServer(httpif.ServerConfig{
		Host:         c.config.Server.Host,
		Port:         c.config.Server.Port,
		ReadTimeout:  c.config.Server.ReadTimeout,
		WriteTimeout: c.config.Server.WriteTimeout,
		MaxBodyBytes: c.config.Server.MaxBodyBytes,
	}, httpif.HandlerDeps{
		Pipeline:     c.pipeline,
		Verifier:     c.verifier,
		RawStore:     c.rawStore,
		Transactions: c.repositories.Transactions,
		Corrections:  c.corrections,
		Exporter:     c.exporter,
	}, utils.NewKVLogger(c.logger))
}

func (c *Container) initWorkers() error {
	var sweeper worker.LimiterSweeper
	if c.limiter != nil {
		sweeper = c.limiter
	}

	c.workers = worker.NewManager(c.logger)
	c.workers.Register(worker.NewRetentionWorker(c.idemService, sweeper, c.rawStore, worker.RetentionConfig{
		Interval:             c.config.Pipeline.RetentionInterval,
		IdempotencyRetention: c.config.Idempotency.Retention,
		RawRetention:         c.config.Storage.RawRetention,
	}, c.logger))
	return c.workers.StartAll(c.ctx)
}

// Close shuts down all components in reverse order of initialization.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Swap(true) {
		return fmt.Errorf("container already closed")
	}
	c.ready.Store(false)
	c.logger.Info("Closing container")

	if c.cancel != nil {
		c.cancel()
	}

	var errs []error

	if c.workers != nil {
		c.workers.StopAll()
		c.logger.Info("Workers stopped")
	}

	if c.server != nil {
		if err := c.server.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop server: %w", err))
		}
	}

	if c.idempotency != nil && c.idempotency.Close != nil {
		if err := c.idempotency.Close(); err != nil {
			c.logger.Error("Failed to close idempotency backend", zap.Error(err))
			errs = append(errs, fmt.Errorf("close idempotency backend: %w", err))
		}
	}

	if c.database != nil {
		if err := c.database.DB.Close(); err != nil {
			c.logger.Error("Failed to close database", zap.Error(err))
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	c.logger.Info("Container closed")
	return nil
}

// Ready reports whether Start completed
func (c *Container) Ready() bool {
	return c.ready.Load()
}

// Health returns health status of all components.
func (c *Container) Health(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Overall:    true,
		Components: make(map[string]ComponentHealth),
	}
	set := func(name string, h ComponentHealth) {
		status.Components[name] = h
		if !h.Healthy {
			status.Overall = false
		}
	}

	switch {
	case c.database == nil:
		set("database", ComponentHealth{Message: "not initialized"})
	default:
		if err := c.database.DB.PingContext(ctx); err != nil {
			set("database", ComponentHealth{Message: fmt.Sprintf("ping failed: %v", err)})
		} else {
			set("database", ComponentHealth{Healthy: true})
		}
	}

	if c.idempotency == nil {
		set("idempotency", ComponentHealth{Message: "not initialized"})
	} else {
		set("idempotency", ComponentHealth{Healthy: true, Message: c.idempotency.Backend})
	}

	if c.notifier == nil {
		set("notifications", ComponentHealth{Healthy: true, Message: "disabled"})
	} else {
		set("notifications", ComponentHealth{Healthy: true, Message: fmt.Sprintf("tracked recipients: %d", c.limiter.Len())})
	}

	if c.serve {
		if c.workers == nil {
			set("workers", ComponentHealth{Message: "not initialized"})
		} else {
			set("workers", ComponentHealth{Healthy: true, Message: fmt.Sprintf("worker count: %d", c.workers.Count())})
		}
	}

	return status
}

// Config returns the configuration the container was built from
func (c *Container) Config() *config.Config {
	return c.config
}

// Pipeline returns the pipeline service
func (c *Container) Pipeline() service.PipelineService {
	return c.pipeline
}

// Corrections returns the transaction correction service
func (c *Container) Corrections() service.CorrectionService {
	return c.corrections
}

// Repositories returns the sqlite repositories
func (c *Container) Repositories() *RepositoryBundle {
	return c.repositories
}

// Idempotency returns the idempotency service on the configured backend
func (c *Container) Idempotency() *idempotency.Service {
	return c.idemService
}

// RawStore returns the raw email store
func (c *Container) RawStore() *storage.RawEmailStore {
	return c.rawStore
}

// Exporter returns the transaction exporter
func (c *Container) Exporter() *export.ExcelExporter {
	return c.exporter
}

// Limiter returns the notification limiter, nil when notifications are off
func (c *Container) Limiter() *notification.Limiter {
	return c.limiter
}

// Server returns the HTTP server, nil under WithoutServer
func (c *Container) Server() *httpif.Server {
	return c.server
}

// Logger returns the container's logger
func (c *Container) Logger() *zap.Logger {
	return c.logger
}
