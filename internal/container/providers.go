package container

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/application/port"
	"github.com/garyjia/receipt-pipeline/internal/config"
	infraLark "github.com/garyjia/receipt-pipeline/internal/infrastructure/external/lark"
	"github.com/garyjia/receipt-pipeline/internal/infrastructure/external/openai"
	"github.com/garyjia/receipt-pipeline/internal/infrastructure/persistence/postgres"
	"github.com/garyjia/receipt-pipeline/internal/infrastructure/persistence/redisstore"
	"github.com/garyjia/receipt-pipeline/internal/infrastructure/persistence/repository"
	"github.com/garyjia/receipt-pipeline/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/receipt-pipeline/internal/notification"
	"github.com/garyjia/receipt-pipeline/internal/resilience"
	"github.com/garyjia/receipt-pipeline/migrations"
	"github.com/garyjia/receipt-pipeline/pkg/database"
)

// DatabaseBundle holds the sqlite handle and the transaction manager on top of it
type DatabaseBundle struct {
	DB             *database.DB
	TransactionMgr *sqlite.DB
}

// RepositoryBundle groups the sqlite repositories
type RepositoryBundle struct {
	Transactions  *repository.TransactionRepository
	EmailHistory  *repository.EmailHistoryRepository
	Idempotency   *repository.IdempotencyRepository
	Mappings      *repository.MappingRepository
	ProcessingLog *repository.ProcessingLogRepository
}

// IdempotencyBundle is the selected idempotency backend. Close releases the
// backend's own connection and is nil for sqlite.
type IdempotencyBundle struct {
	Backend string
	Repo    port.IdempotencyRepository
	Close   func() error
}

// AIBundle holds the OpenAI backed normalizer and extractor
type AIBundle struct {
	Normalizer *openai.Normalizer
	Extractor  *openai.Extractor
}

// ProvideDatabase opens sqlite and applies the embedded migrations
func ProvideDatabase(cfg config.DatabaseConfig, logger *zap.Logger) (*DatabaseBundle, error) {
	db, err := database.New(database.Config{
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, err
	}

	applied, err := database.NewMigrator(db, logger).RunMigrations(migrations.FS)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("Database ready", zap.String("path", cfg.Path), zap.Int("migrations_applied", applied))

	return &DatabaseBundle{
		DB:             db,
		TransactionMgr: sqlite.NewDB(db.DB, logger),
	}, nil
}

// ProvideRepositories creates the sqlite repositories
func ProvideRepositories(db *database.DB, logger *zap.Logger) *RepositoryBundle {
	return &RepositoryBundle{
		Transactions:  repository.NewTransactionRepository(db.DB, logger),
		EmailHistory:  repository.NewEmailHistoryRepository(db.DB, logger),
		Idempotency:   repository.NewIdempotencyRepository(db.DB, logger),
		Mappings:      repository.NewMappingRepository(db.DB, logger),
		ProcessingLog: repository.NewProcessingLogRepository(db.DB, logger),
	}
}

// ProvideIdempotencyStore selects the idempotency backend. sqlite reuses the
// repository from repos.
func ProvideIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, repos *RepositoryBundle, logger *zap.Logger) (*IdempotencyBundle, error) {
	switch cfg.Backend {
	case "", config.BackendSQLite:
		return &IdempotencyBundle{Backend: config.BackendSQLite, Repo: repos.Idempotency}, nil

	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		repo, err := postgres.NewIdempotencyRepository(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return &IdempotencyBundle{
			Backend: config.BackendPostgres,
			Repo:    repo,
			Close: func() error {
				pool.Close()
				return nil
			},
		}, nil

	case config.BackendRedis:
		rdb, err := redisstore.NewClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		return &IdempotencyBundle{
			Backend: config.BackendRedis,
			Repo:    redisstore.NewIdempotencyRepository(rdb, cfg.RedisPrefix, cfg.Retention, logger),
			Close:   rdb.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown idempotency backend %q", cfg.Backend)
	}
}

// ProvideEngine builds the retry engine with configured policy overrides
func ProvideEngine(cfg *config.Config, logger *zap.Logger) *resilience.Engine {
	return resilience.NewEngine(MergePolicies(resilience.DefaultPolicies(), cfg.Retry), logger,
		resilience.WithBreakerSettings(cfg.Pipeline.BreakerThreshold, cfg.Pipeline.BreakerCooldown))
}

// MergePolicies applies overrides to the named policies. An override for an
// unknown name starts from the default policy.
func MergePolicies(base map[string]resilience.Policy, overrides map[string]config.RetryPolicyConfig) map[string]resilience.Policy {
	out := make(map[string]resilience.Policy, len(base)+len(overrides))
	for name, p := range base {
		out[name] = p
	}
	for name, o := range overrides {
		p, ok := out[name]
		if !ok {
			p = out[resilience.PolicyDefault]
			p.Name = name
		}
		if o.MaxRetries != nil && *o.MaxRetries >= 0 {
			p.MaxRetries = *o.MaxRetries
		}
		if o.BaseDelay > 0 {
			p.BaseDelay = o.BaseDelay
		}
		if o.MaxDelay > 0 {
			p.MaxDelay = o.MaxDelay
		}
		if o.Multiplier > 0 {
			p.Multiplier = o.Multiplier
		}
		if o.Jitter > 0 {
			p.Jitter = o.Jitter
		}
		out[name] = p
	}
	return out
}

// ProvideNotifier wires the Lark sender behind the notification service.
// It returns nil when notifications are disabled.
func ProvideNotifier(cfg config.NotificationConfig, engine *resilience.Engine, logger *zap.Logger) (*notification.Service, *notification.Limiter) {
	if !cfg.Enabled {
		logger.Info("Notifications disabled")
		return nil, nil
	}

	client := infraLark.NewSDKClient(infraLark.Config{
		AppID:     cfg.AppID,
		AppSecret: cfg.AppSecret,
		BaseURL:   cfg.BaseURL,
	}, logger)
	limiter := notification.NewLimiter(cfg.RateLimit, cfg.RateWindow)
	svc := notification.NewService(infraLark.NewSender(client, logger), limiter, engine,
		notification.Config{AdminChatID: cfg.AdminChatID}, logger)
	return svc, limiter
}

// ProvideAI builds the normalizer and extractor. Prompts come from
// cfg.PromptsPath when set and from the compiled-in defaults otherwise.
func ProvideAI(cfg config.OpenAIConfig, logger *zap.Logger) (*AIBundle, error) {
	var (
		prompts *openai.PromptConfig
		err     error
	)
	if cfg.PromptsPath != "" {
		prompts, err = openai.LoadPrompts(cfg.PromptsPath)
	} else {
		prompts, err = openai.DefaultPrompts()
	}
	if err != nil {
		return nil, err
	}

	client := openai.NewClient(cfg.APIKey, cfg.BaseURL)
	return &AIBundle{
		Normalizer: openai.NewNormalizer(client, cfg.Model, prompts, logger),
		Extractor:  openai.NewExtractor(client, cfg.Model, prompts, logger),
	}, nil
}
