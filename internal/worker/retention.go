package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// IdempotencyCleaner deletes idempotency records past retention
type IdempotencyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// LimiterSweeper evicts expired rate limit windows
type LimiterSweeper interface {
	Sweep(now time.Time) int
}

// RawPruner deletes stored raw emails older than a cutoff
type RawPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// RetentionConfig configures RetentionWorker
type RetentionConfig struct {
	Interval             time.Duration
	IdempotencyRetention time.Duration
	// RawRetention of zero keeps raw emails forever
	RawRetention time.Duration
}

// RetentionWorker periodically enforces retention on idempotency records and
// raw emails, and sweeps the notification limiter
type RetentionWorker struct {
	idempotency IdempotencyCleaner
	limiter     LimiterSweeper
	raw         RawPruner
	cfg         RetentionConfig
	logger      *zap.Logger
	now         func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewRetentionWorker creates the worker. limiter and raw may be nil.
func NewRetentionWorker(idempotency IdempotencyCleaner, limiter LimiterSweeper, raw RawPruner, cfg RetentionConfig, logger *zap.Logger) *RetentionWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &RetentionWorker{
		idempotency: idempotency,
		limiter:     limiter,
		raw:         raw,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// Name returns the worker name for identification
func (w *RetentionWorker) Name() string {
	return "RetentionWorker"
}

// Start launches the loop. The first pass runs immediately.
func (w *RetentionWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("retention worker is already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	w.logger.Info("RetentionWorker started",
		zap.Duration("interval", w.cfg.Interval),
		zap.Duration("idempotency_retention", w.cfg.IdempotencyRetention))

	go w.loop(loopCtx, w.done)
	return nil
}

// Stop cancels the loop and waits for the current pass to finish
func (w *RetentionWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
}

func (w *RetentionWorker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single retention pass. Errors are logged; one failing
// step does not skip the others.
func (w *RetentionWorker) RunOnce(ctx context.Context) {
	now := w.now()

	if w.idempotency != nil && w.cfg.IdempotencyRetention > 0 {
		deleted, err := w.idempotency.Cleanup(ctx, w.cfg.IdempotencyRetention)
		if err != nil {
			w.logger.Error("Idempotency cleanup failed", zap.Error(err))
		} else if deleted > 0 {
			w.logger.Info("Idempotency records cleaned up", zap.Int64("deleted", deleted))
		}
	}

	if w.raw != nil && w.cfg.RawRetention > 0 {
		if _, err := w.raw.Prune(ctx, now.Add(-w.cfg.RawRetention)); err != nil {
			w.logger.Error("Raw email pruning failed", zap.Error(err))
		}
	}

	if w.limiter != nil {
		if evicted := w.limiter.Sweep(now); evicted > 0 {
			w.logger.Debug("Rate limiter swept", zap.Int("evicted_keys", evicted))
		}
	}
}
