package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/domain/failure"
)

// Outcome is the result of a retried operation
type Outcome[T any] struct {
	Value    T
	Err      error
	Attempts int
	Total    time.Duration
}

// Success reports whether the operation eventually succeeded
func (o Outcome[T]) Success() bool {
	return o.Err == nil
}

// TotalMs returns the total elapsed time in milliseconds
func (o Outcome[T]) TotalMs() int64 {
	return o.Total.Milliseconds()
}

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// Engine runs operations under named retry policies and shared per-operation
// circuit breakers
type Engine struct {
	policies map[string]Policy
	breakers *BreakerRegistry
	logger   *zap.Logger
	now      func() time.Time
	sleep    Sleeper
	jitter   func(max time.Duration) time.Duration
}

// EngineOption configures an Engine
type EngineOption func(*engineOptions)

type engineOptions struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	sleep     Sleeper
	jitter    func(max time.Duration) time.Duration
}

// WithBreakerSettings sets the failure threshold and cooldown
func WithBreakerSettings(threshold int, cooldown time.Duration) EngineOption {
	return func(o *engineOptions) {
		o.threshold = threshold
		o.cooldown = cooldown
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) EngineOption {
	return func(o *engineOptions) { o.now = now }
}

// WithSleeper replaces the backoff wait
func WithSleeper(sleep Sleeper) EngineOption {
	return func(o *engineOptions) { o.sleep = sleep }
}

// WithJitterSource replaces the random jitter source
func WithJitterSource(jitter func(max time.Duration) time.Duration) EngineOption {
	return func(o *engineOptions) { o.jitter = jitter }
}

// NewEngine creates an engine. Policies missing from the map fall back to
// DefaultPolicies.
func NewEngine(policies map[string]Policy, logger *zap.Logger, opts ...EngineOption) *Engine {
	o := engineOptions{
		threshold: DefaultFailureThreshold,
		cooldown:  DefaultCooldown,
		now:       time.Now,
		sleep:     sleepContext,
		jitter:    randomJitter,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	merged := DefaultPolicies()
	for name, p := range policies {
		p.Name = name
		merged[name] = p
	}

	return &Engine{
		policies: merged,
		breakers: NewBreakerRegistry(o.threshold, o.cooldown, o.now),
		logger:   logger,
		now:      o.now,
		sleep:    o.sleep,
		jitter:   o.jitter,
	}
}

// Policy returns the named policy, or the default policy if unknown
func (e *Engine) Policy(name string) Policy {
	if p, ok := e.policies[name]; ok {
		return p
	}
	e.logger.Warn("Unknown retry policy, using default", zap.String("policy", name))
	return e.policies[PolicyDefault]
}

// Breaker returns the shared breaker for an operation name
func (e *Engine) Breaker(operation string) *Breaker {
	return e.breakers.Get(operation)
}

// Breakers returns snapshots of all breakers
func (e *Engine) Breakers() []BreakerSnapshot {
	return e.breakers.Snapshots()
}

// Delay returns the wait before retry number attempt+1 under p
func (e *Engine) Delay(p Policy, attempt int) time.Duration {
	d := p.Backoff(attempt)
	if p.Jitter > 0 {
		d += e.jitter(p.Jitter)
	}
	return d
}

// Execute runs op under the named policy. An open breaker for operation
// rejects the call with failure.KindCircuitOpen without invoking op.
func Execute[T any](ctx context.Context, e *Engine, operation, policyName string, op func(ctx context.Context) (T, error), overrides ...Override) Outcome[T] {
	policy := e.Policy(policyName)
	for _, o := range overrides {
		o(&policy)
	}

	breaker := e.breakers.Get(operation)
	start := e.now()
	var out Outcome[T]

	for attempt := 0; ; attempt++ {
		if !breaker.Allow() {
			out.Err = failure.New(failure.KindCircuitOpen, operation, "circuit breaker is open")
			out.Total = e.now().Sub(start)
			e.logger.Warn("Circuit open, call rejected",
				zap.String("operation", operation),
				zap.Int("attempts", out.Attempts))
			return out
		}

		value, err := op(ctx)
		out.Attempts = attempt + 1
		if err == nil {
			breaker.RecordSuccess()
			out.Value = value
			out.Err = nil
			out.Total = e.now().Sub(start)
			return out
		}

		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			breaker.Release()
			out.Err = err
			out.Total = e.now().Sub(start)
			return out
		}

		breaker.RecordFailure()
		out.Err = err
		kind := failure.KindOf(err)

		if attempt >= policy.MaxRetries || !policy.IsRetryable(kind) {
			out.Total = e.now().Sub(start)
			e.logger.Warn("Operation failed",
				zap.String("operation", operation),
				zap.String("policy", policy.Name),
				zap.String("kind", kind.String()),
				zap.Int("attempts", out.Attempts),
				zap.Error(err))
			return out
		}

		delay := e.Delay(policy, attempt)
		e.logger.Info("Retrying operation",
			zap.String("operation", operation),
			zap.String("kind", kind.String()),
			zap.Int("attempt", out.Attempts),
			zap.Duration("delay", delay))

		if err := e.sleep(ctx, delay); err != nil {
			out.Err = fmt.Errorf("retry wait for %s: %w", operation, err)
			out.Total = e.now().Sub(start)
			return out
		}
	}
}

// Do is Execute for operations that return only an error
func Do(ctx context.Context, e *Engine, operation, policyName string, op func(ctx context.Context) error, overrides ...Override) Outcome[struct{}] {
	return Execute(ctx, e, operation, policyName, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, overrides...)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}
