package resilience

import (
	"sync"
	"time"
)

// CircuitState is the state of one circuit breaker
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Breaker defaults
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 60 * time.Second
)

// BreakerSnapshot is a point-in-time copy of a breaker's state
type BreakerSnapshot struct {
	Name        string       `json:"name"`
	State       CircuitState `json:"state"`
	Failures    int          `json:"failures"`
	LastFailure time.Time    `json:"last_failure"`
}

// Breaker is a consecutive-failure circuit breaker for one operation.
// Safe for concurrent use.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu            sync.Mutex
	state         CircuitState
	failures      int
	lastFailure   time.Time
	trialInFlight bool
}

// NewBreaker creates a closed breaker
func NewBreaker(name string, threshold int, cooldown time.Duration, now func() time.Time) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       now,
		state:     CircuitClosed,
	}
}

// Allow reports whether a call may proceed. An open breaker whose cooldown
// has elapsed moves to half-open and admits exactly one trial call.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if b.now().Sub(b.lastFailure) < b.cooldown {
			return false
		}
		b.state = CircuitHalfOpen
		b.trialInFlight = true
		return true
	case CircuitHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	}
	return false
}

// RecordSuccess closes the breaker and resets the failure count
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = CircuitClosed
	b.failures = 0
	b.trialInFlight = false
}

// RecordFailure counts a failure. A failed half-open trial reopens the
// breaker and restarts the cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	if b.state == CircuitHalfOpen {
		b.state = CircuitOpen
		b.trialInFlight = false
		return
	}
	if b.failures >= b.threshold {
		b.state = CircuitOpen
	}
}

// Release gives back a half-open trial slot without recording an outcome,
// used when the caller abandoned the call.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialInFlight = false
}

// Snapshot returns the current state
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.state
	if state == CircuitOpen && b.now().Sub(b.lastFailure) >= b.cooldown {
		state = CircuitHalfOpen
	}
	return BreakerSnapshot{
		Name:        b.name,
		State:       state,
		Failures:    b.failures,
		LastFailure: b.lastFailure,
	}
}

// BreakerRegistry hands out one shared breaker per operation name
type BreakerRegistry struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerRegistry creates an empty registry
func NewBreakerRegistry(threshold int, cooldown time.Duration, now func() time.Time) *BreakerRegistry {
	return &BreakerRegistry{
		threshold: threshold,
		cooldown:  cooldown,
		now:       now,
		breakers:  make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use
func (r *BreakerRegistry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.threshold, r.cooldown, r.now)
		r.breakers[name] = b
	}
	return b
}

// Snapshots returns the state of every breaker created so far
func (r *BreakerRegistry) Snapshots() []BreakerSnapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
