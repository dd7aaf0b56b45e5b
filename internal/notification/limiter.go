package notification

import (
	"sync"
	"time"
)

// Limiter is a sliding-window counter per key. Timestamps older than the
// window are evicted on access and by Sweep.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
}

// NewLimiter allows limit events per key within window. A non-positive
// limit disables limiting.
func NewLimiter(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// Allow records an event for key at now and reports whether it is within
// the limit. Rejected events are not recorded.
func (l *Limiter) Allow(key string, now time.Time) bool {
	if l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.evict(l.hits[key], now)
	if len(recent) >= l.limit {
		l.hits[key] = recent
		return false
	}
	l.hits[key] = append(recent, now)
	return true
}

// Sweep drops expired timestamps for every key and removes empty keys. It
// returns the number of keys removed.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, times := range l.hits {
		recent := l.evict(times, now)
		if len(recent) == 0 {
			delete(l.hits, key)
			removed++
			continue
		}
		l.hits[key] = recent
	}
	return removed
}

// Len returns the number of tracked keys
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}

// evict keeps the timestamps inside (now-window, now]. times is sorted.
func (l *Limiter) evict(times []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append(times[:0:0], times[i:]...)
}
