package params

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ThrottleRegistry hands out one rate limiter per client key so the store can
// throttle chatty clients without clients coordinating with each other.
type ThrottleRegistry struct {
	mu       sync.RWMutex
	limiters map[string]*throttleEntry
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottleRegistry creates a registry allowing perSecond fetches per client.
// A non-positive perSecond disables throttling.
func NewThrottleRegistry(perSecond float64, burst int) *ThrottleRegistry {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &ThrottleRegistry{
		limiters: make(map[string]*throttleEntry),
		limit:    limit,
		burst:    burst,
		idleTTL:  10 * time.Minute,
	}
}

// Allow reports whether clientKey may fetch now
func (r *ThrottleRegistry) Allow(clientKey string) bool {
	if r.limit == rate.Inf {
		return true
	}
	return r.getOrCreate(clientKey).Allow()
}

func (r *ThrottleRegistry) getOrCreate(clientKey string) *rate.Limiter {
	now := time.Now()

	r.mu.RLock()
	entry, ok := r.limiters[clientKey]
	r.mu.RUnlock()
	if ok {
		r.mu.Lock()
		entry.lastSeen = now
		r.mu.Unlock()
		return entry.limiter
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if entry, ok := r.limiters[clientKey]; ok {
		entry.lastSeen = now
		return entry.limiter
	}

	entry = &throttleEntry{
		limiter:  rate.NewLimiter(r.limit, r.burst),
		lastSeen: now,
	}
	r.limiters[clientKey] = entry

	if len(r.limiters) > 1000 {
		r.evictIdleLocked(now)
	}
	return entry.limiter
}

// evictIdleLocked drops limiters of clients that have not fetched recently.
// Must be called with mu held.
func (r *ThrottleRegistry) evictIdleLocked(now time.Time) {
	cutoff := now.Add(-r.idleTTL)
	for key, entry := range r.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(r.limiters, key)
		}
	}
}

// Len returns the number of tracked clients
func (r *ThrottleRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.limiters)
}
