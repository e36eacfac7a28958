package coordserver

import (
	"sync"
	"time"
)

const (
	defaultIdempotencyTTL = 10 * time.Minute
	cleanupThreshold      = 1000
)

type idempotencyEntry struct {
	response  *InsertResponse
	createdAt time.Time
}

// IdempotencyManager remembers acknowledged insert batches so that a client
// retrying after a lost ack does not insert the same transitions twice
type IdempotencyManager struct {
	ttl   time.Duration
	now   func() time.Time
	cache map[string]*idempotencyEntry
	mu    sync.RWMutex
}

// NewIdempotencyManager creates a manager that forgets batches after ttl
func NewIdempotencyManager(ttl time.Duration) *IdempotencyManager {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &IdempotencyManager{
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]*idempotencyEntry),
	}
}

// Check returns the cached ack for batchID, or nil
func (im *IdempotencyManager) Check(batchID string) *InsertResponse {
	if batchID == "" {
		return nil
	}

	im.mu.RLock()
	defer im.mu.RUnlock()

	entry, ok := im.cache[batchID]
	if !ok || im.now().Sub(entry.createdAt) > im.ttl {
		return nil
	}
	return entry.response
}

// Store caches the ack for batchID
func (im *IdempotencyManager) Store(batchID string, resp *InsertResponse) {
	if batchID == "" {
		return
	}

	im.mu.Lock()
	defer im.mu.Unlock()

	im.cache[batchID] = &idempotencyEntry{response: resp, createdAt: im.now()}
	if len(im.cache) > cleanupThreshold {
		im.cleanupLocked()
	}
}

// Len returns the number of cached batches, expired or not
func (im *IdempotencyManager) Len() int {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return len(im.cache)
}

// Must be called with mu held
func (im *IdempotencyManager) cleanupLocked() {
	cutoff := im.now().Add(-im.ttl)
	for id, entry := range im.cache {
		if entry.createdAt.Before(cutoff) {
			delete(im.cache, id)
		}
	}
}
