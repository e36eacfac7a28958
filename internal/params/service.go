package params

import (
	"context"
	"errors"
)

// ErrThrottled is returned when a client fetches more often than its allowance
var ErrThrottled = errors.New("parameter fetch throttled")

// Service answers snapshot fetches on behalf of the store, applying per-client
// throttling keyed by the caller's temporary client key.
type Service struct {
	store    *Store
	throttle *ThrottleRegistry
}

// NewService creates a fetch service. throttle may be nil to disable throttling.
func NewService(store *Store, throttle *ThrottleRegistry) *Service {
	return &Service{store: store, throttle: throttle}
}

// FetchSnapshot returns the latest snapshot. When the caller already holds
// minVersion or newer the returned snapshot carries only its version.
func (s *Service) FetchSnapshot(ctx context.Context, clientKey string, minVersion int64) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.throttle != nil && !s.throttle.Allow(clientKey) {
		return nil, ErrThrottled
	}
	snap, err := s.store.Latest()
	if err != nil {
		return nil, err
	}
	if minVersion >= 0 && snap.Version <= minVersion {
		return &Snapshot{Version: snap.Version, PublishedAt: snap.PublishedAt}, nil
	}
	return snap, nil
}
