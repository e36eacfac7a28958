package params

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoSnapshot is returned when the store has not published any parameters yet
var ErrNoSnapshot = errors.New("no parameter snapshot published yet")

// Snapshot is an immutable, versioned copy of the learner's parameters.
// Callers must treat Params as read-only.
type Snapshot struct {
	Version     int64
	Params      Tensors
	PublishedAt time.Time
}

// Store holds the current parameter snapshot. It has a single writer (the learner)
// and any number of readers; a publish is one atomic pointer swap so readers never
// observe a partially written snapshot.
type Store struct {
	current atomic.Pointer[Snapshot]
	logger  zerolog.Logger
}

// NewStore creates an empty parameter store
func NewStore(logger zerolog.Logger) *Store {
	return &Store{
		logger: logger.With().Str("component", "parameter_store").Logger(),
	}
}

// Publish installs a copy of p as the next snapshot. The first publish is version 0
// and every later publish increments the version by one.
func (s *Store) Publish(p Tensors) *Snapshot {
	payload := p.Clone()
	for {
		prev := s.current.Load()
		next := &Snapshot{Params: payload, PublishedAt: time.Now()}
		if prev != nil {
			next.Version = prev.Version + 1
		}
		if s.current.CompareAndSwap(prev, next) {
			s.logger.Debug().
				Int64("version", next.Version).
				Int("tensors", len(payload)).
				Msg("Published parameter snapshot")
			return next
		}
	}
}

// Latest returns the current snapshot or ErrNoSnapshot
func (s *Store) Latest() (*Snapshot, error) {
	snap := s.current.Load()
	if snap == nil {
		return nil, ErrNoSnapshot
	}
	return snap, nil
}

// Version returns the current version, or -1 when nothing has been published
func (s *Store) Version() int64 {
	if snap := s.current.Load(); snap != nil {
		return snap.Version
	}
	return -1
}
