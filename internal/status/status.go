// Package status implements the shared coordination cell read by every actor and
// written by the learner. Values are protobuf well-known Values so the same cell
// can be served over the wire without a bespoke schema.
package status

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// KeyTerminate is the one-shot flag the learner sets when training is complete
const KeyTerminate = "terminate"

var (
	// ErrKeyNotFound is returned when a requested key has never been set
	ErrKeyNotFound = errors.New("status key not found")
	// ErrTypeMismatch is returned when a key or value has the wrong type
	ErrTypeMismatch = errors.New("status type mismatch")
	// ErrStickyKey is returned when a write tries to clear a sticky flag
	ErrStickyKey = errors.New("status key is sticky and already set")
	// ErrUnavailable is returned by remote readers when the status service cannot be reached
	ErrUnavailable = errors.New("status service unavailable")
)

// Reader is the read side of the shared status, used by actors
type Reader interface {
	GetInfo(ctx context.Context, keys ...string) (map[string]*structpb.Value, error)
}

// Writer is the write side of the shared status, used by the learner
type Writer interface {
	SetInfo(ctx context.Context, values map[string]*structpb.Value) error
}

// ReadWriter combines both sides
type ReadWriter interface {
	Reader
	Writer
}

// Status is the authoritative in-process status cell. Writers serialize on a mutex
// and publish a fresh copy of the map with a single atomic swap, so readers never
// take a lock and never see a half-applied update.
type Status struct {
	writeMu sync.Mutex
	cell    atomic.Pointer[map[string]*structpb.Value]
	sticky  map[string]bool
	logger  zerolog.Logger
}

// Option configures a Status
type Option func(*Status)

// WithStickyKey marks a boolean key that may go from false to true but never back
func WithStickyKey(key string) Option {
	return func(s *Status) {
		s.sticky[key] = true
	}
}

// New creates a status cell. The terminate flag is sticky and initialised to false.
func New(logger zerolog.Logger, opts ...Option) *Status {
	s := &Status{
		sticky: map[string]bool{KeyTerminate: true},
		logger: logger.With().Str("component", "shared_status").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	initial := map[string]*structpb.Value{
		KeyTerminate: structpb.NewBoolValue(false),
	}
	s.cell.Store(&initial)
	return s
}

// Get returns a single value
func (s *Status) Get(key string) (*structpb.Value, error) {
	current := *s.cell.Load()
	v, ok := current[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	return proto.Clone(v).(*structpb.Value), nil
}

// GetInfo returns the values of all requested keys, failing if any is absent.
// With no keys it returns a copy of the whole cell.
func (s *Status) GetInfo(_ context.Context, keys ...string) (map[string]*structpb.Value, error) {
	current := *s.cell.Load()
	if len(keys) == 0 {
		keys = make([]string, 0, len(current))
		for k := range current {
			keys = append(keys, k)
		}
	}
	out := make(map[string]*structpb.Value, len(keys))
	for _, key := range keys {
		v, ok := current[key]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
		}
		out[key] = proto.Clone(v).(*structpb.Value)
	}
	return out, nil
}

// Set writes a single key
func (s *Status) Set(key string, value *structpb.Value) error {
	return s.SetInfo(context.Background(), map[string]*structpb.Value{key: value})
}

// SetInfo merges values into the cell. Keys in values overwrite existing entries,
// keys not in values are left untouched. The whole merge is rejected if any entry
// is invalid.
func (s *Status) SetInfo(_ context.Context, values map[string]*structpb.Value) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := *s.cell.Load()
	for key, v := range values {
		if key == "" {
			return fmt.Errorf("%w: empty key", ErrTypeMismatch)
		}
		if v == nil || v.GetKind() == nil {
			return fmt.Errorf("%w: nil value for %q", ErrTypeMismatch, key)
		}
		if !s.sticky[key] {
			continue
		}
		next, ok := v.GetKind().(*structpb.Value_BoolValue)
		if !ok {
			return fmt.Errorf("%w: %q must be a bool", ErrTypeMismatch, key)
		}
		if prev, ok := current[key]; ok && prev.GetBoolValue() && !next.BoolValue {
			return fmt.Errorf("%w: %q", ErrStickyKey, key)
		}
	}

	merged := make(map[string]*structpb.Value, len(current)+len(values))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range values {
		merged[k] = proto.Clone(v).(*structpb.Value)
	}
	s.cell.Store(&merged)

	s.logger.Debug().
		Int("keys_updated", len(values)).
		Int("keys_total", len(merged)).
		Msg("Status updated")
	return nil
}

// GetBool reads a boolean key through any Reader
func GetBool(ctx context.Context, r Reader, key string) (bool, error) {
	values, err := r.GetInfo(ctx, key)
	if err != nil {
		return false, err
	}
	v, ok := values[key]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	b, ok := v.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return false, fmt.Errorf("%w: %q is not a bool", ErrTypeMismatch, key)
	}
	return b.BoolValue, nil
}

// Terminated reports whether the terminate flag has been raised
func Terminated(ctx context.Context, r Reader) (bool, error) {
	return GetBool(ctx, r, KeyTerminate)
}

// Terminate raises the terminate flag
func Terminate(ctx context.Context, w Writer) error {
	return w.SetInfo(ctx, map[string]*structpb.Value{
		KeyTerminate: structpb.NewBoolValue(true),
	})
}
