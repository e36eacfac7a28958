package replay

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable is returned when an insert or sample cannot be served right now
	ErrUnavailable = errors.New("replay service unavailable")
	// ErrClosed is returned when operations are attempted on a closed table
	ErrClosed = errors.New("replay table is closed")
	// ErrInvalidPriority is returned for negative or non-finite priorities
	ErrInvalidPriority = errors.New("invalid priority")
)

// Transition is one n-step experience record
type Transition struct {
	Observation     []float64          `json:"observation"`
	Action          int                `json:"action"`
	Reward          float64            `json:"reward"`
	Discount        float64            `json:"discount"`
	NextObservation []float64          `json:"next_observation"`
	Extras          map[string]float64 `json:"extras,omitempty"`
	// Priority is the sampling weight; it must be non-negative
	Priority float64 `json:"priority"`
}

// Batch is the result of one weighted sample
type Batch struct {
	Keys          []uint64     `json:"keys"`
	Transitions   []Transition `json:"transitions"`
	Probabilities []float64    `json:"probabilities"`
}

// Len returns the number of sampled transitions
func (b *Batch) Len() int {
	return len(b.Transitions)
}

// Info describes the current fill level of the service
type Info struct {
	CurrentSize   int   `json:"current_size"`
	Capacity      int   `json:"capacity"`
	TotalInserted int64 `json:"total_inserted"`
	TotalSampled  int64 `json:"total_sampled"`
	TotalDropped  int64 `json:"total_dropped"`
}

// Inserter is the write side used by actors
type Inserter interface {
	Insert(ctx context.Context, items []Transition) error
}

// Service is the replay contract shared by the in-process table and remote clients
type Service interface {
	Inserter
	Info(ctx context.Context) (Info, error)
	Sample(ctx context.Context, batchSize int) (*Batch, error)
	UpdatePriorities(ctx context.Context, keys []uint64, priorities []float64) error
}
