package replay

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/rs/zerolog"
)

// TableConfig configures a Table
type TableConfig struct {
	Capacity         int
	PriorityExponent float64
	Seed             int64
}

// Table is a fixed-capacity, prioritized replay table. When full, the oldest
// transition is dropped to make room. Sampling is with replacement and proportional
// to priority^PriorityExponent.
type Table struct {
	mu       sync.Mutex
	items    []Transition
	keys     []uint64
	weights  []float64
	slots    map[uint64]int
	capacity int
	size     int
	head     int // Write position
	nextKey  uint64
	alpha    float64
	rng      *rand.Rand
	closed   bool

	// Statistics
	totalInserted int64
	totalSampled  int64
	totalDropped  int64

	logger zerolog.Logger
}

// NewTable creates a replay table
func NewTable(cfg TableConfig, logger zerolog.Logger) *Table {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 100000 // Default capacity
	}
	if cfg.PriorityExponent < 0 {
		cfg.PriorityExponent = 0
	}
	return &Table{
		items:    make([]Transition, cfg.Capacity),
		keys:     make([]uint64, cfg.Capacity),
		weights:  make([]float64, cfg.Capacity),
		slots:    make(map[uint64]int, cfg.Capacity),
		capacity: cfg.Capacity,
		alpha:    cfg.PriorityExponent,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		logger:   logger.With().Str("component", "replay_table").Logger(),
	}
}

// Insert appends transitions in order, evicting the oldest when at capacity
func (t *Table) Insert(_ context.Context, items []Transition) error {
	for i := range items {
		if err := checkPriority(items[i].Priority); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	for _, item := range items {
		if t.size >= t.capacity {
			// Drop oldest transition (circular buffer behavior)
			delete(t.slots, t.keys[t.head])
			t.totalDropped++
		} else {
			t.size++
		}

		key := t.nextKey
		t.nextKey++
		t.items[t.head] = item
		t.keys[t.head] = key
		t.weights[t.head] = t.weight(item.Priority)
		t.slots[key] = t.head
		t.head = (t.head + 1) % t.capacity
		t.totalInserted++
	}

	if len(items) > 0 {
		t.logger.Debug().
			Int("batch_size", len(items)).
			Int64("total_inserted", t.totalInserted).
			Msg("Inserted transitions")
	}
	return nil
}

// Sample draws batchSize transitions proportionally to their priority
func (t *Table) Sample(_ context.Context, batchSize int) (*Batch, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	if t.size < batchSize {
		return nil, fmt.Errorf("%w: %d transitions stored, %d requested", ErrUnavailable, t.size, batchSize)
	}

	total := 0.0
	for i := 0; i < t.size; i++ {
		total += t.weights[t.slot(i)]
	}

	batch := &Batch{
		Keys:          make([]uint64, batchSize),
		Transitions:   make([]Transition, batchSize),
		Probabilities: make([]float64, batchSize),
	}
	for n := 0; n < batchSize; n++ {
		slot := t.draw(total)
		batch.Keys[n] = t.keys[slot]
		batch.Transitions[n] = t.items[slot]
		if total > 0 {
			batch.Probabilities[n] = t.weights[slot] / total
		} else {
			batch.Probabilities[n] = 1 / float64(t.size)
		}
	}
	t.totalSampled += int64(batchSize)

	return batch, nil
}

// draw picks one occupied slot. Must be called with mu held.
func (t *Table) draw(total float64) int {
	if total <= 0 {
		// All priorities are zero, fall back to uniform
		return t.slot(t.rng.Intn(t.size))
	}
	target := t.rng.Float64() * total
	acc := 0.0
	for i := 0; i < t.size; i++ {
		s := t.slot(i)
		acc += t.weights[s]
		if target < acc {
			return s
		}
	}
	return t.slot(t.size - 1)
}

// slot maps the i-th oldest stored transition to its ring index
func (t *Table) slot(i int) int {
	tail := (t.head - t.size + t.capacity) % t.capacity
	return (tail + i) % t.capacity
}

// UpdatePriorities rewrites priorities for keys that are still stored.
// Keys that have been evicted are ignored.
func (t *Table) UpdatePriorities(_ context.Context, keys []uint64, priorities []float64) error {
	if len(keys) != len(priorities) {
		return fmt.Errorf("got %d keys and %d priorities", len(keys), len(priorities))
	}
	for _, p := range priorities {
		if err := checkPriority(p); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	updated := 0
	for i, key := range keys {
		slot, ok := t.slots[key]
		if !ok {
			continue
		}
		t.items[slot].Priority = priorities[i]
		t.weights[slot] = t.weight(priorities[i])
		updated++
	}

	t.logger.Debug().
		Int("requested", len(keys)).
		Int("updated", updated).
		Msg("Updated priorities")
	return nil
}

// Info returns current fill level and counters
func (t *Table) Info(_ context.Context) (Info, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Info{
		CurrentSize:   t.size,
		Capacity:      t.capacity,
		TotalInserted: t.totalInserted,
		TotalSampled:  t.totalSampled,
		TotalDropped:  t.totalDropped,
	}, nil
}

// Size returns the number of stored transitions
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Close rejects further operations
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	t.logger.Info().
		Int64("total_inserted", t.totalInserted).
		Int64("total_sampled", t.totalSampled).
		Int64("total_dropped", t.totalDropped).
		Msg("Replay table closed")
	return nil
}

func (t *Table) weight(priority float64) float64 {
	if t.alpha == 0 {
		return 1
	}
	return math.Pow(priority, t.alpha)
}

func checkPriority(p float64) error {
	if p < 0 || math.IsNaN(p) || math.IsInf(p, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidPriority, p)
	}
	return nil
}
