package replay

import (
	"context"
	"fmt"
)

// DefaultPriority is the priority given to freshly inserted transitions
const DefaultPriority = 1.0

type rawStep struct {
	observation []float64
	action      int
	reward      float64
	discount    float64
}

// NStepAdder turns raw environment steps into n-step transitions and writes them to
// an Inserter in temporal order. It is owned by a single actor and is not safe for
// concurrent use.
type NStepAdder struct {
	client   Inserter
	n        int
	gamma    float64
	priority float64

	pending  []rawStep
	lastObs  []float64
	started  bool
	inserted int64
}

// NewNStepAdder creates an adder aggregating n steps with discount gamma
func NewNStepAdder(client Inserter, n int, gamma float64) (*NStepAdder, error) {
	if client == nil {
		return nil, fmt.Errorf("n-step adder needs an inserter")
	}
	if n < 1 {
		return nil, fmt.Errorf("n-step must be at least 1, got %d", n)
	}
	if gamma < 0 || gamma > 1 {
		return nil, fmt.Errorf("discount must be in [0, 1], got %v", gamma)
	}
	return &NStepAdder{
		client:   client,
		n:        n,
		gamma:    gamma,
		priority: DefaultPriority,
		pending:  make([]rawStep, 0, n),
	}, nil
}

// AddFirst starts a new episode at observation
func (a *NStepAdder) AddFirst(observation []float64) {
	a.pending = a.pending[:0]
	a.lastObs = observation
	a.started = true
}

// Add records the outcome of taking action from the previous observation. When the
// window is full the oldest step is emitted as an n-step transition; when done is
// true the remaining window is flushed with truncated returns.
func (a *NStepAdder) Add(ctx context.Context, action int, reward, discount float64, next []float64, done bool) error {
	if !a.started {
		return fmt.Errorf("n-step adder: Add called before AddFirst")
	}

	a.pending = append(a.pending, rawStep{
		observation: a.lastObs,
		action:      action,
		reward:      reward,
		discount:    discount,
	})
	a.lastObs = next

	var out []Transition
	if len(a.pending) == a.n {
		out = append(out, a.emit(next))
		a.pending = a.pending[1:]
	}
	if done {
		for len(a.pending) > 0 {
			out = append(out, a.emit(next))
			a.pending = a.pending[1:]
		}
		a.started = false
	}
	if len(out) == 0 {
		return nil
	}

	if err := a.client.Insert(ctx, out); err != nil {
		return err
	}
	a.inserted += int64(len(out))
	return nil
}

// emit builds the transition that starts at the oldest pending step
func (a *NStepAdder) emit(next []float64) Transition {
	first := a.pending[0]
	ret, disc := 0.0, 1.0
	for _, s := range a.pending {
		ret += disc * s.reward
		disc *= a.gamma * s.discount
	}
	return Transition{
		Observation:     first.observation,
		Action:          first.action,
		Reward:          ret,
		Discount:        disc,
		NextObservation: next,
		Priority:        a.priority,
	}
}

// Inserted returns how many transitions this adder has written
func (a *NStepAdder) Inserted() int64 {
	return a.inserted
}
