package model

import (
	"fmt"
	"math/rand"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/params"
)

// EpsilonGreedy picks a uniformly random action with probability Epsilon and the
// greedy action under the model otherwise. It is not safe for concurrent use.
type EpsilonGreedy struct {
	model   Model
	epsilon float64
	rng     *rand.Rand
}

// NewEpsilonGreedy builds a policy over m
func NewEpsilonGreedy(m Model, epsilon float64, seed int64) (*EpsilonGreedy, error) {
	if epsilon < 0 || epsilon > 1 {
		return nil, fmt.Errorf("epsilon must be in [0, 1], got %v", epsilon)
	}
	return &EpsilonGreedy{model: m, epsilon: epsilon, rng: rand.New(rand.NewSource(seed))}, nil
}

// SelectAction returns an action index in [0, numActions)
func (e *EpsilonGreedy) SelectAction(p params.Tensors, observation []float64, numActions int) (int, error) {
	if numActions <= 0 {
		return 0, fmt.Errorf("no actions available")
	}
	if e.rng.Float64() < e.epsilon {
		return e.rng.Intn(numActions), nil
	}
	q, err := e.model.Apply(p, observation)
	if err != nil {
		return 0, err
	}
	if len(q) != numActions {
		return 0, fmt.Errorf("model produced %d action values, want %d", len(q), numActions)
	}
	best := 0
	for i := 1; i < len(q); i++ {
		if q[i] > q[best] {
			best = i
		}
	}
	return best, nil
}
