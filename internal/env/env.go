// Package env defines the environment contract actors run against and ships a
// CartPole implementation used by the binaries and tests.
package env

import "fmt"

// TimeStep is the outcome of one environment step
type TimeStep struct {
	Observation []float64
	Reward      float64
	// Discount is 0 on a true terminal state and 1 otherwise (including truncation)
	Discount float64
	Done     bool
}

// Environment is the simulator an actor drives. Implementations are owned by one
// actor and need not be safe for concurrent use.
type Environment interface {
	Reset() []float64
	Step(action int) TimeStep
	NumActions() int
	ObservationSize() int
}

// Factory builds a fresh environment for an actor
type Factory func(seed int64) Environment

// NewFactory returns the factory registered under name
func NewFactory(name string, maxEpisodeSteps int) (Factory, error) {
	switch name {
	case "cartpole", "":
		return func(seed int64) Environment {
			return NewCartPole(seed, maxEpisodeSteps)
		}, nil
	default:
		return nil, fmt.Errorf("unknown environment %q", name)
	}
}
