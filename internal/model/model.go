// Package model defines the learner's numerical collaborator and a small linear
// Q-function that implements it.
package model

import (
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/params"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/replay"
)

// Metrics is what one optimizer step reports back
type Metrics struct {
	Loss float64
	// Priorities holds one new sampling priority per batch element, or nil
	Priorities []float64
}

// Model is the network + optimizer contract. Implementations must be pure: the same
// inputs always yield the same outputs, and inputs are never mutated.
type Model interface {
	Initialize(seed int64) (params.Tensors, params.Tensors, error)
	Step(batch *replay.Batch, p, opt params.Tensors) (params.Tensors, params.Tensors, Metrics, error)
	Apply(p params.Tensors, observation []float64) ([]float64, error)
}
