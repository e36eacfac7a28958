package env

import (
	"math"
	"math/rand"
)

const (
	gravity        = 9.81
	massCart       = 1.0
	massPole       = 0.1
	poleLength     = 0.5
	totalMass      = massCart + massPole
	poleMassLength = massPole * poleLength
	forceMag       = 10.0
	tau            = 0.02

	xThreshold     = 2.4
	thetaThreshold = 12.0 * math.Pi / 180.0

	// DefaultMaxEpisodeSteps caps an episode when no limit is configured
	DefaultMaxEpisodeSteps = 500
)

// CartPole is the classic pole-balancing task with two actions (push left, push right)
// and a reward of 1 for every step the pole stays up.
type CartPole struct {
	x, xDot, theta, thetaDot float64

	steps    int
	maxSteps int
	rng      *rand.Rand
}

// NewCartPole creates a seeded CartPole environment
func NewCartPole(seed int64, maxSteps int) *CartPole {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxEpisodeSteps
	}
	c := &CartPole{
		maxSteps: maxSteps,
		rng:      rand.New(rand.NewSource(seed)),
	}
	c.Reset()
	return c
}

// NumActions implements Environment
func (c *CartPole) NumActions() int { return 2 }

// ObservationSize implements Environment
func (c *CartPole) ObservationSize() int { return 4 }

// Reset implements Environment
func (c *CartPole) Reset() []float64 {
	c.x = c.rng.Float64()*0.1 - 0.05
	c.xDot = c.rng.Float64()*0.1 - 0.05
	c.theta = c.rng.Float64()*0.1 - 0.05
	c.thetaDot = c.rng.Float64()*0.1 - 0.05
	c.steps = 0
	return c.observation()
}

// Step implements Environment
func (c *CartPole) Step(action int) TimeStep {
	force := forceMag
	if action == 0 {
		force = -forceMag
	}

	cosTheta := math.Cos(c.theta)
	sinTheta := math.Sin(c.theta)

	temp := (force + poleMassLength*c.thetaDot*c.thetaDot*sinTheta) / totalMass
	thetaAcc := (gravity*sinTheta - cosTheta*temp) / (poleLength * (4.0/3.0 - massPole*cosTheta*cosTheta/totalMass))
	xAcc := temp - poleMassLength*thetaAcc*cosTheta/totalMass

	c.x += tau * c.xDot
	c.xDot += tau * xAcc
	c.theta += tau * c.thetaDot
	c.thetaDot += tau * thetaAcc
	c.steps++

	fell := c.x < -xThreshold || c.x > xThreshold || c.theta < -thetaThreshold || c.theta > thetaThreshold
	truncated := c.steps >= c.maxSteps

	ts := TimeStep{
		Observation: c.observation(),
		Reward:      1.0,
		Discount:    1.0,
		Done:        fell || truncated,
	}
	if fell {
		ts.Reward = 0
		ts.Discount = 0
	}
	return ts
}

func (c *CartPole) observation() []float64 {
	return []float64{c.x, c.xDot, c.theta, c.thetaDot}
}
