package learner

import "math"

// StepsDue returns how many optimizer steps are owed when the replay service has
// seen observations items, given the warm-up threshold and the target number of
// observations per optimizer step (batch_size / samples_per_insert).
//
// Above one observation per step, a single step is due on every
// floor(observationsPerStep)-th observation counted from minObservations.
// At or below one, floor(1/observationsPerStep) steps are due every time.
func StepsDue(observations, minObservations int64, observationsPerStep float64) int {
	if observationsPerStep > 1 {
		period := int64(observationsPerStep)
		if (observations-minObservations)%period == 0 {
			return 1
		}
		return 0
	}
	return int(math.Floor(1/observationsPerStep + 1e-9))
}

// rateLimiter applies StepsDue to every observation count the learner has not
// accounted for yet, so a stalled buffer owes nothing and a jump of several
// inserts between ticks is not under-counted.
type rateLimiter struct {
	minObservations     int64
	observationsPerStep float64
	last                int64
}

func newRateLimiter(minObservations int64, observationsPerStep float64, last int64) *rateLimiter {
	return &rateLimiter{
		minObservations:     minObservations,
		observationsPerStep: observationsPerStep,
		last:                last,
	}
}

func (r *rateLimiter) due(observed int64) int {
	if observed <= r.last {
		return 0
	}
	steps := 0
	for n := r.last + 1; n <= observed; n++ {
		steps += StepsDue(n, r.minObservations, r.observationsPerStep)
	}
	r.last = observed
	return steps
}
