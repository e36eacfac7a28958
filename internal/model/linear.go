package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/params"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/replay"
)

const (
	tensorWeights   = "w"
	tensorBias      = "b"
	tensorWVelocity = "w_velocity"
	tensorBVelocity = "b_velocity"
	tensorStep      = "step"

	priorityEpsilon = 1e-6
)

// LinearQConfig configures LinearQ
type LinearQConfig struct {
	ObservationSize int
	NumActions      int
	LearningRate    float64
	Momentum        float64
	// TDClip bounds the absolute TD error used for the gradient; zero disables clipping
	TDClip float64
}

// LinearQ is Q(s, a) = W[a]·s + b[a] trained with one-step TD targets on the sampled
// n-step transitions and SGD with momentum.
type LinearQ struct {
	cfg LinearQConfig
}

// NewLinearQ validates cfg and returns the model
func NewLinearQ(cfg LinearQConfig) (*LinearQ, error) {
	if cfg.ObservationSize <= 0 || cfg.NumActions <= 0 {
		return nil, fmt.Errorf("linear q: observation size and action count must be positive")
	}
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("linear q: learning rate must be positive")
	}
	if cfg.Momentum < 0 || cfg.Momentum >= 1 {
		return nil, fmt.Errorf("linear q: momentum must be in [0, 1)")
	}
	return &LinearQ{cfg: cfg}, nil
}

// Initialize implements Model
func (m *LinearQ) Initialize(seed int64) (params.Tensors, params.Tensors, error) {
	rng := rand.New(rand.NewSource(seed))
	a, d := m.cfg.NumActions, m.cfg.ObservationSize

	w := params.NewTensor(tensorWeights, a, d)
	scale := 1 / math.Sqrt(float64(d))
	for i := range w.Data {
		w.Data[i] = (rng.Float64()*2 - 1) * 0.1 * scale
	}
	p := params.Tensors{w, params.NewTensor(tensorBias, a)}
	opt := params.Tensors{
		params.NewTensor(tensorWVelocity, a, d),
		params.NewTensor(tensorBVelocity, a),
		params.NewTensor(tensorStep, 1),
	}
	return p, opt, nil
}

// Apply implements Model
func (m *LinearQ) Apply(p params.Tensors, observation []float64) ([]float64, error) {
	w, b, err := m.unpack(p)
	if err != nil {
		return nil, err
	}
	if len(observation) != m.cfg.ObservationSize {
		return nil, fmt.Errorf("linear q: observation has %d values, want %d", len(observation), m.cfg.ObservationSize)
	}
	return m.qValues(w.Data, b.Data, observation), nil
}

// Step implements Model
func (m *LinearQ) Step(batch *replay.Batch, p, opt params.Tensors) (params.Tensors, params.Tensors, Metrics, error) {
	if batch == nil || batch.Len() == 0 {
		return nil, nil, Metrics{}, fmt.Errorf("linear q: empty batch")
	}
	w, b, err := m.unpack(p)
	if err != nil {
		return nil, nil, Metrics{}, err
	}
	wv, okW := opt.Get(tensorWVelocity)
	bv, okB := opt.Get(tensorBVelocity)
	step, okS := opt.Get(tensorStep)
	if !okW || !okB || !okS {
		return nil, nil, Metrics{}, fmt.Errorf("linear q: optimizer state is incomplete")
	}

	a, d := m.cfg.NumActions, m.cfg.ObservationSize
	gw := make([]float64, a*d)
	gb := make([]float64, a)
	priorities := make([]float64, batch.Len())
	loss := 0.0
	n := float64(batch.Len())

	for i, tr := range batch.Transitions {
		if tr.Action < 0 || tr.Action >= a {
			return nil, nil, Metrics{}, fmt.Errorf("linear q: action %d out of range", tr.Action)
		}
		if len(tr.Observation) != d || len(tr.NextObservation) != d {
			return nil, nil, Metrics{}, fmt.Errorf("linear q: transition %d has wrong observation size", i)
		}
		q := m.qValues(w.Data, b.Data, tr.Observation)[tr.Action]
		target := tr.Reward + tr.Discount*maxOf(m.qValues(w.Data, b.Data, tr.NextObservation))
		td := target - q
		loss += 0.5 * td * td / n
		priorities[i] = math.Abs(td) + priorityEpsilon

		if m.cfg.TDClip > 0 {
			td = math.Max(-m.cfg.TDClip, math.Min(m.cfg.TDClip, td))
		}
		for j := 0; j < d; j++ {
			gw[tr.Action*d+j] -= td * tr.Observation[j] / n
		}
		gb[tr.Action] -= td / n
	}

	newW, newB := w.Clone(), b.Clone()
	newWV, newBV, newStep := wv.Clone(), bv.Clone(), step.Clone()
	for i := range gw {
		newWV.Data[i] = m.cfg.Momentum*newWV.Data[i] + gw[i]
		newW.Data[i] -= m.cfg.LearningRate * newWV.Data[i]
	}
	for i := range gb {
		newBV.Data[i] = m.cfg.Momentum*newBV.Data[i] + gb[i]
		newB.Data[i] -= m.cfg.LearningRate * newBV.Data[i]
	}
	newStep.Data[0]++

	return params.Tensors{newW, newB},
		params.Tensors{newWV, newBV, newStep},
		Metrics{Loss: loss, Priorities: priorities},
		nil
}

func (m *LinearQ) unpack(p params.Tensors) (params.Tensor, params.Tensor, error) {
	w, okW := p.Get(tensorWeights)
	b, okB := p.Get(tensorBias)
	if !okW || !okB {
		return params.Tensor{}, params.Tensor{}, fmt.Errorf("linear q: parameters are incomplete")
	}
	if len(w.Data) != m.cfg.NumActions*m.cfg.ObservationSize || len(b.Data) != m.cfg.NumActions {
		return params.Tensor{}, params.Tensor{}, fmt.Errorf("linear q: %w", params.ErrShapeMismatch)
	}
	return w, b, nil
}

func (m *LinearQ) qValues(w, b []float64, observation []float64) []float64 {
	d := m.cfg.ObservationSize
	out := make([]float64, m.cfg.NumActions)
	for act := range out {
		v := b[act]
		for j := 0; j < d; j++ {
			v += w[act*d+j] * observation[j]
		}
		out[act] = v
	}
	return out
}

func maxOf(values []float64) float64 {
	best := math.Inf(-1)
	for _, v := range values {
		if v > best {
			best = v
		}
	}
	return best
}
