// Package actor runs one self-play producer: it plays episodes with the cached
// policy parameters, feeds n-step transitions to the replay service, and stops
// when it reaches its return goal or the learner broadcasts termination.
package actor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/env"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/events"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/model"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/monitoring"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/params"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/replay"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/status"
)

// StopReason says why an actor left its loop
type StopReason string

const (
	StopGoalReached StopReason = "goal_reached"
	StopTerminated  StopReason = "terminated"
	StopMaxEpisodes StopReason = "max_episodes"
)

const maxPhaseHistory = 64

// ParameterSource is the slice of the variable client an actor needs
type ParameterSource interface {
	Pull(ctx context.Context) (*params.Snapshot, error)
}

// Config is one actor's identity and episode settings
type Config struct {
	ID string
	// EpisodeReturnGoal stops the actor once an episode reaches it; <= 0 disables the goal
	EpisodeReturnGoal float64
	NStep             int
	Discount          float64
	Epsilon           float64
	Seed              int64
	// MaxEpisodes bounds the loop; 0 means run until goal or termination
	MaxEpisodes int64
}

// Result summarizes a finished run
type Result struct {
	ActorID    string     `json:"actor_id"`
	Reason     StopReason `json:"reason"`
	Episodes   int64      `json:"episodes"`
	Steps      int64      `json:"steps"`
	Inserted   int64      `json:"inserted"`
	LastReturn float64    `json:"last_return"`
	BestReturn float64    `json:"best_return"`
}

// Runner drives the episode loop for one actor
type Runner struct {
	cfg     Config
	env     env.Environment
	policy  *model.EpsilonGreedy
	params  ParameterSource
	adder   *replay.NStepAdder
	status  status.Reader
	bus     *events.EventBus
	metrics *monitoring.Metrics
	banner  io.Writer
	logger  zerolog.Logger

	mu      sync.Mutex
	phase   Phase
	history []Transition
}

// Option customizes a Runner
type Option func(*Runner)

// WithEventBus publishes episode and stop records on bus
func WithEventBus(bus *events.EventBus) Option {
	return func(r *Runner) { r.bus = bus }
}

// WithMetrics counts inserted transitions
func WithMetrics(m *monitoring.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithBanner sets where the goal-reached banner is printed
func WithBanner(w io.Writer) Option {
	return func(r *Runner) { r.banner = w }
}

// WithLogger sets the runner's logger
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner wires an actor from its collaborators
func NewRunner(cfg Config, environment env.Environment, m model.Model, ps ParameterSource, inserter replay.Inserter, st status.Reader, opts ...Option) (*Runner, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("actor id is required")
	}
	policy, err := model.NewEpsilonGreedy(m, cfg.Epsilon, cfg.Seed)
	if err != nil {
		return nil, err
	}
	adder, err := replay.NewNStepAdder(inserter, cfg.NStep, cfg.Discount)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:    cfg,
		env:    environment,
		policy: policy,
		params: ps,
		adder:  adder,
		status: st,
		banner: io.Discard,
		logger: zerolog.Nop(),
		phase:  PhaseRunning,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "actor").Str("actor_id", cfg.ID).Logger()
	if r.bus == nil {
		r.bus = events.NewEventBus(r.logger)
	}
	return r, nil
}

// Run loops over episodes until a stop condition holds. The termination flag is
// read before every episode. Errors from the parameter source, the replay
// service or the status reader are fatal and returned.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	res := Result{ActorID: r.cfg.ID}
	r.logger.Info().
		Float64("episode_return_goal", r.cfg.EpisodeReturnGoal).
		Int("n_step", r.cfg.NStep).
		Msg("Actor starting")

	for {
		if err := r.transition(PhaseCheckStop, "episode boundary"); err != nil {
			return res, err
		}
		reason, stop, err := r.checkStop(ctx, res)
		if err != nil {
			return res, err
		}
		if stop {
			res.Reason = reason
			res.Inserted = r.adder.Inserted()
			if err := r.transition(PhaseStopped, string(reason)); err != nil {
				return res, err
			}
			r.bus.Publish(events.NewActorStoppedEvent(r.cfg.ID, string(reason), res.Episodes, res.Steps))
			if reason == StopGoalReached {
				r.printBanner(res)
			}
			return res, nil
		}
		if err := r.transition(PhaseRunning, "next episode"); err != nil {
			return res, err
		}

		ret, length, version, err := r.runEpisode(ctx)
		if err != nil {
			return res, err
		}
		res.Episodes++
		res.Steps += int64(length)
		res.LastReturn = ret
		if res.Episodes == 1 || ret > res.BestReturn {
			res.BestReturn = ret
		}
		r.bus.Publish(events.NewEpisodeCompletedEvent(r.cfg.ID, res.Episodes, ret, length, version))
	}
}

func (r *Runner) checkStop(ctx context.Context, res Result) (StopReason, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if res.Episodes > 0 && r.cfg.EpisodeReturnGoal > 0 && res.LastReturn >= r.cfg.EpisodeReturnGoal {
		return StopGoalReached, true, nil
	}
	terminated, err := status.Terminated(ctx, r.status)
	if err != nil {
		return "", false, fmt.Errorf("read termination flag: %w", err)
	}
	if terminated {
		return StopTerminated, true, nil
	}
	if r.cfg.MaxEpisodes > 0 && res.Episodes >= r.cfg.MaxEpisodes {
		return StopMaxEpisodes, true, nil
	}
	return "", false, nil
}

// runEpisode plays one episode and returns its undiscounted return and length
func (r *Runner) runEpisode(ctx context.Context) (float64, int, int64, error) {
	obs := r.env.Reset()
	r.adder.AddFirst(obs)
	insertedBefore := r.adder.Inserted()

	var (
		ret     float64
		length  int
		version int64 = -1
	)
	for {
		snap, err := r.params.Pull(ctx)
		if err != nil {
			return ret, length, version, fmt.Errorf("pull parameters: %w", err)
		}
		version = snap.Version

		action, err := r.policy.SelectAction(snap.Params, obs, r.env.NumActions())
		if err != nil {
			return ret, length, version, fmt.Errorf("select action: %w", err)
		}
		ts := r.env.Step(action)
		ret += ts.Reward
		length++

		if err := r.adder.Add(ctx, action, ts.Reward, ts.Discount, ts.Observation, ts.Done); err != nil {
			return ret, length, version, fmt.Errorf("insert transitions: %w", err)
		}
		obs = ts.Observation
		if ts.Done {
			break
		}
	}

	if r.metrics != nil {
		r.metrics.TransitionsInserted.WithLabelValues(r.cfg.ID).Add(float64(r.adder.Inserted() - insertedBefore))
	}
	r.logger.Debug().
		Float64("episode_return", ret).
		Int("episode_length", length).
		Int64("param_version", version).
		Msg("Episode finished")
	return ret, length, version, nil
}

func (r *Runner) transition(to Phase, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.phase.CanTransitionTo(to) {
		return fmt.Errorf("invalid actor phase transition %s -> %s", r.phase, to)
	}
	r.history = append(r.history, Transition{From: r.phase, To: to, Timestamp: time.Now(), Reason: reason})
	if len(r.history) > maxPhaseHistory {
		r.history = r.history[len(r.history)-maxPhaseHistory:]
	}
	r.phase = to
	return nil
}

// Phase returns the current phase
func (r *Runner) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// History returns the most recent phase transitions
func (r *Runner) History() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transition(nil), r.history...)
}

func (r *Runner) printBanner(res Result) {
	fmt.Fprintln(r.banner, "******************************************")
	fmt.Fprintln(r.banner, "*****         TEST COMPLETE          *****")
	fmt.Fprintln(r.banner, "******************************************")
	fmt.Fprintf(r.banner, "Actor %s reached episode_return_goal of %g!\n", r.cfg.ID, r.cfg.EpisodeReturnGoal)
	fmt.Fprintf(r.banner, "Took %d self-play transitions.\n", res.Steps)
}
