// Package learner drives the single training consumer: it waits for the replay
// service to warm up, runs optimizer steps at the configured replay ratio,
// publishes parameters, checkpoints, and finally broadcasts termination.
package learner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/checkpoint"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/events"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/model"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/monitoring"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/params"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/replay"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/status"
)

var (
	// ErrRunning is returned by operations that are only valid before Run starts
	ErrRunning = errors.New("learner is already running")
	// ErrNoCheckpointStore is returned when checkpoint operations have no backend
	ErrNoCheckpointStore = errors.New("checkpointing is not configured")
)

// Config holds the learner's training and checkpoint knobs
type Config struct {
	ID                  string
	BatchSize           int
	MinReplaySize       int
	SamplesPerInsert    float64
	EnableCheckpointing bool
	CheckpointInterval  int64
	WarmupPollInterval  time.Duration
	TickInterval        time.Duration
	Seed                int64
}

// Validate checks the config for values the learner cannot run with
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.MinReplaySize < 0 {
		return fmt.Errorf("min replay size must not be negative")
	}
	if c.SamplesPerInsert <= 0 {
		return fmt.Errorf("samples per insert must be positive")
	}
	if c.EnableCheckpointing && c.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint interval must be positive when checkpointing is enabled")
	}
	return nil
}

// MinObservations is the warm-up threshold: max(batch_size, min_replay_size)
func (c Config) MinObservations() int64 {
	if c.BatchSize > c.MinReplaySize {
		return int64(c.BatchSize)
	}
	return int64(c.MinReplaySize)
}

// ObservationsPerStep is the target replay ratio expressed as inserts per step
func (c Config) ObservationsPerStep() float64 {
	return float64(c.BatchSize) / c.SamplesPerInsert
}

// Info is a snapshot of learner progress
type Info struct {
	ID                 string    `json:"id"`
	StepsCompleted     int64     `json:"steps_completed"`
	ParamVersion       int64     `json:"param_version"`
	Running            bool      `json:"running"`
	WarmedUp           bool      `json:"warmed_up"`
	Terminated         bool      `json:"terminated"`
	CheckpointFailures int64     `json:"checkpoint_failures"`
	LastCheckpoint     string    `json:"last_checkpoint,omitempty"`
	LastLoss           float64   `json:"last_loss"`
	StartedAt          time.Time `json:"started_at,omitempty"`
}

// Learner owns the parameter and optimizer state. Run is single-threaded; the
// checkpoint and info operations may be called concurrently from RPC handlers.
type Learner struct {
	cfg         Config
	model       model.Model
	replay      replay.Service
	store       *params.Store
	status      status.Writer
	checkpoints checkpoint.Store
	bus         *events.EventBus
	metrics     *monitoring.Metrics
	logger      zerolog.Logger

	mu             sync.Mutex
	params         params.Tensors
	opt            params.Tensors
	steps          int64
	lastLoss       float64
	lastCheckpoint string
	ckptFailures   int64
	startedAt      time.Time

	started    atomic.Bool
	running    atomic.Bool
	warmedUp   atomic.Bool
	terminated atomic.Bool
	termOnce   sync.Once
	termErr    error
}

// Option customizes a Learner
type Option func(*Learner)

// WithCheckpointStore enables SaveCheckpoint, LoadCheckpoint and periodic checkpoints
func WithCheckpointStore(s checkpoint.Store) Option {
	return func(l *Learner) { l.checkpoints = s }
}

// WithEventBus publishes checkpoint and termination events on bus
func WithEventBus(bus *events.EventBus) Option {
	return func(l *Learner) { l.bus = bus }
}

// WithMetrics reports steps, loss and parameter versions
func WithMetrics(m *monitoring.Metrics) Option {
	return func(l *Learner) { l.metrics = m }
}

// WithLogger sets the learner's logger
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Learner) { l.logger = logger }
}

// New initializes the model from cfg.Seed and publishes the initial parameters as
// version 0 so actors can start acting while the replay service warms up.
func New(cfg Config, m model.Model, rs replay.Service, store *params.Store, st status.Writer, opts ...Option) (*Learner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid learner config: %w", err)
	}
	if cfg.ID == "" {
		cfg.ID = "learner"
	}
	if cfg.WarmupPollInterval <= 0 {
		cfg.WarmupPollInterval = 100 * time.Millisecond
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}

	l := &Learner{
		cfg:    cfg,
		model:  m,
		replay: rs,
		store:  store,
		status: st,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With().Str("component", "learner").Str("learner_id", cfg.ID).Logger()
	if l.bus == nil {
		l.bus = events.NewEventBus(l.logger)
	}

	p, o, err := m.Initialize(cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("initialize model: %w", err)
	}
	l.params, l.opt = p, o
	l.publish(p)
	return l, nil
}

// Run trains until totalSteps optimizer steps have completed, then sets the
// termination flag exactly once. It blocks through warm-up and returns early only
// on context cancellation or a fatal error.
func (l *Learner) Run(ctx context.Context, totalSteps int64) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer l.running.Store(false)
	l.started.Store(true)

	l.mu.Lock()
	l.startedAt = time.Now()
	l.mu.Unlock()

	l.logger.Info().
		Int64("total_steps", totalSteps).
		Int64("min_observations", l.cfg.MinObservations()).
		Float64("observations_per_step", l.cfg.ObservationsPerStep()).
		Msg("Learner starting")

	rs := &runState{totalSteps: totalSteps}
	for {
		executed, done, err := l.tick(ctx, rs)
		if err != nil {
			return err
		}
		if done {
			l.logger.Info().Int64("steps", l.Steps()).Msg("Learner finished")
			return nil
		}
		if executed > 0 {
			continue
		}
		wait := l.cfg.TickInterval
		if !rs.warmedUp {
			wait = l.cfg.WarmupPollInterval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

type runState struct {
	totalSteps int64
	warmedUp   bool
	limiter    *rateLimiter
}

// tick is one outer iteration: check warm-up, compute due steps, run them, and
// terminate once the budget is spent.
func (l *Learner) tick(ctx context.Context, rs *runState) (int, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	if l.Steps() >= rs.totalSteps {
		return 0, true, l.terminate(ctx)
	}

	info, err := l.replay.Info(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("query replay: %w", err)
	}
	if l.metrics != nil {
		l.metrics.ReplaySize.Set(float64(info.CurrentSize))
		l.metrics.ReplayInserted.Set(float64(info.TotalInserted))
	}

	if !rs.warmedUp {
		minObs := l.cfg.MinObservations()
		if int64(info.CurrentSize) < minObs {
			l.logger.Debug().
				Int("current_size", info.CurrentSize).
				Int64("needed", minObs).
				Msg("Waiting for replay warm-up")
			return 0, false, nil
		}
		rs.warmedUp = true
		l.warmedUp.Store(true)
		rs.limiter = newRateLimiter(minObs, l.cfg.ObservationsPerStep(), info.TotalInserted-1)
		l.logger.Info().
			Int("current_size", info.CurrentSize).
			Int64("total_inserted", info.TotalInserted).
			Msg("Replay warmed up, training")
	}

	due := rs.limiter.due(info.TotalInserted)
	executed := 0
	for i := 0; i < due && l.Steps() < rs.totalSteps; i++ {
		if err := l.step(ctx); err != nil {
			return executed, false, err
		}
		executed++
	}
	if l.Steps() >= rs.totalSteps {
		return executed, true, l.terminate(ctx)
	}
	return executed, false, nil
}

func (l *Learner) step(ctx context.Context) error {
	batch, err := l.replay.Sample(ctx, l.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("sample replay: %w", err)
	}

	l.mu.Lock()
	newParams, newOpt, m, err := l.model.Step(batch, l.params, l.opt)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("optimizer step %d: %w", l.steps+1, err)
	}
	l.params, l.opt = newParams, newOpt
	l.steps++
	l.lastLoss = m.Loss
	steps := l.steps
	l.mu.Unlock()

	snap := l.publish(newParams)
	if l.metrics != nil {
		l.metrics.LearnerSteps.Inc()
		l.metrics.LearnerLoss.Set(m.Loss)
	}
	l.logger.Debug().
		Int64("step", steps).
		Int64("version", snap.Version).
		Float64("loss", m.Loss).
		Msg("Optimizer step")

	if len(m.Priorities) > 0 && len(m.Priorities) == len(batch.Keys) {
		if err := l.replay.UpdatePriorities(ctx, batch.Keys, m.Priorities); err != nil {
			if errors.Is(err, replay.ErrUnavailable) {
				return fmt.Errorf("update priorities: %w", err)
			}
			l.logger.Warn().Err(err).Msg("Priority update rejected")
		}
	}

	if l.cfg.EnableCheckpointing && l.checkpoints != nil && steps%l.cfg.CheckpointInterval == 0 {
		l.periodicCheckpoint(ctx, steps)
	}
	return nil
}

// periodicCheckpoint saves synchronously and never fails training
func (l *Learner) periodicCheckpoint(ctx context.Context, steps int64) {
	name := checkpoint.Name(steps)
	err := l.SaveCheckpoint(ctx, name)
	if err != nil {
		l.mu.Lock()
		l.ckptFailures++
		l.mu.Unlock()
		l.logger.Error().Err(err).Str("name", name).Msg("Checkpoint failed, continuing training")
	}
	l.bus.Publish(events.NewCheckpointEvent(l.cfg.ID, name, steps, err))
}

func (l *Learner) terminate(ctx context.Context) error {
	l.termOnce.Do(func() {
		if err := status.Terminate(ctx, l.status); err != nil {
			l.termErr = fmt.Errorf("broadcast termination: %w", err)
			return
		}
		l.terminated.Store(true)
		steps := l.Steps()
		l.logger.Info().Int64("steps", steps).Msg("Broadcast termination")
		l.bus.Publish(events.NewTerminateEvent(l.cfg.ID, steps))
	})
	return l.termErr
}

func (l *Learner) publish(p params.Tensors) *params.Snapshot {
	snap := l.store.Publish(p)
	if l.metrics != nil {
		l.metrics.ParameterVersion.Set(float64(snap.Version))
	}
	return snap
}

// SaveCheckpoint persists the current step count, parameters and optimizer state
// under name, or under the conventional step name when name is empty.
func (l *Learner) SaveCheckpoint(ctx context.Context, name string) error {
	if l.checkpoints == nil {
		return ErrNoCheckpointStore
	}
	l.mu.Lock()
	ckpt := &checkpoint.Checkpoint{
		StepCount:    l.steps,
		ParamVersion: l.store.Version(),
		Params:       l.params.Clone(),
		OptState:     l.opt.Clone(),
		CreatedAt:    time.Now(),
	}
	l.mu.Unlock()

	if name == "" {
		name = checkpoint.Name(ckpt.StepCount)
	}
	if err := l.checkpoints.Save(ctx, name, ckpt); err != nil {
		return err
	}
	l.mu.Lock()
	l.lastCheckpoint = name
	l.mu.Unlock()
	return nil
}

// LoadCheckpoint restores parameters, optimizer state and the step counter from
// name. It must be called before Run; malformed data and shape mismatches are
// returned as errors and leave the live state untouched.
func (l *Learner) LoadCheckpoint(ctx context.Context, name string) error {
	if l.started.Load() {
		return ErrRunning
	}
	if l.checkpoints == nil {
		return ErrNoCheckpointStore
	}
	name, err := checkpoint.Resolve(ctx, l.checkpoints, name)
	if err != nil {
		return err
	}
	ckpt, err := l.checkpoints.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("load checkpoint %s: %w", name, err)
	}

	l.mu.Lock()
	if err := l.params.CompatibleWith(ckpt.Params); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("checkpoint %s params: %w", name, err)
	}
	if err := l.opt.CompatibleWith(ckpt.OptState); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("checkpoint %s optimizer state: %w", name, err)
	}
	l.params = ckpt.Params.Clone()
	l.opt = ckpt.OptState.Clone()
	l.steps = ckpt.StepCount
	l.lastCheckpoint = name
	p := l.params
	l.mu.Unlock()

	snap := l.publish(p)
	l.logger.Info().
		Str("name", name).
		Int64("step", ckpt.StepCount).
		Int64("version", snap.Version).
		Msg("Restored checkpoint")
	return nil
}

// State returns copies of the live parameters, optimizer state and step count
func (l *Learner) State() (params.Tensors, params.Tensors, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.params.Clone(), l.opt.Clone(), l.steps
}

// Steps returns the number of optimizer steps completed
func (l *Learner) Steps() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.steps
}

// Info reports learner progress
func (l *Learner) Info() Info {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Info{
		ID:                 l.cfg.ID,
		StepsCompleted:     l.steps,
		ParamVersion:       l.store.Version(),
		Running:            l.running.Load(),
		WarmedUp:           l.warmedUp.Load(),
		Terminated:         l.terminated.Load(),
		CheckpointFailures: l.ckptFailures,
		LastCheckpoint:     l.lastCheckpoint,
		LastLoss:           l.lastLoss,
		StartedAt:          l.startedAt,
	}
}
