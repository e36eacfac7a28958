// Package coordinator runs a learner and a fleet of actors inside one process.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/actor"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/checkpoint"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/env"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/events"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/events/subscribers"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/learner"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/model"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/monitoring"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/params"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/replay"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/status"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/variable"
)

// Config sizes a local run
type Config struct {
	NumActors  int
	TotalSteps int64
	// PollInterval is how often the coordinator reads the terminate flag
	PollInterval time.Duration
	Learner      learner.Config
	// Actor is the template for every actor; ID and Seed are filled per actor
	Actor    actor.Config
	Variable variable.Config
	// InitialCheckpoint is restored into the learner before it starts
	InitialCheckpoint string
	NumLogEpisodes    int
	LogInterval       int
}

// Validate checks the run-level settings; component configs validate themselves
func (c Config) Validate() error {
	if c.NumActors < 1 {
		return fmt.Errorf("at least one actor is required, got %d", c.NumActors)
	}
	if c.TotalSteps <= 0 {
		return fmt.Errorf("total steps must be positive, got %d", c.TotalSteps)
	}
	return c.Learner.Validate()
}

// Deps are the collaborators shared by the learner and the actors
type Deps struct {
	Env      env.Factory
	NewModel func() (model.Model, error)
	Replay   replay.Service
	// Optional
	Checkpoints checkpoint.Store
	Metrics     *monitoring.Metrics
	Episodes    subscribers.RecordWriter
	Banner      io.Writer
	Logger      zerolog.Logger
}

// Report summarizes a finished run
type Report struct {
	Learner    learner.Info
	Actors     []actor.Result
	Terminated bool
	Replay     replay.Info
	MeanReturn float64
}

// Coordinator owns the in-process parameter store, status cell and event bus
type Coordinator struct {
	cfg     Config
	deps    Deps
	store   *params.Store
	status  *status.Status
	bus     *events.EventBus
	history *subscribers.EpisodeHistory
	logger  zerolog.Logger
}

// New wires a coordinator. Nothing runs until Run.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Env == nil || deps.NewModel == nil || deps.Replay == nil {
		return nil, errors.New("env factory, model constructor and replay service are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if deps.Metrics == nil {
		deps.Metrics = monitoring.Discard()
	}
	if deps.Banner == nil {
		deps.Banner = io.Discard
	}

	logger := deps.Logger.With().Str("component", "coordinator").Logger()
	bus := events.NewEventBus(deps.Logger)
	history := subscribers.NewEpisodeHistory("episode_history", cfg.NumLogEpisodes, cfg.LogInterval, deps.Logger)
	bus.Subscribe(history)
	bus.Subscribe(subscribers.NewLoggerSubscriber("lifecycle_logger", deps.Logger))
	bus.Subscribe(subscribers.NewMetricsSubscriber("metrics", deps.Metrics))
	if deps.Episodes != nil {
		bus.Subscribe(subscribers.NewEpisodeRecorder("episode_recorder", deps.Episodes, deps.Logger))
	}

	return &Coordinator{
		cfg:     cfg,
		deps:    deps,
		store:   params.NewStore(deps.Logger),
		status:  status.New(deps.Logger),
		bus:     bus,
		history: history,
		logger:  logger,
	}, nil
}

// Status exposes the shared status cell
func (c *Coordinator) Status() *status.Status {
	return c.status
}

// Store exposes the parameter store
func (c *Coordinator) Store() *params.Store {
	return c.store
}

// History exposes the retained episode records
func (c *Coordinator) History() *subscribers.EpisodeHistory {
	return c.history
}

// Run starts the learner and every actor, waits until the terminate flag is set
// or every actor has stopped on its own, and then drains. The first fatal error
// from any participant cancels the rest and is returned.
func (c *Coordinator) Run(ctx context.Context) (Report, error) {
	var report Report

	lm, err := c.deps.NewModel()
	if err != nil {
		return report, fmt.Errorf("learner model: %w", err)
	}
	lopts := []learner.Option{
		learner.WithEventBus(c.bus),
		learner.WithMetrics(c.deps.Metrics),
		learner.WithLogger(c.deps.Logger),
	}
	if c.deps.Checkpoints != nil {
		lopts = append(lopts, learner.WithCheckpointStore(c.deps.Checkpoints))
	}
	l, err := learner.New(c.cfg.Learner, lm, c.deps.Replay, c.store, c.status, lopts...)
	if err != nil {
		return report, err
	}
	if c.cfg.InitialCheckpoint != "" {
		if err := l.LoadCheckpoint(ctx, c.cfg.InitialCheckpoint); err != nil {
			return report, err
		}
	}

	runners, clients, err := c.buildActors()
	if err != nil {
		return report, err
	}
	defer func() {
		for _, vc := range clients {
			vc.Close()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	learnerCtx, stopLearner := context.WithCancel(gctx)
	defer stopLearner()

	g.Go(func() error {
		err := l.Run(learnerCtx, c.cfg.TotalSteps)
		if err != nil && learnerCtx.Err() != nil && gctx.Err() == nil {
			// Stopped because the actors are gone
			return nil
		}
		return err
	})

	results := make([]actor.Result, len(runners))
	var actors sync.WaitGroup
	actorsDone := make(chan struct{})
	for i, r := range runners {
		actors.Add(1)
		g.Go(func() error {
			defer actors.Done()
			res, err := r.Run(gctx)
			results[i] = res
			return err
		})
	}
	go func() {
		actors.Wait()
		close(actorsDone)
	}()

	g.Go(func() error {
		terminated, err := c.waitForTermination(gctx, actorsDone)
		if err != nil {
			return err
		}
		report.Terminated = terminated
		if !terminated {
			c.logger.Info().Msg("All actors stopped before termination, stopping learner")
			stopLearner()
			return nil
		}
		c.logger.Info().Msg("Termination observed, draining actors")
		select {
		case <-actorsDone:
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})

	err = g.Wait()
	report.Learner = l.Info()
	report.Actors = results
	report.MeanReturn = c.history.MeanReturn()
	if info, infoErr := c.deps.Replay.Info(context.WithoutCancel(ctx)); infoErr == nil {
		report.Replay = info
	}
	if err != nil {
		return report, err
	}

	c.logger.Info().
		Bool("terminated", report.Terminated).
		Int64("learner_steps", report.Learner.StepsCompleted).
		Int64("transitions_inserted", report.Replay.TotalInserted).
		Float64("mean_return", report.MeanReturn).
		Msg("Local run finished")
	return report, nil
}

// waitForTermination polls the terminate flag. It returns true once the flag is
// set and false if every actor stopped first.
func (c *Coordinator) waitForTermination(ctx context.Context, actorsDone <-chan struct{}) (bool, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		terminated, err := status.Terminated(ctx, c.status)
		if err != nil {
			return false, err
		}
		if terminated {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-actorsDone:
			// The learner may have terminated in the same instant
			terminated, err := status.Terminated(ctx, c.status)
			return terminated, err
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) buildActors() ([]*actor.Runner, []*variable.Client, error) {
	source := params.NewService(c.store, nil)
	runners := make([]*actor.Runner, 0, c.cfg.NumActors)
	clients := make([]*variable.Client, 0, c.cfg.NumActors)

	for i := 0; i < c.cfg.NumActors; i++ {
		id := fmt.Sprintf("actor-%d", i)
		acfg := c.cfg.Actor
		acfg.ID = id
		acfg.Seed = c.cfg.Actor.Seed + int64(i)

		m, err := c.deps.NewModel()
		if err != nil {
			return nil, nil, fmt.Errorf("%s model: %w", id, err)
		}
		vc := variable.NewClient(source, c.cfg.Variable, c.deps.Logger, variable.WithMetrics(c.deps.Metrics, id))
		clients = append(clients, vc)

		r, err := actor.NewRunner(acfg, c.deps.Env(acfg.Seed), m, vc, c.deps.Replay, c.status,
			actor.WithEventBus(c.bus),
			actor.WithMetrics(c.deps.Metrics),
			actor.WithBanner(c.deps.Banner),
			actor.WithLogger(c.deps.Logger),
		)
		if err != nil {
			return nil, nil, err
		}
		runners = append(runners, r)
	}
	return runners, clients, nil
}
