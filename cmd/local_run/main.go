package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/checkpoint"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/config"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/coordinator"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/env"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/episodelog"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/logging"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/model"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/monitoring"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/replay"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	numActors := flag.Int("num-actors", -1, "Number of actors (-1 to use config default)")
	totalSteps := flag.Int64("total-steps", -1, "Optimizer steps before termination (-1 to use config default)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error) (empty to use config default)")
	flag.Parse()

	if err := config.Init(*configPath); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize config")
	}
	cfg := config.Get()
	if *numActors == -1 {
		*numActors = cfg.Actor.NumActors
	}
	if *totalSteps == -1 {
		*totalSteps = cfg.Learner.TotalSteps
	}
	if *logLevel == "" {
		*logLevel = cfg.Server.LogLevel
	}
	logger := logging.Setup(*logLevel, cfg.Server.LogFormat)

	factory, err := env.NewFactory(cfg.Environment.Name, cfg.Environment.MaxEpisodeSteps)
	if err != nil {
		logger.Fatal().Err(err).Msg("Unknown environment")
	}
	probe := factory(0)
	modelCfg := cfg.ModelSettings(probe.ObservationSize(), probe.NumActions())

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	table := replay.NewTable(cfg.TableSettings(), logger)
	defer table.Close()

	deps := coordinator.Deps{
		Env:      factory,
		NewModel: func() (model.Model, error) { return model.NewLinearQ(modelCfg) },
		Replay:   table,
		Metrics:  metrics,
		Banner:   os.Stdout,
		Logger:   logger,
	}
	if cfg.Learner.EnableCheckpointing || cfg.Learner.InitialCheckpointPath != "" {
		store, err := checkpoint.Open(cfg.Checkpoint.Backend, cfg.Checkpoint.Dir, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open checkpoint store")
		}
		defer store.Close()
		deps.Checkpoints = store
	}

	if dir := cfg.Observability.EpisodeLogDir; dir != "" {
		episodes, err := episodelog.Open(episodelog.Config{Dir: dir, MaxFileSize: cfg.Observability.EpisodeLogMaxBytes}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open episode log")
		}
		defer episodes.Close()
		deps.Episodes = episodes
	}

	coord, err := coordinator.New(coordinator.Config{
		NumActors:         *numActors,
		TotalSteps:        *totalSteps,
		PollInterval:      cfg.Learner.WarmupPollInterval,
		Learner:           cfg.LearnerSettings(),
		Actor:             cfg.ActorSettings("", 0),
		Variable:          cfg.VariableSettings(),
		InitialCheckpoint: cfg.Learner.InitialCheckpointPath,
		NumLogEpisodes:    cfg.Observability.NumLogEpisodes,
		LogInterval:       cfg.Observability.LogInterval,
	}, deps)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create coordinator")
	}

	monitor := monitoring.NewMonitor(cfg.Server.MonitorInterval, metrics, logger)
	monitor.Register("replay", monitoring.ReplayProbe(table, metrics))
	monitor.Start()
	defer monitor.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	metricsCtx, stopMetrics := context.WithCancel(gctx)
	if metricsAddr := cfg.MetricsAddr(); metricsAddr != "" {
		g.Go(func() error { return monitoring.Serve(metricsCtx, metricsAddr, reg, logger) })
	}
	g.Go(func() error {
		defer stopMetrics()
		report, err := coord.Run(gctx)
		if err != nil {
			return err
		}
		logger.Info().
			Bool("terminated", report.Terminated).
			Int64("learner_steps", report.Learner.StepsCompleted).
			Int64("param_version", report.Learner.ParamVersion).
			Int64("transitions_inserted", report.Replay.TotalInserted).
			Msg("Run complete")
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Local run failed")
		os.Exit(1)
	}
}
