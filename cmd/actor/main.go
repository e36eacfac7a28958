package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/actor"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/config"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/env"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/episodelog"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/events"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/events/subscribers"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/grpc/coordserver"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/logging"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/model"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/monitoring"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/replay"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/status"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/variable"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	id := flag.String("id", "", "Actor id (empty for a random id)")
	index := flag.Int("index", 0, "Actor index, offsets the seed")
	learnerAddr := flag.String("learner", "", "Learner address (empty to use config default)")
	replayAddr := flag.String("replay", "", "Replay address (empty to use config default)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error) (empty to use config default)")
	flag.Parse()

	if err := config.Init(*configPath); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize config")
	}
	cfg := config.Get()
	if *id == "" {
		*id = "actor-" + uuid.NewString()[:8]
	}
	if *learnerAddr == "" {
		*learnerAddr = cfg.Learner.Address
	}
	if *replayAddr == "" {
		*replayAddr = cfg.Replay.Address
	}
	if *logLevel == "" {
		*logLevel = cfg.Server.LogLevel
	}
	logger := logging.Setup(*logLevel, cfg.Server.LogFormat).With().Str("actor_id", *id).Logger()

	learnerConn, err := coordserver.Dial(*learnerAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to dial learner")
	}
	defer learnerConn.Close()
	replayConn, err := coordserver.Dial(*replayAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to dial replay")
	}
	defer replayConn.Close()

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	factory, err := env.NewFactory(cfg.Environment.Name, cfg.Environment.MaxEpisodeSteps)
	if err != nil {
		logger.Fatal().Err(err).Msg("Unknown environment")
	}
	acfg := cfg.ActorSettings(*id, *index)
	environment := factory(acfg.Seed)
	m, err := model.NewLinearQ(cfg.ModelSettings(environment.ObservationSize(), environment.NumActions()))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build model")
	}

	vcfg := cfg.VariableSettings()
	vc := variable.NewClient(coordserver.NewParameterClient(learnerConn), vcfg, logger,
		variable.WithMetrics(metrics, *id))
	defer vc.Close()
	inserter := replay.NewRetrying(coordserver.NewReplayClient(replayConn), cfg.InsertPolicy(), logger)
	statusReader := status.NewRetryingReader(coordserver.NewStatusClient(learnerConn), vcfg.Retry, logger)

	bus := events.NewEventBus(logger)
	history := subscribers.NewEpisodeHistory("episode_history", cfg.Observability.NumLogEpisodes, cfg.Observability.LogInterval, logger)
	bus.Subscribe(history)
	bus.Subscribe(subscribers.NewMetricsSubscriber("metrics", metrics))
	if dir := cfg.Observability.EpisodeLogDir; dir != "" {
		episodes, err := episodelog.Open(episodelog.Config{Dir: dir, MaxFileSize: cfg.Observability.EpisodeLogMaxBytes}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open episode log")
		}
		defer episodes.Close()
		bus.Subscribe(subscribers.NewEpisodeRecorder("episode_recorder", episodes, logger))
	}

	runner, err := actor.NewRunner(acfg, environment, m, vc, inserter, statusReader,
		actor.WithEventBus(bus),
		actor.WithMetrics(metrics),
		actor.WithBanner(os.Stdout),
		actor.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create actor")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := runner.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Actor failed")
		stop()
		os.Exit(1)
	}
	logger.Info().
		Str("reason", string(res.Reason)).
		Int64("episodes", res.Episodes).
		Int64("transitions", res.Steps).
		Float64("best_return", res.BestReturn).
		Float64("mean_return", history.MeanReturn()).
		Msg("Actor stopped")
	fmt.Fprintf(os.Stdout, "%s stopped: %s after %d episodes\n", *id, res.Reason, res.Episodes)
}
