package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/checkpoint"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/config"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/env"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/events"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/events/subscribers"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/grpc/coordserver"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/learner"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/logging"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/model"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/monitoring"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/params"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/replay"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/status"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error) (empty to use config default)")
	embeddedReplay := flag.Bool("embedded-replay", false, "Host the replay table in this process instead of dialing replay.address")
	totalSteps := flag.Int64("total-steps", -1, "Optimizer steps before termination (-1 to use config default)")
	flag.Parse()

	if err := config.Init(*configPath); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize config")
	}
	cfg := config.Get()
	if *logLevel == "" {
		*logLevel = cfg.Server.LogLevel
	}
	if *totalSteps == -1 {
		*totalSteps = cfg.Learner.TotalSteps
	}

	logger := logging.Setup(*logLevel, cfg.Server.LogFormat)
	config.WatchConfig(func(c *config.Config, err error) {
		if err != nil {
			logger.Warn().Err(err).Msg("Ignoring invalid config change")
			return
		}
		logging.SetLevel(c.Server.LogLevel)
	})

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	srv := coordserver.NewServer(coordserver.ServerConfig{
		EnableReflection: cfg.Server.EnableReflection,
		ShutdownDelay:    cfg.ShutdownDelay(),
		Metrics:          metrics,
		Logger:           logger,
	})

	rs, closeReplay, err := openReplay(cfg, *embeddedReplay, srv, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to set up replay")
	}
	defer closeReplay()

	store, err := checkpoint.Open(cfg.Checkpoint.Backend, cfg.Checkpoint.Dir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open checkpoint store")
	}
	defer store.Close()

	factory, err := env.NewFactory(cfg.Environment.Name, cfg.Environment.MaxEpisodeSteps)
	if err != nil {
		logger.Fatal().Err(err).Msg("Unknown environment")
	}
	probe := factory(0)
	m, err := model.NewLinearQ(cfg.ModelSettings(probe.ObservationSize(), probe.NumActions()))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build model")
	}

	bus := events.NewEventBus(logger)
	bus.Subscribe(subscribers.NewLoggerSubscriber("lifecycle_logger", logger))
	bus.Subscribe(subscribers.NewMetricsSubscriber("metrics", metrics))

	paramStore := params.NewStore(logger)
	st := status.New(logger)
	l, err := learner.New(cfg.LearnerSettings(), m, rs, paramStore, st,
		learner.WithCheckpointStore(store),
		learner.WithEventBus(bus),
		learner.WithMetrics(metrics),
		learner.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create learner")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if path := cfg.Learner.InitialCheckpointPath; path != "" {
		if err := l.LoadCheckpoint(ctx, path); err != nil {
			logger.Fatal().Err(err).Str("path", path).Msg("Failed to restore checkpoint")
		}
	}

	throttle := params.NewThrottleRegistry(cfg.Server.FetchRatePerClient, cfg.Server.FetchBurst)
	srv.RegisterParameters(coordserver.NewParameterServer(params.NewService(paramStore, throttle)))
	srv.RegisterStatus(coordserver.NewStatusServer(st))
	srv.RegisterLearner(coordserver.NewLearnerServer(l))

	monitor := monitoring.NewMonitor(cfg.Server.MonitorInterval, metrics, logger)
	monitor.Register("replay", monitoring.ReplayProbe(rs, metrics))
	monitor.Start()
	defer monitor.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.LearnerListenAddr()) })
	if metricsAddr := cfg.MetricsAddr(); metricsAddr != "" {
		g.Go(func() error { return monitoring.Serve(gctx, metricsAddr, reg, logger) })
	}
	g.Go(func() error {
		if err := l.Run(gctx, *totalSteps); err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return err
		}
		// Actors read the terminate flag from this process, so keep serving
		logger.Info().Msg("Training complete, serving until shutdown")
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Learner server stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("Server shutdown complete")
}

// openReplay returns the replay service the learner trains from. The embedded
// table is also exposed over gRPC so actors can insert into it.
func openReplay(cfg *config.Config, embedded bool, srv *coordserver.Server, logger zerolog.Logger) (replay.Service, func(), error) {
	if embedded {
		table := replay.NewTable(cfg.TableSettings(), logger)
		srv.RegisterReplay(coordserver.NewReplayServer(table, coordserver.NewIdempotencyManager(cfg.Server.IdempotencyTTL)))
		return table, func() { table.Close() }, nil
	}
	conn, err := coordserver.Dial(cfg.Replay.Address)
	if err != nil {
		return nil, nil, err
	}
	client := coordserver.NewReplayClient(conn)
	return replay.NewRetrying(client, cfg.SamplePolicy(), logger), func() { conn.Close() }, nil
}
