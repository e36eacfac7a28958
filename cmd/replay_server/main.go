package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/config"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/grpc/coordserver"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/logging"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/monitoring"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/replay"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	port := flag.Int("port", -1, "The server port (-1 to use config default)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error) (empty to use config default)")
	enableReflection := flag.Bool("enable-reflection", false, "Enable gRPC reflection for debugging")
	flag.Parse()

	if err := config.Init(*configPath); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize config")
	}
	cfg := config.Get()

	if *port == -1 {
		*port = cfg.Server.ReplayPort
	}
	if *logLevel == "" {
		*logLevel = cfg.Server.LogLevel
	}
	if !*enableReflection {
		*enableReflection = cfg.Server.EnableReflection
	}

	logger := logging.Setup(*logLevel, cfg.Server.LogFormat)
	config.WatchConfig(func(c *config.Config, err error) {
		if err != nil {
			logger.Warn().Err(err).Msg("Ignoring invalid config change")
			return
		}
		logging.SetLevel(c.Server.LogLevel)
		logger.Info().Str("log_level", c.Server.LogLevel).Msg("Config reloaded")
	})

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	table := replay.NewTable(cfg.TableSettings(), logger)
	defer table.Close()

	monitor := monitoring.NewMonitor(cfg.Server.MonitorInterval, metrics, logger)
	monitor.Register("replay", monitoring.ReplayProbe(table, metrics))
	monitor.Start()
	defer monitor.Stop()

	srv := coordserver.NewServer(coordserver.ServerConfig{
		EnableReflection: *enableReflection,
		ShutdownDelay:    cfg.ShutdownDelay(),
		Metrics:          metrics,
		Logger:           logger,
	})
	srv.RegisterReplay(coordserver.NewReplayServer(table, coordserver.NewIdempotencyManager(cfg.Server.IdempotencyTTL)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(*port))
	logger.Info().
		Str("address", addr).
		Int("capacity", cfg.Replay.Capacity).
		Float64("priority_exponent", cfg.Replay.PriorityExponent).
		Msg("Starting replay server")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx, addr) })
	if metricsAddr := cfg.MetricsAddr(); metricsAddr != "" {
		g.Go(func() error { return monitoring.Serve(gctx, metricsAddr, reg, logger) })
	}
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Replay server stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("Server shutdown complete")
}
