package monitoring

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "actor_learner"

// Metrics groups every collector the actor, learner and servers report to.
// Build one per process with NewMetrics; tests pass a fresh registry.
type Metrics struct {
	// Learner
	LearnerSteps       prometheus.Counter
	LearnerLoss        prometheus.Gauge
	ParameterVersion   prometheus.Gauge
	CheckpointsSaved   prometheus.Counter
	CheckpointFailures prometheus.Counter
	Terminations       prometheus.Counter

	// Replay
	ReplaySize     prometheus.Gauge
	ReplayInserted prometheus.Gauge

	// Actor
	Episodes              *prometheus.CounterVec
	EpisodeReturn         prometheus.Histogram
	EpisodeLength         prometheus.Histogram
	TransitionsInserted   *prometheus.CounterVec
	ParameterFetches      *prometheus.CounterVec
	ActorParameterVersion *prometheus.GaugeVec

	// Transport
	RPCRequests *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec
	Goroutines  prometheus.Gauge
}

// NewMetrics registers all collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LearnerSteps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "learner", Name: "steps_total",
			Help: "Optimizer steps completed by the learner",
		}),
		LearnerLoss: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "learner", Name: "loss",
			Help: "Loss reported by the most recent optimizer step",
		}),
		ParameterVersion: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "learner", Name: "parameter_version",
			Help: "Version of the latest published parameter snapshot",
		}),
		CheckpointsSaved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "learner", Name: "checkpoints_saved_total",
			Help: "Checkpoints written successfully",
		}),
		CheckpointFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "learner", Name: "checkpoint_failures_total",
			Help: "Checkpoint writes that failed and were skipped",
		}),
		Terminations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "learner", Name: "terminations_total",
			Help: "Termination broadcasts issued by the learner",
		}),
		ReplaySize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "replay", Name: "current_size",
			Help: "Items currently held by the replay service",
		}),
		ReplayInserted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "replay", Name: "inserted",
			Help: "Items ever inserted into the replay service",
		}),
		Episodes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "actor", Name: "episodes_total",
			Help: "Episodes completed per actor",
		}, []string{"actor_id"}),
		EpisodeReturn: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "actor", Name: "episode_return",
			Help:    "Undiscounted episode returns",
			Buckets: []float64{10, 25, 50, 100, 150, 200, 300, 400, 500},
		}),
		EpisodeLength: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "actor", Name: "episode_length",
			Help:    "Environment steps per episode",
			Buckets: []float64{10, 25, 50, 100, 150, 200, 300, 400, 500},
		}),
		TransitionsInserted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "actor", Name: "transitions_inserted_total",
			Help: "n-step transitions inserted into replay per actor",
		}, []string{"actor_id"}),
		ParameterFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "actor", Name: "parameter_fetches_total",
			Help: "Parameter fetch outcomes",
		}, []string{"result"}),
		ActorParameterVersion: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "actor", Name: "parameter_version",
			Help: "Parameter version cached by each actor",
		}, []string{"actor_id"}),
		RPCRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "requests_total",
			Help: "RPCs handled by method and status code",
		}, []string{"method", "code"}),
		RPCDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "duration_seconds",
			Help:    "RPC handling latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		Goroutines: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "process", Name: "goroutines",
			Help: "Goroutines observed by the process monitor",
		}),
	}
}

// Discard returns metrics bound to a private registry nobody scrapes
func Discard() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// Serve exposes g on addr at /metrics until ctx ends
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
