package monitoring

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/replay"
)

// Probe samples some piece of process state into metrics. Errors are logged and
// never stop the monitor.
type Probe func(ctx context.Context) error

// Monitor periodically runs registered probes and tracks goroutine counts
type Monitor struct {
	mu             sync.RWMutex
	interval       time.Duration
	probes         map[string]Probe
	failures       map[string]int
	baseline       int
	peak           int
	alertThreshold int
	lastAlert      time.Time
	alertCooldown  time.Duration

	metrics *Metrics
	logger  zerolog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
}

// Stats is a point-in-time view of the monitor
type Stats struct {
	Goroutines    int            `json:"goroutines"`
	Baseline      int            `json:"baseline"`
	Peak          int            `json:"peak"`
	ProbeFailures map[string]int `json:"probe_failures"`
}

// NewMonitor creates a monitor that samples every interval
func NewMonitor(interval time.Duration, metrics *Metrics, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	baseline := runtime.NumGoroutine()
	return &Monitor{
		interval:       interval,
		probes:         make(map[string]Probe),
		failures:       make(map[string]int),
		baseline:       baseline,
		peak:           baseline,
		alertThreshold: 1000,
		alertCooldown:  5 * time.Minute,
		metrics:        metrics,
		logger:         logger.With().Str("component", "monitor").Logger(),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Register adds a named probe. Registering the same name twice replaces it.
func (m *Monitor) Register(name string, p Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = p
}

// Start runs the sampling loop in the background
func (m *Monitor) Start() {
	go m.loop()
	m.logger.Info().
		Int("baseline_goroutines", m.baseline).
		Dur("interval", m.interval).
		Msg("Started process monitor")
}

// Stop ends the sampling loop and waits for it to exit
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

func (m *Monitor) loop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Check(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// Check samples once. It is exported so callers and tests can force a sample.
func (m *Monitor) Check(ctx context.Context) {
	current := runtime.NumGoroutine()
	if m.metrics != nil {
		m.metrics.Goroutines.Set(float64(current))
	}

	m.mu.Lock()
	if current > m.peak {
		m.peak = current
	}
	alert := current > m.alertThreshold && time.Since(m.lastAlert) > m.alertCooldown
	if alert {
		m.lastAlert = time.Now()
	}
	probes := make(map[string]Probe, len(m.probes))
	for name, p := range m.probes {
		probes[name] = p
	}
	m.mu.Unlock()

	if alert {
		m.logger.Warn().
			Int("current", current).
			Int("threshold", m.alertThreshold).
			Msg("High goroutine count detected - possible leak")
	}

	for name, p := range probes {
		if err := m.runProbe(ctx, p); err != nil {
			m.mu.Lock()
			m.failures[name]++
			m.mu.Unlock()
			m.logger.Warn().Err(err).Str("probe", name).Msg("Probe failed")
		}
	}
}

func (m *Monitor) runProbe(ctx context.Context, p Probe) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("Probe panicked")
			err = nil
		}
	}()
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	return p(probeCtx)
}

// Stats returns the current monitor state
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	failures := make(map[string]int, len(m.failures))
	for k, v := range m.failures {
		failures[k] = v
	}
	return Stats{
		Goroutines:    runtime.NumGoroutine(),
		Baseline:      m.baseline,
		Peak:          m.peak,
		ProbeFailures: failures,
	}
}

// ReplayInfoSource is the slice of the replay service a probe needs
type ReplayInfoSource interface {
	Info(ctx context.Context) (replay.Info, error)
}

// ReplayProbe records replay occupancy into metrics
func ReplayProbe(src ReplayInfoSource, metrics *Metrics) Probe {
	return func(ctx context.Context) error {
		info, err := src.Info(ctx)
		if err != nil {
			return err
		}
		metrics.ReplaySize.Set(float64(info.CurrentSize))
		metrics.ReplayInserted.Set(float64(info.TotalInserted))
		return nil
	}
}
