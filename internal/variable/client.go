// Package variable keeps an actor's local copy of the learner's parameters fresh.
//
// A Client blocks on its first Pull until the learner has published a snapshot,
// then refreshes in the background every UpdatePeriod pulls. The cached version
// never goes backwards, even when replies arrive out of order.
package variable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/monitoring"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/params"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/retry"
)

// ErrParameterFetch is returned once the fetch retry budget is spent
var ErrParameterFetch = errors.New("parameter fetch failed")

var errBadReply = errors.New("bad snapshot reply")

// Source is where snapshots come from: the in-process params.Service or a gRPC client
type Source interface {
	FetchSnapshot(ctx context.Context, clientKey string, minVersion int64) (*params.Snapshot, error)
}

// Config controls refresh cadence and failure handling
type Config struct {
	// UpdatePeriod is the number of Pull calls between background refreshes
	UpdatePeriod int
	Retry        retry.Policy
	// WaitInterval is how long the first Pull sleeps while nothing is published yet
	WaitInterval time.Duration
}

// DefaultConfig matches the actor defaults
func DefaultConfig() Config {
	return Config{
		UpdatePeriod: 100,
		Retry:        retry.DefaultPolicy(),
		WaitInterval: 100 * time.Millisecond,
	}
}

// Client is an actor's parameter cache. Pull is meant to be called from a single
// goroutine; Current and Version are safe from any goroutine.
type Client struct {
	source  Source
	cfg     Config
	key     string
	actorID string
	logger  zerolog.Logger
	metrics *monitoring.Metrics

	cache      atomic.Pointer[params.Snapshot]
	lastUpdate atomic.Int64
	calls      int
	inflight   atomic.Bool
	wg         sync.WaitGroup

	// ctx scopes background refreshes; Close cancels it
	ctx    context.Context
	cancel context.CancelFunc

	errMu    sync.Mutex
	fetchErr error
}

// Option customizes a Client
type Option func(*Client)

// WithMetrics reports fetch outcomes and the cached version
func WithMetrics(m *monitoring.Metrics, actorID string) Option {
	return func(c *Client) {
		c.metrics = m
		c.actorID = actorID
	}
}

// NewClient creates a client with a fresh temporary client key
func NewClient(source Source, cfg Config, logger zerolog.Logger, opts ...Option) *Client {
	if cfg.UpdatePeriod <= 0 {
		cfg.UpdatePeriod = 1
	}
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = 100 * time.Millisecond
	}
	key := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		source: source,
		cfg:    cfg,
		key:    key,
		logger: logger.With().Str("component", "variable_client").Str("client_key", key).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the temporary client key sent with every fetch
func (c *Client) Key() string {
	return c.key
}

// Pull returns the cached snapshot. The first call blocks until a snapshot exists;
// later calls start a background refresh every UpdatePeriod invocations. Once a
// refresh has exhausted its retry budget, Pull returns the cached snapshot along
// with an error wrapping ErrParameterFetch.
func (c *Client) Pull(ctx context.Context) (*params.Snapshot, error) {
	if c.cache.Load() == nil {
		if err := c.UpdateAndWait(ctx); err != nil {
			return nil, err
		}
		return c.cache.Load(), nil
	}

	if err := c.takeFetchErr(); err != nil {
		return c.cache.Load(), err
	}

	c.calls++
	if c.calls >= c.cfg.UpdatePeriod {
		c.calls = 0
		c.refreshAsync()
	}
	return c.cache.Load(), nil
}

// Current returns the cached snapshot without blocking, or nil before the first pull
func (c *Client) Current() *params.Snapshot {
	return c.cache.Load()
}

// Version returns the cached version, or -1 when nothing is cached
func (c *Client) Version() int64 {
	if snap := c.cache.Load(); snap != nil {
		return snap.Version
	}
	return -1
}

// LastUpdate is when the cache last advanced
func (c *Client) LastUpdate() time.Time {
	ns := c.lastUpdate.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// UpdateAndWait fetches synchronously. While the learner has published nothing it
// keeps waiting without spending the retry budget; transport failures do spend it.
func (c *Client) UpdateAndWait(ctx context.Context) error {
	for {
		snap, err := c.fetch(ctx)
		switch {
		case err == nil:
			c.install(snap)
			if c.cache.Load() != nil {
				return nil
			}
		case errors.Is(err, params.ErrNoSnapshot), errors.Is(err, params.ErrThrottled):
			c.logger.Debug().Err(err).Msg("Waiting for first parameter snapshot")
		default:
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.WaitInterval):
		}
	}
}

// Close cancels any in-flight refresh and waits for it to return
func (c *Client) Close() {
	c.cancel()
	c.wait()
}

func (c *Client) wait() {
	c.wg.Wait()
}

func (c *Client) refreshAsync() {
	if !c.inflight.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.inflight.Store(false)

		snap, err := c.fetch(c.ctx)
		switch {
		case err == nil:
			c.install(snap)
		case c.ctx.Err() != nil:
			c.logger.Debug().Msg("Parameter refresh cancelled")
		case errors.Is(err, params.ErrNoSnapshot), errors.Is(err, params.ErrThrottled):
			c.logger.Debug().Err(err).Msg("Skipped parameter refresh")
		default:
			c.logger.Error().Err(err).Int64("cached_version", c.Version()).Msg("Parameter refresh failed, keeping cached snapshot")
			c.errMu.Lock()
			c.fetchErr = err
			c.errMu.Unlock()
		}
	}()
}

func (c *Client) takeFetchErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	err := c.fetchErr
	c.fetchErr = nil
	return err
}

// fetch runs one bounded-retry fetch. ErrNoSnapshot and ErrThrottled are returned
// unwrapped without retrying. Empty or malformed replies spend the budget like
// transport failures, and whatever survives it becomes ErrParameterFetch.
func (c *Client) fetch(ctx context.Context) (*params.Snapshot, error) {
	minVersion := c.Version()
	snap, err := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) (*params.Snapshot, error) {
		snap, err := c.source.FetchSnapshot(ctx, c.key, minVersion)
		if err != nil {
			if errors.Is(err, params.ErrNoSnapshot) || errors.Is(err, params.ErrThrottled) {
				return nil, retry.Permanent(err)
			}
			return nil, err
		}
		if snap == nil {
			return nil, fmt.Errorf("%w: empty reply", errBadReply)
		}
		if snap.Params != nil {
			if err := snap.Params.Validate(); err != nil {
				return nil, fmt.Errorf("%w: malformed snapshot: %v", errBadReply, err)
			}
		}
		return snap, nil
	}, func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Dur("backoff", wait).Msg("Parameter fetch failed, retrying")
	})

	c.observe(err)
	if err == nil {
		return snap, nil
	}
	if errors.Is(err, params.ErrNoSnapshot) || errors.Is(err, params.ErrThrottled) || ctx.Err() != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrParameterFetch, c.cfg.Retry.MaxAttempts, err)
}

// install swaps snap into the cache only if it is strictly newer
func (c *Client) install(snap *params.Snapshot) bool {
	if snap == nil || snap.Params == nil {
		return false
	}
	for {
		cur := c.cache.Load()
		if cur != nil && snap.Version <= cur.Version {
			return false
		}
		if c.cache.CompareAndSwap(cur, snap) {
			c.lastUpdate.Store(time.Now().UnixNano())
			if c.metrics != nil {
				c.metrics.ActorParameterVersion.WithLabelValues(c.actorID).Set(float64(snap.Version))
			}
			c.logger.Debug().Int64("version", snap.Version).Msg("Installed parameter snapshot")
			return true
		}
	}
}

func (c *Client) observe(err error) {
	if c.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, params.ErrNoSnapshot):
		result = "no_snapshot"
	case errors.Is(err, params.ErrThrottled):
		result = "throttled"
	default:
		result = "error"
	}
	c.metrics.ParameterFetches.WithLabelValues(result).Inc()
}
