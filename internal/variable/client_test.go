package variable

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/params"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/retry"
)

func fastConfig(period int) Config {
	return Config{
		UpdatePeriod: period,
		Retry: retry.Policy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
		},
		WaitInterval: 5 * time.Millisecond,
	}
}

func snapshot(version int64) *params.Snapshot {
	return &params.Snapshot{Version: version, Params: params.Tensors{params.NewTensor("w", 1)}}
}

// scriptedSource replays a fixed sequence of replies, repeating the last one
type scriptedSource struct {
	mu      sync.Mutex
	replies []*params.Snapshot
	errs    []error
	calls   int
	keys    map[string]bool
}

func (s *scriptedSource) FetchSnapshot(_ context.Context, key string, _ int64) (*params.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys == nil {
		s.keys = map[string]bool{}
	}
	s.keys[key] = true
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	return s.replies[i], nil
}

func (s *scriptedSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestClient_VersionsAreMonotonic(t *testing.T) {
	src := &scriptedSource{replies: []*params.Snapshot{
		snapshot(3), snapshot(1), snapshot(5), snapshot(2), snapshot(5), snapshot(7),
	}}
	c := NewClient(src, fastConfig(1), zerolog.Nop())
	ctx := context.Background()

	last := int64(-1)
	for i := 0; i < 6; i++ {
		require.NoError(t, c.UpdateAndWait(ctx))
		v := c.Version()
		assert.GreaterOrEqual(t, v, last, "version went backwards at fetch %d", i)
		last = v
	}
	assert.Equal(t, int64(7), c.Version())
}

func TestClient_InstallRejectsOlderConcurrently(t *testing.T) {
	c := NewClient(&scriptedSource{}, fastConfig(1), zerolog.Nop())

	var wg sync.WaitGroup
	for v := int64(0); v < 50; v++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			c.install(snapshot(v))
		}(v)
	}
	wg.Wait()

	assert.Equal(t, int64(49), c.Version())
	assert.False(t, c.install(snapshot(10)))
	assert.False(t, c.LastUpdate().IsZero())
}

func TestClient_FirstPullBlocksUntilPublished(t *testing.T) {
	store := params.NewStore(zerolog.Nop())
	c := NewClient(params.NewService(store, nil), fastConfig(10), zerolog.Nop())

	done := make(chan *params.Snapshot, 1)
	go func() {
		snap, err := c.Pull(context.Background())
		assert.NoError(t, err)
		done <- snap
	}()

	select {
	case <-done:
		t.Fatal("first pull returned before any snapshot was published")
	case <-time.After(50 * time.Millisecond):
	}

	store.Publish(params.Tensors{params.NewTensor("w", 2)})

	select {
	case snap := <-done:
		require.NotNil(t, snap)
		assert.Equal(t, int64(0), snap.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("first pull never returned")
	}
}

func TestClient_FirstPullHonoursCancellation(t *testing.T) {
	store := params.NewStore(zerolog.Nop())
	c := NewClient(params.NewService(store, nil), fastConfig(10), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	snap, err := c.Pull(ctx)
	assert.Nil(t, snap)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, c.Current())
}

func TestClient_RetryBudgetSurfacesFetchError(t *testing.T) {
	unreachable := errors.New("connection refused")
	src := &scriptedSource{
		replies: []*params.Snapshot{snapshot(0)},
		errs:    []error{unreachable, unreachable, unreachable, unreachable},
	}
	c := NewClient(src, fastConfig(1), zerolog.Nop())

	_, err := c.Pull(context.Background())
	assert.ErrorIs(t, err, ErrParameterFetch)
	assert.Equal(t, 3, src.count())
}

func TestClient_RecoversWithinBudget(t *testing.T) {
	src := &scriptedSource{
		replies: []*params.Snapshot{nil, nil, snapshot(4)},
		errs:    []error{errors.New("blip"), errors.New("blip")},
	}
	c := NewClient(src, fastConfig(1), zerolog.Nop())

	snap, err := c.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.Version)
}

func TestClient_RetriesMalformedReply(t *testing.T) {
	bad := &params.Snapshot{Version: 2, Params: params.Tensors{{Name: "w", Shape: []int{2}, Data: []float64{1}}}}
	src := &scriptedSource{replies: []*params.Snapshot{bad, snapshot(4)}}
	c := NewClient(src, fastConfig(1), zerolog.Nop())

	snap, err := c.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.Version)
	assert.Equal(t, 2, src.count())
}

func TestClient_MalformedRepliesSpendBudget(t *testing.T) {
	src := &scriptedSource{replies: []*params.Snapshot{nil}}
	c := NewClient(src, fastConfig(1), zerolog.Nop())

	_, err := c.Pull(context.Background())
	assert.ErrorIs(t, err, ErrParameterFetch)
	assert.Equal(t, 3, src.count())
}

// blockingSource parks every fetch until its context ends
type blockingSource struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingSource) FetchSnapshot(ctx context.Context, _ string, _ int64) (*params.Snapshot, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestClient_CloseCancelsRefresh(t *testing.T) {
	cfg := fastConfig(1)
	cfg.Retry.CallTimeout = time.Minute
	src := &blockingSource{started: make(chan struct{})}
	c := NewClient(src, cfg, zerolog.Nop())
	require.True(t, c.install(snapshot(1)))

	_, err := c.Pull(context.Background())
	require.NoError(t, err)
	select {
	case <-src.started:
	case <-time.After(time.Second):
		t.Fatal("refresh never started")
	}

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on the in-flight refresh")
	}
	assert.NoError(t, c.takeFetchErr())
}

func TestClient_RefreshesEveryPeriod(t *testing.T) {
	store := params.NewStore(zerolog.Nop())
	store.Publish(params.Tensors{params.NewTensor("w", 1)})
	src := &countingService{svc: params.NewService(store, nil)}
	c := NewClient(src, fastConfig(3), zerolog.Nop())
	ctx := context.Background()

	_, err := c.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, src.count())

	store.Publish(params.Tensors{params.NewTensor("w", 1)})
	for i := 0; i < 2; i++ {
		_, err = c.Pull(ctx)
		require.NoError(t, err)
	}
	c.wait()
	assert.Equal(t, 1, src.count())
	assert.Equal(t, int64(0), c.Version())

	_, err = c.Pull(ctx)
	require.NoError(t, err)
	c.wait()
	assert.Equal(t, 2, src.count())
	assert.Equal(t, int64(1), c.Version())
}

func TestClient_AsyncFailureKeepsCacheAndSurfaces(t *testing.T) {
	unreachable := errors.New("connection refused")
	src := &scriptedSource{
		replies: []*params.Snapshot{snapshot(0)},
		errs:    []error{nil, unreachable, unreachable, unreachable},
	}
	c := NewClient(src, fastConfig(1), zerolog.Nop())
	ctx := context.Background()

	_, err := c.Pull(ctx)
	require.NoError(t, err)

	snap, err := c.Pull(ctx) // kicks off a refresh that will fail
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Version)
	c.wait()

	snap, err = c.Pull(ctx)
	assert.ErrorIs(t, err, ErrParameterFetch)
	require.NotNil(t, snap)
	assert.Equal(t, int64(0), snap.Version)
}

func TestClient_KeysAreUnique(t *testing.T) {
	a := NewClient(&scriptedSource{}, fastConfig(1), zerolog.Nop())
	b := NewClient(&scriptedSource{}, fastConfig(1), zerolog.Nop())
	assert.NotEqual(t, a.Key(), b.Key())
}

type countingService struct {
	mu    sync.Mutex
	svc   *params.Service
	calls int
}

func (c *countingService) FetchSnapshot(ctx context.Context, key string, minVersion int64) (*params.Snapshot, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.svc.FetchSnapshot(ctx, key, minVersion)
}

func (c *countingService) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
