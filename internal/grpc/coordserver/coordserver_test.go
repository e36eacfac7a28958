package coordserver

import (
	"context"
	"errors"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	grpcbackoff "google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/checkpoint"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/learner"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/monitoring"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/params"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/replay"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/retry"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/status"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/testutil"
)

const bufSize = 1024 * 1024

// setupTestServer serves srv over an in-memory listener and returns a client connection
func setupTestServer(t *testing.T, srv *Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	go func() {
		if err := srv.Serve(lis); err != nil {
			t.Logf("Server exited with error: %v", err)
		}
	}()

	conn, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}))
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
		lis.Close()
	})
	return conn
}

func newTestServer() *Server {
	return NewServer(ServerConfig{Logger: zerolog.Nop()})
}

func testTensors() params.Tensors {
	w := params.NewTensor("w", 2, 2)
	copy(w.Data, []float64{1, 2, 3, 4})
	return params.Tensors{w}
}

func TestParameterServiceRoundTrip(t *testing.T) {
	store := params.NewStore(zerolog.Nop())
	srv := newTestServer()
	srv.RegisterParameters(NewParameterServer(params.NewService(store, nil)))
	client := NewParameterClient(setupTestServer(t, srv))
	ctx := context.Background()

	_, err := client.FetchSnapshot(ctx, "a", -1)
	assert.ErrorIs(t, err, params.ErrNoSnapshot)

	store.Publish(testTensors())
	snap, err := client.FetchSnapshot(ctx, "a", -1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Version)
	require.Len(t, snap.Params, 1)
	assert.Equal(t, []int{2, 2}, snap.Params[0].Shape)
	assert.Equal(t, []float64{1, 2, 3, 4}, snap.Params[0].Data)

	// Up to date callers get only the version
	snap, err = client.FetchSnapshot(ctx, "a", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Version)
	assert.Empty(t, snap.Params)
}

func TestParameterServiceCarriesNonFiniteValues(t *testing.T) {
	store := params.NewStore(zerolog.Nop())
	srv := newTestServer()
	srv.RegisterParameters(NewParameterServer(params.NewService(store, nil)))
	client := NewParameterClient(setupTestServer(t, srv))

	w := testutil.NewTensor("w", []int{5}, math.NaN(), math.Inf(1), math.Inf(-1), math.Copysign(0, -1), math.SmallestNonzeroFloat64)
	store.Publish(params.Tensors{w})

	snap, err := client.FetchSnapshot(context.Background(), "a", -1)
	require.NoError(t, err)
	testutil.AssertBitIdentical(t, params.Tensors{w}, snap.Params)
}

func TestParameterServiceThrottle(t *testing.T) {
	store := params.NewStore(zerolog.Nop())
	store.Publish(testTensors())
	srv := newTestServer()
	srv.RegisterParameters(NewParameterServer(params.NewService(store, params.NewThrottleRegistry(0.001, 1))))
	client := NewParameterClient(setupTestServer(t, srv))
	ctx := context.Background()

	_, err := client.FetchSnapshot(ctx, "chatty", -1)
	require.NoError(t, err)
	_, err = client.FetchSnapshot(ctx, "chatty", -1)
	assert.ErrorIs(t, err, params.ErrThrottled)

	// Other clients have their own allowance
	_, err = client.FetchSnapshot(ctx, "quiet", -1)
	assert.NoError(t, err)
}

func TestStatusServiceRoundTrip(t *testing.T) {
	st := status.New(zerolog.Nop())
	srv := newTestServer()
	srv.RegisterStatus(NewStatusServer(st))
	client := NewStatusClient(setupTestServer(t, srv))
	ctx := context.Background()

	terminated, err := status.Terminated(ctx, client)
	require.NoError(t, err)
	assert.False(t, terminated)

	require.NoError(t, client.SetInfo(ctx, map[string]*structpb.Value{
		"note": structpb.NewStringValue("warming up"),
	}))
	got, err := client.GetInfo(ctx, "note", status.KeyTerminate)
	require.NoError(t, err)
	assert.Equal(t, "warming up", got["note"].GetStringValue())
	assert.False(t, got[status.KeyTerminate].GetBoolValue())

	all, err := client.GetInfo(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = client.GetInfo(ctx, "missing")
	assert.ErrorIs(t, err, status.ErrKeyNotFound)

	require.NoError(t, status.Terminate(ctx, client))
	err = client.SetInfo(ctx, map[string]*structpb.Value{status.KeyTerminate: structpb.NewBoolValue(false)})
	assert.ErrorIs(t, err, status.ErrStickyKey)

	terminated, err = status.Terminated(ctx, st)
	require.NoError(t, err)
	assert.True(t, terminated)
}

func TestStatusClientUnreachableIsUnavailable(t *testing.T) {
	conn, err := Dial("passthrough:///down",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		}))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = status.Terminated(ctx, NewStatusClient(conn))
	assert.ErrorIs(t, err, status.ErrUnavailable)
}

func TestRetryingStatusReaderWaitsForLateServer(t *testing.T) {
	lis := bufconn.Listen(bufSize)
	var up atomic.Bool
	conn, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			if !up.Load() {
				return nil, errors.New("connection refused")
			}
			return lis.DialContext(ctx)
		}),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           grpcbackoff.Config{BaseDelay: 5 * time.Millisecond, Multiplier: 1.2, MaxDelay: 20 * time.Millisecond},
			MinConnectTimeout: 100 * time.Millisecond,
		}))
	require.NoError(t, err)

	srv := newTestServer()
	srv.RegisterStatus(NewStatusServer(status.New(zerolog.Nop())))
	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
		lis.Close()
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		up.Store(true)
		if err := srv.Serve(lis); err != nil {
			t.Logf("Server exited with error: %v", err)
		}
	}()

	policy := retry.Policy{
		MaxAttempts:     50,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		CallTimeout:     200 * time.Millisecond,
	}
	reader := status.NewRetryingReader(NewStatusClient(conn), policy, zerolog.Nop())

	terminated, err := status.Terminated(context.Background(), reader)
	require.NoError(t, err)
	assert.False(t, terminated)
}

func transitions(n int) []replay.Transition {
	out := make([]replay.Transition, n)
	for i := range out {
		out[i] = replay.Transition{
			Observation:     []float64{float64(i), 0},
			Action:          i % 2,
			Reward:          1,
			Discount:        0.99,
			NextObservation: []float64{float64(i + 1), 0},
			Priority:        1,
		}
	}
	return out
}

func TestReplayServiceRoundTrip(t *testing.T) {
	table := replay.NewTable(replay.TableConfig{Capacity: 16, PriorityExponent: 1, Seed: 1}, zerolog.Nop())
	srv := newTestServer()
	srv.RegisterReplay(NewReplayServer(table, nil))
	client := NewReplayClient(setupTestServer(t, srv))
	ctx := context.Background()

	_, err := client.Sample(ctx, 4)
	assert.ErrorIs(t, err, replay.ErrUnavailable)

	require.NoError(t, client.Insert(ctx, transitions(5)))
	require.NoError(t, client.Insert(ctx, transitions(3)))

	info, err := client.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, info.CurrentSize)
	assert.Equal(t, int64(8), info.TotalInserted)
	assert.Equal(t, 16, info.Capacity)

	batch, err := client.Sample(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, batch.Len())
	assert.Len(t, batch.Keys, 4)
	assert.Len(t, batch.Probabilities, 4)

	require.NoError(t, client.UpdatePriorities(ctx, batch.Keys, []float64{2, 2, 2, 2}))
	err = client.UpdatePriorities(ctx, batch.Keys[:1], []float64{-1})
	assert.ErrorIs(t, err, replay.ErrInvalidPriority)
}

// lossyConn drops the first successful Insert ack, as if the response was lost in transit
type lossyConn struct {
	grpc.ClientConnInterface
	mu      sync.Mutex
	dropped bool
	ids     []string
}

func (c *lossyConn) Invoke(ctx context.Context, m string, args, reply any, opts ...grpc.CallOption) error {
	if req, ok := args.(*InsertRequest); ok {
		c.mu.Lock()
		c.ids = append(c.ids, req.BatchID)
		c.mu.Unlock()
	}
	err := c.ClientConnInterface.Invoke(ctx, m, args, reply, opts...)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil && !c.dropped && m == method(ReplayServiceName, "Insert") {
		c.dropped = true
		return grpcstatus.Error(codes.Unavailable, "connection reset")
	}
	return err
}

func TestReplayInsertRetryIsIdempotent(t *testing.T) {
	table := replay.NewTable(replay.TableConfig{Capacity: 16, Seed: 1}, zerolog.Nop())
	srv := newTestServer()
	srv.RegisterReplay(NewReplayServer(table, NewIdempotencyManager(time.Minute)))
	conn := &lossyConn{ClientConnInterface: setupTestServer(t, srv)}
	client := NewReplayClient(conn)
	ctx := context.Background()

	err := client.Insert(ctx, transitions(3))
	require.ErrorIs(t, err, replay.ErrUnavailable)

	// The retry reuses the batch id and is dropped server side
	require.NoError(t, client.Insert(ctx, transitions(3)))
	require.NoError(t, client.Insert(ctx, transitions(2)))

	info, err := table.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.TotalInserted)

	require.Len(t, conn.ids, 3)
	assert.Equal(t, conn.ids[0], conn.ids[1])
	assert.NotEqual(t, conn.ids[1], conn.ids[2])
}

func TestReplayClientRetryingWrapper(t *testing.T) {
	table := replay.NewTable(replay.TableConfig{Capacity: 16, Seed: 1}, zerolog.Nop())
	srv := newTestServer()
	srv.RegisterReplay(NewReplayServer(table, nil))
	conn := &lossyConn{ClientConnInterface: setupTestServer(t, srv)}

	svc := replay.NewRetrying(NewReplayClient(conn), testutil.FastRetryPolicy(3), zerolog.Nop())
	require.NoError(t, svc.Insert(context.Background(), transitions(4)))

	info, err := table.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.TotalInserted)
}

type fakeLearner struct {
	mu    sync.Mutex
	info  learner.Info
	err   error
	saved []string
}

func (f *fakeLearner) Info() learner.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info
}

func (f *fakeLearner) SaveCheckpoint(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if name == "" {
		name = checkpoint.Name(f.info.StepsCompleted)
	}
	f.saved = append(f.saved, name)
	f.info.LastCheckpoint = name
	return nil
}

func (f *fakeLearner) LoadCheckpoint(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.info.LastCheckpoint = name
	return nil
}

func TestLearnerService(t *testing.T) {
	fake := &fakeLearner{info: learner.Info{ID: "learner-0", StepsCompleted: 42, ParamVersion: 42, Running: true}}
	srv := newTestServer()
	srv.RegisterLearner(NewLearnerServer(fake))
	client := NewLearnerClient(setupTestServer(t, srv))
	ctx := context.Background()

	info, err := client.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "learner-0", info.ID)
	assert.Equal(t, int64(42), info.StepsCompleted)
	assert.True(t, info.Running)

	name, err := client.SaveCheckpoint(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "checkpoint-42", name)

	name, err = client.SaveCheckpoint(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, "manual", name)
	assert.Equal(t, []string{"checkpoint-42", "manual"}, fake.saved)

	fake.err = learner.ErrRunning
	err = client.LoadCheckpoint(ctx, "manual")
	assert.ErrorIs(t, err, learner.ErrRunning)

	fake.err = checkpoint.ErrNotFound
	err = client.LoadCheckpoint(ctx, "gone")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestHealthReportsRegisteredServices(t *testing.T) {
	srv := newTestServer()
	srv.RegisterStatus(NewStatusServer(status.New(zerolog.Nop())))
	conn := setupTestServer(t, srv)

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(context.Background(),
		&grpc_health_v1.HealthCheckRequest{Service: StatusServiceName})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)
	assert.Equal(t, []string{StatusServiceName}, srv.Services())
}

func TestToStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{params.ErrNoSnapshot, codes.FailedPrecondition},
		{params.ErrThrottled, codes.ResourceExhausted},
		{replay.ErrUnavailable, codes.Unavailable},
		{checkpoint.ErrMalformed, codes.DataLoss},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("boom"), codes.Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.code, grpcstatus.Code(toStatus(tt.err)))
		})
	}
	assert.NoError(t, toStatus(nil))
}

func TestRecoveryInterceptor(t *testing.T) {
	intercept := recoveryInterceptor(zerolog.Nop())
	_, err := intercept(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x/y"},
		func(context.Context, any) (any, error) { panic("boom") })
	assert.Equal(t, codes.Internal, grpcstatus.Code(err))
}

func TestInterceptorChainCountsOutcomes(t *testing.T) {
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	chain := func(handler grpc.UnaryHandler) error {
		info := &grpc.UnaryServerInfo{FullMethod: "/test.Service/Call"}
		observe := observeInterceptor(zerolog.Nop(), metrics)
		recovery := recoveryInterceptor(zerolog.Nop())
		_, err := observe(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
			return recovery(ctx, req, info, handler)
		})
		return err
	}

	require.NoError(t, chain(func(context.Context, any) (any, error) { return "ok", nil }))
	assert.Error(t, chain(func(context.Context, any) (any, error) { return nil, toStatus(params.ErrThrottled) }))
	assert.Error(t, chain(func(context.Context, any) (any, error) { panic("boom") }))

	requests := func(code codes.Code) float64 {
		return promtest.ToFloat64(metrics.RPCRequests.WithLabelValues("/test.Service/Call", code.String()))
	}
	assert.Equal(t, 1.0, requests(codes.OK))
	assert.Equal(t, 1.0, requests(codes.ResourceExhausted))
	assert.Equal(t, 1.0, requests(codes.Internal))
}

func TestIdempotencyManagerExpires(t *testing.T) {
	im := NewIdempotencyManager(time.Minute)
	now := time.Now()
	im.now = func() time.Time { return now }

	assert.Nil(t, im.Check("a:0"))
	im.Store("a:0", &InsertResponse{Inserted: 3})
	require.NotNil(t, im.Check("a:0"))
	assert.Equal(t, 3, im.Check("a:0").Inserted)

	im.Store("", &InsertResponse{})
	assert.Equal(t, 1, im.Len())

	now = now.Add(2 * time.Minute)
	assert.Nil(t, im.Check("a:0"))
}
