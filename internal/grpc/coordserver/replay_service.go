package coordserver

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/replay"
)

type replayServer struct {
	svc  replay.Service
	seen *IdempotencyManager
	// serializes check-insert-store so a concurrent retry cannot slip between them
	mu sync.Mutex
}

// NewReplayServer adapts a replay.Service to ReplayServer
func NewReplayServer(svc replay.Service, seen *IdempotencyManager) ReplayServer {
	if seen == nil {
		seen = NewIdempotencyManager(0)
	}
	return &replayServer{svc: svc, seen: seen}
}

func (s *replayServer) Insert(ctx context.Context, req *InsertRequest) (*InsertResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cached := s.seen.Check(req.BatchID); cached != nil {
		return &InsertResponse{Inserted: cached.Inserted, Duplicate: true}, nil
	}
	if err := s.svc.Insert(ctx, req.Transitions); err != nil {
		return nil, toStatus(err)
	}
	resp := &InsertResponse{Inserted: len(req.Transitions)}
	s.seen.Store(req.BatchID, resp)
	return resp, nil
}

func (s *replayServer) Info(ctx context.Context, _ *Empty) (*replay.Info, error) {
	info, err := s.svc.Info(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &info, nil
}

func (s *replayServer) Sample(ctx context.Context, req *SampleRequest) (*replay.Batch, error) {
	batch, err := s.svc.Sample(ctx, req.BatchSize)
	if err != nil {
		return nil, toStatus(err)
	}
	return batch, nil
}

func (s *replayServer) UpdatePriorities(ctx context.Context, req *UpdatePrioritiesRequest) (*Empty, error) {
	if err := s.svc.UpdatePriorities(ctx, req.Keys, req.Priorities); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

// ReplayClient talks to a remote replay table. It satisfies replay.Service.
//
// Every Insert carries a batch id of the form clientID:seq. The sequence only
// advances once the server acknowledges, so a retried batch keeps its id and
// the server drops the duplicate.
type ReplayClient struct {
	conn     grpc.ClientConnInterface
	clientID string

	mu  sync.Mutex
	seq uint64
}

// NewReplayClient wraps conn with a fresh client id
func NewReplayClient(conn grpc.ClientConnInterface) *ReplayClient {
	return &ReplayClient{conn: conn, clientID: uuid.NewString()}
}

// Insert calls ReplayService.Insert
func (c *ReplayClient) Insert(ctx context.Context, items []replay.Transition) error {
	if len(items) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	in := &InsertRequest{
		BatchID:     fmt.Sprintf("%s:%d", c.clientID, c.seq),
		Transitions: items,
	}
	out := new(InsertResponse)
	if err := c.conn.Invoke(ctx, method(ReplayServiceName, "Insert"), in, out, callOptions()...); err != nil {
		return replayClientCodes.fromStatus(err)
	}
	c.seq++
	return nil
}

// Info calls ReplayService.Info
func (c *ReplayClient) Info(ctx context.Context) (replay.Info, error) {
	out := new(replay.Info)
	if err := c.conn.Invoke(ctx, method(ReplayServiceName, "Info"), &Empty{}, out, callOptions()...); err != nil {
		return replay.Info{}, replayClientCodes.fromStatus(err)
	}
	return *out, nil
}

// Sample calls ReplayService.Sample
func (c *ReplayClient) Sample(ctx context.Context, batchSize int) (*replay.Batch, error) {
	out := new(replay.Batch)
	in := &SampleRequest{BatchSize: batchSize}
	if err := c.conn.Invoke(ctx, method(ReplayServiceName, "Sample"), in, out, callOptions()...); err != nil {
		return nil, replayClientCodes.fromStatus(err)
	}
	return out, nil
}

// UpdatePriorities calls ReplayService.UpdatePriorities
func (c *ReplayClient) UpdatePriorities(ctx context.Context, keys []uint64, priorities []float64) error {
	in := &UpdatePrioritiesRequest{Keys: keys, Priorities: priorities}
	if err := c.conn.Invoke(ctx, method(ReplayServiceName, "UpdatePriorities"), in, new(Empty), callOptions()...); err != nil {
		return replayClientCodes.fromStatus(err)
	}
	return nil
}
