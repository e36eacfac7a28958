package coordserver

import (
	"context"

	"google.golang.org/grpc"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/learner"
)

// LearnerControl is the part of the learner exposed to operators
type LearnerControl interface {
	Info() learner.Info
	SaveCheckpoint(ctx context.Context, name string) error
	LoadCheckpoint(ctx context.Context, name string) error
}

type learnerServer struct {
	ctl LearnerControl
}

// NewLearnerServer adapts a LearnerControl to LearnerServer
func NewLearnerServer(ctl LearnerControl) LearnerServer {
	return &learnerServer{ctl: ctl}
}

func (s *learnerServer) GetInfo(_ context.Context, _ *Empty) (*learner.Info, error) {
	info := s.ctl.Info()
	return &info, nil
}

func (s *learnerServer) SaveCheckpoint(ctx context.Context, req *CheckpointRequest) (*CheckpointResponse, error) {
	if err := s.ctl.SaveCheckpoint(ctx, req.Name); err != nil {
		return nil, toStatus(err)
	}
	name := req.Name
	if name == "" {
		name = s.ctl.Info().LastCheckpoint
	}
	return &CheckpointResponse{Name: name}, nil
}

func (s *learnerServer) LoadCheckpoint(ctx context.Context, req *CheckpointRequest) (*CheckpointResponse, error) {
	if err := s.ctl.LoadCheckpoint(ctx, req.Name); err != nil {
		return nil, toStatus(err)
	}
	return &CheckpointResponse{Name: req.Name}, nil
}

// LearnerClient drives a remote learner
type LearnerClient struct {
	conn grpc.ClientConnInterface
}

// NewLearnerClient wraps conn
func NewLearnerClient(conn grpc.ClientConnInterface) *LearnerClient {
	return &LearnerClient{conn: conn}
}

// Info calls LearnerService.GetInfo
func (c *LearnerClient) Info(ctx context.Context) (learner.Info, error) {
	out := new(learner.Info)
	if err := c.conn.Invoke(ctx, method(LearnerServiceName, "GetInfo"), &Empty{}, out, callOptions()...); err != nil {
		return learner.Info{}, learnerClientCodes.fromStatus(err)
	}
	return *out, nil
}

// SaveCheckpoint calls LearnerService.SaveCheckpoint and returns the name used
func (c *LearnerClient) SaveCheckpoint(ctx context.Context, name string) (string, error) {
	out := new(CheckpointResponse)
	if err := c.conn.Invoke(ctx, method(LearnerServiceName, "SaveCheckpoint"), &CheckpointRequest{Name: name}, out, callOptions()...); err != nil {
		return "", learnerClientCodes.fromStatus(err)
	}
	return out.Name, nil
}

// LoadCheckpoint calls LearnerService.LoadCheckpoint
func (c *LearnerClient) LoadCheckpoint(ctx context.Context, name string) error {
	if err := c.conn.Invoke(ctx, method(LearnerServiceName, "LoadCheckpoint"), &CheckpointRequest{Name: name}, new(CheckpointResponse), callOptions()...); err != nil {
		return learnerClientCodes.fromStatus(err)
	}
	return nil
}
