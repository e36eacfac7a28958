package coordserver

import (
	"context"

	"google.golang.org/grpc"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/params"
)

type parameterServer struct {
	svc *params.Service
}

// NewParameterServer adapts a params.Service to ParameterServer
func NewParameterServer(svc *params.Service) ParameterServer {
	return &parameterServer{svc: svc}
}

func (s *parameterServer) FetchSnapshot(ctx context.Context, req *FetchSnapshotRequest) (*FetchSnapshotResponse, error) {
	snap, err := s.svc.FetchSnapshot(ctx, req.ClientKey, req.MinVersion)
	if err != nil {
		return nil, toStatus(err)
	}
	return &FetchSnapshotResponse{
		Version:     snap.Version,
		Params:      toWire(snap.Params),
		PublishedAt: snap.PublishedAt,
	}, nil
}

// ParameterClient fetches snapshots over gRPC. It satisfies variable.Source.
type ParameterClient struct {
	conn grpc.ClientConnInterface
}

// NewParameterClient wraps conn
func NewParameterClient(conn grpc.ClientConnInterface) *ParameterClient {
	return &ParameterClient{conn: conn}
}

// FetchSnapshot calls ParameterService.FetchSnapshot
func (c *ParameterClient) FetchSnapshot(ctx context.Context, clientKey string, minVersion int64) (*params.Snapshot, error) {
	out := new(FetchSnapshotResponse)
	in := &FetchSnapshotRequest{ClientKey: clientKey, MinVersion: minVersion}
	if err := c.conn.Invoke(ctx, method(ParameterServiceName, "FetchSnapshot"), in, out, callOptions()...); err != nil {
		return nil, parameterClientCodes.fromStatus(err)
	}
	return &params.Snapshot{
		Version:     out.Version,
		Params:      fromWire(out.Params),
		PublishedAt: out.PublishedAt,
	}, nil
}
