package coordserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/status"
)

type statusServer struct {
	st status.ReadWriter
}

// NewStatusServer adapts the authoritative status cell to StatusServer
func NewStatusServer(st status.ReadWriter) StatusServer {
	return &statusServer{st: st}
}

func (s *statusServer) GetInfo(ctx context.Context, req *structpb.ListValue) (*structpb.Struct, error) {
	keys := make([]string, 0, len(req.GetValues()))
	for _, v := range req.GetValues() {
		str, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, toStatus(status.ErrTypeMismatch)
		}
		keys = append(keys, str.StringValue)
	}
	values, err := s.st.GetInfo(ctx, keys...)
	if err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{Fields: values}, nil
}

func (s *statusServer) SetInfo(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	if err := s.st.SetInfo(ctx, req.GetFields()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// StatusClient reads and writes the remote status cell. It satisfies status.ReadWriter.
type StatusClient struct {
	conn grpc.ClientConnInterface
}

// NewStatusClient wraps conn
func NewStatusClient(conn grpc.ClientConnInterface) *StatusClient {
	return &StatusClient{conn: conn}
}

// GetInfo calls StatusService.GetInfo
func (c *StatusClient) GetInfo(ctx context.Context, keys ...string) (map[string]*structpb.Value, error) {
	in := &structpb.ListValue{Values: make([]*structpb.Value, len(keys))}
	for i, k := range keys {
		in.Values[i] = structpb.NewStringValue(k)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method(StatusServiceName, "GetInfo"), in, out, callOptions()...); err != nil {
		return nil, statusClientCodes.fromStatus(err)
	}
	if out.Fields == nil {
		return map[string]*structpb.Value{}, nil
	}
	return out.Fields, nil
}

// SetInfo calls StatusService.SetInfo
func (c *StatusClient) SetInfo(ctx context.Context, values map[string]*structpb.Value) error {
	in := &structpb.Struct{Fields: values}
	if err := c.conn.Invoke(ctx, method(StatusServiceName, "SetInfo"), in, new(emptypb.Empty), callOptions()...); err != nil {
		return statusClientCodes.fromStatus(err)
	}
	return nil
}
