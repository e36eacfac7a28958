package coordserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/learner"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/replay"
)

// Fully qualified service names
const (
	ParameterServiceName = "arl.v1.ParameterService"
	StatusServiceName    = "arl.v1.StatusService"
	ReplayServiceName    = "arl.v1.ReplayService"
	LearnerServiceName   = "arl.v1.LearnerService"
)

// ParameterServer serves parameter snapshots to actors
type ParameterServer interface {
	FetchSnapshot(context.Context, *FetchSnapshotRequest) (*FetchSnapshotResponse, error)
}

// StatusServer serves the shared status cell
type StatusServer interface {
	GetInfo(context.Context, *structpb.ListValue) (*structpb.Struct, error)
	SetInfo(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

// ReplayServer serves the replay table
type ReplayServer interface {
	Insert(context.Context, *InsertRequest) (*InsertResponse, error)
	Info(context.Context, *Empty) (*replay.Info, error)
	Sample(context.Context, *SampleRequest) (*replay.Batch, error)
	UpdatePriorities(context.Context, *UpdatePrioritiesRequest) (*Empty, error)
}

// LearnerServer exposes learner control to operators
type LearnerServer interface {
	GetInfo(context.Context, *Empty) (*learner.Info, error)
	SaveCheckpoint(context.Context, *CheckpointRequest) (*CheckpointResponse, error)
	LoadCheckpoint(context.Context, *CheckpointRequest) (*CheckpointResponse, error)
}

// unary builds a method handler that decodes Req, runs interceptors and calls fn
func unary[S any, Req any, Resp any](fullMethod string, fn func(S, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(srv.(S), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return fn(srv.(S), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func method(service, name string) string {
	return "/" + service + "/" + name
}

// ParameterServiceDesc is the grpc.ServiceDesc for ParameterService
var ParameterServiceDesc = grpc.ServiceDesc{
	ServiceName: ParameterServiceName,
	HandlerType: (*ParameterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "FetchSnapshot", Handler: unary(method(ParameterServiceName, "FetchSnapshot"), ParameterServer.FetchSnapshot)},
	},
	Metadata: "arl/v1/coordination.proto",
}

// StatusServiceDesc is the grpc.ServiceDesc for StatusService
var StatusServiceDesc = grpc.ServiceDesc{
	ServiceName: StatusServiceName,
	HandlerType: (*StatusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetInfo", Handler: unary(method(StatusServiceName, "GetInfo"), StatusServer.GetInfo)},
		{MethodName: "SetInfo", Handler: unary(method(StatusServiceName, "SetInfo"), StatusServer.SetInfo)},
	},
	Metadata: "arl/v1/coordination.proto",
}

// ReplayServiceDesc is the grpc.ServiceDesc for ReplayService
var ReplayServiceDesc = grpc.ServiceDesc{
	ServiceName: ReplayServiceName,
	HandlerType: (*ReplayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Insert", Handler: unary(method(ReplayServiceName, "Insert"), ReplayServer.Insert)},
		{MethodName: "Info", Handler: unary(method(ReplayServiceName, "Info"), ReplayServer.Info)},
		{MethodName: "Sample", Handler: unary(method(ReplayServiceName, "Sample"), ReplayServer.Sample)},
		{MethodName: "UpdatePriorities", Handler: unary(method(ReplayServiceName, "UpdatePriorities"), ReplayServer.UpdatePriorities)},
	},
	Metadata: "arl/v1/coordination.proto",
}

// LearnerServiceDesc is the grpc.ServiceDesc for LearnerService
var LearnerServiceDesc = grpc.ServiceDesc{
	ServiceName: LearnerServiceName,
	HandlerType: (*LearnerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetInfo", Handler: unary(method(LearnerServiceName, "GetInfo"), LearnerServer.GetInfo)},
		{MethodName: "SaveCheckpoint", Handler: unary(method(LearnerServiceName, "SaveCheckpoint"), LearnerServer.SaveCheckpoint)},
		{MethodName: "LoadCheckpoint", Handler: unary(method(LearnerServiceName, "LoadCheckpoint"), LearnerServer.LoadCheckpoint)},
	},
	Metadata: "arl/v1/coordination.proto",
}
