package coordserver

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/checkpoint"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/learner"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/params"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/replay"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/status"
)

type codeMapping struct {
	err  error
	code codes.Code
}

// serverCodes is checked in order; the first sentinel that matches wins
var serverCodes = []codeMapping{
	{context.Canceled, codes.Canceled},
	{context.DeadlineExceeded, codes.DeadlineExceeded},
	{params.ErrNoSnapshot, codes.FailedPrecondition},
	{params.ErrThrottled, codes.ResourceExhausted},
	{params.ErrShapeMismatch, codes.InvalidArgument},
	{status.ErrKeyNotFound, codes.NotFound},
	{status.ErrTypeMismatch, codes.InvalidArgument},
	{status.ErrStickyKey, codes.FailedPrecondition},
	{replay.ErrUnavailable, codes.Unavailable},
	{replay.ErrClosed, codes.Unavailable},
	{replay.ErrInvalidPriority, codes.InvalidArgument},
	{checkpoint.ErrNotFound, codes.NotFound},
	{checkpoint.ErrMalformed, codes.DataLoss},
	{checkpoint.ErrIO, codes.Internal},
	{learner.ErrRunning, codes.FailedPrecondition},
	{learner.ErrNoCheckpointStore, codes.Unimplemented},
}

// toStatus converts a domain error into a gRPC status error
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	for _, m := range serverCodes {
		if errors.Is(err, m.err) {
			return grpcstatus.Error(m.code, err.Error())
		}
	}
	return grpcstatus.Error(codes.Unknown, err.Error())
}

// clientCodes maps codes back to the sentinel a particular client exposes. Codes
// are only meaningful per service, so each client carries its own table.
type clientCodes map[codes.Code]error

var (
	parameterClientCodes = clientCodes{
		codes.FailedPrecondition: params.ErrNoSnapshot,
		codes.ResourceExhausted:  params.ErrThrottled,
	}
	statusClientCodes = clientCodes{
		codes.NotFound:           status.ErrKeyNotFound,
		codes.InvalidArgument:    status.ErrTypeMismatch,
		codes.FailedPrecondition: status.ErrStickyKey,
		codes.Unavailable:        status.ErrUnavailable,
		codes.DeadlineExceeded:   status.ErrUnavailable,
	}
	replayClientCodes = clientCodes{
		codes.Unavailable:       replay.ErrUnavailable,
		codes.DeadlineExceeded:  replay.ErrUnavailable,
		codes.ResourceExhausted: replay.ErrUnavailable,
		codes.InvalidArgument:   replay.ErrInvalidPriority,
	}
	learnerClientCodes = clientCodes{
		codes.NotFound:           checkpoint.ErrNotFound,
		codes.DataLoss:           checkpoint.ErrMalformed,
		codes.InvalidArgument:    checkpoint.ErrShapeMismatch,
		codes.Internal:           checkpoint.ErrIO,
		codes.FailedPrecondition: learner.ErrRunning,
		codes.Unimplemented:      learner.ErrNoCheckpointStore,
	}
)

// fromStatus converts a gRPC error into an error wrapping the matching sentinel
func (c clientCodes) fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := grpcstatus.FromError(err)
	if !ok {
		return err
	}
	if st.Code() == codes.Canceled {
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	}
	if sentinel, ok := c[st.Code()]; ok {
		return fmt.Errorf("%w: %s", sentinel, st.Message())
	}
	return err
}
