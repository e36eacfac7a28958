package coordserver

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/monitoring"
)

// expectedCodes are replies that actors hit during normal operation (no snapshot
// yet, throttled); they are not worth a warning.
var expectedCodes = map[codes.Code]bool{
	codes.OK:                 true,
	codes.FailedPrecondition: true,
	codes.ResourceExhausted:  true,
}

// observeInterceptor records the outcome of every unary call in the RPC metrics
// and the log. Actors poll constantly, so expected outcomes go to debug.
func observeInterceptor(logger zerolog.Logger, m *monitoring.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		elapsed := time.Since(start)
		code := status.Code(err)

		m.RPCRequests.WithLabelValues(info.FullMethod, code.String()).Inc()
		m.RPCDuration.WithLabelValues(info.FullMethod).Observe(elapsed.Seconds())

		level := zerolog.DebugLevel
		if !expectedCodes[code] {
			level = zerolog.WarnLevel
		}
		logger.WithLevel(level).
			Str("method", info.FullMethod).
			Stringer("code", code).
			Dur("duration", elapsed).
			Err(err).
			Msg("gRPC call")
		return resp, err
	}
}

// recoveryInterceptor sits inside observeInterceptor so a recovered panic is
// still counted as an Internal reply.
func recoveryInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().
					Str("method", info.FullMethod).
					Interface("panic", r).
					Msg("Recovered from panic in gRPC handler")
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}
