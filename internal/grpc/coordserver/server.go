package coordserver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/monitoring"
)

// ServerConfig configures a coordination server
type ServerConfig struct {
	EnableReflection bool
	// ShutdownDelay is how long the server reports NOT_SERVING before it stops
	ShutdownDelay time.Duration
	Metrics       *monitoring.Metrics
	Logger        zerolog.Logger
}

// Server hosts any combination of the coordination services on one gRPC server
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	services []string
	cfg      ServerConfig
}

// NewServer builds a gRPC server with the observe and recovery interceptor chain
func NewServer(cfg ServerConfig) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = monitoring.Discard()
	}
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			observeInterceptor(cfg.Logger, cfg.Metrics),
			recoveryInterceptor(cfg.Logger),
		),
	)
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(gs, hs)
	if cfg.EnableReflection {
		reflection.Register(gs)
		cfg.Logger.Info().Msg("gRPC reflection enabled")
	}
	return &Server{grpc: gs, health: hs, cfg: cfg}
}

func (s *Server) register(desc *grpc.ServiceDesc, impl any) {
	s.grpc.RegisterService(desc, impl)
	s.services = append(s.services, desc.ServiceName)
	s.health.SetServingStatus(desc.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
}

// RegisterParameters exposes the parameter store
func (s *Server) RegisterParameters(srv ParameterServer) { s.register(&ParameterServiceDesc, srv) }

// RegisterStatus exposes the status cell
func (s *Server) RegisterStatus(srv StatusServer) { s.register(&StatusServiceDesc, srv) }

// RegisterReplay exposes the replay table
func (s *Server) RegisterReplay(srv ReplayServer) { s.register(&ReplayServiceDesc, srv) }

// RegisterLearner exposes learner control
func (s *Server) RegisterLearner(srv LearnerServer) { s.register(&LearnerServiceDesc, srv) }

// Services lists the registered service names
func (s *Server) Services() []string {
	return append([]string(nil), s.services...)
}

// Serve blocks serving lis until Shutdown or a listener error
func (s *Server) Serve(lis net.Listener) error {
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.cfg.Logger.Info().
		Str("address", lis.Addr().String()).
		Strs("services", s.services).
		Msg("gRPC server listening")
	return s.grpc.Serve(lis)
}

// ListenAndServe listens on addr and serves until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(lis) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.Shutdown()
		return <-errCh
	}
}

// Shutdown marks every service NOT_SERVING, waits ShutdownDelay for in-flight
// requests and then stops gracefully
func (s *Server) Shutdown() {
	s.health.Shutdown()
	if s.cfg.ShutdownDelay > 0 {
		time.Sleep(s.cfg.ShutdownDelay)
	}
	s.cfg.Logger.Info().Msg("Gracefully stopping gRPC server")
	s.grpc.GracefulStop()
}

// Stop closes all connections immediately
func (s *Server) Stop() {
	s.grpc.Stop()
}

func callOptions() []grpc.CallOption {
	return []grpc.CallOption{grpc.CallContentSubtype(CodecName)}
}

// Dial creates a client connection that speaks the coordination codec
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	conn, err := grpc.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return conn, nil
}
