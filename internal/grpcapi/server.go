package grpcapi

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ValidatorService is the health service name terminals probe before tapping
// cards. The empty name reports the whole server.
const ValidatorService = "validator.v1.Validator"

type Dependencies struct {
	Logger zerolog.Logger
	Addr   string
}

type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     zerolog.Logger
	addr       string
}

func NewServer(d Dependencies) *Server {
	s := &Server{
		health: health.NewServer(),
		logger: d.Logger,
		addr:   d.Addr,
	}
	s.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(s.logUnary))
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.SetServing(false)
	return s
}

// SetServing flips both the server-wide and the validator health status.
func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ValidatorService, st)
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("grpc listening")
	return s.grpcServer.Serve(lis)
}

// Shutdown drains in-flight RPCs, falling back to a hard stop when ctx ends
// first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.grpcServer.Stop()
		return ctx.Err()
	}
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Debug().
		Str("method", info.FullMethod).
		Str("code", status.Code(err).String()).
		Dur("dur", time.Since(start)).
		Msg("grpc request")
	return resp, err
}
