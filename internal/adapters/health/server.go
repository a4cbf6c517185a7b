package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Server exposes the checker as grpc.health.v1.Health.
type Server struct {
	checker *Checker
	logger  *slog.Logger
	server  *grpc.Server
}

func NewServer(checker *Checker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		checker: checker,
		logger:  logger.With("component", "grpc-health"),
	}
	s.server = grpc.NewServer(grpc.UnaryInterceptor(s.loggingInterceptor))
	grpc_health_v1.RegisterHealthServer(s.server, checker.server)
	return s
}

func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on grpc health port %d: %w", port, err)
	}
	return s.Serve(ctx, lis)
}

// Serve blocks until ctx is done or the listener fails.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("grpc health server listening", "addr", lis.Addr().String())
		errCh <- s.server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.checker.publish(false)
		s.server.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	}
}

func (s *Server) loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	s.logger.Debug("handling request", "method", info.FullMethod)
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Warn("request failed", "method", info.FullMethod, "error", err)
	}
	return resp, err
}
