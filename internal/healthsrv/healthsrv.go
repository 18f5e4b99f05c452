// Package healthsrv exposes the standard gRPC health service for
// orchestrators. The overall status ("") is SERVING while the process runs;
// each registered check gets its own service name refreshed on an interval.
package healthsrv

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"
)

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) bool

// Server wraps a gRPC server carrying only the health service.
type Server struct {
	log      *zap.Logger
	grpc     *grpc.Server
	health   *health.Server
	interval time.Duration

	mu     sync.Mutex
	checks map[string]Check
}

// New returns a server whose checks run every interval (default 10s).
func New(log *zap.Logger, interval time.Duration) *Server {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s := &Server{
		log:      log.Named("grpc_health"),
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
		interval: interval,
		checks:   make(map[string]Check),
	}
	healthgrpc.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthgrpc.HealthCheckResponse_NOT_SERVING)
	return s
}

// AddCheck registers a named dependency check. Call before Serve.
func (s *Server) AddCheck(service string, check Check) {
	s.mu.Lock()
	s.checks[service] = check
	s.mu.Unlock()
	s.health.SetServingStatus(service, healthgrpc.HealthCheckResponse_NOT_SERVING)
}

// Serve listens on addr until ctx is done, then stops gracefully, forcing
// the stop after 5s.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.probe(ctx)
	s.health.SetServingStatus("", healthgrpc.HealthCheckResponse_SERVING)
	go s.loop(ctx)

	go func() {
		<-ctx.Done()
		s.health.Shutdown()

		stopped := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			s.log.Warn("graceful stop timed out, forcing stop")
			s.grpc.Stop()
		}
	}()

	s.log.Info("serving gRPC health", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) loop(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.probe(ctx)
		}
	}
}

// probe runs every check once, each bounded by half the interval.
func (s *Server) probe(ctx context.Context) {
	s.mu.Lock()
	checks := make(map[string]Check, len(s.checks))
	for name, c := range s.checks {
		checks[name] = c
	}
	s.mu.Unlock()

	for name, check := range checks {
		cctx, cancel := context.WithTimeout(ctx, s.interval/2)
		ok := check(cctx)
		cancel()

		status := healthgrpc.HealthCheckResponse_SERVING
		if !ok {
			status = healthgrpc.HealthCheckResponse_NOT_SERVING
			s.log.Debug("dependency unhealthy", zap.String("service", name))
		}
		s.health.SetServingStatus(name, status)
	}
}
