// Package health exposes the standard gRPC health service backed by the same
// dependency checks as the HTTP health endpoint.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Checker reports whether a dependency is usable.
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

// Ping calls f.
func (f CheckerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Server runs grpc.health.v1.Health. The overall status ("") is SERVING only
// while every named check passes; each check is also published under its own
// service name.
type Server struct {
	grpc     *grpc.Server
	health   *grpchealth.Server
	checks   map[string]Checker
	interval time.Duration
	timeout  time.Duration
}

// NewServer creates a health server that re-runs checks every interval.
func NewServer(checks map[string]Checker, interval time.Duration) *Server {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s := &Server{
		grpc:     grpc.NewServer(),
		health:   grpchealth.NewServer(),
		checks:   checks,
		interval: interval,
		timeout:  2 * time.Second,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.refresh(ctx)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				s.grpc.GracefulStop()
				return
			case <-ticker.C:
				s.refresh(ctx)
			}
		}
	}()

	slog.Info("gRPC health server starting", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve grpc health: %w", err)
	}
	return nil
}

func (s *Server) refresh(ctx context.Context) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	overall := healthpb.HealthCheckResponse_SERVING
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.checks[name].Ping(checkCtx)
		cancel()

		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = status
			slog.Warn("Health check failed", "check", name, "error", err)
		}
		s.health.SetServingStatus(name, status)
	}
	s.health.SetServingStatus("", overall)
}
