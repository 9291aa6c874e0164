// Package grpcapi exposes the gRPC health service and the interceptors that
// authenticate gRPC callers through the access control service.
package grpcapi

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/qazna-org/access/internal/auth"
	"github.com/qazna-org/access/internal/obs"
)

const serviceName = "qazna.access.v1.Access"

// Pinger is satisfied by the persistence store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wraps a grpc.Server with health reporting.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	probe  Pinger
}

// New builds a server whose non-health methods require a credential. scopes
// maps full method names to the scope they require.
func New(svc *auth.Service, probe Pinger, scopes map[string]string, opts ...grpc.ServerOption) *Server {
	a := &Authenticator{svc: svc, scopes: scopes, public: map[string]bool{
		healthpb.Health_Check_FullMethodName: true,
		healthpb.Health_Watch_FullMethodName: true,
		healthpb.Health_List_FullMethodName:  true,
	}}
	opts = append(opts,
		grpc.ChainUnaryInterceptor(a.Unary),
		grpc.ChainStreamInterceptor(a.Stream),
	)
	s := &Server{
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
		probe:  probe,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// Registrar exposes the underlying server for service registration.
func (s *Server) Registrar() grpc.ServiceRegistrar { return s.grpc }

// Serve blocks serving lis.
func (s *Server) Serve(lis net.Listener) error { return s.grpc.Serve(lis) }

// GracefulStop marks the server not serving and drains in-flight calls.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// UpdateHealth pings the store and records the result for health checks.
func (s *Server) UpdateHealth(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if s.probe != nil {
		if err := s.probe.Ping(ctx); err != nil {
			obs.Component("grpc").WithError(err).Warn("health probe failed")
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(serviceName, status)
}

// WatchHealth refreshes health every interval until ctx is done.
func (s *Server) WatchHealth(ctx context.Context, interval time.Duration) {
	s.UpdateHealth(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, interval/2)
			s.UpdateHealth(probeCtx)
			cancel()
		}
	}
}
