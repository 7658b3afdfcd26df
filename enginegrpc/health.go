// Package enginegrpc exposes the engine's liveness over the standard
// grpc health-checking protocol, grounded on
// services/federation/main.go's grpc.NewServer/net.Listen/Serve
// lifecycle, generalized to register health.Server the teacher's
// "// TODO: Register federation gRPC service" left undone.
package enginegrpc

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Prober reports whether the component behind it is currently healthy.
// *pool.Pool satisfies this via its Running method.
type Prober interface {
	Running() bool
}

// HealthServer wraps grpc/health.Server, polling a set of named Probers
// and reflecting each one's status under the service name it was
// registered with.
type HealthServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
}

// New builds a grpc server with the standard health service registered.
// Only the empty (server-wide) service name starts as SERVING; a Check
// for any other name fails with NotFound until SetServing registers it.
func New(addr string) (*HealthServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &HealthServer{grpcServer: gs, health: hs, listener: lis}, nil
}

// SetServing updates service's reported status.
func (h *HealthServer) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(service, status)
}

// Watch mirrors a Prober's Running() state into service's status on
// every tick of the caller-driven refresh loop (see PollProbers).
func (h *HealthServer) Watch(service string, p Prober) {
	h.SetServing(service, p.Running())
}

// Serve blocks, accepting connections until ctx is cancelled or Serve
// returns an error.
func (h *HealthServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- h.grpcServer.Serve(h.listener) }()

	select {
	case <-ctx.Done():
		h.grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the address the server is listening on.
func (h *HealthServer) Addr() string { return h.listener.Addr().String() }
