package grpcapi

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"retailops.org/internal/auth"
)

// Checker reports whether the service dependencies are reachable.
type Checker interface {
	Check(ctx context.Context) error
}

// NewServer builds a gRPC server with logging and guard interceptors and a
// registered health service starting in NOT_SERVING.
func NewServer(g *auth.Guard, policy Policy, logger *slog.Logger, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append(opts, grpc.ChainUnaryInterceptor(UnaryLogging(logger), UnaryGuard(g, policy)))
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// WatchReadiness mirrors probe onto the health server every interval until
// ctx ends.
func WatchReadiness(ctx context.Context, hs *health.Server, probe Checker, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	update := func() {
		cctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		state := healthpb.HealthCheckResponse_SERVING
		if err := probe.Check(cctx); err != nil {
			state = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", state)
	}
	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			update()
		}
	}
}
