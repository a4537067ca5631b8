// Package grpcapi is the gRPC surface of the services. Calls are authorized
// per method by the same auth.Guard the HTTP layer uses.
package grpcapi

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"retailops.org/internal/auth"
	"retailops.org/internal/obs"
)

const healthPrefix = "/grpc.health.v1.Health/"

// Policy maps full method names to the operation guarding them.
type Policy map[string]auth.Operation

// UnaryGuard authorizes every unary call against policy. Health checks are
// always allowed and methods without an entry are refused.
func UnaryGuard(g *auth.Guard, policy Policy) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthPrefix) {
			return handler(ctx, req)
		}
		op, ok := policy[info.FullMethod]
		if !ok {
			return nil, status.Errorf(codes.PermissionDenied, "no policy for %s", info.FullMethod)
		}
		token := tokenFromMetadata(ctx)
		claims, err := g.Authorize(ctx, token, op)
		switch {
		case errors.Is(err, auth.ErrUnauthenticated):
			return nil, status.Error(codes.Unauthenticated, "authentication required")
		case errors.Is(err, auth.ErrForbidden):
			return nil, status.Error(codes.PermissionDenied, "insufficient permissions")
		case err != nil:
			return nil, status.Error(codes.Internal, "authorization failed")
		}
		ctx = auth.ContextWithToken(auth.ContextWithClaims(ctx, claims), token)
		return handler(ctx, req)
	}
}

// UnaryLogging logs one entry per call with its status code.
func UnaryLogging(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = obs.Logger()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		level := slog.LevelInfo
		if code != codes.OK {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "grpc_call",
			"method", info.FullMethod,
			"code", code.String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return resp, err
	}
}

func tokenFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get("authorization") {
		if token, ok := auth.BearerToken(v); ok {
			return token
		}
	}
	return ""
}
