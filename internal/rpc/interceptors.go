package rpc

import (
	"context"
	"time"

	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RecoveryInterceptor turns a panicking handler into an Internal status
// instead of taking the whole server down, the same grpc_recovery option the
// teacher's createGRPCServer builds in cmd/api/main.go.
func RecoveryInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return grpc_recovery.UnaryServerInterceptor(grpc_recovery.WithRecoveryHandler(func(p interface{}) error {
		logger.Error().Interface("panic", p).Msg("recovered from panic in grpc handler")
		return status.Errorf(codes.Internal, "internal server error")
	}))
}

// LoggingInterceptor logs method, duration and error for every call,
// mirroring the teacher's loggingInterceptor in cmd/api/main.go.
func LoggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info().
			Str("method", info.FullMethod).
			Dur("duration_ms", time.Since(start)).
			Err(err).
			Msg("grpc request completed")
		return resp, err
	}
}
