// Package server builds the health gRPC server.
package server

import (
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthhandler "verifybot/internal/health/handler"
	"verifybot/internal/server/interceptors"
)

// Deps holds optional service dependencies for gRPC handlers.
type Deps struct {
	// Health serves grpc.health.v1. If nil, the health service is not registered.
	Health *healthhandler.Server
	// Reflection registers server reflection for grpcurl-style debugging.
	Reflection bool
}

// quietMethods are polled often and kept out of request logs.
var quietMethods = map[string]bool{
	healthpb.Health_Check_FullMethodName: true,
}

// NewGRPCServer returns a server with tracing, panic recovery and request logging.
func NewGRPCServer(log zerolog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	log = log.With().Str("component", "grpc").Logger()
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.RecoveryUnary(log),
			interceptors.LoggingUnary(log, quietMethods),
		),
	}
	return grpc.NewServer(append(base, opts...)...)
}

// RegisterServices registers the configured services with s.
func RegisterServices(s reflection.GRPCServer, deps Deps) {
	if deps.Health != nil {
		deps.Health.Register(s)
	}
	if deps.Reflection {
		reflection.Register(s)
	}
}
