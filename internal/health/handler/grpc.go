// Package handler serves the standard gRPC health protocol for readiness probes.
package handler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the per-service health key; "" reports overall health.
const ServiceName = "verifybot"

const (
	defaultInterval = 15 * time.Second
	checkTimeout    = 3 * time.Second
)

// Pinger is used for DB readiness (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker is used for command policy readiness (e.g. *engine.CommandPolicy).
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server wraps the grpc health server and keeps its status current from periodic checks.
type Server struct {
	hs     *health.Server
	pinger Pinger
	policy PolicyChecker
	log    zerolog.Logger
}

// NewServer returns a Server. Nil checkers are skipped. Status starts NOT_SERVING until the first check.
func NewServer(pinger Pinger, policy PolicyChecker, log zerolog.Logger) *Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Server{
		hs:     hs,
		pinger: pinger,
		policy: policy,
		log:    log.With().Str("component", "health").Logger(),
	}
}

// Register adds the health service to s.
func (s *Server) Register(r grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(r, s.hs)
}

// Check runs every configured check once. Check failures do not surface as errors, only as NOT_SERVING.
func (s *Server) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if s.pinger != nil {
		if err := s.pinger.PingContext(ctx); err != nil {
			s.log.Warn().Err(err).Msg("database ping failed")
			return healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	if s.policy != nil {
		if err := s.policy.HealthCheck(ctx); err != nil {
			s.log.Warn().Err(err).Msg("command policy check failed")
			return healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Refresh runs Check and publishes the result.
func (s *Server) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := s.Check(ctx)
	s.hs.SetServingStatus("", st)
	s.hs.SetServingStatus(ServiceName, st)
	return st
}

// Run refreshes status immediately and then every interval until ctx is done.
// Zero interval means 15 seconds.
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultInterval
	}
	s.Refresh(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Refresh(ctx)
		}
	}
}

// Shutdown marks every service NOT_SERVING and ignores later updates.
func (s *Server) Shutdown() {
	s.hs.Shutdown()
}
