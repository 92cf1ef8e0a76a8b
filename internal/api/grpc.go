// Package api exposes queue health over the standard gRPC health protocol
// (grpc.health.v1) so load balancers and orchestrators can check a node.
package api

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/relayq/relayq/internal/events"
	"github.com/relayq/relayq/internal/health"
	"github.com/relayq/relayq/internal/queue"
)

// ServicePrefix prefixes the per-queue service names; the empty service
// name carries the overall status
const ServicePrefix = "relayq.queue."

// HealthServer mirrors the manager's health checks into a gRPC health server
type HealthServer struct {
	manager *queue.Manager
	server  *grpchealth.Server
}

// NewHealthServer creates a health server reporting NOT_SERVING until the
// first check completes
func NewHealthServer(manager *queue.Manager) *HealthServer {
	s := &HealthServer{
		manager: manager,
		server:  grpchealth.NewServer(),
	}
	s.server.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// NewGRPCServer creates a gRPC server with the health service registered
func NewGRPCServer(hs *HealthServer) *grpc.Server {
	gs := grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor))
	healthpb.RegisterHealthServer(gs, hs.server)
	return gs
}

// Refresh runs the health checks once and applies the results
func (s *HealthServer) Refresh(ctx context.Context) error {
	results, err := s.manager.Health(ctx)
	if err != nil {
		return err
	}
	s.Apply(results)
	return nil
}

// Apply sets the serving status of every queue and the overall status.
// Degraded queues keep serving.
func (s *HealthServer) Apply(results map[string]health.Result) {
	for name, r := range results {
		s.server.SetServingStatus(ServicePrefix+name, servingStatus(r.Status))
	}
	s.server.SetServingStatus("", servingStatus(health.Overall(results)))
}

// Run follows the manager's health events until ctx is done or the manager
// shuts down, then marks every service NOT_SERVING
func (s *HealthServer) Run(ctx context.Context) {
	sub := s.manager.Subscribe(16, events.HealthChecked, events.Shutdown)
	defer sub.Close()
	defer s.server.Shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok || ev.Type == events.Shutdown {
				return
			}
			results, ok := ev.Payload.(map[string]health.Result)
			if !ok {
				continue
			}
			s.Apply(results)
		}
	}
}

func servingStatus(st health.Status) healthpb.HealthCheckResponse_ServingStatus {
	if st == health.Unhealthy {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

func loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	started := time.Now()
	resp, err := handler(ctx, req)

	logger := log.Debug()
	if err != nil {
		logger = log.Warn().Err(err)
	}
	logger.Str("method", info.FullMethod).Dur("elapsed", time.Since(started)).Msg("grpc request")
	return resp, err
}
