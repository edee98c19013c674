package api

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sepwatch/sepwatch/internal/engine"
)

// HealthService is the gRPC service name reported alongside the overall status
const HealthService = "sepwatch.Engine"

// HealthServer exposes grpc.health.v1 backed by engine cycle progress
type HealthServer struct {
	engine *engine.Engine
	logger zerolog.Logger
	health *health.Server
	server *grpc.Server
}

// NewHealthServer creates a gRPC server exposing the standard health service
func NewHealthServer(eng *engine.Engine, logger zerolog.Logger) *HealthServer {
	h := &HealthServer{
		engine: eng,
		logger: logger,
		health: health.NewServer(),
		server: grpc.NewServer(),
	}
	healthpb.RegisterHealthServer(h.server, h.health)
	h.update()
	return h
}

// Serve accepts connections on lis until Stop is called
func (h *HealthServer) Serve(lis net.Listener) error {
	h.logger.Info().Str("address", lis.Addr().String()).Msg("Starting gRPC health server")
	return h.server.Serve(lis)
}

// Watch refreshes the serving status every interval until ctx is cancelled
func (h *HealthServer) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.update()
		}
	}
}

func (h *HealthServer) update() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if h.engine.Healthy() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(HealthService, status)
}

// Stop marks the service as shutting down and stops the gRPC server
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
