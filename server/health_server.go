package server

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServicePrefix prefixes the per-target health service names.
const HealthServicePrefix = "dbmsg."

// HealthServer exposes the standard gRPC health service. The empty service
// name reports the process; "dbmsg.<target>" reports whether that target's
// backing store accepted its last statement.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	logger *slog.Logger

	mu      sync.Mutex
	targets map[string]bool
}

func NewHealthServer(logger *slog.Logger) *HealthServer {
	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return &HealthServer{
		server:  srv,
		health:  hs,
		logger:  logger.With("component", "HealthServer"),
		targets: make(map[string]bool),
	}
}

// ReportStatus records the store health of a target.
func (s *HealthServer) ReportStatus(target string, healthy bool) {
	s.mu.Lock()
	prev, seen := s.targets[target]
	s.targets[target] = healthy
	s.mu.Unlock()
	if seen && prev == healthy {
		return
	}

	status := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(HealthServicePrefix+target, status)
	s.logger.Info("Backing store health changed", "target", target, "status", status.String())
}

// Start serves on lis. It's a blocking call.
func (s *HealthServer) Start(lis net.Listener) error {
	s.logger.Info("Health service listening", "address", lis.Addr().String())
	if err := s.server.Serve(lis); err != nil {
		return fmt.Errorf("health server failed: %w", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING and stops the server.
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.server.Stop()
	s.logger.Info("Health service stopped")
}
