package server

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Health service names reported by GRPCHealth. The empty name is the server as a whole.
const (
	HealthMatchmaker = "duel.Matchmaker"
	HealthArchive    = "duel.Archive"
)

// GRPCHealth serves the standard grpc.health.v1 protocol on the admin address.
// Every service starts NOT_SERVING until SetServing marks it up.
type GRPCHealth struct {
	addr   string
	server *grpc.Server
	health *health.Server
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewGRPCHealth creates a health endpoint for addr.
//
// Precondition: logger must be non-nil.
func NewGRPCHealth(addr string, logger *zap.Logger) *GRPCHealth {
	h := &GRPCHealth{
		addr:   addr,
		server: grpc.NewServer(),
		health: health.NewServer(),
		logger: logger,
	}
	healthpb.RegisterHealthServer(h.server, h.health)
	for _, name := range []string{"", HealthMatchmaker} {
		h.health.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return h
}

// SetServing updates the reported status of service.
func (h *GRPCHealth) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(service, status)
	h.logger.Debug("health status changed",
		zap.String("service", service),
		zap.String("status", status.String()),
	)
}

// Start listens on the configured address and serves until Stop.
func (h *GRPCHealth) Start() error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}
	return h.Serve(lis)
}

// Serve serves on an existing listener until Stop.
func (h *GRPCHealth) Serve(lis net.Listener) error {
	h.mu.Lock()
	h.listener = lis
	h.mu.Unlock()

	h.logger.Info("gRPC health listening", zap.String("addr", lis.Addr().String()))
	return h.server.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains in-flight checks.
func (h *GRPCHealth) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}

// Addr returns the listening address, or empty string if not yet listening.
func (h *GRPCHealth) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}
