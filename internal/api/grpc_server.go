package api

import (
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/Laixer/Glonax/internal/models"
)

// NetworkService is the health service name of a network.
func NetworkService(iface string) string { return "glonax.network." + iface }

// GRPCServer serves the standard gRPC health protocol. The overall
// service ("") is serving while every network is connected; each
// network also has its own service.
type GRPCServer struct {
	server   *grpc.Server
	listener net.Listener
	health   *health.Server
	logger   *slog.Logger
}

// NewGRPCServer creates a new gRPC server
func NewGRPCServer(port int, logger *slog.Logger) (*GRPCServer, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	return newGRPCServer(lis, logger), nil
}

func newGRPCServer(lis net.Listener, logger *slog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	healthpb.RegisterHealthServer(grpcServer, hs)

	// Register reflection service for tools like grpcurl
	reflection.Register(grpcServer)

	return &GRPCServer{
		server:   grpcServer,
		listener: lis,
		health:   hs,
		logger:   logger.With("component", "grpc"),
	}
}

// Publish updates the serving status from a snapshot. It implements
// host.Publisher.
func (s *GRPCServer) Publish(snap models.Snapshot) {
	overall := healthpb.HealthCheckResponse_SERVING
	for _, n := range snap.Networks {
		status := healthpb.HealthCheckResponse_SERVING
		if n.State != "connected" {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = status
		}
		s.health.SetServingStatus(NetworkService(n.Interface), status)
	}
	s.health.SetServingStatus("", overall)
}

// Start starts the gRPC server
func (s *GRPCServer) Start() error {
	s.logger.Info("gRPC server listening", "address", s.listener.Addr().String())
	return s.server.Serve(s.listener)
}

// Stop gracefully stops the gRPC server
func (s *GRPCServer) Stop() {
	s.logger.Info("stopping gRPC server")
	s.health.Shutdown()
	s.server.GracefulStop()
}
