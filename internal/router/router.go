package router

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/joshp123/gofan/internal/core"
)

// RegisterPlugins registers plugin services and the gRPC health service.
// The returned server reports one status per plugin service; call
// UpdateHealth to refresh it.
func RegisterPlugins(server *grpc.Server, plugins []core.Plugin) *health.Server {
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)

	for _, p := range plugins {
		p.RegisterGRPC(server)
	}
	UpdateHealth(healthServer, plugins)
	return healthServer
}

// UpdateHealth maps plugin health onto gRPC serving status. Degraded
// plugins still serve.
func UpdateHealth(healthServer *health.Server, plugins []core.Plugin) {
	for _, p := range plugins {
		status := healthpb.HealthCheckResponse_SERVING
		if p.Health() == core.HealthError {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		for _, svc := range p.Manifest().Services {
			healthServer.SetServingStatus(svc, status)
		}
	}
	overall := healthpb.HealthCheckResponse_SERVING
	if core.OverallHealth(plugins) == core.HealthError {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	healthServer.SetServingStatus("", overall)
}
