package nbi

import (
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Health publishes the control-plane serving status over the standard gRPC
// health service. It satisfies controller.HealthReporter.
type Health struct {
	srv *health.Server
}

// NewHealth starts out NOT_SERVING until the first topology is running.
func NewHealth() *Health {
	h := &Health{srv: health.NewServer()}
	h.SetServing(false)
	return h
}

// SetServing toggles both the overall and the operator service status.
func (h *Health) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(OperatorServiceName, status)
}

// Server exposes the health server for registration.
func (h *Health) Server() healthpb.HealthServer { return h.srv }

// Shutdown marks everything NOT_SERVING permanently.
func (h *Health) Shutdown() { h.srv.Shutdown() }
