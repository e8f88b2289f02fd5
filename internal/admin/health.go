// ============================================================================
// distbuild Admin - gRPC health service
// ============================================================================
//
// Package: internal/admin
// File: health.go
//
// Exposes the standard grpc.health.v1 service so supervisors and
// `fbworker status` can see whether the worker accepts jobs:
//
//   ""           SERVING while the process is up
//   "fbworker"   SERVING while the worker pool is enabled
//
// ============================================================================

package admin

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the health service name reporting worker availability.
const Service = "fbworker"

// Toggler is what Availability switches: the worker pool.
type Toggler interface {
	SetEnabled(enabled bool)
	Enabled() bool
}

// Health wraps a grpc health server.
type Health struct {
	srv *health.Server
}

// NewHealth returns a health service reporting the worker as available.
func NewHealth() *Health {
	h := &Health{srv: health.NewServer()}
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.SetServing(true)
	return h
}

// SetServing reports whether the worker accepts jobs.
func (h *Health) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus(Service, status)
}

// Serve serves the health service on ln until ctx is done. On return every
// service reports NOT_SERVING.
func (h *Health) Serve(ctx context.Context, ln net.Listener) error {
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, h.srv)

	stop := context.AfterFunc(ctx, func() {
		h.srv.Shutdown()
		gs.GracefulStop()
	})
	defer stop()

	if err := gs.Serve(ln); err != nil {
		return fmt.Errorf("admin: serve health: %w", err)
	}
	return nil
}

// Availability keeps the pool's enable gate and the health status in step.
type Availability struct {
	pool   Toggler
	health *Health
}

func NewAvailability(pool Toggler, h *Health) *Availability {
	a := &Availability{pool: pool, health: h}
	h.SetServing(pool.Enabled())
	return a
}

func (a *Availability) Set(enabled bool) {
	a.pool.SetEnabled(enabled)
	a.health.SetServing(enabled)
}

// Toggle flips availability and returns the new state.
func (a *Availability) Toggle() bool {
	enabled := !a.pool.Enabled()
	a.Set(enabled)
	return enabled
}

// Check queries the health service at addr for service.
func Check(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("admin: connect %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("admin: health check %s: %w", addr, err)
	}
	return resp.GetStatus(), nil
}
