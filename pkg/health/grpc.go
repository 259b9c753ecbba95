package health

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCChecker calls the standard grpc.health.v1 Check RPC on the worker
type GRPCChecker struct {
	Address string

	// Service is the service name to query; empty asks for overall health
	Service string

	Timeout time.Duration
}

// NewGRPCChecker creates a new gRPC health checker
func NewGRPCChecker(address, service string) *GRPCChecker {
	return &GRPCChecker{
		Address: address,
		Service: service,
		Timeout: 5 * time.Second,
	}
}

// Check performs the gRPC health check
func (g *GRPCChecker) Check(ctx context.Context) Result {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	conn, err := grpc.NewClient(g.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return failed(start, "failed to create client: %v", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: g.Service})
	if err != nil {
		return failed(start, "health rpc failed: %v", err)
	}

	status := resp.GetStatus()
	return Result{
		Healthy:   status == healthpb.HealthCheckResponse_SERVING,
		Message:   fmt.Sprintf("gRPC status %s", status),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (g *GRPCChecker) Type() CheckType {
	return CheckTypeGRPC
}
