package observability

import (
	"context"
	"fmt"
	"net"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/emane-bridge/internal/logging"
)

// HealthService is the service name whose status follows the lockstep
// controller. The empty service name reports the same status.
const HealthService = "emane.bridge.Lockstep"

const requestIDMetadataKey = "x-request-id"

// HealthServer exposes the controller state over the standard gRPC health
// protocol: SERVING only while the poll loop runs.
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
	log    logging.Logger
}

// NewHealthServer builds the gRPC server. collector may be nil.
func NewHealthServer(log logging.Logger, collector *BridgeCollector) *HealthServer {
	if log == nil {
		log = logging.Noop()
	}
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			RequestIDUnaryServerInterceptor(log),
			collector.UnaryServerInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(srv, hs)

	return &HealthServer{grpc: srv, health: hs, log: log}
}

// SetState maps a controller state onto the health status.
func (h *HealthServer) SetState(state string) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if strings.EqualFold(state, "running") {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(HealthService, status)
}

// Check answers a health check without going through the network.
func (h *HealthServer) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Listen binds addr and serves in the background. It returns the bound
// address.
func (h *HealthServer) Listen(addr string) (net.Addr, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for health on %s: %w", addr, err)
	}
	go func() {
		if err := h.grpc.Serve(lis); err != nil {
			h.log.Warn(context.Background(), "health server exited", logging.Err(err))
		}
	}()
	return lis.Addr(), nil
}

// Stop marks every service NOT_SERVING and stops the server.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}

// RequestIDUnaryServerInterceptor ensures a request_id is present on the
// context, sourcing it from inbound metadata if provided, and attaches a
// per-request logger annotated with request_id and method.
func RequestIDUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(requestIDMetadataKey); len(vals) > 0 && vals[0] != "" {
				ctx = logging.ContextWithRequestID(ctx, vals[0])
			}
		}

		ctx, reqLog := logging.WithRequestLogger(ctx, base.With(logging.String("method", info.FullMethod)))
		ctx = logging.ContextWithLogger(ctx, reqLog)
		reqLog.Debug(ctx, "status rpc")

		return handler(ctx, req)
	}
}
