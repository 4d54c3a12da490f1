package transport

import (
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer serves the standard grpc_health_v1 service so workers
// and clients can probe scheduler liveness independently of the
// batched PeerChannel traffic, per §6's [ADD, ambient liveness] note.
// This rides grpc-go's own pre-generated health service — no protoc
// run, no hand-rolled framing, and it genuinely exercises the
// google.golang.org/grpc and google.golang.org/protobuf dependencies
// the teacher already carries.
type HealthServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	log        zerolog.Logger
}

// NewHealthServer builds a gRPC server exposing only the health
// service, plus whatever additional grpc.ServerOption the caller
// supplies (e.g. TLS credentials loaded by pkg/security).
func NewHealthServer(log zerolog.Logger, opts ...grpc.ServerOption) *HealthServer {
	hs := health.NewServer()
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, hs)

	return &HealthServer{
		grpcServer: srv,
		health:     hs,
		log:        log.With().Str("component", "health").Logger(),
	}
}

// SetServing marks the scheduler as serving or not-serving for the
// given service name (empty string is the overall server status
// grpc_health_v1 clients check by default).
func (h *HealthServer) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(service, status)
}

// Serve blocks accepting connections on addr until the listener or
// server is closed.
func (h *HealthServer) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	h.log.Info().Str("addr", addr).Msg("health service listening")
	return h.grpcServer.Serve(lis)
}

// Stop gracefully stops the underlying gRPC server.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.grpcServer.GracefulStop()
}
