package nbi

import (
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Rusteze-AP/simulation-controller/internal/logging"
	"github.com/Rusteze-AP/simulation-controller/internal/observability"
)

// ServerConfig wires the ambient collaborators of the operator gRPC server.
type ServerConfig struct {
	Logger    logging.Logger
	Collector *observability.RPCCollector
	Health    *Health
}

// NewServer builds a gRPC server with the operator and health services and
// the intent-id, tracing and metrics interceptors.
func NewServer(svc OperatorServer, cfg ServerConfig, extra ...grpc.ServerOption) *grpc.Server {
	log := cfg.Logger
	if log == nil {
		log = logging.Noop()
	}

	unary := []grpc.UnaryServerInterceptor{
		IntentIDUnaryServerInterceptor(log),
		TracingUnaryServerInterceptor(),
	}
	stream := []grpc.StreamServerInterceptor{
		IntentIDStreamServerInterceptor(log),
		TracingStreamServerInterceptor(),
	}
	if cfg.Collector != nil {
		unary = append(unary, cfg.Collector.UnaryServerInterceptor())
		stream = append(stream, cfg.Collector.StreamServerInterceptor())
	}

	opts := append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	}, extra...)
	server := grpc.NewServer(opts...)

	RegisterOperatorServer(server, svc)
	if cfg.Health != nil {
		healthpb.RegisterHealthServer(server, cfg.Health.Server())
	}
	return server
}
