package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	authzhandler "civic-platform/backend/internal/authorization/handler"
	"civic-platform/backend/internal/server/interceptors"
)

// publicMethods may be called without a bearer token.
var publicMethods = map[string]bool{
	healthpb.Health_Check_FullMethodName: true,
	healthpb.Health_Watch_FullMethodName: true,
}

// NewGRPCServer returns a gRPC server with tracing and bearer authentication installed and every
// service registered. The returned health server reports SERVING for the authorization service;
// callers flip it to NOT_SERVING on shutdown.
func NewGRPCServer(deps Deps, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors.AuthUnary(deps.Tokens, publicMethods)),
	}, opts...)
	s := grpc.NewServer(opts...)
	hs := RegisterServices(s, deps)
	return s, hs
}

// RegisterServices registers all gRPC services with the given server.
//
// Service → handler mapping:
//   - civic.authorization.v1.AuthorizationService → internal/authorization/handler
//   - grpc.health.v1.Health                       → google.golang.org/grpc/health
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) *health.Server {
	authzhandler.RegisterAuthorizationServiceServer(s, authzhandler.NewServer(deps.Authorizer))

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(authzhandler.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return hs
}
