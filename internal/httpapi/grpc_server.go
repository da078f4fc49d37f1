package httpapi

import (
	"context"
	"errors"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"clubhub.app/internal/auth"
	"clubhub.app/internal/obs"
)

const healthServicePrefix = "/grpc.health.v1.Health/"

// MethodPolicy tells the interceptors how to guard each full method name.
// Methods absent from both maps require a valid credential only.
type MethodPolicy struct {
	Public       map[string]bool
	Requirements map[string]auth.Requirement
}

func (p MethodPolicy) lookup(fullMethod string) (auth.Requirement, bool) {
	if strings.HasPrefix(fullMethod, healthServicePrefix) || p.Public[fullMethod] {
		return auth.Requirement{}, true
	}
	return p.Requirements[fullMethod], false
}

// GRPCServer hosts the gRPC listener with the guard interceptors and the
// standard health service.
type GRPCServer struct {
	server    *grpc.Server
	health    *health.Server
	readiness readinessChecker
}

// NewGRPCServer creates the server. Extra services are registered on Server().
func NewGRPCServer(guard *auth.Guard, r readinessChecker, policy MethodPolicy, opts ...grpc.ServerOption) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	opts = append(opts,
		grpc.ChainUnaryInterceptor(UnaryAuthInterceptor(guard, policy)),
		grpc.ChainStreamInterceptor(StreamAuthInterceptor(guard, policy)),
	)
	s := &GRPCServer{
		server:    grpc.NewServer(opts...),
		health:    health.NewServer(),
		readiness: r,
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	return s
}

func (s *GRPCServer) Server() *grpc.Server { return s.server }

func (s *GRPCServer) Serve(lis net.Listener) error { return s.server.Serve(lis) }

func (s *GRPCServer) GracefulStop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

// RefreshHealth evaluates readiness and publishes it through the health service.
func (s *GRPCServer) RefreshHealth(ctx context.Context) error {
	err := s.readiness.Check(ctx)
	st := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
	return err
}

// UnaryAuthInterceptor admits unary calls through guard.
func UnaryAuthInterceptor(guard *auth.Guard, policy MethodPolicy) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := admitCall(ctx, guard, policy, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor admits streaming calls through guard.
func StreamAuthInterceptor(guard *auth.Guard, policy MethodPolicy) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := admitCall(ss.Context(), guard, policy, info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &guardedStream{ServerStream: ss, ctx: ctx})
	}
}

type guardedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *guardedStream) Context() context.Context { return s.ctx }

func admitCall(ctx context.Context, guard *auth.Guard, policy MethodPolicy, fullMethod string) (context.Context, error) {
	req, public := policy.lookup(fullMethod)
	if public {
		return ctx, nil
	}
	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get("authorization"); len(values) > 0 {
			header = values[0]
		}
	}
	principal, err := guard.Check(ctx, header, req)
	if err != nil {
		return nil, grpcError(fullMethod, err)
	}
	return auth.ContextWithPrincipal(ctx, principal), nil
}

func grpcError(fullMethod string, err error) error {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return status.Error(codes.Unauthenticated, "authentication required")
	case errors.Is(err, auth.ErrForbidden):
		return status.Error(codes.PermissionDenied, "forbidden")
	default:
		obs.Logger().WithError(err).WithField("method", fullMethod).Error("grpc admission failed")
		return status.Error(codes.Internal, "internal error")
	}
}
