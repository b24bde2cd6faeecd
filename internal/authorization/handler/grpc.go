// Package handler exposes the authorization engine to collaborating services over gRPC. Messages are
// google.protobuf.Struct so callers need no generated stubs beyond the well-known types.
package handler

import (
	"context"
	"errors"
	"log"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"civic-platform/backend/internal/capability"
	"civic-platform/backend/internal/platform/rbac"
	"civic-platform/backend/internal/server/interceptors"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "civic.authorization.v1.AuthorizationService"

// Full method names, as used in interceptor allow-lists.
const (
	CheckCapabilityMethod = "/" + ServiceName + "/CheckCapability"
	CheckMembershipMethod = "/" + ServiceName + "/CheckMembership"
	CheckHeadMethod       = "/" + ServiceName + "/CheckHead"
)

// AuthorizationServiceServer is the server API for AuthorizationService.
type AuthorizationServiceServer interface {
	CheckCapability(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckMembership(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckHead(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes AuthorizationService for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthorizationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CheckCapability", Handler: unaryHandler(CheckCapabilityMethod, AuthorizationServiceServer.CheckCapability)},
		{MethodName: "CheckMembership", Handler: unaryHandler(CheckMembershipMethod, AuthorizationServiceServer.CheckMembership)},
		{MethodName: "CheckHead", Handler: unaryHandler(CheckHeadMethod, AuthorizationServiceServer.CheckHead)},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterAuthorizationServiceServer registers srv with s.
func RegisterAuthorizationServiceServer(s grpc.ServiceRegistrar, srv AuthorizationServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type unaryMethod func(AuthorizationServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AuthorizationServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AuthorizationServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Server implements AuthorizationServiceServer on top of an rbac.Authorizer. The acting user is the
// one authenticated by the auth interceptor; requests cannot name another user.
type Server struct {
	authz rbac.Authorizer
}

// NewServer returns a new Authorization gRPC server.
func NewServer(authz rbac.Authorizer) *Server {
	return &Server{authz: authz}
}

var _ AuthorizationServiceServer = (*Server)(nil)

// CheckCapability evaluates organizationId against the listed capabilities; any one of them suffices.
// Unknown capability names are rejected with InvalidArgument.
func (s *Server) CheckCapability(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	names, err := stringList(fields["capabilities"])
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "capabilities must be a list of strings")
	}
	caps, err := capability.ParseList(names)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	userID, _ := interceptors.GetUserID(ctx)
	v, err := s.authz.Evaluate(ctx, userID, stringField(fields, "organizationId"), caps.Sorted()...)
	return respond(v, err)
}

// CheckMembership evaluates membership. requireActive defaults to true when absent.
func (s *Server) CheckMembership(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	requireActive := true
	if f, ok := fields["requireActive"]; ok {
		b, isBool := f.GetKind().(*structpb.Value_BoolValue)
		if !isBool {
			return nil, status.Error(codes.InvalidArgument, "requireActive must be a boolean")
		}
		requireActive = b.BoolValue
	}
	userID, _ := interceptors.GetUserID(ctx)
	v, err := s.authz.EvaluateMembership(ctx, userID, stringField(fields, "organizationId"), requireActive)
	return respond(v, err)
}

// CheckHead succeeds only for the organization's head.
func (s *Server) CheckHead(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, _ := interceptors.GetUserID(ctx)
	v, err := s.authz.EvaluateHead(ctx, userID, stringField(req.GetFields(), "organizationId"))
	return respond(v, err)
}

func respond(v *rbac.Verdict, err error) (*structpb.Struct, error) {
	if err != nil {
		var e *rbac.Error
		if errors.As(err, &e) {
			return nil, e.GRPCStatus().Err()
		}
		log.Printf("authorization: unexpected error: %v", err)
		return nil, status.Error(codes.Internal, rbac.KindEvaluationFailed.Message())
	}
	out, err := verdictStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode verdict")
	}
	return out, nil
}

func verdictStruct(v *rbac.Verdict) (*structpb.Struct, error) {
	caps := make([]any, 0, v.Capabilities.Len())
	for _, c := range v.Capabilities.Strings() {
		caps = append(caps, c)
	}
	m := map[string]any{
		"organizationId": v.OrganizationID,
		"isHead":         v.IsHead,
		"capabilities":   caps,
	}
	if v.Membership != nil {
		m["membership"] = map[string]any{
			"id":     v.Membership.ID,
			"roleId": v.Membership.RoleID,
			"status": string(v.Membership.Status),
		}
	}
	return structpb.NewStruct(m)
}

func stringField(fields map[string]*structpb.Value, key string) string {
	return fields[key].GetStringValue()
}

func stringList(v *structpb.Value) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	if _, ok := v.GetKind().(*structpb.Value_NullValue); ok {
		return nil, nil
	}
	list, ok := v.GetKind().(*structpb.Value_ListValue)
	if !ok {
		return nil, errors.New("not a list")
	}
	out := make([]string, 0, len(list.ListValue.GetValues()))
	for _, item := range list.ListValue.GetValues() {
		s, ok := item.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, errors.New("not a string")
		}
		out = append(out, s.StringValue)
	}
	return out, nil
}
