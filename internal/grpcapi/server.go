package grpcapi

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"qrattend.org/internal/attendance"
	"qrattend.org/internal/auth"
	"qrattend.org/internal/obs"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "qrattend.v1.TokenService"

const (
	methodIssue  = "/" + ServiceName + "/Issue"
	methodRedeem = "/" + ServiceName + "/Redeem"
	methodStatus = "/" + ServiceName + "/Status"
)

// Redeem is called by member devices, which hold no session.
var publicMethods = map[string]bool{
	methodRedeem: true,
}

// TokenServiceServer is the server API. Messages are structpb.Struct so the
// wire contract mirrors the JSON bodies of the HTTP API.
type TokenServiceServer interface {
	Issue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Redeem(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// TokenServiceDesc describes qrattend.v1.TokenService for grpc.Server.
var TokenServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TokenServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Issue", Handler: unaryHandler(methodIssue, TokenServiceServer.Issue)},
		{MethodName: "Redeem", Handler: unaryHandler(methodRedeem, TokenServiceServer.Redeem)},
		{MethodName: "Status", Handler: unaryHandler(methodStatus, TokenServiceServer.Status)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "qrattend/v1/token.proto",
}

func unaryHandler(fullMethod string, call func(TokenServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TokenServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TokenServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Server implements TokenServiceServer on top of the attendance service.
type Server struct {
	svc *attendance.Service
}

var _ TokenServiceServer = (*Server)(nil)

// NewServer wraps svc.
func NewServer(svc *attendance.Service) *Server {
	return &Server{svc: svc}
}

// Register builds a grpc.Server exposing the token service and the standard
// health service. The returned health server lets callers flip readiness.
func Register(svc *attendance.Service, signer *auth.Signer, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append(opts, grpc.ChainUnaryInterceptor(LoggingInterceptor, AuthInterceptor(signer)))
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&TokenServiceDesc, NewServer(svc))

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}

func (s *Server) Issue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	action, err := attendance.ParseAction(stringField(req, "action"))
	if err != nil {
		return nil, toStatus(err)
	}
	issuer, _ := auth.UserIDFromContext(ctx)
	issued, err := s.svc.Issue(ctx, issuer, stringField(req, "subject"), action)
	if err != nil {
		return nil, toStatus(err)
	}
	fields := tokenFields(issued.Token, s.svc.Now())
	superseded := make([]any, 0, len(issued.Superseded))
	for _, id := range issued.Superseded {
		superseded = append(superseded, id)
	}
	fields["superseded"] = superseded
	return newStruct(fields)
}

func (s *Server) Redeem(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	rc := attendance.RedeemContext{Member: stringField(req, "member")}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("x-forwarded-for"); len(v) > 0 {
			rc.RemoteAddr = v[0]
		}
	}
	red, err := s.svc.Redeem(ctx, stringField(req, "token"), rc)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{
		"token":       red.Token,
		"action":      string(red.Action),
		"subject":     red.Subject,
		"issuer":      red.Issuer,
		"entry_id":    red.EntryID,
		"resolved_at": red.ResolvedAt.Format(time.RFC3339Nano),
	})
}

func (s *Server) Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	viewer, _ := auth.UserIDFromContext(ctx)
	tok, err := s.svc.StatusAs(ctx, viewer, stringField(req, "token"))
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(tokenFields(tok, s.svc.Now()))
}

// AuthInterceptor validates the bearer token in the authorization metadata
// for every non-public method.
func AuthInterceptor(signer *auth.Signer) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if publicMethods[info.FullMethod] || strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		var raw string
		if v := md.Get("authorization"); len(v) > 0 {
			raw = v[0]
		}
		if !strings.HasPrefix(strings.ToLower(raw), "bearer ") {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		claims, err := signer.ParseAndValidate(strings.TrimSpace(raw[len("bearer "):]))
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		return handler(auth.ContextWithUser(ctx, claims.Subject, claims.Roles), req)
	}
}

// LoggingInterceptor writes one grpc_request line per call.
func LoggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	level := "info"
	code := status.Code(err)
	if code == codes.Internal || code == codes.Unknown {
		level = "error"
	}
	obs.Log(level, "grpc_request", map[string]any{
		"method":      info.FullMethod,
		"code":        code.String(),
		"duration_ms": float64(time.Since(start).Microseconds()) / 1000,
	})
	return resp, err
}

func stringField(s *structpb.Struct, name string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s.GetFields()[name].GetStringValue())
}

func tokenFields(tok attendance.Token, now time.Time) map[string]any {
	fields := map[string]any{
		"token":              tok.ID,
		"issuer":             tok.Issuer,
		"subject":            tok.Subject,
		"action":             string(tok.Action),
		"status":             string(tok.Status),
		"created_at":         tok.CreatedAt.Format(time.RFC3339Nano),
		"expires_at":         tok.ExpiresAt.Format(time.RFC3339Nano),
		"expires_in_seconds": int64(tok.Remaining(now) / time.Second),
	}
	if tok.ResolvedAt != nil {
		fields["resolved_at"] = tok.ResolvedAt.Format(time.RFC3339Nano)
	}
	return fields
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}
