package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/neuroscan/internal/common"
	"github.com/joseph-ayodele/neuroscan/internal/services/analysis"
)

// AnalysisServiceName is the fully qualified gRPC service name.
const AnalysisServiceName = "neuroscan.v1.AnalysisService"

// Full method names, usable with grpc.ClientConn.Invoke.
const (
	GetStatusMethod    = "/" + AnalysisServiceName + "/GetStatus"
	ListSessionsMethod = "/" + AnalysisServiceName + "/ListSessions"
)

// AnalysisServiceServer is the gRPC surface. Requests and responses are
// google.protobuf.Struct documents carrying the same JSON as the REST API.
type AnalysisServiceServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListSessions(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// AnalysisServer implements AnalysisServiceServer over the analysis service.
type AnalysisServer struct {
	svc    *analysis.Service
	logger *slog.Logger
}

func NewAnalysisServer(svc *analysis.Service, logger *slog.Logger) *AnalysisServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalysisServer{svc: svc, logger: logger}
}

// GetStatus expects {"id": "<uuid or session code>"}.
func (s *AnalysisServer) GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := strings.TrimSpace(req.GetFields()["id"].GetStringValue())
	if id == "" {
		s.logger.Error("grpc.get_status.missing_id")
		return nil, common.InvalidArgumentError("id is required")
	}
	view, err := s.svc.Status(ctx, id)
	if err != nil {
		s.logger.Warn("grpc.get_status.failed", "id", id, "err", err)
		return nil, common.ToGRPC(err)
	}
	return toStruct(view)
}

// ListSessions accepts optional numeric "limit" and "offset" fields.
func (s *AnalysisServer) ListSessions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit, offset := 50, 0
	for name, dst := range map[string]*int{"limit": &limit, "offset": &offset} {
		v, ok := req.GetFields()[name]
		if !ok {
			continue
		}
		if _, isNum := v.GetKind().(*structpb.Value_NumberValue); !isNum {
			return nil, common.InvalidArgumentErrorf("%s must be a number", name)
		}
		*dst = int(v.GetNumberValue())
	}
	sessions, err := s.svc.List(ctx, limit, offset)
	if err != nil {
		s.logger.Warn("grpc.list_sessions.failed", "err", err)
		return nil, common.ToGRPC(err)
	}
	s.logger.Info("grpc.list_sessions.ok", "count", len(sessions))
	return toStruct(map[string]any{"sessions": sessions, "count": len(sessions)})
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, common.InternalErrorf("encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, common.InternalErrorf("encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, common.InternalErrorf("encode response: %v", err)
	}
	return out, nil
}

// AnalysisServiceDesc describes the service without generated stubs.
var AnalysisServiceDesc = grpc.ServiceDesc{
	ServiceName: AnalysisServiceName,
	HandlerType: (*AnalysisServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: unaryHandler(GetStatusMethod, AnalysisServiceServer.GetStatus)},
		{MethodName: "ListSessions", Handler: unaryHandler(ListSessionsMethod, AnalysisServiceServer.ListSessions)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "neuroscan/v1/analysis.proto",
}

type structMethod func(AnalysisServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call structMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AnalysisServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AnalysisServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RegisterAnalysisServiceServer registers srv on s.
func RegisterAnalysisServiceServer(s grpc.ServiceRegistrar, srv AnalysisServiceServer) {
	s.RegisterService(&AnalysisServiceDesc, srv)
}

// NewGRPCServer builds a server with the analysis and health services
// registered and marked serving.
func NewGRPCServer(svc *analysis.Service, logger *slog.Logger, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	gs := grpc.NewServer(opts...)
	RegisterAnalysisServiceServer(gs, NewAnalysisServer(svc, logger))

	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(gs, hs)
	// empty string means overall server health
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	hs.SetServingStatus(AnalysisServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	return gs, hs
}
