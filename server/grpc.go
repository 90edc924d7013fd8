// Package server exposes the workflow runner over gRPC.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/scrape-flow/pipeline"
	"github.com/scrape-flow/store"
)

const serviceName = "scrapeflow.WorkflowService"

// WorkflowServer is the server API of scrapeflow.WorkflowService. Messages are
// well-known types so clients need no generated code.
type WorkflowServer interface {
	Health(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Run(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPipelines(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// WorkflowServiceDesc describes scrapeflow.WorkflowService for grpc.Server.RegisterService.
var WorkflowServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*WorkflowServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Health", Handler: healthHandler},
		{MethodName: "Run", Handler: runHandler},
		{MethodName: "ListPipelines", Handler: listPipelinesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "scrapeflow/workflow.proto",
}

func healthHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkflowServer).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Health"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(WorkflowServer).Health(ctx, req.(*emptypb.Empty))
	})
}

func runHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkflowServer).Run(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Run"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(WorkflowServer).Run(ctx, req.(*structpb.Struct))
	})
}

func listPipelinesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkflowServer).ListPipelines(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ListPipelines"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(WorkflowServer).ListPipelines(ctx, req.(*emptypb.Empty))
	})
}

// Server implements WorkflowServer on top of a Dispatcher.
type Server struct {
	dispatcher *Dispatcher
	version    string
	logger     *zap.Logger
}

// New creates the service implementation.
func New(d *Dispatcher, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{dispatcher: d, version: version, logger: logger.Named("grpc")}
}

// NewGRPCServer builds a grpc.Server with the workflow and standard health services.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(s.logCalls))
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&WorkflowServiceDesc, s)

	hs := health.NewServer()
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs
}

// Serve runs gs on lis until ctx is cancelled, then stops gracefully.
func (s *Server) Serve(ctx context.Context, gs *grpc.Server, lis net.Listener) error {
	stop := context.AfterFunc(ctx, gs.GracefulStop)
	defer stop()

	s.logger.Info("gRPC server listening", zap.String("addr", lis.Addr().String()), zap.String("version", s.version))
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Info("RPC handled",
		zap.String("method", info.FullMethod),
		zap.Stringer("code", status.Code(err)),
		zap.Duration("duration", time.Since(start)),
	)
	return resp, err
}

// Health reports liveness and the build version.
func (s *Server) Health(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

// Run executes a stored pipeline or an inline document and returns the run result.
func (s *Server) Run(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := s.dispatcher.Dispatch(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return resultStruct(res)
}

// ListPipelines returns stored pipeline names with timestamps.
func (s *Server) ListPipelines(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	list, err := s.dispatcher.Pipelines(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	items := make([]any, 0, len(list))
	for _, p := range list {
		items = append(items, map[string]any{
			"name":       p.Name,
			"created_at": p.CreatedAt.Format(time.RFC3339),
			"updated_at": p.UpdatedAt.Format(time.RFC3339),
		})
	}
	return structpb.NewStruct(map[string]any{"pipelines": items})
}

// decodeRequest accepts document either as a nested object or as a JSON string.
func decodeRequest(in *structpb.Struct) (Request, error) {
	var req Request
	fields := in.GetFields()
	if v, ok := fields["pipeline"]; ok {
		req.Pipeline = v.GetStringValue()
	}
	if v, ok := fields["document"]; ok {
		switch v.GetKind().(type) {
		case *structpb.Value_StringValue:
			req.Document = json.RawMessage(v.GetStringValue())
		case *structpb.Value_StructValue:
			raw, err := v.GetStructValue().MarshalJSON()
			if err != nil {
				return req, fmt.Errorf("document: %w", err)
			}
			req.Document = raw
		case *structpb.Value_NullValue:
		default:
			return req, fmt.Errorf("document must be an object or a JSON string")
		}
	}
	if v, ok := fields["secrets"]; ok {
		sv := v.GetStructValue()
		if sv == nil {
			return req, fmt.Errorf("secrets must be an object")
		}
		req.Secrets = make(map[string]string, len(sv.GetFields()))
		for name, val := range sv.GetFields() {
			str, ok := val.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return req, fmt.Errorf("secret %q must be a string", name)
			}
			req.Secrets[name] = str.StringValue
		}
	}
	return req, nil
}

func resultStruct(res *pipeline.Result) (*structpb.Struct, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrBadRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrNoCatalog):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
