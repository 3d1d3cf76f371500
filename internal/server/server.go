// Package server exposes the engine over gRPC.
//
// The service is described by hand with protobuf well-known types as
// messages, so no generated code is needed:
//
//	pulmoscan.v1.InferenceService/SubmitJob  Struct{refs, timeout_ms} → Struct{job_id}
//	pulmoscan.v1.InferenceService/GetJob     StringValue(job id)      → Struct(job snapshot)
//	pulmoscan.v1.InferenceService/CancelJob  StringValue(job id)      → Struct(job snapshot)
//	pulmoscan.v1.InferenceService/ExportJob  StringValue(job id)      → BytesValue(CSV)
//	pulmoscan.v1.InferenceService/GetStats   Empty                    → Struct(engine stats)
//
// grpc.health.v1.Health is registered alongside.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/pulmoscan/internal/engine"
	"github.com/ChuLiYu/pulmoscan/internal/export"
	"github.com/ChuLiYu/pulmoscan/internal/jobmanager"
	"github.com/ChuLiYu/pulmoscan/pkg/types"
)

// ServiceName 完整的 gRPC 服務名稱
const ServiceName = "pulmoscan.v1.InferenceService"

const (
	methodSubmitJob = "/" + ServiceName + "/SubmitJob"
	methodGetJob    = "/" + ServiceName + "/GetJob"
	methodCancelJob = "/" + ServiceName + "/CancelJob"
	methodExportJob = "/" + ServiceName + "/ExportJob"
	methodGetStats  = "/" + ServiceName + "/GetStats"
)

// Backend 是 server 需要的 engine 操作
type Backend interface {
	Submit(ctx context.Context, refs []string, opts ...engine.SubmitOption) (types.JobID, error)
	Get(ctx context.Context, id types.JobID) (types.JobSnapshot, error)
	Cancel(id types.JobID) (types.JobSnapshot, error)
	Export(ctx context.Context, id types.JobID, w io.Writer) error
	Stats() engine.Stats
}

// InferenceServer is the handler type registered with grpc.
type InferenceServer interface {
	SubmitJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetJob(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error)
	CancelJob(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error)
	ExportJob(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	GetStats(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
}

// Server implements InferenceServer on top of a Backend.
type Server struct {
	backend Backend
	log     *slog.Logger
	grpc    *grpc.Server
	health  *health.Server
}

var _ InferenceServer = (*Server)(nil)

// New creates the server and registers the inference and health services.
func New(backend Backend, logger *slog.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{backend: backend, log: logger, health: health.NewServer()}

	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(s.logUnary)}, opts...)
	s.grpc = grpc.NewServer(opts...)
	s.grpc.RegisterService(&ServiceDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve blocks serving on lis.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop marks the service not serving and drains in-flight calls; when ctx
// ends first the remaining connections are closed.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
		<-done
	}
}

// ============================================================================
// RPC 實作
// ============================================================================

// SubmitJob 建立任務：refs 為字串陣列，timeout_ms 可選
func (s *Server) SubmitJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()

	list := fields["refs"].GetListValue()
	if list == nil || len(list.GetValues()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "refs must be a non-empty list of strings")
	}
	refs := make([]string, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		ref, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok || ref.StringValue == "" {
			return nil, status.Errorf(codes.InvalidArgument, "refs[%d] must be a non-empty string", i)
		}
		refs = append(refs, ref.StringValue)
	}

	var opts []engine.SubmitOption
	if v, ok := fields["timeout_ms"]; ok {
		ms := v.GetNumberValue()
		if ms < 0 {
			return nil, status.Error(codes.InvalidArgument, "timeout_ms must be >= 0")
		}
		opts = append(opts, engine.WithJobTimeout(time.Duration(ms)*time.Millisecond))
	}

	id, err := s.backend.Submit(ctx, refs, opts...)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"job_id": string(id)})
}

// GetJob 返回任務快照
func (s *Server) GetJob(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id, err := jobID(req)
	if err != nil {
		return nil, err
	}
	job, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(job)
}

// CancelJob 取消任務並返回取消後的快照
func (s *Server) CancelJob(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id, err := jobID(req)
	if err != nil {
		return nil, err
	}
	job, err := s.backend.Cancel(id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(job)
}

// ExportJob 返回終止任務的 CSV
func (s *Server) ExportJob(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	id, err := jobID(req)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := s.backend.Export(ctx, id, &buf); err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(buf.Bytes()), nil
}

// GetStats 返回 engine 統計
func (s *Server) GetStats(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.backend.Stats())
}

func jobID(req *wrapperspb.StringValue) (types.JobID, error) {
	if req.GetValue() == "" {
		return "", status.Error(codes.InvalidArgument, "job id is required")
	}
	return types.JobID(req.GetValue()), nil
}

// toStruct 透過 JSON 把任意值轉成 structpb.Struct
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// toStatus 把 engine 錯誤對應到 gRPC 狀態碼
func toStatus(err error) error {
	switch {
	case errors.Is(err, types.ErrJobNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, jobmanager.ErrEmptyJob):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, engine.ErrOverloaded):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrNotStarted):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, jobmanager.ErrJobTerminal), errors.Is(err, export.ErrNotTerminal):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	level := slog.LevelDebug
	if code != codes.OK && code != codes.NotFound {
		level = slog.LevelWarn
	}
	s.log.Log(ctx, level, "grpc call",
		"method", info.FullMethod,
		"code", code.String(),
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err)
	return resp, err
}

// ============================================================================
// Service descriptor
// ============================================================================

// unaryHandler builds a grpc method handler for request type Req.
func unaryHandler[Req proto.Message](method string, newReq func() Req, call func(InferenceServer, context.Context, Req) (proto.Message, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		impl := srv.(InferenceServer)
		if interceptor == nil {
			return call(impl, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(impl, ctx, req.(Req))
		})
	}
}

func newStringValue() *wrapperspb.StringValue { return &wrapperspb.StringValue{} }

// ServiceDesc describes pulmoscan.v1.InferenceService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InferenceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SubmitJob",
			Handler: unaryHandler(methodSubmitJob, func() *structpb.Struct { return &structpb.Struct{} },
				func(s InferenceServer, ctx context.Context, req *structpb.Struct) (proto.Message, error) {
					return nilSafe(s.SubmitJob(ctx, req))
				}),
		},
		{
			MethodName: "GetJob",
			Handler: unaryHandler(methodGetJob, newStringValue,
				func(s InferenceServer, ctx context.Context, req *wrapperspb.StringValue) (proto.Message, error) {
					return nilSafe(s.GetJob(ctx, req))
				}),
		},
		{
			MethodName: "CancelJob",
			Handler: unaryHandler(methodCancelJob, newStringValue,
				func(s InferenceServer, ctx context.Context, req *wrapperspb.StringValue) (proto.Message, error) {
					return nilSafe(s.CancelJob(ctx, req))
				}),
		},
		{
			MethodName: "ExportJob",
			Handler: unaryHandler(methodExportJob, newStringValue,
				func(s InferenceServer, ctx context.Context, req *wrapperspb.StringValue) (proto.Message, error) {
					out, err := s.ExportJob(ctx, req)
					if err != nil {
						return nil, err
					}
					return out, nil
				}),
		},
		{
			MethodName: "GetStats",
			Handler: unaryHandler(methodGetStats, func() *emptypb.Empty { return &emptypb.Empty{} },
				func(s InferenceServer, ctx context.Context, req *emptypb.Empty) (proto.Message, error) {
					return nilSafe(s.GetStats(ctx, req))
				}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pulmoscan/v1/inference.proto",
}

// nilSafe keeps a nil *structpb.Struct from becoming a non-nil proto.Message.
func nilSafe(out *structpb.Struct, err error) (proto.Message, error) {
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("empty response")
	}
	return out, nil
}
