package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/tierpool/internal/controller"
	"github.com/ChuLiYu/tierpool/internal/event"
	"github.com/ChuLiYu/tierpool/internal/worker"
	"github.com/ChuLiYu/tierpool/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "jobpool.v1.JobPool"

// Pool is the part of the job pool the server exposes.
type Pool interface {
	Schedule(kind types.JobKind, payload []byte, ownerID string, tier string) (types.Job, error)
	Status(jobID types.JobID) (types.Job, bool)
	Cancel(jobID types.JobID) bool
	ListByOwner(ownerID string) []types.Job
	Subscribe(bufferSize int, filter event.Filter) *event.Subscription
	Stats() types.Stats
}

// JobPoolServer is the server API for the JobPool service.
type JobPoolServer interface {
	Schedule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListByOwner(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Stats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Watch(req *structpb.Struct, stream grpc.ServerStream) error
}

// Server implements JobPoolServer on top of a Pool.
type Server struct {
	pool       Pool
	logger     *slog.Logger
	watchBuf   int
	grpcServer *grpc.Server
	health     *health.Server
}

// NewServer creates a gRPC server with the JobPool and health services
// registered.
func NewServer(pool Pool, logger *slog.Logger, watchBuffer int, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		pool:     pool,
		logger:   logger,
		watchBuf: watchBuffer,
		health:   health.NewServer(),
	}

	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(s.logUnary)}, opts...)
	s.grpcServer = grpc.NewServer(opts...)
	s.grpcServer.RegisterService(&ServiceDesc, s)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// GRPCServer returns the underlying *grpc.Server, for Serve and Stop.
func (s *Server) GRPCServer() *grpc.Server { return s.grpcServer }

// Shutdown marks the service as not serving and stops the server gracefully.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// Schedule handles {"kind", "payload", "owner_id", "tier"}.
func (s *Server) Schedule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	kind := stringField(req, "kind")
	if kind == "" {
		return nil, status.Error(codes.InvalidArgument, "kind is required")
	}
	job, err := s.pool.Schedule(types.JobKind(kind), []byte(stringField(req, "payload")),
		stringField(req, "owner_id"), stringField(req, "tier"))
	if err != nil {
		return nil, toStatus(err)
	}
	return jobToStruct(job)
}

// Status handles {"job_id"}.
func (s *Server) Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(req, "job_id")
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "job_id is required")
	}
	job, ok := s.pool.Status(types.JobID(id))
	if !ok {
		return nil, status.Errorf(codes.NotFound, "job %s not found", id)
	}
	return jobToStruct(job)
}

// Cancel handles {"job_id"} and answers {"cancelled": bool}.
func (s *Server) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(req, "job_id")
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "job_id is required")
	}
	return structpb.NewStruct(map[string]any{
		"cancelled": s.pool.Cancel(types.JobID(id)),
	})
}

// ListByOwner handles {"owner_id"} and answers {"jobs": [...]}.
func (s *Server) ListByOwner(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	owner := stringField(req, "owner_id")
	if owner == "" {
		return nil, status.Error(codes.InvalidArgument, "owner_id is required")
	}
	return jobsToStruct(s.pool.ListByOwner(owner))
}

// Stats answers the pool's live counters.
func (s *Server) Stats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return statsToStruct(s.pool.Stats())
}

// Watch streams lifecycle events. The request may narrow the stream with
// "owner_id" or "job_id". The stream ends when the client goes away or the
// pool shuts down.
func (s *Server) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	var filter event.Filter
	if id := stringField(req, "job_id"); id != "" {
		filter = event.JobFilter(types.JobID(id))
	} else if owner := stringField(req, "owner_id"); owner != "" {
		filter = event.OwnerFilter(owner)
	}

	sub := s.pool.Subscribe(s.watchBuf, filter)
	defer sub.Close()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.C():
			if !ok {
				return nil
			}
			msg, err := eventToStruct(evt)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Warn("rpc failed", "method", info.FullMethod, "code", status.Code(err), "error", err)
	} else {
		s.logger.Debug("rpc served", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

// toStatus maps pool errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, worker.ErrUnknownKind):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, controller.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// ============================================================================
// Service descriptor
// ============================================================================

func unaryHandler(method string, call func(JobPoolServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(JobPoolServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(JobPoolServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(JobPoolServer).Watch(in, stream)
}

// ServiceDesc describes the JobPool service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobPoolServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Schedule", Handler: unaryHandler("Schedule", JobPoolServer.Schedule)},
		{MethodName: "Status", Handler: unaryHandler("Status", JobPoolServer.Status)},
		{MethodName: "Cancel", Handler: unaryHandler("Cancel", JobPoolServer.Cancel)},
		{MethodName: "ListByOwner", Handler: unaryHandler("ListByOwner", JobPoolServer.ListByOwner)},
		{MethodName: "Stats", Handler: unaryHandler("Stats", JobPoolServer.Stats)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "jobpool/v1/jobpool.proto",
}
