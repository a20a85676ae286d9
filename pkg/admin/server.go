// Package admin exposes a read-only gRPC view of a running mutexd: service
// status, the current lock table and the standard gRPC health service.
// It never mutates locks; the line protocol is the only way to do that.
package admin

import (
	"context"
	"net"
	"time"

	"github.com/pixperk/mutexd/pkg/clock"
	"github.com/pixperk/mutexd/pkg/logging"
	"github.com/pixperk/mutexd/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"pkt.systems/pslog"
)

const ServiceName = "mutexd.admin.v1.Admin"

// what the admin service reports on, implemented by *server.Server
type Source interface {
	Stats() types.Stats
	Snapshot() []types.Lock
	Sessions() int
	Draining() bool
}

type AdminServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListLocks(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: statusHandler},
		{MethodName: "ListLocks", Handler: listLocksHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mutexd/admin/v1/admin.proto",
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Status"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func listLocksHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).ListLocks(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ListLocks"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).ListLocks(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

type Server struct {
	source  Source
	version string
	uptime  *clock.Uptime
	clock   clock.Clock
	logger  pslog.Logger

	grpc   *grpc.Server
	health *health.Server
}

func NewServer(source Source, version string, logger pslog.Logger) *Server {
	s := &Server{
		source:  source,
		version: version,
		uptime:  clock.NewUptime(),
		clock:   clock.Real{},
		logger:  logging.WithSubsystem(logger, "admin.grpc"),
		health:  health.NewServer(),
	}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.logCalls))
	s.grpc.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// blocks until Stop, like grpc.Server.Serve
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("admin.listen", "addr", ln.Addr().String())
	return s.grpc.Serve(ln)
}

// flips health to NOT_SERVING so health checkers see the drain before the port closes
func (s *Server) Drain() {
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	stats := s.source.Stats()

	out, err := structpb.NewStruct(map[string]any{
		"locks":          stats.Locks,
		"owners":         stats.Owners,
		"sessions":       s.source.Sessions(),
		"draining":       s.source.Draining(),
		"uptime_seconds": s.uptime.Elapsed().Seconds(),
		"version":        s.version,
	})
	if err != nil {
		return nil, toGRPCError(err)
	}
	return out, nil
}

func (s *Server) ListLocks(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.source.Draining() {
		return nil, toGRPCError(types.ErrServerClosed)
	}

	now := s.clock.Now()
	snapshot := s.source.Snapshot()
	locks := make([]any, 0, len(snapshot))
	for _, l := range snapshot {
		locks = append(locks, map[string]any{
			"id":           l.ID,
			"owner":        l.Owner.String(),
			"held_seconds": now.Sub(l.AcquiredAt).Seconds(),
		})
	}

	out, err := structpb.NewStruct(map[string]any{"locks": locks})
	if err != nil {
		return nil, toGRPCError(err)
	}
	return out, nil
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Warn("admin.call", "method", info.FullMethod, "elapsed", time.Since(start).String(), "error", err)
		return resp, err
	}
	s.logger.Debug("admin.call", "method", info.FullMethod, "elapsed", time.Since(start).String())
	return resp, nil
}
