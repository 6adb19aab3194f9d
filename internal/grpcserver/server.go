// Package grpcserver serves the latest planning run over gRPC. The service
// is described by hand and carries its payloads as structpb messages, so no
// generated code is needed.
package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"flatmaster/internal/planner"
	"flatmaster/internal/storage"
)

// ServiceName is the fully qualified planner service name.
const ServiceName = "flatmaster.v1.Planner"

const maxMsgSize = 64 * 1024 * 1024

// PlanSource returns the most recent plan, or an error wrapping
// storage.ErrNotFound when none exists yet.
type PlanSource func() (*planner.Plan, error)

// PlannerServer is the server API for the planner service.
type PlannerServer interface {
	LatestPlan(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Catalog(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// Server implements PlannerServer.
type Server struct {
	source PlanSource
	log    *slog.Logger
	health *health.Server
}

var _ PlannerServer = (*Server)(nil)

// New creates a planner service backed by source.
func New(source PlanSource, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{source: source, log: log, health: health.NewServer()}
}

// LatestPlan returns the full plan document.
func (s *Server) LatestPlan(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	plan, err := s.latest()
	if err != nil {
		return nil, err
	}
	return toStruct(plan)
}

// Catalog returns the dark inventory of the latest plan with per-kind counts.
func (s *Server) Catalog(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	plan, err := s.latest()
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, e := range plan.DarkCatalog {
		counts[string(e.Kind)]++
	}
	return toStruct(map[string]any{
		"run_id":  plan.RunID,
		"counts":  counts,
		"entries": plan.DarkCatalog,
	})
}

func (s *Server) latest() (*planner.Plan, error) {
	if s.source == nil {
		return nil, status.Error(codes.Unavailable, "no plan source")
	}
	plan, err := s.source()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, status.Error(codes.NotFound, "no plan recorded yet")
	case err != nil:
		return nil, status.Error(codes.Internal, err.Error())
	case plan == nil:
		return nil, status.Error(codes.NotFound, "no plan recorded yet")
	}
	return plan, nil
}

// toStruct round-trips v through JSON so the struct mirrors the JSON API.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// Register adds the planner and health services to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&plannerServiceDesc, s)
	healthpb.RegisterHealthServer(gs, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
}

// Serve listens on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	s.Register(gs)

	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		gs.GracefulStop()
	}()

	s.log.Info("grpc server starting", "addr", lis.Addr().String(), "service", ServiceName)
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Start listens on addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

var plannerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PlannerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "LatestPlan", Handler: latestPlanHandler},
		{MethodName: "Catalog", Handler: catalogHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flatmaster/v1/planner.proto",
}

func latestPlanHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PlannerServer).LatestPlan(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/LatestPlan"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PlannerServer).LatestPlan(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func catalogHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PlannerServer).Catalog(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Catalog"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PlannerServer).Catalog(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls the planner service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// LatestPlan fetches the latest plan document.
func (c *Client) LatestPlan(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/LatestPlan", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Catalog fetches the dark inventory of the latest plan.
func (c *Client) Catalog(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Catalog", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
