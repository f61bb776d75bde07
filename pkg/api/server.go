package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/cuemby/rgmanager/pkg/cluster"
	"github.com/cuemby/rgmanager/pkg/log"
	"github.com/cuemby/rgmanager/pkg/manager"
	"github.com/cuemby/rgmanager/pkg/metrics"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Server implements the GroupManager gRPC service
type Server struct {
	manager *manager.Manager
	grpc    *grpc.Server
	logger  zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewServer creates a new API server
func NewServer(mgr *manager.Manager, opts ...grpc.ServerOption) *Server {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(LoggingInterceptor()),
	}, opts...)

	s := &Server{
		manager: mgr,
		grpc:    grpc.NewServer(opts...),
		logger:  log.WithComponent("api"),
		stopCh:  make(chan struct{}),
	}
	RegisterGroupManagerServer(s.grpc, s)
	return s
}

// Start listens on addr and serves until Stop
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC API listening")
	metrics.UpdateComponent(metrics.ComponentAPI, true, "serving")
	return s.grpc.Serve(lis)
}

// Stop ends event streams and gracefully stops the gRPC server
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.grpc.GracefulStop()
	metrics.UpdateComponent(metrics.ComponentAPI, false, "stopped")
}

// EnableGroup starts a group, optionally on a given node
func (s *Server) EnableGroup(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	group, node := parseGroupRequest(req)
	if group == "" {
		return nil, status.Error(codes.InvalidArgument, "group is required")
	}
	if err := s.manager.Enable(ctx, group, node); err != nil {
		return nil, ToStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// DisableGroup stops a group
func (s *Server) DisableGroup(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "group is required")
	}
	if err := s.manager.Disable(ctx, req.GetValue()); err != nil {
		return nil, ToStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// FreezeGroup suspends transitions of a group
func (s *Server) FreezeGroup(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "group is required")
	}
	if err := s.manager.Freeze(ctx, req.GetValue()); err != nil {
		return nil, ToStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// UnfreezeGroup resumes transitions of a group
func (s *Server) UnfreezeGroup(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "group is required")
	}
	if err := s.manager.Unfreeze(ctx, req.GetValue()); err != nil {
		return nil, ToStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// RelocateGroup moves a group to a node
func (s *Server) RelocateGroup(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	group, node := parseGroupRequest(req)
	if group == "" || node == "" {
		return nil, status.Error(codes.InvalidArgument, "group and node are required")
	}
	if err := s.manager.Relocate(ctx, group, node); err != nil {
		return nil, ToStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// ListGroups returns the status of every group
func (s *Server) ListGroups(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
	list := GroupList{Groups: s.manager.Status()}
	for _, err := range s.manager.ConfigErrors() {
		list.ConfigErrors = append(list.ConfigErrors, err.Error())
	}
	return groupListToStruct(list), nil
}

// GetMembership returns this node's membership snapshot
func (s *Server) GetMembership(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
	return membershipToStruct(Membership{
		MembershipSnapshot: s.manager.Membership(),
		NodeID:             s.manager.NodeID(),
		Leader:             s.manager.Leader(),
	}), nil
}

// GetHistory returns recorded transitions of a group
func (s *Server) GetHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	group := str(req, "group")
	if group == "" {
		return nil, status.Error(codes.InvalidArgument, "group is required")
	}
	recs, err := s.manager.History(group, int(num(req, "limit")))
	if err != nil {
		return nil, ToStatus(err)
	}
	return historyToStruct(recs), nil
}

// ApplyCommand applies a replicated command forwarded by a follower
func (s *Server) ApplyCommand(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	var cmd cluster.Command
	if err := json.Unmarshal(req.GetValue(), &cmd); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid command: %v", err)
	}
	if err := s.manager.ApplyCommand(ctx, cmd); err != nil {
		return nil, ToStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// WatchEvents streams events until the client goes away
func (s *Server) WatchEvents(req *emptypb.Empty, stream grpc.ServerStream) error {
	sub := s.manager.SubscribeEvents()
	defer s.manager.UnsubscribeEvents(sub)

	ctx := stream.Context()
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(eventToStruct(ev)); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		}
	}
}
