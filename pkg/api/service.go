package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "rgmanager.v1.GroupManager"

// Full method names
const (
	MethodEnableGroup   = "/" + ServiceName + "/EnableGroup"
	MethodDisableGroup  = "/" + ServiceName + "/DisableGroup"
	MethodFreezeGroup   = "/" + ServiceName + "/FreezeGroup"
	MethodUnfreezeGroup = "/" + ServiceName + "/UnfreezeGroup"
	MethodRelocateGroup = "/" + ServiceName + "/RelocateGroup"
	MethodListGroups    = "/" + ServiceName + "/ListGroups"
	MethodGetMembership = "/" + ServiceName + "/GetMembership"
	MethodGetHistory    = "/" + ServiceName + "/GetHistory"
	MethodApplyCommand  = "/" + ServiceName + "/ApplyCommand"
	MethodWatchEvents   = "/" + ServiceName + "/WatchEvents"
)

// GroupManagerServer is the server API of the GroupManager service. Messages
// are protobuf well-known types: group ids travel as StringValue, structured
// payloads as Struct.
type GroupManagerServer interface {
	EnableGroup(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	DisableGroup(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	FreezeGroup(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	UnfreezeGroup(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	RelocateGroup(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	ListGroups(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetMembership(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ApplyCommand(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	WatchEvents(*emptypb.Empty, grpc.ServerStream) error
}

// RegisterGroupManagerServer registers srv on s
func RegisterGroupManagerServer(s grpc.ServiceRegistrar, srv GroupManagerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the GroupManager service
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GroupManagerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "EnableGroup",
			Handler: unary(MethodEnableGroup, newStruct, func(s GroupManagerServer, ctx context.Context, req proto.Message) (proto.Message, error) {
				return s.EnableGroup(ctx, req.(*structpb.Struct))
			}),
		},
		{
			MethodName: "DisableGroup",
			Handler: unary(MethodDisableGroup, newString, func(s GroupManagerServer, ctx context.Context, req proto.Message) (proto.Message, error) {
				return s.DisableGroup(ctx, req.(*wrapperspb.StringValue))
			}),
		},
		{
			MethodName: "FreezeGroup",
			Handler: unary(MethodFreezeGroup, newString, func(s GroupManagerServer, ctx context.Context, req proto.Message) (proto.Message, error) {
				return s.FreezeGroup(ctx, req.(*wrapperspb.StringValue))
			}),
		},
		{
			MethodName: "UnfreezeGroup",
			Handler: unary(MethodUnfreezeGroup, newString, func(s GroupManagerServer, ctx context.Context, req proto.Message) (proto.Message, error) {
				return s.UnfreezeGroup(ctx, req.(*wrapperspb.StringValue))
			}),
		},
		{
			MethodName: "RelocateGroup",
			Handler: unary(MethodRelocateGroup, newStruct, func(s GroupManagerServer, ctx context.Context, req proto.Message) (proto.Message, error) {
				return s.RelocateGroup(ctx, req.(*structpb.Struct))
			}),
		},
		{
			MethodName: "ListGroups",
			Handler: unary(MethodListGroups, newEmpty, func(s GroupManagerServer, ctx context.Context, req proto.Message) (proto.Message, error) {
				return s.ListGroups(ctx, req.(*emptypb.Empty))
			}),
		},
		{
			MethodName: "GetMembership",
			Handler: unary(MethodGetMembership, newEmpty, func(s GroupManagerServer, ctx context.Context, req proto.Message) (proto.Message, error) {
				return s.GetMembership(ctx, req.(*emptypb.Empty))
			}),
		},
		{
			MethodName: "GetHistory",
			Handler: unary(MethodGetHistory, newStruct, func(s GroupManagerServer, ctx context.Context, req proto.Message) (proto.Message, error) {
				return s.GetHistory(ctx, req.(*structpb.Struct))
			}),
		},
		{
			MethodName: "ApplyCommand",
			Handler: unary(MethodApplyCommand, newBytes, func(s GroupManagerServer, ctx context.Context, req proto.Message) (proto.Message, error) {
				return s.ApplyCommand(ctx, req.(*wrapperspb.BytesValue))
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "rgmanager/v1/group_manager.proto",
}

func newStruct() proto.Message { return new(structpb.Struct) }
func newString() proto.Message { return new(wrapperspb.StringValue) }
func newEmpty() proto.Message  { return new(emptypb.Empty) }
func newBytes() proto.Message  { return new(wrapperspb.BytesValue) }

type unaryCall func(s GroupManagerServer, ctx context.Context, req proto.Message) (proto.Message, error)

// unary adapts a typed call to grpc.MethodHandler, running interceptors the
// way generated code does
func unary(fullMethod string, newReq func() proto.Message, call unaryCall) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(GroupManagerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(GroupManagerServer), ctx, req.(proto.Message))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchEventsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(GroupManagerServer).WatchEvents(in, stream)
}
