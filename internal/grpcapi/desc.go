package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Register attaches srv to g under ServiceName.
func Register(g grpc.ServiceRegistrar, srv CheckpointServer) {
	g.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CheckpointServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Scan", Handler: stringHandler("Scan", CheckpointServer.Scan)},
		{MethodName: "Evaluate", Handler: int64Handler("Evaluate", CheckpointServer.Evaluate)},
		{MethodName: "ChangeGate", Handler: stringHandler("ChangeGate", CheckpointServer.ChangeGate)},
		{MethodName: "CurrentState", Handler: int64Handler("CurrentState", CheckpointServer.CurrentState)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "checkpoint/v1/checkpoint.proto",
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

type methodHandler = func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error)

func stringHandler(name string, call func(CheckpointServer, context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)) methodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(wrapperspb.StringValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CheckpointServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(CheckpointServer), ctx, req.(*wrapperspb.StringValue))
		})
	}
}

func int64Handler(name string, call func(CheckpointServer, context.Context, *wrapperspb.Int64Value) (*structpb.Struct, error)) methodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(wrapperspb.Int64Value)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CheckpointServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(CheckpointServer), ctx, req.(*wrapperspb.Int64Value))
		})
	}
}
