package nbi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// OperatorServiceName is the fully qualified gRPC service name.
const OperatorServiceName = "swarm.operator.v1.OperatorService"

// Full method names.
const (
	MethodCrashNode             = "/" + OperatorServiceName + "/CrashNode"
	MethodAddEdge               = "/" + OperatorServiceName + "/AddEdge"
	MethodAddEdgeAcrossKinds    = "/" + OperatorServiceName + "/AddEdgeAcrossKinds"
	MethodRemoveEdge            = "/" + OperatorServiceName + "/RemoveEdge"
	MethodRemoveEdgeAcrossKinds = "/" + OperatorServiceName + "/RemoveEdgeAcrossKinds"
	MethodSetDropRate           = "/" + OperatorServiceName + "/SetDropRate"
	MethodSwapTopology          = "/" + OperatorServiceName + "/SwapTopology"
	MethodShutdown              = "/" + OperatorServiceName + "/Shutdown"
	MethodGetTopology           = "/" + OperatorServiceName + "/GetTopology"
	MethodWatchEvents           = "/" + OperatorServiceName + "/WatchEvents"
)

// OperatorServer is the server API of the operator service. Requests and
// replies are google.protobuf.Struct documents; the field names are listed
// on each method of OperatorService.
type OperatorServer interface {
	CrashNode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddEdge(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddEdgeAcrossKinds(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveEdge(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveEdgeAcrossKinds(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetDropRate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SwapTopology(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Shutdown(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetTopology(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	WatchEvents(*emptypb.Empty, grpc.ServerStream) error
}

// RegisterOperatorServer registers srv on s.
func RegisterOperatorServer(s grpc.ServiceRegistrar, srv OperatorServer) {
	s.RegisterService(&OperatorServiceDesc, srv)
}

// OperatorServiceDesc describes the operator service without generated
// stubs.
var OperatorServiceDesc = grpc.ServiceDesc{
	ServiceName: OperatorServiceName,
	HandlerType: (*OperatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CrashNode", Handler: structHandler(MethodCrashNode, OperatorServer.CrashNode)},
		{MethodName: "AddEdge", Handler: structHandler(MethodAddEdge, OperatorServer.AddEdge)},
		{MethodName: "AddEdgeAcrossKinds", Handler: structHandler(MethodAddEdgeAcrossKinds, OperatorServer.AddEdgeAcrossKinds)},
		{MethodName: "RemoveEdge", Handler: structHandler(MethodRemoveEdge, OperatorServer.RemoveEdge)},
		{MethodName: "RemoveEdgeAcrossKinds", Handler: structHandler(MethodRemoveEdgeAcrossKinds, OperatorServer.RemoveEdgeAcrossKinds)},
		{MethodName: "SetDropRate", Handler: structHandler(MethodSetDropRate, OperatorServer.SetDropRate)},
		{MethodName: "SwapTopology", Handler: structHandler(MethodSwapTopology, OperatorServer.SwapTopology)},
		{MethodName: "Shutdown", Handler: emptyHandler(MethodShutdown, OperatorServer.Shutdown)},
		{MethodName: "GetTopology", Handler: emptyHandler(MethodGetTopology, OperatorServer.GetTopology)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
}

type unaryCall[Req any] func(OperatorServer, context.Context, Req) (*structpb.Struct, error)

func unaryHandler[Req any](fullMethod string, newReq func() Req, call unaryCall[Req]) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OperatorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(OperatorServer), ctx, req.(Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func structHandler(fullMethod string, call unaryCall[*structpb.Struct]) grpc.MethodHandler {
	return unaryHandler(fullMethod, func() *structpb.Struct { return new(structpb.Struct) }, call)
}

func emptyHandler(fullMethod string, call unaryCall[*emptypb.Empty]) grpc.MethodHandler {
	return unaryHandler(fullMethod, func() *emptypb.Empty { return new(emptypb.Empty) }, call)
}

func watchEventsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(OperatorServer).WatchEvents(in, stream)
}
