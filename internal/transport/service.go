// Package transport carries the worker protocol over gRPC. Messages are
// google.protobuf.Struct payloads sent through the default proto codec.
package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "runmanager.v1.RunManager"

const (
	methodRegister     = "/" + ServiceName + "/Register"
	methodRequestWork  = "/" + ServiceName + "/RequestWork"
	methodReportResult = "/" + ServiceName + "/ReportResult"
	methodHeartbeat    = "/" + ServiceName + "/Heartbeat"
)

// RunManagerServer is the server API of the worker protocol
type RunManagerServer interface {
	Register(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RequestWork(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReportResult(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Heartbeat(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterRunManagerServer registers srv on s
func RegisterRunManagerServer(s grpc.ServiceRegistrar, srv RunManagerServer) {
	s.RegisterService(&RunManagerServiceDesc, srv)
}

// RunManagerServiceDesc describes the four unary methods of the protocol
var RunManagerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RunManagerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: registerHandler},
		{MethodName: "RequestWork", Handler: requestWorkHandler},
		{MethodName: "ReportResult", Handler: reportResultHandler},
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "runmanager/v1/runmanager.proto",
}

type unaryMethod func(RunManagerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RunManagerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RunManagerServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var (
	registerHandler     = unaryHandler(methodRegister, RunManagerServer.Register)
	requestWorkHandler  = unaryHandler(methodRequestWork, RunManagerServer.RequestWork)
	reportResultHandler = unaryHandler(methodReportResult, RunManagerServer.ReportResult)
	heartbeatHandler    = unaryHandler(methodHeartbeat, RunManagerServer.Heartbeat)
)

// runManagerClient is the low-level client stub
type runManagerClient struct {
	cc grpc.ClientConnInterface
}

func (c *runManagerClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
