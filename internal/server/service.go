package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "agrotrace.preprocess.v1.PreprocessService"

// PreprocessServiceServer is the server API of the preprocess service. Every request is a
// JSON document carried as google.protobuf.Struct.
type PreprocessServiceServer interface {
	SubmitJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UploadImagery(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTiles(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LatestReadings(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExportJob(context.Context, *structpb.Struct) (*wrapperspb.BytesValue, error)
}

// PreprocessServiceDesc describes the service for grpc.Server.RegisterService.
var PreprocessServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PreprocessServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitJob", Handler: unary("SubmitJob", PreprocessServiceServer.SubmitJob)},
		{MethodName: "GetJob", Handler: unary("GetJob", PreprocessServiceServer.GetJob)},
		{MethodName: "ListJobs", Handler: unary("ListJobs", PreprocessServiceServer.ListJobs)},
		{MethodName: "UploadImagery", Handler: unary("UploadImagery", PreprocessServiceServer.UploadImagery)},
		{MethodName: "ListTiles", Handler: unary("ListTiles", PreprocessServiceServer.ListTiles)},
		{MethodName: "LatestReadings", Handler: unary("LatestReadings", PreprocessServiceServer.LatestReadings)},
		{MethodName: "ExportJob", Handler: unary("ExportJob", PreprocessServiceServer.ExportJob)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: ProtoFile,
}

// RegisterPreprocessServiceServer registers srv on s.
func RegisterPreprocessServiceServer(s grpc.ServiceRegistrar, srv PreprocessServiceServer) {
	s.RegisterService(&PreprocessServiceDesc, srv)
}

func fullMethod(method string) string { return "/" + ServiceName + "/" + method }

func unary[Resp any](method string, call func(PreprocessServiceServer, context.Context, *structpb.Struct) (Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PreprocessServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(PreprocessServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}
