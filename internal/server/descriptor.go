package server

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ProtoFile is the path the service descriptor is registered under.
const ProtoFile = "agrotrace/preprocess/v1/preprocess.proto"

// ServiceFile describes PreprocessService for server reflection. It is built
// in code because every message is a well-known type.
var ServiceFile protoreflect.FileDescriptor

func init() {
	fd, err := buildFileDescriptor()
	if err != nil {
		panic("server: build " + ProtoFile + ": " + err.Error())
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		panic("server: register " + ProtoFile + ": " + err.Error())
	}
	ServiceFile = fd
}

func buildFileDescriptor() (protoreflect.FileDescriptor, error) {
	structName := "." + string((&structpb.Struct{}).ProtoReflect().Descriptor().FullName())
	bytesName := "." + string((&wrapperspb.BytesValue{}).ProtoReflect().Descriptor().FullName())

	methods := make([]*descriptorpb.MethodDescriptorProto, 0, len(PreprocessServiceDesc.Methods))
	for _, m := range PreprocessServiceDesc.Methods {
		out := structName
		if m.MethodName == "ExportJob" {
			out = bytesName
		}
		methods = append(methods, &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(m.MethodName),
			InputType:  proto.String(structName),
			OutputType: proto.String(out),
		})
	}

	fdp := &descriptorpb.FileDescriptorProto{
		Name:    proto.String(ProtoFile),
		Package: proto.String("agrotrace.preprocess.v1"),
		Dependency: []string{
			structpb.File_google_protobuf_struct_proto.Path(),
			wrapperspb.File_google_protobuf_wrappers_proto.Path(),
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name:   proto.String("PreprocessService"),
			Method: methods,
		}},
		Options: &descriptorpb.FileOptions{
			GoPackage: proto.String("github.com/joseph-ayodele/agro-preprocess/internal/server"),
		},
		Syntax: proto.String("proto3"),
	}
	return protodesc.NewFile(fdp, protoregistry.GlobalFiles)
}
