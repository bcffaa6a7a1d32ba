package atomberg

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	_ "google.golang.org/protobuf/types/known/structpb"
)

const (
	protoFile   = "gofan/atomberg/v1/atomberg.proto"
	protoPkg    = "gofan.atomberg.v1"
	ServiceName = protoPkg + ".AtombergService"

	structType = ".google.protobuf.Struct"
)

var methodNames = []string{"ListDevices", "GetState", "SendCommand", "Reconcile", "SessionStatus"}

// The service is registered for server reflection. Every method takes and
// returns a google.protobuf.Struct.
func init() {
	fd, err := buildFileDescriptor()
	if err != nil {
		panic(err)
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		panic(err)
	}
}

func buildFileDescriptor() (protoreflect.FileDescriptor, error) {
	methods := make([]*descriptorpb.MethodDescriptorProto, 0, len(methodNames))
	for _, name := range methodNames {
		methods = append(methods, &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(name),
			InputType:  proto.String(structType),
			OutputType: proto.String(structType),
		})
	}

	file := &descriptorpb.FileDescriptorProto{
		Name:       proto.String(protoFile),
		Package:    proto.String(protoPkg),
		Dependency: []string{"google/protobuf/struct.proto"},
		Syntax:     proto.String("proto3"),
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name:   proto.String("AtombergService"),
			Method: methods,
		}},
		Options: &descriptorpb.FileOptions{
			GoPackage: proto.String("github.com/joshp123/gofan/plugins/atomberg"),
		},
	}

	fd, err := protodesc.NewFile(file, protoregistry.GlobalFiles)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", protoFile, err)
	}
	return fd, nil
}

// FullMethod is the gRPC path of a service method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}
