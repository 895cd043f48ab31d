package reflection_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/tailrpc/tailrpc/client"
	"github.com/tailrpc/tailrpc/reflection"
	"github.com/tailrpc/tailrpc/server"
)

func testFileDescriptor() *descriptorpb.FileDescriptorProto {
	strPtr := func(s string) *string { return &s }
	int32Ptr := func(i int32) *int32 { return &i }
	labelOptional := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
	typeString := descriptorpb.FieldDescriptorProto_TYPE_STRING

	return &descriptorpb.FileDescriptorProto{
		Name:    strPtr("echo/echo.proto"),
		Package: strPtr("echo"),
		Syntax:  strPtr("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: strPtr("EchoRequest"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{
						Name:     strPtr("message"),
						Number:   int32Ptr(1),
						Label:    &labelOptional,
						Type:     &typeString,
						JsonName: strPtr("message"),
					},
				},
			},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{
			{
				Name: strPtr("Echo"),
				Method: []*descriptorpb.MethodDescriptorProto{
					{
						Name:       strPtr("UnaryEcho"),
						InputType:  strPtr(".echo.EchoRequest"),
						OutputType: strPtr(".echo.EchoRequest"),
					},
				},
			},
		},
	}
}

func TestRegistryListServicesAndFileLookup(t *testing.T) {
	reg := reflection.NewRegistry()
	if err := reg.RegisterFileDescriptor(testFileDescriptor()); err != nil {
		t.Fatalf("RegisterFileDescriptor: %v", err)
	}

	svcs := reg.ListServices()
	if len(svcs) != 1 || svcs[0] != "echo.Echo" {
		t.Fatalf("ListServices: got %v want [echo.Echo]", svcs)
	}

	raw, err := reg.FileByFilename("echo/echo.proto")
	if err != nil {
		t.Fatalf("FileByFilename: %v", err)
	}
	var fd descriptorpb.FileDescriptorProto
	if err := proto.Unmarshal(raw, &fd); err != nil {
		t.Fatalf("unmarshal returned descriptor: %v", err)
	}
	if fd.GetName() != "echo/echo.proto" {
		t.Fatalf("got file %q want echo/echo.proto", fd.GetName())
	}

	raw2, err := reg.FileContainingSymbol("echo.Echo")
	if err != nil {
		t.Fatalf("FileContainingSymbol: %v", err)
	}
	var fd2 descriptorpb.FileDescriptorProto
	if err := proto.Unmarshal(raw2, &fd2); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fd2.GetName() != "echo/echo.proto" {
		t.Fatalf("FileContainingSymbol: got %q want echo/echo.proto", fd2.GetName())
	}
}

func TestRegistryFileByFilenameNotFound(t *testing.T) {
	reg := reflection.NewRegistry()
	if _, err := reg.FileByFilename("does/not/exist.proto"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestServiceListServicesOverCallEngine(t *testing.T) {
	reg := reflection.NewRegistry()
	if err := reg.RegisterFileDescriptor(testFileDescriptor()); err != nil {
		t.Fatalf("RegisterFileDescriptor: %v", err)
	}

	router := server.NewRouter()
	router.AddBidiStream(reflection.Method, reflection.Handler(reg))

	ts := httptest.NewUnstartedServer(router)
	ts.EnableHTTP2 = true
	ts.StartTLS()
	defer ts.Close()

	inv := client.NewInvoker(ts.Client(), ts.URL)
	rc, err := reflection.Dial(context.Background(), inv)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer rc.Close()

	svcs, err := rc.ListServices("")
	if err != nil {
		t.Fatalf("ListServices: %v", err)
	}
	if len(svcs) != 1 || svcs[0] != "echo.Echo" {
		t.Fatalf("ListServices: got %v want [echo.Echo]", svcs)
	}

	raw, err := rc.FileByFilename("", "echo/echo.proto")
	if err != nil {
		t.Fatalf("FileByFilename: %v", err)
	}
	var fd descriptorpb.FileDescriptorProto
	if err := proto.Unmarshal(raw, &fd); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fd.GetName() != "echo/echo.proto" {
		t.Fatalf("got %q want echo/echo.proto", fd.GetName())
	}
}
