// Package reflection implements the server reflection service (C13): a
// descriptor registry built from registered FileDescriptorProto bytes, and
// lookups driven as a streaming RPC over this module's own client/server
// call engine rather than grpcreflect's built-in Connect handler. Grounded
// on the teacher's gateway/reflection.go (descriptorResolver,
// connectrpc.com/grpcreflect's namer/resolver shape), adapted to serve C5/C6
// directly instead of bolting onto a separate Connect mux.
package reflection

import (
	"fmt"
	"strings"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// Registry accumulates file descriptors for the services a server exposes
// and answers the lookups the reflection protocol needs: list services,
// find a file by name, find a file containing a symbol, find extension
// numbers of a type. Built from protodesc/protoregistry, used purely for
// descriptor bookkeeping — never for encoding/decoding user messages,
// which stays out of scope per spec.md's codec non-goal.
type Registry struct {
	mu       sync.RWMutex
	files    *protoregistry.Files
	services []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{files: &protoregistry.Files{}}
}

// RegisterFileDescriptor adds one FileDescriptorProto (and, transitively,
// any of its already-registered dependencies) to the registry.
func (r *Registry) RegisterFileDescriptor(fd *descriptorpb.FileDescriptorProto) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := protodesc.NewFile(fd, r.files)
	if err != nil {
		return fmt.Errorf("reflection: register %s: %w", fd.GetName(), err)
	}
	if err := r.files.RegisterFile(file); err != nil {
		return fmt.Errorf("reflection: register %s: %w", fd.GetName(), err)
	}

	svcs := file.Services()
	for i := 0; i < svcs.Len(); i++ {
		r.services = append(r.services, string(svcs.Get(i).FullName()))
	}
	return nil
}

// ListServices returns the fully-qualified names of every registered
// service, matching grpcreflect.NamerFunc's contract.
func (r *Registry) ListServices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.services))
	copy(out, r.services)
	return out
}

// FileByFilename returns the serialized FileDescriptorProto for the named
// .proto file, falling through to the global registry for well-known
// types (google/protobuf/*.proto) the way the teacher's resolver does.
func (r *Registry) FileByFilename(name string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fd, err := r.files.FindFileByPath(name)
	if err != nil {
		fd, err = protoregistry.GlobalFiles.FindFileByPath(name)
		if err != nil {
			return nil, protoregistry.NotFound
		}
	}
	return marshalFile(fd)
}

// FileContainingSymbol returns the serialized FileDescriptorProto of
// whichever registered file declares symbol (a fully-qualified
// message/service/enum name).
func (r *Registry) FileContainingSymbol(symbol string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, err := r.files.FindDescriptorByName(protoreflect.FullName(symbol))
	if err != nil {
		desc, err = protoregistry.GlobalFiles.FindDescriptorByName(protoreflect.FullName(symbol))
		if err != nil {
			return nil, protoregistry.NotFound
		}
	}
	return marshalFile(desc.ParentFile())
}

// AllExtensionNumbersOfType returns the field numbers of every registered
// extension of the named message type.
func (r *Registry) AllExtensionNumbersOfType(typeName string) ([]int32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var numbers []int32
	r.files.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		exts := fd.Extensions()
		for i := 0; i < exts.Len(); i++ {
			ext := exts.Get(i)
			if string(ext.ContainingMessage().FullName()) == typeName {
				numbers = append(numbers, int32(ext.Number()))
			}
		}
		return true
	})
	if numbers == nil {
		return nil, protoregistry.NotFound
	}
	return numbers, nil
}

func marshalFile(fd protoreflect.FileDescriptor) ([]byte, error) {
	return proto.Marshal(protodesc.ToFileDescriptorProto(fd))
}

// normalizeSymbol strips a leading '.' some reflection clients send on
// fully-qualified names.
func normalizeSymbol(name string) string {
	return strings.TrimPrefix(name, ".")
}
