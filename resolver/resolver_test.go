package resolver_test

import (
	"sync"
	"testing"

	"github.com/tailrpc/tailrpc/attrs"
	"github.com/tailrpc/tailrpc/resolver"
)

type recordingController struct {
	mu      sync.Mutex
	updates []resolver.Update
	errs    []error
}

func (c *recordingController) UpdateState(u resolver.Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, u)
}

func (c *recordingController) ReportError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *recordingController) snapshot() ([]resolver.Update, []error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]resolver.Update{}, c.updates...), append([]error{}, c.errs...)
}

func TestRegistryBuildUnknownScheme(t *testing.T) {
	reg := resolver.NewRegistry()
	ctrl := &recordingController{}
	if _, err := reg.Build("bogus", "target", ctrl); err == nil {
		t.Fatal("expected error for unregistered scheme")
	}
}

func TestRegistryRegisterAndBuild(t *testing.T) {
	reg := resolver.NewRegistry()
	builder := resolver.NewInmemoryBuilder()
	reg.Register(builder)

	ctrl := &recordingController{}
	r, err := reg.Build("inmemory", "my-service", ctrl)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer r.Close()

	inmem := r.(*resolver.Inmemory)
	inmem.UpdateState(resolver.Update{Addresses: []resolver.Address{{Addr: "10.0.0.1:443"}}})

	updates, _ := ctrl.snapshot()
	if len(updates) != 1 || len(updates[0].Addresses) != 1 {
		t.Fatalf("updates = %+v", updates)
	}
}

func TestInmemoryBuilderPreRegisterBuffersUpdate(t *testing.T) {
	builder := resolver.NewInmemoryBuilder()
	r := &resolver.Inmemory{}
	builder.Register("svc", r)
	r.UpdateState(resolver.Update{Addresses: []resolver.Address{{Addr: "1.2.3.4:443"}}})

	ctrl := &recordingController{}
	built, err := builder.Build("svc", ctrl)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer built.Close()

	updates, _ := ctrl.snapshot()
	if len(updates) != 1 {
		t.Fatalf("expected buffered update to replay on Build, got %+v", updates)
	}
}

func TestAddressCarriesAttributes(t *testing.T) {
	addr := resolver.Address{
		Addr:       "10.0.0.1:443",
		Attributes: attrs.Map{}.Add(resolver.HostnameAttr("backend.example.com")),
	}

	host, ok := attrs.Get[resolver.HostnameAttr](addr.Attributes)
	if !ok || host != "backend.example.com" {
		t.Fatalf("got (%q, %v) want (backend.example.com, true)", host, ok)
	}
}
