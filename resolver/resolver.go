// Package resolver implements name resolution (C8): a builder registry
// keyed by URI scheme, a DNS resolver backed by stdlib net.Resolver, and an
// in-memory resolver for tests. Grounded on spec §4.7's "work scheduler"
// contract — the channel calls Resolver.Work to ask for a refresh, the
// resolver calls Controller.UpdateState from inside Work — there is no
// direct teacher equivalent (the teacher serves gRPC, it does not dial
// out), so this package is new wiring built off the spec and the role
// in-memory resolvers play in tonic's original_source/grpc/src/inmemory.
package resolver

import (
	"context"

	"github.com/tailrpc/tailrpc/attrs"
	"github.com/tailrpc/tailrpc/status"
)

// Address is one resolved backend endpoint.
type Address struct {
	// Addr is a dial target, e.g. "10.0.0.1:443".
	Addr string
	// ServerName overrides the TLS server name, if set.
	ServerName string
	// Attributes carries out-of-band per-address data (e.g. xDS locality
	// weight or priority) alongside Addr, per spec §4.10's attributes map
	// attached to "endpoints, connections and calls."
	Attributes attrs.Map
}

// Update is what a Resolver hands the channel on each refresh, per spec
// §4.7: "the resolver calls controller.update(ResolverUpdate)".
type Update struct {
	Addresses []Address
	// ServiceConfig holds any service-config JSON retrieved via a TXT
	// lookup (DNS) or out-of-band channel (xDS); empty if none.
	ServiceConfig string
}

// Controller is the channel-owned callback surface a Resolver reports into.
type Controller interface {
	// UpdateState delivers a fresh Update.
	UpdateState(Update)
	// ReportError delivers a resolution failure. Per spec §4.7's DNS
	// semantics, the channel is expected to retain its previous address
	// set rather than clear it.
	ReportError(error)
}

// Resolver is driven by the channel's work scheduler: the channel calls
// Work whenever it wants a refresh.
type Resolver interface {
	// Work performs one resolution pass, reporting into ctrl.
	Work(ctx context.Context, ctrl Controller)
	// Close releases any resources the resolver holds (e.g. a running
	// refresh goroutine).
	Close()
}

// Builder constructs a Resolver for a parsed target.
type Builder interface {
	Build(target string, ctrl Controller) (Resolver, error)
	Scheme() string
}

// Registry is a builder registry keyed by URI scheme, per spec §4.7:
// "Resolver builder registry keyed by URI scheme (dns, inmemory, xds, …)."
type Registry struct {
	builders map[string]Builder
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds b under its own Scheme().
func (r *Registry) Register(b Builder) {
	r.builders[b.Scheme()] = b
}

// Get returns the builder registered for scheme, if any.
func (r *Registry) Get(scheme string) (Builder, bool) {
	b, ok := r.builders[scheme]
	return b, ok
}

// Build resolves target's scheme and constructs a Resolver through the
// matching builder.
func (r *Registry) Build(scheme, target string, ctrl Controller) (Resolver, error) {
	b, ok := r.Get(scheme)
	if !ok {
		return nil, status.Newf(status.Unimplemented, "no resolver registered for scheme %q", scheme).Err()
	}
	return b.Build(target, ctrl)
}
