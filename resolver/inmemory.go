package resolver

import (
	"context"
	"sync"
)

// InmemoryBuilder constructs Inmemory resolvers keyed by target name,
// letting tests and programmatic callers push address updates directly
// without a real DNS server. Grounded on the role in-memory resolvers play
// in tonic's original_source/grpc/src/inmemory/mod.rs reference — used
// here only to confirm the "update channel" shape; this rendering is new.
type InmemoryBuilder struct {
	mu        sync.Mutex
	resolvers map[string]*Inmemory
}

// NewInmemoryBuilder returns an empty builder.
func NewInmemoryBuilder() *InmemoryBuilder {
	return &InmemoryBuilder{resolvers: make(map[string]*Inmemory)}
}

// Scheme implements Builder.
func (InmemoryBuilder) Scheme() string { return "inmemory" }

// Build implements Builder, returning the Inmemory resolver previously
// registered for target via Register, or a fresh one if none exists yet.
func (b *InmemoryBuilder) Build(target string, ctrl Controller) (Resolver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.resolvers[target]
	if !ok {
		r = &Inmemory{}
		b.resolvers[target] = r
	}
	r.mu.Lock()
	r.ctrl = ctrl
	pending := r.pending
	r.mu.Unlock()
	if pending != nil {
		ctrl.UpdateState(*pending)
	}
	return r, nil
}

// Register pre-registers an Inmemory resolver for target before any
// channel has built it, so tests can push an initial Update before the
// first Build call.
func (b *InmemoryBuilder) Register(target string, r *Inmemory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolvers[target] = r
}

// Inmemory is a programmatic resolver: callers push Updates via
// UpdateState and they propagate directly to the channel.
type Inmemory struct {
	mu      sync.Mutex
	ctrl    Controller
	pending *Update
}

// UpdateState pushes upd to the attached channel, or buffers it until Build
// attaches one.
func (r *Inmemory) UpdateState(upd Update) {
	r.mu.Lock()
	ctrl := r.ctrl
	r.pending = &upd
	r.mu.Unlock()
	if ctrl != nil {
		ctrl.UpdateState(upd)
	}
}

// Work is a no-op: Inmemory only changes state on explicit UpdateState
// calls, it never polls.
func (r *Inmemory) Work(_ context.Context, _ Controller) {}

// Close is a no-op.
func (r *Inmemory) Close() {}
