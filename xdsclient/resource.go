package xdsclient

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Decoder decodes one resource's raw bytes into an application-level
// value. Registered per type URL, per spec §4.11's "dynamic dispatch at
// the resource layer": "the worker stores an erased decoder function per
// watcher"; here it is a pluggable registry instead of a fixed
// xdsresource package, per SPEC_FULL.md §4.11.
type Decoder func(raw []byte) (any, error)

// ResourceErrorKind distinguishes the two cache-invalidating failure modes
// named in spec §7: Validation (the server's resource failed local
// validation) and ResourceDoesNotExist (the resource was withdrawn from a
// state-of-the-world response).
type ResourceErrorKind int

const (
	ErrValidation ResourceErrorKind = iota
	ErrResourceDoesNotExist
)

// ResourceError wraps a cache-invalidating failure.
type ResourceError struct {
	Kind ResourceErrorKind
	Err  error
}

func (e *ResourceError) Error() string {
	if e.Err == nil {
		return "resource error"
	}
	return e.Err.Error()
}

// Done is the ProcessingDone handle described in spec §4.11/§9: "the done
// signal uses an auto-signalling guard: dropping it signals." Go has no
// drop/Drop hook, so Done also accepts an explicit Signal call, and
// guarantees the signal eventually fires via runtime.AddCleanup if the
// caller discards the handle without calling Signal — matching "dropping
// it signals" for a caller that never explicitly signals.
type Done struct {
	fire func()
}

func newDone(fn func()) *Done {
	var once sync.Once
	guarded := func() { once.Do(fn) }
	d := &Done{fire: guarded}
	// arg must not reference d itself, or d could never become
	// unreachable; guarded is a free-standing closure.
	runtime.AddCleanup(d, func(f func()) { f() }, guarded)
	return d
}

// Signal fires the processing-done callback. Safe to call more than once,
// or not at all (the runtime cleanup covers that case once d is
// collected).
func (d *Done) Signal() {
	if d != nil {
		d.fire()
	}
}

// doneGroup fans one per-response ACK/NACK signal out to every watcher
// notified from that response: the response is only acked once every
// recipient's Done has fired, matching spec §4.11's "this allows a watcher
// to add cascading watches before the ACK is sent."
type doneGroup struct {
	remaining int64
	fn        func()
}

func newDoneGroup(n int, fn func()) *doneGroup {
	if n <= 0 {
		n = 1
	}
	return &doneGroup{remaining: int64(n), fn: fn}
}

func (g *doneGroup) release() {
	if atomic.AddInt64(&g.remaining, -1) == 0 {
		g.fn()
	}
}

// handle returns one Done recipient from the group; release() fires once
// every recipient handed out by the group has signaled.
func (g *doneGroup) handle() *Done {
	var once sync.Once
	guarded := func() { once.Do(g.release) }
	d := &Done{fire: guarded}
	runtime.AddCleanup(d, func(f func()) { f() }, guarded)
	return d
}

// ResourceChanged is a cache-invalidating resource event, per spec §7:
// "Ok means 'use this new resource'; Err means 'stop using any previously
// cached value for this name.'"
type ResourceChanged struct {
	Resource any
	Err      *ResourceError
	Done     *Done
}

// AmbientError is a non-cache-invalidating event: the previously cached
// resource remains valid and in use, per spec §7.
type AmbientError struct {
	Err  error
	Done *Done
}

// Event is implemented by ResourceChanged and AmbientError.
type Event interface{ isEvent() }

func (ResourceChanged) isEvent() {}
func (AmbientError) isEvent()    {}
