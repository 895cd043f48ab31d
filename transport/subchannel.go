package transport

import (
	"context"
	"sync"
	"time"
)

// ConnState is a subchannel's connectivity state, per spec §4.6/§3:
// "{Idle, Connecting, Ready, TransientFailure}."
type ConnState int

const (
	Idle ConnState = iota
	Connecting
	Ready
	TransientFailure
)

func (s ConnState) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Ready:
		return "READY"
	case TransientFailure:
		return "TRANSIENT_FAILURE"
	default:
		return "UNKNOWN"
	}
}

// Dialer opens one physical connection to addr. Concretely this is
// *http2.Transport's RoundTrip machinery in the real client, but the
// subchannel only needs something it can call and retire.
type Dialer func(ctx context.Context, addr string) (any, error)

// Subchannel owns exactly one physical connection's worth of state, per
// spec §3's Subchannel glossary entry: current connectivity state,
// reconnect backoff, and the live-or-pending send-request handle. Grounded
// on the teacher's absence of a connection-pool layer (the teacher serves
// gRPC without a client-side channel) — this type and its transition
// table are new wiring built directly off spec §4.6's state diagram.
type Subchannel struct {
	Addr    string
	dial    Dialer
	backoff *Backoff

	mu    sync.Mutex
	state ConnState
	conn  any
	// outstanding counts in-flight calls for the balancer's P2C
	// less-loaded comparison (C9).
	outstanding int64

	onStateChange func(ConnState)
}

// NewSubchannel returns a subchannel in the Idle state.
func NewSubchannel(addr string, dial Dialer, cfg BackoffConfig) *Subchannel {
	return &Subchannel{Addr: addr, dial: dial, backoff: NewBackoff(cfg), state: Idle}
}

// State returns the subchannel's current connectivity state.
func (s *Subchannel) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers a callback invoked whenever the subchannel's
// state transitions; the balancer (C9) uses this to maintain its ready set.
func (s *Subchannel) OnStateChange(f func(ConnState)) {
	s.mu.Lock()
	s.onStateChange = f
	s.mu.Unlock()
}

func (s *Subchannel) setState(state ConnState) {
	s.mu.Lock()
	s.state = state
	cb := s.onStateChange
	s.mu.Unlock()
	if cb != nil {
		cb(state)
	}
}

// Connect drives the Idle -> Connecting -> Ready/TransientFailure
// transition, per spec §4.6's state diagram. Call it from the balancer on
// Insert, or lazily on first call.
func (s *Subchannel) Connect(ctx context.Context) error {
	s.setState(Connecting)
	conn, err := s.dial(ctx, s.Addr)
	if err != nil {
		s.setState(TransientFailure)
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.backoff.Reset()
	s.setState(Ready)
	return nil
}

// Reconnect schedules a return to Connecting after one backoff interval,
// per spec §4.6's "fail -> Idle (if lazy or previously-connected) with
// backoff". balancer.Membership's connect loop calls it after a failed
// Connect; nothing in this module calls it on a 5xx response or a server
// GOAWAY.
func (s *Subchannel) Reconnect(ctx context.Context) {
	s.setState(Idle)
	delay := s.backoff.Next()
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}
	_ = s.Connect(ctx)
}

// Conn returns the live connection handle, or nil if the subchannel is
// not Ready.
func (s *Subchannel) Conn() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Ready {
		return nil
	}
	return s.conn
}

// AddOutstanding adjusts the in-flight request counter used by the
// balancer's P2C less-loaded comparison.
func (s *Subchannel) AddOutstanding(delta int64) {
	s.mu.Lock()
	s.outstanding += delta
	s.mu.Unlock()
}

// Outstanding returns the current in-flight request count.
func (s *Subchannel) Outstanding() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding
}
