// Package balancer implements the channel / load-balancer (C9): a
// Power-of-Two-Choices picker over live subchannels and the bounded-queue,
// single-worker channel that fronts it. Grounded on
// _examples/YourFantasy-grpc-go/xds/internal/xdsclient/transport/transport.go's
// single-owner, buffered-channel-fed worker pattern (adsRequestCh /
// adsStreamCh) — the closest in-pack analogue to spec §4.8's "bounded MPSC
// queue feeding a single worker task."
package balancer

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/tailrpc/tailrpc/attrs"
	"github.com/tailrpc/tailrpc/resolver"
	"github.com/tailrpc/tailrpc/status"
	"github.com/tailrpc/tailrpc/transport"
)

// PickedAddr is the call-scoped attribute dispatch attaches to ctx before
// invoking a Call, per spec §4.10's context "carries ... an attributes
// map": it lets an interceptor or the call itself recover which subchannel
// the picker chose without threading it through as an extra argument.
type PickedAddr string

// DefaultQueueDepth is the channel's default work-queue capacity, per
// spec §4.8: "bounded MPSC queue (default capacity 1024)."
const DefaultQueueDepth = 1024

// P2C is a Power-of-Two-Choices picker over a live subchannel set, per
// spec §4.8: "p2c picks two subchannels uniformly at random, chooses the
// less-loaded (by outstanding requests), and calls it."
type P2C struct {
	mu     sync.RWMutex
	ready  map[string]*transport.Subchannel
	notify chan struct{}
}

// NewP2C returns an empty P2C picker.
func NewP2C() *P2C {
	return &P2C{ready: make(map[string]*transport.Subchannel), notify: make(chan struct{})}
}

// Insert adds sc to the ready set, per spec §4.8: "a new subchannel enters
// Idle; it is added to the ready set only after its first successful
// connect." Callers are expected to call Insert from a Subchannel's
// OnStateChange callback once it reaches transport.Ready, and Remove when
// it leaves Ready or is torn down.
func (p *P2C) Insert(key string, sc *transport.Subchannel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready[key] = sc
	close(p.notify)
	p.notify = make(chan struct{})
}

// Remove drops key from the ready set. Per spec §4.8: "in-flight calls
// continue on the old subchannel until completion; no new calls are
// routed to it" — Remove only stops new picks, it does not touch
// in-flight calls already holding a reference to the Subchannel.
func (p *P2C) Remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.ready, key)
}

// Pick returns the less-loaded of two uniformly-random ready subchannels.
func (p *P2C) Pick() (*transport.Subchannel, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pickLocked()
}

// pickWait returns a ready subchannel, or if the ready set is currently
// empty, a channel that closes the next time Insert adds one — letting the
// caller wait on it alongside ctx.Done(), per spec §4.8: "If the ready set
// is empty, calls wait up to the call deadline, then fail Unavailable."
func (p *P2C) pickWait() (*transport.Subchannel, <-chan struct{}, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.ready) == 0 {
		return nil, p.notify, status.New(status.Unavailable, "no reachable endpoint").Err()
	}
	sc, err := p.pickLocked()
	return sc, nil, err
}

func (p *P2C) pickLocked() (*transport.Subchannel, error) {
	n := len(p.ready)
	if n == 0 {
		return nil, status.New(status.Unavailable, "no ready subchannels").Err()
	}

	keys := make([]string, 0, n)
	for k := range p.ready {
		keys = append(keys, k)
	}
	if n == 1 {
		return p.ready[keys[0]], nil
	}

	i := rand.IntN(n)
	j := rand.IntN(n - 1)
	if j >= i {
		j++
	}
	a, b := p.ready[keys[i]], p.ready[keys[j]]
	if a.Outstanding() <= b.Outstanding() {
		return a, nil
	}
	return b, nil
}

// Len returns the current ready-set size.
func (p *P2C) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.ready)
}

// Call is one unit of work the channel's worker goroutine executes against
// a picked subchannel. ctx carries the deadline and attributes scope of
// spec §4.10, including the PickedAddr dispatch attaches once a subchannel
// is chosen.
type Call func(ctx context.Context, sc *transport.Subchannel) error

// Channel is a cloneable-by-reference service fronted by a bounded queue
// feeding a single worker goroutine, per spec §4.8.
type Channel struct {
	picker *P2C
	work   chan workItem
	done   chan struct{}
}

type workItem struct {
	ctx  context.Context
	call Call
	res  chan error
}

// NewChannel starts a Channel with the given queue depth backed by picker.
func NewChannel(picker *P2C, queueDepth int) *Channel {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	c := &Channel{picker: picker, work: make(chan workItem, queueDepth), done: make(chan struct{})}
	go c.run()
	return c
}

func (c *Channel) run() {
	for {
		select {
		case item := <-c.work:
			item.res <- c.dispatch(item.ctx, item.call)
		case <-c.done:
			return
		}
	}
}

func (c *Channel) dispatch(ctx context.Context, call Call) error {
	for {
		sc, waitCh, err := c.picker.pickWait()
		if err == nil {
			sc.AddOutstanding(1)
			defer sc.AddOutstanding(-1)
			return call(attrs.WithValue(ctx, PickedAddr(sc.Addr)), sc)
		}
		select {
		case <-waitCh:
		case <-ctx.Done():
			return err
		case <-c.done:
			return err
		}
	}
}

// Call enqueues call on the channel's worker, blocking until the buffer has
// capacity (per spec §9: "Channel::call suspends until the buffer has
// capacity") and then until the worker has picked a subchannel and run it.
func (c *Channel) Call(ctx context.Context, call Call) error {
	item := workItem{ctx: ctx, call: call, res: make(chan error, 1)}
	select {
	case c.work <- item:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return status.New(status.Unavailable, "channel closed").Err()
	}
	select {
	case err := <-item.res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker goroutine.
func (c *Channel) Close() {
	close(c.done)
}

// membershipEntry tracks one address's Subchannel alongside the stop
// signal for its reconnect loop, so Remove can retire the loop instead of
// leaving it spinning after the address is no longer wanted.
type membershipEntry struct {
	sc   *transport.Subchannel
	stop chan struct{}
}

// Membership drives a Channel's ready set off a resolver.Resolver, per
// spec §4.8's "Membership changes arrive as Change::{Insert(key,
// endpoint), Remove(key)}." It implements resolver.Controller directly, so
// it can be passed straight to resolver.Registry.Build or
// resolver.Builder.Build as the controller.
type Membership struct {
	channel *Channel
	dial    transport.Dialer
	backoff transport.BackoffConfig

	mu      sync.Mutex
	entries map[string]*membershipEntry
}

// NewMembership returns a Membership feeding channel's picker, dialing new
// addresses with dial and reconnecting with backoff cfg.
func NewMembership(channel *Channel, dial transport.Dialer, cfg transport.BackoffConfig) *Membership {
	return &Membership{channel: channel, dial: dial, backoff: cfg, entries: make(map[string]*membershipEntry)}
}

// UpdateState implements resolver.Controller: addresses present in u but
// not yet tracked become new Subchannels (Insert); addresses no longer
// present are torn down (Remove).
func (m *Membership) UpdateState(u resolver.Update) {
	wanted := make(map[string]resolver.Address, len(u.Addresses))
	for _, a := range u.Addresses {
		wanted[a.Addr] = a
	}

	m.mu.Lock()
	var toStop []*membershipEntry
	for key, entry := range m.entries {
		if _, ok := wanted[key]; !ok {
			toStop = append(toStop, entry)
			delete(m.entries, key)
		}
	}
	var toStart []string
	for key := range wanted {
		if _, ok := m.entries[key]; !ok {
			stop := make(chan struct{})
			sc := transport.NewSubchannel(key, m.dial, m.backoff)
			m.entries[key] = &membershipEntry{sc: sc, stop: stop}
			toStart = append(toStart, key)
		}
	}
	m.mu.Unlock()

	for _, entry := range toStop {
		close(entry.stop)
		m.channel.picker.Remove(entry.sc.Addr)
	}
	for _, key := range toStart {
		m.mu.Lock()
		entry := m.entries[key]
		m.mu.Unlock()
		if entry == nil {
			continue
		}
		m.startEntry(entry)
	}
}

// ReportError implements resolver.Controller; spec §4.7 has the resolver
// retain its previous address set on error, so there is nothing for the
// membership layer itself to do here beyond letting existing Subchannels
// keep running.
func (m *Membership) ReportError(error) {}

func (m *Membership) startEntry(entry *membershipEntry) {
	entry.sc.OnStateChange(func(state transport.ConnState) {
		if state == transport.Ready {
			m.channel.picker.Insert(entry.sc.Addr, entry.sc)
		} else {
			m.channel.picker.Remove(entry.sc.Addr)
		}
	})
	go m.connectLoop(entry)
}

// connectLoop drives one Subchannel through Connect/Reconnect until it is
// stopped (the address left the resolved set), per spec §4.6's reconnect
// contract.
func (m *Membership) connectLoop(entry *membershipEntry) {
	ctx := context.Background()
	for {
		select {
		case <-entry.stop:
			return
		default:
		}
		if err := entry.sc.Connect(ctx); err != nil {
			select {
			case <-entry.stop:
				return
			default:
			}
			entry.sc.Reconnect(ctx)
			continue
		}
		return
	}
}
