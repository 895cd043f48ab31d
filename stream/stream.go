// Package stream implements the bidirectional message-stream primitive that
// both the client and server call engines are built on, per spec §4.3.
// Grounded on the teacher's rpc.streamImpl/ServerStream/ClientStream/
// BidiStream (rpc/streaming.go), generalized from four separate typed
// wrapper interfaces over one untyped core to a single Item-based primitive
// that carries headers and trailers explicitly, matching the
// `[Headers? Message* Trailers]` ordering contract of spec §3.
package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/tailrpc/tailrpc/metadata"
	"github.com/tailrpc/tailrpc/status"
)

// ErrStreamClosed is returned by Next for any read past Trailers, per the
// data model's "any read past Trailers yields StreamClosed".
var ErrStreamClosed = errors.New("stream: closed")

// ItemKind tags what Next returned.
type ItemKind int

const (
	ItemHeaders ItemKind = iota
	ItemMessage
	ItemTrailers
)

// Item is one value yielded by RecvStream.Next.
type Item struct {
	Kind     ItemKind
	Headers  metadata.MD
	Message  []byte
	Trailers *status.Status
	Trailer  metadata.MD
}

// SendOptions controls one SendStream.Send call.
type SendOptions struct {
	// FinalMsg closes the send half after this message is written, per
	// spec §4.3's "SendOptions.final_msg = true closes the send half".
	FinalMsg bool
}

// SendStream is the write half of a call: one goroutine, normally the
// caller, pushes frames into it.
type SendStream interface {
	// Send writes one message frame. Not cancel-safe: if the call is
	// cancelled while Send is writing, the stream's state afterward is
	// undefined, per spec §4.3.
	Send(msg []byte, opts SendOptions) error
	// Close closes the send half without marking a final message, matching
	// "dropping SendStream without final_msg closes the send half implicitly".
	Close() error
}

// RecvStream is the read half of a call.
type RecvStream interface {
	// Next yields the next Item in the Headers?/Message*/Trailers sequence.
	Next(ctx context.Context) (Item, error)
	// Cancel cancels the call with status.Canceled, matching "dropping
	// RecvStream before trailers cancels the call with Cancelled".
	Cancel()
}

// Pipe is a bidirectional stream implemented with a pair of buffered
// channels, mirroring the teacher's streamImpl send/recv channel pair,
// generalized to carry typed Items instead of untyped messages in a single
// channel pair, and to include the ordering contract's Headers/Trailers
// sentinels instead of leaving message typing to reflect.Type.
type Pipe struct {
	mu        sync.Mutex
	items     chan Item
	sendErr   chan error
	closeOnce sync.Once
	closed    chan struct{}
	cancelled bool
}

// NewPipe returns a Pipe with the given item buffer depth (0 means
// unbuffered, matching HTTP/2 stream flow control riding directly on the
// channel send blocking).
func NewPipe(depth int) *Pipe {
	return &Pipe{
		items:   make(chan Item, depth),
		sendErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

// PushHeaders, PushMessage and PushTrailers are called by the stream's
// producer side (the transport reading off the wire, or a local in-process
// peer) to deposit items for Next to yield.
func (p *Pipe) PushHeaders(ctx context.Context, h metadata.MD) error {
	return p.push(ctx, Item{Kind: ItemHeaders, Headers: h})
}

func (p *Pipe) PushMessage(ctx context.Context, msg []byte) error {
	return p.push(ctx, Item{Kind: ItemMessage, Message: msg})
}

func (p *Pipe) PushTrailers(ctx context.Context, s *status.Status, trailer metadata.MD) error {
	return p.push(ctx, Item{Kind: ItemTrailers, Trailers: s, Trailer: trailer})
}

func (p *Pipe) push(ctx context.Context, item Item) error {
	select {
	case p.items <- item:
		return nil
	case <-p.closed:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next implements RecvStream.
func (p *Pipe) Next(ctx context.Context) (Item, error) {
	// Items already buffered are yielded ahead of a Close, so everything
	// pushed before Close (through Trailers) is still read in order.
	p.mu.Lock()
	cancelled := p.cancelled
	p.mu.Unlock()
	if !cancelled {
		select {
		case item := <-p.items:
			return item, nil
		default:
		}
	}
	select {
	case item, ok := <-p.items:
		if !ok {
			return Item{}, ErrStreamClosed
		}
		return item, nil
	case err := <-p.sendErr:
		return Item{}, err
	case <-p.closed:
		return Item{}, ErrStreamClosed
	case <-ctx.Done():
		return Item{}, ctx.Err()
	}
}

// Cancel marks the pipe cancelled and unblocks any pending Next/push with
// status.Canceled.
func (p *Pipe) Cancel() {
	p.mu.Lock()
	already := p.cancelled
	p.cancelled = true
	p.mu.Unlock()
	if already {
		return
	}
	select {
	case p.sendErr <- status.New(status.Canceled, "stream: receiver dropped").Err():
	default:
	}
	p.closeOnce.Do(func() { close(p.closed) })
}

// Close closes the pipe without injecting a Canceled error, for the
// "drained normally" path.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// IsClosed reports whether Close or Cancel has run.
func (p *Pipe) IsClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}
