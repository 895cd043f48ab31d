package xdsclient

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/tailrpc/tailrpc/client"
	"github.com/tailrpc/tailrpc/status"
	"github.com/tailrpc/tailrpc/transport"
)

// Options configures a Transport.
type Options struct {
	// Invoker issues the bidi call to the management server.
	Invoker *client.Invoker
	// Method is the ADS RPC path, e.g.
	// "/envoy.service.discovery.v3.AggregatedDiscoveryService/StreamAggregatedResources".
	Method string
	// NodeID identifies this client to the management server.
	NodeID string
	// Backoff overrides the default reconnect backoff (1s/120s/1.6/0.2).
	Backoff *transport.Backoff
	// StreamErrorHandler is invoked (inline, must not block) whenever the
	// ADS stream breaks.
	StreamErrorHandler func(error)
}

// resourceRequest is a watch-table update that must be reflected in an
// outgoing DiscoveryRequest, grounded on the teacher's resourceRequest.
type resourceRequest struct {
	url       string
	resources []string
}

// ackRequest is an ACK/NACK to send for a just-processed response,
// grounded on the teacher's ackRequest.
type ackRequest struct {
	url     string
	version string
	nonce   string
	nackErr error
	stream  *client.BidiStream
}

// Transport owns the single ADS stream to one management server and the
// watch table driving it, per spec §4.11. Grounded directly on
// _examples/YourFantasy-grpc-go/xds/internal/xdsclient/transport/transport.go.
type Transport struct {
	inv        *client.Invoker
	method     string
	nodeID     string
	backoff    *transport.Backoff
	errHandler func(error)

	streamCh  chan *client.BidiStream
	requestCh *unboundedQueue

	mu        sync.Mutex
	resources map[string]map[string]bool // type_url -> subscribed names
	versions  map[string]string          // type_url -> last ACKed version
	nonces    map[string]string          // type_url -> last received nonce
	watchers  map[string]map[string]*watcher
	decoders  map[string]Decoder

	runnerCancel context.CancelFunc
	runnerDone   chan struct{}
}

type watcher struct {
	id   string
	ch   chan Event
	name string
}

// New starts a Transport and its background ADS runner.
func New(opts Options) (*Transport, error) {
	if opts.Invoker == nil || opts.Method == "" {
		return nil, status.New(status.Internal, "xdsclient: missing invoker or method").Err()
	}
	boff := opts.Backoff
	if boff == nil {
		boff = transport.NewBackoff(transport.DefaultBackoffConfig())
	}
	errHandler := opts.StreamErrorHandler
	if errHandler == nil {
		errHandler = func(error) {}
	}

	t := &Transport{
		inv:        opts.Invoker,
		method:     opts.Method,
		nodeID:     opts.NodeID,
		backoff:    boff,
		errHandler: errHandler,

		streamCh:  make(chan *client.BidiStream, 1),
		requestCh: newUnboundedQueue(),

		resources: make(map[string]map[string]bool),
		versions:  make(map[string]string),
		nonces:    make(map[string]string),
		watchers:  make(map[string]map[string]*watcher),
		decoders:  make(map[string]Decoder),

		runnerDone: make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.runnerCancel = cancel
	go t.adsRunner(ctx)
	return t, nil
}

// RegisterDecoder associates a Decoder with a resource type URL.
func (t *Transport) RegisterDecoder(typeURL string, dec Decoder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.decoders[typeURL] = dec
}

// Watch subscribes to one named resource of typeURL, per spec §4.11's
// subscribe flow: "allocates a watcher_id, opens a per-watch MPSC, sends a
// Watch command to the worker." Returns the watcher id, its event channel,
// and a cancel func equivalent to Unwatch.
func (t *Transport) Watch(typeURL, name string) (string, <-chan Event, func()) {
	id := uuid.NewString()
	ch := make(chan Event, 8)

	t.mu.Lock()
	names, ok := t.resources[typeURL]
	if !ok {
		names = make(map[string]bool)
		t.resources[typeURL] = names
	}
	names[name] = true

	byName, ok := t.watchers[typeURL]
	if !ok {
		byName = make(map[string]*watcher)
		t.watchers[typeURL] = byName
	}
	byName[id] = &watcher{id: id, ch: ch, name: name}

	all := mapToSlice(names)
	t.mu.Unlock()

	t.requestCh.put(&resourceRequest{url: typeURL, resources: all})

	cancel := func() { t.unwatch(typeURL, id, name) }
	return id, ch, cancel
}

// unwatch implements spec §4.11's "Unwatch{watcher_id} removes the
// watcher; if it was the last watcher for (type_url, name), the next
// request for that type omits the name."
func (t *Transport) unwatch(typeURL, id, name string) {
	t.mu.Lock()
	if byName, ok := t.watchers[typeURL]; ok {
		delete(byName, id)
	}
	stillWatched := false
	for _, w := range t.watchers[typeURL] {
		if w.name == name {
			stillWatched = true
			break
		}
	}
	if !stillWatched {
		delete(t.resources[typeURL], name)
	}
	all := mapToSlice(t.resources[typeURL])
	t.mu.Unlock()

	t.requestCh.put(&resourceRequest{url: typeURL, resources: all})
}

// Close tears down the ADS stream and its goroutines.
func (t *Transport) Close() {
	t.runnerCancel()
	<-t.runnerDone
}

// adsRunner opens ADS streams and backs off exponentially between failed
// attempts, per spec §4.11's "On error: ... wait one backoff interval
// (exponential per §4.6), then reopen." Grounded on the teacher's
// adsRunner/send/recv split.
func (t *Transport) adsRunner(ctx context.Context) {
	defer close(t.runnerDone)

	go t.send(ctx)

	timer := time.NewTimer(0)
	for ctx.Err() == nil {
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}

		receivedAny := func() bool {
			stream, err := t.inv.Bidi(ctx, t.method, client.CallOptions{})
			if err != nil {
				t.errHandler(err)
				return false
			}

			select {
			case <-t.streamCh:
			default:
			}
			t.streamCh <- stream

			return t.recv(ctx, stream)
		}()

		if receivedAny {
			timer.Reset(0)
			t.backoff.Reset()
		} else {
			timer.Reset(t.backoff.Next())
		}
	}
}

// send relays queued resource/ack requests onto whichever stream is
// currently live, re-sending the full subscription table whenever a new
// stream replaces a broken one.
func (t *Transport) send(ctx context.Context) {
	var stream *client.BidiStream
	for {
		select {
		case <-ctx.Done():
			return
		case stream = <-t.streamCh:
			if !t.sendExisting(stream) {
				stream = nil
			}
		case u := <-t.requestCh.get():
			t.requestCh.load()

			var (
				resources           []string
				url, version, nonce string
				send                = true
				nackErr             error
			)
			switch req := u.(type) {
			case *resourceRequest:
				resources, url, version, nonce = t.processResourceRequest(req)
			case *ackRequest:
				if req.stream != stream {
					continue
				}
				resources, url, version, nonce, send = t.processAckRequest(req)
				nackErr = req.nackErr
			}
			if !send || stream == nil {
				continue
			}
			if err := t.sendRequest(stream, resources, url, version, nonce, nackErr); err != nil {
				stream = nil
			}
		}
	}
}

func (t *Transport) sendExisting(stream *client.BidiStream) bool {
	t.mu.Lock()
	t.nonces = make(map[string]string)
	resources := make(map[string][]string, len(t.resources))
	versions := make(map[string]string, len(t.versions))
	for url, names := range t.resources {
		resources[url] = mapToSlice(names)
		versions[url] = t.versions[url]
	}
	t.mu.Unlock()

	for url, names := range resources {
		if len(names) == 0 {
			continue
		}
		if err := t.sendRequest(stream, names, url, versions[url], "", nil); err != nil {
			return false
		}
	}
	return true
}

func (t *Transport) sendRequest(stream *client.BidiStream, resources []string, url, version, nonce string, nackErr error) error {
	req := &DiscoveryRequest{
		Node:          t.nodeID,
		TypeURL:       url,
		ResourceNames: resources,
		VersionInfo:   version,
		ResponseNonce: nonce,
	}
	if nackErr != nil {
		req.ErrorDetail = &ErrorDetail{Message: nackErr.Error()}
	}
	data, err := marshalRequest(req)
	if err != nil {
		return err
	}
	return stream.Send(data)
}

func (t *Transport) processResourceRequest(req *resourceRequest) ([]string, string, string, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resources[req.url] = sliceToMap(req.resources)
	return req.resources, req.url, t.versions[req.url], t.nonces[req.url]
}

func (t *Transport) processAckRequest(ack *ackRequest) ([]string, string, string, string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nonces[ack.url] = ack.nonce

	names, ok := t.resources[ack.url]
	if !ok || len(names) == 0 {
		return nil, "", "", "", false
	}
	resources := mapToSlice(names)
	if ack.nackErr == nil {
		t.versions[ack.url] = ack.version
	}
	// On NACK, echo the last accepted version_info rather than the
	// rejected one, per the ADS protocol's ACK/NACK contract.
	return resources, ack.url, t.versions[ack.url], ack.nonce, true
}

// recv reads DiscoveryResponses until the stream errors or closes, per
// spec §4.11's response flow, and reports true if at least one response
// was received (used by adsRunner to decide whether to reset backoff).
func (t *Transport) recv(ctx context.Context, stream *client.BidiStream) bool {
	received := false
	for {
		raw, err := stream.Recv()
		if err != nil {
			t.closeAllWatchers(err)
			if err != io.EOF {
				t.errHandler(err)
			}
			return received
		}
		received = true

		resp, err := unmarshalResponse(raw)
		if err != nil {
			t.errHandler(fmt.Errorf("xdsclient: malformed response: %w", err))
			continue
		}
		t.handleResponse(stream, resp)
	}
}

// handleResponse implements spec §4.11's per-resource dispatch: decode
// each resource, deliver ResourceChanged to its watchers, detect deletions
// for state-of-the-world types, and queue exactly one ACK/NACK for the
// whole response once every notified watcher's Done has fired.
func (t *Transport) handleResponse(stream *client.BidiStream, resp *DiscoveryResponse) {
	t.mu.Lock()
	dec, hasDecoder := t.decoders[resp.TypeURL]
	subscribed := mapToSlice(t.resources[resp.TypeURL])
	watchersByName := make(map[string][]*watcher)
	for _, w := range t.watchers[resp.TypeURL] {
		watchersByName[w.name] = append(watchersByName[w.name], w)
	}
	t.mu.Unlock()

	seen := make(map[string]bool, len(resp.Resources))
	var nackErrs error

	recipients := 0
	for _, rr := range resp.Resources {
		recipients += len(watchersByName[rr.Name])
	}
	for _, name := range subscribed {
		if _, present := seenInResponse(resp, name); !present {
			recipients += len(watchersByName[name])
		}
	}

	group := newDoneGroup(recipients, func() {
		nackErr := nackErrs
		t.requestCh.put(&ackRequest{url: resp.TypeURL, version: resp.VersionInfo, nonce: resp.Nonce, nackErr: nackErr, stream: stream})
	})
	if recipients == 0 {
		group.release()
	}

	for _, rr := range resp.Resources {
		seen[rr.Name] = true
		ws := watchersByName[rr.Name]
		if len(ws) == 0 {
			continue
		}
		var decoded any
		var decErr error
		if hasDecoder {
			decoded, decErr = dec(rr.Raw)
		} else {
			decErr = fmt.Errorf("xdsclient: no decoder registered for %s", resp.TypeURL)
		}
		for _, w := range ws {
			done := group.handle()
			if decErr != nil {
				nackErrs = multierr.Append(nackErrs, decErr)
				w.ch <- ResourceChanged{Err: &ResourceError{Kind: ErrValidation, Err: decErr}, Done: done}
				continue
			}
			w.ch <- ResourceChanged{Resource: decoded, Done: done}
		}
	}

	for _, name := range subscribed {
		if seen[name] {
			continue
		}
		for _, w := range watchersByName[name] {
			done := group.handle()
			w.ch <- ResourceChanged{Err: &ResourceError{Kind: ErrResourceDoesNotExist}, Done: done}
		}
	}
}

func seenInResponse(resp *DiscoveryResponse, name string) (RawResource, bool) {
	for _, rr := range resp.Resources {
		if rr.Name == name {
			return rr, true
		}
	}
	return RawResource{}, false
}

// closeAllWatchers delivers a final AmbientError to every registered
// watcher, per spec §4.11's "On error: close all per-watcher channels with
// a final AmbientError."
func (t *Transport) closeAllWatchers(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, byName := range t.watchers {
		for _, w := range byName {
			w.ch <- AmbientError{Err: err, Done: newDone(func() {})}
		}
	}
}

func mapToSlice(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func sliceToMap(ss []string) map[string]bool {
	out := make(map[string]bool, len(ss))
	for _, s := range ss {
		out[s] = true
	}
	return out
}
