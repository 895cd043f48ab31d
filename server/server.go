// Package server implements the server-side call engine (C6): method
// dispatch, the four streaming-shape handler traits, the grpc-timeout
// deadline, the trailers-only fast path, and auto-encoding. Grounded on the
// teacher's Service.handleGRPCRequest/parseGRPCTimeout (rpc/handler.go) and
// its streaming handler shapes (rpc/streaming.go), generalized from one
// fixed hyperpb message type to raw []byte message payloads.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tailrpc/tailrpc/codec"
	"github.com/tailrpc/tailrpc/metadata"
	"github.com/tailrpc/tailrpc/status"
	"github.com/tailrpc/tailrpc/stream"
)

// UnaryHandler handles a unary RPC: exactly one request message in, one
// response message out.
type UnaryHandler func(ctx context.Context, req []byte, md metadata.MD) (resp []byte, trailer metadata.MD, err error)

// ClientStreamHandler handles a client-streaming RPC: many request messages
// in (via RecvStream), one response message out.
type ClientStreamHandler func(ctx context.Context, in stream.RecvStream, md metadata.MD) (resp []byte, trailer metadata.MD, err error)

// ServerStreamHandler handles a server-streaming RPC: one request message
// in, many response messages out (via SendStream).
type ServerStreamHandler func(ctx context.Context, req []byte, md metadata.MD, out stream.SendStream) (trailer metadata.MD, err error)

// BidiStreamHandler handles a fully bidirectional RPC.
type BidiStreamHandler func(ctx context.Context, in stream.RecvStream, md metadata.MD, out stream.SendStream) (trailer metadata.MD, err error)

// methodKind tags which of the four handler shapes a registered method uses.
type methodKind int

const (
	kindUnary methodKind = iota
	kindClientStream
	kindServerStream
	kindBidiStream
)

type registeredMethod struct {
	kind         methodKind
	unary        UnaryHandler
	clientStream ClientStreamHandler
	serverStream ServerStreamHandler
	bidiStream   BidiStreamHandler
}

// Router dispatches `/Service/Method` paths to registered handlers, per
// spec §4.5's "look up the method path in a route table populated by
// add_service calls."
type Router struct {
	methods map[string]*registeredMethod

	// Codecs configures the compressors this server accepts and may choose
	// for auto-encoding, per spec §4.5's accept_compressed/auto_encoding.
	Codecs *codec.Registry
	// AutoEncoding, when true, matches the response encoding to the first
	// mutually-supported entry in the client's grpc-accept-encoding.
	AutoEncoding bool
	// Interceptor, if set, wraps every unary call's handler invocation.
	Interceptor UnaryInterceptor
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{methods: make(map[string]*registeredMethod), Codecs: codec.NewRegistry()}
}

// AddUnary registers a unary method handler under path (e.g. "/echo.Echo/UnaryEcho").
func (r *Router) AddUnary(path string, h UnaryHandler) {
	r.methods[path] = &registeredMethod{kind: kindUnary, unary: h}
}

// AddClientStream registers a client-streaming method handler.
func (r *Router) AddClientStream(path string, h ClientStreamHandler) {
	r.methods[path] = &registeredMethod{kind: kindClientStream, clientStream: h}
}

// AddServerStream registers a server-streaming method handler.
func (r *Router) AddServerStream(path string, h ServerStreamHandler) {
	r.methods[path] = &registeredMethod{kind: kindServerStream, serverStream: h}
}

// AddBidiStream registers a bidirectional-streaming method handler.
func (r *Router) AddBidiStream(path string, h BidiStreamHandler) {
	r.methods[path] = &registeredMethod{kind: kindBidiStream, bidiStream: h}
}

// ServeHTTP implements the HTTP/2 gRPC engine entrypoint. It expects to run
// behind an h2c/TLS HTTP/2 server, per spec §4.6/§4.9's "HTTP/2 gRPC engine".
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	method, ok := r.methods[req.URL.Path]
	if !ok {
		r.writeTrailersOnly(w, status.New(status.Unimplemented, fmt.Sprintf("unknown method %s", req.URL.Path)))
		return
	}

	ctx, cancel := r.deadlineContext(req)
	defer cancel()

	if err, ok := timeoutError(ctx); ok {
		r.writeTrailersOnly(w, asStatus(err))
		return
	}

	reqMD := metadata.FromHTTPHeader(req.Header)
	opts := r.codecOptions(req.Header)

	w.Header().Set("Content-Type", "application/grpc+proto")

	switch method.kind {
	case kindUnary:
		r.serveUnary(ctx, w, req, req.URL.Path, method.unary, reqMD, opts)
	case kindClientStream:
		r.serveClientStream(ctx, w, req, method.clientStream, reqMD, opts)
	case kindServerStream:
		r.serveServerStream(ctx, w, req, method.serverStream, reqMD, opts)
	case kindBidiStream:
		r.serveBidiStream(ctx, w, req, method.bidiStream, reqMD, opts)
	}
}

// deadlineContext parses grpc-timeout per spec §4.5: up to 8 digits plus a
// unit in {H,M,S,m,u,n}; anything else rejects the stream with Internal.
func (r *Router) deadlineContext(req *http.Request) (context.Context, context.CancelFunc) {
	raw := req.Header.Get("grpc-timeout")
	if raw == "" {
		ctx, cancel := context.WithCancel(req.Context())
		return ctx, cancel
	}
	d, err := ParseTimeout(raw)
	if err != nil {
		ctx, cancel := context.WithCancel(req.Context())
		return context.WithValue(ctx, timeoutErrKey{}, err), cancel
	}
	return context.WithTimeout(req.Context(), d)
}

type timeoutErrKey struct{}

// timeoutError reports the error deadlineContext stashed on ctx when
// grpc-timeout failed to parse, per spec §4.5's "anything else rejects the
// stream with Internal."
func timeoutError(ctx context.Context) (error, bool) {
	err, ok := ctx.Value(timeoutErrKey{}).(error)
	return err, ok
}

// ParseTimeout parses a grpc-timeout header value: up to 8 digits followed
// by one of H, M, S, m, u, n. Grounded on the teacher's parseGRPCTimeout
// (rpc/handler.go), tightened to the spec's 8-digit limit and an Internal
// rejection on malformed input instead of a generic error.
func ParseTimeout(raw string) (time.Duration, error) {
	if len(raw) < 2 || len(raw) > 9 {
		return 0, status.New(status.Internal, "malformed grpc-timeout").Err()
	}
	digits := raw[:len(raw)-1]
	if len(digits) > 8 {
		return 0, status.New(status.Internal, "grpc-timeout exceeds 8 digits").Err()
	}
	value, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, status.New(status.Internal, "malformed grpc-timeout").Err()
	}
	switch raw[len(raw)-1] {
	case 'H':
		return time.Duration(value) * time.Hour, nil
	case 'M':
		return time.Duration(value) * time.Minute, nil
	case 'S':
		return time.Duration(value) * time.Second, nil
	case 'm':
		return time.Duration(value) * time.Millisecond, nil
	case 'u':
		return time.Duration(value) * time.Microsecond, nil
	case 'n':
		return time.Duration(value), nil
	default:
		return 0, status.New(status.Internal, "unknown grpc-timeout unit").Err()
	}
}

// codecOptions builds framing Options from the request's grpc-encoding /
// grpc-accept-encoding headers and this router's compressor registry.
func (r *Router) codecOptions(h http.Header) codec.Options {
	opts := codec.DefaultOptions()
	opts.AcceptedEncodings = map[string]bool{}
	for _, name := range r.Codecs.Names() {
		opts.AcceptedEncodings[name] = true
	}
	if enc := h.Get("grpc-encoding"); enc != "" {
		if c, ok := r.Codecs.Get(enc); ok {
			opts.Compressor = c
		}
	}
	if r.AutoEncoding {
		if accept := h.Get("grpc-accept-encoding"); accept != "" {
			for _, name := range strings.Split(accept, ",") {
				name = strings.TrimSpace(name)
				if c, ok := r.Codecs.Get(name); ok {
					opts.Compressor = c
					break
				}
			}
		}
	}
	return opts
}

// writeTrailersOnly collapses headers and trailers into a single HEADERS
// frame, per spec §4.5's trailers-only fast path.
func (r *Router) writeTrailersOnly(w http.ResponseWriter, s *status.Status) {
	w.Header().Set("Content-Type", "application/grpc+proto")
	s.ToTrailer(headerSetter{w.Header()})
	w.WriteHeader(http.StatusOK)
}

// headerSetter adapts http.Header to status.Setter.
type headerSetter struct{ h http.Header }

func (h headerSetter) Set(key, value string) { h.h.Set(key, value) }

func (r *Router) serveUnary(ctx context.Context, w http.ResponseWriter, req *http.Request, path string, h UnaryHandler, md metadata.MD, opts codec.Options) {
	body, err := readAllFrames(ctx, req.Body, opts)
	if err != nil {
		r.writeTrailersOnly(w, asStatus(err))
		return
	}
	if len(body) != 1 {
		r.writeTrailersOnly(w, status.New(status.Internal, "unary call requires exactly one request message"))
		return
	}

	invoke := UnaryInvoker(func(ctx context.Context, req []byte, md metadata.MD) ([]byte, metadata.MD, error) { return h(ctx, req, md) })
	if r.Interceptor != nil {
		base := invoke
		invoke = func(ctx context.Context, req []byte, md metadata.MD) ([]byte, metadata.MD, error) {
			return r.Interceptor(ctx, path, req, md, base)
		}
	}
	resp, trailer, err := runWithDeadline(ctx, func() ([]byte, metadata.MD, error) { return invoke(ctx, body[0], md) })
	r.finishUnary(w, resp, trailer, err, opts)
}

func (r *Router) serveServerStream(ctx context.Context, w http.ResponseWriter, req *http.Request, h ServerStreamHandler, md metadata.MD, opts codec.Options) {
	body, err := readAllFrames(ctx, req.Body, opts)
	if err != nil {
		r.writeTrailersOnly(w, asStatus(err))
		return
	}
	if len(body) != 1 {
		r.writeTrailersOnly(w, status.New(status.Internal, "server-streaming call requires exactly one request message"))
		return
	}

	out := &httpSendStream{w: w, opts: opts}
	w.WriteHeader(http.StatusOK)

	trailer, err := runStreamWithDeadline(ctx, func() (metadata.MD, error) { return h(ctx, body[0], md, out) })
	r.finishStreaming(w, trailer, err)
}

func (r *Router) serveClientStream(ctx context.Context, w http.ResponseWriter, req *http.Request, h ClientStreamHandler, md metadata.MD, opts codec.Options) {
	in := newRequestRecvStream(ctx, req.Body, opts)
	resp, trailer, err := runWithDeadline(ctx, func() ([]byte, metadata.MD, error) { return h(ctx, in, md) })
	r.finishUnary(w, resp, trailer, err, opts)
}

func (r *Router) serveBidiStream(ctx context.Context, w http.ResponseWriter, req *http.Request, h BidiStreamHandler, md metadata.MD, opts codec.Options) {
	in := newRequestRecvStream(ctx, req.Body, opts)
	out := &httpSendStream{w: w, opts: opts}
	w.WriteHeader(http.StatusOK)

	trailer, err := runStreamWithDeadline(ctx, func() (metadata.MD, error) { return h(ctx, in, md, out) })
	r.finishStreaming(w, trailer, err)
}

func (r *Router) finishUnary(w http.ResponseWriter, resp []byte, trailer metadata.MD, err error, opts codec.Options) {
	if err != nil {
		r.writeTrailersOnly(w, asStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
	if writeErr := codec.Encode(w, resp, opts); writeErr != nil {
		return
	}
	writeTrailers(w, status.New(status.OK, ""), trailer)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *Router) finishStreaming(w http.ResponseWriter, trailer metadata.MD, err error) {
	s := status.New(status.OK, "")
	if err != nil {
		s = asStatus(err)
	}
	writeTrailers(w, s, trailer)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// writeTrailers writes the terminal status and application trailer
// metadata using Go's http.TrailerPrefix convention, which works for HTTP/2
// and chunked HTTP/1.1 alike without requiring the trailer key set to be
// known before the body is written.
func writeTrailers(w http.ResponseWriter, s *status.Status, trailer metadata.MD) {
	s.WithMetadata(trailer).ToTrailer(trailerSetter{w.Header()})
}

// trailerSetter adapts http.Header to status.Setter, prefixing every key
// with http.TrailerPrefix so it is sent as a response trailer.
type trailerSetter struct{ h http.Header }

func (t trailerSetter) Set(key, value string) { t.h.Set(http.TrailerPrefix+key, value) }

func asStatus(err error) *status.Status {
	s, _ := status.FromError(err)
	return s
}

// runWithDeadline races fn against ctx's deadline, per spec §4.5: "when it
// elapses mid-handler, the handler's future is cancelled and the response
// is completed with DeadlineExceeded."
func runWithDeadline(ctx context.Context, fn func() ([]byte, metadata.MD, error)) ([]byte, metadata.MD, error) {
	type result struct {
		resp    []byte
		trailer metadata.MD
		err     error
	}
	done := make(chan result, 1)
	go func() {
		resp, trailer, err := fn()
		done <- result{resp, trailer, err}
	}()
	select {
	case r := <-done:
		return r.resp, r.trailer, r.err
	case <-ctx.Done():
		return nil, metadata.MD{}, status.New(status.DeadlineExceeded, "deadline exceeded").Err()
	}
}

func runStreamWithDeadline(ctx context.Context, fn func() (metadata.MD, error)) (metadata.MD, error) {
	type result struct {
		trailer metadata.MD
		err     error
	}
	done := make(chan result, 1)
	go func() {
		trailer, err := fn()
		done <- result{trailer, err}
	}()
	select {
	case r := <-done:
		return r.trailer, r.err
	case <-ctx.Done():
		return metadata.MD{}, status.New(status.DeadlineExceeded, "deadline exceeded").Err()
	}
}

// readAllFrames decodes every message frame in body up front; used for the
// unary/server-streaming "send one, close, read stream" shapes where the
// server expects exactly one request message.
func readAllFrames(ctx context.Context, body io.Reader, opts codec.Options) ([][]byte, error) {
	dec := codec.NewDecoder(opts)
	buf := make([]byte, 32*1024)
	var out [][]byte
	for {
		n, err := body.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if err == io.EOF {
			dec.Close()
			break
		}
		if err != nil {
			return nil, status.New(status.Internal, err.Error()).Err()
		}
		for {
			msg, nerr := dec.Next()
			if nerr == codec.ErrPending {
				break
			}
			if nerr == io.EOF {
				return out, nil
			}
			if nerr != nil {
				if name, ok := codec.UnsupportedEncoding(nerr); ok {
					return nil, status.Newf(status.Unimplemented, "Content is compressed with `%s` which isn't supported", name).Err()
				}
				return nil, status.New(status.Internal, nerr.Error()).Err()
			}
			out = append(out, msg.Payload)
		}
	}
	for {
		msg, nerr := dec.Next()
		if nerr == io.EOF {
			break
		}
		if nerr != nil {
			return nil, status.New(status.Internal, nerr.Error()).Err()
		}
		out = append(out, msg.Payload)
	}
	return out, nil
}

// httpSendStream implements stream.SendStream by writing framed messages
// directly onto the live HTTP/2 response, flushing each one so that
// server-streaming responses are delivered incrementally.
type httpSendStream struct {
	w      http.ResponseWriter
	opts   codec.Options
	closed bool
}

func (s *httpSendStream) Send(msg []byte, _ stream.SendOptions) error {
	if s.closed {
		return status.New(status.Internal, "send on closed stream").Err()
	}
	if err := codec.Encode(s.w, msg, s.opts); err != nil {
		return err
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (s *httpSendStream) Close() error {
	s.closed = true
	return nil
}

// requestRecvStream adapts an incoming request body into stream.RecvStream
// for client-streaming and bidi handlers, decoding frames lazily as the
// handler calls Next.
type requestRecvStream struct {
	ctx  context.Context
	body io.Reader
	dec  *codec.Decoder
	buf  []byte
	eof  bool
}

func newRequestRecvStream(ctx context.Context, body io.Reader, opts codec.Options) *requestRecvStream {
	return &requestRecvStream{ctx: ctx, body: body, dec: codec.NewDecoder(opts), buf: make([]byte, 32*1024)}
}

func (s *requestRecvStream) Next(ctx context.Context) (stream.Item, error) {
	for {
		msg, err := s.dec.Next()
		if err == nil {
			return stream.Item{Kind: stream.ItemMessage, Message: msg.Payload}, nil
		}
		if err == io.EOF {
			return stream.Item{Kind: stream.ItemTrailers, Trailers: status.New(status.OK, "")}, nil
		}
		if err != codec.ErrPending {
			return stream.Item{}, status.New(status.Internal, err.Error()).Err()
		}
		if s.eof {
			s.dec.Close()
			continue
		}
		n, rerr := s.body.Read(s.buf)
		if n > 0 {
			s.dec.Feed(s.buf[:n])
		}
		if rerr == io.EOF {
			s.eof = true
			continue
		}
		if rerr != nil {
			return stream.Item{}, status.New(status.Internal, rerr.Error()).Err()
		}
	}
}

func (s *requestRecvStream) Cancel() {}
