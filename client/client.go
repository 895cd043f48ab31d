// Package client implements the client-side call engine (C5): unary,
// client-streaming, server-streaming and bidi-streaming call shapes built
// on a single streaming primitive, deadline->grpc-timeout encoding, and the
// trailers-only fast path on read. Grounded on the teacher's streaming
// handler shapes (rpc/streaming.go, rpc/handler_streaming.go) inverted from
// server to client, and on parseGRPCTimeout (rpc/handler.go) run in reverse.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tailrpc/tailrpc/codec"
	"github.com/tailrpc/tailrpc/metadata"
	"github.com/tailrpc/tailrpc/status"
)

// CallOptions configures one RPC invocation.
type CallOptions struct {
	// Deadline, if non-zero, is combined with ctx's own deadline (the
	// earlier one wins) and sent as grpc-timeout, per spec §4.4.
	Deadline time.Time
	Codec    codec.Options
	Header   metadata.MD
}

// Conn is the minimal transport this package calls through: anything that
// can perform one HTTP/2 request/response/trailer exchange. *http.Client
// with an h2c or TLS http2.Transport satisfies this directly.
type Conn interface {
	Do(req *http.Request) (*http.Response, error)
}

// Invoker issues gRPC calls against a fixed base URL (scheme://authority)
// over a Conn.
type Invoker struct {
	Conn    Conn
	BaseURL string
	// UserAgent is prepended to any caller-supplied user-agent, per spec
	// §4.6's add-origin/user-agent request pipeline wrappers.
	UserAgent string
}

// NewInvoker builds an Invoker over conn for calls to baseURL.
func NewInvoker(conn Conn, baseURL string) *Invoker {
	return &Invoker{Conn: conn, BaseURL: baseURL, UserAgent: "tailrpc/1.0"}
}

// Unary performs a unary call: "send one, close, read stream", per spec §4.4.
func (inv *Invoker) Unary(ctx context.Context, method string, req []byte, opts CallOptions) ([]byte, metadata.MD, error) {
	httpReq, cancel, err := inv.buildRequest(ctx, method, opts)
	if err != nil {
		return nil, metadata.MD{}, err
	}
	defer cancel()

	var body bytes.Buffer
	if err := codec.Encode(&body, req, opts.Codec); err != nil {
		return nil, metadata.MD{}, status.New(status.Internal, err.Error()).Err()
	}
	httpReq.Body = io.NopCloser(&body)
	httpReq.ContentLength = int64(body.Len())

	resp, err := inv.Conn.Do(httpReq)
	if err != nil {
		return nil, metadata.MD{}, status.New(status.Unavailable, err.Error()).Err()
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, metadata.MD{}, status.FromHTTPStatus(resp.StatusCode).Err()
	}

	msgs, trailer, err := readFramedResponse(resp, opts.Codec)
	if err != nil {
		return nil, metadata.MD{}, err
	}
	if s := status.FromTrailer(metadataGetter(trailer)); s.Code != status.OK {
		return nil, trailer, s.Err()
	}
	if len(msgs) != 1 {
		return nil, trailer, status.New(status.Internal, "unary response carried != 1 message").Err()
	}
	return msgs[0], trailer, nil
}

// ServerStream performs a server-streaming call: one request message in,
// a stream of response messages out.
func (inv *Invoker) ServerStream(ctx context.Context, method string, req []byte, opts CallOptions) (*ResponseStream, error) {
	httpReq, cancel, err := inv.buildRequest(ctx, method, opts)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	if err := codec.Encode(&body, req, opts.Codec); err != nil {
		cancel()
		return nil, status.New(status.Internal, err.Error()).Err()
	}
	httpReq.Body = io.NopCloser(&body)
	httpReq.ContentLength = int64(body.Len())

	resp, err := inv.Conn.Do(httpReq)
	if err != nil {
		cancel()
		return nil, status.New(status.Unavailable, err.Error()).Err()
	}
	if resp.StatusCode/100 != 2 {
		cancel()
		resp.Body.Close()
		return nil, status.FromHTTPStatus(resp.StatusCode).Err()
	}
	return newResponseStream(resp, opts.Codec, cancel), nil
}

// buildRequest applies the add-origin, user-agent and grpc-timeout request
// pipeline wrappers described in spec §4.6, in that order.
func (inv *Invoker) buildRequest(ctx context.Context, method string, opts CallOptions) (*http.Request, context.CancelFunc, error) {
	ctx, cancel := withCombinedDeadline(ctx, opts.Deadline)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inv.BaseURL+method, nil)
	if err != nil {
		cancel()
		return nil, nil, status.New(status.Internal, err.Error()).Err()
	}

	req.Header.Set("Content-Type", "application/grpc+proto")
	req.Header.Set("TE", "trailers")
	ua := inv.UserAgent
	if existing := opts.Header.Values("user-agent"); len(existing) > 0 {
		ua = inv.UserAgent + " " + existing[0]
	}
	req.Header.Set("User-Agent", ua)

	if opts.Codec.Compressor != nil {
		req.Header.Set("grpc-encoding", opts.Codec.Compressor.Name())
	}
	if len(opts.Codec.AcceptedEncodings) > 0 {
		req.Header.Set("grpc-accept-encoding", joinEncodings(opts.Codec.AcceptedEncodings))
	}

	if d, ok := ctx.Deadline(); ok {
		req.Header.Set("grpc-timeout", EncodeTimeout(time.Until(d)))
	}

	metadata.ToHTTPHeader(opts.Header, req.Header)
	return req, cancel, nil
}

// withCombinedDeadline attaches the earlier of ctx's existing deadline and
// deadline (if deadline is non-zero), per spec §4.4's "the minimum of
// options.deadline and the current context's deadline".
func withCombinedDeadline(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, deadline)
}

// EncodeTimeout renders d as a grpc-timeout value: the largest unit in
// {H, M, S, m, u, n} that represents d exactly within 8 digits, per spec
// §4.4. Falls back to nanoseconds, clamped to 8 digits, if no exact larger
// unit fits.
func EncodeTimeout(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	units := []struct {
		suffix string
		unit   time.Duration
	}{
		{"H", time.Hour},
		{"M", time.Minute},
		{"S", time.Second},
		{"m", time.Millisecond},
		{"u", time.Microsecond},
	}
	for _, u := range units {
		if d%u.unit == 0 {
			v := d / u.unit
			if v <= 99999999 {
				return fmt.Sprintf("%d%s", v, u.suffix)
			}
		}
	}
	n := int64(d)
	if n > 99999999 {
		n = 99999999
	}
	return fmt.Sprintf("%dn", n)
}

func joinEncodings(accepted map[string]bool) string {
	first := true
	out := ""
	for name := range accepted {
		if !first {
			out += ","
		}
		out += name
		first = false
	}
	return out
}

func readFramedResponse(resp *http.Response, opts codec.Options) ([][]byte, metadata.MD, error) {
	dec := codec.NewDecoder(opts)
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, metadata.MD{}, status.New(status.Unavailable, err.Error()).Err()
	}
	dec.Feed(data)
	dec.Close()

	var msgs [][]byte
	for {
		msg, derr := dec.Next()
		if derr == io.EOF {
			break
		}
		if derr != nil {
			return nil, metadata.MD{}, status.New(status.Internal, derr.Error()).Err()
		}
		msgs = append(msgs, msg.Payload)
	}

	trailer := metadata.FromHTTPHeader(resp.Trailer)
	if trailer.Len() == 0 {
		trailer = metadata.FromHTTPHeader(resp.Header)
	}
	return msgs, trailer, nil
}

// metadataGetter adapts metadata.MD to status.Getter.
type metadataGetter metadata.MD

func (m metadataGetter) Get(key string) (string, bool) { return metadata.MD(m).Get(key) }
