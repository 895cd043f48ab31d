package client

import (
	"context"
	"io"

	"github.com/tailrpc/tailrpc/codec"
	"github.com/tailrpc/tailrpc/metadata"
	"github.com/tailrpc/tailrpc/status"
)

// ClientStream is the client side of a client-streaming call: many request
// messages are sent via Send, then CloseAndRecv half-closes the request
// body and reads back exactly one response message plus trailers, per spec
// §4.4's "many in, one out" shape. Built on the same true-duplex HTTP/2
// plumbing as BidiStream, just constrained to a single response message on
// the read side.
type ClientStream struct {
	pw     *io.PipeWriter
	opts   codec.Options
	respCh chan bidiResponse
	cancel context.CancelFunc
}

// ClientStream starts a client-streaming call.
func (inv *Invoker) ClientStream(ctx context.Context, method string, opts CallOptions) (*ClientStream, error) {
	httpReq, cancel, err := inv.buildRequest(ctx, method, opts)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	httpReq.Body = pr

	respCh := make(chan bidiResponse, 1)
	go func() {
		resp, err := inv.Conn.Do(httpReq)
		respCh <- bidiResponse{resp, err}
	}()

	return &ClientStream{pw: pw, opts: opts.Codec, respCh: respCh, cancel: cancel}, nil
}

// Send writes one request message onto the stream.
func (s *ClientStream) Send(msg []byte) error {
	return codec.Encode(s.pw, msg, s.opts)
}

// CloseAndRecv half-closes the request side, then reads the single response
// message and trailer, per spec §4.4.
func (s *ClientStream) CloseAndRecv() ([]byte, metadata.MD, error) {
	if err := s.pw.Close(); err != nil {
		return nil, metadata.MD{}, status.New(status.Internal, err.Error()).Err()
	}

	r := <-s.respCh
	if r.err != nil {
		return nil, metadata.MD{}, status.New(status.Unavailable, r.err.Error()).Err()
	}
	defer r.resp.Body.Close()
	if r.resp.StatusCode/100 != 2 {
		return nil, metadata.MD{}, status.FromHTTPStatus(r.resp.StatusCode).Err()
	}

	msgs, trailer, err := readFramedResponse(r.resp, s.opts)
	if err != nil {
		return nil, trailer, err
	}
	if st := status.FromTrailer(metadataGetter(trailer)); st.Code != status.OK {
		return nil, trailer, st.Err()
	}
	if len(msgs) != 1 {
		return nil, trailer, status.New(status.Internal, "client-streaming call requires exactly one response message").Err()
	}
	return msgs[0], trailer, nil
}

// Close cancels the stream and releases its resources without waiting for a
// response, per spec §4.3's "dropping before completion cancels the call."
func (s *ClientStream) Close() error {
	s.cancel()
	return s.pw.Close()
}
