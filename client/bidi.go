package client

import (
	"context"
	"io"
	"net/http"

	"github.com/tailrpc/tailrpc/codec"
	"github.com/tailrpc/tailrpc/status"
)

// BidiStream is a full-duplex call: the request body is written to
// incrementally via Send/CloseSend while the response is read concurrently
// via Recv, matching spec §4.5's BidiStreamingService shape from the
// client side. This runs over true HTTP/2 duplexing (an http2.Transport
// Conn), not the "send one, close, read stream" shape Unary/ServerStream
// use.
type BidiStream struct {
	pw     *io.PipeWriter
	opts   codec.Options
	resp   *ResponseStream
	respCh chan bidiResponse
	cancel context.CancelFunc
}

type bidiResponse struct {
	resp *http.Response
	err  error
}

// Bidi starts a bidirectional-streaming call.
func (inv *Invoker) Bidi(ctx context.Context, method string, opts CallOptions) (*BidiStream, error) {
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

	return &BidiStream{
		pw:     pw,
		opts:   opts.Codec,
		respCh: respCh,
		cancel: cancel,
	}, nil
}

// Send writes one request message onto the stream.
func (s *BidiStream) Send(msg []byte) error {
	return codec.Encode(s.pw, msg, s.opts)
}

// CloseSend half-closes the request side of the stream; the server sees
// this as end-of-stream on its RecvStream.
func (s *BidiStream) CloseSend() error {
	return s.pw.Close()
}

// Recv blocks for the response headers on the first call, then yields
// messages followed by the terminal Status, per the ResponseStream
// contract.
func (s *BidiStream) Recv() ([]byte, error) {
	if s.resp == nil {
		r := <-s.respCh
		if r.err != nil {
			return nil, status.New(status.Unavailable, r.err.Error()).Err()
		}
		if r.resp.StatusCode/100 != 2 {
			r.resp.Body.Close()
			return nil, status.FromHTTPStatus(r.resp.StatusCode).Err()
		}
		s.resp = newResponseStream(r.resp, s.opts, s.cancel)
	}
	return s.resp.Next()
}

// Close cancels the stream and releases its resources.
func (s *BidiStream) Close() error {
	s.cancel()
	_ = s.pw.Close()
	if s.resp != nil {
		return s.resp.Close()
	}
	return nil
}
