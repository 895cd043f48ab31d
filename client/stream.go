package client

import (
	"context"
	"io"
	"net/http"

	"github.com/tailrpc/tailrpc/codec"
	"github.com/tailrpc/tailrpc/metadata"
	"github.com/tailrpc/tailrpc/status"
)

// ResponseStream is the client's read side of a server-streaming or
// bidi-streaming call: successive Next calls yield message payloads; once
// the body ends, one Next returns the terminal Status as its error (nil,
// nil for OK), and any later Next returns an Internal error.
type ResponseStream struct {
	resp   *http.Response
	dec    *codec.Decoder
	buf    []byte
	cancel context.CancelFunc
	done   bool
}

func newResponseStream(resp *http.Response, opts codec.Options, cancel context.CancelFunc) *ResponseStream {
	return &ResponseStream{resp: resp, dec: codec.NewDecoder(opts), buf: make([]byte, 32*1024), cancel: cancel}
}

// Next reads the next message, or returns the call's terminal Status once
// the body and trailers have been fully consumed.
func (s *ResponseStream) Next() ([]byte, error) {
	if s.done {
		return nil, status.New(status.Internal, "stream: read past trailers").Err()
	}
	for {
		msg, err := s.dec.Next()
		if err == nil {
			return msg.Payload, nil
		}
		if err == io.EOF {
			s.done = true
			trailer := metadata.FromHTTPHeader(s.resp.Trailer)
			if trailer.Len() == 0 {
				trailer = metadata.FromHTTPHeader(s.resp.Header)
			}
			st := status.FromTrailer(metadataGetter(trailer))
			return nil, st.Err()
		}
		if err != codec.ErrPending {
			return nil, status.New(status.Internal, err.Error()).Err()
		}
		n, rerr := s.resp.Body.Read(s.buf)
		if n > 0 {
			s.dec.Feed(s.buf[:n])
		}
		if rerr == io.EOF {
			s.dec.Close()
			continue
		}
		if rerr != nil {
			return nil, status.New(status.Unavailable, rerr.Error()).Err()
		}
	}
}

// Cancel drops the call, per spec §4.3's "dropping RecvStream before
// trailers cancels the call with Cancelled."
func (s *ResponseStream) Cancel() {
	if !s.done {
		s.cancel()
		_ = s.resp.Body.Close()
	}
}

// Close releases the underlying connection once the stream has been fully
// drained.
func (s *ResponseStream) Close() error {
	s.cancel()
	return s.resp.Body.Close()
}
