// Package grpcweb translates between HTTP/1.1 gRPC-Web requests and the
// HTTP/2 gRPC engine's own wire framing, per spec §4.9. Grounded on the
// teacher's gateway/grpcweb_framing.go (frame reader/writer, mode detection)
// and gateway/grpcweb.go (request/response rewriting, CORS), adapted from
// wrapping a Connect http.Handler to wrapping this module's server engine.
package grpcweb

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/tailrpc/tailrpc/metadata"
)

// Frame flags, per spec §3's Frame definition and §4.9 step 3.
const (
	flagData    byte = 0x00
	flagTrailer byte = 0x80

	frameHeaderSize = 5
)

// Mode is the gRPC-Web transfer encoding: raw binary, or base64 text.
type Mode int

const (
	ModeBinary Mode = iota
	ModeText
)

// DetectMode inspects a request Content-Type and reports which Mode applies.
func DetectMode(contentType string) Mode {
	if strings.Contains(contentType, "application/grpc-web-text") {
		return ModeText
	}
	return ModeBinary
}

// ContentType returns the response Content-Type for the given mode and
// whether the underlying message codec is proto or json.
func ContentType(mode Mode, codecName string) string {
	suffix := "+" + codecName
	if codecName == "" {
		suffix = ""
	}
	if mode == ModeText {
		return "application/grpc-web-text" + suffix
	}
	return "application/grpc-web" + suffix
}

// Frame is one gRPC-Web frame: a data frame carrying a message, or a
// trailer frame carrying the terminal HTTP/1-style header block.
type Frame struct {
	Flag    byte
	Payload []byte
}

// IsTrailer reports whether f is the trailer frame.
func (f Frame) IsTrailer() bool { return f.Flag == flagTrailer }

// WriteFrame appends one frame's wire bytes to w.
func WriteFrame(w io.Writer, f Frame) error {
	header := make([]byte, frameHeaderSize)
	header[0] = f.Flag
	binary.BigEndian.PutUint32(header[1:], uint32(len(f.Payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("grpcweb: write frame header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("grpcweb: write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r, or io.EOF if the stream ended cleanly at
// a frame boundary.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("grpcweb: read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[1:])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("grpcweb: read frame payload: %w", err)
		}
	}
	return Frame{Flag: header[0], Payload: payload}, nil
}

// FormatTrailer renders md as the HTTP/1-style "name:value\r\n" block used
// for the trailer frame payload — no space after the colon, so that the OK,
// no-metadata case produces exactly the 15-byte "grpc-status:0\r\n" spec §8
// requires byte-for-byte.
func FormatTrailer(md metadata.MD) []byte {
	var buf strings.Builder
	md.Range(func(key, value string) {
		buf.WriteString(key)
		buf.WriteByte(':')
		buf.WriteString(value)
		buf.WriteString("\r\n")
	})
	return []byte(buf.String())
}

// ParseTrailer parses a trailer frame payload back into metadata.
func ParseTrailer(payload []byte) metadata.MD {
	var md metadata.MD
	for _, line := range strings.Split(string(payload), "\r\n") {
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		md.Add(key, value)
	}
	return md
}

// Base64Chunker decodes a -text request body incrementally in 4-byte-aligned
// chunks, per spec §4.9 step 1: leftover bytes stay buffered across Feed
// calls, and a non-multiple-of-4 residual at Close is an error.
type Base64Chunker struct {
	pending []byte
}

// ErrMalformedBase64 is returned by Close when a non-multiple-of-4 residual
// remains, per spec §4.9's "Internal(\"malformed base64 request\")".
var ErrMalformedBase64 = fmt.Errorf("grpcweb: malformed base64 request")

// Feed decodes as many complete 4-byte base64 groups as chunk plus any
// buffered remainder contains, returning the decoded bytes.
func (c *Base64Chunker) Feed(chunk []byte) ([]byte, error) {
	c.pending = append(c.pending, chunk...)
	alignedLen := (len(c.pending) / 4) * 4
	if alignedLen == 0 {
		return nil, nil
	}
	toDecode := c.pending[:alignedLen]
	c.pending = append([]byte{}, c.pending[alignedLen:]...)

	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(toDecode)))
	n, err := base64.StdEncoding.Decode(decoded, toDecode)
	if err != nil {
		return nil, fmt.Errorf("grpcweb: decode base64: %w", err)
	}
	return decoded[:n], nil
}

// Close reports an error if a non-multiple-of-4 residual remains buffered.
func (c *Base64Chunker) Close() error {
	if len(c.pending) != 0 {
		return ErrMalformedBase64
	}
	return nil
}
