// Package codec implements the gRPC wire framing layer: length-prefixed
// message framing and per-message compression over a byte stream of HTTP/2
// DATA frames. It does not know how to encode or decode application
// messages; that is delegated to a caller-supplied MessageCodec.
package codec

import (
	"errors"
	"fmt"
)

// MessageCodec marshals and unmarshals application messages to and from
// bytes. Concrete implementations (protobuf, flatbuffers, ...) are external
// collaborators; this package only ever sees the resulting byte slices.
type MessageCodec interface {
	// Name identifies the codec on the wire, e.g. "proto", "json".
	Name() string
	Marshal(msg any) ([]byte, error)
	Unmarshal(data []byte, msg any) error
}

// Compressor implements one per-message compression algorithm.
type Compressor interface {
	// Name is the value advertised in grpc-encoding / grpc-accept-encoding.
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Options configures an Encoder/Decoder pair for one call.
type Options struct {
	// Compressor, if non-nil, is applied to outbound messages that meet
	// CompressionFloor. Nil means identity encoding.
	Compressor Compressor
	// CompressionFloor is the minimum marshaled message size, in bytes,
	// before compression is attempted. See spec §4.1 step 3.
	CompressionFloor int
	// DisableCompression overrides Compressor for a single message, per
	// spec §4.1's "disable_compression" override.
	DisableCompression bool
	// AcceptedEncodings lists the compression names this peer advertised
	// via grpc-accept-encoding; used by the Decoder to reject an encoding
	// it never offered to accept.
	AcceptedEncodings map[string]bool
}

// DefaultOptions returns framing options with no compression.
func DefaultOptions() Options {
	return Options{CompressionFloor: 0}
}

// errUnsupportedEncoding is returned by Decoder when the peer used a
// compression flag the receiver never advertised. Matches spec §4.1.
type errUnsupportedEncoding struct{ name string }

func (e *errUnsupportedEncoding) Error() string {
	return fmt.Sprintf("Content is compressed with `%s` which isn't supported", e.name)
}

// UnsupportedEncoding reports the encoding name an Unimplemented decode
// failure was caused by, or ("", false) for any other error.
func UnsupportedEncoding(err error) (string, bool) {
	var e *errUnsupportedEncoding
	if !errors.As(err, &e) {
		return "", false
	}
	return e.name, true
}
