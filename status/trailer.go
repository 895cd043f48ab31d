package status

import (
	"encoding/base64"
	"net/url"
	"strconv"
)

// Trailer header names, per spec §4.2.
const (
	HeaderStatus  = "grpc-status"
	HeaderMessage = "grpc-message"
	HeaderDetails = "grpc-status-details-bin"
)

// Getter is the minimal read side of a metadata store, satisfied by
// metadata.MD.
type Getter interface {
	Get(key string) (string, bool)
}

// Setter is the minimal write side of a metadata store, satisfied by
// metadata.MD.
type Setter interface {
	Set(key, value string)
}

// ToTrailer writes s onto a trailer metadata block: grpc-status always,
// grpc-message when non-empty (percent-encoded per RFC 3986 so that control
// bytes and non-ASCII survive as a header value), grpc-status-details-bin
// when details are present, and finally every entry of s.Metadata (the
// application-level trailer metadata the call produced).
func (s *Status) ToTrailer(set Setter) {
	set.Set(HeaderStatus, strconv.FormatUint(uint64(s.Code), 10))
	if s.Message != "" {
		set.Set(HeaderMessage, percentEncode(s.Message))
	}
	if len(s.Details) > 0 {
		set.Set(HeaderDetails, base64.RawStdEncoding.EncodeToString(marshalDetails(s.Details)))
	}
	s.Metadata.Range(func(key, value string) {
		set.Set(key, value)
	})
}

// FromTrailer reads a Status back out of a trailer metadata block. Per spec
// §4.2's invariant, an absent grpc-status maps to Unknown.
func FromTrailer(get Getter) *Status {
	raw, ok := get.Get(HeaderStatus)
	if !ok {
		return New(Unknown, "")
	}
	code, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return New(Unknown, "malformed grpc-status")
	}
	s := New(Code(code), "")
	if msg, ok := get.Get(HeaderMessage); ok {
		if decoded, err := percentDecode(msg); err == nil {
			s.Message = decoded
		} else {
			s.Message = msg
		}
	}
	if enc, ok := get.Get(HeaderDetails); ok {
		if raw, err := base64.RawStdEncoding.DecodeString(enc); err == nil {
			s.Details = unmarshalDetails(raw)
		}
	}
	return s
}

// percentEncode follows grpc's Percent-Encoding for grpc-message: encode
// every byte outside the printable-ASCII-minus-percent range, plus '%'
// itself, as %XX.
func percentEncode(s string) string {
	needsEncoding := false
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b < 0x20 || b > 0x7E || b == '%' {
			needsEncoding = true
			break
		}
	}
	if !needsEncoding {
		return s
	}
	const hexDigits = "0123456789ABCDEF"
	out := make([]byte, 0, len(s)+8)
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b < 0x20 || b > 0x7E || b == '%' {
			out = append(out, '%', hexDigits[b>>4], hexDigits[b&0x0F])
		} else {
			out = append(out, b)
		}
	}
	return string(out)
}

func percentDecode(s string) (string, error) {
	return url.PathUnescape(s)
}

// marshalDetails encodes a details slice as a minimal length-prefixed
// framing: this package does not depend on a protobuf Any type (that would
// violate the NON-GOALS boundary on user-message codecs), so the wire shape
// here is internal to this module and only round-trips through
// ToTrailer/FromTrailer, not through google.rpc.Status on the wire.
func marshalDetails(details []Detail) []byte {
	var out []byte
	for _, d := range details {
		out = appendLenPrefixed(out, []byte(d.TypeURL))
		out = appendLenPrefixed(out, d.Value)
	}
	return out
}

func unmarshalDetails(raw []byte) []Detail {
	var details []Detail
	for len(raw) > 0 {
		var typeURL, value []byte
		typeURL, raw = readLenPrefixed(raw)
		if raw == nil {
			break
		}
		value, raw = readLenPrefixed(raw)
		details = append(details, Detail{TypeURL: string(typeURL), Value: value})
	}
	return details
}

func appendLenPrefixed(dst, data []byte) []byte {
	var lenBuf [4]byte
	n := len(data)
	lenBuf[0] = byte(n >> 24)
	lenBuf[1] = byte(n >> 16)
	lenBuf[2] = byte(n >> 8)
	lenBuf[3] = byte(n)
	dst = append(dst, lenBuf[:]...)
	return append(dst, data...)
}

func readLenPrefixed(raw []byte) (data, rest []byte) {
	if len(raw) < 4 {
		return nil, nil
	}
	n := int(raw[0])<<24 | int(raw[1])<<16 | int(raw[2])<<8 | int(raw[3])
	raw = raw[4:]
	if len(raw) < n {
		return nil, nil
	}
	return raw[:n], raw[n:]
}
