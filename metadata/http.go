package metadata

import (
	"net/http"
	"strings"
)

// reservedHeaders are transport-level HTTP headers never exposed as gRPC
// metadata. Grounded on gateway/grpcweb.go's extractMetadata skip-list,
// extended with the gRPC-specific pseudo-headers this module owns directly
// (content-type, te, grpc-timeout, grpc-encoding, grpc-accept-encoding).
// grpc-status and grpc-message are kept: the client reads a call's Status
// back out of the trailer MD built here.
var reservedHeaders = map[string]bool{
	"content-type":         true,
	"content-length":       true,
	"user-agent":           true,
	"te":                   true,
	"grpc-timeout":         true,
	"grpc-encoding":        true,
	"grpc-accept-encoding": true,
	"x-grpc-web":           true,
}

// FromHTTPHeader builds an MD from an http.Header, skipping transport-level
// headers this module manages separately.
func FromHTTPHeader(h http.Header) MD {
	var md MD
	for key, values := range h {
		lower := strings.ToLower(key)
		if reservedHeaders[lower] {
			continue
		}
		for _, v := range values {
			md.Add(lower, v)
		}
	}
	return md
}

// ToHTTPHeader writes md's entries onto h, one Add per value so repeated
// keys are preserved as repeated header lines.
func ToHTTPHeader(md MD, h http.Header) {
	md.Range(func(key, value string) {
		h.Add(key, value)
	})
}
