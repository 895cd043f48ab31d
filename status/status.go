// Package status implements the gRPC status model: a closed code enum plus
// message, trailer metadata and binary details, together with the wire
// encoding used for the grpc-status / grpc-message / grpc-status-details-bin
// trailers. Grounded on the teacher's rpc.Error/Code (rpc/errors.go),
// generalized from Connect's string codes to gRPC's numeric ones.
package status

import (
	"fmt"
	"net/http"

	"github.com/tailrpc/tailrpc/metadata"
)

// Code is the closed gRPC status code enum.
type Code uint32

// The 17 standard gRPC status codes.
const (
	OK Code = iota
	Canceled
	Unknown
	InvalidArgument
	DeadlineExceeded
	NotFound
	AlreadyExists
	PermissionDenied
	ResourceExhausted
	FailedPrecondition
	Aborted
	OutOfRange
	Unimplemented
	Internal
	Unavailable
	DataLoss
	Unauthenticated
)

var codeNames = map[Code]string{
	OK:                 "OK",
	Canceled:           "CANCELLED",
	Unknown:            "UNKNOWN",
	InvalidArgument:    "INVALID_ARGUMENT",
	DeadlineExceeded:   "DEADLINE_EXCEEDED",
	NotFound:           "NOT_FOUND",
	AlreadyExists:      "ALREADY_EXISTS",
	PermissionDenied:   "PERMISSION_DENIED",
	ResourceExhausted:  "RESOURCE_EXHAUSTED",
	FailedPrecondition: "FAILED_PRECONDITION",
	Aborted:            "ABORTED",
	OutOfRange:         "OUT_OF_RANGE",
	Unimplemented:      "UNIMPLEMENTED",
	Internal:           "INTERNAL",
	Unavailable:        "UNAVAILABLE",
	DataLoss:           "DATA_LOSS",
	Unauthenticated:    "UNAUTHENTICATED",
}

// String renders the code's upper-snake-case name, or a numeric fallback for
// an out-of-range value.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE(%d)", uint32(c))
}

// Detail is one entry of a grpc-status-details-bin payload: a type URL plus
// the marshaled message bytes, mirroring google.rpc.Status's use of
// google.protobuf.Any without requiring this package to depend on a concrete
// message type.
type Detail struct {
	TypeURL string
	Value   []byte
}

// Status is the (code, message, metadata, details) tuple carried by a
// terminal response's Trailers, per spec §3's "Invariant: a terminal
// response must carry exactly one status; absent header -> Unknown." and
// SPEC_FULL §3's concrete `status.Status{Code, Message, Metadata, Details}`
// encoding.
type Status struct {
	Code     Code
	Message  string
	Metadata metadata.MD
	Details  []Detail
}

// New constructs a Status from a code and plain message.
func New(code Code, message string) *Status {
	return &Status{Code: code, Message: message}
}

// Newf constructs a Status with a formatted message.
func Newf(code Code, format string, args ...any) *Status {
	return &Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Err returns the Status as an error, or nil if the code is OK.
func (s *Status) Err() error {
	if s == nil || s.Code == OK {
		return nil
	}
	return (*statusError)(s)
}

// WithDetails returns a copy of s with the given details appended.
func (s *Status) WithDetails(details ...Detail) *Status {
	out := *s
	out.Details = append(append([]Detail{}, s.Details...), details...)
	return &out
}

// WithMetadata returns a copy of s carrying md as its trailer metadata.
func (s *Status) WithMetadata(md metadata.MD) *Status {
	out := *s
	out.Metadata = md
	return &out
}

// statusError adapts *Status to the error interface without requiring
// callers that only want the error to import the full Status API.
type statusError Status

func (e *statusError) Error() string {
	return fmt.Sprintf("rpc error: code = %s desc = %s", Code(e.Code), e.Message)
}

// FromError extracts the Status embedded in err, if any. An err of nil maps
// to an OK status; any other error that isn't a *Status-backed error maps to
// Unknown, carrying err's message — mirroring grpc-go's status.FromError.
func FromError(err error) (*Status, bool) {
	if err == nil {
		return New(OK, ""), true
	}
	if se, ok := err.(*statusError); ok {
		return (*Status)(se), true
	}
	return New(Unknown, err.Error()), false
}

// Convert is FromError without the "was it really a Status" bit, for callers
// that just want something to render.
func Convert(err error) *Status {
	s, _ := FromError(err)
	return s
}

// FromErrorCode extracts the code of err's Status, or OK/Unknown per FromError's rule.
func FromErrorCode(err error) Code {
	s, _ := FromError(err)
	return s.Code
}

// httpStatusToCode maps a non-2xx initial HTTP response status to a gRPC
// code, per spec §4.2.
func httpStatusToCode(httpStatus int) Code {
	switch httpStatus {
	case http.StatusBadRequest:
		return Internal
	case http.StatusUnauthorized:
		return Unauthenticated
	case http.StatusForbidden:
		return PermissionDenied
	case http.StatusNotFound:
		return Unimplemented
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return Unavailable
	default:
		return Unknown
	}
}

// FromHTTPStatus builds the Status spec §4.2 prescribes for a non-2xx
// initial HTTP response, preserving the HTTP status text as the message.
func FromHTTPStatus(httpStatus int) *Status {
	return New(httpStatusToCode(httpStatus), http.StatusText(httpStatus))
}
