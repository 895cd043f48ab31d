package status_test

import (
	"testing"

	"github.com/tailrpc/tailrpc/metadata"
	"github.com/tailrpc/tailrpc/status"
)

// md is a minimal single-value map stand-in satisfying status.Getter/Setter,
// enough to exercise ToTrailer/FromTrailer without a real metadata.MD as the
// trailer store.
type md map[string]string

func (m md) Get(key string) (string, bool) { v, ok := m[key]; return v, ok }
func (m md) Set(key, value string)         { m[key] = value }

func TestTrailerRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   *status.Status
	}{
		{"ok", status.New(status.OK, "")},
		{"not found", status.New(status.NotFound, "no such widget")},
		{"with unicode message", status.New(status.Internal, "boom: 日本語")},
		{"with details", status.New(status.FailedPrecondition, "precondition failed").
			WithDetails(status.Detail{TypeURL: "type.example.com/my.Detail", Value: []byte{1, 2, 3}})},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			trailer := md{}
			tc.in.ToTrailer(trailer)
			got := status.FromTrailer(trailer)

			if got.Code != tc.in.Code {
				t.Fatalf("code: got %s want %s", got.Code, tc.in.Code)
			}
			if got.Message != tc.in.Message {
				t.Fatalf("message: got %q want %q", got.Message, tc.in.Message)
			}
			if len(got.Details) != len(tc.in.Details) {
				t.Fatalf("details: got %d want %d", len(got.Details), len(tc.in.Details))
			}
			for i := range got.Details {
				if got.Details[i].TypeURL != tc.in.Details[i].TypeURL {
					t.Fatalf("detail %d type URL mismatch", i)
				}
				if string(got.Details[i].Value) != string(tc.in.Details[i].Value) {
					t.Fatalf("detail %d value mismatch", i)
				}
			}
		})
	}
}

func TestTrailerIncludesMetadata(t *testing.T) {
	var extra metadata.MD
	extra.Add("x-request-id", "abc123")

	trailer := md{}
	status.New(status.OK, "").WithMetadata(extra).ToTrailer(trailer)

	if got, ok := trailer.Get("x-request-id"); !ok || got != "abc123" {
		t.Fatalf("got (%q, %v), want (abc123, true)", got, ok)
	}
}

func TestTrailerAbsentStatusIsUnknown(t *testing.T) {
	got := status.FromTrailer(md{})
	if got.Code != status.Unknown {
		t.Fatalf("expected Unknown for missing grpc-status, got %s", got.Code)
	}
}

func TestFromHTTPStatus(t *testing.T) {
	tests := map[int]status.Code{
		400: status.Internal,
		401: status.Unauthenticated,
		403: status.PermissionDenied,
		404: status.Unimplemented,
		429: status.Unavailable,
		502: status.Unavailable,
		503: status.Unavailable,
		504: status.Unavailable,
		418: status.Unknown,
	}
	for httpStatus, want := range tests {
		if got := status.FromHTTPStatus(httpStatus).Code; got != want {
			t.Errorf("HTTP %d: got %s want %s", httpStatus, got, want)
		}
	}
}

func TestErrAndFromError(t *testing.T) {
	s := status.New(status.NotFound, "missing")
	err := s.Err()
	if err == nil {
		t.Fatal("expected non-nil error for non-OK status")
	}

	got, ok := status.FromError(err)
	if !ok {
		t.Fatal("expected FromError to recognize a *Status-backed error")
	}
	if got.Code != status.NotFound || got.Message != "missing" {
		t.Fatalf("got %+v", got)
	}

	if status.New(status.OK, "").Err() != nil {
		t.Fatal("expected OK status to produce a nil error")
	}

	_, ok = status.FromError(errPlain{"boom"})
	if ok {
		t.Fatal("expected FromError to report false for a plain error")
	}
	if status.FromErrorCode(errPlain{"boom"}) != status.Unknown {
		t.Fatal("expected plain errors to map to Unknown")
	}
}

type errPlain struct{ msg string }

func (e errPlain) Error() string { return e.msg }
