package server_test

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"

	"github.com/tailrpc/tailrpc/codec"
	"github.com/tailrpc/tailrpc/metadata"
	"github.com/tailrpc/tailrpc/server"
)

func TestParseTimeout(t *testing.T) {
	tests := []struct {
		raw     string
		wantErr bool
	}{
		{"10S", false},
		{"100m", false},
		{"1H", false},
		{"123456789S", true}, // 9 digits, exceeds the 8-digit limit
		{"10X", true},        // unknown unit
		{"S", true},          // no digits
	}
	for _, tc := range tests {
		_, err := server.ParseTimeout(tc.raw)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseTimeout(%q): err=%v, wantErr=%v", tc.raw, err, tc.wantErr)
		}
	}
}

func TestUnknownMethodTrailersOnly(t *testing.T) {
	router := server.NewRouter()

	req := httptest.NewRequest("POST", "/no.Such/Method", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if got := rec.Header().Get("grpc-status"); got != "12" {
		t.Fatalf("expected grpc-status 12 (Unimplemented), got %q", got)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected empty body for trailers-only response, got %d bytes", rec.Body.Len())
	}
}

func TestUnaryRoundTrip(t *testing.T) {
	router := server.NewRouter()
	router.AddUnary("/echo.Echo/UnaryEcho", func(ctx context.Context, req []byte, md metadata.MD) ([]byte, metadata.MD, error) {
		out := append([]byte("echo:"), req...)
		return out, metadata.MD{}, nil
	})

	var body bytes.Buffer
	if err := codec.Encode(&body, []byte("hi"), codec.DefaultOptions()); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	req := httptest.NewRequest("POST", "/echo.Echo/UnaryEcho", &body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if got := rec.Result().Trailer.Get("grpc-status"); got != "0" {
		t.Fatalf("expected grpc-status 0, got %q", got)
	}

	dec := codec.NewDecoder(codec.DefaultOptions())
	dec.Feed(rec.Body.Bytes())
	dec.Close()
	msg, err := dec.Next()
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if string(msg.Payload) != "echo:hi" {
		t.Fatalf("got %q", msg.Payload)
	}
}
