package client_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tailrpc/tailrpc/client"
	"github.com/tailrpc/tailrpc/metadata"
	"github.com/tailrpc/tailrpc/server"
	"github.com/tailrpc/tailrpc/stream"
)

func TestEncodeTimeoutPicksLargestExactUnit(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{2 * time.Hour, "2H"},
		{90 * time.Minute, "90M"},
		{45 * time.Second, "45S"},
		{500 * time.Millisecond, "500m"},
		{1500 * time.Microsecond, "1500u"},
		{0, "0H"},
	}
	for _, tc := range tests {
		if got := client.EncodeTimeout(tc.d); got != tc.want {
			t.Errorf("EncodeTimeout(%v): got %q want %q", tc.d, got, tc.want)
		}
	}
}

func TestEncodeTimeoutRoundTripsThroughServerParse(t *testing.T) {
	durations := []time.Duration{
		3 * time.Second, 250 * time.Millisecond, time.Hour, 7 * time.Minute,
	}
	for _, d := range durations {
		encoded := client.EncodeTimeout(d)
		got, err := server.ParseTimeout(encoded)
		if err != nil {
			t.Fatalf("ParseTimeout(%q): %v", encoded, err)
		}
		if got != d {
			t.Fatalf("round trip: got %v want %v (encoded %q)", got, d, encoded)
		}
	}
}

func TestUnaryCallAgainstLocalServer(t *testing.T) {
	router := server.NewRouter()
	router.AddUnary("/echo.Echo/UnaryEcho", func(ctx context.Context, req []byte, md metadata.MD) ([]byte, metadata.MD, error) {
		return append([]byte("echo:"), req...), metadata.MD{}, nil
	})

	ts := httptest.NewServer(router)
	defer ts.Close()

	inv := client.NewInvoker(ts.Client(), ts.URL)
	resp, _, err := inv.Unary(context.Background(), "/echo.Echo/UnaryEcho", []byte("hi"), client.CallOptions{})
	if err != nil {
		t.Fatalf("Unary: %v", err)
	}
	if string(resp) != "echo:hi" {
		t.Fatalf("got %q", resp)
	}
}

func TestUnaryCallSurfacesStatus(t *testing.T) {
	router := server.NewRouter()
	router.AddUnary("/echo.Echo/Fail", func(ctx context.Context, req []byte, md metadata.MD) ([]byte, metadata.MD, error) {
		return nil, metadata.MD{}, &notFoundErr{}
	})

	ts := httptest.NewServer(router)
	defer ts.Close()

	inv := client.NewInvoker(ts.Client(), ts.URL)
	_, _, err := inv.Unary(context.Background(), "/echo.Echo/Fail", []byte("x"), client.CallOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
}

type notFoundErr struct{}

func (e *notFoundErr) Error() string { return "not found" }

func TestClientStreamSumsRequestsAgainstLocalServer(t *testing.T) {
	router := server.NewRouter()
	router.AddClientStream("/echo.Echo/Sum", func(ctx context.Context, in stream.RecvStream, md metadata.MD) ([]byte, metadata.MD, error) {
		var total int
		for {
			item, err := in.Next(ctx)
			if err != nil {
				return nil, metadata.MD{}, err
			}
			if item.Kind == stream.ItemTrailers {
				break
			}
			total += len(item.Message)
		}
		return []byte{byte(total)}, metadata.MD{}, nil
	})

	ts := httptest.NewServer(router)
	defer ts.Close()

	inv := client.NewInvoker(ts.Client(), ts.URL)
	cs, err := inv.ClientStream(context.Background(), "/echo.Echo/Sum", client.CallOptions{})
	if err != nil {
		t.Fatalf("ClientStream: %v", err)
	}
	for _, msg := range [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")} {
		if err := cs.Send(msg); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	resp, _, err := cs.CloseAndRecv()
	if err != nil {
		t.Fatalf("CloseAndRecv: %v", err)
	}
	if len(resp) != 1 || resp[0] != 6 {
		t.Fatalf("got %v, want total length 6", resp)
	}
}
