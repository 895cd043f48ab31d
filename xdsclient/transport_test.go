package xdsclient_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tailrpc/tailrpc/client"
	"github.com/tailrpc/tailrpc/metadata"
	"github.com/tailrpc/tailrpc/server"
	"github.com/tailrpc/tailrpc/stream"
	"github.com/tailrpc/tailrpc/xdsclient"
)

const adsMethod = "/envoy.service.discovery.v3.AggregatedDiscoveryService/StreamAggregatedResources"

type wireRequest struct {
	VersionInfo   string   `json:"version_info,omitempty"`
	Node          string   `json:"node,omitempty"`
	ResourceNames []string `json:"resource_names,omitempty"`
	TypeURL       string   `json:"type_url"`
	ResponseNonce string   `json:"response_nonce,omitempty"`
}

type wireResource struct {
	Name string `json:"name"`
	Raw  []byte `json:"raw"`
}

type wireResponse struct {
	VersionInfo string         `json:"version_info"`
	Resources   []wireResource `json:"resources"`
	TypeURL     string         `json:"type_url"`
	Nonce       string         `json:"nonce"`
}

// adsScript replies to each received DiscoveryRequest with the response at
// the same index, recording every request it sees on reqCh.
func newADSServer(t *testing.T, responses []wireResponse, reqCh chan<- wireRequest) *httptest.Server {
	t.Helper()
	router := server.NewRouter()
	router.AddBidiStream(adsMethod, func(ctx context.Context, in stream.RecvStream, _ metadata.MD, out stream.SendStream) (metadata.MD, error) {
		idx := 0
		for {
			item, err := in.Next(ctx)
			if err != nil {
				return metadata.MD{}, nil
			}
			switch item.Kind {
			case stream.ItemMessage:
				var req wireRequest
				if err := json.Unmarshal(item.Message, &req); err == nil {
					select {
					case reqCh <- req:
					default:
					}
				}
				if idx < len(responses) {
					data, _ := json.Marshal(responses[idx])
					idx++
					if err := out.Send(data, stream.SendOptions{}); err != nil {
						return metadata.MD{}, nil
					}
				}
			case stream.ItemTrailers:
				return metadata.MD{}, nil
			}
		}
	})

	ts := httptest.NewUnstartedServer(router)
	ts.EnableHTTP2 = true
	ts.StartTLS()
	return ts
}

func newTransport(t *testing.T, ts *httptest.Server) *xdsclient.Transport {
	t.Helper()
	inv := client.NewInvoker(ts.Client(), ts.URL)
	tr, err := xdsclient.New(xdsclient.Options{
		Invoker: inv,
		Method:  adsMethod,
		NodeID:  "test-node",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

func TestInitialSubscribeDeliversResourceChangedAndAcks(t *testing.T) {
	reqCh := make(chan wireRequest, 8)
	ts := newADSServer(t, []wireResponse{
		{
			VersionInfo: "7",
			TypeURL:     "type.googleapis.com/envoy.config.listener.v3.Listener",
			Nonce:       "n7",
			Resources:   []wireResource{{Name: "l1", Raw: []byte(`{"ok":true}`)}},
		},
	}, reqCh)
	defer ts.Close()

	tr := newTransport(t, ts)
	defer tr.Close()

	tr.RegisterDecoder("type.googleapis.com/envoy.config.listener.v3.Listener", func(raw []byte) (any, error) {
		return string(raw), nil
	})

	_, events, cancel := tr.Watch("type.googleapis.com/envoy.config.listener.v3.Listener", "l1")
	defer cancel()

	select {
	case ev := <-events:
		ch, ok := ev.(xdsclient.ResourceChanged)
		if !ok {
			t.Fatalf("expected ResourceChanged, got %T", ev)
		}
		if ch.Err != nil {
			t.Fatalf("unexpected error: %v", ch.Err)
		}
		ch.Done.Signal()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ResourceChanged")
	}

	select {
	case req := <-reqCh:
		if req.TypeURL != "" && req.ResourceNames != nil {
			// first request carries the subscription, not yet an ACK
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for initial request")
	}

	select {
	case req := <-reqCh:
		if req.VersionInfo != "7" || req.ResponseNonce != "n7" {
			t.Fatalf("ack request mismatch: %+v", req)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ack request")
	}
}

func TestResourceDeletionDeliversResourceDoesNotExist(t *testing.T) {
	reqCh := make(chan wireRequest, 8)
	ts := newADSServer(t, []wireResponse{
		{
			VersionInfo: "1",
			TypeURL:     "type.googleapis.com/envoy.config.listener.v3.Listener",
			Nonce:       "n1",
			Resources:   []wireResource{{Name: "l1", Raw: []byte(`{}`)}},
		},
	}, reqCh)
	defer ts.Close()

	tr := newTransport(t, ts)
	defer tr.Close()

	tr.RegisterDecoder("type.googleapis.com/envoy.config.listener.v3.Listener", func(raw []byte) (any, error) {
		return string(raw), nil
	})

	_, l2Events, cancel2 := tr.Watch("type.googleapis.com/envoy.config.listener.v3.Listener", "l2")
	defer cancel2()

	select {
	case ev := <-l2Events:
		ch, ok := ev.(xdsclient.ResourceChanged)
		if !ok {
			t.Fatalf("expected ResourceChanged, got %T", ev)
		}
		if ch.Err == nil || ch.Err.Kind != xdsclient.ErrResourceDoesNotExist {
			t.Fatalf("expected ResourceDoesNotExist, got %+v", ch.Err)
		}
		ch.Done.Signal()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ResourceDoesNotExist")
	}
}

func TestNackOnValidationFailure(t *testing.T) {
	reqCh := make(chan wireRequest, 8)
	ts := newADSServer(t, []wireResponse{
		{
			VersionInfo: "3",
			TypeURL:     "type.googleapis.com/envoy.config.route.v3.RouteConfiguration",
			Nonce:       "n3",
			Resources:   []wireResource{{Name: "r1", Raw: []byte(`bogus`)}},
		},
	}, reqCh)
	defer ts.Close()

	tr := newTransport(t, ts)
	defer tr.Close()

	tr.RegisterDecoder("type.googleapis.com/envoy.config.route.v3.RouteConfiguration", func(raw []byte) (any, error) {
		var v map[string]any
		return nil, json.Unmarshal(raw, &v)
	})

	_, events, cancel := tr.Watch("type.googleapis.com/envoy.config.route.v3.RouteConfiguration", "r1")
	defer cancel()

	select {
	case ev := <-events:
		ch, ok := ev.(xdsclient.ResourceChanged)
		if !ok {
			t.Fatalf("expected ResourceChanged, got %T", ev)
		}
		if ch.Err == nil || ch.Err.Kind != xdsclient.ErrValidation {
			t.Fatalf("expected validation error, got %+v", ch.Err)
		}
		ch.Done.Signal()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for validation error")
	}

	// drain subscribe request then look for the NACK
	<-reqCh
	select {
	case req := <-reqCh:
		if req.VersionInfo != "" {
			t.Fatalf("NACK must not advance version_info, got %q", req.VersionInfo)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for nack request")
	}
}
