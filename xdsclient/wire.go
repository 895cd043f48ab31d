// Package xdsclient implements the xDS ADS client (C11): a single
// long-lived bidirectional stream to a management server, watch
// registration, the ACK/NACK protocol with nonces and version tracking,
// and processing-done coordination with subscribers. Grounded directly on
// _examples/YourFantasy-grpc-go/xds/internal/xdsclient/transport/transport.go
// (the real grpc-go xDS transport retrieved into the pack): same
// single-mailbox send/recv goroutine split, same resources/versions/nonces
// maps, same ACK/NACK request construction. Adapted to (a) decode
// resources through a pluggable decoder registry instead of a fixed
// xdsresource package, (b) expose the ResourceChanged/AmbientError event
// taxonomy from spec §4.11/§7, and (c) drive the auto-signal-on-drop
// ProcessingDone contract from spec §4.11/§9 using runtime.AddCleanup.
package xdsclient

import "encoding/json"

// RawResource is one undecoded resource entry inside a DiscoveryResponse:
// spec §3's "(type_url, name, version_info, raw_bytes)" xDS resource,
// minus type_url/version_info which are carried at the response level.
// Grounded on the teacher's *anypb.Any resources, rendered here without a
// protobuf Any dependency — this module already avoids protobuf.Any for
// status.Detail, for the same reason (spec's codec is payload-agnostic).
type RawResource struct {
	Name string `json:"name"`
	Raw  []byte `json:"raw"`
}

// DiscoveryRequest mirrors envoy.service.discovery.v3.DiscoveryRequest's
// fields named in spec §8: version_info, node, resource_names, type_url,
// response_nonce, error_detail.
type DiscoveryRequest struct {
	VersionInfo   string       `json:"version_info,omitempty"`
	Node          string       `json:"node,omitempty"`
	ResourceNames []string     `json:"resource_names,omitempty"`
	TypeURL       string       `json:"type_url"`
	ResponseNonce string       `json:"response_nonce,omitempty"`
	ErrorDetail   *ErrorDetail `json:"error_detail,omitempty"`
}

// ErrorDetail is the NACK payload: a message describing why the client
// rejected the resources it just received.
type ErrorDetail struct {
	Message string `json:"message"`
}

// DiscoveryResponse mirrors envoy.service.discovery.v3.DiscoveryResponse:
// version_info, resources, type_url, nonce.
type DiscoveryResponse struct {
	VersionInfo string        `json:"version_info"`
	Resources   []RawResource `json:"resources"`
	TypeURL     string        `json:"type_url"`
	Nonce       string        `json:"nonce"`
}

func marshalRequest(req *DiscoveryRequest) ([]byte, error) { return json.Marshal(req) }

func unmarshalResponse(data []byte) (*DiscoveryResponse, error) {
	var resp DiscoveryResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
