package reflection

import (
	"context"
	"encoding/json"

	"github.com/tailrpc/tailrpc/client"
	"github.com/tailrpc/tailrpc/metadata"
	"github.com/tailrpc/tailrpc/server"
	"github.com/tailrpc/tailrpc/stream"
)

// Method is the reflection RPC's path, mirroring
// grpc.reflection.v1.ServerReflection/ServerReflectionInfo.
const Method = "/grpc.reflection.v1.ServerReflection/ServerReflectionInfo"

// Request mirrors ServerReflectionRequest's oneof as plain optional
// fields — exactly one should be set, matching the wire-type convention
// already used by xdsclient for non-user-message protocol traffic.
type Request struct {
	Host                      string            `json:"host,omitempty"`
	FileByFilename            string            `json:"file_by_filename,omitempty"`
	FileContainingSymbol      string            `json:"file_containing_symbol,omitempty"`
	FileContainingExtension   *ExtensionRequest `json:"file_containing_extension,omitempty"`
	AllExtensionNumbersOfType string            `json:"all_extension_numbers_of_type,omitempty"`
	ListServices              bool              `json:"list_services,omitempty"`
}

// ExtensionRequest identifies one extension by its containing type and
// field number.
type ExtensionRequest struct {
	ContainingType  string `json:"containing_type"`
	ExtensionNumber int32  `json:"extension_number"`
}

// Response mirrors ServerReflectionResponse's oneof as plain optional
// fields.
type Response struct {
	ValidHost              string                   `json:"valid_host,omitempty"`
	FileDescriptorResponse *FileDescriptorResponse  `json:"file_descriptor_response,omitempty"`
	AllExtensionNumbers    *ExtensionNumberResponse `json:"all_extension_numbers_response,omitempty"`
	ListServicesResponse   *ListServicesResponse    `json:"list_services_response,omitempty"`
	ErrorResponse          *ErrorResponse           `json:"error_response,omitempty"`
}

// FileDescriptorResponse carries one or more serialized
// FileDescriptorProto messages, per the real protocol's
// file_descriptor_proto repeated bytes field.
type FileDescriptorResponse struct {
	FileDescriptorProto [][]byte `json:"file_descriptor_proto"`
}

// ExtensionNumberResponse lists the extension field numbers of one type.
type ExtensionNumberResponse struct {
	BaseTypeName    string  `json:"base_type_name"`
	ExtensionNumber []int32 `json:"extension_number"`
}

// ListServicesResponse lists every registered service's full name.
type ListServicesResponse struct {
	Service []ServiceResponse `json:"service"`
}

// ServiceResponse names one registered service.
type ServiceResponse struct {
	Name string `json:"name"`
}

// ErrorResponse reports a lookup failure (e.g. NOT_FOUND).
type ErrorResponse struct {
	ErrorCode    int32  `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

const notFoundCode = 5 // status.NotFound's wire code, mirrored here to avoid importing status for one constant.

// Handler implements the ServerReflectionInfo bidi-streaming RPC against
// a Registry. Register with (*server.Router).AddBidiStream(Method, ...).
func Handler(reg *Registry) server.BidiStreamHandler {
	return func(ctx context.Context, in stream.RecvStream, _ metadata.MD, out stream.SendStream) (metadata.MD, error) {
		for {
			item, err := in.Next(ctx)
			if err != nil {
				return metadata.MD{}, nil
			}
			switch item.Kind {
			case stream.ItemMessage:
				var req Request
				if err := json.Unmarshal(item.Message, &req); err != nil {
					continue
				}
				resp := handleRequest(reg, &req)
				data, err := json.Marshal(resp)
				if err != nil {
					continue
				}
				if err := out.Send(data, stream.SendOptions{}); err != nil {
					return metadata.MD{}, nil
				}
			case stream.ItemTrailers:
				return metadata.MD{}, nil
			}
		}
	}
}

func handleRequest(reg *Registry, req *Request) *Response {
	switch {
	case req.ListServices:
		svcs := reg.ListServices()
		resp := make([]ServiceResponse, len(svcs))
		for i, s := range svcs {
			resp[i] = ServiceResponse{Name: s}
		}
		return &Response{ValidHost: req.Host, ListServicesResponse: &ListServicesResponse{Service: resp}}

	case req.FileByFilename != "":
		raw, err := reg.FileByFilename(req.FileByFilename)
		if err != nil {
			return notFoundResponse(req.Host, err)
		}
		return &Response{ValidHost: req.Host, FileDescriptorResponse: &FileDescriptorResponse{FileDescriptorProto: [][]byte{raw}}}

	case req.FileContainingSymbol != "":
		raw, err := reg.FileContainingSymbol(normalizeSymbol(req.FileContainingSymbol))
		if err != nil {
			return notFoundResponse(req.Host, err)
		}
		return &Response{ValidHost: req.Host, FileDescriptorResponse: &FileDescriptorResponse{FileDescriptorProto: [][]byte{raw}}}

	case req.FileContainingExtension != nil:
		// Resolving by (type, field number) pair needs a full extension
		// index; out of scope until a concrete consumer needs it (spec's
		// codec non-goal keeps user-message/extension encoding out of
		// this module entirely).
		return notFoundResponse(req.Host, errUnsupported)

	case req.AllExtensionNumbersOfType != "":
		nums, err := reg.AllExtensionNumbersOfType(normalizeSymbol(req.AllExtensionNumbersOfType))
		if err != nil {
			return notFoundResponse(req.Host, err)
		}
		return &Response{ValidHost: req.Host, AllExtensionNumbers: &ExtensionNumberResponse{
			BaseTypeName:    req.AllExtensionNumbersOfType,
			ExtensionNumber: nums,
		}}

	default:
		return notFoundResponse(req.Host, errUnsupported)
	}
}

func notFoundResponse(host string, err error) *Response {
	return &Response{ValidHost: host, ErrorResponse: &ErrorResponse{ErrorCode: notFoundCode, ErrorMessage: err.Error()}}
}

var errUnsupported = unsupportedError{}

type unsupportedError struct{}

func (unsupportedError) Error() string { return "reflection: unsupported or not found" }

// Client issues ServerReflectionInfo requests over a bidi stream.
type Client struct {
	stream *client.BidiStream
}

// Dial opens the reflection stream.
func Dial(ctx context.Context, inv *client.Invoker) (*Client, error) {
	s, err := inv.Bidi(ctx, Method, client.CallOptions{})
	if err != nil {
		return nil, err
	}
	return &Client{stream: s}, nil
}

// ListServices asks the server for every registered service name.
func (c *Client) ListServices(host string) ([]string, error) {
	resp, err := c.call(&Request{Host: host, ListServices: true})
	if err != nil {
		return nil, err
	}
	if resp.ListServicesResponse == nil {
		return nil, errUnsupported
	}
	out := make([]string, len(resp.ListServicesResponse.Service))
	for i, s := range resp.ListServicesResponse.Service {
		out[i] = s.Name
	}
	return out, nil
}

// FileByFilename fetches one file's serialized FileDescriptorProto.
func (c *Client) FileByFilename(host, name string) ([]byte, error) {
	resp, err := c.call(&Request{Host: host, FileByFilename: name})
	if err != nil {
		return nil, err
	}
	return firstFileDescriptor(resp)
}

// FileContainingSymbol fetches the file declaring the given symbol.
func (c *Client) FileContainingSymbol(host, symbol string) ([]byte, error) {
	resp, err := c.call(&Request{Host: host, FileContainingSymbol: symbol})
	if err != nil {
		return nil, err
	}
	return firstFileDescriptor(resp)
}

func firstFileDescriptor(resp *Response) ([]byte, error) {
	if resp.ErrorResponse != nil {
		return nil, errUnsupported
	}
	if resp.FileDescriptorResponse == nil || len(resp.FileDescriptorResponse.FileDescriptorProto) == 0 {
		return nil, errUnsupported
	}
	return resp.FileDescriptorResponse.FileDescriptorProto[0], nil
}

func (c *Client) call(req *Request) (*Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := c.stream.Send(data); err != nil {
		return nil, err
	}
	raw, err := c.stream.Recv()
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close releases the underlying stream.
func (c *Client) Close() error {
	_ = c.stream.CloseSend()
	return c.stream.Close()
}
