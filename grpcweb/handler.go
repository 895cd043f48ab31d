package grpcweb

import (
	"bytes"
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tailrpc/tailrpc/metadata"
	"github.com/tailrpc/tailrpc/status"
)

// CORSConfig configures the preflight and simple-request CORS handling
// required by spec §4.9. Defaults are recorded in the grounding ledger's
// Open Question decisions: MaxAge 24h, ExposedHeaders covering the three
// gRPC trailer headers browsers need to read off an XHR/fetch response.
type CORSConfig struct {
	AllowedOrigins   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	MaxAge           time.Duration
	AllowCredentials bool
}

// DefaultCORSConfig returns the configuration this module ships with when
// the caller supplies none.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"content-type", "x-grpc-web", "x-user-agent", "grpc-timeout"},
		ExposedHeaders: []string{"grpc-status", "grpc-message", "grpc-status-details-bin"},
		MaxAge:         24 * time.Hour,
	}
}

func (c CORSConfig) allows(origin string) bool {
	for _, o := range c.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Handler wraps an inner http.Handler that speaks the module's own HTTP/2
// gRPC wire framing and exposes it to HTTP/1.1 gRPC-Web clients, per spec
// §4.9. Grounded on the teacher's grpcWebHandler (gateway/grpcweb.go),
// adapted from wrapping a Connect handler to wrapping this module's server
// engine, whose body framing is byte-identical to a gRPC-Web data frame
// (same 1-flag + 4-length header), so the request body passes through
// unmodified once any base64 layer is stripped.
type Handler struct {
	Inner http.Handler
	CORS  CORSConfig
}

// NewHandler builds a Handler with the given inner engine and CORS policy.
func NewHandler(inner http.Handler, cors CORSConfig) *Handler {
	return &Handler{Inner: inner, CORS: cors}
}

// IsGRPCWeb reports whether r is a gRPC-Web request by Content-Type or the
// X-Grpc-Web marker header.
func IsGRPCWeb(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return strings.HasPrefix(ct, "application/grpc-web") || r.Header.Get("X-Grpc-Web") == "1"
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		h.servePreflight(w, r)
		return
	}

	origin := r.Header.Get("Origin")
	if origin != "" && !h.CORS.allows(origin) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	mode := DetectMode(r.Header.Get("Content-Type"))
	h.mirrorSimpleCORS(w, origin)
	h.serveCall(w, r, mode)
}

func (h *Handler) servePreflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin != "" && !h.CORS.allows(origin) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	header := w.Header()
	header.Set("Access-Control-Allow-Origin", corsOriginValue(h.CORS, origin))
	header.Set("Access-Control-Allow-Methods", http.MethodPost)
	if len(h.CORS.AllowedHeaders) > 0 {
		header.Set("Access-Control-Allow-Headers", strings.Join(h.CORS.AllowedHeaders, ", "))
	}
	if h.CORS.AllowCredentials {
		header.Set("Access-Control-Allow-Credentials", "true")
	}
	header.Set("Access-Control-Max-Age", strconv.Itoa(int(h.CORS.MaxAge.Seconds())))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) mirrorSimpleCORS(w http.ResponseWriter, origin string) {
	if origin == "" {
		return
	}
	header := w.Header()
	header.Set("Access-Control-Allow-Origin", corsOriginValue(h.CORS, origin))
	if len(h.CORS.ExposedHeaders) > 0 {
		header.Set("Access-Control-Expose-Headers", strings.Join(h.CORS.ExposedHeaders, ", "))
	}
	if h.CORS.AllowCredentials {
		header.Set("Access-Control-Allow-Credentials", "true")
	}
}

func corsOriginValue(cors CORSConfig, origin string) string {
	if !cors.AllowCredentials {
		for _, o := range cors.AllowedOrigins {
			if o == "*" {
				return "*"
			}
		}
	}
	return origin
}

// serveCall decodes the request body (undoing any base64 "-text" layer),
// forwards it unchanged to the inner HTTP/2 gRPC engine, and rewrites the
// response into gRPC-Web framing.
func (h *Handler) serveCall(w http.ResponseWriter, r *http.Request, mode Mode) {
	body := r.Body
	if mode == ModeText {
		decoded, err := decodeBase64Body(r.Body)
		if err != nil {
			h.writeError(w, mode, status.New(status.Internal, "malformed base64 request"))
			return
		}
		body = io.NopCloser(bytes.NewReader(decoded))
	}

	innerReq := r.Clone(r.Context())
	innerReq.Body = body
	innerReq.ContentLength = -1
	innerReq.Header = r.Header.Clone()
	innerReq.Header.Set("Content-Type", innerContentType(r.Header.Get("Content-Type")))

	rec := newRecorder()
	h.Inner.ServeHTTP(rec, innerReq)

	w.Header().Set("Content-Type", r.Header.Get("Content-Type"))

	var out bytes.Buffer
	out.Write(rec.body.Bytes())

	trailer := extractTrailer(rec.header)
	out.Write(encodeTrailerFrame(trailer))

	w.WriteHeader(http.StatusOK)
	if mode == ModeText {
		_, _ = w.Write([]byte(encodeBase64(out.Bytes())))
	} else {
		_, _ = w.Write(out.Bytes())
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (h *Handler) writeError(w http.ResponseWriter, mode Mode, s *status.Status) {
	var md metadata.MD
	s.ToTrailer(&md)
	frame := encodeTrailerFrame(md)
	w.WriteHeader(http.StatusOK)
	if mode == ModeText {
		_, _ = w.Write([]byte(encodeBase64(frame)))
	} else {
		_, _ = w.Write(frame)
	}
}

func encodeTrailerFrame(md metadata.MD) []byte {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, Frame{Flag: flagTrailer, Payload: FormatTrailer(md)})
	return buf.Bytes()
}

func extractTrailer(h http.Header) metadata.MD {
	var md metadata.MD
	code := "0"
	if v := h.Get(status.HeaderStatus); v != "" {
		code = v
	}
	md.Set(status.HeaderStatus, code)
	if msg := h.Get(status.HeaderMessage); msg != "" {
		md.Set(status.HeaderMessage, msg)
	}
	if details := h.Get(status.HeaderDetails); details != "" {
		md.Set(status.HeaderDetails, details)
	}
	for key, values := range h {
		lower := strings.ToLower(key)
		if lower == status.HeaderStatus || lower == status.HeaderMessage || lower == status.HeaderDetails {
			continue
		}
		if !strings.HasPrefix(lower, "grpc-") && !isCustomTrailerCandidate(lower) {
			continue
		}
		for _, v := range values {
			md.Add(lower, v)
		}
	}
	return md
}

var skipAsTrailer = map[string]bool{
	"content-type": true, "content-length": true, "date": true, "server": true,
}

func isCustomTrailerCandidate(key string) bool {
	return !skipAsTrailer[key]
}

func innerContentType(webContentType string) string {
	switch {
	case strings.Contains(webContentType, "+json"):
		return "application/grpc+json"
	default:
		return "application/grpc+proto"
	}
}

func decodeBase64Body(r io.Reader) ([]byte, error) {
	var chunker Base64Chunker
	var out bytes.Buffer
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			decoded, decErr := chunker.Feed(buf[:n])
			if decErr != nil {
				return nil, decErr
			}
			out.Write(decoded)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if err := chunker.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func encodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// recorder captures the inner engine's response so it can be rewritten into
// gRPC-Web framing, mirroring the teacher's responseRecorder.
type recorder struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header), status: http.StatusOK}
}

func (r *recorder) Header() http.Header         { return r.header }
func (r *recorder) Write(b []byte) (int, error) { return r.body.Write(b) }
func (r *recorder) WriteHeader(code int)        { r.status = code }
