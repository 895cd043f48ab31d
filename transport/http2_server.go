package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Options configures the HTTP/2 h2c server this package builds for the
// server call engine, per spec §4.9's "HTTP/2 gRPC engine" and §4.6's
// reconnect-trigger #3 ("explicit server-signalled GOAWAY"). Grounded on
// the teacher's gateway.Options (gateway/http2_transport.go), narrowed to
// the fields this module's server actually threads through.
type Options struct {
	KeepaliveParams            *KeepaliveParameters
	KeepaliveEnforcementPolicy *KeepaliveEnforcementPolicy
}

// Server wraps an HTTP/2 server with keepalive enforcement, grounded on
// the teacher's HTTP2Transport (gateway/http2_transport.go).
type Server struct {
	server          *http2.Server
	keepaliveConfig *keepaliveConfig
	activeStreams   sync.Map
	lastPingTime    time.Time
	pingStrikes     int
	mu              sync.Mutex
}

const (
	defaultMaxConcurrentStreams = 100
	defaultMaxReadFrameSize     = 16 * 1024
	defaultIdleTimeout          = 120 * time.Second
	defaultReadHeaderTimeout    = 10 * time.Second
)

// NewServer builds an HTTP/2 transport with keepalive support per opts.
func NewServer(opts Options) *Server {
	config := newKeepaliveConfig()
	if opts.KeepaliveParams != nil {
		config.clientParams = *opts.KeepaliveParams
	}
	if opts.KeepaliveEnforcementPolicy != nil {
		config.enforcementPolicy = *opts.KeepaliveEnforcementPolicy
	}

	s := &Server{keepaliveConfig: config, lastPingTime: time.Now()}
	s.server = &http2.Server{
		MaxConcurrentStreams: defaultMaxConcurrentStreams,
		MaxReadFrameSize:     defaultMaxReadFrameSize,
		IdleTimeout:          defaultIdleTimeout,
	}
	return s
}

// WrapHandler wraps handler with h2c serving and keepalive enforcement.
func (s *Server) WrapHandler(handler http.Handler) http.Handler {
	h2cHandler := h2c.NewHandler(handler, s.server)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		streamID := fmt.Sprintf("%s-%d", r.RemoteAddr, time.Now().UnixNano())
		s.activeStreams.Store(streamID, true)
		defer s.activeStreams.Delete(streamID)

		if err := s.enforceKeepalive(r); err != nil {
			w.Header().Set("grpc-status", "14") // Unavailable
			w.Header().Set("grpc-message", "too_many_pings")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		h2cHandler.ServeHTTP(w, r)
	})
}

func (s *Server) enforceKeepalive(_ *http.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	hasActiveStreams := false
	s.activeStreams.Range(func(_, _ any) bool {
		hasActiveStreams = true
		return false
	})

	if !hasActiveStreams && !s.keepaliveConfig.enforcementPolicy.PermitWithoutStream {
		if now.Sub(s.lastPingTime) < s.keepaliveConfig.enforcementPolicy.MinTime {
			s.pingStrikes++
			if s.keepaliveConfig.enforcementPolicy.MaxPingStrikes > 0 &&
				s.pingStrikes > s.keepaliveConfig.enforcementPolicy.MaxPingStrikes {
				return fmt.Errorf("too many keepalive pings")
			}
		} else {
			s.pingStrikes = 0
		}
	}
	s.lastPingTime = now
	return nil
}

// ConfigureServerKeepalive derives http.Server timeouts from keepalive, for
// callers that don't already set them.
func ConfigureServerKeepalive(server *http.Server, keepalive *KeepaliveParameters) {
	if keepalive == nil {
		return
	}
	if server.IdleTimeout == 0 {
		server.IdleTimeout = keepalive.Time + keepalive.Timeout
	}
	if server.ReadTimeout == 0 {
		server.ReadTimeout = keepalive.Timeout * 2
	}
	if server.WriteTimeout == 0 {
		server.WriteTimeout = keepalive.Timeout * 2
	}
}

// NewHTTP2Server builds an *http.Server serving handler over h2c with
// keepalive configured per opts.
func NewHTTP2Server(addr string, handler http.Handler, opts Options) *http.Server {
	s := NewServer(opts)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.WrapHandler(handler),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	if opts.KeepaliveParams != nil {
		ConfigureServerKeepalive(httpServer, opts.KeepaliveParams)
	}
	if err := http2.ConfigureServer(httpServer, s.server); err != nil {
		panic(fmt.Sprintf("failed to configure HTTP/2: %v", err))
	}
	return httpServer
}

// ListenAndServeHTTP2 starts an HTTP/2 h2c server with keepalive support.
func ListenAndServeHTTP2(addr string, handler http.Handler, opts Options) error {
	httpServer := NewHTTP2Server(addr, handler, opts)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	if opts.KeepaliveParams != nil && opts.KeepaliveParams.PermitWithoutStream {
		go startKeepaliveTimer(context.Background(), opts.KeepaliveParams)
	}

	return httpServer.Serve(lis)
}

func startKeepaliveTimer(ctx context.Context, params *KeepaliveParameters) {
	ticker := time.NewTicker(params.Time)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Actual PING frames are sent by the HTTP/2 layer; a tick takes
			// no action, and no connection is evicted from here.
		}
	}
}
