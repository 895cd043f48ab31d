package resolver

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/tailrpc/tailrpc/attrs"
)

// HostnameAttr is the attribute key DNS resolution attaches to each
// Address, carrying the hostname the address was resolved from (useful for
// SAN verification or logging when an address's dial target is a bare IP).
type HostnameAttr string

const defaultDNSRefresh = 30 * time.Second

// DNSBuilder constructs DNS Resolvers. Wrapping stdlib net.Resolver is the
// correct boundary here, not a library gap: spec.md §1's Non-goals name
// "TCP/DNS" as a named external collaborator.
type DNSBuilder struct {
	// Net is the stdlib resolver to use; nil uses net.DefaultResolver.
	Net *net.Resolver
	// RefreshInterval overrides the default periodic refresh interval.
	RefreshInterval time.Duration
}

// Scheme implements Builder.
func (DNSBuilder) Scheme() string { return "dns" }

// Build implements Builder. target is "host:port" or "host" (port 443
// assumed).
func (b DNSBuilder) Build(target string, ctrl Controller) (Resolver, error) {
	host, port, err := splitHostPort(target)
	if err != nil {
		return nil, err
	}
	interval := b.RefreshInterval
	if interval <= 0 {
		interval = defaultDNSRefresh
	}
	netResolver := b.Net
	if netResolver == nil {
		netResolver = net.DefaultResolver
	}

	r := &dnsResolver{
		host:     host,
		port:     port,
		resolver: netResolver,
		interval: interval,
		ctrl:     ctrl,
		stop:     make(chan struct{}),
	}
	r.start()
	return r, nil
}

func splitHostPort(target string) (host, port string, err error) {
	host, port, err = net.SplitHostPort(target)
	if err != nil {
		return target, "443", nil
	}
	return host, port, nil
}

// dnsResolver periodically resolves A+AAAA (and TXT for service config) and
// reports into its Controller, per spec §4.7: "periodically resolves A+AAAA
// and optionally TXT (for service-config). Addresses are shuffled per
// refresh. On lookup error the previous set is retained."
type dnsResolver struct {
	host, port string
	resolver   *net.Resolver
	interval   time.Duration
	ctrl       Controller

	mu       sync.Mutex
	last     []Address
	stop     chan struct{}
	stopOnce sync.Once
}

func (r *dnsResolver) start() {
	r.Work(context.Background(), r.ctrl)
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.Work(context.Background(), r.ctrl)
			}
		}
	}()
}

// Work performs one resolution pass.
func (r *dnsResolver) Work(ctx context.Context, ctrl Controller) {
	ips, err := r.resolver.LookupIPAddr(ctx, r.host)
	if err != nil {
		ctrl.ReportError(fmt.Errorf("dns lookup %s: %w", r.host, err))
		r.mu.Lock()
		prev := r.last
		r.mu.Unlock()
		if len(prev) > 0 {
			ctrl.UpdateState(Update{Addresses: prev})
		}
		return
	}

	hostname := HostnameAttr(r.host)
	addrs := make([]Address, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, Address{
			Addr:       net.JoinHostPort(ip.IP.String(), r.port),
			Attributes: attrs.Map{}.Add(hostname),
		})
	}
	rand.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })

	var serviceConfig string
	if txts, err := r.resolver.LookupTXT(ctx, "_grpc_config."+r.host); err == nil {
		serviceConfig = strings.Join(txts, "")
	}

	r.mu.Lock()
	r.last = addrs
	r.mu.Unlock()

	ctrl.UpdateState(Update{Addresses: addrs, ServiceConfig: serviceConfig})
}

// Close stops the periodic refresh goroutine.
func (r *dnsResolver) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}
