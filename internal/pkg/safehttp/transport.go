// Package safehttp provides HTTP transports for requests to user-supplied
// URLs. Destinations are resolved, every resolved address is checked against
// reserved ranges, and the connection is made to a validated IP so a second
// DNS answer cannot redirect it.
package safehttp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"
)

// ErrDisallowedAddress is returned when a destination resolves to a
// reserved, private, loopback or otherwise non-public address.
var ErrDisallowedAddress = errors.New("destination address is not allowed")

var reserved = func() []netip.Prefix {
	cidrs := []string{
		// IPv4
		"0.0.0.0/8",          // this network
		"10.0.0.0/8",         // private
		"100.64.0.0/10",      // carrier-grade NAT
		"127.0.0.0/8",        // loopback
		"169.254.0.0/16",     // link-local
		"172.16.0.0/12",      // private
		"192.0.0.0/24",       // IETF protocol assignments
		"192.0.2.0/24",       // TEST-NET-1
		"192.88.99.0/24",     // 6to4 relay anycast
		"192.168.0.0/16",     // private
		"198.18.0.0/15",      // benchmarking
		"198.51.100.0/24",    // TEST-NET-2
		"203.0.113.0/24",     // TEST-NET-3
		"224.0.0.0/4",        // multicast
		"240.0.0.0/4",        // reserved
		"255.255.255.255/32", // broadcast
		// IPv6
		"::/128",       // unspecified
		"::1/128",      // loopback
		"::/96",        // IPv4-compatible, deprecated
		"64:ff9b::/96", // NAT64
		"64:ff9b:1::/48",
		"100::/64",      // discard
		"2001::/23",     // IETF protocol assignments, Teredo
		"2001:db8::/32", // documentation
		"2002::/16",     // 6to4
		"fc00::/7",      // unique local
		"fe80::/10",     // link-local
		"fec0::/10",     // site-local
		"ff00::/8",      // multicast
	}
	out := make([]netip.Prefix, len(cidrs))
	for i, c := range cidrs {
		out[i] = netip.MustParsePrefix(c)
	}
	return out
}()

// IsDisallowed reports whether addr must never be dialed. IPv4-mapped IPv6
// addresses are checked as IPv4.
func IsDisallowed(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}
	addr = addr.Unmap().WithZone("")
	for _, p := range reserved {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// DialFunc opens a connection to a validated address.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Guard resolves and validates destinations and dials only validated IPs.
type Guard struct {
	resolver Resolver
	dial     DialFunc
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithResolver replaces the DNS resolver.
func WithResolver(r Resolver) GuardOption {
	return func(g *Guard) { g.resolver = r }
}

// WithDialFunc replaces the function used to dial validated addresses.
func WithDialFunc(d DialFunc) GuardOption {
	return func(g *Guard) { g.dial = d }
}

// NewGuard creates a guard using the system resolver.
func NewGuard(opts ...GuardOption) *Guard {
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	g := &Guard{
		resolver: net.DefaultResolver,
		dial:     dialer.DialContext,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Resolve returns host's addresses, failing if any of them is disallowed.
func (g *Guard) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		if IsDisallowed(ip) {
			return nil, fmt.Errorf("%w: %s", ErrDisallowedAddress, ip)
		}
		return []netip.Addr{ip}, nil
	}

	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	for _, a := range addrs {
		if IsDisallowed(a) {
			return nil, fmt.Errorf("%w: %s resolves to %s", ErrDisallowedAddress, host, a.Unmap())
		}
	}
	return addrs, nil
}

type pinnedKey struct{}

type pinned struct {
	host  string
	addrs []netip.Addr
}

// WithPinnedAddrs makes dials to host within ctx use addrs, which the caller
// has already validated with Resolve, instead of resolving again.
func WithPinnedAddrs(ctx context.Context, host string, addrs []netip.Addr) context.Context {
	return context.WithValue(ctx, pinnedKey{}, pinned{host: host, addrs: addrs})
}

// DialContext validates the destination and dials the first reachable
// validated address.
func (g *Guard) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	var addrs []netip.Addr
	if p, ok := ctx.Value(pinnedKey{}).(pinned); ok && p.host == host {
		addrs = p.addrs
		for _, a := range addrs {
			if IsDisallowed(a) {
				return nil, fmt.Errorf("%w: %s", ErrDisallowedAddress, a)
			}
		}
	} else if addrs, err = g.Resolve(ctx, host); err != nil {
		return nil, err
	}

	var lastErr error
	for _, a := range addrs {
		conn, err := g.dial(ctx, network, net.JoinHostPort(a.Unmap().String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// NewTransport returns a transport that only connects through g. Proxies are
// disabled since they would bypass address validation.
func NewTransport(g *Guard, tlsConfig *tls.Config) *http.Transport {
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           g.DialContext,
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
