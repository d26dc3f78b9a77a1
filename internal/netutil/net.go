package netutil

import (
	"context"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

var internalPrefixes = mustPrefixes(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::/128",
	"::1/128",
	"64:ff9b::/96",
	"100::/64",
	"2001:db8::/32",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

var localHostnames = map[string]struct{}{
	"localhost":             {},
	"localhost.localdomain": {},
	"ip6-localhost":         {},
	"ip6-loopback":          {},
}

// forwardedHeaders are consulted in priority order when the peer is a trusted proxy.
var forwardedHeaders = []string{"cf-connecting-ip", "x-real-ip", "x-forwarded-for"}

func mustPrefixes(values ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		out = append(out, netip.MustParsePrefix(v))
	}
	return out
}

// IPInCIDR reports whether ip lies inside cidr. Mixed address families never match.
func IPInCIDR(ip, cidr string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
	if err != nil {
		return false
	}
	if addr.Is4() != prefix.Addr().Is4() {
		return false
	}
	return prefix.Masked().Contains(addr.WithZone(""))
}

// IPMatchesAny treats rules containing "/" as CIDR ranges and everything else as exact addresses.
func IPMatchesAny(ip string, rules []string) bool {
	for _, rule := range rules {
		rule = strings.TrimSpace(rule)
		if rule == "" {
			continue
		}
		if strings.Contains(rule, "/") {
			if IPInCIDR(ip, rule) {
				return true
			}
			continue
		}
		if ip == rule {
			return true
		}
	}
	return false
}

func IsValidIP(ip string) bool {
	_, err := netip.ParseAddr(strings.TrimSpace(ip))
	return err == nil
}

// IsInternalIP reports private, loopback, link-local, multicast and reserved
// addresses. Anything that does not parse is considered internal.
func IsInternalIP(ip string) bool {
	addr, err := netip.ParseAddr(strings.Trim(strings.TrimSpace(ip), "[]"))
	if err != nil {
		return true
	}
	return isInternalAddr(addr)
}

func isInternalAddr(addr netip.Addr) bool {
	addr = addr.WithZone("").Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() || addr.IsMulticast() {
		return true
	}
	for _, p := range internalPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolver is the subset of *net.Resolver used by Guard.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard rejects destinations that resolve to internal networks.
type Guard struct {
	Resolver Resolver
	Timeout  time.Duration
}

var defaultGuard = &Guard{Resolver: net.DefaultResolver, Timeout: 2 * time.Second}

func IsInternalHost(host string) bool {
	return defaultGuard.IsInternalHost(context.Background(), host)
}

func IsSafeExternalURL(raw string) bool {
	return defaultGuard.IsSafeExternalURL(context.Background(), raw)
}

func (g *Guard) IsInternalHost(ctx context.Context, host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	h = strings.TrimSuffix(strings.Trim(h, "[]"), ".")
	if h == "" {
		return true
	}
	if _, ok := localHostnames[h]; ok || strings.HasSuffix(h, ".localhost") {
		return true
	}
	if addr, err := netip.ParseAddr(h); err == nil {
		return isInternalAddr(addr)
	}

	resolver := g.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	addrs, err := resolver.LookupIPAddr(ctx, h)
	if err != nil || len(addrs) == 0 {
		return true
	}
	for _, a := range addrs {
		addr, ok := netip.AddrFromSlice(a.IP)
		if !ok || isInternalAddr(addr) {
			return true
		}
	}
	return false
}

// IsSafeExternalURL accepts only http(s) URLs whose host is public.
func (g *Guard) IsSafeExternalURL(ctx context.Context, raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	if u.Hostname() == "" {
		return false
	}
	return !g.IsInternalHost(ctx, u.Hostname())
}

// ResolveClientIP picks the client address. Forwarded headers are honoured only
// when trust is enabled and the peer itself is a trusted proxy; the first
// comma separated token must be a valid IP, otherwise the peer address wins.
func ResolveClientIP(peer string, headers map[string]string, trustedProxies []string, trustForwarded bool) string {
	peer = strings.TrimSpace(peer)
	fallback := peer
	if fallback == "" {
		fallback = "0.0.0.0"
	}
	if !trustForwarded || peer == "" || len(trustedProxies) == 0 {
		return fallback
	}
	if !IPMatchesAny(peer, trustedProxies) {
		return fallback
	}
	for _, name := range forwardedHeaders {
		v := headers[name]
		if v == "" {
			continue
		}
		first := strings.TrimSpace(strings.Split(v, ",")[0])
		if IsValidIP(first) {
			return first
		}
	}
	return fallback
}
