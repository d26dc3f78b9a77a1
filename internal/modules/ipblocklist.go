package modules

import (
	"net/netip"
	"strings"

	"github.com/BespredeL/wafu/internal/netutil"
	"github.com/BespredeL/wafu/internal/waf"
)

type IPBlocklistConfig struct {
	Name      string
	Blocklist []string
	OnMatch   waf.Action
	Reason    string
}

// IPBlocklist checks exact addresses first, then CIDR ranges.
type IPBlocklist struct {
	name    string
	exact   map[netip.Addr]struct{}
	ranges  []string
	onMatch waf.Action
	reason  string
}

func NewIPBlocklist(cfg IPBlocklistConfig) *IPBlocklist {
	b := &IPBlocklist{
		name:    orDefault(cfg.Name, TypeIPBlocklist),
		exact:   map[netip.Addr]struct{}{},
		onMatch: cfg.OnMatch,
		reason:  orDefault(cfg.Reason, "IP blocked"),
	}
	for _, raw := range cfg.Blocklist {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			b.ranges = append(b.ranges, entry)
			continue
		}
		if addr, err := netip.ParseAddr(entry); err == nil {
			b.exact[addr.Unmap()] = struct{}{}
		}
	}
	return b
}

func (b *IPBlocklist) Len() int {
	return len(b.exact) + len(b.ranges)
}

func (b *IPBlocklist) Handle(c *waf.Context) *waf.Decision {
	if b.onMatch == nil || b.Len() == 0 {
		return nil
	}
	ip := c.IP()
	if ip == "" || ip == "0.0.0.0" {
		return nil
	}
	if !b.contains(ip) {
		return nil
	}
	return blockWith(c, b.onMatch, b.reason, map[string]any{
		"module": b.name,
		"ip":     ip,
		"rule":   "blocklist",
	})
}

func (b *IPBlocklist) contains(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	if _, ok := b.exact[addr.Unmap()]; ok {
		return true
	}
	return netutil.IPMatchesAny(ip, b.ranges)
}
