// Package modules holds the detection units evaluated by the waf engine.
package modules

import (
	"log/slog"

	"github.com/BespredeL/wafu/internal/waf"
)

// Module type names used in configuration.
const (
	TypeRegexMatch    = "regex_match"
	TypePathTraversal = "path_traversal"
	TypeLFI           = "lfi"
	TypeRCE           = "rce"
	TypeIPBlocklist   = "ip_blocklist"
	TypeMethodAllow   = "method_allowlist"
	TypeURIAllowDeny  = "uri_allow_deny"
	TypeHeader        = "header"
	TypeRateLimit     = "rate_limit"
	TypeNotFoundAbuse = "not_found_abuse"
)

const (
	keyByIP       = "ip"
	keyByIPAndURI = "ip+uri"
)

// blockWith records match on the context and builds the blocking decision.
func blockWith(c *waf.Context, a waf.Action, reason string, match map[string]any) *waf.Decision {
	c.SetAttribute(waf.AttrMatch, match)
	d := waf.BlockFor(c, a, reason, match)
	return &d
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orLogger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

func counterKey(c *waf.Context, keyBy string) string {
	if keyBy == keyByIPAndURI {
		return c.IP() + "|" + c.URI()
	}
	return c.IP()
}

func normalizeKeyBy(v string) string {
	if v == keyByIPAndURI {
		return v
	}
	return keyByIP
}
