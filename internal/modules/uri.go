package modules

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/BespredeL/wafu/internal/waf"
)

type URIAllowDenyConfig struct {
	Name        string
	AllowRegex  []string
	DenyRegex   []string
	AllowPrefix []string
	DenyPrefix  []string
	OnDeny      waf.Action
	Reason      string
	Logger      *slog.Logger
}

type uriRegex struct {
	source string
	re     *regexp.Regexp
}

// URIAllowDeny evaluates deny prefixes, then deny regexes, then requires an
// allow rule to match when any are configured.
type URIAllowDeny struct {
	name        string
	allowRegex  []uriRegex
	denyRegex   []uriRegex
	allowPrefix []string
	denyPrefix  []string
	onDeny      waf.Action
	reason      string
}

func NewURIAllowDeny(cfg URIAllowDenyConfig) *URIAllowDeny {
	name := orDefault(cfg.Name, TypeURIAllowDeny)
	logger := orLogger(cfg.Logger)
	return &URIAllowDeny{
		name:        name,
		allowRegex:  compileURIRegexes(logger, name, cfg.AllowRegex),
		denyRegex:   compileURIRegexes(logger, name, cfg.DenyRegex),
		allowPrefix: nonEmpty(cfg.AllowPrefix),
		denyPrefix:  nonEmpty(cfg.DenyPrefix),
		onDeny:      cfg.OnDeny,
		reason:      orDefault(cfg.Reason, "URI is not allowed"),
	}
}

func compileURIRegexes(logger *slog.Logger, module string, patterns []string) []uriRegex {
	var out []uriRegex
	var dropped []string
	for _, p := range patterns {
		re, err := waf.CompilePattern(p)
		if err != nil {
			dropped = append(dropped, p)
			continue
		}
		out = append(out, uriRegex{source: p, re: re})
	}
	waf.LogDropped(logger, module, dropped, len(out))
	return out
}

func nonEmpty(in []string) []string {
	var out []string
	for _, v := range in {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (u *URIAllowDeny) Handle(c *waf.Context) *waf.Decision {
	if u.onDeny == nil {
		return nil
	}
	uri := c.URI()
	if uri == "" {
		uri = "/"
	}

	for _, p := range u.denyPrefix {
		if strings.HasPrefix(uri, p) {
			return u.deny(c, uri, "denyPrefix", p)
		}
	}
	for _, rx := range u.denyRegex {
		if rx.re.MatchString(uri) {
			return u.deny(c, uri, "denyRegex", rx.source)
		}
	}

	if len(u.allowPrefix) == 0 && len(u.allowRegex) == 0 {
		return nil
	}
	for _, p := range u.allowPrefix {
		if strings.HasPrefix(uri, p) {
			return nil
		}
	}
	for _, rx := range u.allowRegex {
		if rx.re.MatchString(uri) {
			return nil
		}
	}
	return u.deny(c, uri, "allow", "no-match")
}

func (u *URIAllowDeny) deny(c *waf.Context, uri, typ, rule string) *waf.Decision {
	return blockWith(c, u.onDeny, u.reason, map[string]any{
		"module": u.name,
		"uri":    uri,
		"type":   typ,
		"rule":   rule,
	})
}
