package modules

import (
	"log/slog"
	"regexp"

	"github.com/BespredeL/wafu/internal/waf"
)

type HeaderConfig struct {
	Name     string
	Headers  []string
	Patterns []string
	OnMatch  waf.Action
	Reason   string
	Logger   *slog.Logger
}

type headerPattern struct {
	source string
	re     *regexp.Regexp
}

// Header matches selected request headers against regex signatures.
type Header struct {
	name     string
	headers  []string
	patterns []headerPattern
	onMatch  waf.Action
	reason   string
}

func NewHeader(cfg HeaderConfig) *Header {
	name := orDefault(cfg.Name, TypeHeader)
	headers := cfg.Headers
	if len(headers) == 0 {
		headers = []string{"User-Agent"}
	}
	h := &Header{
		name:    name,
		headers: append([]string(nil), headers...),
		onMatch: cfg.OnMatch,
		reason:  orDefault(cfg.Reason, "Suspicious header detected"),
	}
	var dropped []string
	for _, p := range cfg.Patterns {
		re, err := waf.CompilePattern(p)
		if err != nil {
			dropped = append(dropped, p)
			continue
		}
		h.patterns = append(h.patterns, headerPattern{source: p, re: re})
	}
	waf.LogDropped(cfg.Logger, name, dropped, len(h.patterns))
	return h
}

func (h *Header) Handle(c *waf.Context) *waf.Decision {
	if h.onMatch == nil || len(h.patterns) == 0 {
		return nil
	}
	for _, name := range h.headers {
		value, ok := c.Header(name)
		if !ok || value == "" {
			continue
		}
		probe := waf.TruncateBytes(value, waf.MaxInspectBytes)
		for _, p := range h.patterns {
			if !p.re.MatchString(probe) {
				continue
			}
			return blockWith(c, h.onMatch, h.reason, map[string]any{
				"module":  h.name,
				"header":  name,
				"pattern": p.source,
				"value":   waf.TruncateRunes(value, waf.MaxMatchValueRunes),
			})
		}
	}
	return nil
}
