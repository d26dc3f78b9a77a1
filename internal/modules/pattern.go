package modules

import (
	"fmt"
	"log/slog"

	"github.com/BespredeL/wafu/internal/waf"
)

type patternKind struct {
	reason   string
	targets  []string
	patterns []string
}

var patternKinds = map[string]patternKind{
	TypeRegexMatch: {
		reason:  "Attack pattern matched",
		targets: []string{"query", "body"},
	},
	TypePathTraversal: {
		reason:  "Path traversal attempt detected",
		targets: []string{"uri", "query", "body", "cookies"},
		patterns: []string{
			`/\.\.(\/|\\)/`,
			`/%2e%2e(\/|%2f|\\|%5c)/i`,
			`/%252e%252e%252f/i`,
			`/%c0%ae%c0%ae/i`,
		},
	},
	TypeLFI: {
		reason:  "LFI attempt detected",
		targets: []string{"query", "body", "cookies", "uri"},
		patterns: []string{
			`/\bphp:\/\/(?:filter|input|stdin|memory|temp|fd)\b/i`,
			`/\b(?:expect|data|zip|phar):\/\//i`,
			`/\/etc\/passwd\b/i`,
			`/\/etc\/shadow\b/i`,
			`/\/proc\/self\/environ\b/i`,
			`/\/proc\/(?:self|[0-9]+)\/cmdline\b/i`,
			`/\b(?:\.ssh\/authorized_keys|\.ssh\/id_rsa|\.ssh\/id_ed25519)\b/i`,
			`/\b(?:wp-config\.php|config\.php|configuration\.php|\.env)\b/i`,
			`/\b(?:access\.log|error\.log|nginx\.log|apache2\/.*log)\b/i`,
		},
	},
	TypeRCE: {
		reason:  "RCE attempt detected",
		targets: []string{"query", "body", "cookies", "headers", "uri"},
		patterns: []string{
			"/(;|\\|\\||&&|\\||`|\\$\\(|\\$\\{|%60)/",
			`/\b(?:bash|sh|cmd|powershell|pwsh)\b/i`,
			`/\b(?:curl|wget|fetch|tftp)\b/i`,
			`/\b(?:nc|netcat|ncat|socat)\b/i`,
			`/\bpython\s*-c\b/i`,
			`/\bperl\s*-e\b/i`,
			`/\bphp\s*-r\b/i`,
			`/\/bin\/(?:ba)?sh\b.*\s-c\b/i`,
		},
	},
}

// IsPatternType reports whether typ is one of the pattern module flavours.
func IsPatternType(typ string) bool {
	_, ok := patternKinds[typ]
	return ok
}

// DefaultPatterns returns the built-in list for a pattern module type.
func DefaultPatterns(typ string) []string {
	return append([]string(nil), patternKinds[typ].patterns...)
}

type PatternConfig struct {
	Name       string
	Type       string
	Targets    []string
	Patterns   []string
	Transforms []string
	OnMatch    waf.Action
	Reason     string
	Logger     *slog.Logger
}

// Pattern matches request values against regex signatures. regex_match,
// path_traversal, lfi and rce differ only in their defaults.
type Pattern struct {
	name    string
	targets []string
	matcher *waf.Matcher
	onMatch waf.Action
	reason  string
}

func NewPattern(cfg PatternConfig) (*Pattern, error) {
	kind, ok := patternKinds[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("modules: unknown pattern module type %q", cfg.Type)
	}
	targets := cfg.Targets
	if len(targets) == 0 {
		targets = kind.targets
	}
	patterns := cfg.Patterns
	if len(patterns) == 0 {
		patterns = kind.patterns
	}
	name := orDefault(cfg.Name, cfg.Type)

	m, dropped, err := waf.NewMatcher(patterns, targets, cfg.Transforms)
	if err != nil {
		return nil, fmt.Errorf("modules: %s: %w", name, err)
	}
	waf.LogDropped(cfg.Logger, name, dropped, m.Len())

	return &Pattern{
		name:    name,
		targets: append([]string(nil), targets...),
		matcher: m,
		onMatch: cfg.OnMatch,
		reason:  orDefault(cfg.Reason, kind.reason),
	}, nil
}

func (p *Pattern) Handle(c *waf.Context) *waf.Decision {
	if p.onMatch == nil || p.matcher.Len() == 0 {
		return nil
	}
	hit, ok := p.matcher.MatchContext(c)
	if !ok {
		return nil
	}
	return blockWith(c, p.onMatch, p.reason, map[string]any{
		"module":  p.name,
		"pattern": hit.Pattern,
		"value":   waf.TruncateRunes(hit.Value, waf.MaxMatchValueRunes),
		"targets": p.targets,
	})
}
