package waf

import (
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	MaxInspectBytes         = 10000
	MaxMatchValueRunes      = 512
	defaultMaxTransformPass = 2
)

type Target string

const (
	TargetQuery   Target = "query"
	TargetBody    Target = "body"
	TargetCookies Target = "cookies"
	TargetHeaders Target = "headers"
	TargetURI     Target = "uri"
	TargetMethod  Target = "method"
	TargetIP      Target = "ip"
	TargetPayload Target = "all"
)

type transform string

const (
	tfLowercase         transform = "lowercase"
	tfURLDecode         transform = "url_decode"
	tfHTMLDecode        transform = "html_decode"
	tfRemoveNulls       transform = "remove_nulls"
	tfCompressWS        transform = "compress_whitespace"
	tfPathNormalize     transform = "path_normalize"
	tfTrimSpace         transform = "trim"
	tfCmdLineNormalize  transform = "cmdline"
	tfDecodeRepeatedURL transform = "url_decode_repeat"
)

// ParseTargets validates target names. Order is preserved and duplicates dropped.
func ParseTargets(values []string) ([]Target, error) {
	out := make([]Target, 0, len(values))
	seen := map[Target]struct{}{}
	for _, raw := range values {
		var t Target
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "query", "args":
			t = TargetQuery
		case "body":
			t = TargetBody
		case "cookies", "cookie":
			t = TargetCookies
		case "headers", "header":
			t = TargetHeaders
		case "uri", "url", "path":
			t = TargetURI
		case "method":
			t = TargetMethod
		case "ip":
			t = TargetIP
		case "all", "payload":
			t = TargetPayload
		default:
			return nil, fmt.Errorf("unknown target %q", raw)
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}

func parseTransforms(values []string) ([]transform, error) {
	out := make([]transform, 0, len(values))
	for _, raw := range values {
		v := strings.ToLower(strings.TrimSpace(raw))
		switch transform(v) {
		case tfLowercase, tfURLDecode, tfHTMLDecode, tfRemoveNulls, tfCompressWS, tfPathNormalize, tfTrimSpace, tfCmdLineNormalize, tfDecodeRepeatedURL:
			out = append(out, transform(v))
		default:
			return nil, fmt.Errorf("unknown transform %q", raw)
		}
	}
	return out, nil
}

// CompilePattern accepts delimited literals such as `/union\s+select/i`,
// `#^/admin#` or `~\.env$~` as well as bare RE2 expressions.
func CompilePattern(literal string) (*regexp.Regexp, error) {
	lit := strings.TrimSpace(literal)
	if lit == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	expr, flags, delimited := splitDelimited(lit)
	if !delimited {
		return regexp.Compile(lit)
	}
	var inline strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's', 'U':
			if !strings.ContainsRune(inline.String(), f) {
				inline.WriteRune(f)
			}
		case 'u', 'D', 'S':
			// UTF-8 is the only mode; the rest are optimiser hints.
		default:
			return nil, fmt.Errorf("unsupported pattern flag %q in %s", f, literal)
		}
	}
	if inline.Len() > 0 {
		expr = "(?" + inline.String() + ")" + expr
	}
	return regexp.Compile(expr)
}

const patternDelimiters = "/#~"

// IsDelimited reports whether an entry is written as a regex literal rather
// than a pattern set name.
func IsDelimited(item string) bool {
	return item != "" && strings.IndexByte(patternDelimiters, item[0]) >= 0
}

func splitDelimited(lit string) (expr, flags string, ok bool) {
	if len(lit) < 2 {
		return "", "", false
	}
	if !IsDelimited(lit) {
		return "", "", false
	}
	delim := lit[0]
	end := strings.LastIndexByte(lit, delim)
	if end <= 0 {
		return "", "", false
	}
	return lit[1:end], lit[end+1:], true
}

type compiledPattern struct {
	source string
	re     *regexp.Regexp
}

// Match describes the first pattern hit of a Matcher.
type Match struct {
	Pattern string
	Value   string
}

// Matcher is the shared engine behind every pattern based module.
type Matcher struct {
	patterns   []compiledPattern
	targets    []Target
	transforms []transform
}

// NewMatcher compiles patterns and silently drops invalid ones, returning them
// so the caller can log. Unknown targets or transforms are configuration errors.
func NewMatcher(patterns, targets, transforms []string) (*Matcher, []string, error) {
	tgts, err := ParseTargets(targets)
	if err != nil {
		return nil, nil, err
	}
	tfs, err := parseTransforms(transforms)
	if err != nil {
		return nil, nil, err
	}
	m := &Matcher{targets: tgts, transforms: tfs}
	var dropped []string
	for _, p := range patterns {
		re, err := CompilePattern(p)
		if err != nil {
			dropped = append(dropped, p)
			continue
		}
		m.patterns = append(m.patterns, compiledPattern{source: p, re: re})
	}
	return m, dropped, nil
}

func (m *Matcher) Len() int {
	return len(m.patterns)
}

func (m *Matcher) Targets() []Target {
	return m.targets
}

// MatchValues tests each value against every pattern in order; first hit wins.
func (m *Matcher) MatchValues(values []string) (Match, bool) {
	for _, v := range dedup(values) {
		probe := TruncateBytes(applyTransforms(v, m.transforms), MaxInspectBytes)
		for _, p := range m.patterns {
			if p.re.MatchString(probe) {
				return Match{Pattern: p.source, Value: v}, true
			}
		}
	}
	return Match{}, false
}

// MatchContext collects the configured targets from c and matches them.
func (m *Matcher) MatchContext(c *Context) (Match, bool) {
	if len(m.patterns) == 0 {
		return Match{}, false
	}
	return m.MatchValues(CollectTargets(c, m.targets))
}

// CollectTargets gathers the values to inspect. all/payload short-circuits to
// the flattened payload; scalar targets come after the collections.
func CollectTargets(c *Context, targets []Target) []string {
	for _, t := range targets {
		if t == TargetPayload {
			return c.FlattenedPayload()
		}
	}
	var values, scalars []string
	for _, t := range targets {
		switch t {
		case TargetQuery:
			values = append(values, Flatten(c.Query())...)
		case TargetBody:
			values = append(values, Flatten(c.Body())...)
		case TargetCookies:
			values = append(values, Flatten(c.Cookies())...)
		case TargetHeaders:
			values = append(values, headerValues(c.Headers())...)
		case TargetURI:
			scalars = append(scalars, c.URI())
		case TargetMethod:
			scalars = append(scalars, c.Method())
		case TargetIP:
			scalars = append(scalars, c.IP())
		}
	}
	return append(values, scalars...)
}

func headerValues(h map[string]string) []string {
	out := make([]string, 0, len(h))
	for _, name := range sortedKeys(h) {
		out = append(out, h[name])
	}
	return out
}

// TruncateBytes caps s at max bytes, backing off to a rune boundary.
func TruncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// TruncateRunes shortens s to max runes and appends "..." when it was longer.
func TruncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i] + "..."
		}
		n++
	}
	return s
}

func applyTransforms(s string, tfs []transform) string {
	out := s
	for _, tf := range tfs {
		switch tf {
		case tfLowercase:
			out = strings.ToLower(out)
		case tfURLDecode:
			if decoded, err := url.QueryUnescape(out); err == nil {
				out = decoded
			}
		case tfDecodeRepeatedURL:
			for i := 0; i < defaultMaxTransformPass; i++ {
				decoded, err := url.QueryUnescape(out)
				if err != nil || decoded == out {
					break
				}
				out = decoded
			}
		case tfHTMLDecode:
			out = html.UnescapeString(out)
		case tfRemoveNulls:
			out = strings.ReplaceAll(out, "\x00", "")
		case tfCompressWS:
			out = strings.Join(strings.Fields(out), " ")
		case tfTrimSpace:
			out = strings.TrimSpace(out)
		case tfCmdLineNormalize:
			out = strings.ReplaceAll(out, "\\", "/")
			out = strings.ReplaceAll(out, "\"", "")
			out = strings.ReplaceAll(out, "'", "")
			out = strings.Join(strings.Fields(out), " ")
		case tfPathNormalize:
			trimmed := strings.TrimSpace(out)
			if trimmed == "" {
				break
			}
			if !strings.HasPrefix(trimmed, "/") {
				trimmed = "/" + trimmed
			}
			out = path.Clean(trimmed)
		}
	}
	return out
}

func dedup(values []string) []string {
	set := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// LogDropped reports patterns that failed to compile.
func LogDropped(logger *slog.Logger, module string, dropped []string, kept int) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, p := range dropped {
		logger.Warn("waf pattern dropped", "module", module, "pattern", p)
	}
	if len(dropped) > 0 && kept == 0 {
		logger.Warn("waf module has no valid patterns", "module", module)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
