package registry

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/BespredeL/wafu/internal/config"
	"github.com/BespredeL/wafu/internal/limits"
	"github.com/BespredeL/wafu/internal/waf"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func spec(t *testing.T, typ string, args map[string]any) config.Spec {
	t.Helper()
	s, err := config.NewSpec(typ, args)
	if err != nil {
		t.Fatalf("NewSpec: %v", err)
	}
	return s
}

type countingAction struct {
	calls *[]string
	name  string
}

func (a countingAction) Execute(*waf.Context) { *a.calls = append(*a.calls, a.name) }

func TestPatterns(t *testing.T) {
	p := NewPatterns(map[string][]string{
		"custom":       {`/evil/i`},
		"sql_keywords": {`/only/`},
		"broken":       {`/ok/`, " "},
	})

	if set, err := p.Get("xss_basic"); err != nil || len(set) == 0 {
		t.Fatalf("built-in set missing: %v", err)
	}
	if set, _ := p.Get("sql_keywords"); len(set) != 1 || set[0] != "/only/" {
		t.Fatalf("configured set must replace the built-in one, got %v", set)
	}
	if _, err := p.Get("ghost"); err == nil || !strings.HasPrefix(err.Error(), "registry:") {
		t.Fatalf("expected registry error for unknown set, got %v", err)
	}
	if _, err := p.Get("broken"); err == nil {
		t.Fatal("expected error for empty pattern")
	}

	got, err := p.Expand([]string{"custom", `/raw/`, `#hash#i`, `~\.env$~i`, ""})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if strings.Join(got, " ") != `/evil/i /raw/ #hash#i ~\.env$~i` {
		t.Fatalf("unexpected expansion %v", got)
	}
	if _, err := p.Expand([]string{"nope"}); err == nil {
		t.Fatal("expected error for unknown set name")
	}
}

func TestActionsGet(t *testing.T) {
	a := NewActions(map[string]config.Spec{
		"deny":  spec(t, "block", map[string]any{"status": 451, "message": "gone"}),
		"slow":  spec(t, "challenge", map[string]any{"retry_after": 30}),
		"audit": spec(t, "log", map[string]any{"channel": "security"}),
		"bus":   spec(t, "kafka", map[string]any{"topic": "waf"}),
		"odd":   spec(t, "teleport", nil),
	}, quietLogger())

	first, err := a.Get("deny")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	second, _ := a.Get("deny")
	if first != second {
		t.Fatal("actions must be cached")
	}

	c := waf.NewContext(waf.Request{Method: "GET", URI: "/"})
	first.Execute(c)
	resp, ok := c.PendingResponse()
	if !ok || resp.Status != 451 || resp.Body != "gone" {
		t.Fatalf("unexpected response %+v", resp)
	}

	slow, err := a.Get("slow")
	if err != nil {
		t.Fatalf("Get challenge: %v", err)
	}
	c = waf.NewContext(waf.Request{})
	slow.Execute(c)
	if resp, _ := c.PendingResponse(); resp.Status != 429 || resp.Headers["Retry-After"] != "30" {
		t.Fatalf("unexpected challenge response %+v", resp)
	}

	if _, err := a.Get("audit"); err != nil {
		t.Fatalf("Get log: %v", err)
	}
	if _, err := a.Get("bus"); err == nil || !strings.Contains(err.Error(), `registry: action "bus"`) {
		t.Fatalf("expected kafka validation error, got %v", err)
	}
	if _, err := a.Get("odd"); err == nil || !strings.Contains(err.Error(), "unknown type") {
		t.Fatalf("expected unknown type error, got %v", err)
	}
	if _, err := a.Get("missing"); err == nil {
		t.Fatal("expected error for undefined action")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func newBuilder(t *testing.T, actions map[string]config.Spec, patterns map[string][]string) *Builder {
	t.Helper()
	return &Builder{
		Actions:  NewActions(actions, quietLogger()),
		Patterns: NewPatterns(patterns),
		Stores:   limits.NewFactory(limits.StoreConfig{Driver: limits.DriverMemory}),
		Logger:   quietLogger(),
	}
}

func TestModulesBuildDefaultConfig(t *testing.T) {
	cfg := config.Default()
	b := newBuilder(t, cfg.Actions, cfg.Patterns)
	mods := NewModules(cfg.Modules, b)

	for _, name := range cfg.Pipeline {
		if _, err := mods.Module(name); err != nil {
			t.Fatalf("module %s: %v", name, err)
		}
	}

	e, err := waf.NewEngine(mods, cfg.Pipeline, waf.ModeEnforce, quietLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	c := waf.NewContext(waf.Request{
		Method:     "GET",
		URI:        "/download",
		RemoteAddr: "203.0.113.7",
		Headers:    map[string][]string{"User-Agent": {"Mozilla/5.0"}},
		Query:      waf.Params{"file": "/etc/passwd"},
	})
	d := e.Run(c)
	if !d.Blocked {
		t.Fatal("expected the lfi module to block")
	}
	if resp, ok := c.PendingResponse(); !ok || resp.Status != 403 || resp.Body != "Blocked by WAFU" {
		t.Fatalf("expected block response, got %+v", resp)
	}
	v, _ := c.Attribute(waf.AttrMatch)
	if m, _ := v.(map[string]any); m["module"] != "lfi" {
		t.Fatalf("expected match from lfi, got %v", v)
	}

	c = waf.NewContext(waf.Request{
		Method:     "GET",
		URI:        "/",
		RemoteAddr: "203.0.113.8",
		Headers:    map[string][]string{"User-Agent": {"Mozilla/5.0"}},
	})
	if d := e.Run(c); d.Blocked {
		t.Fatalf("clean request blocked: %+v", d)
	}

	c = waf.NewContext(waf.Request{Method: "GET", URI: "/.git/config", RemoteAddr: "203.0.113.9"})
	if d := e.Run(c); !d.Blocked || d.Reason != "URI is not allowed" {
		t.Fatalf("expected uri deny, got %+v", d)
	}
}

func TestModulesErrors(t *testing.T) {
	b := newBuilder(t, map[string]config.Spec{"block": spec(t, "block", nil)}, nil)
	mods := NewModules(map[string]config.Spec{
		"bad_type":    spec(t, "quantum", nil),
		"bad_action":  spec(t, "ip_blocklist", map[string]any{"on_match": "ghost"}),
		"bad_set":     spec(t, "regex_match", map[string]any{"patterns": []string{"no_such_set"}}),
		"bad_target":  spec(t, "regex_match", map[string]any{"targets": []string{"nowhere"}, "patterns": []string{"/x/"}}),
		"bad_uri_set": spec(t, "uri_allow_deny", map[string]any{"deny_regex": []string{"missing"}}),
	}, b)

	for _, name := range []string{"bad_type", "bad_action", "bad_set", "bad_target", "bad_uri_set", "undefined"} {
		_, err := mods.Module(name)
		if err == nil || !strings.HasPrefix(err.Error(), "registry:") {
			t.Fatalf("%s: expected registry error, got %v", name, err)
		}
	}
}

func TestModulesChainActions(t *testing.T) {
	var calls []string
	b := newBuilder(t, map[string]config.Spec{
		"first":  spec(t, "count", map[string]any{"id": "first"}),
		"second": spec(t, "count", map[string]any{"id": "second"}),
	}, nil)
	b.Actions.Register("count", func(s config.Spec, _ *slog.Logger) (waf.Action, error) {
		var args struct {
			ID string `yaml:"id"`
		}
		if err := s.Decode(&args); err != nil {
			return nil, err
		}
		return countingAction{calls: &calls, name: args.ID}, nil
	})
	mods := NewModules(map[string]config.Spec{
		"methods": spec(t, "method_allowlist", map[string]any{
			"allow":   []string{"GET"},
			"on_deny": "first",
			"actions": []string{"first", "second"},
		}),
	}, b)

	e, err := waf.NewEngine(mods, []string{"methods"}, waf.ModeEnforce, quietLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	d := e.Run(waf.NewContext(waf.Request{Method: "DELETE", URI: "/"}))
	if !d.Blocked || strings.Join(calls, ",") != "first,second" {
		t.Fatalf("expected chained actions, blocked=%v calls=%v", d.Blocked, calls)
	}
}

func TestModulesRateLimitStore(t *testing.T) {
	b := newBuilder(t, map[string]config.Spec{"block": spec(t, "block", nil)}, nil)
	mods := NewModules(map[string]config.Spec{
		"rl": spec(t, "rate_limit", map[string]any{
			"limit":          2,
			"interval":       60,
			"on_exceed":      "block",
			"gc_probability": -1,
		}),
	}, b)
	m, err := mods.Module("rl")
	if err != nil {
		t.Fatalf("Module: %v", err)
	}
	again, _ := mods.Module("rl")
	if m != again {
		t.Fatal("modules must be cached")
	}

	var blocked int
	for i := 0; i < 3; i++ {
		if d := m.Handle(waf.NewContext(waf.Request{Method: "GET", URI: "/", RemoteAddr: "198.51.100.1"})); d != nil && d.Blocked {
			blocked++
		}
	}
	if blocked != 1 {
		t.Fatalf("expected only the third request to be blocked, got %d", blocked)
	}
}

func TestModulesTildeDelimitedRegex(t *testing.T) {
	b := newBuilder(t, map[string]config.Spec{"block": spec(t, "block", nil)}, nil)
	mods := NewModules(map[string]config.Spec{
		"uri": spec(t, "uri_allow_deny", map[string]any{
			"deny_regex": []string{`~\.env$~i`},
			"on_deny":    "block",
		}),
	}, b)
	m, err := mods.Module("uri")
	if err != nil {
		t.Fatalf("Module: %v", err)
	}
	if d := m.Handle(waf.NewContext(waf.Request{Method: "GET", URI: "/app/.ENV"})); d == nil || !d.Blocked {
		t.Fatalf("expected ~-delimited deny rule to match, got %+v", d)
	}
}

func TestModulesCounterLimits(t *testing.T) {
	b := newBuilder(t, map[string]config.Spec{"block": spec(t, "block", nil)}, nil)
	mods := NewModules(map[string]config.Spec{
		"rl_off":     spec(t, "rate_limit", map[string]any{"limit": 0, "on_exceed": "block", "gc_probability": -1}),
		"rl_default": spec(t, "rate_limit", map[string]any{"on_exceed": "block", "gc_probability": -1}),
		"nf_off":     spec(t, "not_found_abuse", map[string]any{"threshold": 0, "on_exceed": "block", "gc_probability": -1}),
		"nf_default": spec(t, "not_found_abuse", map[string]any{"on_exceed": "block", "gc_probability": -1}),
	}, b)

	firstBlock := func(name string, requests int, status int) int {
		t.Helper()
		m, err := mods.Module(name)
		if err != nil {
			t.Fatalf("Module(%s): %v", name, err)
		}
		for i := 1; i <= requests; i++ {
			c := waf.NewContext(waf.Request{Method: "GET", URI: "/", RemoteAddr: "198.51.100.7"})
			if status != 0 {
				c.SetAttribute(waf.AttrHTTPStatusCode, status)
			}
			if d := m.Handle(c); d != nil && d.Blocked {
				return i
			}
		}
		return 0
	}

	if n := firstBlock("rl_off", 300, 0); n != 0 {
		t.Fatalf("limit 0 must disable rate limiting, blocked at %d", n)
	}
	if n := firstBlock("rl_default", 300, 0); n != 101 {
		t.Fatalf("expected the default limit of 100, blocked at %d", n)
	}
	if n := firstBlock("nf_off", 50, 404); n != 0 {
		t.Fatalf("threshold 0 must disable 404 counting, blocked at %d", n)
	}
	if n := firstBlock("nf_default", 50, 404); n != 11 {
		t.Fatalf("expected the default threshold of 10, blocked at %d", n)
	}
}

func TestModulesNames(t *testing.T) {
	mods := NewModules(map[string]config.Spec{"b": {}, "a": {}}, &Builder{Logger: quietLogger()})
	if strings.Join(mods.Names(), ",") != "a,b" {
		t.Fatalf("unexpected names %v", mods.Names())
	}
}
