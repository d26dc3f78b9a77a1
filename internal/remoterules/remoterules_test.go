package remoterules

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newKeys(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return base64.StdEncoding.EncodeToString(pub), priv
}

func signedBody(t *testing.T, priv ed25519.PrivateKey, ruleset map[string]any) []byte {
	t.Helper()
	msg, err := Canonicalize(ruleset)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	out := make(map[string]any, len(ruleset)+1)
	for k, v := range ruleset {
		out[k] = v
	}
	out["signature"] = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, msg))
	raw, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return raw
}

func decoded(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := decodeJSON(raw, &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

func TestCanonicalize(t *testing.T) {
	var v any
	if err := decodeJSON([]byte(`{"z":[1,{"k":true}],"n":1.50,"a":"<b>/c","u":"é","x":null}`), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := Canonicalize(v)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	want := `{"a":"<b>/c","n":1.50,"u":"é","x":null,"z":[1,{"k":true}]}`
	if string(got) != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestVerifySignature(t *testing.T) {
	pub, priv := newKeys(t)
	cfg := SignatureSettings{Enabled: true, PublicKeyBase64: pub}
	body := signedBody(t, priv, map[string]any{"ttl": 60, "config": map[string]any{"mode": "report"}})

	if err := VerifySignature(decoded(t, body), cfg); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	tampered := decoded(t, body)
	tampered["config"].(map[string]any)["mode"] = "enforce"
	if err := VerifySignature(tampered, cfg); !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature for tampered ruleset, got %v", err)
	}

	missing := decoded(t, body)
	delete(missing, "signature")
	if err := VerifySignature(missing, cfg); !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature for missing signature, got %v", err)
	}

	cases := []SignatureSettings{
		{Enabled: true},
		{Enabled: true, PublicKeyBase64: "%%%"},
		{Enabled: true, PublicKeyBase64: pub, Algo: "rsa"},
	}
	for _, c := range cases {
		if err := VerifySignature(decoded(t, body), c); !errors.Is(err, ErrSignature) {
			t.Fatalf("settings %+v: expected ErrSignature, got %v", c, err)
		}
	}

	if err := VerifySignature(missing, SignatureSettings{}); err != nil {
		t.Fatalf("disabled verification must pass, got %v", err)
	}
}

func TestFileCache(t *testing.T) {
	dir := t.TempDir()
	c := NewFileCache(filepath.Join(dir, "nested"), "../escape.json")
	if c.Read() != nil {
		t.Fatal("expected nil for missing cache")
	}
	if filepath.Dir(c.Path()) != filepath.Join(dir, "nested") {
		t.Fatalf("cache file must stay inside the cache dir, got %s", c.Path())
	}

	rec := CacheRecord{ETag: `"v1"`, FetchedAt: 100, TTL: 60, Ruleset: map[string]any{"config": map[string]any{"mode": "report"}}}
	if err := c.Write(rec); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(c.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file must be renamed away")
	}
	got := c.Read()
	if got == nil || got.ETag != `"v1"` || got.TTL != 60 || configOf(got.Ruleset)["mode"] != "report" {
		t.Fatalf("unexpected record %+v", got)
	}

	if err := os.WriteFile(c.Path(), []byte("{broken"), 0o640); err != nil {
		t.Fatal(err)
	}
	if c.Read() != nil {
		t.Fatal("malformed cache must read as nil")
	}
}

func TestIsFresh(t *testing.T) {
	cases := []struct {
		now, fetched, ttl int64
		want              bool
	}{
		{100, 50, 60, true},
		{110, 50, 60, false},
		{100, 100, 0, false},
		{100, 90, -5, false},
	}
	for _, c := range cases {
		if got := IsFresh(c.now, c.fetched, c.ttl); got != c.want {
			t.Fatalf("IsFresh(%d,%d,%d) = %v", c.now, c.fetched, c.ttl, got)
		}
	}
}

func TestClientRejectsUnsafeURLs(t *testing.T) {
	c := NewClient(ClientOptions{})
	for _, u := range []string{"http://127.0.0.1/rules", "http://localhost/rules", "http://10.1.2.3/", "ftp://example.com/", "file:///etc/passwd"} {
		if _, err := c.Get(context.Background(), u, nil); !errors.Is(err, ErrUnsafeURL) {
			t.Fatalf("%s: expected ErrUnsafeURL, got %v", u, err)
		}
	}

	open := NewClient(ClientOptions{AllowInternal: true})
	if _, err := open.Get(context.Background(), "gopher://127.0.0.1/", nil); !errors.Is(err, ErrUnsafeURL) {
		t.Fatalf("non-http scheme must be rejected, got %v", err)
	}
}

func TestClientGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/redirect" {
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
			return
		}
		w.Header().Set("ETag", `"abc"`)
		w.Header().Add("X-Multi", "a")
		w.Header().Add("X-Multi", "b")
		io.WriteString(w, r.Header.Get("User-Agent")+"|"+r.Header.Get("X-Token"))
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{AllowInternal: true})
	resp, err := c.Get(context.Background(), srv.URL+"/rules", map[string]string{"X-Token": "t"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.Status != 200 || string(resp.Body) != DefaultUserAgent+"|t" {
		t.Fatalf("unexpected response %d %q", resp.Status, resp.Body)
	}
	if resp.Headers["etag"] != `"abc"` || resp.Headers["x-multi"] != "a, b" {
		t.Fatalf("unexpected headers %v", resp.Headers)
	}

	resp, err = c.Get(context.Background(), srv.URL+"/redirect", nil)
	if err != nil {
		t.Fatalf("Get redirect: %v", err)
	}
	if resp.Status != http.StatusFound {
		t.Fatalf("redirects must not be followed, got %d", resp.Status)
	}
}

type rulesServer struct {
	srv    *httptest.Server
	hits   atomic.Int32
	status atomic.Int32
	body   atomic.Value
}

func newRulesServer(t *testing.T, body []byte) *rulesServer {
	t.Helper()
	rs := &rulesServer{}
	rs.body.Store(body)
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.hits.Add(1)
		if s := rs.status.Load(); s != 0 {
			w.WriteHeader(int(s))
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write(rs.body.Load().([]byte))
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

func newTestManager(t *testing.T, s Settings) *Manager {
	t.Helper()
	s.Enabled = true
	if s.CacheDir == "" {
		s.CacheDir = t.TempDir()
	}
	return NewManager(s, NewClient(ClientOptions{AllowInternal: true}), nil, quietLogger())
}

func TestManagerFetchCachesAndRevalidates(t *testing.T) {
	pub, priv := newKeys(t)
	rs := newRulesServer(t, signedBody(t, priv, map[string]any{
		"ttl":    60,
		"config": map[string]any{"mode": "report", "modules": map[string]any{"rate_limit": map[string]any{"limit": 5}}},
	}))
	m := newTestManager(t, Settings{
		Endpoint:  rs.srv.URL,
		Signature: SignatureSettings{Enabled: true, PublicKeyBase64: pub},
	})
	start := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return start }

	cfg, err := m.FetchConfig(context.Background())
	if err != nil {
		t.Fatalf("FetchConfig: %v", err)
	}
	if cfg["mode"] != "report" {
		t.Fatalf("unexpected config %v", cfg)
	}
	limit := cfg["modules"].(map[string]any)["rate_limit"].(map[string]any)["limit"]
	if limit != 5 {
		t.Fatalf("numbers must come back as plain ints, got %T %v", limit, limit)
	}
	rec := m.cache.Read()
	if rec == nil || rec.ETag != `"v1"` || rec.TTL != 60 || rec.FetchedAt != start.Unix() {
		t.Fatalf("unexpected cache record %+v", rec)
	}

	if _, err := m.FetchConfig(context.Background()); err != nil || rs.hits.Load() != 1 {
		t.Fatalf("fresh cache must not hit the server: hits=%d err=%v", rs.hits.Load(), err)
	}

	m.now = func() time.Time { return start.Add(2 * time.Minute) }
	cfg, err = m.FetchConfig(context.Background())
	if err != nil || cfg["mode"] != "report" || rs.hits.Load() != 2 {
		t.Fatalf("expected 304 revalidation: hits=%d cfg=%v err=%v", rs.hits.Load(), cfg, err)
	}
}

func TestManagerClampsTTL(t *testing.T) {
	rs := newRulesServer(t, []byte(`{"ttl":99999,"config":{"mode":"report"}}`))
	maxTTL := 30
	m := newTestManager(t, Settings{Endpoint: rs.srv.URL, MaxTTL: &maxTTL})
	if _, err := m.FetchConfig(context.Background()); err != nil {
		t.Fatalf("FetchConfig: %v", err)
	}
	if rec := m.cache.Read(); rec == nil || rec.TTL != 30 {
		t.Fatalf("ttl must be clamped to 30, got %+v", rec)
	}
}

func TestManagerFallsBackToCache(t *testing.T) {
	rs := newRulesServer(t, []byte(`{"config":{"mode":"report"}}`))
	dir := t.TempDir()
	m := newTestManager(t, Settings{Endpoint: rs.srv.URL, CacheDir: dir})
	if err := m.cache.Write(CacheRecord{ETag: `"old"`, FetchedAt: 1, TTL: 1, Ruleset: map[string]any{"config": map[string]any{"mode": "cached"}}}); err != nil {
		t.Fatal(err)
	}

	rs.status.Store(http.StatusInternalServerError)
	cfg, err := m.FetchConfig(context.Background())
	if err != nil || cfg["mode"] != "cached" {
		t.Fatalf("expected cached config on 500, got %v %v", cfg, err)
	}

	rs.status.Store(0)
	rs.body.Store([]byte(`{not json`))
	cfg, err = m.FetchConfig(context.Background())
	if err != nil || cfg["mode"] != "cached" {
		t.Fatalf("expected cached config on malformed json, got %v %v", cfg, err)
	}

	off := false
	strict := newTestManager(t, Settings{Endpoint: rs.srv.URL, CacheDir: dir, UseCacheOnError: &off})
	cfg, err = strict.FetchConfig(context.Background())
	if err != nil || cfg != nil {
		t.Fatalf("expected nil without cache fallback, got %v %v", cfg, err)
	}
}

func TestManagerRejectsOversizedBody(t *testing.T) {
	rs := newRulesServer(t, []byte(`{"config":{"mode":"report","pad":"xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"}}`))
	m := newTestManager(t, Settings{Endpoint: rs.srv.URL, MaxJSONSize: 16})
	cfg, err := m.FetchConfig(context.Background())
	if err != nil || cfg != nil {
		t.Fatalf("expected nil for oversized body, got %v %v", cfg, err)
	}
}

func TestManagerHardErrors(t *testing.T) {
	rs := newRulesServer(t, []byte(`{"ttl":60}`))
	m := newTestManager(t, Settings{Endpoint: rs.srv.URL})
	if _, err := m.FetchConfig(context.Background()); !errors.Is(err, ErrInvalidRuleset) {
		t.Fatalf("expected ErrInvalidRuleset, got %v", err)
	}

	pub, priv := newKeys(t)
	body := decoded(t, signedBody(t, priv, map[string]any{"config": map[string]any{"mode": "report"}}))
	body["config"].(map[string]any)["mode"] = "off"
	tampered, _ := json.Marshal(body)
	rs.body.Store(tampered)
	m = newTestManager(t, Settings{Endpoint: rs.srv.URL, Signature: SignatureSettings{Enabled: true, PublicKeyBase64: pub}})
	if _, err := m.FetchConfig(context.Background()); !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature, got %v", err)
	}
	if m.cache.Read() != nil {
		t.Fatal("a rejected ruleset must not be cached")
	}
}

func TestManagerDisabled(t *testing.T) {
	m := NewManager(Settings{Endpoint: "https://rules.example.com"}, nil, NewFileCache(t.TempDir(), ""), quietLogger())
	if cfg, err := m.FetchConfig(context.Background()); cfg != nil || err != nil {
		t.Fatalf("disabled manager must return nil, got %v %v", cfg, err)
	}
}

func TestMerge(t *testing.T) {
	local := map[string]any{
		"mode":         "enforce",
		"pipeline":     []any{"a", "b", "c"},
		"modules":      map[string]any{"rl": map[string]any{"limit": 100, "interval": 60}},
		"remote_rules": map[string]any{"enabled": true, "endpoint": "https://local"},
	}
	remote := map[string]any{
		"mode":         "report",
		"pipeline":     []any{"x"},
		"modules":      map[string]any{"rl": map[string]any{"limit": 5}},
		"remote_rules": map[string]any{"enabled": false},
	}

	got := Merge(local, remote, MergeRemoteWins)
	if got["mode"] != "report" || len(got["pipeline"].([]any)) != 1 {
		t.Fatalf("remote_wins: unexpected %v", got)
	}
	rl := got["modules"].(map[string]any)["rl"].(map[string]any)
	if rl["limit"] != 5 || rl["interval"] != 60 {
		t.Fatalf("maps must merge recursively, got %v", rl)
	}
	if got["remote_rules"].(map[string]any)["enabled"] != true {
		t.Fatal("local remote_rules must be preserved")
	}

	got = Merge(local, remote, MergeLocalWins)
	if got["mode"] != "enforce" || len(got["pipeline"].([]any)) != 3 {
		t.Fatalf("local_wins: unexpected %v", got)
	}
	if got["modules"].(map[string]any)["rl"].(map[string]any)["limit"] != 100 {
		t.Fatal("local values must win")
	}

	noRR := Merge(map[string]any{"mode": "enforce"}, remote, MergeRemoteWins)
	if _, ok := noRR["remote_rules"]; ok {
		t.Fatal("remote must not introduce remote_rules")
	}

	got["modules"].(map[string]any)["rl"].(map[string]any)["limit"] = 1
	if local["modules"].(map[string]any)["rl"].(map[string]any)["limit"] != 100 {
		t.Fatal("Merge must not alias its inputs")
	}
}

func TestSettingsDefaults(t *testing.T) {
	var s Settings
	if !s.useCacheOnError() || s.maxTTL() != defaultMaxTTL || s.maxJSONSize() != defaultMaxJSONSize {
		t.Fatal("unexpected defaults")
	}
	if s.Strategy() != MergeRemoteWins || (Settings{MergeStrategy: "local_wins"}).Strategy() != MergeLocalWins {
		t.Fatal("unexpected strategy")
	}
	zero := 0
	if clampTTL(1_000_000, (Settings{MaxTTL: &zero}).maxTTL()) != 1_000_000 {
		t.Fatal("max_ttl 0 disables the cap")
	}
}
