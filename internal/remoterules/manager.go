package remoterules

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"
)

const maxJSONDepth = 32

// ErrInvalidRuleset is returned when a fetched ruleset has no config object.
var ErrInvalidRuleset = errors.New("remoterules: invalid ruleset: missing config")

// Manager refreshes the remote ruleset through the cache.
type Manager struct {
	settings Settings
	client   Getter
	cache    *FileCache
	logger   *slog.Logger
	now      func() time.Time
}

func NewManager(settings Settings, client Getter, cache *FileCache, logger *slog.Logger) *Manager {
	if client == nil {
		client = NewClient(ClientOptions{MaxBodySize: int64(settings.maxJSONSize())})
	}
	if cache == nil {
		cache = NewFileCache(settings.cacheDir(), settings.cacheFile())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{settings: settings, client: client, cache: cache, logger: logger, now: time.Now}
}

// FetchConfig returns the remote config section, or nil when remote rules are
// disabled or unavailable and the local config should be used as is.
// Validation and signature failures are returned as errors.
func (m *Manager) FetchConfig(ctx context.Context) (map[string]any, error) {
	if !m.settings.Enabled || m.settings.Endpoint == "" {
		return nil, nil
	}
	now := m.now().Unix()
	maxTTL := m.settings.maxTTL()

	cached := m.cache.Read()
	var etag string
	if cached != nil {
		etag = cached.ETag
		if IsFresh(now, cached.FetchedAt, clampTTL(cached.TTL, maxTTL)) {
			return configOf(cached.Ruleset), nil
		}
	}

	headers := make(map[string]string, len(m.settings.Headers)+1)
	for k, v := range m.settings.Headers {
		headers[k] = v
	}
	if etag != "" {
		headers["If-None-Match"] = etag
	}

	resp, err := m.client.Get(ctx, m.settings.Endpoint, headers)
	if err != nil {
		m.logger.Warn("remote rules fetch failed", "endpoint", m.settings.Endpoint, "error", err)
		return m.fallback(cached, "fetch failed"), nil
	}
	if resp.Status == 304 && cached != nil {
		return configOf(cached.Ruleset), nil
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return m.fallback(cached, "status "+strconv.Itoa(resp.Status)), nil
	}
	if len(resp.Body) > m.settings.maxJSONSize() {
		return m.fallback(cached, "body too large"), nil
	}

	var ruleset map[string]any
	if err := decodeJSON(resp.Body, &ruleset); err != nil || ruleset == nil || depth(ruleset) > maxJSONDepth {
		return m.fallback(cached, "malformed json"), nil
	}
	if _, ok := ruleset["config"].(map[string]any); !ok {
		return nil, ErrInvalidRuleset
	}
	if err := VerifySignature(ruleset, m.settings.Signature); err != nil {
		return nil, err
	}

	ttl := int64(defaultTTL)
	if v, ok := ruleset["ttl"]; ok {
		ttl = toInt64(v)
	}
	if ttl < 0 {
		ttl = 0
	}
	ttl = clampTTL(ttl, maxTTL)

	if err := m.cache.Write(CacheRecord{
		ETag:      resp.Headers["etag"],
		FetchedAt: now,
		TTL:       ttl,
		Ruleset:   ruleset,
	}); err != nil {
		m.logger.Warn("remote rules cache write failed", "path", m.cache.Path(), "error", err)
	}
	return configOf(ruleset), nil
}

func (m *Manager) fallback(cached *CacheRecord, why string) map[string]any {
	if cached != nil && m.settings.useCacheOnError() {
		m.logger.Info("remote rules unavailable, using cache", "reason", why)
		return configOf(cached.Ruleset)
	}
	m.logger.Warn("remote rules unavailable", "reason", why)
	return nil
}

// configOf returns the config section with json.Number values turned into
// plain ints and floats so it can be merged with YAML-loaded config.
func configOf(ruleset map[string]any) map[string]any {
	cfg, _ := ruleset["config"].(map[string]any)
	if cfg == nil {
		return nil
	}
	return plainNumbers(cfg).(map[string]any)
}

func plainNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = plainNumbers(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = plainNumbers(item)
		}
		return out
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n)
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	}
	return v
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return int64(f)
		}
	case float64:
		return int64(t)
	case int:
		return int64(t)
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	}
	return 0
}

func depth(v any) int {
	switch t := v.(type) {
	case map[string]any:
		d := 0
		for _, item := range t {
			d = max(d, depth(item))
		}
		return d + 1
	case []any:
		d := 0
		for _, item := range t {
			d = max(d, depth(item))
		}
		return d + 1
	}
	return 0
}
