package modules

import (
	"log/slog"
	"time"

	"github.com/BespredeL/wafu/internal/limits"
	"github.com/BespredeL/wafu/internal/waf"
)

// DefaultRateLimit is the request limit used when none is configured.
const DefaultRateLimit = 100

type RateLimitConfig struct {
	Name string
	// Limit <= 0 disables the module.
	Limit    int
	Interval time.Duration
	KeyBy    string
	OnExceed waf.Action
	Reason   string
	Store    limits.CounterStore
	Logger   *slog.Logger
}

// RateLimit is a sliding-window request counter keyed by client IP or IP+URI.
type RateLimit struct {
	counter
	limit    int
	onExceed waf.Action
	reason   string
}

func NewRateLimit(cfg RateLimitConfig) *RateLimit {
	interval := cfg.Interval
	if interval == 0 {
		interval = 60 * time.Second
	}
	return &RateLimit{
		counter: counter{
			name:     orDefault(cfg.Name, TypeRateLimit),
			interval: interval,
			keyBy:    normalizeKeyBy(cfg.KeyBy),
			store:    cfg.Store,
			logger:   orLogger(cfg.Logger),
			now:      time.Now,
		},
		limit:    cfg.Limit,
		onExceed: cfg.OnExceed,
		reason:   orDefault(cfg.Reason, "Rate limit exceeded"),
	}
}

func (r *RateLimit) Handle(c *waf.Context) *waf.Decision {
	if r.onExceed == nil || r.limit <= 0 || r.interval <= 0 || r.store == nil {
		return nil
	}
	count, ok := r.hit(c, r.limit)
	if !ok || count <= r.limit {
		return nil
	}
	return blockWith(c, r.onExceed, r.reason, map[string]any{
		"module":   r.name,
		"key":      r.keyBy,
		"limit":    r.limit,
		"interval": int(r.interval / time.Second),
		"count":    count,
	})
}
