package modules

import (
	"log/slog"
	"time"

	"github.com/BespredeL/wafu/internal/limits"
	"github.com/BespredeL/wafu/internal/waf"
)

// DefaultNotFoundThreshold is the 404 threshold used when none is configured.
const DefaultNotFoundThreshold = 10

type NotFoundAbuseConfig struct {
	Name string
	// Threshold <= 0 disables the module.
	Threshold int
	Interval  time.Duration
	KeyBy     string
	OnExceed  waf.Action
	Reason    string
	Store     limits.CounterStore
	Logger    *slog.Logger
}

// NotFoundAbuse counts 404 responses per client. It only acts when the
// http_status_code attribute is 404, so it runs after the response is known.
type NotFoundAbuse struct {
	counter
	threshold int
	onExceed  waf.Action
	reason    string
}

func NewNotFoundAbuse(cfg NotFoundAbuseConfig) *NotFoundAbuse {
	interval := cfg.Interval
	if interval == 0 {
		interval = 60 * time.Second
	}
	return &NotFoundAbuse{
		counter: counter{
			name:     orDefault(cfg.Name, TypeNotFoundAbuse),
			interval: interval,
			keyBy:    normalizeKeyBy(cfg.KeyBy),
			store:    cfg.Store,
			logger:   orLogger(cfg.Logger),
			now:      time.Now,
		},
		threshold: cfg.Threshold,
		onExceed:  cfg.OnExceed,
		reason:    orDefault(cfg.Reason, "Excessive 404 detected"),
	}
}

func (n *NotFoundAbuse) Handle(c *waf.Context) *waf.Decision {
	if n.onExceed == nil || n.threshold <= 0 || n.interval <= 0 || n.store == nil {
		return nil
	}
	if c.StatusCode() != 404 {
		return nil
	}
	count, ok := n.hit(c, n.threshold)
	if !ok || count <= n.threshold {
		return nil
	}
	return blockWith(c, n.onExceed, n.reason, map[string]any{
		"module":    n.name,
		"key":       n.keyBy,
		"threshold": n.threshold,
		"interval":  int(n.interval / time.Second),
		"count":     count,
	})
}
