package modules

import (
	"log/slog"
	"time"

	"github.com/BespredeL/wafu/internal/limits"
	"github.com/BespredeL/wafu/internal/waf"
)

// counter is the sliding-window bookkeeping shared by the stateful modules.
type counter struct {
	name     string
	interval time.Duration
	keyBy    string
	store    limits.CounterStore
	logger   *slog.Logger
	now      func() time.Time
}

// hit records one event for the request's key and returns the number of
// events in the window. ok is false when the store failed; callers then let
// the request through.
func (k *counter) hit(c *waf.Context, limit int) (int, bool) {
	ctx := c.Context()
	if _, err := k.store.Cleanup(ctx, k.interval); err != nil {
		k.logger.Debug("waf counter cleanup failed", "module", k.name, "error", err)
	}

	now := k.now().Unix()
	window := int64(k.interval / time.Second)
	rec, err := k.store.Update(ctx, counterKey(c, k.keyBy), func(cur *limits.Record) limits.Record {
		return limits.Slide(cur, now, window, limit)
	})
	if err != nil {
		k.logger.Warn("waf counter unavailable, failing open", "module", k.name, "ip", c.IP(), "error", err)
		return 0, false
	}
	return len(rec.Timestamps), true
}
