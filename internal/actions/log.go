package actions

import (
	"log/slog"
	"os"
	"strings"

	"github.com/BespredeL/wafu/internal/waf"
)

type LogConfig struct {
	Channel string
	Level   string
	// Logger is used when the request carries no logger attribute.
	Logger *slog.Logger
}

// Log records the request and the current match.
type Log struct {
	channel  string
	level    string
	slevel   slog.Level
	fallback *slog.Logger
}

func NewLog(cfg LogConfig) *Log {
	level, slevel := parseLevel(cfg.Level)
	fallback := cfg.Logger
	if fallback == nil {
		fallback = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "wafu"
	}
	return &Log{channel: channel, level: level, slevel: slevel, fallback: fallback}
}

// parseLevel accepts syslog style names and maps them onto slog levels.
// Unknown names become warning.
func parseLevel(v string) (string, slog.Level) {
	switch l := strings.ToLower(strings.TrimSpace(v)); l {
	case "debug":
		return l, slog.LevelDebug
	case "info", "notice":
		return l, slog.LevelInfo
	case "error", "critical", "alert", "emergency":
		return l, slog.LevelError
	default:
		return "warning", slog.LevelWarn
	}
}

func (l *Log) Execute(c *waf.Context) {
	logger := l.fallback
	if v, ok := c.Attribute(waf.AttrLogger); ok {
		if lg, ok := v.(*slog.Logger); ok && lg != nil {
			logger = lg
		}
	}
	match, _ := c.Attribute(waf.AttrMatch)

	logger.LogAttrs(c.Context(), l.slevel, c.Method()+" request "+c.URI()+" from "+c.IP(),
		slog.String("channel", l.channel),
		slog.String("level", l.level),
		slog.String("request_id", c.ID()),
		slog.String("ip", c.IP()),
		slog.String("method", c.Method()),
		slog.String("uri", c.URI()),
		slog.Any("headers", c.Headers()),
		slog.Any("query", c.Query()),
		slog.Any("body", c.Body()),
		slog.Any("match", match),
	)
}
