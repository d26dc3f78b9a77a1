package waf

import (
	"fmt"
	"log/slog"
	"strings"
)

// Module inspects a request and optionally returns a decision. nil means no opinion.
type Module interface {
	Handle(c *Context) *Decision
}

// Action is a side effect attached to a decision. It never decides blocking.
type Action interface {
	Execute(c *Context)
}

// ModuleResolver turns a pipeline entry into a module instance.
type ModuleResolver interface {
	Module(name string) (Module, error)
}

type Mode string

const (
	ModeEnforce Mode = "enforce"
	ModeReport  Mode = "report"
)

// ParseMode maps unknown values to enforce.
func ParseMode(v string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(v))) {
	case ModeReport:
		return ModeReport
	default:
		return ModeEnforce
	}
}

// ReportDecision is what report mode records instead of blocking.
type ReportDecision struct {
	Module  string            `json:"module"`
	Reason  string            `json:"reason"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Meta    map[string]any    `json:"meta,omitempty"`
}

type step struct {
	name   string
	module Module
}

type Engine struct {
	steps  []step
	mode   Mode
	logger *slog.Logger
}

// NewEngine resolves every pipeline entry up front; an unknown or broken
// module is a configuration error.
func NewEngine(resolver ModuleResolver, pipeline []string, mode Mode, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if mode != ModeReport {
		mode = ModeEnforce
	}
	e := &Engine{mode: mode, logger: logger}
	for _, raw := range pipeline {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if resolver == nil {
			return nil, fmt.Errorf("waf: no module resolver for %q", name)
		}
		m, err := resolver.Module(name)
		if err != nil {
			return nil, fmt.Errorf("waf: pipeline module %q: %w", name, err)
		}
		if m == nil {
			return nil, fmt.Errorf("waf: pipeline module %q resolved to nil", name)
		}
		e.steps = append(e.steps, step{name: name, module: m})
	}
	return e, nil
}

func (e *Engine) Mode() Mode {
	return e.mode
}

// Pipeline returns the resolved module names in execution order.
func (e *Engine) Pipeline() []string {
	out := make([]string, 0, len(e.steps))
	for _, s := range e.steps {
		out = append(out, s.name)
	}
	return out
}

func (e *Engine) Run(c *Context) Decision {
	for _, s := range e.steps {
		d := s.module.Handle(c)
		if d == nil {
			continue
		}
		if d.Action != nil {
			d.Action.Execute(c)
		}
		if !d.Blocked {
			continue
		}

		if e.mode == ModeReport {
			c.SetAttribute(AttrReportOnly, true)
			c.SetAttribute(AttrReportDecision, ReportDecision{
				Module:  s.name,
				Reason:  d.Reason,
				Status:  d.Status,
				Headers: d.Headers,
				Meta:    d.Meta,
			})
			e.logger.Info("waf report-only block", "module", s.name, "reason", d.Reason, "ip", c.IP(), "uri", c.URI(), "request_id", c.ID())
			return Allow()
		}

		e.logger.Debug("waf blocked request", "module", s.name, "reason", d.Reason, "ip", c.IP(), "uri", c.URI(), "request_id", c.ID())
		return *d
	}
	return Allow()
}
