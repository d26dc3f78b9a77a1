package modules

import (
	"strings"

	"github.com/BespredeL/wafu/internal/waf"
)

var defaultAllowedMethods = []string{"GET", "POST", "HEAD"}

type MethodAllowlistConfig struct {
	Name   string
	Allow  []string
	OnDeny waf.Action
	Reason string
}

type MethodAllowlist struct {
	name   string
	allow  []string
	set    map[string]struct{}
	onDeny waf.Action
	reason string
}

func NewMethodAllowlist(cfg MethodAllowlistConfig) *MethodAllowlist {
	allow := cfg.Allow
	if len(allow) == 0 {
		allow = defaultAllowedMethods
	}
	m := &MethodAllowlist{
		name:   orDefault(cfg.Name, TypeMethodAllow),
		set:    map[string]struct{}{},
		onDeny: cfg.OnDeny,
		reason: orDefault(cfg.Reason, "HTTP method not allowed"),
	}
	for _, v := range allow {
		up := strings.ToUpper(strings.TrimSpace(v))
		if up == "" {
			continue
		}
		if _, ok := m.set[up]; ok {
			continue
		}
		m.set[up] = struct{}{}
		m.allow = append(m.allow, up)
	}
	return m
}

func (m *MethodAllowlist) Handle(c *waf.Context) *waf.Decision {
	if m.onDeny == nil {
		return nil
	}
	method := strings.ToUpper(c.Method())
	if _, ok := m.set[method]; ok {
		return nil
	}
	return blockWith(c, m.onDeny, m.reason, map[string]any{
		"module": m.name,
		"method": method,
		"allow":  append([]string(nil), m.allow...),
	})
}
