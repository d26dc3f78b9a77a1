// Package config loads the YAML configuration.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/BespredeL/wafu/internal/limits"
	"github.com/BespredeL/wafu/internal/remoterules"
	"github.com/BespredeL/wafu/internal/waf"
)

//go:embed default.yaml
var defaultYAML []byte

type Config struct {
	Enabled               bool                 `yaml:"enabled"`
	Mode                  string               `yaml:"mode"`
	TrustedProxies        []string             `yaml:"trusted_proxies"`
	TrustForwardedHeaders bool                 `yaml:"trust_forwarded_headers"`
	Pipeline              []string             `yaml:"pipeline"`
	Storage               limits.StoreConfig   `yaml:"storage"`
	Actions               map[string]Spec      `yaml:"actions"`
	Patterns              map[string][]string  `yaml:"patterns"`
	Modules               map[string]Spec      `yaml:"modules"`
	RemoteRules           remoterules.Settings `yaml:"remote_rules"`
}

// Spec is one module or action entry: a type plus type specific arguments
// decoded later by the registry.
type Spec struct {
	Type string
	node yaml.Node
}

func (s *Spec) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: entry must be a mapping", n.Line)
	}
	var head struct {
		Type string `yaml:"type"`
	}
	if err := n.Decode(&head); err != nil {
		return err
	}
	s.Type = head.Type
	s.node = *n
	return nil
}

func (s Spec) MarshalYAML() (any, error) {
	if s.node.Kind == 0 {
		return map[string]string{"type": s.Type}, nil
	}
	return &s.node, nil
}

// Decode decodes the entry arguments into out.
func (s Spec) Decode(out any) error {
	if s.node.Kind == 0 {
		return nil
	}
	return s.node.Decode(out)
}

// NewSpec builds an entry from Go values, mostly for tests and embedding.
func NewSpec(typ string, args map[string]any) (Spec, error) {
	m := make(map[string]any, len(args)+1)
	for k, v := range args {
		m[k] = v
	}
	m["type"] = typ
	var n yaml.Node
	if err := n.Encode(m); err != nil {
		return Spec{}, fmt.Errorf("config: encode %s entry: %w", typ, err)
	}
	return Spec{Type: typ, node: n}, nil
}

// Load reads a YAML file into a generic map so it can be merged with remote
// rules before decoding.
func Load(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	m := map[string]any{}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return m, nil
}

// LoadFile loads and decodes a file without remote rules.
func LoadFile(path string) (*Config, error) {
	m, err := Load(path)
	if err != nil {
		return nil, err
	}
	return Decode(m)
}

// Decode turns a generic config map into a validated Config.
func Decode(m map[string]any) (*Config, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	cfg := &Config{Enabled: true, Mode: string(waf.ModeEnforce)}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the shipped configuration.
func Default() *Config {
	cfg, err := parse(defaultYAML)
	if err != nil {
		panic(err)
	}
	sets := waf.DefaultPatternSets()
	cfg.Patterns = make(map[string][]string, len(shippedPatternSets))
	for _, name := range shippedPatternSets {
		cfg.Patterns[name] = sets[name]
	}
	return cfg
}

// DefaultMap is Default in map form, usable as a base for Load results.
func DefaultMap() map[string]any {
	m := map[string]any{}
	if err := yaml.Unmarshal(defaultYAML, &m); err != nil {
		panic(err)
	}
	return m
}

var shippedPatternSets = []string{
	"sql_keywords", "xss_basic", "bad_bots_ua", "path_traversal",
	"lfi_files", "rce_signatures", "uri_deny",
}

// Validate checks the structure only; module arguments are checked when the
// registry builds them.
func (c *Config) Validate() error {
	var errs []error
	for _, name := range c.Pipeline {
		if _, ok := c.Modules[name]; !ok {
			errs = append(errs, fmt.Errorf("config: module %q declared in pipeline but not defined in modules", name))
		}
	}
	for _, name := range sortedNames(c.Modules) {
		if c.Modules[name].Type == "" {
			errs = append(errs, fmt.Errorf("config: module %q must define type", name))
		}
	}
	for _, name := range sortedNames(c.Actions) {
		if c.Actions[name].Type == "" {
			errs = append(errs, fmt.Errorf("config: action %q must define type", name))
		}
	}
	return errors.Join(errs...)
}

func sortedNames(m map[string]Spec) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// RemoteSettings decodes only the remote_rules section of a config map.
func RemoteSettings(m map[string]any) (remoterules.Settings, error) {
	var s remoterules.Settings
	raw, ok := m["remote_rules"]
	if !ok || raw == nil {
		return s, nil
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return s, fmt.Errorf("encode remote_rules: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse remote_rules: %w", err)
	}
	return s, nil
}
