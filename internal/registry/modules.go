package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BespredeL/wafu/internal/config"
	"github.com/BespredeL/wafu/internal/limits"
	"github.com/BespredeL/wafu/internal/modules"
	"github.com/BespredeL/wafu/internal/waf"
)

// ModuleFactory builds a module from its config entry.
type ModuleFactory func(b *Builder, name string, spec config.Spec) (waf.Module, error)

// Builder carries the shared registries handed to module factories.
type Builder struct {
	Actions  *Actions
	Patterns *Patterns
	Stores   *limits.Factory
	Logger   *slog.Logger
}

// Modules resolves pipeline names to module instances, building each once.
type Modules struct {
	specs     map[string]config.Spec
	factories map[string]ModuleFactory
	builder   *Builder

	mu        sync.Mutex
	instances map[string]waf.Module
}

func NewModules(specs map[string]config.Spec, b *Builder) *Modules {
	if b.Logger == nil {
		b.Logger = slog.Default()
	}
	if b.Patterns == nil {
		b.Patterns = NewPatterns(nil)
	}
	if b.Stores == nil {
		b.Stores = limits.NewFactory(limits.StoreConfig{})
	}
	if b.Actions == nil {
		b.Actions = NewActions(nil, b.Logger)
	}
	factories := map[string]ModuleFactory{
		modules.TypeIPBlocklist:   newIPBlocklist,
		modules.TypeMethodAllow:   newMethodAllowlist,
		modules.TypeURIAllowDeny:  newURIAllowDeny,
		modules.TypeHeader:        newHeader,
		modules.TypeRateLimit:     newRateLimit,
		modules.TypeNotFoundAbuse: newNotFoundAbuse,
	}
	for _, typ := range []string{modules.TypeRegexMatch, modules.TypePathTraversal, modules.TypeLFI, modules.TypeRCE} {
		factories[typ] = newPattern
	}
	return &Modules{
		specs:     specs,
		factories: factories,
		builder:   b,
		instances: map[string]waf.Module{},
	}
}

// Register adds or replaces the factory for a module type.
func (m *Modules) Register(typ string, f ModuleFactory) {
	m.mu.Lock()
	m.factories[typ] = f
	m.mu.Unlock()
}

// Module implements waf.ModuleResolver.
func (m *Modules) Module(name string) (waf.Module, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mod, ok := m.instances[name]; ok {
		return mod, nil
	}
	spec, ok := m.specs[name]
	if !ok {
		return nil, fmt.Errorf("registry: module %q is not defined", name)
	}
	factory, ok := m.factories[spec.Type]
	if !ok {
		return nil, fmt.Errorf("registry: module %q has unknown type %q", name, spec.Type)
	}
	mod, err := factory(m.builder, name, spec)
	if err != nil {
		return nil, fmt.Errorf("registry: module %q: %w", name, err)
	}
	m.instances[name] = mod
	m.builder.Logger.Debug("module registered", "name", name, "type", spec.Type)
	return mod, nil
}

// Names lists every configured module.
func (m *Modules) Names() []string {
	return sortedKeys(m.specs)
}

// actionArgs are the keys a module entry may use to name its action.
// actions lists extra actions run after the primary one.
type actionArgs struct {
	Reason   string   `yaml:"reason"`
	OnMatch  string   `yaml:"on_match"`
	OnDeny   string   `yaml:"on_deny"`
	OnExceed string   `yaml:"on_exceed"`
	Action   string   `yaml:"action"`
	Actions  []string `yaml:"actions"`
}

// resolve picks the first action named by the preferred key, then action.
func (a actionArgs) resolve(reg *Actions, preferred string) (waf.Action, error) {
	primary := preferred
	if primary == "" {
		primary = a.Action
	}
	var list chain
	if primary != "" {
		act, err := reg.Get(primary)
		if err != nil {
			return nil, err
		}
		list = append(list, act)
	}
	for _, name := range a.Actions {
		if name == "" || name == primary {
			continue
		}
		act, err := reg.Get(name)
		if err != nil {
			return nil, err
		}
		list = append(list, act)
	}
	switch len(list) {
	case 0:
		return nil, nil
	case 1:
		return list[0], nil
	}
	return list, nil
}

type counterArgs struct {
	Interval      int    `yaml:"interval"`
	KeyBy         string `yaml:"key_by"`
	StorageDir    string `yaml:"storage_dir"`
	GCProbability int    `yaml:"gc_probability"`
	TTLMultiplier int    `yaml:"ttl_multiplier"`
}

func (c counterArgs) open(b *Builder, name string) (limits.CounterStore, error) {
	return b.Stores.Open(name, c.StorageDir, limits.GCOptions{
		GCProbability: c.GCProbability,
		TTLMultiplier: c.TTLMultiplier,
		Interval:      c.interval(),
	})
}

func (c counterArgs) interval() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

func newPattern(b *Builder, name string, spec config.Spec) (waf.Module, error) {
	var args struct {
		actionArgs `yaml:",inline"`
		Targets    []string `yaml:"targets"`
		Patterns   []string `yaml:"patterns"`
		Transforms []string `yaml:"transforms"`
	}
	if err := spec.Decode(&args); err != nil {
		return nil, err
	}
	patterns, err := b.Patterns.Expand(args.Patterns)
	if err != nil {
		return nil, err
	}
	onMatch, err := args.resolve(b.Actions, args.OnMatch)
	if err != nil {
		return nil, err
	}
	mod, err := modules.NewPattern(modules.PatternConfig{
		Name:       name,
		Type:       spec.Type,
		Targets:    args.Targets,
		Patterns:   patterns,
		Transforms: args.Transforms,
		OnMatch:    onMatch,
		Reason:     args.Reason,
		Logger:     b.Logger,
	})
	if err != nil {
		return nil, err
	}
	return mod, nil
}

func newIPBlocklist(b *Builder, name string, spec config.Spec) (waf.Module, error) {
	var args struct {
		actionArgs `yaml:",inline"`
		Blocklist  []string `yaml:"blocklist"`
	}
	if err := spec.Decode(&args); err != nil {
		return nil, err
	}
	onMatch, err := args.resolve(b.Actions, args.OnMatch)
	if err != nil {
		return nil, err
	}
	return modules.NewIPBlocklist(modules.IPBlocklistConfig{
		Name:      name,
		Blocklist: args.Blocklist,
		OnMatch:   onMatch,
		Reason:    args.Reason,
	}), nil
}

func newMethodAllowlist(b *Builder, name string, spec config.Spec) (waf.Module, error) {
	var args struct {
		actionArgs `yaml:",inline"`
		Allow      []string `yaml:"allow"`
	}
	if err := spec.Decode(&args); err != nil {
		return nil, err
	}
	onDeny, err := args.resolve(b.Actions, args.OnDeny)
	if err != nil {
		return nil, err
	}
	return modules.NewMethodAllowlist(modules.MethodAllowlistConfig{
		Name:   name,
		Allow:  args.Allow,
		OnDeny: onDeny,
		Reason: args.Reason,
	}), nil
}

func newURIAllowDeny(b *Builder, name string, spec config.Spec) (waf.Module, error) {
	var args struct {
		actionArgs  `yaml:",inline"`
		AllowRegex  []string `yaml:"allow_regex"`
		DenyRegex   []string `yaml:"deny_regex"`
		AllowPrefix []string `yaml:"allow_prefix"`
		DenyPrefix  []string `yaml:"deny_prefix"`
	}
	if err := spec.Decode(&args); err != nil {
		return nil, err
	}
	allowRegex, err := b.Patterns.Expand(args.AllowRegex)
	if err != nil {
		return nil, err
	}
	denyRegex, err := b.Patterns.Expand(args.DenyRegex)
	if err != nil {
		return nil, err
	}
	onDeny, err := args.resolve(b.Actions, args.OnDeny)
	if err != nil {
		return nil, err
	}
	return modules.NewURIAllowDeny(modules.URIAllowDenyConfig{
		Name:        name,
		AllowRegex:  allowRegex,
		DenyRegex:   denyRegex,
		AllowPrefix: args.AllowPrefix,
		DenyPrefix:  args.DenyPrefix,
		OnDeny:      onDeny,
		Reason:      args.Reason,
		Logger:      b.Logger,
	}), nil
}

func newHeader(b *Builder, name string, spec config.Spec) (waf.Module, error) {
	var args struct {
		actionArgs `yaml:",inline"`
		Headers    []string `yaml:"headers"`
		Patterns   []string `yaml:"patterns"`
	}
	if err := spec.Decode(&args); err != nil {
		return nil, err
	}
	patterns, err := b.Patterns.Expand(args.Patterns)
	if err != nil {
		return nil, err
	}
	onMatch, err := args.resolve(b.Actions, args.OnMatch)
	if err != nil {
		return nil, err
	}
	return modules.NewHeader(modules.HeaderConfig{
		Name:     name,
		Headers:  args.Headers,
		Patterns: patterns,
		OnMatch:  onMatch,
		Reason:   args.Reason,
		Logger:   b.Logger,
	}), nil
}

func newRateLimit(b *Builder, name string, spec config.Spec) (waf.Module, error) {
	var args struct {
		actionArgs  `yaml:",inline"`
		counterArgs `yaml:",inline"`
		Limit       *int `yaml:"limit"`
	}
	if err := spec.Decode(&args); err != nil {
		return nil, err
	}
	onExceed, err := args.resolve(b.Actions, args.OnExceed)
	if err != nil {
		return nil, err
	}
	store, err := args.open(b, name)
	if err != nil {
		return nil, err
	}
	return modules.NewRateLimit(modules.RateLimitConfig{
		Name:     name,
		Limit:    intOr(args.Limit, modules.DefaultRateLimit),
		Interval: args.interval(),
		KeyBy:    args.KeyBy,
		OnExceed: onExceed,
		Reason:   args.Reason,
		Store:    store,
		Logger:   b.Logger,
	}), nil
}

func newNotFoundAbuse(b *Builder, name string, spec config.Spec) (waf.Module, error) {
	var args struct {
		actionArgs  `yaml:",inline"`
		counterArgs `yaml:",inline"`
		Threshold   *int `yaml:"threshold"`
	}
	if err := spec.Decode(&args); err != nil {
		return nil, err
	}
	onExceed, err := args.resolve(b.Actions, args.OnExceed)
	if err != nil {
		return nil, err
	}
	store, err := args.open(b, name)
	if err != nil {
		return nil, err
	}
	return modules.NewNotFoundAbuse(modules.NotFoundAbuseConfig{
		Name:      name,
		Threshold: intOr(args.Threshold, modules.DefaultNotFoundThreshold),
		Interval:  args.interval(),
		KeyBy:     args.KeyBy,
		OnExceed:  onExceed,
		Reason:    args.Reason,
		Store:     store,
		Logger:    b.Logger,
	}), nil
}

// intOr keeps an explicit zero, which disables counter modules.
func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
