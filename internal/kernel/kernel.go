// Package kernel wires configuration, remote rules, registries and the
// engine together and evaluates requests.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BespredeL/wafu/internal/config"
	"github.com/BespredeL/wafu/internal/limits"
	"github.com/BespredeL/wafu/internal/modules"
	"github.com/BespredeL/wafu/internal/registry"
	"github.com/BespredeL/wafu/internal/remoterules"
	"github.com/BespredeL/wafu/internal/waf"
)

type Options struct {
	// ConfigPath is a YAML file. When empty, Config is used, and when both
	// are empty the shipped defaults are.
	ConfigPath string
	Config     map[string]any
	Logger     *slog.Logger
	// RemoteClient overrides the HTTP client used for remote rules.
	RemoteClient remoterules.Getter
	// Redis is shared with the counter stores instead of dialing one.
	Redis *redis.Client
}

// Input is one request as seen by the caller.
type Input struct {
	Ctx        context.Context
	Method     string
	URI        string
	RemoteAddr string
	Headers    map[string][]string
	Query      waf.Params
	Body       waf.Params
	Cookies    waf.Params
	// Attributes are set on the context before the pipeline runs.
	Attributes map[string]any
}

type state struct {
	cfg    *config.Config
	merged map[string]any
	engine *waf.Engine
	// status runs the 404 abuse modules once the response status is known.
	status  *waf.Engine
	actions *registry.Actions
	stores  *limits.Factory

	// refs counts requests using this state; a retired state is closed once
	// the last of them finishes.
	refs      atomic.Int64
	retired   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (s *state) close() error {
	s.closeOnce.Do(func() {
		s.closeErr = errors.Join(s.actions.Close(), s.stores.Close())
	})
	return s.closeErr
}

// retire marks s as replaced and closes it if no request holds it.
func (s *state) retire() error {
	s.retired.Store(true)
	if s.refs.Load() == 0 {
		return s.close()
	}
	return nil
}

func (s *state) release(logger *slog.Logger) {
	if s.refs.Add(-1) == 0 && s.retired.Load() {
		if err := s.close(); err != nil {
			logger.Warn("closing previous pipeline failed", "error", err)
		}
	}
}

type Kernel struct {
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	local map[string]any
	cur   atomic.Pointer[state]
}

// FromFile builds a kernel from a YAML config file.
func FromFile(ctx context.Context, path string, logger *slog.Logger) (*Kernel, error) {
	return New(ctx, Options{ConfigPath: path, Logger: logger})
}

func New(ctx context.Context, opts Options) (*Kernel, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	local := opts.Config
	if opts.ConfigPath != "" {
		m, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("kernel: %w", err)
		}
		local = m
	}
	if local == nil {
		local = config.DefaultMap()
	}

	k := &Kernel{opts: opts, logger: logger}
	if err := k.Reload(ctx, local); err != nil {
		return nil, err
	}
	return k, nil
}

// Reload rebuilds the pipeline from a new local config map and swaps it in.
// On error the running pipeline is kept.
func (k *Kernel) Reload(ctx context.Context, local map[string]any) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.rebuild(ctx, local, true)
}

// Refresh re-evaluates remote rules against the current local config and
// rebuilds only when the merged config changed.
func (k *Kernel) Refresh(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.rebuild(ctx, k.local, false)
}

// RefreshEvery calls Refresh on every tick until ctx is done.
func (k *Kernel) RefreshEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := k.Refresh(ctx); err != nil {
				k.logger.Error("remote rules refresh failed", "error", err)
			}
		}
	}
}

func (k *Kernel) rebuild(ctx context.Context, local map[string]any, force bool) error {
	remote := k.fetchRemote(ctx, local)
	strategy := remoterules.MergeRemoteWins
	if s, err := config.RemoteSettings(local); err == nil {
		strategy = s.Strategy()
	}
	merged := remoterules.Merge(local, remote, strategy)

	old := k.cur.Load()
	if !force && old != nil && reflect.DeepEqual(old.merged, merged) {
		return nil
	}

	next, err := k.build(merged)
	if err != nil {
		return err
	}
	k.local = local
	k.cur.Store(next)
	if old != nil {
		if err := old.retire(); err != nil {
			k.logger.Warn("closing previous pipeline failed", "error", err)
		}
	}
	k.logger.Info("waf pipeline ready",
		"enabled", next.cfg.Enabled,
		"mode", next.engine.Mode(),
		"modules", len(next.engine.Pipeline()),
		"remote", remote != nil,
	)
	return nil
}

// fetchRemote never fails the build; the local config is used instead.
func (k *Kernel) fetchRemote(ctx context.Context, local map[string]any) map[string]any {
	settings, err := config.RemoteSettings(local)
	if err != nil {
		k.logger.Warn("remote rules settings invalid", "error", err)
		return nil
	}
	if !settings.Enabled {
		return nil
	}
	mgr := remoterules.NewManager(settings, k.opts.RemoteClient, nil, k.logger)
	remote, err := mgr.FetchConfig(ctx)
	if err != nil {
		k.logger.Warn("remote rules rejected, using local config", "endpoint", settings.Endpoint, "error", err)
		return nil
	}
	return remote
}

func (k *Kernel) build(merged map[string]any) (*state, error) {
	cfg, err := config.Decode(merged)
	if err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}

	var stores *limits.Factory
	if k.opts.Redis != nil {
		stores = limits.NewFactoryWithClient(cfg.Storage, k.opts.Redis)
	} else {
		stores = limits.NewFactory(cfg.Storage)
	}
	acts := registry.NewActions(cfg.Actions, k.logger)
	mods := registry.NewModules(cfg.Modules, &registry.Builder{
		Actions:  acts,
		Patterns: registry.NewPatterns(cfg.Patterns),
		Stores:   stores,
		Logger:   k.logger,
	})
	s := &state{cfg: cfg, merged: merged, actions: acts, stores: stores}

	mode := waf.ParseMode(cfg.Mode)
	s.engine, err = waf.NewEngine(mods, cfg.Pipeline, mode, k.logger)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("kernel: %w", err)
	}

	var statusPipeline []string
	for _, name := range cfg.Pipeline {
		if cfg.Modules[name].Type == modules.TypeNotFoundAbuse {
			statusPipeline = append(statusPipeline, name)
		}
	}
	if len(statusPipeline) > 0 {
		s.status, err = waf.NewEngine(mods, statusPipeline, mode, k.logger)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("kernel: %w", err)
		}
	}
	return s, nil
}

// Config returns the active merged configuration.
func (k *Kernel) Config() *config.Config {
	return k.cur.Load().cfg
}

func (k *Kernel) Engine() *waf.Engine {
	return k.cur.Load().engine
}

// acquire pins the current state until release. A state swapped out between
// the load and the increment is released and the new one is tried.
func (k *Kernel) acquire() *state {
	for {
		s := k.cur.Load()
		s.refs.Add(1)
		if k.cur.Load() == s {
			return s
		}
		s.release(k.logger)
	}
}

func (k *Kernel) Handle(in Input) waf.Decision {
	d, _ := k.HandleWithContext(in)
	return d
}

// HandleWithContext runs the pipeline and also returns the context so the
// caller can read attributes such as the pending response.
func (k *Kernel) HandleWithContext(in Input) (waf.Decision, *waf.Context) {
	s := k.acquire()
	defer s.release(k.logger)
	c := k.newContext(s, in)
	if !s.cfg.Enabled {
		return waf.Allow(), c
	}
	return s.engine.Run(c), c
}

// HandleStatus feeds a response status through the 404 abuse modules.
func (k *Kernel) HandleStatus(in Input, status int) (waf.Decision, *waf.Context) {
	s := k.acquire()
	defer s.release(k.logger)
	c := k.newContext(s, in)
	c.SetAttribute(waf.AttrHTTPStatusCode, status)
	if !s.cfg.Enabled || s.status == nil {
		return waf.Allow(), c
	}
	return s.status.Run(c), c
}

func (k *Kernel) newContext(s *state, in Input) *waf.Context {
	c := waf.NewContextWithContext(in.Ctx, waf.Request{
		Method:                in.Method,
		URI:                   in.URI,
		RemoteAddr:            in.RemoteAddr,
		Headers:               in.Headers,
		Query:                 in.Query,
		Body:                  in.Body,
		Cookies:               in.Cookies,
		TrustedProxies:        s.cfg.TrustedProxies,
		TrustForwardedHeaders: s.cfg.TrustForwardedHeaders,
	})
	c.SetAttribute(waf.AttrLogger, k.logger)
	for key, v := range in.Attributes {
		c.SetAttribute(key, v)
	}
	return c
}

func (k *Kernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if s := k.cur.Load(); s != nil {
		return s.retire()
	}
	return nil
}
