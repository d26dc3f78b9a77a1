package registry

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BespredeL/wafu/internal/actions"
	"github.com/BespredeL/wafu/internal/config"
	"github.com/BespredeL/wafu/internal/waf"
)

// ActionFactory builds an action from its config entry.
type ActionFactory func(spec config.Spec, logger *slog.Logger) (waf.Action, error)

// Actions builds each named action once and caches it.
type Actions struct {
	specs     map[string]config.Spec
	factories map[string]ActionFactory
	logger    *slog.Logger

	mu        sync.Mutex
	instances map[string]waf.Action
}

func NewActions(specs map[string]config.Spec, logger *slog.Logger) *Actions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Actions{
		specs: specs,
		factories: map[string]ActionFactory{
			actions.TypeBlock:     newBlock,
			actions.TypeChallenge: newChallenge,
			actions.TypeLog:       newLog,
			actions.TypeKafka:     newKafka,
		},
		logger:    logger,
		instances: map[string]waf.Action{},
	}
}

// Register adds or replaces the factory for an action type.
func (a *Actions) Register(typ string, f ActionFactory) {
	a.mu.Lock()
	a.factories[typ] = f
	a.mu.Unlock()
}

func (a *Actions) Get(name string) (waf.Action, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if act, ok := a.instances[name]; ok {
		return act, nil
	}
	spec, ok := a.specs[name]
	if !ok {
		return nil, fmt.Errorf("registry: action %q is not defined", name)
	}
	factory, ok := a.factories[spec.Type]
	if !ok {
		return nil, fmt.Errorf("registry: action %q has unknown type %q", name, spec.Type)
	}
	act, err := factory(spec, a.logger.With("action", name))
	if err != nil {
		return nil, fmt.Errorf("registry: action %q: %w", name, err)
	}
	a.instances[name] = act
	a.logger.Debug("action registered", "name", name, "type", spec.Type)
	return act, nil
}

// Close releases actions holding connections.
func (a *Actions) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.instances))
	for name := range a.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names {
		if c, ok := a.instances[name].(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("registry: close action %q: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// chain runs several actions in order.
type chain []waf.Action

func (ch chain) Execute(c *waf.Context) {
	for _, a := range ch {
		a.Execute(c)
	}
}

func newBlock(spec config.Spec, _ *slog.Logger) (waf.Action, error) {
	var args struct {
		Status  int    `yaml:"status"`
		Message string `yaml:"message"`
	}
	if err := spec.Decode(&args); err != nil {
		return nil, err
	}
	return actions.NewBlock(actions.BlockConfig{Status: args.Status, Message: args.Message}), nil
}

func newChallenge(spec config.Spec, _ *slog.Logger) (waf.Action, error) {
	var args struct {
		Status     int    `yaml:"status"`
		Message    string `yaml:"message"`
		RetryAfter int    `yaml:"retry_after"`
	}
	if err := spec.Decode(&args); err != nil {
		return nil, err
	}
	return actions.NewChallenge(actions.ChallengeConfig{
		Status:     args.Status,
		Message:    args.Message,
		RetryAfter: args.RetryAfter,
	}), nil
}

func newLog(spec config.Spec, logger *slog.Logger) (waf.Action, error) {
	var args struct {
		Channel string `yaml:"channel"`
		Level   string `yaml:"level"`
	}
	if err := spec.Decode(&args); err != nil {
		return nil, err
	}
	return actions.NewLog(actions.LogConfig{Channel: args.Channel, Level: args.Level, Logger: logger}), nil
}

func newKafka(spec config.Spec, logger *slog.Logger) (waf.Action, error) {
	var args struct {
		Brokers   []string      `yaml:"brokers"`
		Topic     string        `yaml:"topic"`
		Timeout   time.Duration `yaml:"timeout"`
		QueueSize int           `yaml:"queue_size"`
	}
	if err := spec.Decode(&args); err != nil {
		return nil, err
	}
	k, err := actions.NewKafka(actions.KafkaConfig{
		Brokers: args.Brokers,
		Topic:   args.Topic,
		Timeout:   args.Timeout,
		QueueSize: args.QueueSize,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return k, nil
}
