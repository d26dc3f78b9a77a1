package limits

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultGCProbability = 100
	defaultTTLMultiplier = 5
	maxRecordsPerGC      = 100
)

// ErrLocked is returned when a record stays locked by another writer.
var ErrLocked = errors.New("limits: record is locked")

// Record is one sliding-window counter: event timestamps (unix seconds) and
// the time of the last write.
type Record struct {
	Timestamps []int64 `json:"t"`
	LastSeen   int64   `json:"ls"`
}

// CounterStore keeps one Record per opaque key. Implementations lock per key
// only; there is no cross-key locking.
type CounterStore interface {
	// Read returns nil when the key has no record.
	Read(ctx context.Context, key string) (*Record, error)
	// Write replaces the whole record.
	Write(ctx context.Context, key string, rec Record) error
	// Update runs a read-modify-write under one exclusive lock. fn may be
	// called more than once by optimistic backends and must be pure.
	Update(ctx context.Context, key string, fn func(*Record) Record) (Record, error)
	// Cleanup may delete records whose LastSeen is older than
	// interval*TTLMultiplier. It only does work on 1 of GCProbability calls.
	Cleanup(ctx context.Context, interval time.Duration) (int, error)
}

// GCOptions controls probabilistic garbage collection. A zero GCProbability
// means the default of 100, a negative one disables collection. Interval is
// the window the records serve; backends with native expiry expire keys
// after Interval*TTLMultiplier.
type GCOptions struct {
	GCProbability int
	TTLMultiplier int
	Interval      time.Duration
}

func (o GCOptions) withDefaults() GCOptions {
	if o.GCProbability == 0 {
		o.GCProbability = defaultGCProbability
	}
	if o.TTLMultiplier <= 0 {
		o.TTLMultiplier = defaultTTLMultiplier
	}
	return o
}

func (o GCOptions) roll() bool {
	if o.GCProbability <= 0 {
		return false
	}
	return rand.Intn(o.GCProbability) == 0
}

func (o GCOptions) expiry() time.Duration {
	if o.Interval <= 0 {
		return 0
	}
	return o.Interval * time.Duration(o.TTLMultiplier)
}

func (o GCOptions) cutoff(now time.Time, interval time.Duration) int64 {
	return now.Add(-interval * time.Duration(o.TTLMultiplier)).Unix()
}

// WindowCap bounds the number of timestamps kept per record.
func WindowCap(limit int) int {
	return max(limit+20, 50)
}

// Slide prunes timestamps outside the trailing interval, appends now and caps
// the list.
func Slide(rec *Record, now int64, interval int64, limit int) Record {
	start := now - interval
	var ts []int64
	if rec != nil {
		ts = make([]int64, 0, len(rec.Timestamps)+1)
		for _, t := range rec.Timestamps {
			if t >= start {
				ts = append(ts, t)
			}
		}
	}
	ts = append(ts, now)
	if c := WindowCap(limit); len(ts) > c {
		ts = append([]int64(nil), ts[len(ts)-c:]...)
	}
	return Record{Timestamps: ts, LastSeen: now}
}

// StoreConfig selects the backend shared by stateful modules.
type StoreConfig struct {
	Driver string      `yaml:"driver"`
	Dir    string      `yaml:"dir"`
	Redis  RedisConfig `yaml:"redis"`
}

const (
	DriverFile   = "file"
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// Factory opens namespaced stores for the configured driver. A single redis
// client is shared by every store it opens.
type Factory struct {
	cfg StoreConfig

	mu     sync.Mutex
	client *redis.Client
	owned  bool
}

func NewFactory(cfg StoreConfig) *Factory {
	return &Factory{cfg: cfg}
}

// NewFactoryWithClient reuses an existing redis client; Close leaves it open.
func NewFactoryWithClient(cfg StoreConfig, client *redis.Client) *Factory {
	return &Factory{cfg: cfg, client: client}
}

func (f *Factory) Driver() string {
	d := strings.ToLower(strings.TrimSpace(f.cfg.Driver))
	if d == "" {
		return DriverFile
	}
	return d
}

// Open returns the store for one namespace. dir overrides the file location.
func (f *Factory) Open(namespace, dir string, gc GCOptions) (CounterStore, error) {
	switch f.Driver() {
	case DriverFile:
		if dir == "" {
			base := f.cfg.Dir
			if base == "" {
				base = filepath.Join(os.TempDir(), "wafu")
			}
			dir = filepath.Join(base, namespace)
		}
		return NewFileStore(dir, gc)
	case DriverMemory:
		return NewMemoryStore(gc), nil
	case DriverRedis:
		client, err := f.redisClient()
		if err != nil {
			return nil, err
		}
		prefix := f.cfg.Redis.KeyPrefix
		if prefix == "" {
			prefix = "wafu:"
		}
		return NewRedisStore(client, prefix+namespace+":", gc), nil
	default:
		return nil, fmt.Errorf("limits: unknown store driver %q", f.cfg.Driver)
	}
}

func (f *Factory) redisClient() (*redis.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		return f.client, nil
	}
	client, err := DialRedis(f.cfg.Redis)
	if err != nil {
		return nil, err
	}
	f.client = client
	f.owned = true
	return client, nil
}

func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil && f.owned {
		err := f.client.Close()
		f.client = nil
		return err
	}
	return nil
}
