package limits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisUpdateRetries = 3

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// DialRedis connects and pings the server.
func DialRedis(cfg RedisConfig) (*redis.Client, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("limits: redis connection failed: %w", err)
	}
	return client, nil
}

// RedisStore shares counters between processes. Updates use optimistic
// WATCH/MULTI transactions. Keys carry an expiry when GCOptions.Interval is
// set; Cleanup walks the keyspace with a SCAN cursor kept between passes.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	gc        GCOptions
	now       func() time.Time

	mu     sync.Mutex
	cursor uint64
}

func NewRedisStore(client *redis.Client, keyPrefix string, gc GCOptions) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		gc:        gc.withDefaults(),
		now:       time.Now,
	}
}

func (r *RedisStore) key(k string) string {
	return r.keyPrefix + k
}

func (r *RedisStore) Read(ctx context.Context, key string) (*Record, error) {
	return r.get(ctx, r.client, r.key(key))
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) get(ctx context.Context, c getter, key string) (*Record, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil || rec.Timestamps == nil {
		return nil, nil
	}
	return &rec, nil
}

func (r *RedisStore) Write(ctx context.Context, key string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return r.client.Set(ctx, r.key(key), data, r.gc.expiry()).Err()
}

func (r *RedisStore) Update(ctx context.Context, key string, fn func(*Record) Record) (Record, error) {
	k := r.key(key)
	var out Record
	txf := func(tx *redis.Tx) error {
		current, err := r.get(ctx, tx, k)
		if err != nil {
			return err
		}
		next := fn(current)
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, data, r.gc.expiry())
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}

	for i := 0; i < redisUpdateRetries; i++ {
		err := r.client.Watch(ctx, txf, k)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return Record{}, err
		}
	}
	return Record{}, ErrLocked
}

func (r *RedisStore) Cleanup(ctx context.Context, interval time.Duration) (int, error) {
	if !r.gc.roll() {
		return 0, nil
	}
	cutoff := r.gc.cutoff(r.now(), interval)

	r.mu.Lock()
	cursor := r.cursor
	r.mu.Unlock()

	keys, next, err := r.client.Scan(ctx, cursor, r.keyPrefix+"*", maxRecordsPerGC).Result()
	if err != nil {
		return 0, fmt.Errorf("scan keys: %w", err)
	}
	r.mu.Lock()
	r.cursor = next
	r.mu.Unlock()

	removed := 0
	for _, key := range keys {
		data, err := r.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if rec.LastSeen > 0 && rec.LastSeen < cutoff {
			if n, err := r.client.Del(ctx, key).Result(); err == nil {
				removed += int(n)
			}
		}
	}
	return removed, nil
}
