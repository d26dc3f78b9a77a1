package limits

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	mu      sync.Mutex
	rec     *Record
	evicted bool
}

// MemoryStore keeps records in process. Each key has its own lock so that
// unrelated keys never contend.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	gc      GCOptions
	now     func() time.Time
}

func NewMemoryStore(gc GCOptions) *MemoryStore {
	return &MemoryStore{
		entries: map[string]*memoryEntry{},
		gc:      gc.withDefaults(),
		now:     time.Now,
	}
}

func (ms *MemoryStore) entry(key string, create bool) *memoryEntry {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	e := ms.entries[key]
	if e == nil && create {
		e = &memoryEntry{}
		ms.entries[key] = e
	}
	return e
}

func (ms *MemoryStore) Read(_ context.Context, key string) (*Record, error) {
	e := ms.entry(key, false)
	if e == nil {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneRecord(e.rec), nil
}

// lock returns the live entry for key, locked.
func (ms *MemoryStore) lock(key string) *memoryEntry {
	for {
		e := ms.entry(key, true)
		e.mu.Lock()
		if !e.evicted {
			return e
		}
		e.mu.Unlock()
	}
}

func (ms *MemoryStore) Write(_ context.Context, key string, rec Record) error {
	e := ms.lock(key)
	defer e.mu.Unlock()
	e.rec = cloneRecord(&rec)
	return nil
}

func (ms *MemoryStore) Update(_ context.Context, key string, fn func(*Record) Record) (Record, error) {
	e := ms.lock(key)
	defer e.mu.Unlock()
	next := fn(cloneRecord(e.rec))
	e.rec = cloneRecord(&next)
	return next, nil
}

func (ms *MemoryStore) Cleanup(ctx context.Context, interval time.Duration) (int, error) {
	if !ms.gc.roll() {
		return 0, nil
	}
	cutoff := ms.gc.cutoff(ms.now(), interval)

	ms.mu.Lock()
	defer ms.mu.Unlock()

	// Map order is random, so successive passes sample different keys.
	removed, inspected := 0, 0
	for k, e := range ms.entries {
		if inspected >= maxRecordsPerGC || ctx.Err() != nil {
			break
		}
		inspected++
		if !e.mu.TryLock() {
			continue
		}
		if e.rec == nil || (e.rec.LastSeen > 0 && e.rec.LastSeen < cutoff) {
			e.evicted = true
			delete(ms.entries, k)
			removed++
		}
		e.mu.Unlock()
	}
	return removed, nil
}

// Len reports how many keys are held.
func (ms *MemoryStore) Len() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.entries)
}

func cloneRecord(r *Record) *Record {
	if r == nil {
		return nil
	}
	out := Record{LastSeen: r.LastSeen}
	if r.Timestamps != nil {
		out.Timestamps = append(make([]int64, 0, len(r.Timestamps)), r.Timestamps...)
	}
	return &out
}
