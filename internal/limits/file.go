package limits

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/blake2b"
)

const (
	lockAttempts = 5
	lockBackoff  = 2 * time.Millisecond
)

// FileStore keeps one JSON file per key, guarded by advisory file locks.
type FileStore struct {
	dir string
	gc  GCOptions
	now func() time.Time
}

func NewFileStore(dir string, gc GCOptions) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("limits: file store directory is required")
	}
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return nil, fmt.Errorf("limits: create store dir: %w", err)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("limits: store dir not writable: %w", err)
	}
	probe.Close()
	os.Remove(probe.Name())

	return &FileStore{dir: dir, gc: gc.withDefaults(), now: time.Now}, nil
}

func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(key string) string {
	sum := blake2b.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+".json")
}

func (s *FileStore) Read(ctx context.Context, key string) (*Record, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	unlock, err := acquire(ctx, f, false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return readRecord(f)
}

func (s *FileStore) Write(ctx context.Context, key string, rec Record) error {
	f, err := os.OpenFile(s.path(key), os.O_RDWR|os.O_CREATE, 0o664)
	if err != nil {
		return err
	}
	defer f.Close()

	unlock, err := acquire(ctx, f, true)
	if err != nil {
		return err
	}
	defer unlock()

	return rewrite(f, rec)
}

func (s *FileStore) Update(ctx context.Context, key string, fn func(*Record) Record) (Record, error) {
	f, err := os.OpenFile(s.path(key), os.O_RDWR|os.O_CREATE, 0o664)
	if err != nil {
		return Record{}, err
	}
	defer f.Close()

	unlock, err := acquire(ctx, f, true)
	if err != nil {
		return Record{}, err
	}
	defer unlock()

	// An unreadable record is treated as absent and overwritten.
	current, _ := readRecord(f)
	next := fn(current)
	if err := rewrite(f, next); err != nil {
		return Record{}, err
	}
	return next, nil
}

// Cleanup inspects at most 100 shuffled files, skipping those whose mtime is
// newer than the cutoff. Empty files are removed.
func (s *FileStore) Cleanup(ctx context.Context, interval time.Duration) (int, error) {
	if !s.gc.roll() {
		return 0, nil
	}
	cutoff := s.gc.cutoff(s.now(), interval)

	files, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return 0, err
	}
	if len(files) > maxRecordsPerGC {
		rand.Shuffle(len(files), func(i, j int) { files[i], files[j] = files[j], files[i] })
		files = files[:maxRecordsPerGC]
	}

	removed := 0
	for _, file := range files {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		info, err := os.Stat(file)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if info.ModTime().Unix() >= cutoff {
			continue
		}
		raw, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		if len(raw) == 0 {
			if os.Remove(file) == nil {
				removed++
			}
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.LastSeen > 0 && rec.LastSeen < cutoff {
			if os.Remove(file) == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func acquire(ctx context.Context, f *os.File, exclusive bool) (func(), error) {
	for attempt := 0; ; attempt++ {
		unlock, err := tryLock(f, exclusive)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}
		if attempt+1 >= lockAttempts {
			return nil, ErrLocked
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockBackoff):
		}
	}
}

func readRecord(f *os.File) (*Record, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, nil
	}
	if rec.Timestamps == nil {
		return nil, nil
	}
	return &rec, nil
}

func rewrite(f *os.File, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return err
	}
	return f.Sync()
}
