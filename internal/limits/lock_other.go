//go:build !unix

package limits

import (
	"os"
	"sync"
)

// Without flock the lock only covers this process.
var fileLocks sync.Map

func tryLock(f *os.File, exclusive bool) (func(), error) {
	v, _ := fileLocks.LoadOrStore(f.Name(), &sync.RWMutex{})
	mu := v.(*sync.RWMutex)
	if exclusive {
		if !mu.TryLock() {
			return nil, ErrLocked
		}
		return mu.Unlock, nil
	}
	if !mu.TryRLock() {
		return nil, ErrLocked
	}
	return mu.RUnlock, nil
}
