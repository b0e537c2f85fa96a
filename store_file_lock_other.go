//go:build !unix

package memocache

import "sync"

var fileLocks sync.Map

// lockFile serializes callers on path within this process only.
func lockFile(path string) (func(), error) {
	v, _ := fileLocks.LoadOrStore(path, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock, nil
}
