// ABOUTME: Per-key mutual exclusion for in-flight jobs
// ABOUTME: Prevents two workers from retrying the same logical unit concurrently

package taskd

import "sync"

// keyLock tracks which job keys currently have an attempt in flight. It is
// the dedup lock behind the at-most-one-in-flight guarantee for jobs that
// share a key (e.g. the same message+language translation).
type keyLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newKeyLock() *keyLock {
	return &keyLock{held: make(map[string]struct{})}
}

// TryAcquire claims the key if it is free. Returns false when another
// attempt already holds it.
func (l *keyLock) TryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

// Release frees the key. Safe to call for a key that is not held.
func (l *keyLock) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}
