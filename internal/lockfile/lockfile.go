// Package lockfile wraps gofrs/flock to provide the single-instance and
// single-writer advisory locks Clawline relies on instead of any
// multi-process coordination (explicitly a non-goal).
package lockfile

import (
	"fmt"

	"github.com/gofrs/flock"
)

// Lock is a held advisory file lock. Release with Unlock.
type Lock struct {
	fl *flock.Flock
}

// Acquire takes an exclusive, non-blocking advisory lock at path. It
// returns an error if another process already holds it, which callers
// should treat as a fatal "another instance is already running" condition.
func Acquire(path string) (*Lock, error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %q: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock %q is already held by another process", path)
	}
	return &Lock{fl: fl}, nil
}

// Unlock releases the lock. Safe to call once; subsequent calls are no-ops.
func (l *Lock) Unlock() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
