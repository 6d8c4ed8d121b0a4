package daemon

import (
	"errors"
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"github.com/openmined/farmsync/internal/utils"
)

var ErrAlreadyRunning = errors.New("data dir is in use by another farmsync process")

// Lock guards a data dir against a second process.
type Lock struct {
	flock *flock.Flock
}

// AcquireLock takes the lock file at path without blocking.
func AcquireLock(path string) (*Lock, error) {
	if err := utils.EnsureParent(path); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock data dir: %w", err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}
	return &Lock{flock: fl}, nil
}

// Release unlocks and removes the lock file. It is a no-op if not held.
func (l *Lock) Release() error {
	if l == nil || !l.flock.Locked() {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("unlock data dir: %w", err)
	}
	return os.Remove(l.flock.Path())
}
