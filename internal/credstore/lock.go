package credstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/newtonlabs/health-data-analyzer-sub000/internal/tokenfile"
)

// lockRetryInterval is how often a contended lock file is retried.
const lockRetryInterval = 50 * time.Millisecond

// lockFile acquires an exclusive flock on path, waiting until ctx is done.
// The returned function releases the lock. The lock file itself is left in
// place; removing it would race with a waiter that already opened it.
func lockFile(ctx context.Context, path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), tokenfile.DirPerms); err != nil {
		return nil, fmt.Errorf("credstore: creating lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, tokenfile.FilePerms)
	if err != nil {
		return nil, fmt.Errorf("credstore: opening lock file: %w", err)
	}

	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()

	for {
		// Non-blocking so ctx cancellation is observed between attempts.
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return func() {
				_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
				f.Close()
			}, nil
		}

		if !errors.Is(err, syscall.EWOULDBLOCK) {
			f.Close()
			return nil, fmt.Errorf("credstore: locking %s: %w", path, err)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("credstore: waiting for lock %s: %w", path, ctx.Err())
		case <-ticker.C:
		}
	}
}
