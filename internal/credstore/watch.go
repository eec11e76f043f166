package credstore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch error backoff bounds.
const (
	watchErrInitBackoff = 1 * time.Second
	watchErrMaxBackoff  = 30 * time.Second
)

// Watch drops the in-memory token whenever another process rewrites or
// removes the token file, so the next Current sees the new state. It blocks
// until ctx is canceled. The directory is watched rather than the file
// because atomic saves replace the inode.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("credstore: creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("credstore: watching %s: %w", dir, err)
	}

	s.logger.Debug("watching token file", slog.String("path", s.path))

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != s.path {
				continue
			}

			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) ||
				ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				s.logger.Debug("token file changed on disk",
					slog.String("path", s.path),
					slog.String("op", ev.Op.String()),
				)
				s.Invalidate()
			}

			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			s.logger.Warn("token watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			timer := time.NewTimer(errBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}

			errBackoff = min(errBackoff*2, watchErrMaxBackoff)
		}
	}
}
