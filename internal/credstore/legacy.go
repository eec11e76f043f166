package credstore

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/newtonlabs/health-data-analyzer-sub000/internal/tokenfile"
)

// AdoptLegacy moves a token file from an older location into the store's
// path. Nothing happens when the store already has a file on disk or the
// legacy file is absent. Returns true when a file was moved.
func (s *Store) AdoptLegacy(legacy string) (bool, error) {
	if legacy == "" || legacy == s.path {
		return false, nil
	}

	if _, err := os.Stat(s.path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("credstore: checking %s: %w", s.path, err)
	}

	rec, err := tokenfile.Load(legacy)
	if err != nil {
		return false, fmt.Errorf("credstore: reading legacy token file: %w", err)
	}

	if rec == nil {
		return false, nil
	}

	if err := tokenfile.Save(s.path, rec); err != nil {
		return false, fmt.Errorf("credstore: migrating %s: %w", legacy, err)
	}

	// The token is already saved at the new path.
	if err := tokenfile.Remove(legacy); err != nil {
		s.logger.Warn("legacy token file not removed",
			slog.String("path", legacy),
			slog.String("error", err.Error()),
		)
	}

	s.Invalidate()

	s.logger.Info("migrated legacy token file",
		slog.String("from", legacy),
		slog.String("to", s.path),
	)

	return true, nil
}
