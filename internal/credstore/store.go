// Package credstore persists one OAuth2 token per storage key (a file path)
// and decides when a token is expired. Stores are handed out by a Registry
// so every session in a process that points at the same file shares one
// in-memory view of it.
package credstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/newtonlabs/health-data-analyzer-sub000/internal/tokenfile"
)

// refreshKey is the single singleflight key used per store.
const refreshKey = "refresh"

// Store is the credential store for one storage key. Safe for concurrent use.
type Store struct {
	path   string
	clock  func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	loaded  bool
	current *Token

	flight singleflight.Group
}

func newStore(path string, clock func() time.Time, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		clock:  clock,
		logger: logger,
	}
}

// Path returns the storage key.
func (s *Store) Path() string {
	return s.path
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time {
	return s.clock()
}

// Load reads the persisted token from disk and makes it the current one.
// A missing or unparsable file is equivalent to "no token": Load never fails.
func (s *Store) Load() (Token, bool) {
	rec, err := tokenfile.Load(s.path)
	if err != nil {
		s.logger.Warn("ignoring unreadable token file",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.loaded = true

	if rec == nil {
		s.current = nil
		return Token{}, false
	}

	tok := fromRecord(rec)
	s.current = &tok

	return tok, true
}

// Reload adopts a token another process wrote to disk. A missing or
// unreadable file leaves the in-memory token in place.
func (s *Store) Reload() (Token, bool) {
	rec, err := tokenfile.Load(s.path)
	if err != nil || rec == nil {
		return s.Current()
	}

	tok := fromRecord(rec)

	s.mu.Lock()
	s.loaded = true
	s.current = &tok
	s.mu.Unlock()

	return tok, true
}

// Current returns the in-memory token, loading it from disk on first use.
func (s *Store) Current() (Token, bool) {
	s.mu.Lock()
	loaded := s.loaded
	cur := s.current
	s.mu.Unlock()

	if !loaded {
		return s.Load()
	}

	if cur == nil {
		return Token{}, false
	}

	return *cur, true
}

// Save stamps tok with the current time, replaces the in-memory token and
// writes it to disk atomically. The returned Token is what was stored. When
// the disk write fails the in-memory token is still replaced so the process
// can keep using it; the error is returned for the caller to log.
func (s *Store) Save(tok Token) (Token, error) {
	stamped := tok.WithIssuedAt(s.clock())

	s.mu.Lock()
	s.loaded = true
	s.current = &stamped
	s.mu.Unlock()

	if err := tokenfile.Save(s.path, toRecord(stamped)); err != nil {
		return stamped, fmt.Errorf("credstore: saving %s: %w", s.path, err)
	}

	s.logger.Debug("token saved",
		slog.String("path", s.path),
		slog.Time("standard_expiry", stamped.StandardExpiry()),
		slog.Bool("sliding_window", stamped.HasSlidingWindow()),
	)

	return stamped, nil
}

// Clear deletes the persisted token and forgets the in-memory copy.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.loaded = true
	s.current = nil
	s.mu.Unlock()

	if err := tokenfile.Remove(s.path); err != nil {
		return fmt.Errorf("credstore: clearing: %w", err)
	}

	s.logger.Info("token cleared", slog.String("path", s.path))

	return nil
}

// Invalidate drops the in-memory copy so the next Current re-reads disk.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.loaded = false
	s.current = nil
	s.mu.Unlock()
}

// IsExpired applies IsExpired with the store clock.
func (s *Store) IsExpired(tok Token, buffer time.Duration) bool {
	return IsExpired(tok, s.clock(), buffer)
}

// Serialize runs fn so that at most one refresh for this storage key is in
// flight. Concurrent callers in this process share the result of the running
// call; other processes are excluded with an advisory lock file next to the
// token file.
func (s *Store) Serialize(ctx context.Context, fn func(ctx context.Context) (Token, error)) (Token, error) {
	v, err, shared := s.flight.Do(refreshKey, func() (any, error) {
		unlock, lockErr := lockFile(ctx, s.path+".lock")
		if lockErr != nil {
			return Token{}, lockErr
		}
		defer unlock()

		return fn(ctx)
	})

	if shared {
		s.logger.Debug("joined in-flight refresh", slog.String("path", s.path))
	}

	tok, _ := v.(Token)

	return tok, err
}
