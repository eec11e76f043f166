package credstore

import (
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Registry hands out one Store per storage path. The application wiring owns
// it and passes stores to session drivers; tests build a fresh one per case.
type Registry struct {
	clock  func() time.Time
	logger *slog.Logger

	mu     sync.Mutex
	stores map[string]*Store
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now for every store in the registry.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		r.clock = clock
	}
}

// WithLogger sets the logger passed to every store.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		clock:  time.Now,
		logger: slog.Default(),
		stores: make(map[string]*Store),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Store returns the shared Store for path, creating it on first use. Paths
// are cleaned and made absolute so "a/../t.json" and "t.json" share a store.
func (r *Registry) Store(path string) *Store {
	key := canonicalPath(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[key]; ok {
		return s
	}

	s := newStore(key, r.clock, r.logger.With(slog.String("token_file", filepath.Base(key))))
	r.stores[key] = s

	return s
}

// Paths lists the storage keys that have a store, sorted.
func (r *Registry) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	paths := make([]string, 0, len(r.stores))
	for p := range r.stores {
		paths = append(paths, p)
	}

	sort.Strings(paths)

	return paths
}

func canonicalPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}

	return filepath.Clean(path)
}
