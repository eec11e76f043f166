// Package ledger keeps a local history of authentication events (logins,
// refreshes, failures) in an embedded SQLite database. It is diagnostic
// only: sessions work without it.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Kind classifies an event.
type Kind string

// Event kinds.
const (
	KindAuthenticated Kind = "authenticated"
	KindRefreshed     Kind = "refreshed"
	KindRefreshFailed Kind = "refresh_failed"
	KindCleared       Kind = "cleared"
	KindAuthRetry     Kind = "auth_retry"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// defaultRecentLimit applies when Recent is called with limit <= 0.
const defaultRecentLimit = 20

// dirPerms matches the token directory permissions.
const dirPerms = 0o700

// Event is one ledger row.
type Event struct {
	ID       string
	Provider string
	Kind     Kind
	At       time.Time
	Detail   string
}

// Ledger is safe for concurrent use. A single connection makes it the sole
// writer of its database.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
	clock  func() time.Time
}

// Open opens (creating if needed) the ledger at path and applies pending
// migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), dirPerms); err != nil {
			return nil, fmt.Errorf("ledger: creating directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := setPragmas(ctx, db, path); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("auth ledger ready", slog.String("path", path))

	return &Ledger{db: db, logger: logger, clock: time.Now}, nil
}

func setPragmas(ctx context.Context, db *sql.DB, path string) error {
	pragmas := []string{"PRAGMA busy_timeout = 5000"}
	if path != MemoryPath {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("ledger: %s: %w", p, err)
		}
	}

	return nil
}

// runMigrations applies all pending schema migrations with the goose
// Provider API.
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ledger: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("ledger: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("ledger: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Debug("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record inserts ev. A missing ID or time is filled in.
func (l *Ledger) Record(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	if ev.At.IsZero() {
		ev.At = l.clock()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO auth_events (id, provider, kind, at_ns, detail) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.Provider, string(ev.Kind), ev.At.UnixNano(), ev.Detail)
	if err != nil {
		return fmt.Errorf("ledger: recording %s event: %w", ev.Kind, err)
	}

	return nil
}

// Recent returns up to limit events, newest first. An empty provider
// matches all providers.
func (l *Ledger) Recent(ctx context.Context, provider string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, provider, kind, at_ns, detail FROM auth_events
		 WHERE (? = '' OR provider = ?)
		 ORDER BY at_ns DESC, rowid DESC
		 LIMIT ?`, provider, provider, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: querying events: %w", err)
	}
	defer rows.Close()

	var events []Event

	for rows.Next() {
		var (
			ev   Event
			kind string
			atNS int64
		)

		if err := rows.Scan(&ev.ID, &ev.Provider, &kind, &atNS, &ev.Detail); err != nil {
			return nil, fmt.Errorf("ledger: scanning event: %w", err)
		}

		ev.Kind = Kind(kind)
		ev.At = time.Unix(0, atNS).UTC()
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating events: %w", err)
	}

	return events, nil
}

// Prune deletes events older than before and returns how many went.
func (l *Ledger) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM auth_events WHERE at_ns < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("ledger: pruning: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ledger: pruning rows affected: %w", err)
	}

	if n > 0 {
		l.logger.Debug("pruned auth events", slog.Int64("count", n))
	}

	return n, nil
}
