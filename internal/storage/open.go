package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"livenudge/pkg/logx"

	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5 * time.Second

// Store is the SQLite-backed store. All writes are serialized by mu on top of
// the single pooled connection.
type Store struct {
	db  *sql.DB
	log logx.Logger
	mu  sync.Mutex

	now func() time.Time
}

// Open opens the configured store, applies pragmas and runs migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none":
		return nil, ErrDisabled
	case "sqlite", "sqlite3":
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	if err := applyPragmas(ctx, db, busy); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	log.Info("storage opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return &Store{db: db, log: log, now: time.Now}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB, busy time.Duration) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		fmt.Sprintf("PRAGMA busy_timeout=%d;", busy.Milliseconds()),
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database answers. Used by /healthz.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

// tx runs fn inside a transaction holding the write lock.
func (s *Store) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// exec runs a single write statement under the write lock.
func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.ExecContext(ctx, query, args...)
}
