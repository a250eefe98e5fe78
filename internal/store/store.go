// Package store is the durable record of scheduled messages and their
// delivery log. It speaks sqlx over either an embedded SQLite file
// (default) or Postgres, selected by config.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"milo/pkg/logx"
)

//go:embed migrations_sqlite.sql migrations_postgres.sql
var migrationsFS embed.FS

var (
	ErrEmptyBody      = errors.New("message body is empty")
	ErrEndBeforeStart = errors.New("recurrence end date is not after the first fire time")
	ErrNotFound       = errors.New("job not found")
)

// Config configures the store.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": Postgres via DSN
type Config struct {
	Driver      string
	Path        string        // sqlite file path
	DSN         string        // postgres connection string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type Store struct {
	db     *sqlx.DB
	driver string
	log    logx.Logger
}

// Open initializes the configured store and runs migrations.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "sqlite"
	}

	var db *sqlx.DB
	var err error
	switch driver {
	case "sqlite", "sqlite3":
		driver = "sqlite"
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("store: sqlite path is required")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, err
		}
		db, err = sqlx.Open("sqlite", cfg.Path)
		if err != nil {
			return nil, err
		}
		// SQLite prefers a single writer.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if cfg.BusyTimeout > 0 {
			_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
		}
		_, _ = db.Exec("PRAGMA journal_mode = WAL")
		_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	case "postgres":
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, errors.New("store: postgres dsn is required")
		}
		db, err = sqlx.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("store: unknown driver: " + driver)
	}

	s := &Store{db: db, driver: driver, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	name := "migrations_sqlite.sql"
	if s.driver == "postgres" {
		name = "migrations_postgres.sql"
	}
	b, err := migrationsFS.ReadFile(name)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind converts "?" placeholders for the active driver.
func (s *Store) rebind(q string) string {
	if s.driver == "postgres" {
		return sqlx.Rebind(sqlx.DOLLAR, q)
	}
	return q
}
