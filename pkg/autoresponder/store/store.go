// Package store implements every persistence interface of the engine on a
// single SQLite database: conversation stages, transcripts, success
// examples, anti-repetition marks and the activity log.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/stage"
)

// ErrNotFound is returned when a record does not exist. It is the stage
// sentinel so that a Tracker recognises a missing conversation.
var ErrNotFound = stage.ErrNotFound

// Config holds database settings.
type Config struct {
	// Path is the SQLite file. ":memory:" opens a private in-memory database.
	Path string `yaml:"path"`

	// JournalMode is the SQLite journal mode (default WAL).
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeout is the lock wait in milliseconds (default 5000).
	BusyTimeout int `yaml:"busy_timeout"`
}

// DefaultConfig returns the default database settings.
func DefaultConfig() Config {
	return Config{
		Path:        "./data/autoresponder.db",
		JournalMode: "WAL",
		BusyTimeout: 5000,
	}
}

// Store is the SQLite-backed implementation of stage.Store, learning.Store
// and activity.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the database and applies the schema.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = def.JournalMode
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = def.BusyTimeout
	}

	var dsn string
	if cfg.Path == ":memory:" {
		dsn = "file::memory:?_busy_timeout=" + fmt.Sprint(cfg.BusyTimeout)
	} else {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
		dsn = fmt.Sprintf("file:%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=ON",
			cfg.Path, cfg.JournalMode, cfg.BusyTimeout)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}
	if cfg.Path == ":memory:" {
		// Every connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Debug("store: opened", "path", cfg.Path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	sender_id          TEXT PRIMARY KEY,
	display_name       TEXT NOT NULL DEFAULT '',
	conversation_title TEXT NOT NULL DEFAULT '',
	source_app         TEXT NOT NULL DEFAULT '',
	stage              INTEGER NOT NULL DEFAULT 0,
	interaction_count  INTEGER NOT NULL DEFAULT 0,
	last_replied_at    INTEGER NOT NULL DEFAULT 0,
	created_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_turns (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	sender_id       TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	product_context TEXT NOT NULL DEFAULT '',
	at              INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_sender ON conversation_turns(sender_id, id DESC);

CREATE TABLE IF NOT EXISTS success_examples (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	counterpart_message TEXT NOT NULL,
	reply               TEXT NOT NULL,
	kind                TEXT NOT NULL,
	product_context     TEXT NOT NULL DEFAULT '',
	success_count       INTEGER NOT NULL DEFAULT 1,
	last_seen_at        INTEGER NOT NULL,
	UNIQUE(counterpart_message, reply)
);

CREATE TABLE IF NOT EXISTS recent_replies (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	sender_id   TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	text        TEXT NOT NULL,
	sent_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_replies_sender ON recent_replies(sender_id, sent_at DESC);

CREATE TABLE IF NOT EXISTS activity_log (
	id           TEXT PRIMARY KEY,
	sender_id    TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	source_app   TEXT NOT NULL DEFAULT '',
	message      TEXT NOT NULL DEFAULT '',
	stage        INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	reply        TEXT NOT NULL DEFAULT '',
	provenance   TEXT NOT NULL DEFAULT '',
	tokens       INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	started_at   INTEGER NOT NULL,
	finished_at  INTEGER NOT NULL DEFAULT 0,
	duration_ms  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_activity_started ON activity_log(started_at DESC);
`

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if current < schemaVersion {
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		s.logger.Info("store: schema migrated", "from", current, "to", schemaVersion)
	}
	return nil
}

// SchemaVersion returns the applied schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v)
	return v, err
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
