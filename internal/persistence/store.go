// Package persistence is the durable record of the governance layer:
// inter-agent messages, heartbeat audit rows, autonomy settings, proactive
// actions and trigger rules, all in one SQLite database. Rows are never
// physically deleted; status columns and append-only event tables carry the
// audit trail.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/warroom/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "wr-v1-2026-08-governance"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Sentinel errors surfaced to the governance components.
var (
	// ErrStoreUnavailable wraps storage failures that callers may retry.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned for illegal state-machine moves. It
	// indicates a programming or concurrency bug and is logged as a defect.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrVersionConflict is returned when an optimistic-concurrency write
	// lost the race (autonomy settings updates).
	ErrVersionConflict = errors.New("version conflict")
)

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".warroom", "warroom.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable. Used by healthz.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter. maxRetries=5 gives ~3s total
// wait on top of the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 wraps errors as sqlite3.Error with Code field.
	// Check the error string for the code to avoid a direct dependency
	// on the sqlite3 package in non-CGO-importing code paths.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			kind TEXT NOT NULL CHECK(kind IN ('INSIGHT', 'REQUEST', 'ALERT', 'HANDOFF', 'DEBATE')),
			from_agent TEXT NOT NULL,
			to_agent TEXT,
			topic TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT 'MEDIUM' CHECK(priority IN ('LOW', 'MEDIUM', 'HIGH', 'CRITICAL')),
			payload JSON NOT NULL DEFAULT '{}',
			thread_id TEXT,
			parent_id TEXT REFERENCES messages(id),
			requires_response INTEGER NOT NULL DEFAULT 0,
			response_received INTEGER NOT NULL DEFAULT 0,
			escalated_to_human INTEGER NOT NULL DEFAULT 0,
			response_deadline DATETIME,
			status TEXT NOT NULL DEFAULT 'PENDING' CHECK(status IN ('PENDING', 'DELIVERED', 'PROCESSED', 'EXPIRED', 'FAILED')),
			resolution JSON,
			human_decision TEXT,
			error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS heartbeats (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			result TEXT NOT NULL CHECK(result IN ('OK', 'INSIGHT', 'ACTION', 'ESCALATION')),
			checklist_item TEXT NOT NULL DEFAULT '',
			context JSON NOT NULL DEFAULT '{}',
			action_taken TEXT NOT NULL DEFAULT '',
			action_result TEXT NOT NULL DEFAULT '',
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0.0,
			model TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			human_notified INTEGER NOT NULL DEFAULT 0,
			human_response TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS autonomy_settings (
			workspace_id TEXT PRIMARY KEY,
			global_level INTEGER NOT NULL DEFAULT 1 CHECK(global_level BETWEEN 0 AND 3),
			category_overrides JSON NOT NULL DEFAULT '{}',
			daily_action_limit INTEGER NOT NULL DEFAULT 10,
			daily_spend_limit_usd REAL NOT NULL DEFAULT 50.0,
			paused INTEGER NOT NULL DEFAULT 0,
			pause_reason TEXT NOT NULL DEFAULT '',
			notify_pref TEXT NOT NULL DEFAULT 'important' CHECK(notify_pref IN ('all', 'important', 'none')),
			version INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS autonomy_usage (
			workspace_id TEXT NOT NULL,
			day TEXT NOT NULL,
			actions INTEGER NOT NULL DEFAULT 0,
			spend_usd REAL NOT NULL DEFAULT 0.0,
			PRIMARY KEY (workspace_id, day)
		);`,
		`CREATE TABLE IF NOT EXISTS proactive_actions (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			payload JSON NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'PENDING_APPROVAL' CHECK(status IN ('PENDING_APPROVAL', 'APPROVED', 'REJECTED', 'EXECUTED', 'FAILED', 'UNDONE')),
			autonomy_level INTEGER NOT NULL DEFAULT 0,
			requires_approval INTEGER NOT NULL DEFAULT 1,
			executable INTEGER NOT NULL DEFAULT 1,
			denial_reason TEXT NOT NULL DEFAULT '',
			cost_usd REAL NOT NULL DEFAULT 0.0,
			approved_by TEXT,
			approved_at DATETIME,
			reversible INTEGER NOT NULL DEFAULT 0,
			result JSON,
			error TEXT,
			undone_at DATETIME,
			undo_result TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS action_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			action_id TEXT NOT NULL REFERENCES proactive_actions(id),
			workspace_id TEXT NOT NULL,
			trace_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS triggers (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			name TEXT NOT NULL,
			cron_expr TEXT NOT NULL DEFAULT '',
			event TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL,
			instructions TEXT NOT NULL DEFAULT '',
			requires_approval INTEGER NOT NULL DEFAULT 1,
			cooldown_seconds INTEGER NOT NULL DEFAULT 0,
			daily_cap INTEGER NOT NULL DEFAULT 0,
			paused INTEGER NOT NULL DEFAULT 0,
			last_fired_at DATETIME,
			fire_day TEXT NOT NULL DEFAULT '',
			fire_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			workspace_id TEXT,
			subject TEXT,
			scope TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_workspace_status ON messages(workspace_id, status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_overdue ON messages(workspace_id, requires_response, response_received, response_deadline);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(workspace_id, thread_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_heartbeats_workspace_agent ON heartbeats(workspace_id, agent_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_actions_workspace_status ON proactive_actions(workspace_id, status, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_action_events_action ON action_events(action_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_workspace ON triggers(workspace_id, paused);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_workspace ON audit_log(workspace_id, created_at DESC);`,
	}

	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// publish emits an event on the in-process bus, if one is attached.
func (s *Store) publish(topic string, payload interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// today returns the UTC day key used by usage accounting and trigger caps.
func today(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}
