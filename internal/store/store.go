// Package store is the single transactional record store for the
// orchestration core (C2). It owns Task, PriorityOverride, the robot
// observation cache, WorkflowRun, WorkflowStep, and the POI cache, and is
// the only component allowed to mutate them. Every mutating operation
// commits in one transaction; the assignment claim and the promotion pass
// rely entirely on SQLite's row-level serializability — no application
// lock is taken anywhere in this package.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/roboserve/internal/bus"
	"github.com/basket/roboserve/internal/clockutil"
)

// Store wraps a single-writer SQLite connection and the event bus it
// publishes state changes to.
type Store struct {
	db    *sql.DB
	bus   *bus.Bus
	clock clockutil.Clock
}

// DefaultDBPath mirrors the teacher's per-user data directory convention.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".roboserve", "roboserve.db")
}

// Open creates (or attaches to) the SQLite file at path, applies pragmas,
// and runs schema migrations. eventBus may be nil in tests that don't care
// about published events.
func Open(path string, eventBus *bus.Bus, clock clockutil.Clock) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// Single writer: SQLite serializes writes anyway; this keeps every
	// mutating call on one connection so transactions never contend with
	// each other across goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if clock == nil {
		clock = clockutil.Real{}
	}
	s := &Store{db: db, bus: eventBus, clock: clock}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB    { return s.db }
func (s *Store) Close() error   { return s.db.Close() }
func (s *Store) Bus() *bus.Bus  { return s.bus }

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

const schemaVersion = 1

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var have int
	_ = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, schemaVersion).Scan(&have)
	if have == 0 {
		if _, err := tx.ExecContext(ctx, taskSchemaDDL); err != nil {
			return fmt.Errorf("create tasks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, priorityOverrideSchemaDDL); err != nil {
			return fmt.Errorf("create priority_overrides: %w", err)
		}
		if _, err := tx.ExecContext(ctx, robotObservationSchemaDDL); err != nil {
			return fmt.Errorf("create robot_observations: %w", err)
		}
		if _, err := tx.ExecContext(ctx, poiCacheSchemaDDL); err != nil {
			return fmt.Errorf("create poi_cache: %w", err)
		}
		if _, err := tx.ExecContext(ctx, workflowRunSchemaDDL); err != nil {
			return fmt.Errorf("create workflow_runs: %w", err)
		}
		if _, err := tx.ExecContext(ctx, workflowStepSchemaDDL); err != nil {
			return fmt.Errorf("create workflow_steps: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	}

	return tx.Commit()
}

// retryOnBusy retries f when SQLite reports the database as busy or locked,
// with capped exponential backoff and jitter on top of the driver's own
// busy_timeout. Mirrors the teacher's persistence.retryOnBusy.
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
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}
