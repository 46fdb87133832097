package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/heimdex/heimdex-ingest/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB owns the single SQLite connection shared by the catalog.
type DB struct {
	conn   *sql.DB
	logger *slog.Logger
}

// New opens or creates the database at dbPath, applies pending migrations
// and recovers state left behind by an unclean shutdown.
func New(dbPath string, logger *slog.Logger) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	if logger == nil {
		logger = logging.Discard()
	}
	db := &DB{conn: conn, logger: logger}

	if err := db.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db.recoverState()

	return db, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) Conn() *sql.DB {
	return d.conn
}

// migrate applies each embedded migration once, in file name order. A
// migration and its _migrations row commit together.
func (d *DB) migrate() error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if d.isMigrationApplied(name) {
			continue
		}
		if err := d.applyMigration(name); err != nil {
			return err
		}
		d.logger.Info("applied migration", "name", name)
	}

	return nil
}

func (d *DB) applyMigration(name string) error {
	content, err := migrationsFS.ReadFile("migrations/" + name)
	if err != nil {
		return fmt.Errorf("failed to read migration %s: %w", name, err)
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration %s: %w", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("failed to execute migration %s: %w", name, err)
	}
	if _, err := tx.Exec("INSERT INTO _migrations (name) VALUES (?)", name); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", name, err)
	}
	return tx.Commit()
}

func (d *DB) isMigrationApplied(name string) bool {
	var exists int
	err := d.conn.QueryRow("SELECT 1 FROM sqlite_master WHERE type='table' AND name='_migrations'").Scan(&exists)
	if err != nil {
		return false
	}

	var applied int
	err = d.conn.QueryRow("SELECT 1 FROM _migrations WHERE name = ?", name).Scan(&applied)
	return err == nil && applied == 1
}

const sqlNow = "strftime('%Y-%m-%dT%H:%M:%SZ', 'now')"

// recoverState runs once at startup. Work that was in flight when the
// process died is failed, and abandoned upload sessions are expired.
func (d *DB) recoverState() {
	steps := []struct {
		name  string
		query string
	}{
		{"interrupted jobs", `UPDATE jobs SET status = 'failed', error = 'interrupted by restart', updated_at = ` + sqlNow + `
			WHERE status = 'running'`},
		// Videos whose job is still queued keep their status and run once the runner starts.
		{"interrupted analyses", `UPDATE videos SET status = 'analysis_failed', error = 'interrupted by restart',
			analysis_failed_at = ` + sqlNow + `, updated_at = ` + sqlNow + `
			WHERE status = 'analyzing'
				AND id NOT IN (SELECT video_id FROM jobs WHERE status = 'pending' AND video_id IS NOT NULL)`},
		{"stale upload sessions", `UPDATE upload_sessions SET status = 'expired', updated_at = ` + sqlNow + `
			WHERE status NOT IN ('completed', 'failed', 'expired') AND expires_at < ` + sqlNow},
	}

	ctx := context.Background()
	for _, step := range steps {
		res, err := d.conn.ExecContext(ctx, step.query)
		if err != nil {
			d.logger.Warn("startup recovery failed", "step", step.name, "error", err)
			continue
		}
		if n, _ := res.RowsAffected(); n > 0 {
			d.logger.Info("startup recovery", "step", step.name, "rows", n)
		}
	}
}
