// Package database handles the embedded knowledge-base connection and
// schema migrations.
package database

import (
	"database/sql"
	"fmt"
	"log/slog"
	"runtime"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/deepresearch/orchestrator/internal/database/migrations"
)

// New creates a new database connection using libsql.
//
// dsn is typically "file:research.db?_journal=WAL&_timeout=5000" for a
// local embedded database, or an http(s) URL for a libsql server /
// embedded-replica setup. The knowledge base runs single-process, so
// no Turso sync wiring to a remote primary is needed here.
func New(dsn string) (*sql.DB, error) {
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Local SQLite/libsql: reads can be parallel, writes are serialized by
	// the single-writer rule under WAL. Size the pool to CPU count for
	// read concurrency; sql.DB serializes writers for us.
	maxConns := runtime.NumCPU()
	if maxConns < 4 {
		maxConns = 4
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)

	pragmas := []struct {
		query string
		name  string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA busy_timeout = 30000", "busy timeout"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{"PRAGMA synchronous = NORMAL", "synchronous mode"},
		{"PRAGMA temp_store = memory", "temp store"},
	}

	for _, p := range pragmas {
		var result string
		if err := db.QueryRow(p.query).Scan(&result); err != nil {
			if _, execErr := db.Exec(p.query); execErr != nil {
				return nil, fmt.Errorf("failed to set %s: %w", p.name, execErr)
			}
		}
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// Migrate runs database migrations with the default (silent) logger.
func Migrate(db *sql.DB) error {
	return MigrateWithLogger(db, nil)
}

// MigrateWithLogger runs database migrations with a custom logger.
func MigrateWithLogger(db *sql.DB, logger *slog.Logger) error {
	return migrations.Run(db, logger)
}

// GetLatestSchemaVersion returns the latest applied migration version.
func GetLatestSchemaVersion(db *sql.DB) (string, error) {
	return migrations.GetLatestVersion(db)
}

// GetMigrationCount returns the total number of applied migrations.
func GetMigrationCount(db *sql.DB) (int, error) {
	return migrations.GetMigrationCount(db)
}
