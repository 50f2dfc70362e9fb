package repository

import (
	"database/sql"
	"testing"

	"github.com/deepresearch/orchestrator/internal/database/migrations"
	_ "github.com/tursodatabase/go-libsql"
)

// setupTestDB creates an in-memory libsql database, runs migrations, and
// registers cleanup when the test completes.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("libsql", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	if err := migrations.Run(db, nil); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

// setupTestRepos creates a full Repositories bundle over a test database.
func setupTestRepos(t *testing.T) *Repositories {
	t.Helper()
	return New(setupTestDB(t))
}
