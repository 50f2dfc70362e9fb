package database

import "testing"

func TestNew_OpensAndPingsDatabase(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestMigrate_RunsMigrationsAgainstNewConnection(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer db.Close()

	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	count, err := GetMigrationCount(db)
	if err != nil {
		t.Fatalf("GetMigrationCount() error = %v", err)
	}
	if count == 0 {
		t.Error("GetMigrationCount() = 0, want at least one migration applied")
	}

	version, err := GetLatestSchemaVersion(db)
	if err != nil {
		t.Fatalf("GetLatestSchemaVersion() error = %v", err)
	}
	if version == "" {
		t.Error("GetLatestSchemaVersion() returned empty after migrating")
	}
}
