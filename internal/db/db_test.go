package db

import (
	"path/filepath"
	"testing"
)

func TestOpenMigratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lifxd.sqlite")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if v, err := db.SchemaVersion(); err != nil || v != len(migrations) {
		t.Fatalf("SchemaVersion() = %d, %v; want %d", v, err, len(migrations))
	}
	if _, err := db.Exec(`INSERT INTO resource_state (kind, id, payload, updated_at) VALUES ('device', 'x', '{}', 0)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	db.Close()

	// Reopening must keep data and not rerun migrations
	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM resource_state`).Scan(&n); err != nil || n != 1 {
		t.Errorf("rows after reopen = %d, %v; want 1", n, err)
	}
	if err := db.HealthCheck(t.Context()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}
