// Package db opens the lifxd SQLite database and keeps its schema current.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// DB wraps the SQLite connection.
type DB struct {
	*sql.DB
	path string
}

// migrations are applied in order; PRAGMA user_version records how many ran.
// Append only.
var migrations = []struct {
	name string
	sql  string
}{
	{
		"event ledger",
		`
			CREATE TABLE IF NOT EXISTS event_ledger (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				event_type TEXT NOT NULL,
				timestamp INTEGER NOT NULL,
				mac TEXT,
				ref TEXT,
				payload TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_ledger_type_ts ON event_ledger(event_type, timestamp);
			CREATE INDEX IF NOT EXISTS idx_ledger_mac_ts ON event_ledger(mac, timestamp);`,
	},
	{
		"resource state",
		`
			CREATE TABLE IF NOT EXISTS resource_state (
				kind TEXT NOT NULL,
				id TEXT NOT NULL,
				payload TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 1,
				updated_at INTEGER NOT NULL,
				PRIMARY KEY (kind, id)
			);`,
	},
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// single writer
	conn.SetMaxOpenConns(1)

	db := &DB{DB: conn, path: path}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate() error {
	var current int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := current; i < len(migrations); i++ {
		m := migrations[i]
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", i+1, m.name, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", i+1, m.name, err)
		}
		// PRAGMA does not take bind parameters
		if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", i+1, m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d (%s): %w", i+1, m.name, err)
		}
		log.Info().Int("version", i+1).Str("migration", m.name).Str("path", db.path).Msg("Database migrated")
	}
	return nil
}

// SchemaVersion returns the number of applied migrations.
func (db *DB) SchemaVersion() (int, error) {
	var v int
	err := db.QueryRow(`PRAGMA user_version`).Scan(&v)
	return v, err
}

// HealthCheck pings the database.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.PingContext(ctx)
}
