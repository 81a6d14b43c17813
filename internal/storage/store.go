package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Record is one stored JSON document.
type Record struct {
	ID      string
	Payload []byte
	Version int64
	Updated time.Time
}

// Store keeps JSON documents in the resource_state table, keyed by kind and
// id. Every write bumps the row's version.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Fetch returns the record for kind/id. ok is false when there is none.
func (s *Store) Fetch(kind, id string) (rec Record, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload string
	var updated int64
	err = s.db.QueryRow(
		`SELECT payload, version, updated_at FROM resource_state WHERE kind = ? AND id = ?`,
		kind, id,
	).Scan(&payload, &rec.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("fetch %s/%s: %w", kind, id, err)
	}
	rec.ID = id
	rec.Payload = []byte(payload)
	rec.Updated = time.Unix(updated, 0).UTC()
	return rec, true, nil
}

// Put inserts or replaces the document and returns its new version.
func (s *Store) Put(kind, id string, payload []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var version int64
	err := s.db.QueryRow(`
		INSERT INTO resource_state (kind, id, payload, version, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			payload = excluded.payload,
			version = version + 1,
			updated_at = excluded.updated_at
		RETURNING version
	`, kind, id, string(payload), s.now().UTC().Unix()).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("put %s/%s: %w", kind, id, err)
	}
	log.Debug().Str("kind", kind).Str("id", id).Int64("version", version).Msg("Record stored")
	return version, nil
}

// List returns every record of kind ordered by id.
func (s *Store) List(kind string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, payload, version, updated_at FROM resource_state WHERE kind = ? ORDER BY id`,
		kind,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var payload string
		var updated int64
		if err := rows.Scan(&rec.ID, &payload, &rec.Version, &updated); err != nil {
			return nil, fmt.Errorf("list %s: %w", kind, err)
		}
		rec.Payload = []byte(payload)
		rec.Updated = time.Unix(updated, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Remove deletes kind/id. Removing a missing record is not an error.
func (s *Store) Remove(kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM resource_state WHERE kind = ? AND id = ?`, kind, id)
	return err
}

// Truncate deletes every record of kind.
func (s *Store) Truncate(kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM resource_state WHERE kind = ?`, kind)
	return err
}
