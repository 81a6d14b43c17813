// Package ledger keeps an append-only history of what happened to each
// light: online transitions, messages that were never acknowledged and
// discovery sightings.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dokzlo13/lifxd/internal/lifx"
)

type EventType string

const (
	EventLightOnline      EventType = "light_online"
	EventLightOffline     EventType = "light_offline"
	EventDeliveryFailed   EventType = "delivery_failed"
	EventDeviceDiscovered EventType = "device_discovered"
)

// ParseEventType accepts the values of the EventType constants.
func ParseEventType(s string) (EventType, error) {
	switch t := EventType(s); t {
	case EventLightOnline, EventLightOffline, EventDeliveryFailed, EventDeviceDiscovered:
		return t, nil
	}
	return "", fmt.Errorf("unknown ledger event type %q", s)
}

type Entry struct {
	ID        int64          `json:"id"`
	EventType EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	MAC       string         `json:"mac,omitempty"`
	Ref       string         `json:"ref,omitempty"` // engine or scan id
	Payload   map[string]any `json:"payload,omitempty"`
}

// Query selects entries. Zero fields do not filter. Results are newest first.
type Query struct {
	MAC   string
	Types []EventType
	Since time.Time
	Until time.Time
	Limit int
}

const defaultLimit = 100

type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Append stores one entry. payload may be nil.
func (l *Ledger) Append(eventType EventType, mac, ref string, payload map[string]any) error {
	var encoded sql.NullString
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("ledger payload: %w", err)
		}
		encoded = sql.NullString{String: string(b), Valid: true}
	}
	_, err := l.db.Exec(
		`INSERT INTO event_ledger (event_type, timestamp, mac, ref, payload) VALUES (?, ?, ?, ?, ?)`,
		string(eventType), l.now().UTC().UnixMilli(), mac, ref, encoded,
	)
	if err != nil {
		return fmt.Errorf("ledger append %s: %w", eventType, err)
	}
	return nil
}

// RecordOnline stores an online or offline transition reported by engine.
func (l *Ledger) RecordOnline(mac, engine string, online bool) error {
	t := EventLightOffline
	if online {
		t = EventLightOnline
	}
	return l.Append(t, mac, engine, nil)
}

// RecordFailure stores a message that ran out of retries.
func (l *Ledger) RecordFailure(mac, engine string, f lifx.Failure) error {
	payload := map[string]any{"type": f.Type.String(), "attempts": f.Attempts}
	if f.Zone >= 0 {
		payload["zone"] = f.Zone
	}
	return l.Append(EventDeliveryFailed, mac, engine, payload)
}

// RecordDiscovery stores a discovery sighting under the scan's id.
func (l *Ledger) RecordDiscovery(r lifx.DiscoveryResult) error {
	return l.Append(EventDeviceDiscovered, r.MAC.Hex(), r.ScanID, map[string]any{
		"host":    r.Host,
		"label":   r.Label,
		"product": r.ProductName,
	})
}

// Find returns the entries matching q.
func (l *Ledger) Find(q Query) ([]*Entry, error) {
	var where []string
	var args []any
	if q.MAC != "" {
		where = append(where, "mac = ?")
		args = append(args, q.MAC)
	}
	if len(q.Types) > 0 {
		where = append(where, "event_type IN (?"+strings.Repeat(", ?", len(q.Types)-1)+")")
		for _, t := range q.Types {
			args = append(args, string(t))
		}
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	if !q.Until.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, q.Until.UnixMilli())
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	query := `SELECT id, event_type, timestamp, mac, ref, payload FROM event_ledger`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger query: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// DeleteOlderThan drops entries older than retention and returns how many.
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := l.now().Add(-retention).UnixMilli()
	result, err := l.db.Exec(`DELETE FROM event_ledger WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var e Entry
		var mac, ref, payload sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.EventType, &ts, &mac, &ref, &payload); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		e.MAC = mac.String
		e.Ref = ref.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("ledger entry %d payload: %w", e.ID, err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
