// Package history keeps an append-only SQLite log of area transitions
// and light commands.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"areapresence/internal/lightcontrol"
	"areapresence/internal/occupancy"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// KindTransition marks rows written for occupancy transitions. Light rows
// use the lightcontrol event kind.
const KindTransition = "transition"

// Entry is one row of the log
type Entry struct {
	ID        string                 `json:"id"`
	AreaID    string                 `json:"area_id"`
	Kind      string                 `json:"kind"`
	FromState string                 `json:"from_state,omitempty"`
	ToState   string                 `json:"to_state,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// DB wraps the SQLite database connection
type DB struct {
	db *sql.DB
}

// Open opens the database and initializes the schema
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS area_events (
			id TEXT PRIMARY KEY,
			area_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			from_state TEXT,
			to_state TEXT,
			details TEXT,
			timestamp INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_area_events_area_ts ON area_events(area_id, timestamp);
	`)
	if err != nil {
		return fmt.Errorf("failed to create area_events table: %w", err)
	}
	return nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// RecordTransition appends an occupancy transition
func (d *DB) RecordTransition(ctx context.Context, tr occupancy.Transition) error {
	details := map[string]interface{}{
		"active_sensors": tr.ActiveSensors,
	}
	return d.insert(ctx, tr.Area, KindTransition, string(tr.From), string(tr.To), details, tr.At)
}

// RecordLightEvent appends a light command or manual control change
func (d *DB) RecordLightEvent(ctx context.Context, ev lightcontrol.Event) error {
	details := map[string]interface{}{}
	if len(ev.Entities) > 0 {
		details["entities"] = ev.Entities
	}
	if ev.Kind == lightcontrol.EventTurnOn {
		details["brightness"] = ev.Brightness
		details["illuminance"] = ev.Illuminance
	}
	return d.insert(ctx, ev.Area, string(ev.Kind), "", string(ev.State), details, ev.At)
}

func (d *DB) insert(ctx context.Context, areaID, kind, from, to string, details map[string]interface{}, at time.Time) error {
	if areaID == "" {
		return fmt.Errorf("area id is required")
	}

	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshalling details: %w", err)
	}

	_, err = d.db.ExecContext(ctx,
		"INSERT INTO area_events (id, area_id, kind, from_state, to_state, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)",
		uuid.NewString(),
		areaID,
		kind,
		from,
		to,
		string(detailsJSON),
		at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting area event: %w", err)
	}
	return nil
}

// History returns recent entries for an area, newest first.
// limit defaults to 50 and is capped at 200.
func (d *DB) History(ctx context.Context, areaID string, limit int) ([]Entry, error) {
	if areaID == "" {
		return nil, fmt.Errorf("area id is required")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT id, area_id, kind, from_state, to_state, details, timestamp
		 FROM area_events
		 WHERE area_id = ?
		 ORDER BY timestamp DESC, rowid DESC
		 LIMIT ?`,
		areaID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying area events: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var entry Entry
		var from, to, details sql.NullString
		var ts int64

		if err := rows.Scan(&entry.ID, &entry.AreaID, &entry.Kind, &from, &to, &details, &ts); err != nil {
			return nil, fmt.Errorf("scanning area event: %w", err)
		}

		entry.FromState = from.String
		entry.ToState = to.String
		entry.Timestamp = time.UnixMilli(ts).UTC()
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &entry.Details); err != nil {
				return nil, fmt.Errorf("unmarshalling details: %w", err)
			}
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating area events: %w", err)
	}

	return entries, nil
}

// Prune deletes entries recorded before cutoff and returns how many
func (d *DB) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx,
		"DELETE FROM area_events WHERE timestamp < ?",
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting area events: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return rowsAffected, nil
}
