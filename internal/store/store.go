// Package store persists the last known-good zone snapshot in sqlite so a
// restart can show diagnostic state before the first poll completes.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/thatsimonsguy/touchline-bridge/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS zone_snapshots (
	zone_id        TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	device_index   INTEGER NOT NULL,
	current_temp   REAL,
	current_valid  BOOLEAN NOT NULL,
	target_temp    REAL,
	target_valid   BOOLEAN NOT NULL,
	mode           TEXT NOT NULL,
	demand         BOOLEAN NOT NULL,
	week_program   INTEGER NOT NULL,
	last_read      TEXT
);`

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	// Single writer, and keeps an in-memory database on one connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply snapshot schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSnapshot replaces the persisted per-zone rows with the given snapshot.
// Zones that were never read (zero timestamp) are skipped.
func (s *Store) SaveSnapshot(state model.SystemState) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	for _, z := range state.Zones {
		if z.LastRead.IsZero() {
			continue
		}
		_, err := tx.Exec(`INSERT OR REPLACE INTO zone_snapshots
			(zone_id, name, device_index, current_temp, current_valid, target_temp, target_valid, mode, demand, week_program, last_read)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			z.ID, z.Name, z.DeviceIndex,
			z.Current.Celsius, z.Current.Valid,
			z.Target.Celsius, z.Target.Valid,
			string(z.Mode), z.Demand, z.WeekProgram,
			z.LastRead.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to save zone %s: %w", z.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// LoadZoneStates returns the persisted zone states from the previous run.
func (s *Store) LoadZoneStates() ([]model.ZoneState, error) {
	rows, err := s.db.Query(`SELECT zone_id, name, device_index, current_temp, current_valid,
		target_temp, target_valid, mode, demand, week_program, last_read FROM zone_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("failed to query zone snapshots: %w", err)
	}
	defer rows.Close()

	var states []model.ZoneState
	for rows.Next() {
		var z model.ZoneState
		var mode, lastRead string
		err := rows.Scan(&z.ID, &z.Name, &z.DeviceIndex,
			&z.Current.Celsius, &z.Current.Valid,
			&z.Target.Celsius, &z.Target.Valid,
			&mode, &z.Demand, &z.WeekProgram, &lastRead)
		if err != nil {
			return nil, fmt.Errorf("failed to scan zone snapshot: %w", err)
		}
		z.Mode = model.OperationMode(mode)
		if t, err := time.Parse(time.RFC3339Nano, lastRead); err == nil {
			z.LastRead = t
		}
		z.Stale = true
		states = append(states, z)
	}
	return states, rows.Err()
}
