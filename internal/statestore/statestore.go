// Package statestore persists the small amount of station operating
// state that must survive a process restart: per-antenna duty-cycle
// windows, slave restart counters, and the last known GPS fix. It never
// stores LoRa frame payloads (spec §1 Non-goals: "does not store frames
// persistently").
//
// Adapted from the teacher's internal/storage SQLite pattern
// (devices/property-controller/internal/storage/database.go): the same
// Open/migrate/Close shape and database/sql + mattn/go-sqlite3 stack,
// repurposed from a device registry to station bookkeeping.
package statestore

import (
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite connection holding station bookkeeping.
type Store struct {
	conn *sql.DB
}

// Open opens or creates the state database at path.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "statestore: open")
	}
	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "statestore: migrate")
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.conn.Exec(`
	CREATE TABLE IF NOT EXISTS duty_cycle_windows (
		antenna    INTEGER NOT NULL,
		band_key   INTEGER NOT NULL,
		next_allowed_us INTEGER NOT NULL,
		PRIMARY KEY (antenna, band_key)
	);

	CREATE TABLE IF NOT EXISTS slave_restarts (
		txunit        INTEGER PRIMARY KEY,
		restart_count INTEGER NOT NULL DEFAULT 0,
		last_restart  DATETIME
	);

	CREATE TABLE IF NOT EXISTS gps_fix (
		id        INTEGER PRIMARY KEY CHECK (id = 1),
		lat       REAL NOT NULL,
		lon       REAL NOT NULL,
		recorded  DATETIME NOT NULL
	);
	`)
	return err
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.conn.Close() }

// SaveDutyCycleWindow persists one (antenna, sub-band-or-channel) window
// so a restart resumes with the same next-allowed-time bookkeeping
// instead of silently permitting an over-duty-cycle burst.
func (s *Store) SaveDutyCycleWindow(antenna int, bandKey int, nextAllowedUS int64) error {
	_, err := s.conn.Exec(`
		INSERT INTO duty_cycle_windows (antenna, band_key, next_allowed_us)
		VALUES (?, ?, ?)
		ON CONFLICT(antenna, band_key) DO UPDATE SET next_allowed_us = excluded.next_allowed_us
	`, antenna, bandKey, nextAllowedUS)
	return err
}

// LoadDutyCycleWindows returns every persisted window, keyed by
// (antenna, bandKey) -> nextAllowedUS, for the caller to seed its
// region.DutyCycle trackers at startup.
func (s *Store) LoadDutyCycleWindows() (map[[2]int]int64, error) {
	rows, err := s.conn.Query(`SELECT antenna, band_key, next_allowed_us FROM duty_cycle_windows`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[[2]int]int64)
	for rows.Next() {
		var ant, band int
		var next int64
		if err := rows.Scan(&ant, &band, &next); err != nil {
			return nil, err
		}
		out[[2]int{ant, band}] = next
	}
	return out, rows.Err()
}

// IncrementSlaveRestart bumps the persisted restart counter for txunit
// and returns the new count. ral/master keeps its own in-memory restart
// counter and does not call this.
func (s *Store) IncrementSlaveRestart(txunit int) (int, error) {
	_, err := s.conn.Exec(`
		INSERT INTO slave_restarts (txunit, restart_count, last_restart)
		VALUES (?, 1, ?)
		ON CONFLICT(txunit) DO UPDATE SET
			restart_count = restart_count + 1,
			last_restart = excluded.last_restart
	`, txunit, time.Now())
	if err != nil {
		return 0, err
	}
	var count int
	err = s.conn.QueryRow(`SELECT restart_count FROM slave_restarts WHERE txunit = ?`, txunit).Scan(&count)
	return count, err
}

// ResetSlaveRestart clears the persisted restart counter for txunit.
func (s *Store) ResetSlaveRestart(txunit int) error {
	_, err := s.conn.Exec(`
		INSERT INTO slave_restarts (txunit, restart_count, last_restart)
		VALUES (?, 0, NULL)
		ON CONFLICT(txunit) DO UPDATE SET restart_count = 0
	`, txunit)
	return err
}

// SaveLastPos records the last known GPS fix, mirroring
// ~temp/station.lastpos (spec §6).
func (s *Store) SaveLastPos(lat, lon float64) error {
	_, err := s.conn.Exec(`
		INSERT INTO gps_fix (id, lat, lon, recorded) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET lat = excluded.lat, lon = excluded.lon, recorded = excluded.recorded
	`, lat, lon, time.Now())
	return err
}

// LoadLastPos returns the last persisted GPS fix, if any.
func (s *Store) LoadLastPos() (lat, lon float64, ok bool, err error) {
	err = s.conn.QueryRow(`SELECT lat, lon FROM gps_fix WHERE id = 1`).Scan(&lat, &lon)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return lat, lon, true, nil
}
