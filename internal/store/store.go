// Package store persists an alignment run's frozen reference-track
// set and per-iteration pose corrections across process restarts.
// modernc.org/sqlite is a pure-Go driver so no cgo toolchain is
// needed to open the database file.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS alignment_runs (
	run_id       TEXT PRIMARY KEY,
	dut_name     TEXT NOT NULL,
	created_unix_nanos INTEGER NOT NULL,
	description  TEXT
);

CREATE TABLE IF NOT EXISTS reference_tracks (
	run_id          TEXT NOT NULL REFERENCES alignment_runs(run_id) ON DELETE CASCADE,
	track_index     INTEGER NOT NULL,
	state_x         REAL NOT NULL,
	state_y         REAL NOT NULL,
	state_z         REAL NOT NULL,
	dir_x           REAL NOT NULL,
	dir_y           REAL NOT NULL,
	dir_z           REAL NOT NULL,
	cluster_local_x REAL NOT NULL,
	cluster_local_y REAL NOT NULL,
	error_x         REAL NOT NULL,
	error_y         REAL NOT NULL,
	PRIMARY KEY (run_id, track_index)
);

CREATE TABLE IF NOT EXISTS alignment_iterations (
	run_id        TEXT NOT NULL REFERENCES alignment_runs(run_id) ON DELETE CASCADE,
	iteration     INTEGER NOT NULL,
	dx            REAL NOT NULL,
	dy            REAL NOT NULL,
	dz            REAL NOT NULL,
	drx           REAL NOT NULL,
	dry           REAL NOT NULL,
	drz           REAL NOT NULL,
	cost_before   REAL NOT NULL,
	cost_after    REAL NOT NULL,
	residual_mean REAL NOT NULL,
	residual_std  REAL NOT NULL,
	PRIMARY KEY (run_id, iteration)
);
`

// Store wraps a *sql.DB opened against the modernc.org/sqlite driver
// with the reference-track/iteration schema applied.
type Store struct {
	db *sql.DB
}

// Open creates (or reuses) the sqlite database file at path, applying
// pragmas for single-writer embedded use and the schema above.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }
