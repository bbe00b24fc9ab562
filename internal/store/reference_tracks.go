package store

import (
	"fmt"
	"time"

	"github.com/beamtest/trackrecon/internal/alignment"
	"github.com/google/uuid"
)

// NewRunID mints a run identifier for an alignment session: a random
// UUID scoping reference tracks and iteration diagnostics so repeated
// alignment passes never collide.
func NewRunID() string {
	return uuid.NewString()
}

// CreateRun registers a new alignment run for a DUT before its
// reference hits are inserted.
func (s *Store) CreateRun(runID, dutName, description string) error {
	_, err := s.db.Exec(
		`INSERT INTO alignment_runs (run_id, dut_name, created_unix_nanos, description) VALUES (?, ?, ?, ?)`,
		runID, dutName, time.Now().UnixNano(), description,
	)
	if err != nil {
		return fmt.Errorf("create alignment run: %w", err)
	}
	return nil
}

// PutReferenceHits persists the frozen reference-track set for a run,
// replacing any hits previously stored under the same run_id.
func (s *Store) PutReferenceHits(runID string, hits []alignment.ReferenceHit) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin reference hit insert: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM reference_tracks WHERE run_id = ?`, runID); err != nil {
		tx.Rollback()
		return fmt.Errorf("clear existing reference hits: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO reference_tracks (
			run_id, track_index,
			state_x, state_y, state_z,
			dir_x, dir_y, dir_z,
			cluster_local_x, cluster_local_y,
			error_x, error_y
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare reference hit insert: %w", err)
	}
	defer stmt.Close()

	for i, h := range hits {
		_, err := stmt.Exec(
			runID, i,
			h.TrackState[0], h.TrackState[1], h.TrackState[2],
			h.TrackDirection[0], h.TrackDirection[1], h.TrackDirection[2],
			h.ClusterLocalX, h.ClusterLocalY,
			h.ErrorX, h.ErrorY,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("insert reference hit %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reference hit insert: %w", err)
	}
	return nil
}

// GetReferenceHits loads a run's frozen reference-track set back in
// track_index order, ready to feed alignment.AlignDUT.
func (s *Store) GetReferenceHits(runID string) ([]alignment.ReferenceHit, error) {
	rows, err := s.db.Query(`
		SELECT state_x, state_y, state_z, dir_x, dir_y, dir_z, cluster_local_x, cluster_local_y, error_x, error_y
		FROM reference_tracks WHERE run_id = ? ORDER BY track_index ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query reference hits: %w", err)
	}
	defer rows.Close()

	var hits []alignment.ReferenceHit
	for rows.Next() {
		var h alignment.ReferenceHit
		if err := rows.Scan(
			&h.TrackState[0], &h.TrackState[1], &h.TrackState[2],
			&h.TrackDirection[0], &h.TrackDirection[1], &h.TrackDirection[2],
			&h.ClusterLocalX, &h.ClusterLocalY,
			&h.ErrorX, &h.ErrorY,
		); err != nil {
			return nil, fmt.Errorf("scan reference hit: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reference hits: %w", err)
	}
	return hits, nil
}

// PutIterations appends one alignment run's full iteration history for
// diagnostics, keyed by run and iteration index.
func (s *Store) PutIterations(runID string, history []alignment.IterationResult) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin iteration insert: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO alignment_iterations (
			run_id, iteration, dx, dy, dz, drx, dry, drz,
			cost_before, cost_after, residual_mean, residual_std
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare iteration insert: %w", err)
	}
	defer stmt.Close()

	for i, it := range history {
		_, err := stmt.Exec(
			runID, i,
			it.Correction.Dx, it.Correction.Dy, it.Correction.Dz,
			it.Correction.Drx, it.Correction.Dry, it.Correction.Drz,
			it.CostBefore, it.CostAfter, it.ResidualMean, it.ResidualStd,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("insert iteration %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit iteration insert: %w", err)
	}
	return nil
}
