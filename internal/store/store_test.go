package store

import (
	"path/filepath"
	"testing"

	"github.com/beamtest/trackrecon/internal/alignment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "align.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndGetReferenceHitsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	runID := NewRunID()
	require.NoError(t, s.CreateRun(runID, "D3", "test run"))

	hits := []alignment.ReferenceHit{
		{TrackState: [3]float64{1, 2, 3}, TrackDirection: [3]float64{0, 0, 1}, ClusterLocalX: 1.1, ClusterLocalY: 2.2, ErrorX: 0.004, ErrorY: 0.004},
		{TrackState: [3]float64{4, 5, 6}, TrackDirection: [3]float64{0.01, -0.02, 1}, ClusterLocalX: 4.1, ClusterLocalY: 5.2, ErrorX: 0.004, ErrorY: 0.004},
	}
	require.NoError(t, s.PutReferenceHits(runID, hits))

	got, err := s.GetReferenceHits(runID)
	require.NoError(t, err)
	assert.Equal(t, hits, got)
}

func TestPutReferenceHitsReplacesPriorSet(t *testing.T) {
	s := openTestStore(t)
	runID := NewRunID()
	require.NoError(t, s.CreateRun(runID, "D3", ""))

	first := []alignment.ReferenceHit{{TrackState: [3]float64{1, 1, 1}, TrackDirection: [3]float64{0, 0, 1}, ErrorX: 0.004, ErrorY: 0.004}}
	require.NoError(t, s.PutReferenceHits(runID, first))

	second := []alignment.ReferenceHit{
		{TrackState: [3]float64{2, 2, 2}, TrackDirection: [3]float64{0, 0, 1}, ErrorX: 0.004, ErrorY: 0.004},
		{TrackState: [3]float64{3, 3, 3}, TrackDirection: [3]float64{0, 0, 1}, ErrorX: 0.004, ErrorY: 0.004},
	}
	require.NoError(t, s.PutReferenceHits(runID, second))

	got, err := s.GetReferenceHits(runID)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestPutIterationsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	runID := NewRunID()
	require.NoError(t, s.CreateRun(runID, "D3", ""))

	history := []alignment.IterationResult{
		{Correction: alignment.Pose{Dx: 0.01, Dy: -0.02}, CostBefore: 10, CostAfter: 4, ResidualMean: 0.001, ResidualStd: 0.01},
		{Correction: alignment.Pose{Dx: 0.005, Dy: -0.01}, CostBefore: 4, CostAfter: 1.5, ResidualMean: 0.0005, ResidualStd: 0.004},
	}
	require.NoError(t, s.PutIterations(runID, history))

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM alignment_iterations WHERE run_id = ?`, runID).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestNewRunIDIsUnique(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	assert.NotEqual(t, a, b)
}
