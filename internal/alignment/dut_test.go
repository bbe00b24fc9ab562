package alignment

import (
	"testing"

	"github.com/beamtest/trackrecon/internal/geometry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dutBaseConfig() geometry.Config {
	return geometry.Config{
		Name: "DUT0", NPixelsX: 1000, NPixelsY: 1000,
		PitchX: 0.0184, PitchY: 0.0184,
		Displacement: geometry.Vec3{Z: 100},
	}
}

// straightHitsThroughOffsetPlane builds vertical reference tracks
// whose DUT clusters sit offset by (offsetX, offsetY) in the DUT's
// local frame, as if the true plane position differed from the
// configured one by that amount.
func straightHitsThroughOffsetPlane(offsetX, offsetY float64, n int) []ReferenceHit {
	hits := make([]ReferenceHit, 0, n)
	for i := 0; i < n; i++ {
		state := [3]float64{float64(i) * 0.01, float64(i) * 0.005, 0}
		direction := [3]float64{0, 0, 1}
		hits = append(hits, ReferenceHit{
			TrackState:     state,
			TrackDirection: direction,
			ClusterLocalX:  state[0] + offsetX,
			ClusterLocalY:  state[1] + offsetY,
			ErrorX:         0.004,
			ErrorY:         0.004,
		})
	}
	return hits
}

func TestAlignDUTRecoversTranslationOffset(t *testing.T) {
	base := dutBaseConfig()
	hits := straightHitsThroughOffsetPlane(0.1, -0.05, 20)

	cfg := DefaultDUTAlignConfig()
	cfg.Iterations = 6
	cfg.RotationAxes = "" // isolate the translation recovery from rotation search

	finalCfg, history, err := AlignDUT(base, hits, cfg, nil)
	require.NoError(t, err)
	require.Len(t, history, 6)

	// The pose must shift opposite the local-frame cluster offset to
	// bring the re-projected clusters onto the tracks.
	assert.InDelta(t, -0.1, finalCfg.Displacement.X-base.Displacement.X, 0.02)
	assert.InDelta(t, 0.05, finalCfg.Displacement.Y-base.Displacement.Y, 0.02)
}

func TestAlignDUTCostDecreasesMonotonically(t *testing.T) {
	base := dutBaseConfig()
	hits := straightHitsThroughOffsetPlane(0.08, 0.03, 10)

	cfg := DefaultDUTAlignConfig()
	cfg.Iterations = 4

	_, history, err := AlignDUT(base, hits, cfg, nil)
	require.NoError(t, err)
	require.Len(t, history, 4)

	for _, it := range history {
		assert.LessOrEqual(t, it.CostAfter, it.CostBefore)
	}
}

func TestAlignDUTZeroHitsReturnsUnchangedPose(t *testing.T) {
	base := dutBaseConfig()
	cfg := DefaultDUTAlignConfig()
	finalCfg, history, err := AlignDUT(base, nil, cfg, nil)
	require.NoError(t, err)
	assert.Len(t, history, cfg.Iterations)
	assert.Equal(t, base.Displacement, finalCfg.Displacement)
}
