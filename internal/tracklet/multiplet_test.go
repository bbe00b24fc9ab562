package tracklet

import (
	"testing"

	"github.com/beamtest/trackrecon/internal/clipboard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func straightTrackAt(x, y, z float64) *clipboard.Track {
	t := clipboard.NewTrack(clipboard.BackendStraightLine)
	t.StateByDetector["ref"] = [3]float64{x, y, z}
	t.DirectionByDetector["ref"] = [3]float64{0, 0, 1}
	t.Fitted = true
	return t
}

// The closest downstream candidate inside the matching cut wins;
// candidates outside the cut never pair.
func TestMultipletMatchesClosestWithinCut(t *testing.T) {
	up := straightTrackAt(0, 0, 0)
	downCandidates := []*clipboard.Track{
		straightTrackAt(0.003, 0, 50),
		straightTrackAt(0.020, 0, 50),
		straightTrackAt(0.200, 0, 50),
	}

	cfg := MultipletConfig{ScattererZMm: 50, ScattererMatchingCutMm: 0.050}
	multiplets := FormMultiplets([]*clipboard.Track{up}, downCandidates, cfg)

	require.Len(t, multiplets, 1)
	assert.Same(t, downCandidates[0], multiplets[0].Downstream)
}

func TestMultipletRejectsWhenNoCandidateWithinCut(t *testing.T) {
	up := straightTrackAt(0, 0, 0)
	downCandidates := []*clipboard.Track{straightTrackAt(1, 1, 50)}
	cfg := MultipletConfig{ScattererZMm: 50, ScattererMatchingCutMm: 0.050}
	multiplets := FormMultiplets([]*clipboard.Track{up}, downCandidates, cfg)
	assert.Empty(t, multiplets)
}

func TestMultipletSumsChi2AndNdof(t *testing.T) {
	up := straightTrackAt(0, 0, 0)
	up.Chi2, up.Ndof = 2, 4
	down := straightTrackAt(0.001, 0, 50)
	down.Chi2, down.Ndof = 3, 4

	cfg := MultipletConfig{ScattererZMm: 50, ScattererMatchingCutMm: 0.050}
	multiplets := FormMultiplets([]*clipboard.Track{up}, []*clipboard.Track{down}, cfg)
	require.Len(t, multiplets, 1)
	assert.Equal(t, 5.0, multiplets[0].Chi2)
	assert.Equal(t, 8, multiplets[0].Ndof)
}

func TestMultipletKinkIsZeroForCollinearArms(t *testing.T) {
	up := straightTrackAt(0, 0, 0)
	down := straightTrackAt(0.001, 0, 50)
	cfg := MultipletConfig{ScattererZMm: 50, ScattererMatchingCutMm: 0.050}
	multiplets := FormMultiplets([]*clipboard.Track{up}, []*clipboard.Track{down}, cfg)
	require.Len(t, multiplets, 1)
	assert.InDelta(t, 0, multiplets[0].KinkAtScatterer[0], 1e-9)
	assert.InDelta(t, 0, multiplets[0].KinkAtScatterer[1], 1e-9)
}
