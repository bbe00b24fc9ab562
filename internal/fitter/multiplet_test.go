package fitter

import (
	"testing"

	"github.com/beamtest/trackrecon/internal/clipboard"
	"github.com/beamtest/trackrecon/internal/geometry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoArmDetectors() map[string]*geometry.Detector {
	dets := map[string]*geometry.Detector{}
	for i, z := range []float64{0, 20, 40} {
		name := detName(i)
		dets[name] = geometry.NewDetector(geometry.Config{
			Name: name, NPixelsX: 1000, NPixelsY: 1000, PitchX: 0.0184, PitchY: 0.0184,
			Displacement: geometry.Vec3{Z: z},
		})
	}
	for i, z := range []float64{60, 80, 100} {
		name := detName(i + 3)
		dets[name] = geometry.NewDetector(geometry.Config{
			Name: name, NPixelsX: 1000, NPixelsY: 1000, PitchX: 0.0184, PitchY: 0.0184,
			Displacement: geometry.Vec3{Z: z},
		})
	}
	return dets
}

// TestFitMultipletDelegatesToArms: fitting a
// Multiplet re-fits its upstream/downstream straight lines and sums
// their chi2/ndof.
func TestFitMultipletDelegatesToArms(t *testing.T) {
	dets := twoArmDetectors()
	resolver := &fakeResolver{clusters: map[clipboard.ClusterRef]*clipboard.Cluster{}}

	up := clipboard.NewTrack(clipboard.BackendStraightLine)
	for i, z := range []float64{0, 20, 40} {
		name := detName(i)
		ref := clipboard.ClusterRef{DetectorID: name, Index: 0}
		resolver.clusters[ref] = &clipboard.Cluster{DetectorID: name, GlobalX: 0.05, GlobalY: 0.02, GlobalZ: z, ErrorX: 0.004, ErrorY: 0.004}
		up.AddCluster(ref)
	}
	down := clipboard.NewTrack(clipboard.BackendStraightLine)
	for i, z := range []float64{60, 80, 100} {
		name := detName(i + 3)
		ref := clipboard.ClusterRef{DetectorID: name, Index: 0}
		resolver.clusters[ref] = &clipboard.Cluster{DetectorID: name, GlobalX: 0.06, GlobalY: 0.02, GlobalZ: z, ErrorX: 0.004, ErrorY: 0.004}
		down.AddCluster(ref)
	}

	m := clipboard.NewTrack(clipboard.BackendMultiplet)
	m.Upstream = up
	m.Downstream = down

	cfg := MultipletFitConfig{Backend: clipboard.BackendStraightLine, Detectors: dets, ScattererZ: 50}
	require.NoError(t, FitMultiplet(m, resolver, cfg))

	assert.True(t, m.Fitted)
	assert.Equal(t, up.Chi2+down.Chi2, m.Chi2)
	assert.Equal(t, up.Ndof+down.Ndof, m.Ndof)
	assert.InDelta(t, 0.055, m.PositionAtScatterer[0], 1e-6) // midpoint of the two arm intercepts
}

// TestFitMultipletRejectsWrongBackend covers the guard clause.
func TestFitMultipletRejectsWrongBackend(t *testing.T) {
	track := clipboard.NewTrack(clipboard.BackendStraightLine)
	err := FitMultiplet(track, &fakeResolver{}, MultipletFitConfig{})
	require.Error(t, err)
}

// TestFitMultipletRequiresBothArms covers the MissingReference guard.
func TestFitMultipletRequiresBothArms(t *testing.T) {
	track := clipboard.NewTrack(clipboard.BackendMultiplet)
	track.Upstream = clipboard.NewTrack(clipboard.BackendStraightLine)
	err := FitMultiplet(track, &fakeResolver{}, MultipletFitConfig{})
	require.Error(t, err)
}
