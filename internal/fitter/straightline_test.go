package fitter

import (
	"testing"

	"github.com/beamtest/trackrecon/internal/clipboard"
	"github.com/beamtest/trackrecon/internal/geometry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	clusters map[clipboard.ClusterRef]*clipboard.Cluster
}

func (f *fakeResolver) ResolveCluster(ref clipboard.ClusterRef) (*clipboard.Cluster, error) {
	return f.clusters[ref], nil
}

func sixPlaneTelescope() map[string]*geometry.Detector {
	dets := map[string]*geometry.Detector{}
	for i, z := range []float64{0, 20, 40, 60, 80, 100} {
		name := detName(i)
		dets[name] = geometry.NewDetector(geometry.Config{
			Name: name, NPixelsX: 1000, NPixelsY: 1000,
			PitchX: 0.0184, PitchY: 0.0184,
			Displacement: geometry.Vec3{Z: z},
		})
	}
	return dets
}

func detName(i int) string {
	return [...]string{"D0", "D1", "D2", "D3", "D4", "D5"}[i]
}

// Six evenly spaced planes with hits exactly on one line must fit
// that line with negligible chi2.
func TestSingleIsolatedTrackFit(t *testing.T) {
	dets := sixPlaneTelescope()
	resolver := &fakeResolver{clusters: map[clipboard.ClusterRef]*clipboard.Cluster{}}
	track := clipboard.NewTrack(clipboard.BackendStraightLine)

	for i, z := range []float64{0, 20, 40, 60, 80, 100} {
		name := detName(i)
		ref := clipboard.ClusterRef{DetectorID: name, Index: 0}
		resolver.clusters[ref] = &clipboard.Cluster{
			DetectorID: name,
			GlobalX:    0.050, GlobalY: 0.075, GlobalZ: z,
			ErrorX: 0.004, ErrorY: 0.004,
			TimestampNs: 100,
		}
		track.AddCluster(ref)
	}

	err := FitStraightLine(track, resolver, dets)
	require.NoError(t, err)
	require.True(t, track.Fitted)

	state := track.GetState("D0")
	assert.InDelta(t, 0.050, state[0], 1e-9)
	assert.InDelta(t, 0.075, state[1], 1e-9)

	direction := track.GetDirection("D0")
	assert.InDelta(t, 0, direction[0], 1e-9)
	assert.InDelta(t, 0, direction[1], 1e-9)
	assert.InDelta(t, 1, direction[2], 1e-6)

	assert.Less(t, track.Chi2Value(), 1e-6)
	assert.Equal(t, 8, track.NdofValue())
}

// A cluster placed exactly on the fitted line has zero residual.
func TestResidualZeroForExactHits(t *testing.T) {
	dets := sixPlaneTelescope()
	resolver := &fakeResolver{clusters: map[clipboard.ClusterRef]*clipboard.Cluster{}}
	track := clipboard.NewTrack(clipboard.BackendStraightLine)

	for i, z := range []float64{0, 20, 40, 60, 80, 100} {
		name := detName(i)
		ref := clipboard.ClusterRef{DetectorID: name, Index: 0}
		resolver.clusters[ref] = &clipboard.Cluster{
			DetectorID: name,
			GlobalX:    0.1 + 0.01*z, GlobalY: -0.2 + 0.002*z, GlobalZ: z,
			ErrorX: 0.004, ErrorY: 0.004,
		}
		track.AddCluster(ref)
	}

	require.NoError(t, FitStraightLine(track, resolver, dets))
	for _, name := range []string{"D0", "D1", "D2", "D3", "D4", "D5"} {
		res := track.ResidualByDetector[name]
		assert.InDelta(t, 0, res.GlobalX, 1e-9)
		assert.InDelta(t, 0, res.GlobalY, 1e-9)
	}
}

// Refitting with unchanged inputs is bit-identical for the
// straight-line backend.
func TestFitIsIdempotent(t *testing.T) {
	dets := sixPlaneTelescope()
	resolver := &fakeResolver{clusters: map[clipboard.ClusterRef]*clipboard.Cluster{}}
	track := clipboard.NewTrack(clipboard.BackendStraightLine)
	for i, z := range []float64{0, 40, 100} {
		name := detName([...]int{0, 2, 5}[i])
		ref := clipboard.ClusterRef{DetectorID: name, Index: 0}
		resolver.clusters[ref] = &clipboard.Cluster{
			DetectorID: name, GlobalX: 0.02*z + 1, GlobalY: 0.5, GlobalZ: z,
			ErrorX: 0.004, ErrorY: 0.004,
		}
		track.AddCluster(ref)
	}

	require.NoError(t, FitStraightLine(track, resolver, dets))
	chi2First := track.Chi2Value()
	stateFirst := track.GetState("D0")

	require.NoError(t, FitStraightLine(track, resolver, dets))
	assert.Equal(t, chi2First, track.Chi2Value())
	assert.Equal(t, stateFirst, track.GetState("D0"))
}

func TestSingularFitIsRejected(t *testing.T) {
	dets := sixPlaneTelescope()
	resolver := &fakeResolver{clusters: map[clipboard.ClusterRef]*clipboard.Cluster{}}
	track := clipboard.NewTrack(clipboard.BackendStraightLine)
	// Two clusters at the same z: the normal-equations matrix is singular.
	ref1 := clipboard.ClusterRef{DetectorID: "D0", Index: 0}
	ref2 := clipboard.ClusterRef{DetectorID: "D1", Index: 0}
	resolver.clusters[ref1] = &clipboard.Cluster{DetectorID: "D0", GlobalX: 1, GlobalY: 1, GlobalZ: 0, ErrorX: 0.004, ErrorY: 0.004}
	resolver.clusters[ref2] = &clipboard.Cluster{DetectorID: "D1", GlobalX: 1, GlobalY: 1, GlobalZ: 0, ErrorX: 0.004, ErrorY: 0.004}
	track.AddCluster(ref1)
	track.AddCluster(ref2)

	dets["D1"] = geometry.NewDetector(geometry.Config{Name: "D1", NPixelsX: 1000, NPixelsY: 1000, PitchX: 0.0184, PitchY: 0.0184})

	err := FitStraightLine(track, resolver, dets)
	require.Error(t, err)
	assert.False(t, track.Fitted)
}
