package fitter

import (
	"testing"

	"github.com/beamtest/trackrecon/internal/clipboard"
	"github.com/beamtest/trackrecon/internal/geometry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sixPlanePlanes builds the same six-plane geometry as
// sixPlaneTelescope but with a nonzero material budget per plane, so
// the GBL scattering terms are exercised rather than degenerate.
func sixPlanePlanes() []*geometry.Detector {
	out := make([]*geometry.Detector, 0, 6)
	for i, z := range []float64{0, 20, 40, 60, 80, 100} {
		name := detName(i)
		out = append(out, geometry.NewDetector(geometry.Config{
			Name: name, NPixelsX: 1000, NPixelsY: 1000,
			PitchX: 0.0184, PitchY: 0.0184,
			Displacement:   geometry.Vec3{Z: z},
			MaterialBudget: 0.001,
		}))
	}
	return out
}

func defaultGBLConfig() GBLConfig {
	return GBLConfig{MomentumMeV: 5000, UseVolumeScatter: false, ScatteringLengthVolumeMm: 304200}
}

// Clusters placed exactly on a straight line should yield near-zero
// residuals regardless of the scattering machinery.
func TestGBLExactLineHasZeroResidual(t *testing.T) {
	planes := sixPlanePlanes()
	resolver := &fakeResolver{clusters: map[clipboard.ClusterRef]*clipboard.Cluster{}}
	track := clipboard.NewTrack(clipboard.BackendGBL)

	for i, z := range []float64{0, 20, 40, 60, 80, 100} {
		name := detName(i)
		ref := clipboard.ClusterRef{DetectorID: name, Index: 0}
		resolver.clusters[ref] = &clipboard.Cluster{
			DetectorID: name,
			GlobalX:    0.050, GlobalY: 0.075, GlobalZ: z,
			ErrorX: 0.004, ErrorY: 0.004,
		}
		track.AddCluster(ref)
	}

	err := FitGBL(track, resolver, planes, defaultGBLConfig())
	require.NoError(t, err)
	require.True(t, track.Fitted)

	for _, name := range []string{"D0", "D1", "D2", "D3", "D4", "D5"} {
		res := track.ResidualByDetector[name]
		assert.InDelta(t, 0, res.GlobalX, 1e-6)
		assert.InDelta(t, 0, res.GlobalY, 1e-6)
	}
	assert.Less(t, track.Chi2Value(), 1e-6)
}

// Repeated fits with unchanged inputs must agree in chi2 to within
// 1e-9 relative tolerance.
func TestGBLIdempotence(t *testing.T) {
	planes := sixPlanePlanes()
	resolver := &fakeResolver{clusters: map[clipboard.ClusterRef]*clipboard.Cluster{}}
	track := clipboard.NewTrack(clipboard.BackendGBL)

	zs := []float64{0, 20, 40, 60, 80, 100}
	xs := []float64{0.1, 0.1, 0.1, 0.3, 0.1, 0.1} // a kink at D3, away from the D0-D5 reference line
	for i, z := range zs {
		name := detName(i)
		ref := clipboard.ClusterRef{DetectorID: name, Index: 0}
		resolver.clusters[ref] = &clipboard.Cluster{
			DetectorID: name,
			GlobalX:    xs[i], GlobalY: -0.05 + 0.001*z, GlobalZ: z,
			ErrorX: 0.004, ErrorY: 0.004,
		}
		track.AddCluster(ref)
	}

	require.NoError(t, FitGBL(track, resolver, planes, defaultGBLConfig()))
	chi2First := track.Chi2Value()
	require.Greater(t, chi2First, 0.0)

	require.NoError(t, FitGBL(track, resolver, planes, defaultGBLConfig()))
	assert.InDelta(t, 1.0, track.Chi2Value()/chi2First, 1e-9)
}

// TestGBLRequiresTwoClusters covers the TrackFitError path.
func TestGBLRequiresTwoClusters(t *testing.T) {
	planes := sixPlanePlanes()
	resolver := &fakeResolver{clusters: map[clipboard.ClusterRef]*clipboard.Cluster{}}
	track := clipboard.NewTrack(clipboard.BackendGBL)
	ref := clipboard.ClusterRef{DetectorID: "D0", Index: 0}
	resolver.clusters[ref] = &clipboard.Cluster{DetectorID: "D0", GlobalX: 0, GlobalY: 0, GlobalZ: 0, ErrorX: 0.004, ErrorY: 0.004}
	track.AddCluster(ref)

	err := FitGBL(track, resolver, planes, defaultGBLConfig())
	require.Error(t, err)
	assert.False(t, track.Fitted)
}

// TestGBLVolumeScatterAddsPoints exercises the use_volume_scatter path
// with a kinked trajectory and checks the fit still succeeds with a
// non-negative chi2.
func TestGBLVolumeScatterAddsPoints(t *testing.T) {
	planes := sixPlanePlanes()
	resolver := &fakeResolver{clusters: map[clipboard.ClusterRef]*clipboard.Cluster{}}
	track := clipboard.NewTrack(clipboard.BackendGBL)

	zs := []float64{0, 20, 40, 60, 80, 100}
	xs := []float64{0.0, 0.02, 0.05, 0.09, 0.10, 0.11}
	for i, z := range zs {
		name := detName(i)
		ref := clipboard.ClusterRef{DetectorID: name, Index: 0}
		resolver.clusters[ref] = &clipboard.Cluster{
			DetectorID: name, GlobalX: xs[i], GlobalY: 0, GlobalZ: z,
			ErrorX: 0.004, ErrorY: 0.004,
		}
		track.AddCluster(ref)
	}

	cfg := defaultGBLConfig()
	cfg.UseVolumeScatter = true
	err := FitGBL(track, resolver, planes, cfg)
	require.NoError(t, err)
	require.True(t, track.Fitted)
	assert.GreaterOrEqual(t, track.Chi2Value(), 0.0)
}
