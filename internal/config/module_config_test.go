package config

import (
	"testing"

	"github.com/beamtest/trackrecon/internal/recoerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultPipelineConfig().Validate())
}

func TestMutuallyExclusiveTimeCut(t *testing.T) {
	abs, rel := 10.0, 3.0
	cfg := DefaultPipelineConfig()
	cfg.TimeCutAbsNs = &abs
	cfg.TimeCutRelSigma = &rel
	err := cfg.Validate()
	require.Error(t, err)
	kind, ok := recoerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, recoerr.ConfigError, kind)
}

func TestFromModuleConfigRejectsBothAbsAndRel(t *testing.T) {
	m := ModuleConfig{"time_cut_abs": "10", "time_cut_rel": "3"}
	_, err := FromModuleConfig(m)
	require.Error(t, err)
}

func TestFromModuleConfigDefaultsAndOverrides(t *testing.T) {
	m := ModuleConfig{"buffer_depth": "8", "track_model": "gbl", "use_volume_scatter": "true"}
	cfg, err := FromModuleConfig(m)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.BufferDepth)
	assert.Equal(t, TrackModelGBL, cfg.TrackModel)
	assert.True(t, cfg.UseVolumeScatter)
	// Untouched fields keep their defaults.
	assert.Equal(t, DefaultPipelineConfig().MomentumMeV, cfg.MomentumMeV)
}

func TestResolveTimeCutRelative(t *testing.T) {
	sigma := 2.0
	cfg := DefaultPipelineConfig()
	cfg.TimeCutRelSigma = &sigma
	assert.InDelta(t, 10.0, cfg.ResolveTimeCut(5.0), 1e-9)
}

func TestInvalidTrackModelRejected(t *testing.T) {
	m := ModuleConfig{"track_model": "bogus"}
	_, err := FromModuleConfig(m)
	require.Error(t, err)
}
