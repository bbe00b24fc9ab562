// Package config provides the per-module configuration surface: a
// string→string key-value map supplied by the host, plus a typed,
// validated pipeline config with defaults, a Validate method and
// fluent With* setters.
package config

import (
	"strconv"

	"github.com/beamtest/trackrecon/internal/recoerr"
)

// ModuleConfig is the raw string→string map a host passes to a
// module's Init.
type ModuleConfig map[string]string

// GetString returns the value for key, or def if absent.
func (m ModuleConfig) GetString(key, def string) string {
	if v, ok := m[key]; ok {
		return v
	}
	return def
}

// GetFloat parses key as a float64, or returns def if absent.
func (m ModuleConfig) GetFloat(key string, def float64) (float64, error) {
	v, ok := m[key]
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, recoerr.New(recoerr.ConfigError, "%s: %v", key, err)
	}
	return f, nil
}

// GetInt parses key as an int, or returns def if absent.
func (m ModuleConfig) GetInt(key string, def int) (int, error) {
	v, ok := m[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, recoerr.New(recoerr.ConfigError, "%s: %v", key, err)
	}
	return n, nil
}

// GetBool parses key as a bool, or returns def if absent.
func (m ModuleConfig) GetBool(key string, def bool) (bool, error) {
	v, ok := m[key]
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, recoerr.New(recoerr.ConfigError, "%s: %v", key, err)
	}
	return b, nil
}

// RequireOneOf enforces the "absolute xor relative" mutual-exclusion
// rule for cut options: at most one of absKey/relKey may be set.
func (m ModuleConfig) RequireOneOf(absKey, relKey string) error {
	_, hasAbs := m[absKey]
	_, hasRel := m[relKey]
	if hasAbs && hasRel {
		return recoerr.New(recoerr.ConfigError, "%s and %s are mutually exclusive", absKey, relKey)
	}
	return nil
}

// TrackModel enumerates the track_model config option.
type TrackModel string

const (
	TrackModelStraightLine TrackModel = "straightline"
	TrackModelGBL          TrackModel = "gbl"
	TrackModelMultiplet    TrackModel = "multiplet"
)

// PipelineConfig gathers the recognized options for the pipeline as a
// whole. Individual modules (ingest, clusterizer, tracklet, fitter,
// alignment) each also expose a narrower typed config; this one is
// what cmd/trackrecon validates at start-up.
type PipelineConfig struct {
	BufferDepth int // default: see DefaultPipelineConfig

	TimeCutAbsNs *float64 // mutually exclusive with TimeCutRelSigma
	TimeCutRelSigma *float64

	SpatialCutAbsMm *float64 // mutually exclusive with SpatialCutRelSigma
	SpatialCutRelSigma *float64

	MinHitsOnTrack   int
	MinHitsUpstream  int
	MinHitsDownstream int

	ScattererPositionMm  float64
	ScattererMatchingCutMm float64
	IsolationCutMm       float64

	UseVolumeScatter bool
	MomentumMeV      float64
	// ScatteringLengthVolumeMm is the radiation length (X0) of the bulk
	// medium between planes, used by the GBL backend's volume-scatter
	// points when UseVolumeScatter is set. Default is dry air at STP.
	ScatteringLengthVolumeMm float64

	Chi2NdofCut float64

	SkipTimeNs     float64
	ShiftTriggers  int
	TimeOffsetByDetector map[string]float64

	TrackModel TrackModel
}

// DefaultPipelineConfig returns conservative defaults for a six-plane
// telescope at typical beam-test timing resolutions.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		BufferDepth:            4,
		MinHitsOnTrack:         3,
		MinHitsUpstream:        2,
		MinHitsDownstream:      2,
		ScattererPositionMm:    0,
		ScattererMatchingCutMm: 0.5,
		IsolationCutMm:         0.1,
		UseVolumeScatter:       false,
		MomentumMeV:            5000,
		ScatteringLengthVolumeMm: 304200, // X0 of dry air, mm
		Chi2NdofCut:            10,
		SkipTimeNs:             0,
		ShiftTriggers:          0,
		TimeOffsetByDetector:   map[string]float64{},
		TrackModel:             TrackModelStraightLine,
	}
}

// Validate checks the recognized-option constraints: time_cut and
// spatial_cut are each mutually-exclusive abs/rel pairs, the per-arm
// hit minima must be >= 2, and track_model must be one of the three
// known backends.
func (c *PipelineConfig) Validate() error {
	if c.TimeCutAbsNs != nil && c.TimeCutRelSigma != nil {
		return recoerr.New(recoerr.ConfigError, "time_cut_abs and time_cut_rel are mutually exclusive")
	}
	if c.SpatialCutAbsMm != nil && c.SpatialCutRelSigma != nil {
		return recoerr.New(recoerr.ConfigError, "spatial_cut_abs and spatial_cut_rel are mutually exclusive")
	}
	if c.BufferDepth < 1 {
		return recoerr.New(recoerr.ConfigError, "buffer_depth must be >= 1, got %d", c.BufferDepth)
	}
	if c.MinHitsUpstream < 2 {
		return recoerr.New(recoerr.ConfigError, "min_hits_upstream must be >= 2, got %d", c.MinHitsUpstream)
	}
	if c.MinHitsDownstream < 2 {
		return recoerr.New(recoerr.ConfigError, "min_hits_downstream must be >= 2, got %d", c.MinHitsDownstream)
	}
	if c.ScattererMatchingCutMm <= 0 {
		return recoerr.New(recoerr.ConfigError, "scatterer_matching_cut must be positive, got %f", c.ScattererMatchingCutMm)
	}
	if c.MomentumMeV <= 0 {
		return recoerr.New(recoerr.ConfigError, "momentum must be positive, got %f", c.MomentumMeV)
	}
	switch c.TrackModel {
	case TrackModelStraightLine, TrackModelGBL, TrackModelMultiplet:
	default:
		return recoerr.New(recoerr.ConfigError, "track_model must be straightline|gbl|multiplet, got %q", c.TrackModel)
	}
	return nil
}

// WithBufferDepth sets the per-detector ingest buffer depth.
func (c *PipelineConfig) WithBufferDepth(n int) *PipelineConfig { c.BufferDepth = n; return c }

// WithTrackModel sets the fitting backend.
func (c *PipelineConfig) WithTrackModel(m TrackModel) *PipelineConfig { c.TrackModel = m; return c }

// WithMomentum sets the assumed beam momentum in MeV/c (used by GBL
// scattering-angle estimation).
func (c *PipelineConfig) WithMomentum(mev float64) *PipelineConfig { c.MomentumMeV = mev; return c }

// FromModuleConfig builds a PipelineConfig from the host's raw
// key-value map, applying defaults for anything unset.
func FromModuleConfig(m ModuleConfig) (*PipelineConfig, error) {
	cfg := DefaultPipelineConfig()

	var err error
	if cfg.BufferDepth, err = m.GetInt("buffer_depth", cfg.BufferDepth); err != nil {
		return nil, err
	}
	if err := m.RequireOneOf("time_cut_abs", "time_cut_rel"); err != nil {
		return nil, err
	}
	if v, ok := m["time_cut_abs"]; ok {
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil {
			return nil, recoerr.New(recoerr.ConfigError, "time_cut_abs: %v", ferr)
		}
		cfg.TimeCutAbsNs = &f
	}
	if v, ok := m["time_cut_rel"]; ok {
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil {
			return nil, recoerr.New(recoerr.ConfigError, "time_cut_rel: %v", ferr)
		}
		cfg.TimeCutRelSigma = &f
	}
	if err := m.RequireOneOf("spatial_cut_abs", "spatial_cut_rel"); err != nil {
		return nil, err
	}
	if v, ok := m["spatial_cut_abs"]; ok {
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil {
			return nil, recoerr.New(recoerr.ConfigError, "spatial_cut_abs: %v", ferr)
		}
		cfg.SpatialCutAbsMm = &f
	}
	if v, ok := m["spatial_cut_rel"]; ok {
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil {
			return nil, recoerr.New(recoerr.ConfigError, "spatial_cut_rel: %v", ferr)
		}
		cfg.SpatialCutRelSigma = &f
	}
	if cfg.MinHitsOnTrack, err = m.GetInt("min_hits_on_track", cfg.MinHitsOnTrack); err != nil {
		return nil, err
	}
	if cfg.MinHitsUpstream, err = m.GetInt("min_hits_upstream", cfg.MinHitsUpstream); err != nil {
		return nil, err
	}
	if cfg.MinHitsDownstream, err = m.GetInt("min_hits_downstream", cfg.MinHitsDownstream); err != nil {
		return nil, err
	}
	if cfg.ScattererPositionMm, err = m.GetFloat("scatterer_position", cfg.ScattererPositionMm); err != nil {
		return nil, err
	}
	if cfg.ScattererMatchingCutMm, err = m.GetFloat("scatterer_matching_cut", cfg.ScattererMatchingCutMm); err != nil {
		return nil, err
	}
	if cfg.IsolationCutMm, err = m.GetFloat("isolation_cut", cfg.IsolationCutMm); err != nil {
		return nil, err
	}
	if cfg.UseVolumeScatter, err = m.GetBool("use_volume_scatter", cfg.UseVolumeScatter); err != nil {
		return nil, err
	}
	if cfg.ScatteringLengthVolumeMm, err = m.GetFloat("scattering_length_volume", cfg.ScatteringLengthVolumeMm); err != nil {
		return nil, err
	}
	if cfg.MomentumMeV, err = m.GetFloat("momentum", cfg.MomentumMeV); err != nil {
		return nil, err
	}
	if cfg.Chi2NdofCut, err = m.GetFloat("chi2ndof_cut", cfg.Chi2NdofCut); err != nil {
		return nil, err
	}
	if cfg.SkipTimeNs, err = m.GetFloat("skip_time", cfg.SkipTimeNs); err != nil {
		return nil, err
	}
	if cfg.ShiftTriggers, err = m.GetInt("shift_triggers", cfg.ShiftTriggers); err != nil {
		return nil, err
	}
	cfg.TrackModel = TrackModel(m.GetString("track_model", string(cfg.TrackModel)))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveTimeCut returns the effective absolute time cut for a
// detector with the given time resolution, applying the relative form
// (in multiples of sigma) when that's what was configured.
func (c *PipelineConfig) ResolveTimeCut(detectorTimeResolutionNs float64) float64 {
	if c.TimeCutRelSigma != nil {
		return *c.TimeCutRelSigma * detectorTimeResolutionNs
	}
	if c.TimeCutAbsNs != nil {
		return *c.TimeCutAbsNs
	}
	return 3 * detectorTimeResolutionNs
}

// ResolveSpatialCut returns the effective absolute spatial cut (mm)
// given a detector's per-axis spatial resolution.
func (c *PipelineConfig) ResolveSpatialCut(spatialResMm float64) float64 {
	if c.SpatialCutRelSigma != nil {
		return *c.SpatialCutRelSigma * spatialResMm
	}
	if c.SpatialCutAbsMm != nil {
		return *c.SpatialCutAbsMm
	}
	return 5 * spatialResMm
}
