package alignment

import (
	"log"

	"github.com/beamtest/trackrecon/internal/geometry"
	"gonum.org/v1/gonum/stat"
)

// ReferenceHit is one frozen reference track together with the DUT
// cluster it was associated with, the minimal data the cost function
// needs. The cluster position is stored in the DUT's local frame so a
// candidate pose re-projects it into the global frame; a frozen global
// position could never respond to a pose move.
type ReferenceHit struct {
	TrackState     [3]float64
	TrackDirection [3]float64
	ClusterLocalX  float64
	ClusterLocalY  float64
	ErrorX         float64
	ErrorY         float64
}

// DUTAlignConfig governs one residual-minimizing DUT alignment run.
type DUTAlignConfig struct {
	Iterations         int    // default 3
	TranslationAxes    string // subset of "xyz", z conventionally excluded ("fix z")
	RotationAxes       string // subset of "xyz"
	InitialStepMm      float64
	InitialStepRad     float64
	Workers            int
}

// DefaultDUTAlignConfig returns the usual defaults: 3 iterations,
// free xy translation and xyz rotation, z fixed.
func DefaultDUTAlignConfig() DUTAlignConfig {
	return DUTAlignConfig{
		Iterations:      3,
		TranslationAxes: "xy",
		RotationAxes:    "xyz",
		InitialStepMm:   0.05,
		InitialStepRad:  0.01,
		Workers:         DefaultWorkers(),
	}
}

// IterationResult records one iteration's correction and residual
// diagnostics.
type IterationResult struct {
	Correction   Pose
	CostBefore   float64
	CostAfter    float64
	ResidualMean float64
	ResidualStd  float64
}

// AlignDUT refines dutCfg's pose to minimize
// Σ_tracks Σ_clusters ((Δx/ex)² + (Δy/ey)²) over hits, holding z fixed
// and varying only the configured translation/rotation axis subsets.
// It returns the final corrected Config and the per-iteration history.
func AlignDUT(dutCfg geometry.Config, hits []ReferenceHit, cfg DUTAlignConfig, logger *log.Logger) (geometry.Config, []IterationResult, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[alignment] ", log.LstdFlags)
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = 3
	}
	axes := AxisSet(cfg.TranslationAxes, cfg.RotationAxes)

	pose := Pose{}
	var history []IterationResult

	stepMm, stepRad := cfg.InitialStepMm, cfg.InitialStepRad
	for iter := 0; iter < cfg.Iterations; iter++ {
		before := evaluateCost(dutCfg, pose, hits, cfg.Workers)
		correction := Pose{}

		for _, axis := range axes {
			step := stepMm
			if axis >= AxisRX {
				step = stepRad
			}
			candidatePlus := pose.Add(correction).WithAxis(axis, step)
			candidateMinus := pose.Add(correction).WithAxis(axis, -step)

			costPlus := evaluateCost(dutCfg, candidatePlus, hits, cfg.Workers)
			costMinus := evaluateCost(dutCfg, candidateMinus, hits, cfg.Workers)
			costZero := evaluateCost(dutCfg, pose.Add(correction), hits, cfg.Workers)

			switch {
			case costPlus < costZero && costPlus <= costMinus:
				correction = correction.WithAxis(axis, step)
			case costMinus < costZero && costMinus < costPlus:
				correction = correction.WithAxis(axis, -step)
			}
		}

		pose = pose.Add(correction)
		after := evaluateCost(dutCfg, pose, hits, cfg.Workers)

		residuals := perHitResiduals(dutCfg, pose, hits)
		mean, std := 0.0, 0.0
		if len(residuals) > 0 {
			mean = stat.Mean(residuals, nil)
			std = stat.StdDev(residuals, nil)
		}

		history = append(history, IterationResult{
			Correction: correction, CostBefore: before, CostAfter: after,
			ResidualMean: mean, ResidualStd: std,
		})
		logger.Printf("alignment iteration %d: cost %g -> %g (mean residual %g, std %g)", iter, before, after, mean, std)

		stepMm *= 0.5
		stepRad *= 0.5
	}

	final := pose.Apply(dutCfg).Config()
	return final, history, nil
}

// evaluateCost fans the chi-square sum out across hits via the
// bounded worker pool.
func evaluateCost(base geometry.Config, pose Pose, hits []ReferenceHit, workers int) float64 {
	det := pose.Apply(base)
	return runPerTrack(len(hits), workers, func(i int) float64 {
		return hitChi2(det, hits[i])
	})
}

func hitChi2(det *geometry.Detector, hit ReferenceHit) float64 {
	gx, gy, gz := det.LocalToGlobal(hit.ClusterLocalX, hit.ClusterLocalY, 0)
	x, y := extrapolate(hit.TrackState, hit.TrackDirection, gz)
	dx := (gx - x) / hit.ErrorX
	dy := (gy - y) / hit.ErrorY
	return dx*dx + dy*dy
}

func extrapolate(state, direction [3]float64, z float64) (x, y float64) {
	if direction[2] == 0 {
		return state[0], state[1]
	}
	t := (z - state[2]) / direction[2]
	return state[0] + t*direction[0], state[1] + t*direction[1]
}

func perHitResiduals(base geometry.Config, pose Pose, hits []ReferenceHit) []float64 {
	det := pose.Apply(base)
	out := make([]float64, 0, len(hits))
	for _, h := range hits {
		gx, gy, gz := det.LocalToGlobal(h.ClusterLocalX, h.ClusterLocalY, 0)
		x, y := extrapolate(h.TrackState, h.TrackDirection, gz)
		out = append(out, gx-x, gy-y)
	}
	return out
}
