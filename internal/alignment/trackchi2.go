package alignment

import (
	"log"

	"github.com/beamtest/trackrecon/internal/clipboard"
	"github.com/beamtest/trackrecon/internal/fitter"
	"github.com/beamtest/trackrecon/internal/geometry"
	"gonum.org/v1/gonum/stat"
)

// TrackChi2Config governs one track-chi-square alignment run: instead
// of fixing reference tracks and moving a single DUT (AlignDUT), this
// mode simultaneously varies every named plane's pose and re-minimizes
// the summed fit chi-square across all tracks.
type TrackChi2Config struct {
	Iterations      int
	TranslationAxes string
	RotationAxes    string
	InitialStepMm   float64
	InitialStepRad  float64
	Workers         int
}

// DefaultTrackChi2Config mirrors DefaultDUTAlignConfig's defaults.
func DefaultTrackChi2Config() TrackChi2Config {
	return TrackChi2Config{
		Iterations:      3,
		TranslationAxes: "xy",
		RotationAxes:    "xyz",
		InitialStepMm:   0.05,
		InitialStepRad:  0.01,
		Workers:         DefaultWorkers(),
	}
}

// AlignTracksChi2 refines the pose of every plane named in planes to
// minimize Σ_tracks chi2(track) under the fitter's straight-line
// backend, holding each plane's z fixed and varying only the
// configured axis subsets. planes are aligned one at a time per
// iteration (block coordinate descent over planes, then over that
// plane's axes); detectors and resolver supply the frozen geometry and
// cluster storage FitStraightLine needs to re-fit every track under a
// candidate pose.
func AlignTracksChi2(detectors map[string]*geometry.Detector, tracks []*clipboard.Track, resolver fitter.ClusterResolver, planes []string, cfg TrackChi2Config, logger *log.Logger) (map[string]geometry.Config, map[string][]IterationResult, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[alignment] ", log.LstdFlags)
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = 3
	}
	axes := AxisSet(cfg.TranslationAxes, cfg.RotationAxes)

	poses := make(map[string]Pose, len(planes))
	bases := make(map[string]geometry.Config, len(planes))
	for _, name := range planes {
		poses[name] = Pose{}
		bases[name] = detectors[name].Config()
	}

	history := make(map[string][]IterationResult, len(planes))

	for iter := 0; iter < cfg.Iterations; iter++ {
		for _, name := range planes {
			stepMm := cfg.InitialStepMm * stepDecay(iter)
			stepRad := cfg.InitialStepRad * stepDecay(iter)

			before := sumChi2(detectors, poses, tracks, resolver, cfg.Workers)
			current := poses[name]

			for _, axis := range axes {
				step := stepMm
				if axis >= AxisRX {
					step = stepRad
				}
				plus := withPlanePose(poses, name, current.WithAxis(axis, step))
				minus := withPlanePose(poses, name, current.WithAxis(axis, -step))
				zero := withPlanePose(poses, name, current)

				costPlus := sumChi2(detectors, plus, tracks, resolver, cfg.Workers)
				costMinus := sumChi2(detectors, minus, tracks, resolver, cfg.Workers)
				costZero := sumChi2(detectors, zero, tracks, resolver, cfg.Workers)

				switch {
				case costPlus < costZero && costPlus <= costMinus:
					current = current.WithAxis(axis, step)
				case costMinus < costZero && costMinus < costPlus:
					current = current.WithAxis(axis, -step)
				}
			}

			poses[name] = current
			after := sumChi2(detectors, poses, tracks, resolver, cfg.Workers)

			residuals := perTrackChi2(detectors, poses, tracks, resolver)
			mean, std := 0.0, 0.0
			if len(residuals) > 0 {
				mean = stat.Mean(residuals, nil)
				std = stat.StdDev(residuals, nil)
			}
			history[name] = append(history[name], IterationResult{
				Correction: current, CostBefore: before, CostAfter: after,
				ResidualMean: mean, ResidualStd: std,
			})
			logger.Printf("track-chi2 alignment plane %s iteration %d: cost %g -> %g", name, iter, before, after)
		}
	}

	final := make(map[string]geometry.Config, len(planes))
	for _, name := range planes {
		final[name] = poses[name].Apply(bases[name]).Config()
	}
	return final, history, nil
}

func stepDecay(iter int) float64 {
	f := 1.0
	for i := 0; i < iter; i++ {
		f *= 0.5
	}
	return f
}

func withPlanePose(poses map[string]Pose, name string, p Pose) map[string]Pose {
	out := make(map[string]Pose, len(poses))
	for k, v := range poses {
		out[k] = v
	}
	out[name] = p
	return out
}

// sumChi2 re-fits every track under the candidate per-plane poses and
// sums the resulting chi2, fanning the per-track fit out across the
// bounded worker pool.
func sumChi2(detectors map[string]*geometry.Detector, poses map[string]Pose, tracks []*clipboard.Track, resolver fitter.ClusterResolver, workers int) float64 {
	posed := applyPoses(detectors, poses)
	return runPerTrack(len(tracks), workers, func(i int) float64 {
		return fitChi2Only(tracks[i], resolver, posed)
	})
}

func perTrackChi2(detectors map[string]*geometry.Detector, poses map[string]Pose, tracks []*clipboard.Track, resolver fitter.ClusterResolver) []float64 {
	posed := applyPoses(detectors, poses)
	out := make([]float64, 0, len(tracks))
	for _, tr := range tracks {
		out = append(out, fitChi2Only(tr, resolver, posed))
	}
	return out
}

func applyPoses(detectors map[string]*geometry.Detector, poses map[string]Pose) map[string]*geometry.Detector {
	out := make(map[string]*geometry.Detector, len(detectors))
	for name, det := range detectors {
		if p, ok := poses[name]; ok {
			out[name] = p.Apply(det.Config())
		} else {
			out[name] = det
		}
	}
	return out
}

// fitChi2Only re-fits a read-only clone of track (same cluster
// references, fresh result maps) so the search can probe candidate
// poses without mutating the caller's track.
func fitChi2Only(track *clipboard.Track, resolver fitter.ClusterResolver, detectors map[string]*geometry.Detector) float64 {
	probe := clipboard.NewTrack(track.Backend)
	probe.Clusters = track.Clusters
	posed := posedResolver{base: resolver, dets: detectors}
	if err := fitter.FitStraightLine(probe, posed, detectors); err != nil {
		return 0
	}
	return probe.Chi2
}

// posedResolver re-projects each resolved cluster's global position
// from its local coordinates under the candidate detector poses, so a
// pose move actually moves the measurements the re-fit sees.
type posedResolver struct {
	base fitter.ClusterResolver
	dets map[string]*geometry.Detector
}

func (r posedResolver) ResolveCluster(ref clipboard.ClusterRef) (*clipboard.Cluster, error) {
	c, err := r.base.ResolveCluster(ref)
	if err != nil {
		return nil, err
	}
	det, ok := r.dets[ref.DetectorID]
	if !ok {
		return c, nil
	}
	cp := *c
	cp.GlobalX, cp.GlobalY, cp.GlobalZ = det.LocalToGlobal(c.LocalX, c.LocalY, c.LocalZ)
	return &cp, nil
}
