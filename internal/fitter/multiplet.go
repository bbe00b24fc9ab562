package fitter

import (
	"math"

	"github.com/beamtest/trackrecon/internal/clipboard"
	"github.com/beamtest/trackrecon/internal/recoerr"
	"github.com/beamtest/trackrecon/internal/geometry"
)

// MultipletFitConfig carries what FitMultiplet needs to re-run the
// upstream/downstream sub-fits. Alignment's track-chi2 mode uses it to
// re-fit every multiplet after each pose update rather than only
// recomputing the scatterer summary that tracklet.FormMultiplets
// produces at match time.
type MultipletFitConfig struct {
	Backend    clipboard.Backend // straightline or gbl, applied to both arms
	Detectors  map[string]*geometry.Detector
	GBLPlanes  []*geometry.Detector // only used when Backend == BackendGBL
	GBL        GBLConfig
	ScattererZ float64
}

// FitMultiplet re-fits a Multiplet's Upstream and Downstream tracks
// with the configured backend, then recomputes the scatterer-plane
// summary (position/kink at scatterer, combined chi2/ndof) from the
// fresh fits.
func FitMultiplet(track *clipboard.Track, resolver ClusterResolver, cfg MultipletFitConfig) error {
	if track.Backend != clipboard.BackendMultiplet {
		return recoerr.New(recoerr.TrackFitError, "FitMultiplet called on a %s track", track.Backend)
	}
	if track.Upstream == nil || track.Downstream == nil {
		return recoerr.New(recoerr.MissingReference, "multiplet missing upstream or downstream track")
	}

	if err := fitArm(track.Upstream, resolver, cfg); err != nil {
		return err
	}
	if err := fitArm(track.Downstream, resolver, cfg); err != nil {
		return err
	}

	upX, upY := interceptAt(track.Upstream, cfg.ScattererZ)
	downX, downY := interceptAt(track.Downstream, cfg.ScattererZ)
	upTx, upTy := tangentAt(track.Upstream)
	downTx, downTy := tangentAt(track.Downstream)

	track.ScattererZ = cfg.ScattererZ
	track.PositionAtScatterer = [2]float64{(upX + downX) / 2, (upY + downY) / 2}
	track.KinkAtScatterer = [2]float64{downTx - upTx, downTy - upTy}
	track.Chi2 = track.Upstream.Chi2 + track.Downstream.Chi2
	track.Ndof = track.Upstream.Ndof + track.Downstream.Ndof
	track.Fitted = track.Upstream.Fitted && track.Downstream.Fitted
	track.TimestampNs = (track.Upstream.TimestampNs + track.Downstream.TimestampNs) / 2
	return nil
}

func fitArm(arm *clipboard.Track, resolver ClusterResolver, cfg MultipletFitConfig) error {
	switch cfg.Backend {
	case clipboard.BackendGBL:
		return FitGBL(arm, resolver, cfg.GBLPlanes, cfg.GBL)
	default:
		return FitStraightLine(arm, resolver, cfg.Detectors)
	}
}

// interceptAt extrapolates a sub-track's global (x,y) at z using its
// nearest fitted state/direction pair, matching tracklet.interceptOf's
// convention so Multiplets formed by either package agree.
func interceptAt(t *clipboard.Track, z float64) (x, y float64) {
	state, direction := nearestState(t)
	if direction[2] == 0 {
		return state[0], state[1]
	}
	dz := z - state[2]
	return state[0] + dz*direction[0]/direction[2], state[1] + dz*direction[1]/direction[2]
}

// tangentAt returns the sub-track's direction normalized to unit z.
func tangentAt(t *clipboard.Track) (tx, ty float64) {
	_, direction := nearestState(t)
	if direction[2] == 0 {
		return direction[0], direction[1]
	}
	return direction[0] / direction[2], direction[1] / direction[2]
}

func nearestState(t *clipboard.Track) (state, direction [3]float64) {
	direction = [3]float64{0, 0, 1}
	best := math.MaxFloat64
	for det, s := range t.StateByDetector {
		d := math.Abs(s[2])
		if d < best {
			best = d
			state = s
			direction = t.DirectionByDetector[det]
		}
	}
	return state, direction
}
