package tracklet

import (
	"math"

	"github.com/beamtest/trackrecon/internal/clipboard"
)

// MultipletConfig governs upstream/downstream merging at the
// scatterer plane.
type MultipletConfig struct {
	ScattererZMm           float64
	ScattererMatchingCutMm float64
}

// FormMultiplets pairs each upstream tracklet with its closest
// downstream partner at the scatterer plane, accepting only pairs
// within ScattererMatchingCutMm. Ties break by ascending offset
// magnitude, then earliest downstream index.
func FormMultiplets(upstream, downstream []*clipboard.Track, cfg MultipletConfig) []*clipboard.Track {
	var multiplets []*clipboard.Track
	used := make([]bool, len(downstream))

	for _, up := range upstream {
		upX, upY := interceptOf(up, cfg.ScattererZMm)

		bestIdx := -1
		bestOffset := math.MaxFloat64
		for j, down := range downstream {
			if used[j] {
				continue
			}
			dx, dy := interceptOf(down, cfg.ScattererZMm)
			offset := math.Hypot(dx-upX, dy-upY)
			if offset >= cfg.ScattererMatchingCutMm {
				continue
			}
			if offset < bestOffset {
				bestOffset = offset
				bestIdx = j
			}
		}
		if bestIdx < 0 {
			continue
		}

		down := downstream[bestIdx]
		downX, downY := interceptOf(down, cfg.ScattererZMm)
		upDirX, upDirY := directionOf(up)
		downDirX, downDirY := directionOf(down)

		m := clipboard.NewTrack(clipboard.BackendMultiplet)
		m.Upstream = up
		m.Downstream = down
		m.ScattererZ = cfg.ScattererZMm
		m.PositionAtScatterer = [2]float64{(upX + downX) / 2, (upY + downY) / 2}
		m.KinkAtScatterer = [2]float64{downDirX - upDirX, downDirY - upDirY}
		m.Chi2 = up.Chi2 + down.Chi2
		m.Ndof = up.Ndof + down.Ndof
		m.Fitted = up.Fitted && down.Fitted
		m.TimestampNs = (up.TimestampNs + down.TimestampNs) / 2
		multiplets = append(multiplets, m)
	}
	return multiplets
}

func interceptOf(t *clipboard.Track, z float64) (x, y float64) {
	state, direction := firstState(t)
	return interceptAt(state, direction, z)
}

// directionOf returns the track's tangent normalized to unit z.
func directionOf(t *clipboard.Track) (tx, ty float64) {
	_, direction := firstState(t)
	if direction[2] == 0 {
		return direction[0], direction[1]
	}
	return direction[0] / direction[2], direction[1] / direction[2]
}

// firstState picks the constituent plane nearest z=0 as the reference
// point for extrapolation. For a StraightLineTrack any plane gives the
// same line, but a GblTrack's state/direction vary plane-to-plane
// (kinks), so an arbitrary pick would make the scatterer intercept
// depend on Go's unspecified map iteration order.
func firstState(t *clipboard.Track) (state, direction [3]float64) {
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
