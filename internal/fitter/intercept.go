package fitter

import (
	"log"
	"sort"

	"github.com/beamtest/trackrecon/internal/clipboard"
)

// GetIntercept returns the track's fitted global-frame position at an
// arbitrary z. When z falls within the span of the track's fitted
// detector states it interpolates linearly between the two bracketing
// planes; when z lies outside that span it extrapolates from the two
// nearest planes instead of failing, logging via logger if non-nil.
func GetIntercept(track *clipboard.Track, z float64, logger *log.Logger) (x, y float64) {
	type point struct{ z, x, y float64 }
	var pts []point
	for det, state := range track.StateByDetector {
		_ = det
		pts = append(pts, point{z: state[2], x: state[0], y: state[1]})
	}
	if len(pts) == 0 {
		return 0, 0
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].z < pts[j].z })
	if len(pts) == 1 {
		return pts[0].x, pts[0].y
	}

	lo, hi := pts[0], pts[len(pts)-1]
	if z < lo.z || z > hi.z {
		if logger != nil {
			logger.Printf("intercept requested at z=%v outside telescope coverage [%v, %v]; extrapolating", z, lo.z, hi.z)
		}
		if z < lo.z {
			hi = pts[1]
		} else {
			lo = pts[len(pts)-2]
		}
	} else {
		for i := 0; i < len(pts)-1; i++ {
			if z >= pts[i].z && z <= pts[i+1].z {
				lo, hi = pts[i], pts[i+1]
				break
			}
		}
	}

	if hi.z == lo.z {
		return lo.x, lo.y
	}
	frac := (z - lo.z) / (hi.z - lo.z)
	return lo.x + frac*(hi.x-lo.x), lo.y + frac*(hi.y-lo.y)
}
