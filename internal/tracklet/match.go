package tracklet

import (
	"math"

	"github.com/beamtest/trackrecon/internal/clipboard"
	"github.com/beamtest/trackrecon/internal/geometry"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// matchIntermediate collects det's clusters near the candidate line's
// intercept from the KD-tree, keeps those passing the time cut and the
// elliptical spatial cut, and picks the one with the smallest
// Euclidean distance. Any cluster inside the ellipse lies within
// max(cutX, cutY) of the intercept, so the tree query is bounded by
// that radius.
func matchIntermediate(det *geometry.Detector, bundle *kdtreeBundle, clusters []clipboard.Cluster, state, direction [3]float64, candidateTimestampNs float64, cfg Config) (clipboard.ClusterRef, bool) {
	if bundle == nil || bundle.tree == nil {
		return clipboard.ClusterRef{}, false
	}

	cutX := cfg.SpatialCutXMm[det.Name()]
	cutY := cfg.SpatialCutYMm[det.Name()]
	if cutX <= 0 || cutY <= 0 {
		return clipboard.ClusterRef{}, false
	}
	timeCut := cfg.TimeCutNs[det.Name()]

	x, y := interceptAt(state, direction, det.GlobalZ())
	query := &clusterPoint{x: x, y: y}
	radius := math.Max(cutX, cutY)
	keeper := kdtree.NewDistKeeper(radius * radius) // clusterPoint distances are squared
	bundle.tree.NearestSet(keeper, query)

	bestIdx := -1
	bestDist := math.MaxFloat64
	for _, item := range keeper.Heap {
		pt, ok := item.Comparable.(*clusterPoint)
		if !ok {
			continue
		}
		c := clusters[pt.index]
		dx := c.GlobalX - x
		dy := c.GlobalY - y
		if (dx/cutX)*(dx/cutX)+(dy/cutY)*(dy/cutY) >= 1 {
			continue
		}
		if timeCut > 0 && math.Abs(c.TimestampNs-candidateTimestampNs) > timeCut {
			continue
		}
		dist := math.Hypot(dx, dy)
		if dist < bestDist || (dist == bestDist && pt.index < bestIdx) {
			bestDist = dist
			bestIdx = pt.index
		}
	}
	if bestIdx < 0 {
		return clipboard.ClusterRef{}, false
	}
	return clipboard.ClusterRef{DetectorID: det.Name(), Index: bestIdx}, true
}

// applyIsolationCut removes both tracklets of any pair whose
// projected position at the scatterer plane lies within
// isolationCutMm of each other, rejecting ambiguous pairings. A
// non-positive cut disables the check.
func applyIsolationCut(candidates []*clipboard.Track, scattererZ, isolationCutMm float64) []*clipboard.Track {
	if isolationCutMm <= 0 || len(candidates) < 2 {
		return candidates
	}
	removed := make([]bool, len(candidates))
	positions := make([][2]float64, len(candidates))
	for i, t := range candidates {
		state := [3]float64{}
		direction := [3]float64{0, 0, 1}
		for det, s := range t.StateByDetector {
			state = s
			direction = t.DirectionByDetector[det]
			break
		}
		x, y := interceptAt(state, direction, scattererZ)
		positions[i] = [2]float64{x, y}
	}
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			dx := positions[i][0] - positions[j][0]
			dy := positions[i][1] - positions[j][1]
			if math.Hypot(dx, dy) < isolationCutMm {
				removed[i] = true
				removed[j] = true
			}
		}
	}
	var out []*clipboard.Track
	for i, t := range candidates {
		if !removed[i] {
			out = append(out, t)
		}
	}
	return out
}
