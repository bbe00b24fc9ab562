// Package clusterizer groups a detector's sorted Pixel stream into
// Clusters by 8-connectivity touching and a growing-window time
// coincidence, one instance per detector.
package clusterizer

import (
	"math"
	"sort"

	"github.com/beamtest/trackrecon/internal/clipboard"
	"github.com/beamtest/trackrecon/internal/geometry"
)

// DefaultSingleSeedErrorMm is the floor on a size-1 cluster's error:
// the detector's resolution is used, raised to this value if smaller.
const DefaultSingleSeedErrorMm = 0.004

// Clusterer groups a detector's sorted Pixels for one event into
// Clusters. TouchingTimeClusterer is the one concrete strategy this
// package provides.
type Clusterer interface {
	Cluster(det *geometry.Detector, pixels []clipboard.Pixel, timingCutNs float64) []clipboard.Cluster
}

// TouchingTimeClusterer is a seed+flood clusterer: pixels join a
// cluster when 8-connectivity touching and time-coincident within a
// growing window relative to the most recently added pixel.
type TouchingTimeClusterer struct{}

// NewTouchingTimeClusterer constructs the default clusterer.
func NewTouchingTimeClusterer() *TouchingTimeClusterer { return &TouchingTimeClusterer{} }

// Cluster groups pixels (already sorted ascending by TimestampNs, per
// the Hit Ingester's invariant) into Clusters. The index of each pixel
// in the input slice becomes its PixelIdx in the resulting clusters.
func (TouchingTimeClusterer) Cluster(det *geometry.Detector, pixels []clipboard.Pixel, timingCutNs float64) []clipboard.Cluster {
	n := len(pixels)
	used := make([]bool, n)
	var clusters []clipboard.Cluster

	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}
		members := []int{i}
		used[i] = true
		clusterTs := pixels[i].TimestampNs

		for {
			grew := false
			for j := i + 1; j < n; j++ {
				if pixels[j].TimestampNs-clusterTs > timingCutNs {
					break // sorted ascending, so nothing further can qualify
				}
				if used[j] {
					continue
				}
				if touchesAny(pixels[j], members, pixels) {
					members = append(members, j)
					used[j] = true
					clusterTs = pixels[j].TimestampNs
					grew = true
				}
			}
			if !grew {
				break
			}
		}

		clusters = append(clusters, finalize(det, pixels, members))
	}
	return clusters
}

// touchesAny reports whether candidate is 8-connectivity adjacent to
// any pixel already in the cluster.
func touchesAny(candidate clipboard.Pixel, members []int, pixels []clipboard.Pixel) bool {
	for _, m := range members {
		other := pixels[m]
		dc := candidate.Col - other.Col
		dr := candidate.Row - other.Row
		if dc < 0 {
			dc = -dc
		}
		if dr < 0 {
			dr = -dr
		}
		if dc <= 1 && dr <= 1 {
			return true
		}
	}
	return false
}

// finalize computes the charge-weighted centroid, local/global
// position, errors, bounding extent and seed pixel for one cluster.
func finalize(det *geometry.Detector, pixels []clipboard.Pixel, members []int) clipboard.Cluster {
	sort.Ints(members)

	var sumCharge, sumWeight, sumColCharge, sumRowCharge float64
	minCol, maxCol := pixels[members[0]].Col, pixels[members[0]].Col
	minRow, maxRow := pixels[members[0]].Row, pixels[members[0]].Row
	seedIdx := members[0]
	seedCharge := pixels[members[0]].Charge
	minTs := pixels[members[0]].TimestampNs

	for _, idx := range members {
		p := pixels[idx]
		weight := p.Charge
		if weight == 0 {
			weight = 1 // unweighted centroid when charge is not instrumented
		}
		sumCharge += p.Charge
		sumWeight += weight
		sumColCharge += float64(p.Col) * weight
		sumRowCharge += float64(p.Row) * weight

		if p.Col < minCol {
			minCol = p.Col
		}
		if p.Col > maxCol {
			maxCol = p.Col
		}
		if p.Row < minRow {
			minRow = p.Row
		}
		if p.Row > maxRow {
			maxRow = p.Row
		}
		if p.Charge > seedCharge {
			seedCharge = p.Charge
			seedIdx = idx
		}
		if p.TimestampNs < minTs {
			minTs = p.TimestampNs
		}
	}

	col := sumColCharge / sumWeight
	row := sumRowCharge / sumWeight

	cfg := det.Config()
	localX := cfg.PitchX * (col - float64(cfg.NPixelsX)/2)
	localY := cfg.PitchY * (row - float64(cfg.NPixelsY)/2)
	gx, gy, gz := det.LocalToGlobal(localX, localY, 0)

	errX, errY := cfg.SpatialResX, cfg.SpatialResY
	size := len(members)
	if size == 1 {
		if errX == 0 || errX < DefaultSingleSeedErrorMm {
			errX = DefaultSingleSeedErrorMm
		}
		if errY == 0 || errY < DefaultSingleSeedErrorMm {
			errY = DefaultSingleSeedErrorMm
		}
	} else {
		// A multi-pixel centroid is known better than a single pixel's
		// pitch/sqrt(12) by roughly sqrt(size).
		errX /= math.Sqrt(float64(size))
		errY /= math.Sqrt(float64(size))
	}

	pixelIdx := append([]int(nil), members...)
	return clipboard.Cluster{
		DetectorID:   cfg.Name,
		PixelIdx:     pixelIdx,
		Charge:       sumCharge,
		LocalX:       localX,
		LocalY:       localY,
		LocalZ:       0,
		GlobalX:      gx,
		GlobalY:      gy,
		GlobalZ:      gz,
		ErrorX:       errX,
		ErrorY:       errY,
		ColumnWidth:  1 + maxCol - minCol,
		RowWidth:     1 + maxRow - minRow,
		Split:        (1+maxCol-minCol)*(1+maxRow-minRow) != size,
		SeedPixelIdx: seedIdx,
		TimestampNs:  minTs,
	}
}
